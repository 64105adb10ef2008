// Package sinks implements concrete run-event consumers: Prometheus metrics,
// the repository-backed run registry, and structured logging. Each sink
// satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
