// Package system provides a real clock implementation.
package system

import "time"

// Clock implements pipeline.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed wall time from t, measured at millisecond
// precision the way fetch and parse durations are recorded.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
