package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/progress"
)

// LogSink emits structured logs for debugging run-event streams. It is useful
// during development or audits where a durable registry is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.Time("ts", evt.TS),
			zap.String("kind", string(evt.Kind)),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Kind {
		case progress.KindStageStart, progress.KindStageDone:
			fields = append(fields,
				zap.String("stage", evt.Stage),
				zap.String("stage_status", evt.StageStatus),
				zap.Int("items_in", evt.ItemsIn),
				zap.Int("items_out", evt.ItemsOut),
				zap.Int("error_count", evt.ErrorCount))
		case progress.KindFetchDone:
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)))
		case progress.KindParseDone:
			fields = append(fields,
				zap.String("parse_status", evt.ParseStatus),
				zap.Int("tokens", evt.Tokens))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("run event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
