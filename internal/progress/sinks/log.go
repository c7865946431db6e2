package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/progress"
)

// LogSink writes one structured log line per event.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.TargetID != "" {
			fields = append(fields,
				zap.String("target_id", evt.TargetID),
				zap.Int("index", evt.Index),
				zap.String("site", evt.Site),
			)
		}
		if evt.Result != "" {
			fields = append(fields, zap.String("result", evt.Result))
		}
		if evt.Posts > 0 {
			fields = append(fields, zap.Int("posts", evt.Posts))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
