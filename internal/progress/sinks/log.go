package sinks

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/treexport/internal/progress"
)

// LogSink writes every observed update as a structured log line. It backs
// the CLI's progress output and the progress.log_enabled switch.
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

// Offer logs u. Final values are logged at info, intermediate ones at debug.
func (s *LogSink) Offer(u progress.Update) bool {
	fields := []zap.Field{
		zap.String("session_id", u.SessionID.String()),
		zap.String("kind", string(u.Kind)),
		zap.Int("progress", u.Value),
		zap.Bool("final", u.Final),
	}
	if u.Final {
		s.logger.Info("progress finished", fields...)
		return true
	}
	s.logger.Debug("progress update", fields...)
	return true
}
