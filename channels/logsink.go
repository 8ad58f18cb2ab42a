package channels

import (
	"context"
	"log/slog"
)

// LogSink writes messages to the log instead of sending them. It backs
// dry runs and the "log:" scheme.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (l *LogSink) Name() string { return "log" }

// Send logs text at info level.
func (l *LogSink) Send(_ context.Context, text, destination string) error {
	l.logger.Info("log sink: message", "destination", destination, "text", text)
	return nil
}
