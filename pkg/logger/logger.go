package logger

import (
	"log"
	"log/slog"
)

// New returns a stdlib *log.Logger that forwards into the slog handler with a component attribute.
// Third-party clients that only accept *log.Logger (sarama) log through it.
func New(base *slog.Logger, component string) *log.Logger {
	if base == nil {
		base = slog.Default()
	}
	handler := base.With("component", component).Handler()
	return slog.NewLogLogger(handler, slog.LevelDebug)
}
