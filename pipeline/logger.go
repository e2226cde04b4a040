package pipeline

import (
	"log/slog"

	"github.com/gogpu/gpucache/internal/logging"
)

var logger logging.Handle

// SetLogger sets the logger for the pipeline package. Nil disables logging.
//
// Missing vertex attributes and coerced instance divisors are logged at
// [slog.LevelWarn]; pipeline builds and partition switches at
// [slog.LevelDebug].
func SetLogger(l *slog.Logger) { logger.Set(l) }

func slogger() *slog.Logger { return logger.Get() }
