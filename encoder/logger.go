package encoder

import (
	"log/slog"

	"github.com/gogpu/gpucache/internal/logging"
)

var logger logging.Handle

// SetLogger sets the logger for the encoder package. Nil disables logging.
func SetLogger(l *slog.Logger) { logger.Set(l) }

func slogger() *slog.Logger { return logger.Get() }
