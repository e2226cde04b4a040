package gpucache

import (
	"log/slog"

	"github.com/gogpu/gpucache/bindgroup"
	"github.com/gogpu/gpucache/encoder"
	"github.com/gogpu/gpucache/internal/logging"
	"github.com/gogpu/gpucache/pipeline"
	"github.com/gogpu/gpucache/shader"
	"github.com/gogpu/gpucache/texpool"
	"github.com/gogpu/gpucache/upload"
)

var logger logging.Handle

// SetLogger configures the logger for gpucache and all its sub-packages.
// By default, gpucache produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default.
//
// Log levels used by gpucache:
//   - [slog.LevelDebug]: cache misses, pipeline builds, pool allocations
//   - [slog.LevelWarn]: configuration defects that degrade a draw (missing
//     vertex attribute, coerced instance divisor, destroyed resource)
//
// Example:
//
//	gpucache.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logger.Set(l)
	pipeline.SetLogger(l)
	bindgroup.SetLogger(l)
	texpool.SetLogger(l)
	encoder.SetLogger(l)
	shader.SetLogger(l)
	upload.SetLogger(l)
}

// Logger returns the current logger used by gpucache.
func Logger() *slog.Logger { return logger.Get() }
