package gpucache

import (
	"log/slog"

	"github.com/gogpu/gpucache/upload"
)

// Option configures an Engine during creation.
//
// Example:
//
//	engine, err := gpucache.NewEngine(device, queue,
//	    gpucache.WithConfig(cfg),
//	    gpucache.WithScreenSize(1920, 1080))
type Option func(*engineOptions)

type engineOptions struct {
	config    Config
	logger    *slog.Logger
	screenW   int
	screenH   int
	uploaders map[upload.Method]upload.Uploader
}

func defaultEngineOptions() engineOptions {
	return engineOptions{config: DefaultConfig()}
}

// WithConfig replaces the default configuration. It is validated by
// NewEngine.
func WithConfig(cfg Config) Option {
	return func(o *engineOptions) {
		o.config = cfg
	}
}

// WithLogger installs l with SetLogger when the engine is created.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = l
	}
}

// WithScreenSize sets the initial output surface size used for
// screen-relative render targets.
func WithScreenSize(width, height int) Option {
	return func(o *engineOptions) {
		o.screenW, o.screenH = width, height
	}
}

// WithUploader registers u for sources of method m, replacing the built-in
// uploader for that method if there is one.
//
// Example:
//
//	gpucache.WithUploader("video", videoUploader)
func WithUploader(m upload.Method, u upload.Uploader) Option {
	return func(o *engineOptions) {
		if o.uploaders == nil {
			o.uploaders = make(map[upload.Method]upload.Uploader)
		}
		o.uploaders[m] = u
	}
}
