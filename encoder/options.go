package encoder

import (
	"time"

	"github.com/gogpu/gpucache/upload"
)

// Defaults for a new Encoder.
const (
	DefaultMaxVertexBuffers = 8
	DefaultMaxBindGroups    = 4
	DefaultPollInterval     = time.Millisecond
)

// Option configures an Encoder.
type Option func(*options)

type options struct {
	label            string
	maxVertexBuffers int
	maxBindGroups    int
	pollInterval     time.Duration
	uploads          *upload.Registry
}

func defaultOptions() options {
	return options{
		label:            "gpucache",
		maxVertexBuffers: DefaultMaxVertexBuffers,
		maxBindGroups:    DefaultMaxBindGroups,
		pollInterval:     DefaultPollInterval,
	}
}

// WithLabel sets the label prefix of recorded command encoders.
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

// WithMaxVertexBuffers sets how many vertex buffer slots are tracked.
func WithMaxVertexBuffers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxVertexBuffers = n
		}
	}
}

// WithMaxBindGroups sets how many bind group slots are tracked.
func WithMaxBindGroups(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBindGroups = n
		}
	}
}

// WithPollInterval sets how often submitted work is polled for completion.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithUploads sets the registry used to sync dirty texture resources.
// Without one, NewRegistry's defaults are used.
func WithUploads(r *upload.Registry) Option {
	return func(o *options) { o.uploads = r }
}
