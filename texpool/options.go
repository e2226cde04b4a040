package texpool

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucache/state"
)

// Defaults.
const (
	DefaultThreshold    = 512
	DefaultShrinkFactor = 1.4
	DefaultSampleCount  = 4
)

// ErrInvalidOption is returned for out-of-range options.
var ErrInvalidOption = errors.New("texpool: invalid option")

// Option configures a Pool.
type Option func(*options)

type options struct {
	threshold    int
	shrink       float64
	samples      uint32
	colorFormat  gputypes.TextureFormat
	maxPerBucket int
}

// WithThreshold sets the pixel size above which requests use
// screen-relative buckets.
func WithThreshold(px int) Option {
	return func(o *options) { o.threshold = px }
}

// WithShrinkFactor sets the factor the surface size is divided by per
// screen-relative step. It must exceed 1.
func WithShrinkFactor(f float64) Option {
	return func(o *options) { o.shrink = f }
}

// WithSampleCount sets the sample count of antialiased targets.
func WithSampleCount(n uint32) Option {
	return func(o *options) { o.samples = n }
}

// WithColorFormat sets the format of non-HDR targets.
func WithColorFormat(f gputypes.TextureFormat) Option {
	return func(o *options) { o.colorFormat = f }
}

// WithMaxPerBucket bounds the free textures kept per bucket. Zero keeps
// every released texture.
func WithMaxPerBucket(n int) Option {
	return func(o *options) { o.maxPerBucket = n }
}

func buildOptions(opts []Option) (options, error) {
	o := options{
		threshold:   DefaultThreshold,
		shrink:      DefaultShrinkFactor,
		samples:     DefaultSampleCount,
		colorFormat: state.DefaultColorFormat,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o, o.validate()
}

func (o options) validate() error {
	switch {
	case o.threshold < 0:
		return fmt.Errorf("%w: threshold %d", ErrInvalidOption, o.threshold)
	case !(o.shrink > 1):
		return fmt.Errorf("%w: shrink factor %g must exceed 1", ErrInvalidOption, o.shrink)
	case o.samples == 0 || o.samples&(o.samples-1) != 0:
		return fmt.Errorf("%w: sample count %d", ErrInvalidOption, o.samples)
	case o.maxPerBucket < 0:
		return fmt.Errorf("%w: max per bucket %d", ErrInvalidOption, o.maxPerBucket)
	}
	return nil
}
