package gpucache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/gpucache/bindgroup"
	"github.com/gogpu/gpucache/encoder"
	"github.com/gogpu/gpucache/texpool"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("gpucache: invalid config")

// Config is the tunable configuration of an Engine.
type Config struct {
	Pool       PoolConfig      `toml:"pool"`
	BindGroups BindGroupConfig `toml:"bindgroups"`
	Encoder    EncoderConfig   `toml:"encoder"`
}

// PoolConfig configures the render-target pool.
type PoolConfig struct {
	// ScreenThreshold is the largest dimension, in pixels, still rounded
	// to a power of two once a screen size is known.
	ScreenThreshold int     `toml:"screen_threshold"`
	ShrinkFactor    float64 `toml:"shrink_factor"`
	MSAASamples     uint32  `toml:"msaa_samples"`
	// ColorFormat names the 8-bit color format: "rgba8unorm",
	// "bgra8unorm" or their "-srgb" variants. Empty keeps the device's
	// surface format.
	ColorFormat string `toml:"color_format"`
	// MaxPerBucket caps the free textures kept per bucket; zero is
	// unlimited.
	MaxPerBucket int `toml:"max_per_bucket"`
}

// BindGroupConfig configures the bind-group cache.
type BindGroupConfig struct {
	CacheSize int `toml:"cache_size"`
}

// EncoderConfig configures the command encoder.
type EncoderConfig struct {
	MaxVertexBuffers int `toml:"max_vertex_buffers"`
	MaxBindGroups    int `toml:"max_bind_groups"`
	PollIntervalMS   int `toml:"poll_interval_ms"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			ScreenThreshold: texpool.DefaultThreshold,
			ShrinkFactor:    texpool.DefaultShrinkFactor,
			MSAASamples:     texpool.DefaultSampleCount,
		},
		BindGroups: BindGroupConfig{CacheSize: bindgroup.DefaultCacheSize},
		Encoder: EncoderConfig{
			MaxVertexBuffers: encoder.DefaultMaxVertexBuffers,
			MaxBindGroups:    encoder.DefaultMaxBindGroups,
			PollIntervalMS:   int(encoder.DefaultPollInterval / time.Millisecond),
		},
	}
}

// LoadConfig reads a TOML configuration file. Keys missing from the file
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("gpucache: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML on top of DefaultConfig and validates the
// result. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return Config{}, fmt.Errorf("gpucache: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as TOML.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

var colorFormats = map[string]gputypes.TextureFormat{
	"rgba8unorm":      gputypes.TextureFormatRGBA8Unorm,
	"rgba8unorm-srgb": gputypes.TextureFormatRGBA8UnormSrgb,
	"bgra8unorm":      gputypes.TextureFormatBGRA8Unorm,
	"bgra8unorm-srgb": gputypes.TextureFormatBGRA8UnormSrgb,
}

// Validate reports the first out-of-range value.
func (c Config) Validate() error {
	p := c.Pool
	switch {
	case p.ScreenThreshold <= 0:
		return fmt.Errorf("%w: pool.screen_threshold %d", ErrInvalidConfig, p.ScreenThreshold)
	case !(p.ShrinkFactor > 1):
		return fmt.Errorf("%w: pool.shrink_factor %g must exceed 1", ErrInvalidConfig, p.ShrinkFactor)
	case p.MSAASamples == 0 || p.MSAASamples > 16 || p.MSAASamples&(p.MSAASamples-1) != 0:
		return fmt.Errorf("%w: pool.msaa_samples %d", ErrInvalidConfig, p.MSAASamples)
	case p.MaxPerBucket < 0:
		return fmt.Errorf("%w: pool.max_per_bucket %d", ErrInvalidConfig, p.MaxPerBucket)
	case c.BindGroups.CacheSize <= 0:
		return fmt.Errorf("%w: bindgroups.cache_size %d", ErrInvalidConfig, c.BindGroups.CacheSize)
	case c.Encoder.MaxVertexBuffers <= 0:
		return fmt.Errorf("%w: encoder.max_vertex_buffers %d", ErrInvalidConfig, c.Encoder.MaxVertexBuffers)
	case c.Encoder.MaxBindGroups <= 0:
		return fmt.Errorf("%w: encoder.max_bind_groups %d", ErrInvalidConfig, c.Encoder.MaxBindGroups)
	case c.Encoder.PollIntervalMS <= 0:
		return fmt.Errorf("%w: encoder.poll_interval_ms %d", ErrInvalidConfig, c.Encoder.PollIntervalMS)
	}
	if _, err := p.colorFormat(gputypes.TextureFormatUndefined); err != nil {
		return err
	}
	return nil
}

// colorFormat resolves the configured format, falling back to def.
func (p PoolConfig) colorFormat(def gputypes.TextureFormat) (gputypes.TextureFormat, error) {
	if p.ColorFormat == "" {
		return def, nil
	}
	f, ok := colorFormats[p.ColorFormat]
	if !ok {
		return 0, fmt.Errorf("%w: pool.color_format %q", ErrInvalidConfig, p.ColorFormat)
	}
	return f, nil
}

// poolOptions converts the pool section to texpool options.
func (p PoolConfig) poolOptions(format gputypes.TextureFormat) []texpool.Option {
	return []texpool.Option{
		texpool.WithThreshold(p.ScreenThreshold),
		texpool.WithShrinkFactor(p.ShrinkFactor),
		texpool.WithSampleCount(p.MSAASamples),
		texpool.WithMaxPerBucket(p.MaxPerBucket),
		texpool.WithColorFormat(format),
	}
}

func (e EncoderConfig) options() []encoder.Option {
	return []encoder.Option{
		encoder.WithMaxVertexBuffers(e.MaxVertexBuffers),
		encoder.WithMaxBindGroups(e.MaxBindGroups),
		encoder.WithPollInterval(time.Duration(e.PollIntervalMS) * time.Millisecond),
	}
}
