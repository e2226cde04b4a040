package gpucache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[pool]
screen_threshold = 1024
color_format = "rgba8unorm-srgb"

[encoder]
poll_interval_ms = 5
`))
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.Pool.ScreenThreshold = 1024
	want.Pool.ColorFormat = "rgba8unorm-srgb"
	want.Encoder.PollIntervalMS = 5
	if cfg != want {
		t.Errorf("config = %+v, want %+v", cfg, want)
	}
	if f, _ := cfg.Pool.colorFormat(gputypes.TextureFormatBGRA8Unorm); f != gputypes.TextureFormatRGBA8UnormSrgb {
		t.Errorf("color format = %v", f)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unknown key", "[pool]\nthreshold = 3\n"},
		{"shrink below one", "[pool]\nshrink_factor = 0.9\n"},
		{"samples not pow2", "[pool]\nmsaa_samples = 3\n"},
		{"unknown format", "[pool]\ncolor_format = \"r8unorm\"\n"},
		{"empty cache", "[bindgroups]\ncache_size = 0\n"},
		{"no vertex buffers", "[encoder]\nmax_vertex_buffers = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.toml)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := ParseConfig([]byte("[pool")); err == nil || errors.Is(err, ErrInvalidConfig) {
		t.Errorf("syntax error = %v", err)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxPerBucket = 3
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "gpucache.toml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != cfg {
		t.Errorf("loaded %+v, want %+v", got, cfg)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file loaded")
	}
}
