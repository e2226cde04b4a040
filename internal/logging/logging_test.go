package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandleDefaultIsSilent(t *testing.T) {
	var h Handle
	if h.Get().Enabled(context.Background(), slog.LevelError) {
		t.Error("zero Handle should discard everything")
	}
}

func TestHandleSetAndReset(t *testing.T) {
	var buf bytes.Buffer
	var h Handle
	h.Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	h.Get().Warn("missing attribute", "attribute", "aUV")
	if !strings.Contains(buf.String(), "aUV") {
		t.Errorf("log output = %q, want attribute name", buf.String())
	}

	h.Set(nil)
	if h.Get() != Nop() {
		t.Error("Set(nil) should restore the no-op logger")
	}
}
