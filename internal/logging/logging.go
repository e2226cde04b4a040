// Package logging holds the package-level slog loggers shared by gpucache
// components. Every component keeps its own Handle so a single call to
// gpucache.SetLogger can reconfigure all of them without import cycles.
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var nop = slog.New(nopHandler{})

// Nop returns a logger that discards all output.
func Nop() *slog.Logger { return nop }

// Handle stores one component's active logger. The zero value logs nothing.
// Get and Set are safe for concurrent use.
type Handle struct {
	ptr atomic.Pointer[slog.Logger]
}

// Get returns the stored logger, or the no-op logger if none was set.
func (h *Handle) Get() *slog.Logger {
	if l := h.ptr.Load(); l != nil {
		return l
	}
	return nop
}

// Set stores l. A nil logger restores the silent default.
func (h *Handle) Set(l *slog.Logger) {
	if l == nil {
		l = nop
	}
	h.ptr.Store(l)
}
