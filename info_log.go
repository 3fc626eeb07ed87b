package ldb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

// openInfoLog starts a new LOG file in dir, keeping the previous one as
// LOG.old.
func openInfoLog(dir string) (*os.File, error) {
	path := filepath.Join(dir, infoLogName)
	if err := os.Rename(path, filepath.Join(dir, oldInfoLogName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, ioError(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioError(err)
	}
	return f, nil
}

// teeHandler sends every record to two handlers.
type teeHandler struct {
	a, b slog.Handler
}

func newTeeHandler(a, b slog.Handler) slog.Handler {
	return &teeHandler{a: a, b: b}
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.a.Enabled(ctx, level) || h.b.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.a.Enabled(ctx, r.Level) {
		errs = append(errs, h.a.Handle(ctx, r.Clone()))
	}
	if h.b.Enabled(ctx, r.Level) {
		errs = append(errs, h.b.Handle(ctx, r.Clone()))
	}
	return errors.Join(errs...)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{a: h.a.WithAttrs(attrs), b: h.b.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{a: h.a.WithGroup(name), b: h.b.WithGroup(name)}
}
