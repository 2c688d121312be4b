package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// HeaderName carries a caller-supplied request id, and is echoed back.
const HeaderName = "X-Request-ID"

const maxInboundIDLength = 64

type (
	idKey     struct{}
	originKey struct{}
)

// NewID returns a short request id: the first 8 hex digits of a random UUID.
func NewID() string {
	return uuid.NewString()[:8]
}

// FromHeader returns the inbound request id if it is usable, otherwise a new one.
func FromHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxInboundIDLength || strings.ContainsFunc(value, isUnsafe) {
		return NewID()
	}
	return value
}

func isUnsafe(r rune) bool {
	return r < 0x21 || r > 0x7e
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// ID extracts the request id from ctx, returning ("", false) if not present.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idKey{}).(string)
	return id, ok && id != ""
}

// WithOrigin attaches the submitting client address, so logs from the
// submission path can be grouped per origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func Origin(ctx context.Context) (string, bool) {
	origin, ok := ctx.Value(originKey{}).(string)
	return origin, ok && origin != ""
}

// Handler wraps an slog.Handler and adds "correlation_id" and "origin"
// attributes when the context carries them.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if origin, ok := Origin(ctx); ok {
		r.AddAttrs(slog.String("origin", origin))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
