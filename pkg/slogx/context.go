package slogx

import (
	"context"
	"log/slog"

	"github.com/gatewise/mag/pkg/idx"
)

type ctxKey struct{}

// WithContext attaches logger to ctx for downstream use.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithRequestID returns a context whose logger carries the request id.
func WithRequestID(ctx context.Context, reqID idx.ID) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("req_id", reqID.String()))
}
