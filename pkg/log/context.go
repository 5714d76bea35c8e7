package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx retrieves the logger from the context.
// If no logger is found, the global logger is returned.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// WithEvent derives a child logger scoped to a single storage event delivery
// and stores it in the returned context.
func WithEvent(ctx context.Context, store, key, eventID string) context.Context {
	child := Ctx(ctx).With().
		Str(FieldStore, store).
		Str(FieldKey, key).
		Str(FieldEventID, eventID).
		Logger()
	return WithLogger(ctx, child)
}
