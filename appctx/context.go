package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyRunId         = ContextKey("RunId")
	ContextKeyStream        = ContextKey("Stream")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyArchiveMove permits deletes on the active order tables.
	// Only the shipped -> history move sets it.
	ContextKeyArchiveMove = ContextKey("ArchiveMove")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func WithArchiveMove(ctx context.Context) context.Context {
	return Set(ctx, ContextKeyArchiveMove, true)
}

func ArchiveMoveAllowed(ctx context.Context) bool {
	v, ok := GetBool(ctx, ContextKeyArchiveMove)
	return ok && v
}
