package seed

import "context"

type overrideKey struct{}

// WithOverride attaches a seed override to ctx. Only calls that receive the
// returned context observe it, so concurrent constructions stay isolated.
func WithOverride(ctx context.Context, seed int64) context.Context {
	return context.WithValue(ctx, overrideKey{}, seed)
}

// OverrideFrom reports the override attached to ctx, if any.
func OverrideFrom(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(overrideKey{}).(int64)
	return v, ok
}

// Scoped runs fn with seed attached. The override is gone once fn returns.
func Scoped[T any](ctx context.Context, seed int64, fn func(context.Context) (T, error)) (T, error) {
	return fn(WithOverride(ctx, seed))
}
