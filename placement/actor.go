package placement

import "context"

type actorKey struct{}

// WithActor records who is performing the operation. The id lands on the
// timeline event written by the engine.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the actor id or "" when none was set.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
