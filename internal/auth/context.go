// Package auth carries the authenticated actor through request contexts.
package auth

import (
	"context"
	"strings"
)

type contextKey string

const actorKey contextKey = "actor"

// ContextWithActor returns a context that records who is making changes.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, strings.TrimSpace(actor))
}

// ActorFromContext returns the actor recorded by ContextWithActor, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	actor, ok := ctx.Value(actorKey).(string)
	if !ok || actor == "" {
		return "", false
	}
	return actor, true
}

// ResolveActor prefers an explicit actor and falls back to the context.
func ResolveActor(ctx context.Context, actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	fromCtx, _ := ActorFromContext(ctx)
	return fromCtx
}
