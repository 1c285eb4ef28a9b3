package tools

import (
	"context"
	"strings"
)

type invocationContextKey struct{}

// InvocationContext carries caller metadata for tool execution.
type InvocationContext struct {
	Channel   string
	SessionID string
	RequestID string
}

// WithInvocationContext stores invocation metadata in context for tools. A
// RequestID already present in ctx is kept when meta has none.
func WithInvocationContext(ctx context.Context, meta InvocationContext) context.Context {
	if meta.RequestID == "" {
		meta.RequestID = InvocationFromContext(ctx).RequestID
	}
	return context.WithValue(ctx, invocationContextKey{}, meta)
}

// InvocationFromContext reads invocation metadata from context.
func InvocationFromContext(ctx context.Context) InvocationContext {
	v := ctx.Value(invocationContextKey{})
	meta, ok := v.(InvocationContext)
	if !ok {
		return InvocationContext{}
	}
	meta.Channel = strings.TrimSpace(meta.Channel)
	meta.SessionID = strings.TrimSpace(meta.SessionID)
	meta.RequestID = strings.TrimSpace(meta.RequestID)
	return meta
}
