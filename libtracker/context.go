package libtracker

import (
	"context"
	"fmt"
	"math/rand/v2"
)

type contextKey string

var ContextKeyRequestID = contextKey("request_id")

// WithNewRequestID stamps a fresh random request ID into ctx. Call this at
// any goroutine entry-point that doesn't already carry one so tracked
// operations can be correlated in the logs.
func WithNewRequestID(ctx context.Context) context.Context {
	id := fmt.Sprintf("req-%016x", rand.Uint64())
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// CopyTrackingValues carries the request ID from src into dst. Used when an
// operation hops to a background context that must stay correlated.
func CopyTrackingValues(src context.Context, dst context.Context) context.Context {
	return context.WithValue(dst, ContextKeyRequestID, src.Value(ContextKeyRequestID))
}
