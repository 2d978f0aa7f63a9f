package middleware

import (
	"context"
	"fmt"
	"time"

	"stubrpc/message"
	"stubrpc/rpcerr"
)

// TimeoutMiddleware bounds each invocation. On expiry the invocation context is canceled and
// a canceled fault is returned without waiting for the method to notice.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *message.Outcome {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Outcome, 1)
			go func() {
				done <- next(ctx, inv)
			}()

			select {
			case out := <-done:
				return out
			case <-ctx.Done():
				return message.Failure(rpcerr.Canceled(inv.Method, fmt.Errorf("call timed out after %s: %w", timeout, ctx.Err())))
			}
		}
	}
}
