package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"stubrpc/message"
	"stubrpc/rpcerr"
)

// ErrRateLimited is the fault returned for a call rejected by RateLimitMiddleware.
var ErrRateLimited = rpcerr.Remote("rate limit exceeded", "")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *message.Outcome {
			if !limiter.Allow() {
				return message.Failure(ErrRateLimited)
			}
			return next(ctx, inv)
		}
	}
}
