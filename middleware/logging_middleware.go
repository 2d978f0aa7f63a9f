package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stubrpc/message"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *message.Outcome {
			start := time.Now()
			out := next(ctx, inv)
			fields := []zap.Field{
				zap.String("type", inv.Type),
				zap.String("method", inv.Method),
				zap.Stringer("handle", inv.Handle),
				zap.Stringer("call_id", inv.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if out != nil && out.Fault != nil {
				log.Info("call faulted", append(fields, zap.String("fault_kind", out.Fault.Kind), zap.String("fault", out.Fault.Message))...)
				return out
			}
			log.Debug("call completed", fields...)
			return out
		}
	}
}
