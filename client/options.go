package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stubrpc/transport"
)

// DefaultCancelTimeout bounds the best-effort CancelMethod send.
const DefaultCancelTimeout = 5 * time.Second

type options struct {
	log           *zap.Logger
	connOpts      []transport.Option
	cancelTimeout time.Duration
	methodCtx     context.Context
	createAck     bool
	observer      func(CallEvent)
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithConnectionOptions configures the control stream.
func WithConnectionOptions(opts ...transport.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithCancelTimeout bounds the CancelMethod send that follows a canceled call.
func WithCancelTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cancelTimeout = d
		}
	}
}

// WithMethodContext sets the context used by contract methods that take none.
func WithMethodContext(ctx context.Context) Option {
	return func(o *options) { o.methodCtx = ctx }
}

// WithoutCreateAck lets calls go out before the callee acknowledged CreateObject,
// relying on control-stream ordering alone.
func WithoutCreateAck() Option {
	return func(o *options) { o.createAck = false }
}

// WithCallObserver receives every call state transition.
func WithCallObserver(fn func(CallEvent)) Option {
	return func(o *options) { o.observer = fn }
}
