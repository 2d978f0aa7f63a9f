package transport

import (
	"time"

	"go.uber.org/zap"

	"stubrpc/codec"
)

const (
	// DefaultTimeout bounds connect/accept on every channel.
	DefaultTimeout = 5 * time.Second
	// DefaultHeartbeat is the keep-alive period on the control stream.
	DefaultHeartbeat = 30 * time.Second
)

type options struct {
	network   Network
	codec     codec.CodecType
	timeout   time.Duration
	heartbeat time.Duration
	logger    *zap.Logger
}

// Option configures a Connection.
type Option func(*options)

func defaultOptions() options {
	return options{
		network:   DefaultNetwork(),
		codec:     codec.CodecTypeJSON,
		timeout:   DefaultTimeout,
		heartbeat: DefaultHeartbeat,
		logger:    zap.NewNop(),
	}
}

// WithNetwork selects where channel names are bound.
func WithNetwork(n Network) Option {
	return func(o *options) { o.network = n }
}

// WithCodec selects the encoding of control messages. Payloads are always JSON.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithTimeout overrides the connect/accept bound (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHeartbeat sets the keep-alive period. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
