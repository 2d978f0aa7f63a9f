package host

import (
	"io"
	"time"

	"go.uber.org/zap"

	"stubrpc/client"
	"stubrpc/registry"
	"stubrpc/server"
	"stubrpc/transport"
)

const (
	// DefaultWorker is the worker executable looked up on PATH.
	DefaultWorker = "stubworker"
	// DefaultStopTimeout is how long Stop waits for the worker to exit before killing it.
	DefaultStopTimeout = time.Second
	// PipeSuffix is appended to the host name to form the control channel name.
	PipeSuffix = "_pipe"
)

type options struct {
	log         *zap.Logger
	workerPath  string
	workerArgs  []string
	socketDir   string
	inProcess   *registry.Registry
	connOpts    []transport.Option
	proxyOpts   []client.Option
	stopTimeout time.Duration
}

// Option configures a Host.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithWorker sets the worker executable and extra arguments placed before the ones the
// host adds itself.
func WithWorker(path string, args ...string) Option {
	return func(o *options) {
		o.workerPath = path
		o.workerArgs = append([]string(nil), args...)
	}
}

// WithSocketDir sets the parent of the private socket directory (default os.TempDir()).
func WithSocketDir(dir string) Option {
	return func(o *options) { o.socketDir = dir }
}

// WithInProcess serves reg from a goroutine of the host process instead of spawning a worker.
func WithInProcess(reg *registry.Registry) Option {
	return func(o *options) { o.inProcess = reg }
}

// WithConnectionOptions configures every channel the host and an in-process worker open.
func WithConnectionOptions(opts ...transport.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithProxyOptions is passed through to the caller proxy.
func WithProxyOptions(opts ...client.Option) Option {
	return func(o *options) { o.proxyOpts = append(o.proxyOpts, opts...) }
}

// WithStopTimeout sets the default Stop timeout.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

type workerOptions struct {
	registry        *registry.Registry
	serverOpts      []server.Option
	stdin           io.Reader
	shutdownTimeout time.Duration
}

// WorkerOption configures RunWorker.
type WorkerOption func(*workerOptions)

// WithRegistry sets the types the worker can create (default registry.Builtin).
func WithRegistry(reg *registry.Registry) WorkerOption {
	return func(o *workerOptions) { o.registry = reg }
}

func WithServerOptions(opts ...server.Option) WorkerOption {
	return func(o *workerOptions) { o.serverOpts = append(o.serverOpts, opts...) }
}

// WithParentWatch ends the worker when r reaches EOF. The host keeps the worker's stdin
// open for its whole life, so EOF means the host went away.
func WithParentWatch(r io.Reader) WorkerOption {
	return func(o *workerOptions) { o.stdin = r }
}

// WithShutdownTimeout bounds the wait for in-flight calls once the worker stops.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}
