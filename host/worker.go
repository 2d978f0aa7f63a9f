package host

import (
	"context"
	"errors"
	"io"

	"go.uber.org/multierr"

	"stubrpc/server"
)

// RunWorker is the worker side of a Host: it serves the control channel name until the host
// sends stop, ctx ends, or the parent watch reader reaches EOF. Cancellation is a normal
// exit and returns nil.
func RunWorker(ctx context.Context, name string, opts ...WorkerOption) error {
	o := workerOptions{shutdownTimeout: DefaultStopTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sopts := o.serverOpts
	if o.registry != nil {
		sopts = append([]server.Option{server.WithRegistry(o.registry)}, sopts...)
	}
	srv := server.NewServer(sopts...)

	if o.stdin != nil {
		go func() {
			io.Copy(io.Discard, o.stdin)
			cancel()
		}()
	}

	err := srv.Serve(ctx, name)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return multierr.Append(err, srv.Shutdown(o.shutdownTimeout))
}
