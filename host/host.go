// Package host runs a callee server in a worker process, or in a goroutine of the current
// process, and connects a caller proxy to it.
//
//	New → Initialize (resolve worker, socket dir) → Start (spawn, connect) → ... → Stop
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"stubrpc/client"
	"stubrpc/message"
	"stubrpc/rpcerr"
	"stubrpc/server"
	"stubrpc/transport"
)

var (
	ErrNotStarted = rpcerr.Lifecycle("host", errors.New("host not started"))
	ErrStopped    = rpcerr.Lifecycle("host", errors.New("host stopped"))
)

// Host owns one worker and the proxy connected to it.
type Host struct {
	name string
	opts options
	log  *zap.Logger

	mu           sync.Mutex
	initialized  bool
	started      bool
	worker       string
	dir          string
	network      transport.Network
	proxy        *client.Proxy
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	exited       chan struct{}
	cancelWorker context.CancelFunc
	onException  []func(error)

	stopping  atomic.Bool
	stopsSent atomic.Int32
	stopOnce  sync.Once
	stopErr   error
}

func New(name string, opts ...Option) (*Host, error) {
	if strings.TrimSpace(name) == "" {
		return nil, rpcerr.Lifecycle("host", errors.New("name is empty"))
	}
	o := options{
		log:         zap.NewNop(),
		workerPath:  DefaultWorker,
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Host{name: name, opts: o, log: o.log.With(zap.String("host", name))}, nil
}

func (h *Host) Name() string { return h.name }

// Dir returns the private socket directory, empty before Initialize.
func (h *Host) Dir() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dir
}

// Initialize resolves the worker executable and creates the private socket directory.
// Calling it again is a no-op.
func (h *Host) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return rpcerr.Canceled("initialize", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping.Load() {
		return ErrStopped
	}
	if h.initialized {
		return nil
	}
	if h.opts.inProcess == nil {
		path, err := exec.LookPath(h.opts.workerPath)
		if err != nil {
			return rpcerr.Lifecycle("initialize", fmt.Errorf("worker %q: %w", h.opts.workerPath, err))
		}
		h.worker = path
	}
	dir, err := os.MkdirTemp(h.opts.socketDir, "stubrpc-")
	if err != nil {
		return rpcerr.Lifecycle("initialize", err)
	}
	h.dir = dir
	h.network = transport.UnixNetwork{Dir: dir}
	h.initialized = true
	h.log.Debug("host initialized", zap.String("worker", h.worker), zap.String("dir", dir))
	return nil
}

// Start launches the worker on channel {name}_pipe and connects the proxy to it. If the
// connection cannot be made the worker is stopped again and the host is unusable.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	switch {
	case h.stopping.Load():
		h.mu.Unlock()
		return ErrStopped
	case !h.initialized:
		h.mu.Unlock()
		return rpcerr.Lifecycle("start", errors.New("host not initialized"))
	case h.started:
		h.mu.Unlock()
		return rpcerr.Lifecycle("start", errors.New("host already started"))
	}
	h.started = true

	channel := h.name + PipeSuffix
	connOpts := append([]transport.Option{transport.WithNetwork(h.network)}, h.opts.connOpts...)
	var err error
	if h.opts.inProcess != nil {
		h.startInProcess(channel, connOpts)
	} else {
		err = h.startProcess(channel)
	}
	if err != nil {
		h.mu.Unlock()
		return multierr.Append(err, h.Stop(context.Background(), 0))
	}
	proxy := client.New(append([]client.Option{
		client.WithLogger(h.log),
		client.WithConnectionOptions(connOpts...),
	}, h.opts.proxyOpts...)...)
	proxy.OnException(h.report)
	h.proxy = proxy
	h.mu.Unlock()

	if err := proxy.Initialize(ctx, channel); err != nil {
		return multierr.Append(err, h.Stop(context.Background(), 0))
	}
	h.log.Info("worker started", zap.String("channel", channel))
	return nil
}

func (h *Host) startProcess(channel string) error {
	args := append(slices.Clone(h.opts.workerArgs), "-name", channel, "-dir", h.dir, "-watch-stdin")
	cmd := exec.Command(h.worker, args...)
	stderr := &zapio.Writer{Log: h.log.Named("worker"), Level: zap.InfoLevel}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return rpcerr.Lifecycle("start", fmt.Errorf("stdin pipe: %w", err))
	}
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return rpcerr.Lifecycle("start", fmt.Errorf("start worker: %w", err))
	}
	h.cmd, h.stdin = cmd, stdin
	h.exited = make(chan struct{})
	go func() {
		err := cmd.Wait()
		stderr.Close()
		if err == nil {
			err = errors.New(cmd.ProcessState.String())
		}
		h.exit(err)
	}()
	h.log.Debug("worker spawned", zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (h *Host) startInProcess(channel string, connOpts []transport.Option) {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancelWorker = cancel
	h.exited = make(chan struct{})
	go func() {
		err := RunWorker(ctx, channel,
			WithRegistry(h.opts.inProcess),
			WithServerOptions(
				server.WithLogger(h.log.Named("worker")),
				server.WithConnectionOptions(connOpts...),
			),
		)
		h.exit(err)
	}()
}

// exit runs once the worker has ended.
func (h *Host) exit(cause error) {
	close(h.exited)
	if h.stopping.Load() {
		h.log.Debug("worker exited", zap.Error(cause))
		return
	}
	h.report(rpcerr.Lifecycle("worker", fmt.Errorf("worker exited unexpectedly: %w", cause)))
}

// Running reports whether the worker was started and has neither exited nor been stopped.
func (h *Host) Running() bool {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited == nil || h.stopping.Load() {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// Proxy returns the caller proxy, nil before Start.
func (h *Host) Proxy() *client.Proxy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proxy
}

func (h *Host) live() (*client.Proxy, error) {
	if h.stopping.Load() {
		return nil, ErrStopped
	}
	if p := h.Proxy(); p != nil {
		return p, nil
	}
	return nil, ErrNotStarted
}

// LoadAssembly adds a module to the worker's search list.
func (h *Host) LoadAssembly(ctx context.Context, path string) error {
	p, err := h.live()
	if err != nil {
		return err
	}
	return p.LoadAssembly(ctx, path)
}

// CreateObject creates typeName in the worker and generates contractPtr as its stub.
func (h *Host) CreateObject(ctx context.Context, typeName string, contractPtr any) (uuid.UUID, error) {
	p, err := h.live()
	if err != nil {
		return uuid.Nil, err
	}
	return p.CreateInstance(ctx, typeName, contractPtr)
}

// CreateObjectFrom loads modulePath first unless it was loaded already.
func (h *Host) CreateObjectFrom(ctx context.Context, modulePath, typeName string, contractPtr any) (uuid.UUID, error) {
	p, err := h.live()
	if err != nil {
		return uuid.Nil, err
	}
	if !slices.Contains(p.LoadedAssemblies(), modulePath) {
		if err := p.LoadAssembly(ctx, modulePath); err != nil {
			return uuid.Nil, err
		}
	}
	return p.CreateInstance(ctx, typeName, contractPtr)
}

// CreateObject allocates a T stub for a new worker instance of typeName.
func CreateObject[T any](ctx context.Context, h *Host, typeName string) (*T, error) {
	s := new(T)
	if _, err := h.CreateObject(ctx, typeName, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetTypes lists the type names the worker can create.
func (h *Host) GetTypes(ctx context.Context) ([]string, error) {
	p, err := h.live()
	if err != nil {
		return nil, err
	}
	return p.GetTypes(ctx)
}

// OnException subscribes to faults from the proxy and to unexpected worker exits.
func (h *Host) OnException(fn func(error)) {
	h.mu.Lock()
	h.onException = append(h.onException, fn)
	h.mu.Unlock()
}

func (h *Host) report(err error) {
	h.mu.Lock()
	subs := slices.Clone(h.onException)
	h.mu.Unlock()
	if len(subs) == 0 {
		h.log.Warn("host exception", zap.Error(err))
		return
	}
	for _, fn := range subs {
		fn(err)
	}
}

// Stop asks the worker to stop and waits up to timeout (DefaultStopTimeout when zero) for
// it to exit, killing it afterwards or as soon as ctx ends. The proxy is closed and the
// socket directory removed in every case. Only the first call does anything.
func (h *Host) Stop(ctx context.Context, timeout time.Duration) error {
	h.stopOnce.Do(func() { h.stopErr = h.stop(ctx, timeout) })
	return h.stopErr
}

func (h *Host) stop(ctx context.Context, timeout time.Duration) error {
	h.stopping.Store(true)
	if timeout <= 0 {
		timeout = h.opts.stopTimeout
	}
	h.mu.Lock()
	proxy, exited, stdin, dir := h.proxy, h.exited, h.stdin, h.dir
	h.mu.Unlock()

	var errs error
	if exited != nil {
		errs = h.awaitExit(ctx, proxy, exited, timeout)
	}
	if proxy != nil {
		errs = multierr.Append(errs, proxy.Close())
	}
	if stdin != nil {
		stdin.Close()
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			errs = multierr.Append(errs, rpcerr.Lifecycle("stop", err))
		}
	}
	h.log.Info("host stopped", zap.Int32("stop_messages", h.stopsSent.Load()))
	return errs
}

func (h *Host) awaitExit(ctx context.Context, proxy *client.Proxy, exited <-chan struct{}, timeout time.Duration) error {
	select {
	case <-exited:
		return nil
	default:
	}

	sent := false
	if proxy != nil {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := proxy.SendText(sctx, message.StopText)
		cancel()
		if err == nil {
			h.stopsSent.Add(1)
			sent = true
		} else {
			h.log.Debug("stop not delivered", zap.Error(err))
		}
	}

	if sent {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-exited:
			return nil
		case <-timer.C:
			h.log.Warn("worker did not stop in time, killing it", zap.Duration("timeout", timeout))
		case <-ctx.Done():
			h.log.Warn("stop canceled, killing worker")
		}
	}
	err := h.kill()
	select {
	case <-exited:
	case <-time.After(timeout):
		err = multierr.Append(err, rpcerr.Lifecycle("stop", errors.New("worker still running after kill")))
	}
	return err
}

func (h *Host) kill() error {
	h.mu.Lock()
	cmd, cancel := h.cmd, h.cancelWorker
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := killProcess(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return rpcerr.Lifecycle("kill", err)
	}
	return nil
}

// Close stops the host with the default timeout.
func (h *Host) Close() error {
	return h.Stop(context.Background(), 0)
}
