// Package client implements the caller side: a Proxy that turns calls on generated stubs
// into control messages and ephemeral payload transfers, and relays the callee's events
// back to the stubs.
//
// One call:
//
//	Expect {h}_{m}_{c}_out → RunMethod → args {h}_{m}_{c}_{i} (concurrently) → wait outcome
//	ctx canceled → CancelMethod (best effort, own timeout)
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stubrpc/message"
	"stubrpc/rpcerr"
	"stubrpc/stub"
	"stubrpc/transport"
)

// ErrClosed is returned by a Proxy after Close.
var ErrClosed = rpcerr.Lifecycle("proxy", errors.New("proxy closed"))

// remoteObject tracks whether the callee has created the instance behind a handle.
type remoteObject struct {
	typeName string
	created  chan struct{}
	once     sync.Once
	err      error
}

func (o *remoteObject) resolve(err error) bool {
	resolved := false
	o.once.Do(func() {
		o.err = err
		close(o.created)
		resolved = true
	})
	return resolved
}

// Proxy is the CallerProxy.
type Proxy struct {
	opts    options
	log     *zap.Logger
	factory *stub.Factory
	conn    atomic.Pointer[transport.Connection]
	events  *eventQueue

	mu          sync.Mutex
	objects     map[uuid.UUID]*remoteObject
	assemblies  []string
	onException []func(error)

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Proxy. Call Initialize before creating instances.
func New(opts ...Option) *Proxy {
	o := options{
		log:           zap.NewNop(),
		cancelTimeout: DefaultCancelTimeout,
		createAck:     true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	p := &Proxy{
		opts:    o,
		log:     o.log,
		objects: make(map[uuid.UUID]*remoteObject),
	}
	p.factory = stub.NewFactory(hooks{p})
	p.events = newEventQueue(p)
	return p
}

// Initialize connects to the callee listening on name.
func (p *Proxy) Initialize(ctx context.Context, name string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.log = p.log.With(zap.String("channel", name))
	opts := append([]transport.Option{transport.WithLogger(p.log)}, p.opts.connOpts...)
	conn := transport.New(transport.Initiator, opts...)
	if !p.conn.CompareAndSwap(nil, conn) {
		return rpcerr.Connection("initialize", errors.New("proxy already initialized"))
	}
	conn.OnControl(p.dispatch)
	conn.OnError(p.report)
	go p.events.run(conn.Done())
	return conn.Initialize(ctx, name)
}

func (p *Proxy) connection() (*transport.Connection, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	conn := p.conn.Load()
	if conn == nil {
		return nil, rpcerr.Connection("proxy", errors.New("not initialized"))
	}
	return conn, nil
}

// Done is closed when the control stream has ended.
func (p *Proxy) Done() <-chan struct{} {
	if conn := p.conn.Load(); conn != nil {
		return conn.Done()
	}
	return nil
}

// CreateInstance asks the callee to create typeName and generates contractPtr as its stub.
// It does not wait for the callee; the first call on the stub does, unless the proxy was
// built WithoutCreateAck.
func (p *Proxy) CreateInstance(ctx context.Context, typeName string, contractPtr any) (uuid.UUID, error) {
	conn, err := p.connection()
	if err != nil {
		return uuid.Nil, err
	}
	if err := stub.Validate(contractPtr); err != nil {
		return uuid.Nil, err
	}

	handle := uuid.New()
	obj := &remoteObject{typeName: typeName, created: make(chan struct{})}
	p.mu.Lock()
	p.objects[handle] = obj
	p.mu.Unlock()

	if err := p.factory.CreateWithHandle(contractPtr, handle); err != nil {
		p.forget(handle)
		return uuid.Nil, err
	}
	if err := conn.SendControl(ctx, message.CreateObject(handle, typeName)); err != nil {
		p.forget(handle)
		p.factory.Release(handle)
		return uuid.Nil, err
	}
	p.log.Debug("instance requested", zap.Stringer("handle", handle), zap.String("type", typeName))
	return handle, nil
}

// CreateInstance allocates a T stub for a new callee instance of typeName.
func CreateInstance[T any](ctx context.Context, p *Proxy, typeName string) (*T, error) {
	s := new(T)
	if _, err := p.CreateInstance(ctx, typeName, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Proxy) forget(handle uuid.UUID) {
	p.mu.Lock()
	delete(p.objects, handle)
	p.mu.Unlock()
}

func (p *Proxy) object(handle uuid.UUID) (*remoteObject, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[handle]
	return obj, ok
}

// HandleOf returns the handle of a stub created by this proxy.
func (p *Proxy) HandleOf(stubPtr any) (uuid.UUID, bool) { return p.factory.HandleOf(stubPtr) }

// LoadAssembly asks the callee to add a module to its search list.
func (p *Proxy) LoadAssembly(ctx context.Context, path string) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	if err := conn.SendControl(ctx, message.LoadAssembly(path)); err != nil {
		return err
	}
	p.mu.Lock()
	p.assemblies = append(p.assemblies, path)
	p.mu.Unlock()
	return nil
}

// LoadedAssemblies returns the paths sent by LoadAssembly, in order.
func (p *Proxy) LoadedAssemblies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.assemblies...)
}

// GetTypes lists the type names the callee can create.
func (p *Proxy) GetTypes(ctx context.Context) ([]string, error) {
	conn, err := p.connection()
	if err != nil {
		return nil, err
	}
	callID := uuid.New()
	pending, err := conn.Expect(message.TypesChannel(callID))
	if err != nil {
		return nil, err
	}
	defer pending.Close()
	if err := conn.SendControl(ctx, message.GetTypes(callID)); err != nil {
		return nil, err
	}
	body, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var types []string
	if err := json.Unmarshal(body, &types); err != nil {
		return nil, rpcerr.Protocol("get_types", err.Error())
	}
	return types, nil
}

// SendText sends a free-form Text message.
func (p *Proxy) SendText(ctx context.Context, text string) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	return conn.SendControl(ctx, message.Text(text))
}

// OnException subscribes to faults that are not tied to one call (ExceptionOccurred).
func (p *Proxy) OnException(fn func(error)) {
	p.mu.Lock()
	p.onException = append(p.onException, fn)
	p.mu.Unlock()
}

func (p *Proxy) report(err error) {
	p.mu.Lock()
	subs := slices.Clone(p.onException)
	p.mu.Unlock()
	if len(subs) == 0 {
		p.log.Warn("unhandled exception", zap.Error(err))
		return
	}
	for _, fn := range subs {
		fn(err)
	}
}

// invoke runs one forwarded call to its terminal state.
func (p *Proxy) invoke(call *stub.Call) {
	ctx := call.Context
	if !call.HasContext && p.opts.methodCtx != nil {
		ctx = p.opts.methodCtx
	}
	tr := newCallTracker(call.Handle, call.Method, p.opts.observer)
	log := p.log.With(zap.Stringer("handle", call.Handle), zap.String("method", call.Method), zap.Stringer("call_id", tr.id))

	result, err := p.run(ctx, tr, call)
	switch {
	case err == nil:
		call.Result = result
		tr.finish(StateCompleted)
	case rpcerr.KindOf(err) == rpcerr.KindCanceled:
		call.Err = err
		tr.finish(StateCanceled)
	default:
		call.Err = err
		tr.finish(StateFaulted)
	}
	log.Debug("call finished", zap.Stringer("state", tr.State()), zap.Error(err))
}

func (p *Proxy) run(ctx context.Context, tr *callTracker, call *stub.Call) (any, error) {
	conn, err := p.connection()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, rpcerr.Canceled(call.Method, err)
	}
	if err := p.awaitCreated(ctx, conn, call.Handle); err != nil {
		return nil, err
	}

	out, err := conn.Expect(message.OutChannel(call.Handle, call.Method, tr.id))
	if err != nil {
		return nil, err
	}
	defer out.Close()

	if err := conn.SendControl(ctx, message.RunMethod(call.Handle, tr.id, call.Method)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { p.sendCancel(conn, call.Handle, tr.id, call.Method) })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i, arg := range call.Args {
		g.Go(func() error {
			return conn.SendPayload(gctx, message.ArgChannel(call.Handle, call.Method, tr.id, i), arg)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, rpcerr.Canceled(call.Method, ctx.Err())
		}
		return nil, err
	}
	tr.advance(StateCreated, StateArgsSent)
	tr.advance(StateArgsSent, StateAwaitingResult)

	body, err := out.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var outcome message.Outcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return nil, rpcerr.Protocol("receive_result", fmt.Sprintf("%s: %v", call.Method, err))
	}
	if outcome.Fault != nil {
		return nil, outcome.Fault.Err()
	}
	if call.ReturnType == nil {
		return nil, nil
	}
	v := reflect.New(call.ReturnType)
	if len(outcome.Value) > 0 {
		if err := json.Unmarshal(outcome.Value, v.Interface()); err != nil {
			return nil, rpcerr.Protocol("receive_result", fmt.Sprintf("%s result: %v", call.Method, err))
		}
	}
	return v.Elem().Interface(), nil
}

// awaitCreated holds a call back until the callee has acknowledged CreateObject.
func (p *Proxy) awaitCreated(ctx context.Context, conn *transport.Connection, handle uuid.UUID) error {
	obj, ok := p.object(handle)
	if !ok {
		return rpcerr.ErrHandleNotFound
	}
	if !p.opts.createAck {
		return nil
	}
	select {
	case <-obj.created:
		return obj.err
	case <-ctx.Done():
		return rpcerr.Canceled("await_create", ctx.Err())
	case <-conn.Done():
		return conn.Err()
	}
}

// sendCancel is the best-effort cancellation hint. Failures go to OnException only.
func (p *Proxy) sendCancel(conn *transport.Connection, handle, callID uuid.UUID, method string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.cancelTimeout)
	defer cancel()
	if err := conn.SendControl(ctx, message.CancelMethod(handle, callID, method)); err != nil {
		p.report(fmt.Errorf("cancel %s: %w", method, err))
	}
}

// dispatch runs on the connection's read loop.
func (p *Proxy) dispatch(msg *message.Message) {
	switch msg.Kind {
	case message.KindObjectCreated:
		if obj, ok := p.object(msg.Handle); ok {
			obj.resolve(nil)
		}
	case message.KindException:
		err := rpcerr.Remote(msg.Text, msg.Stack)
		if msg.Handle != uuid.Nil {
			if obj, ok := p.object(msg.Handle); ok {
				obj.resolve(fmt.Errorf("create %s: %w", obj.typeName, err))
			}
		}
		p.report(err)
	case message.KindRaiseEvent:
		p.events.push(msg)
	case message.KindText:
		p.log.Debug("text from callee", zap.String("text", msg.Text))
	default:
		p.report(rpcerr.Protocol("dispatch", fmt.Sprintf("unexpected %s from callee", msg.Kind)))
	}
}

// Close disposes every stub and closes the control stream. It is safe to call more than
// once.
func (p *Proxy) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.factory.Close()
		if conn := p.conn.Load(); conn != nil {
			p.closeErr = multierr.Append(p.closeErr, conn.Close())
		}
		p.events.close()

		p.mu.Lock()
		objects := p.objects
		p.objects = make(map[uuid.UUID]*remoteObject)
		p.mu.Unlock()
		for _, obj := range objects {
			obj.resolve(rpcerr.Connection("proxy", net.ErrClosed))
		}
	})
	return p.closeErr
}

// hooks adapts the proxy to stub.Hooks. Events raised locally on a stub only reach local
// subscribers.
type hooks struct{ p *Proxy }

func (h hooks) OnMethodCalled(call *stub.Call) { h.p.invoke(call) }
func (hooks) OnEventRaised(*stub.Raise)        {}
func (hooks) OnEventCompleted(*stub.Raise)     {}
