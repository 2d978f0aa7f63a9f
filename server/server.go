// Package server implements the callee side: it accepts one caller on a named control
// stream, creates objects by type name, and executes their methods on the caller's behalf.
//
// Request processing pipeline:
//
//	control stream → dispatch (single goroutine, send order)
//	  CreateObject → registry.Resolve → service.New → ObjectCreated          (inline)
//	  RunMethod    → go runMethod: receive args → Middleware Chain → reflect.Call → send _out
//	  CancelMethod → cancel the matching call context
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stubrpc/message"
	"stubrpc/middleware"
	"stubrpc/registry"
	"stubrpc/rpcerr"
	"stubrpc/service"
	"stubrpc/stub"
	"stubrpc/transport"
)

// object is one callee instance owned by the server.
type object struct {
	handle   uuid.UUID
	typeName string
	svc      *service.Service
	relays   []func()
}

// Server is the CalleeServer.
type Server struct {
	registry       *registry.Registry
	log            *zap.Logger
	connOpts       []transport.Option
	suppressSender bool

	conn        atomic.Pointer[transport.Connection]
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))

	mu      sync.RWMutex
	objects map[uuid.UUID]*object

	calls    sync.Map       // callID → context.CancelFunc
	wg       sync.WaitGroup // in-flight RunMethod and GetTypes handlers
	wgMu     sync.Mutex     // orders wg.Add against setting shutdown
	shutdown atomic.Bool

	subMu       sync.Mutex
	onText      []func(string)
	onException []func(error)

	ready     chan struct{}
	stopping  chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Server)

// WithRegistry sets the type search list. The default searches registry.Builtin only.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.registry = r
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithConnectionOptions configures the control stream.
func WithConnectionOptions(opts ...transport.Option) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

// WithSenderSuppression strips the callee instance from stub.SenderArgs event payloads.
func WithSenderSuppression() Option {
	return func(s *Server) { s.suppressSender = true }
}

// NewServer creates a server that has not bound its channel yet.
func NewServer(opts ...Option) *Server {
	s := &Server{
		log:      zap.NewNop(),
		objects:  make(map[uuid.UUID]*object),
		ready:    make(chan struct{}),
		stopping: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = registry.New(nil, registry.Builtin)
	}
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Registry returns the type search list.
func (s *Server) Registry() *registry.Registry { return s.registry }

// OnText subscribes to Text messages other than the stop request.
func (s *Server) OnText(fn func(string)) {
	s.subMu.Lock()
	s.onText = append(s.onText, fn)
	s.subMu.Unlock()
}

// OnException subscribes to faults that are not tied to one call, including Exception
// messages sent by the caller.
func (s *Server) OnException(fn func(error)) {
	s.subMu.Lock()
	s.onException = append(s.onException, fn)
	s.subMu.Unlock()
}

// Ready is closed once Serve has bound the control channel.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve binds name as acceptor and processes control messages until the caller asks it to
// stop, Shutdown or Close is called, ctx ends, or the control stream is lost. It returns nil
// for the first two.
func (s *Server) Serve(ctx context.Context, name string) error {
	if s.shutdown.Load() {
		return rpcerr.Lifecycle("serve", errors.New("server is shut down"))
	}

	// Build the middleware chain once at startup (not per-request)
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)

	s.log = s.log.With(zap.String("channel", name))
	opts := append([]transport.Option{transport.WithLogger(s.log)}, s.connOpts...)
	conn := transport.New(transport.Acceptor, opts...)
	if !s.conn.CompareAndSwap(nil, conn) {
		return rpcerr.Lifecycle("serve", errors.New("server already serving"))
	}
	conn.OnControl(s.dispatch)
	conn.OnError(s.report)
	if err := conn.Initialize(ctx, name); err != nil {
		return err
	}
	close(s.ready)
	s.log.Info("callee server listening")

	select {
	case <-s.stopping:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.Done():
		if s.shutdown.Load() {
			return nil
		}
		return conn.Err()
	}
}

// dispatch runs on the connection's read loop. Anything that can block on the caller is
// moved to its own goroutine so later messages keep flowing.
func (s *Server) dispatch(msg *message.Message) {
	switch msg.Kind {
	case message.KindCreateObject:
		s.createObject(msg)
	case message.KindLoadAssembly:
		s.loadAssembly(msg)
	case message.KindRunMethod:
		if !s.track() {
			s.log.Debug("call dropped during shutdown", zap.Stringer("call_id", msg.CallID))
			return
		}
		// The cancel func is registered before the next message is read, so a CancelMethod
		// right behind this RunMethod always finds it.
		ctx, cancel := context.WithCancel(context.Background())
		s.calls.Store(msg.CallID, cancel)
		go s.runMethod(ctx, cancel, msg)
	case message.KindCancelMethod:
		if cancel, ok := s.calls.Load(msg.CallID); ok {
			s.log.Debug("call canceled by caller", zap.Stringer("call_id", msg.CallID), zap.String("method", msg.Name))
			cancel.(context.CancelFunc)()
		}
	case message.KindGetTypes:
		if !s.track() {
			s.log.Debug("type query dropped during shutdown", zap.Stringer("call_id", msg.CallID))
			return
		}
		go s.sendTypes(msg.CallID)
	case message.KindText:
		s.handleText(msg.Text)
	case message.KindException:
		s.report(rpcerr.Remote(msg.Text, msg.Stack))
	default:
		s.fail(uuid.Nil, rpcerr.Protocol("dispatch", fmt.Sprintf("unexpected %s from caller", msg.Kind)))
	}
}

// track counts one more in-flight handler unless shutdown has begun.
func (s *Server) track() bool {
	s.wgMu.Lock()
	defer s.wgMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) beginShutdown() {
	s.wgMu.Lock()
	s.shutdown.Store(true)
	s.wgMu.Unlock()
	s.stop()
}

func (s *Server) createObject(msg *message.Message) {
	log := s.log.With(zap.Stringer("handle", msg.Handle), zap.String("type", msg.Name))

	inst, err := s.registry.Resolve(msg.Name)
	if err != nil {
		s.fail(msg.Handle, rpcerr.Remote(err.Error(), ""))
		return
	}
	svc, err := service.New(inst)
	if err != nil {
		s.fail(msg.Handle, rpcerr.Remote(err.Error(), ""))
		return
	}

	obj := &object{handle: msg.Handle, typeName: msg.Name, svc: svc}
	s.mu.Lock()
	if _, dup := s.objects[msg.Handle]; dup {
		s.mu.Unlock()
		svc.Close()
		s.fail(msg.Handle, rpcerr.Protocol("create_object", "handle already in use"))
		return
	}
	s.objects[msg.Handle] = obj
	s.mu.Unlock()

	for _, ev := range svc.Events() {
		name := ev.Name
		obj.relays = append(obj.relays, ev.Source.Observe(func(payload any) {
			s.relayEvent(obj, name, payload)
		}))
	}

	if err := s.conn.Load().SendControl(context.Background(), message.ObjectCreated(msg.Handle)); err != nil {
		s.report(err)
		return
	}
	log.Debug("object created")
}

func (s *Server) loadAssembly(msg *message.Message) {
	m, err := s.registry.Load(msg.Path)
	if err != nil {
		s.fail(uuid.Nil, rpcerr.Remote(err.Error(), ""))
		return
	}
	s.log.Info("module loaded", zap.String("path", msg.Path), zap.Strings("types", m.Types()))
}

func (s *Server) lookup(handle uuid.UUID) (*object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[handle]
	return obj, ok
}

// runMethod processes a single RunMethod: gather args → middleware → business logic →
// write the outcome.
// ctx is the fresh local context standing in for the caller's cancellation token.
func (s *Server) runMethod(ctx context.Context, cancel context.CancelFunc, msg *message.Message) {
	defer s.wg.Done()
	defer cancel()
	defer s.calls.Delete(msg.CallID)
	out := message.OutChannel(msg.Handle, msg.Name, msg.CallID)
	log := s.log.With(zap.Stringer("handle", msg.Handle), zap.String("method", msg.Name), zap.Stringer("call_id", msg.CallID))

	obj, ok := s.lookup(msg.Handle)
	if !ok {
		s.sendOutcome(ctx, log, out, message.Failure(rpcerr.ErrHandleNotFound))
		s.fail(uuid.Nil, fmt.Errorf("run %s on %s: %w", msg.Name, msg.Handle, rpcerr.ErrHandleNotFound))
		return
	}
	m, err := obj.svc.Method(msg.Name)
	if err != nil {
		s.sendOutcome(ctx, log, out, message.Failure(err))
		s.fail(uuid.Nil, err)
		return
	}

	args, err := s.receiveArgs(ctx, msg, m)
	if err != nil {
		s.sendOutcome(ctx, log, out, message.Failure(err))
		if rpcerr.KindOf(err) != rpcerr.KindCanceled {
			s.fail(uuid.Nil, err)
		}
		return
	}

	inv := &middleware.Invocation{
		Handle: msg.Handle,
		CallID: msg.CallID,
		Type:   obj.typeName,
		Method: msg.Name,
		Args:   args,
	}
	s.sendOutcome(ctx, log, out, s.handler(ctx, inv))
}

// receiveArgs reads every argument channel concurrently.
func (s *Server) receiveArgs(ctx context.Context, msg *message.Message, m *service.Method) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(m.ArgTypes))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range m.ArgTypes {
		g.Go(func() error {
			channel := message.ArgChannel(msg.Handle, msg.Name, msg.CallID, i)
			body, err := s.conn.Load().ReceivePayload(gctx, channel)
			if err != nil {
				return err
			}
			v := reflect.New(t)
			if err := json.Unmarshal(body, v.Interface()); err != nil {
				return rpcerr.Protocol("receive_args", fmt.Sprintf("%s argument %d: %v", msg.Name, i, err))
			}
			args[i] = v.Elem()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, rpcerr.Canceled(msg.Name, ctx.Err())
		}
		return nil, err
	}
	return args, nil
}

// businessHandler is the core handler wrapped by the middleware chain.
func (s *Server) businessHandler(ctx context.Context, inv *middleware.Invocation) *message.Outcome {
	obj, ok := s.lookup(inv.Handle)
	if !ok {
		return message.Failure(rpcerr.ErrHandleNotFound)
	}
	m, err := obj.svc.Method(inv.Method)
	if err != nil {
		return message.Failure(err)
	}
	result, err := obj.svc.Call(ctx, m, inv.Args)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = rpcerr.Canceled(inv.Method, err)
		}
		return message.Failure(err)
	}
	if m.ReturnType == nil {
		return message.Success(nil)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return message.Failure(rpcerr.Remote(fmt.Sprintf("%s result cannot be encoded: %v", inv.Method, err), ""))
	}
	return message.Success(raw)
}

func (s *Server) sendOutcome(ctx context.Context, log *zap.Logger, channel string, outcome *message.Outcome) {
	err := s.conn.Load().SendPayload(context.Background(), channel, outcome)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// The caller canceled and stopped listening.
		log.Debug("outcome dropped after cancellation", zap.Error(err))
	default:
		log.Warn("outcome not delivered", zap.Error(err))
		s.fail(uuid.Nil, err)
	}
}

func (s *Server) sendTypes(callID uuid.UUID) {
	defer s.wg.Done()
	if err := s.conn.Load().SendPayload(context.Background(), message.TypesChannel(callID), s.registry.Types()); err != nil {
		s.fail(uuid.Nil, err)
	}
}

// relayEvent forwards one raise of a callee event to the caller. It runs on the goroutine
// that raised the event.
func (s *Server) relayEvent(obj *object, name string, payload any) {
	if s.shutdown.Load() {
		return
	}
	if s.suppressSender {
		if sc, ok := payload.(stub.SenderCarrier); ok {
			payload = sc.WithoutSender(obj.svc.Receiver())
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.fail(uuid.Nil, rpcerr.Protocol("raise_event", fmt.Sprintf("%s payload cannot be encoded: %v", name, err)))
		return
	}

	conn := s.conn.Load()
	eventID := uuid.New()
	ctx := context.Background()
	if err := conn.SendControl(ctx, message.RaiseEvent(obj.handle, eventID, name)); err != nil {
		s.report(err)
		return
	}
	if err := conn.SendRaw(ctx, message.EventChannel(obj.handle, name, eventID), body); err != nil {
		s.fail(uuid.Nil, err)
	}
}

func (s *Server) handleText(text string) {
	if text == message.StopText {
		s.log.Info("stop requested by caller")
		s.stop()
		return
	}
	s.subMu.Lock()
	subs := slices.Clone(s.onText)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(text)
	}
}

func (s *Server) stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// fail reports err locally and to the caller as an Exception message; the dispatch loop
// carries on. A non-nil handle marks the object as failed on the caller side, so it is
// only passed when creating that object failed.
func (s *Server) fail(handle uuid.UUID, err error) {
	s.report(err)
	conn := s.conn.Load()
	if conn == nil {
		return
	}
	var stack string
	var e *rpcerr.Error
	if errors.As(err, &e) {
		stack = e.Stack
	}
	msg := message.Exception(err.Error(), stack)
	if handle != uuid.Nil {
		msg = message.ObjectException(handle, err.Error(), stack)
	}
	if serr := conn.SendControl(context.Background(), msg); serr != nil {
		s.log.Debug("exception not delivered", zap.Error(serr))
	}
}

func (s *Server) report(err error) {
	s.subMu.Lock()
	subs := slices.Clone(s.onException)
	s.subMu.Unlock()
	if len(subs) == 0 {
		s.log.Warn("callee fault", zap.Error(err))
		return
	}
	for _, fn := range subs {
		fn(err)
	}
}

// Objects returns the live instances by handle with their type names.
func (s *Server) Objects() map[uuid.UUID]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]string, len(s.objects))
	for h, obj := range s.objects {
		out[h] = obj.typeName
	}
	return out
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag and release Serve
//  2. Wait for in-flight calls to finish (with timeout)
//  3. Close the control stream and dispose every instance
func (s *Server) Shutdown(timeout time.Duration) error {
	s.beginShutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = rpcerr.Lifecycle("shutdown", fmt.Errorf("timeout waiting for ongoing calls to finish"))
	}
	return multierr.Append(err, s.Close())
}

// Close cancels in-flight calls, closes the control stream and disposes every instance.
// It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.beginShutdown()
		s.calls.Range(func(_, cancel any) bool {
			cancel.(context.CancelFunc)()
			return true
		})
		if conn := s.conn.Load(); conn != nil {
			s.closeErr = conn.Close()
		}

		s.mu.Lock()
		objects := s.objects
		s.objects = make(map[uuid.UUID]*object)
		s.mu.Unlock()
		for _, obj := range objects {
			for _, un := range obj.relays {
				un()
			}
			s.closeErr = multierr.Append(s.closeErr, obj.svc.Close())
		}
	})
	return s.closeErr
}
