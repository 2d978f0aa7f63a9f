package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stubrpc/message"
	"stubrpc/middleware"
	"stubrpc/registry"
	"stubrpc/rpcerr"
	"stubrpc/stub"
	"stubrpc/transport"
)

type Calc struct {
	Event1  stub.Event[int]
	Event3  stub.Event[string]
	Changed stub.Event[stub.SenderArgs[int]]
	closed  *atomic.Bool
}

func (c *Calc) Method1(x int) int           { return x + 321 }
func (c *Calc) Method2(input string) string { return "Hello, input = " + input }
func (c *Calc) Fire() {
	c.Event1.Raise(777)
	c.Event3.Raise("555")
}
func (c *Calc) Announce() { c.Changed.Raise(stub.SenderArgs[int]{Sender: c, Value: 1}) }
func (c *Calc) Block(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (c *Calc) Panic() { panic("kaput") }
func (c *Calc) Ping() int { return 1 }

func (c *Calc) Close() error {
	if c.closed != nil {
		c.closed.Store(true)
	}
	return nil
}

// peer is the caller end of a test connection. It records control messages and collects
// event payloads as they arrive.
type peer struct {
	t    *testing.T
	conn *transport.Connection

	mu     sync.Mutex
	msgs   []*message.Message
	events map[string][]json.RawMessage
	signal chan struct{}
}

func (p *peer) handle(m *message.Message) {
	if m.Kind == message.KindRaiseEvent {
		pending, err := p.conn.Expect(message.EventChannel(m.Handle, m.Name, m.CallID))
		if err == nil {
			go func() {
				defer pending.Close()
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				body, err := pending.Wait(ctx)
				if err != nil {
					return
				}
				p.mu.Lock()
				p.events[m.Name] = append(p.events[m.Name], body)
				p.mu.Unlock()
				p.notify()
			}()
		}
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
	p.notify()
}

func (p *peer) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// waitFor blocks until cond holds over the recorded state.
func (p *peer) waitFor(cond func() bool) {
	p.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		p.mu.Lock()
		ok := cond()
		p.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-p.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			p.t.Fatal("condition not reached")
		}
	}
}

func (p *peer) find(kind message.Kind, handle uuid.UUID) *message.Message {
	for _, m := range p.msgs {
		if m.Kind == kind && (handle == uuid.Nil || m.Handle == handle) {
			return m
		}
	}
	return nil
}

func (p *peer) create(typeName string) uuid.UUID {
	p.t.Helper()
	h := uuid.New()
	require.NoError(p.t, p.conn.SendControl(context.Background(), message.CreateObject(h, typeName)))
	p.waitFor(func() bool { return p.find(message.KindObjectCreated, h) != nil })
	return h
}

// call runs one method by hand the way a caller proxy does.
func (p *peer) call(ctx context.Context, h uuid.UUID, method string, args ...any) *message.Outcome {
	p.t.Helper()
	callID := uuid.New()
	out, err := p.conn.Expect(message.OutChannel(h, method, callID))
	require.NoError(p.t, err)
	defer out.Close()
	require.NoError(p.t, p.conn.SendControl(ctx, message.RunMethod(h, callID, method)))
	for i, a := range args {
		require.NoError(p.t, p.conn.SendPayload(ctx, message.ArgChannel(h, method, callID, i), a))
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	body, err := out.Wait(wctx)
	require.NoError(p.t, err)
	var outcome message.Outcome
	require.NoError(p.t, json.Unmarshal(body, &outcome))
	return &outcome
}

func newRegistry(t *testing.T, closed *atomic.Bool) *registry.Registry {
	t.Helper()
	m := registry.NewModule("test")
	require.NoError(t, m.Register("Calc", func() any { return &Calc{closed: closed} }))
	return registry.New(registry.LoaderFunc(func(path string) (*registry.Module, error) {
		if path != "extra.so" {
			return nil, errors.New("no such module")
		}
		extra := registry.NewModule(path)
		return extra, extra.Register("Extra", func() any { return &Calc{} })
	}), m)
}

// start serves a Server on a fresh in-memory network and connects a peer to it.
func start(t *testing.T, opts ...Option) (*Server, *peer, <-chan error) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	name := "srv-" + uuid.NewString()
	opts = append([]Option{
		WithRegistry(newRegistry(t, nil)),
		WithLogger(zap.NewNop()),
		WithConnectionOptions(transport.WithNetwork(network), transport.WithTimeout(time.Second)),
	}, opts...)
	s := NewServer(opts...)

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), name) }()
	select {
	case <-s.Ready():
	case err := <-served:
		t.Fatalf("serve: %v", err)
	}

	p := &peer{t: t, events: make(map[string][]json.RawMessage), signal: make(chan struct{}, 1)}
	p.conn = transport.New(transport.Initiator, transport.WithNetwork(network), transport.WithTimeout(time.Second))
	p.conn.OnControl(p.handle)
	require.NoError(t, p.conn.Initialize(context.Background(), name))
	t.Cleanup(func() {
		p.conn.Close()
		s.Close()
	})
	return s, p, served
}

func TestCreateAndRun(t *testing.T) {
	s, p, _ := start(t)
	h := p.create("Calc")
	assert.Equal(t, map[uuid.UUID]string{h: "Calc"}, s.Objects())

	out := p.call(context.Background(), h, "Method1", 123)
	require.Nil(t, out.Fault)
	assert.JSONEq(t, "444", string(out.Value))

	out = p.call(context.Background(), h, "Method2", "123")
	require.Nil(t, out.Fault)
	assert.JSONEq(t, `"Hello, input = 123"`, string(out.Value))

	out = p.call(context.Background(), h, "Fire")
	require.Nil(t, out.Fault)
	assert.Empty(t, out.Value, "void methods carry no value")
}

func TestUnknownHandleFailsLoudly(t *testing.T) {
	_, p, _ := start(t)

	out := p.call(context.Background(), uuid.New(), "Method1")
	require.NotNil(t, out.Fault)
	assert.ErrorIs(t, out.Fault.Err(), rpcerr.ErrHandleNotFound)

	p.waitFor(func() bool { return p.find(message.KindException, uuid.Nil) != nil })
	assert.Contains(t, p.find(message.KindException, uuid.Nil).Text, "handle not found")
}

func TestUnknownMethod(t *testing.T) {
	_, p, _ := start(t)
	h := p.create("Calc")

	out := p.call(context.Background(), h, "Nope")
	require.NotNil(t, out.Fault)
	assert.ErrorIs(t, out.Fault.Err(), rpcerr.ErrProtocol)
}

func TestUnknownTypeReportsObjectException(t *testing.T) {
	s, p, _ := start(t)
	h := uuid.New()
	require.NoError(t, p.conn.SendControl(context.Background(), message.CreateObject(h, "Missing")))

	p.waitFor(func() bool { return p.find(message.KindException, h) != nil })
	assert.Contains(t, p.find(message.KindException, h).Text, `"Missing"`)
	assert.Empty(t, s.Objects())

	// The loop keeps serving.
	h2 := p.create("Calc")
	assert.Nil(t, p.call(context.Background(), h2, "Method1", 1).Fault)
}

func TestRemotePanicCarriesStack(t *testing.T) {
	_, p, _ := start(t)
	h := p.create("Calc")

	out := p.call(context.Background(), h, "Panic")
	require.NotNil(t, out.Fault)
	err := out.Fault.Err()
	assert.ErrorIs(t, err, rpcerr.ErrRemote)
	var e *rpcerr.Error
	require.True(t, errors.As(err, &e))
	assert.Contains(t, e.Message, "kaput")
	assert.Contains(t, e.Stack, "goroutine")
}

func TestCancelMethod(t *testing.T) {
	_, p, _ := start(t)
	h := p.create("Calc")

	callID := uuid.New()
	out, err := p.conn.Expect(message.OutChannel(h, "Block", callID))
	require.NoError(t, err)
	defer out.Close()
	ctx := context.Background()
	require.NoError(t, p.conn.SendControl(ctx, message.RunMethod(h, callID, "Block")))
	require.NoError(t, p.conn.SendControl(ctx, message.CancelMethod(h, callID, "Block")))

	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	body, err := out.Wait(wctx)
	require.NoError(t, err)
	var outcome message.Outcome
	require.NoError(t, json.Unmarshal(body, &outcome))
	require.NotNil(t, outcome.Fault)
	assert.ErrorIs(t, outcome.Fault.Err(), rpcerr.ErrCanceled)
}

func TestEventsAreRelayed(t *testing.T) {
	_, p, _ := start(t)
	h := p.create("Calc")

	require.Nil(t, p.call(context.Background(), h, "Fire").Fault)
	p.waitFor(func() bool { return len(p.events["Event1"]) == 1 && len(p.events["Event3"]) == 1 })
	assert.JSONEq(t, "777", string(p.events["Event1"][0]))
	assert.JSONEq(t, `"555"`, string(p.events["Event3"][0]))

	raise := p.find(message.KindRaiseEvent, h)
	require.NotNil(t, raise)
	assert.Equal(t, "Event1", raise.Name, "events are signaled in raise order")
}

func TestSenderSuppression(t *testing.T) {
	for _, suppress := range []bool{false, true} {
		var opts []Option
		if suppress {
			opts = append(opts, WithSenderSuppression())
		}
		_, p, _ := start(t, opts...)
		h := p.create("Calc")
		require.Nil(t, p.call(context.Background(), h, "Announce").Fault)
		p.waitFor(func() bool { return len(p.events["Changed"]) == 1 })

		var got map[string]any
		require.NoError(t, json.Unmarshal(p.events["Changed"][0], &got))
		_, hasSender := got["sender"]
		assert.Equal(t, !suppress, hasSender, "suppress=%v", suppress)
		assert.EqualValues(t, 1, got["value"])
	}
}

func TestGetTypesAndLoadAssembly(t *testing.T) {
	s, p, _ := start(t)
	ctx := context.Background()

	getTypes := func() []string {
		callID := uuid.New()
		out, err := p.conn.Expect(message.TypesChannel(callID))
		require.NoError(t, err)
		defer out.Close()
		require.NoError(t, p.conn.SendControl(ctx, message.GetTypes(callID)))
		wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		body, err := out.Wait(wctx)
		require.NoError(t, err)
		var types []string
		require.NoError(t, json.Unmarshal(body, &types))
		return types
	}
	assert.Equal(t, []string{"Calc"}, getTypes())

	require.NoError(t, p.conn.SendControl(ctx, message.LoadAssembly("extra.so")))
	assert.Equal(t, []string{"Calc", "Extra"}, getTypes())
	assert.Equal(t, []string{"test", "extra.so"}, s.Registry().Paths())

	require.NoError(t, p.conn.SendControl(ctx, message.LoadAssembly("bad.so")))
	p.waitFor(func() bool { return p.find(message.KindException, uuid.Nil) != nil })
	assert.Contains(t, p.find(message.KindException, uuid.Nil).Text, "no such module")
}

func TestMiddlewareWrapsCalls(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	record := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, inv *middleware.Invocation) *message.Outcome {
			mu.Lock()
			seen = append(seen, inv.Type+"."+inv.Method)
			mu.Unlock()
			return next(ctx, inv)
		}
	}
	_, p, _ := start(t, func(srv *Server) {
		srv.Use(record)
		srv.Use(middleware.RateLimitMiddleware(0.001, 1))
	})
	h := p.create("Calc")

	assert.Nil(t, p.call(context.Background(), h, "Method1", 1).Fault)
	limited := p.call(context.Background(), h, "Method1", 1)
	require.NotNil(t, limited.Fault)
	assert.Equal(t, "rate limit exceeded", limited.Fault.Message)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Calc.Method1", "Calc.Method1"}, seen)
}

func TestStopTextEndsServe(t *testing.T) {
	var texts []string
	var mu sync.Mutex
	_, p, served := start(t, func(s *Server) {
		s.OnText(func(text string) {
			mu.Lock()
			texts = append(texts, text)
			mu.Unlock()
		})
	})

	require.NoError(t, p.conn.SendControl(context.Background(), message.Text("hello")))
	require.NoError(t, p.conn.SendControl(context.Background(), message.Text(message.StopText)))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello"}, texts)
}

func TestCallerExceptionIsReported(t *testing.T) {
	got := make(chan error, 1)
	_, p, _ := start(t, func(s *Server) { s.OnException(func(err error) { got <- err }) })

	require.NoError(t, p.conn.SendControl(context.Background(), message.Exception("caller broke", "trace")))
	select {
	case err := <-got:
		assert.ErrorIs(t, err, rpcerr.ErrRemote)
		assert.Contains(t, err.Error(), "caller broke")
	case <-time.After(3 * time.Second):
		t.Fatal("exception not reported")
	}
}

func TestShutdownDisposesInstances(t *testing.T) {
	var closed atomic.Bool
	s, p, served := start(t, WithRegistry(newRegistry(t, &closed)))
	p.create("Calc")

	require.NoError(t, s.Shutdown(time.Second))
	assert.True(t, closed.Load())
	assert.Empty(t, s.Objects())
	assert.NoError(t, <-served)
	require.NoError(t, s.Close())

	assert.Error(t, s.Serve(context.Background(), "again"))
}

func TestShutdownTimesOut(t *testing.T) {
	s, p, _ := start(t)
	h := p.create("Calc")

	callID := uuid.New()
	out, err := p.conn.Expect(message.OutChannel(h, "Block", callID))
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, p.conn.SendControl(context.Background(), message.RunMethod(h, callID, "Block")))
	time.Sleep(50 * time.Millisecond)

	err = s.Shutdown(50 * time.Millisecond)
	assert.ErrorIs(t, err, rpcerr.ErrLifecycle)
}

func TestCallsDuringShutdown(t *testing.T) {
	s, p, _ := start(t)
	h := p.create("Calc")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		pendings []*transport.Pending
	)
	defer func() {
		for _, pending := range pendings {
			pending.Close()
		}
	}()
	begin := make(chan struct{})
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-begin
			for range 20 {
				callID := uuid.New()
				var (
					channel string
					msg     *message.Message
				)
				if i%2 == 0 {
					channel, msg = message.OutChannel(h, "Ping", callID), message.RunMethod(h, callID, "Ping")
				} else {
					channel, msg = message.TypesChannel(callID), message.GetTypes(callID)
				}
				pending, err := p.conn.Expect(channel)
				if err != nil {
					return
				}
				mu.Lock()
				pendings = append(pendings, pending)
				mu.Unlock()
				if p.conn.SendControl(context.Background(), msg) != nil {
					return
				}
			}
		}()
	}

	close(begin)
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Shutdown(3*time.Second))
	wg.Wait()

	// Nothing is admitted once shutdown has begun.
	assert.False(t, s.track())
}
