package test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stubrpc/client"
	"stubrpc/direct"
	"stubrpc/host"
	"stubrpc/middleware"
	"stubrpc/registry"
	"stubrpc/rpcerr"
	"stubrpc/server"
	"stubrpc/stub"
	"stubrpc/transport"
)

// ---- 测试用的服务 ----

type Calc struct {
	Event1 stub.Event[int]
	Event3 stub.Event[string]
}

func (c *Calc) Method1(x int) int           { return x + 321 }
func (c *Calc) Method2(input string) string { return "Hello, input = " + input }
func (c *Calc) Fire() {
	c.Event1.Raise(777)
	c.Event3.Raise("555")
}

// Echo returns tag after ms milliseconds, or fails when ctx ends first.
func (c *Calc) Echo(ctx context.Context, ms int, tag string) (string, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return tag, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type calc struct {
	Method1 func(x int) int
	Method2 func(ctx context.Context, input string) (string, error)
	Fire    func(ctx context.Context) error
	Echo    func(ctx context.Context, ms int, tag string) (string, error)
	Event1  stub.Event[int]
	Event3  stub.Event[string]
}

func calcRegistry() *registry.Registry {
	m := registry.NewModule("calc")
	m.Register("Calc", func() any { return &Calc{} })
	m.Register("DelayedCalc", func() any {
		time.Sleep(300 * time.Millisecond)
		return &Calc{}
	})
	return registry.New(nil, m)
}

// startHost runs Calc behind a host over real unix sockets.
func startHost(t *testing.T, opts ...host.Option) *host.Host {
	t.Helper()
	h, err := host.New("it", append([]host.Option{host.WithInProcess(calcRegistry())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	require.NoError(t, h.Initialize(context.Background()))
	require.NoError(t, h.Start(context.Background()))
	return h
}

// TestEndToEnd 完整端到端测试
// 链路: stub → Proxy → control stream → Server → middleware → reflect call → events back
func TestEndToEnd(t *testing.T) {
	h := startHost(t)
	ctx := context.Background()
	c, err := host.CreateObject[calc](ctx, h, "Calc")
	require.NoError(t, err)

	assert.Equal(t, 444, c.Method1(123))
	got, err := c.Method2(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "Hello, input = 123", got)

	var mu sync.Mutex
	var ones []int
	threes := make(chan string, 1)
	c.Event1.Subscribe(func(v int) {
		mu.Lock()
		ones = append(ones, v)
		mu.Unlock()
	})
	c.Event3.Subscribe(func(s string) { threes <- s })
	require.NoError(t, c.Fire(ctx))
	select {
	case s := <-threes:
		assert.Equal(t, "555", s)
	case <-time.After(3 * time.Second):
		t.Fatal("Event3 not delivered")
	}
	mu.Lock()
	assert.Equal(t, []int{777}, ones, "Event1 precedes Event3 and is seen once")
	mu.Unlock()
}

// RunMethod goes out right after CreateObject. It either completes once the callee caught
// up or fails with handle not found, for a fast and a slow constructor alike.
func TestOrderingBoundary(t *testing.T) {
	for _, typ := range []string{"Calc", "DelayedCalc"} {
		for _, ack := range []bool{true, false} {
			t.Run(fmt.Sprintf("%s/ack=%v", typ, ack), func(t *testing.T) {
				var opts []host.Option
				if !ack {
					opts = append(opts, host.WithProxyOptions(client.WithoutCreateAck()))
				}
				h := startHost(t, opts...)
				ctx := context.Background()
				c, err := host.CreateObject[calc](ctx, h, typ)
				require.NoError(t, err)

				got, err := c.Method2(ctx, "123")
				if err != nil {
					assert.ErrorIs(t, err, rpcerr.ErrHandleNotFound)
					return
				}
				assert.Equal(t, "Hello, input = 123", got)
			})
		}
	}
}

// A slow call in flight must not hold back or swap results with a fast one.
func TestConcurrentCallsKeepTheirResults(t *testing.T) {
	h := startHost(t)
	ctx := context.Background()
	c, err := host.CreateObject[calc](ctx, h, "Calc")
	require.NoError(t, err)

	slow := make(chan string, 1)
	go func() {
		s, err := c.Echo(ctx, 500, "slow")
		assert.NoError(t, err)
		slow <- s
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	fast, err := c.Echo(ctx, 0, "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", fast)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	select {
	case s := <-slow:
		assert.Equal(t, "slow", s)
	case <-time.After(3 * time.Second):
		t.Fatal("slow call never completed")
	}

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 321+i, c.Method1(i))
		}()
	}
	wg.Wait()
}

func TestCancellationResolvesPromptly(t *testing.T) {
	h := startHost(t)
	c, err := host.CreateObject[calc](context.Background(), h, "Calc")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Echo(ctx, 10_000, "never")
	assert.ErrorIs(t, err, rpcerr.ErrCanceled)
	assert.Less(t, time.Since(start), time.Second)

	// The host stays usable.
	assert.Equal(t, 444, c.Method1(123))
}

func TestDoubleDispose(t *testing.T) {
	h := startHost(t)
	require.NoError(t, h.Stop(context.Background(), 0))
	require.NoError(t, h.Stop(context.Background(), 0))
	require.NoError(t, h.Close())
}

func TestColdStart(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the default connect timeout")
	}
	p := client.New(client.WithConnectionOptions(transport.WithNetwork(transport.UnixNetwork{Dir: t.TempDir()})))
	defer p.Close()

	start := time.Now()
	err := p.Initialize(context.Background(), "nobody_pipe")
	assert.ErrorIs(t, err, rpcerr.ErrConnection)
	assert.Less(t, time.Since(start), transport.DefaultTimeout+time.Second)
}

func TestMiddlewareOverSockets(t *testing.T) {
	network := transport.UnixNetwork{Dir: t.TempDir()}
	srv := server.NewServer(
		server.WithRegistry(calcRegistry()),
		server.WithLogger(zap.NewNop()),
		server.WithConnectionOptions(transport.WithNetwork(network)),
	)
	srv.Use(middleware.LoggingMiddleware(zap.NewNop()))
	srv.Use(middleware.TimeoutMiddleware(100 * time.Millisecond))
	go srv.Serve(context.Background(), "mw_pipe")
	defer srv.Close()

	p := client.New(client.WithConnectionOptions(transport.WithNetwork(network)))
	defer p.Close()
	require.NoError(t, p.Initialize(context.Background(), "mw_pipe"))
	c, err := client.CreateInstance[calc](context.Background(), p, "Calc")
	require.NoError(t, err)

	got, err := c.Echo(context.Background(), 0, "quick")
	require.NoError(t, err)
	assert.Equal(t, "quick", got)

	_, err = c.Echo(context.Background(), 2000, "late")
	assert.ErrorIs(t, err, rpcerr.ErrCanceled)
}

// The same contract works against a local object through the direct dispatcher.
func TestDirectParity(t *testing.T) {
	d := direct.New()
	defer d.Close()
	c, _, err := direct.Bind[calc](d, &Calc{})
	require.NoError(t, err)

	assert.Equal(t, 444, c.Method1(123))
	got, err := c.Method2(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "Hello, input = 123", got)

	seen := make(chan int, 1)
	c.Event1.Subscribe(func(v int) { seen <- v })
	require.NoError(t, c.Fire(context.Background()))
	assert.Equal(t, 777, <-seen)
}
