package stub

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type demo struct {
	Method1 func(x int) int
	Method2 func(ctx context.Context, s string) (string, error)
	Method3 func(x int) *Future[int]
	Notify  func(s string)
	Check   func() error
	Renamed func() int `stub:"Other"`
	Event1  Event[int]
	Event3  Event[string] `stub:"Changed"`
}

// recorder is a Hooks implementation that remembers what it saw and answers from fn.
type recorder struct {
	mu     sync.Mutex
	calls  []*Call
	raised []*Raise
	done   []*Raise
	fn     func(*Call)
	veto   bool
}

func (r *recorder) OnMethodCalled(c *Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (r *recorder) OnEventRaised(e *Raise) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, e)
	e.Canceled = r.veto
}

func (r *recorder) OnEventCompleted(e *Raise) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, e)
}

func TestCreateForwardsCalls(t *testing.T) {
	rec := &recorder{fn: func(c *Call) {
		switch c.Method {
		case "Method1":
			c.Result = c.Args[0].(int) + 321
		case "Method2":
			c.Result = "Hello, input = " + c.Args[0].(string)
		}
	}}
	f := NewFactory(rec)
	defer f.Close()

	d, h, err := New[demo](f)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, h)

	assert.Equal(t, 444, d.Method1(123))
	out, err := d.Method2(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "Hello, input = 123", out)

	require.Len(t, rec.calls, 2)
	c := rec.calls[0]
	assert.Equal(t, "Method1", c.Method)
	assert.Equal(t, h, c.Handle)
	assert.Same(t, d, c.Stub)
	assert.Equal(t, []any{123}, c.Args)
	assert.Equal(t, reflect.TypeFor[int](), c.ReturnType)
	assert.Equal(t, []any{"123"}, rec.calls[1].Args, "the context is not an argument")
}

func TestContextIsPassedThrough(t *testing.T) {
	type key struct{}
	var seen context.Context
	var carried bool
	f := NewFactory(&recorder{fn: func(c *Call) { seen, carried = c.Context, c.HasContext }})
	defer f.Close()
	d, _, err := New[demo](f)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), key{}, "v")
	_, _ = d.Method2(ctx, "x")
	assert.Equal(t, "v", seen.Value(key{}))
	assert.True(t, carried)

	_, _ = d.Method2(context.TODO(), "x")
	assert.True(t, carried, "an empty caller context still counts")

	d.Method1(1)
	assert.NotNil(t, seen, "methods without a context get a background context")
	assert.False(t, carried)
}

func TestNopHooksReturnZero(t *testing.T) {
	f := NewFactory(nil)
	defer f.Close()
	d, _, err := New[demo](f)
	require.NoError(t, err)

	assert.Equal(t, 0, d.Method1(5))
	s, err := d.Method2(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, s)
	assert.NoError(t, d.Check())
	assert.NotPanics(t, func() { d.Notify("x") })

	v, err := d.Method3(1).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestHookErrorsSurfaceAtCallSite(t *testing.T) {
	boom := errors.New("boom")
	f := NewFactory(&recorder{fn: func(c *Call) { c.Err = boom }})
	defer f.Close()
	d, _, err := New[demo](f)
	require.NoError(t, err)

	_, err = d.Method2(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, d.Check(), boom)
	_, err = d.Method3(1).Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	assert.PanicsWithError(t, "boom", func() { d.Method1(1) })
	assert.PanicsWithError(t, "boom", func() { d.Notify("x") })
}

func TestFutureResult(t *testing.T) {
	release := make(chan struct{})
	f := NewFactory(&recorder{fn: func(c *Call) {
		<-release
		c.Result = c.Args[0].(int) * 2
	}})
	defer f.Close()
	d, _, err := New[demo](f)
	require.NoError(t, err)

	fut := d.Method3(21)
	select {
	case <-fut.Done():
		t.Fatal("future completed before the hook returned")
	default:
	}
	close(release)
	v, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureHookPanic(t *testing.T) {
	f := NewFactory(&recorder{fn: func(c *Call) { panic("kaput") }})
	defer f.Close()
	d, _, err := New[demo](f)
	require.NoError(t, err)

	_, err = d.Method3(1).Wait(context.Background())
	assert.ErrorContains(t, err, "kaput")
}

func TestResultConversion(t *testing.T) {
	f := NewFactory(&recorder{fn: func(c *Call) {
		switch c.Method {
		case "Method1":
			c.Result = float64(7) // decoded JSON numbers arrive as float64
		case "Method2":
			c.Result = 12
		}
	}})
	defer f.Close()
	d, _, err := New[demo](f)
	require.NoError(t, err)

	assert.Equal(t, 7, d.Method1(0))
	_, err = d.Method2(context.Background(), "x")
	assert.Error(t, err, "an int is not silently turned into a string")
}

func TestMemberNameTag(t *testing.T) {
	rec := &recorder{}
	f := NewFactory(rec)
	defer f.Close()
	d, _, err := New[demo](f)
	require.NoError(t, err)

	d.Renamed()
	d.Event3.Raise("555")
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "Other", rec.calls[0].Method)
	require.Len(t, rec.raised, 1)
	assert.Equal(t, "Changed", rec.raised[0].Event)
}

func TestMethodViewsShareOneName(t *testing.T) {
	type views struct {
		Sum      func(x int) int
		SumAsync func(x int) *Future[int]             `stub:"Sum"`
		SumCtx   func(ctx context.Context, x int) int `stub:"Sum"`
	}
	rec := &recorder{fn: func(c *Call) { c.Result = c.Args[0].(int) + 1 }}
	f := NewFactory(rec)
	defer f.Close()
	v, _, err := New[views](f)
	require.NoError(t, err)

	assert.Equal(t, 2, v.Sum(1))
	got, err := v.SumAsync(2).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, 4, v.SumCtx(context.Background(), 3))

	require.Len(t, rec.calls, 3)
	for _, c := range rec.calls {
		assert.Equal(t, "Sum", c.Method)
	}
}

type tree []tree

type graph map[string]graph

func TestRecursiveTypesAreTransferable(t *testing.T) {
	type recursive struct {
		Walk  func(t tree) int
		Nodes func() (graph, error)
		Link  func(p *tree)
	}
	assert.NoError(t, Validate(&recursive{}))

	type recursiveBad struct {
		M func(m map[string]chan tree)
	}
	assert.Error(t, Validate(&recursiveBad{}))
}

func TestEventRaisePath(t *testing.T) {
	rec := &recorder{}
	f := NewFactory(rec)
	defer f.Close()
	d, h, err := New[demo](f)
	require.NoError(t, err)

	var got []int
	d.Event1.Subscribe(func(v int) { got = append(got, v) })
	d.Event1.Raise(777)

	assert.Equal(t, []int{777}, got)
	require.Len(t, rec.raised, 1)
	assert.Equal(t, h, rec.raised[0].Handle)
	assert.Equal(t, "Event1", rec.raised[0].Event)
	assert.Equal(t, 777, rec.raised[0].Payload)
	assert.Len(t, rec.done, 1)

	rec.veto = true
	d.Event1.Raise(1)
	assert.Equal(t, []int{777}, got, "a canceled raise is not delivered")
	assert.Len(t, rec.done, 1, "a canceled raise does not complete")
}

func TestFactoryClose(t *testing.T) {
	f := NewFactory(&recorder{fn: func(c *Call) { c.Result = 1 }})
	d, h, err := New[demo](f)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.True(t, f.Closed())
	assert.Equal(t, 0, f.Len())
	_, ok := f.Lookup(h)
	assert.False(t, ok)

	_, err = d.Method2(context.Background(), "x")
	assert.ErrorIs(t, err, ErrFactoryDisposed)
	assert.PanicsWithError(t, ErrFactoryDisposed.Error(), func() { d.Method1(1) })

	_, err = f.Create(&demo{})
	assert.ErrorIs(t, err, ErrFactoryDisposed)

	var got int
	d.Event1.Subscribe(func(v int) { got = v })
	d.Event1.Raise(3)
	assert.Equal(t, 3, got, "local subscribers still work without the factory")
}

func TestLookupAndRelease(t *testing.T) {
	f := NewFactory(nil)
	defer f.Close()
	d := &demo{}
	h, err := f.Create(d)
	require.NoError(t, err)

	got, ok := f.Lookup(h)
	require.True(t, ok)
	assert.Same(t, d, got)
	hh, ok := f.HandleOf(d)
	require.True(t, ok)
	assert.Equal(t, h, hh)
	assert.Equal(t, []uuid.UUID{h}, f.Handles())

	_, err = f.Create(d)
	assert.Error(t, err, "a stub belongs to one registration")

	assert.True(t, f.Release(h))
	assert.False(t, f.Release(h))
	_, ok = f.HandleOf(d)
	assert.False(t, ok)
}

func TestCreateRejectsUnsupportedContracts(t *testing.T) {
	type variadic struct{ M func(xs ...int) }
	type channel struct{ M func(chan int) }
	type callback struct{ M func(func()) }
	type threeResults struct{ M func() (int, int, error) }
	type secondNotError struct{ M func() (int, string) }
	type ctxNotFirst struct{ M func(int, context.Context) }
	type futureAndError struct{ M func() (*Future[int], error) }
	type iface struct{ M func(reader interface{ Read([]byte) (int, error) }) }
	type unexported struct {
		M func()
		m func()
	}
	type field struct{ Count int }
	type inner struct{ M func() }
	type embedded struct{ inner }
	type clash struct {
		A func() `stub:"B"`
		B Event[int]
	}
	type eventClash struct {
		A Event[int] `stub:"B"`
		B Event[string]
	}

	cases := map[string]any{
		"variadic":         &variadic{},
		"channel":          &channel{},
		"callback":         &callback{},
		"three results":    &threeResults{},
		"second not error": &secondNotError{},
		"ctx not first":    &ctxNotFirst{},
		"future and error": &futureAndError{},
		"interface":        &iface{},
		"unexported":       &unexported{},
		"plain field":      &field{},
		"embedded":         &embedded{},
		"name clash":       &clash{},
		"event clash":      &eventClash{},
		"not a pointer":    demo{},
		"nil pointer":      (*demo)(nil),
		"not a struct":     new(int),
	}
	f := NewFactory(nil)
	defer f.Close()
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.Create(c)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, 0, f.Len())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(&demo{}))
	assert.Error(t, Validate(demo{}))
}

func TestEventSubscribeUnsubscribe(t *testing.T) {
	var e Event[string]
	var a, b []string
	unA := e.Subscribe(func(s string) { a = append(a, s) })
	e.Subscribe(func(s string) { b = append(b, s) })
	assert.Equal(t, 2, e.Len())

	e.Raise("one")
	unA()
	unA()
	e.Raise("two")

	assert.Equal(t, []string{"one"}, a)
	assert.Equal(t, []string{"one", "two"}, b)
	assert.Equal(t, 1, e.Len())
}

func TestEventRaiseValue(t *testing.T) {
	var e Event[int]
	var got int
	e.Observe(func(v any) { got = v.(int) })
	require.NoError(t, e.RaiseValue(float64(9)))
	assert.Equal(t, 9, got)
	assert.Error(t, e.RaiseValue("nine"))
	assert.Equal(t, reflect.TypeFor[int](), e.PayloadType())
}

func TestEventsListing(t *testing.T) {
	d := &demo{}
	evs := Events(d)
	require.Len(t, evs, 2)
	assert.Equal(t, "Event1", evs[0].Name)
	assert.Equal(t, "Changed", evs[1].Name)

	src, ok := EventByName(d, "Changed")
	require.True(t, ok)
	assert.Equal(t, reflect.TypeFor[string](), src.PayloadType())
	_, ok = EventByName(d, "Event3")
	assert.False(t, ok)
	assert.Nil(t, Events(42))
}

func TestFutureWaitCanceled(t *testing.T) {
	fut := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := fut.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fut.Resolve(1, nil)
	fut.Resolve(2, nil)
	v, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v, "a future completes once")

	v2, ok, err := Await(context.Background(), Resolved("x", nil))
	assert.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "x", v2)
	_, ok, _ = Await(context.Background(), 3)
	assert.False(t, ok)
}

func TestSenderArgs(t *testing.T) {
	self := &demo{}
	other := &demo{}

	a := SenderArgs[int]{Sender: self, Value: 5}
	stripped := a.WithoutSender(self).(SenderArgs[int])
	assert.Nil(t, stripped.Sender)
	assert.Equal(t, 5, stripped.Value)
	assert.Same(t, self, a.Sender, "the original is untouched")

	kept := SenderArgs[int]{Sender: other, Value: 5}.WithoutSender(self).(SenderArgs[int])
	assert.Same(t, other, kept.Sender)

	var _ SenderCarrier = SenderArgs[string]{}
	assert.NotPanics(t, func() { SenderArgs[int]{Sender: map[string]int{}}.WithoutSender(map[string]int{}) })
}
