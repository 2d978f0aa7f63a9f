// Package stub generates contract stubs whose every member forwards into a hook set.
//
// A contract is a struct of func fields (methods) and Event fields (events):
//
//	type Calculator struct {
//		Add     func(ctx context.Context, a, b int) (int, error)
//		Changed stub.Event[int]
//	}
//
// Factory.Create fills every func field with a forwarder that packages the invocation into
// a Call and hands it to Hooks.OnMethodCalled. The result placed on the Call is returned to
// the caller: as the error result, through the Future, or, for shapes that have no error
// result, as a panic carrying the error.
package stub

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"stubrpc/rpcerr"
)

// ErrFactoryDisposed is returned by a stub whose factory has been closed.
var ErrFactoryDisposed = rpcerr.Lifecycle("invoke", errors.New("stub factory disposed"))

// Call is one forwarded method invocation. The hook fills Result, Err or Canceled.
type Call struct {
	// Context is the caller's ctx, or context.Background() when the method takes none.
	Context    context.Context
	HasContext bool // the caller passed a non-nil ctx
	Stub       any
	Handle     uuid.UUID
	Method     string
	Args       []any
	ArgTypes   []reflect.Type
	ReturnType reflect.Type // nil when the method returns no value

	Result   any
	Err      error
	Canceled bool
}

// Raise is one event raised on a stub. Setting Canceled in OnEventRaised skips local
// delivery.
type Raise struct {
	Stub     any
	Handle   uuid.UUID
	Event    string
	Payload  any
	Canceled bool
}

// Hooks receives everything a stub does.
type Hooks interface {
	OnMethodCalled(call *Call)
	OnEventRaised(raise *Raise)
	OnEventCompleted(raise *Raise)
}

// NopHooks returns zero values and never vetoes.
type NopHooks struct{}

func (NopHooks) OnMethodCalled(*Call)    {}
func (NopHooks) OnEventRaised(*Raise)    {}
func (NopHooks) OnEventCompleted(*Raise) {}

// Stubs do not keep their factory alive; they look it up by id on every call.
var (
	factories     sync.Map // uint64 → *Factory
	nextFactoryID atomic.Uint64
)

func lookupFactory(id uint64) *Factory {
	f, ok := factories.Load(id)
	if !ok {
		return nil
	}
	return f.(*Factory)
}

type record struct {
	handle uuid.UUID
	stub   any
}

// Factory creates stubs bound to one hook set and tracks them by handle.
type Factory struct {
	id     uint64
	hooks  Hooks
	closed atomic.Bool

	mu       sync.RWMutex
	byHandle map[uuid.UUID]*record
	byStub   map[any]*record
}

// NewFactory returns a factory forwarding to hooks. nil hooks behave like NopHooks.
func NewFactory(hooks Hooks) *Factory {
	if hooks == nil {
		hooks = NopHooks{}
	}
	f := &Factory{
		id:       nextFactoryID.Add(1),
		hooks:    hooks,
		byHandle: make(map[uuid.UUID]*record),
		byStub:   make(map[any]*record),
	}
	factories.Store(f.id, f)
	return f
}

// Create fills the contract struct behind contractPtr and returns its new handle.
func (f *Factory) Create(contractPtr any) (uuid.UUID, error) {
	handle := uuid.New()
	if err := f.CreateWithHandle(contractPtr, handle); err != nil {
		return uuid.Nil, err
	}
	return handle, nil
}

// CreateWithHandle is Create with a caller-chosen handle.
func (f *Factory) CreateWithHandle(contractPtr any, handle uuid.UUID) error {
	if f.closed.Load() {
		return ErrFactoryDisposed
	}
	if handle == uuid.Nil {
		return fmt.Errorf("stub: nil handle")
	}
	v := reflect.ValueOf(contractPtr)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("stub: contract must be a non-nil pointer to a struct, got %T", contractPtr)
	}
	c, err := contractOf(v.Elem().Type())
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byHandle[handle]; ok {
		return fmt.Errorf("stub: handle %s already registered", handle)
	}
	if _, ok := f.byStub[contractPtr]; ok {
		return fmt.Errorf("stub: %T already belongs to this factory", contractPtr)
	}

	elem := v.Elem()
	for _, m := range c.methods {
		elem.Field(m.index).Set(reflect.MakeFunc(m.fn, forwarder(f.id, handle, contractPtr, m)))
	}
	for _, ev := range c.events {
		elem.Field(ev.index).Addr().Interface().(binder).bind(&binding{
			factory: f.id, stub: contractPtr, handle: handle, name: ev.name,
		})
	}

	r := &record{handle: handle, stub: contractPtr}
	f.byHandle[handle] = r
	f.byStub[contractPtr] = r
	return nil
}

// New allocates a T, generates it and returns it with its handle.
func New[T any](f *Factory) (*T, uuid.UUID, error) {
	s := new(T)
	h, err := f.Create(s)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return s, h, nil
}

// HandleOf returns the handle of a stub created by this factory.
func (f *Factory) HandleOf(stub any) (uuid.UUID, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.byStub[stub]
	if !ok {
		return uuid.Nil, false
	}
	return r.handle, true
}

// Lookup returns the stub registered under handle.
func (f *Factory) Lookup(handle uuid.UUID) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.byHandle[handle]
	if !ok {
		return nil, false
	}
	return r.stub, true
}

// Release forgets handle. The stub keeps forwarding until the factory is closed.
func (f *Factory) Release(handle uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byHandle[handle]
	if !ok {
		return false
	}
	delete(f.byHandle, handle)
	delete(f.byStub, r.stub)
	return true
}

// Handles returns every registered handle.
func (f *Factory) Handles() []uuid.UUID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(f.byHandle))
	for h := range f.byHandle {
		out = append(out, h)
	}
	return out
}

func (f *Factory) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byHandle)
}

// Close drops every registration. Stubs created earlier fail with ErrFactoryDisposed.
func (f *Factory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	factories.Delete(f.id)
	f.mu.Lock()
	f.byHandle = make(map[uuid.UUID]*record)
	f.byStub = make(map[any]*record)
	f.mu.Unlock()
	return nil
}

func (f *Factory) Closed() bool { return f.closed.Load() }

func forwarder(factoryID uint64, handle uuid.UUID, self any, m *member) func([]reflect.Value) []reflect.Value {
	return func(in []reflect.Value) []reflect.Value {
		call := &Call{
			Context:    context.Background(),
			Stub:       self,
			Handle:     handle,
			Method:     m.name,
			ArgTypes:   m.args,
			ReturnType: m.value,
			Args:       make([]any, 0, len(m.args)),
		}
		for i, v := range in {
			if i == 0 && m.hasCtx {
				if ctx, _ := v.Interface().(context.Context); ctx != nil {
					call.Context = ctx
					call.HasContext = true
				}
				continue
			}
			call.Args = append(call.Args, v.Interface())
		}

		if m.result == resultFuture {
			fut := reflect.New(m.fn.Out(0).Elem())
			go func() {
				err := dispatchRecover(factoryID, call)
				if err != nil {
					call.Err = err
				}
				fut.Interface().(future).resolveAny(call.Result, call.Err)
			}()
			return []reflect.Value{fut}
		}

		dispatch(factoryID, call)
		return results(m, call)
	}
}

func dispatch(factoryID uint64, call *Call) {
	f := lookupFactory(factoryID)
	if f == nil {
		call.Err = ErrFactoryDisposed
		return
	}
	f.hooks.OnMethodCalled(call)
}

// dispatchRecover runs dispatch on a goroutine of its own, where a panicking hook would
// otherwise take the process down.
func dispatchRecover(factoryID uint64, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("stub: %s: %v", call.Method, r)
			}
		}
	}()
	dispatch(factoryID, call)
	return nil
}

func results(m *member, call *Call) []reflect.Value {
	switch m.result {
	case resultNone:
		if call.Err != nil {
			panic(call.Err)
		}
		return nil
	case resultError:
		return []reflect.Value{errorValue(call.Err)}
	case resultValue:
		if call.Err != nil {
			panic(call.Err)
		}
		v, err := Convert(call.Result, m.value)
		if err != nil {
			panic(fmt.Errorf("stub: %s: %w", call.Method, err))
		}
		return []reflect.Value{v}
	default: // resultValueError
		if call.Err != nil {
			return []reflect.Value{reflect.Zero(m.value), errorValue(call.Err)}
		}
		v, err := Convert(call.Result, m.value)
		if err != nil {
			return []reflect.Value{reflect.Zero(m.value), errorValue(fmt.Errorf("stub: %s: %w", call.Method, err))}
		}
		return []reflect.Value{v, errorValue(nil)}
	}
}

func errorValue(err error) reflect.Value {
	if err == nil {
		return reflect.Zero(errorType)
	}
	return reflect.ValueOf(&err).Elem()
}
