package stub

import (
	"context"
	"reflect"
	"sync"

	"stubrpc/rpcerr"
)

// future is implemented by every *Future[T].
type future interface {
	valueType() reflect.Type
	resolveAny(v any, err error)
	awaitAny(ctx context.Context) (any, error)
}

// Future is the async-wrapped result of a contract method. It completes exactly once; the
// zero value is ready to use.
type Future[T any] struct {
	once  sync.Once
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
}

// NewFuture returns an incomplete future.
func NewFuture[T any]() *Future[T] { return &Future[T]{} }

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := &Future[T]{}
	f.Resolve(v, err)
	return f
}

func (f *Future[T]) ch() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}

// Resolve completes the future. Later calls are ignored.
func (f *Future[T]) Resolve(v T, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.ch())
	})
}

// Done is closed once the future has completed.
func (f *Future[T]) Done() <-chan struct{} { return f.ch() }

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.ch():
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, rpcerr.Canceled("wait", ctx.Err())
	}
}

func (f *Future[T]) valueType() reflect.Type { return reflect.TypeFor[T]() }

func (f *Future[T]) resolveAny(v any, err error) {
	var out T
	if err == nil {
		rv, cerr := Convert(v, f.valueType())
		if cerr != nil {
			err = cerr
		} else {
			out, _ = rv.Interface().(T)
		}
	}
	f.Resolve(out, err)
}

func (f *Future[T]) awaitAny(ctx context.Context) (any, error) {
	return f.Wait(ctx)
}

// Await waits on fut if it is a *Future[T] and reports whether it was one.
func Await(ctx context.Context, fut any) (value any, ok bool, err error) {
	fi, ok := fut.(future)
	if !ok {
		return nil, false, nil
	}
	if rv := reflect.ValueOf(fut); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, true, nil
	}
	value, err = fi.awaitAny(ctx)
	return value, true, err
}

// FutureValueType returns T for a *Future[T] type.
func FutureValueType(t reflect.Type) (reflect.Type, bool) {
	if !IsFuture(t) {
		return nil, false
	}
	return reflect.New(t.Elem()).Interface().(future).valueType(), true
}
