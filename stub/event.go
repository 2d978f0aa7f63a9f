package stub

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Source is the type-erased view of an Event used by dispatchers and proxies.
type Source interface {
	PayloadType() reflect.Type
	// Observe subscribes fn to every delivered payload and returns the unsubscribe func.
	Observe(fn func(payload any)) (unsubscribe func())
	// RaiseValue converts payload to the event type and raises it.
	RaiseValue(payload any) error
}

// binding ties an event on a generated stub back to its factory.
type binding struct {
	factory uint64
	stub    any
	handle  uuid.UUID
	name    string
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Event is a contract event with payload T. The zero value is usable, and handlers run
// synchronously on the raising goroutine in subscription order.
type Event[T any] struct {
	mu     sync.Mutex
	subs   []subscriber[T]
	nextID uint64
	bound  *binding
}

// Subscribe adds fn and returns a func that removes it again.
func (e *Event[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of subscribers.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Raise delivers v to every subscriber. On a generated stub the factory hooks run first and
// may cancel local delivery.
func (e *Event[T]) Raise(v T) {
	e.mu.Lock()
	b := e.bound
	e.mu.Unlock()

	var (
		f *Factory
		r *Raise
	)
	if b != nil {
		f = lookupFactory(b.factory)
	}
	if f != nil {
		r = &Raise{Stub: b.stub, Handle: b.handle, Event: b.name, Payload: v}
		f.hooks.OnEventRaised(r)
		if r.Canceled {
			return
		}
	}
	e.deliver(v)
	if f != nil {
		f.hooks.OnEventCompleted(r)
	}
}

func (e *Event[T]) deliver(v T) {
	e.mu.Lock()
	subs := append([]subscriber[T](nil), e.subs...)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

func (e *Event[T]) PayloadType() reflect.Type { return reflect.TypeFor[T]() }

func (e *Event[T]) Observe(fn func(payload any)) func() {
	return e.Subscribe(func(v T) { fn(v) })
}

func (e *Event[T]) RaiseValue(payload any) error {
	rv, err := Convert(payload, e.PayloadType())
	if err != nil {
		return fmt.Errorf("raise: %w", err)
	}
	v, _ := rv.Interface().(T)
	e.Raise(v)
	return nil
}

func (e *Event[T]) bind(b *binding) {
	e.mu.Lock()
	e.bound = b
	e.mu.Unlock()
}

type binder interface{ bind(*binding) }

// NamedSource is an event member together with its wire name.
type NamedSource struct {
	Name   string
	Source Source
}

// Events lists the Event fields of the struct behind ptr, by member name. Fields that are
// not events are skipped.
func Events(ptr any) []NamedSource {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil
	}
	v = v.Elem()
	t := v.Type()
	var out []NamedSource
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || !reflect.PointerTo(f.Type).Implements(sourceType) {
			continue
		}
		out = append(out, NamedSource{Name: memberName(f), Source: v.Field(i).Addr().Interface().(Source)})
	}
	return out
}

// EventByName returns the event member called name on the struct behind ptr.
func EventByName(ptr any, name string) (Source, bool) {
	for _, ev := range Events(ptr) {
		if ev.Name == name {
			return ev.Source, true
		}
	}
	return nil, false
}
