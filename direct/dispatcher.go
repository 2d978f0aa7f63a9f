// Package direct binds generated stubs to real objects in the same process. Every call and
// event passes through subscriber hooks that can observe it or veto it, which makes the
// dispatcher a seam for tests and interception.
package direct

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stubrpc/rpcerr"
	"stubrpc/service"
	"stubrpc/stub"
)

type target struct {
	svc    *service.Service
	relays []func()
}

// Dispatcher forwards stub calls to bound targets by member name.
type Dispatcher struct {
	factory *stub.Factory
	log     *zap.Logger

	mu      sync.RWMutex
	targets map[uuid.UUID]*target

	subMu            sync.RWMutex
	onCalled         []func(*stub.Call)
	onCompleted      []func(*stub.Call)
	onRaised         []func(*stub.Raise)
	onRaiseCompleted []func(*stub.Raise)
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:     zap.NewNop(),
		targets: make(map[uuid.UUID]*target),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.factory = stub.NewFactory(hooks{d})
	return d
}

// Bind generates contractPtr and routes its calls to tgt. Events of tgt are relayed to the
// stub's events of the same name.
func (d *Dispatcher) Bind(contractPtr, tgt any) (uuid.UUID, error) {
	svc, err := service.New(tgt)
	if err != nil {
		return uuid.Nil, err
	}
	handle, err := d.factory.Create(contractPtr)
	if err != nil {
		return uuid.Nil, err
	}

	t := &target{svc: svc}
	for _, ev := range stub.Events(contractPtr) {
		src, ok := stub.EventByName(tgt, ev.Name)
		if !ok {
			continue
		}
		dst := ev
		t.relays = append(t.relays, src.Observe(func(payload any) {
			if err := dst.Source.RaiseValue(payload); err != nil {
				d.log.Warn("event relay failed", zap.String("event", dst.Name), zap.Error(err))
			}
		}))
	}

	d.mu.Lock()
	d.targets[handle] = t
	d.mu.Unlock()
	d.log.Debug("stub bound", zap.Stringer("handle", handle), zap.String("target", svc.Name()))
	return handle, nil
}

// Bind allocates a T stub bound to tgt.
func Bind[T any](d *Dispatcher, tgt any) (*T, uuid.UUID, error) {
	s := new(T)
	h, err := d.Bind(s, tgt)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return s, h, nil
}

// Target returns the object bound to handle.
func (d *Dispatcher) Target(handle uuid.UUID) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.targets[handle]
	if !ok {
		return nil, false
	}
	return t.svc.Receiver(), true
}

// Unbind stops routing handle and its event relays.
func (d *Dispatcher) Unbind(handle uuid.UUID) bool {
	d.mu.Lock()
	t, ok := d.targets[handle]
	delete(d.targets, handle)
	d.mu.Unlock()
	if !ok {
		return false
	}
	for _, un := range t.relays {
		un()
	}
	d.factory.Release(handle)
	return true
}

// OnMethodCalled subscribes fn to every call before it reaches the target. Setting
// call.Canceled skips the target and leaves the zero result.
func (d *Dispatcher) OnMethodCalled(fn func(*stub.Call)) {
	d.subMu.Lock()
	d.onCalled = append(d.onCalled, fn)
	d.subMu.Unlock()
}

// OnMethodCompleted subscribes fn to every call after the target returned.
func (d *Dispatcher) OnMethodCompleted(fn func(*stub.Call)) {
	d.subMu.Lock()
	d.onCompleted = append(d.onCompleted, fn)
	d.subMu.Unlock()
}

// OnEventRaised subscribes fn to every relayed event. Setting Canceled vetoes delivery.
func (d *Dispatcher) OnEventRaised(fn func(*stub.Raise)) {
	d.subMu.Lock()
	d.onRaised = append(d.onRaised, fn)
	d.subMu.Unlock()
}

func (d *Dispatcher) OnEventCompleted(fn func(*stub.Raise)) {
	d.subMu.Lock()
	d.onRaiseCompleted = append(d.onRaiseCompleted, fn)
	d.subMu.Unlock()
}

// Factory exposes the stub factory behind the dispatcher.
func (d *Dispatcher) Factory() *stub.Factory { return d.factory }

// Close unbinds everything and disposes the factory. Targets are not closed; they belong
// to whoever bound them.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	handles := make([]uuid.UUID, 0, len(d.targets))
	for h := range d.targets {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	var err error
	for _, h := range handles {
		if !d.Unbind(h) {
			err = multierr.Append(err, fmt.Errorf("unbind %s: not bound", h))
		}
	}
	return multierr.Append(err, d.factory.Close())
}

// hooks adapts the dispatcher to stub.Hooks without exposing those methods on Dispatcher.
type hooks struct{ d *Dispatcher }

func (h hooks) OnMethodCalled(call *stub.Call) {
	d := h.d
	d.subMu.RLock()
	before, after := d.onCalled, d.onCompleted
	d.subMu.RUnlock()

	for _, fn := range before {
		fn(call)
	}
	if call.Canceled {
		d.log.Debug("call vetoed", zap.String("method", call.Method), zap.Stringer("handle", call.Handle))
		return
	}

	d.invoke(call)
	for _, fn := range after {
		fn(call)
	}
}

func (d *Dispatcher) invoke(call *stub.Call) {
	d.mu.RLock()
	t, ok := d.targets[call.Handle]
	d.mu.RUnlock()
	if !ok {
		call.Err = rpcerr.ErrHandleNotFound
		return
	}
	m, err := t.svc.Method(call.Method)
	if err != nil {
		call.Err = err
		return
	}
	args, err := m.ConvertArgs(call.Args)
	if err != nil {
		call.Err = err
		return
	}
	call.Result, call.Err = t.svc.Call(call.Context, m, args)
}

func (h hooks) OnEventRaised(r *stub.Raise) {
	h.d.subMu.RLock()
	subs := h.d.onRaised
	h.d.subMu.RUnlock()
	for _, fn := range subs {
		fn(r)
	}
}

func (h hooks) OnEventCompleted(r *stub.Raise) {
	h.d.subMu.RLock()
	subs := h.d.onRaiseCompleted
	h.d.subMu.RUnlock()
	for _, fn := range subs {
		fn(r)
	}
}
