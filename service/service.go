// Package service builds a reflective method table over a real object so it can be invoked
// by member name, either in-process or on behalf of a remote caller.
package service

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"runtime/debug"
	"sort"

	"stubrpc/rpcerr"
	"stubrpc/stub"
)

type resultShape uint8

const (
	shapeNone resultShape = iota
	shapeValue
	shapeError
	shapeValueError
	shapeFuture
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// Method is one invocable method of a service.
type Method struct {
	method     reflect.Method
	Name       string
	ArgTypes   []reflect.Type // without the leading context
	ReturnType reflect.Type   // nil when no value is returned
	hasCtx     bool
	shape      resultShape
}

// Service wraps one receiver.
type Service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*Method
	events []stub.NamedSource
}

// New creates a Service and scans the exported methods of rcvr. Methods whose shape cannot
// be invoked by name are skipped.
func New(rcvr any) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("service: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("service: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)
	if val.IsNil() {
		return nil, fmt.Errorf("service: nil %s receiver", typ)
	}

	s := &Service{
		name:   typ.Elem().Name(),
		rcvr:   val,
		typ:    typ,
		method: make(map[string]*Method),
		events: stub.Events(rcvr),
	}
	s.registerMethods()
	return s, nil
}

func (s *Service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		if m, ok := methodOf(s.typ.Method(i)); ok {
			s.method[m.Name] = m
		}
	}
}

func methodOf(method reflect.Method) (*Method, bool) {
	mt := method.Type
	if mt.IsVariadic() {
		return nil, false
	}
	m := &Method{method: method, Name: method.Name}
	// In(0) is the receiver.
	for i := 1; i < mt.NumIn(); i++ {
		p := mt.In(i)
		if p == contextType {
			if i != 1 {
				return nil, false
			}
			m.hasCtx = true
			continue
		}
		switch p.Kind() {
		case reflect.Chan, reflect.Func, reflect.UnsafePointer:
			return nil, false
		}
		m.ArgTypes = append(m.ArgTypes, p)
	}

	switch mt.NumOut() {
	case 0:
		m.shape = shapeNone
	case 1:
		out := mt.Out(0)
		switch {
		case out == errorType:
			m.shape = shapeError
		case stub.IsFuture(out):
			m.shape = shapeFuture
			m.ReturnType, _ = stub.FutureValueType(out)
		default:
			m.shape = shapeValue
			m.ReturnType = out
		}
	case 2:
		if mt.Out(1) != errorType || stub.IsFuture(mt.Out(0)) {
			return nil, false
		}
		m.shape = shapeValueError
		m.ReturnType = mt.Out(0)
	default:
		return nil, false
	}
	return m, true
}

// Name is the receiver's type name.
func (s *Service) Name() string { return s.name }

// Receiver returns the wrapped object.
func (s *Service) Receiver() any { return s.rcvr.Interface() }

// Method looks up a method by name.
func (s *Service) Method(name string) (*Method, error) {
	m, ok := s.method[name]
	if !ok {
		return nil, rpcerr.Protocol("dispatch", fmt.Sprintf("%s has no method %q", s.name, name))
	}
	return m, nil
}

// Methods returns the method names in sorted order.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.method))
	for name := range s.method {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Events returns the receiver's event members.
func (s *Service) Events() []stub.NamedSource { return s.events }

// ConvertArgs turns loosely typed arguments into values of the method's parameter types.
func (m *Method) ConvertArgs(args []any) ([]reflect.Value, error) {
	if len(args) != len(m.ArgTypes) {
		return nil, rpcerr.Protocol("dispatch", fmt.Sprintf("%s takes %d arguments, got %d", m.Name, len(m.ArgTypes), len(args)))
	}
	out := make([]reflect.Value, len(args))
	for i, a := range args {
		v, err := stub.Convert(a, m.ArgTypes[i])
		if err != nil {
			return nil, rpcerr.Protocol("dispatch", fmt.Sprintf("%s argument %d: %v", m.Name, i, err))
		}
		out[i] = v
	}
	return out, nil
}

// Call invokes m with args. ctx is passed to a leading context.Context parameter and bounds
// the wait on a Future result. A panic in the method becomes a remote error carrying the
// stack.
func (s *Service) Call(ctx context.Context, m *Method, args []reflect.Value) (result any, err error) {
	if len(args) != len(m.ArgTypes) {
		return nil, rpcerr.Protocol("dispatch", fmt.Sprintf("%s takes %d arguments, got %d", m.Name, len(m.ArgTypes), len(args)))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = rpcerr.Remote(fmt.Sprintf("%s.%s panicked: %v", s.name, m.Name, r), string(debug.Stack()))
		}
	}()

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, s.rcvr)
	if m.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		if !a.IsValid() {
			a = reflect.Zero(m.ArgTypes[i])
		}
		in = append(in, a)
	}
	out := m.method.Func.Call(in)

	switch m.shape {
	case shapeNone:
		return nil, nil
	case shapeValue:
		return out[0].Interface(), nil
	case shapeError:
		return nil, asError(out[0])
	case shapeValueError:
		if err := asError(out[1]); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	default: // shapeFuture
		v, _, err := stub.Await(ctx, out[0].Interface())
		return v, err
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// Close disposes the receiver if it implements io.Closer.
func (s *Service) Close() error {
	if c, ok := s.rcvr.Interface().(io.Closer); ok {
		return c.Close()
	}
	return nil
}
