package stub

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// TagName is the struct tag that overrides a member's wire name.
const TagName = "stub"

type resultKind uint8

const (
	resultNone       resultKind = iota // func(...)
	resultValue                        // func(...) T
	resultError                        // func(...) error
	resultValueError                   // func(...) (T, error)
	resultFuture                       // func(...) *Future[T]
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	sourceType  = reflect.TypeFor[Source]()
	futureType  = reflect.TypeFor[future]()
)

// member is one parsed contract field.
type member struct {
	index   int
	name    string
	fn      reflect.Type
	hasCtx  bool
	args    []reflect.Type
	result  resultKind
	value   reflect.Type // T for resultValue, resultValueError, resultFuture
	payload reflect.Type // event payload type
}

type contract struct {
	typ     reflect.Type
	methods []*member
	events  []*member
}

var contracts sync.Map // reflect.Type → *contract

// contractOf parses and caches the member table of a contract struct type.
// Every exported field must be a supported method shape or an Event; anything else is
// rejected here so no unsupported member survives to call time.
func contractOf(t reflect.Type) (*contract, error) {
	if c, ok := contracts.Load(t); ok {
		return c.(*contract), nil
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("stub: contract must be a struct, got %s", t)
	}

	c := &contract{typ: t}
	type seenField struct {
		field string
		event bool
	}
	seen := make(map[string]seenField)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous {
			return nil, fmt.Errorf("stub: %s.%s: embedded fields are not supported", t.Name(), f.Name)
		}
		if !f.IsExported() {
			return nil, fmt.Errorf("stub: %s.%s: unexported field cannot be generated", t.Name(), f.Name)
		}
		name := memberName(f)
		isEvent := reflect.PointerTo(f.Type).Implements(sourceType)
		// Several method fields may view one remote method (sync and async, with and
		// without ctx); an event name must be unique.
		if prev, ok := seen[name]; !ok {
			seen[name] = seenField{field: f.Name, event: isEvent}
		} else if isEvent || prev.event {
			return nil, fmt.Errorf("stub: %s: fields %s and %s share member name %q", t.Name(), prev.field, f.Name, name)
		}

		if isEvent {
			src := reflect.New(f.Type).Interface().(Source)
			c.events = append(c.events, &member{index: i, name: name, payload: src.PayloadType()})
			continue
		}
		if f.Type.Kind() != reflect.Func {
			return nil, fmt.Errorf("stub: %s.%s: %s is neither a func nor an Event", t.Name(), f.Name, f.Type)
		}
		m, err := parseMethod(f.Type)
		if err != nil {
			return nil, fmt.Errorf("stub: %s.%s: %w", t.Name(), f.Name, err)
		}
		m.index = i
		m.name = name
		c.methods = append(c.methods, m)
	}

	actual, _ := contracts.LoadOrStore(t, c)
	return actual.(*contract), nil
}

func memberName(f reflect.StructField) string {
	if tag := f.Tag.Get(TagName); tag != "" {
		return tag
	}
	return f.Name
}

func parseMethod(fn reflect.Type) (*member, error) {
	if fn.IsVariadic() {
		return nil, fmt.Errorf("variadic method %s is not supported", fn)
	}
	m := &member{fn: fn}
	for i := 0; i < fn.NumIn(); i++ {
		p := fn.In(i)
		if p == contextType {
			if i != 0 {
				return nil, fmt.Errorf("context.Context must be the first parameter of %s", fn)
			}
			m.hasCtx = true
			continue
		}
		if err := transferable(p); err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		m.args = append(m.args, p)
	}

	switch fn.NumOut() {
	case 0:
		m.result = resultNone
	case 1:
		out := fn.Out(0)
		switch {
		case out == errorType:
			m.result = resultError
		case IsFuture(out):
			m.result = resultFuture
			m.value = reflect.New(out.Elem()).Interface().(future).valueType()
		default:
			if err := transferable(out); err != nil {
				return nil, fmt.Errorf("result: %w", err)
			}
			m.result = resultValue
			m.value = out
		}
	case 2:
		if fn.Out(1) != errorType {
			return nil, fmt.Errorf("second result of %s must be error", fn)
		}
		if IsFuture(fn.Out(0)) {
			return nil, fmt.Errorf("a Future result cannot be paired with error in %s", fn)
		}
		if err := transferable(fn.Out(0)); err != nil {
			return nil, fmt.Errorf("result: %w", err)
		}
		m.result = resultValueError
		m.value = fn.Out(0)
	default:
		return nil, fmt.Errorf("%s has %d results, at most (T, error) is supported", fn, fn.NumOut())
	}
	return m, nil
}

// transferable rejects types that cannot be moved across a process boundary.
func transferable(t reflect.Type) error {
	return transferableIn(t, make(map[reflect.Type]bool))
}

// transferableIn tracks visited types so recursive types like `type Tree []Tree` terminate.
func transferableIn(t reflect.Type, visited map[reflect.Type]bool) error {
	if visited[t] {
		return nil
	}
	visited[t] = true
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Uintptr:
		return fmt.Errorf("type %s cannot be transferred", t)
	case reflect.Interface:
		if t.NumMethod() > 0 && t != errorType {
			return fmt.Errorf("interface type %s cannot be decoded by the callee", t)
		}
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return transferableIn(t.Elem(), visited)
	case reflect.Map:
		if err := transferableIn(t.Key(), visited); err != nil {
			return err
		}
		return transferableIn(t.Elem(), visited)
	}
	if t == contextType {
		return fmt.Errorf("context.Context is only allowed as the first parameter")
	}
	return nil
}

// IsFuture reports whether t is a *Future[T].
func IsFuture(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer && t.Implements(futureType)
}

// Validate reports whether the struct type behind contractPtr can be generated.
func Validate(contractPtr any) error {
	t := reflect.TypeOf(contractPtr)
	if t == nil || t.Kind() != reflect.Pointer {
		return fmt.Errorf("stub: contract must be a pointer to a struct, got %T", contractPtr)
	}
	_, err := contractOf(t.Elem())
	return err
}
