package stub

import "reflect"

// SenderArgs is an event payload that names the object which raised it. A callee server
// configured for sender suppression strips Sender when it is the callee instance itself, so
// the instance reference never crosses the process boundary.
type SenderArgs[T any] struct {
	Sender any `json:"sender,omitempty"`
	Value  T   `json:"value"`
}

// SenderCarrier is implemented by every SenderArgs.
type SenderCarrier interface {
	WithoutSender(self any) any
}

// WithoutSender returns a copy with Sender cleared if it refers to self.
func (a SenderArgs[T]) WithoutSender(self any) any {
	if sameObject(a.Sender, self) {
		a.Sender = nil
	}
	return a
}

func sameObject(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() {
		return false
	}
	if va.Kind() == reflect.Pointer {
		return va.Pointer() == vb.Pointer()
	}
	return va.Comparable() && va.Equal(vb)
}
