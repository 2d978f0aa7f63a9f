// Package message defines the control-channel vocabulary exchanged between caller and callee.
//
// Message is the "envelope" for every control record. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over the control stream. Argument values,
// results and event payloads never travel in a Message: they move on single-use ephemeral
// channels whose names are derived from the Message fields (see channel.go).
package message

import (
	"fmt"

	"github.com/google/uuid"

	"stubrpc/rpcerr"
)

// Kind tags a control record.
type Kind uint8

const (
	KindCreateObject  Kind = 1 // caller → callee: construct typeName under handle
	KindObjectCreated Kind = 2 // callee → caller: handle is ready
	KindLoadAssembly  Kind = 3 // caller → callee: append module at path to the search list
	KindRunMethod     Kind = 4 // caller → callee: invoke methodName on handle
	KindCancelMethod  Kind = 5 // caller → callee: best-effort cancel of callID
	KindRaiseEvent    Kind = 6 // callee → caller: eventName fired on handle
	KindException     Kind = 7 // either direction: a fault not tied to one call's outcome
	KindText          Kind = 8 // either direction: free text, e.g. "stop"
	KindGetTypes      Kind = 9 // caller → callee: list constructible types
)

var kindNames = map[Kind]string{
	KindCreateObject:  "create_object",
	KindObjectCreated: "object_created",
	KindLoadAssembly:  "load_assembly",
	KindRunMethod:     "run_method",
	KindCancelMethod:  "cancel_method",
	KindRaiseEvent:    "raise_event",
	KindException:     "exception",
	KindText:          "text",
	KindGetTypes:      "get_types",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// StopText is the Text value that asks a worker to shut down.
const StopText = "stop"

// Message carries one control record. Which fields are meaningful depends on Kind:
//
//   - CreateObject:  Handle, Name (type name)
//   - ObjectCreated: Handle
//   - LoadAssembly:  Path
//   - RunMethod:     Handle, CallID, Name (method name)
//   - CancelMethod:  Handle, CallID, Name (method name)
//   - RaiseEvent:    Handle, CallID (event id), Name (event name)
//   - Exception:     Text (message), Stack; Handle when the fault belongs to one object
//   - Text:          Text
//   - GetTypes:      CallID
type Message struct {
	Kind   Kind      `json:"kind"`
	Handle uuid.UUID `json:"handle,omitempty"`
	CallID uuid.UUID `json:"callId,omitempty"`
	Name   string    `json:"name,omitempty"`
	Path   string    `json:"path,omitempty"`
	Text   string    `json:"text,omitempty"`
	Stack  string    `json:"stack,omitempty"`
}

func CreateObject(handle uuid.UUID, typeName string) *Message {
	return &Message{Kind: KindCreateObject, Handle: handle, Name: typeName}
}

func ObjectCreated(handle uuid.UUID) *Message {
	return &Message{Kind: KindObjectCreated, Handle: handle}
}

func LoadAssembly(path string) *Message {
	return &Message{Kind: KindLoadAssembly, Path: path}
}

func RunMethod(handle, callID uuid.UUID, method string) *Message {
	return &Message{Kind: KindRunMethod, Handle: handle, CallID: callID, Name: method}
}

func CancelMethod(handle, callID uuid.UUID, method string) *Message {
	return &Message{Kind: KindCancelMethod, Handle: handle, CallID: callID, Name: method}
}

func RaiseEvent(handle, eventID uuid.UUID, event string) *Message {
	return &Message{Kind: KindRaiseEvent, Handle: handle, CallID: eventID, Name: event}
}

func Exception(text, stack string) *Message {
	return &Message{Kind: KindException, Text: text, Stack: stack}
}

// ObjectException reports a fault that belongs to the object named by handle.
func ObjectException(handle uuid.UUID, text, stack string) *Message {
	return &Message{Kind: KindException, Handle: handle, Text: text, Stack: stack}
}

func Text(value string) *Message {
	return &Message{Kind: KindText, Text: value}
}

func GetTypes(callID uuid.UUID) *Message {
	return &Message{Kind: KindGetTypes, CallID: callID}
}

// Validate checks that the fields required by Kind are present.
func (m *Message) Validate() error {
	if m == nil {
		return rpcerr.Protocol("validate", "nil message")
	}
	missing := func(field string) error {
		return rpcerr.Protocol("validate", fmt.Sprintf("%s: missing %s", m.Kind, field))
	}
	switch m.Kind {
	case KindCreateObject:
		if m.Handle == uuid.Nil {
			return missing("handle")
		}
		if m.Name == "" {
			return missing("type name")
		}
	case KindObjectCreated:
		if m.Handle == uuid.Nil {
			return missing("handle")
		}
	case KindLoadAssembly:
		if m.Path == "" {
			return missing("path")
		}
	case KindRunMethod, KindCancelMethod, KindRaiseEvent:
		if m.Handle == uuid.Nil {
			return missing("handle")
		}
		if m.CallID == uuid.Nil {
			return missing("correlation id")
		}
		if m.Name == "" {
			return missing("name")
		}
	case KindGetTypes:
		if m.CallID == uuid.Nil {
			return missing("correlation id")
		}
	case KindException, KindText:
	default:
		return rpcerr.Protocol("validate", fmt.Sprintf("unknown message kind %d", uint8(m.Kind)))
	}
	return nil
}

func (m *Message) String() string {
	switch m.Kind {
	case KindCreateObject:
		return fmt.Sprintf("%s{handle=%s type=%s}", m.Kind, m.Handle, m.Name)
	case KindObjectCreated:
		return fmt.Sprintf("%s{handle=%s}", m.Kind, m.Handle)
	case KindLoadAssembly:
		return fmt.Sprintf("%s{path=%s}", m.Kind, m.Path)
	case KindRunMethod, KindCancelMethod:
		return fmt.Sprintf("%s{handle=%s call=%s method=%s}", m.Kind, m.Handle, m.CallID, m.Name)
	case KindRaiseEvent:
		return fmt.Sprintf("%s{handle=%s event=%s id=%s}", m.Kind, m.Handle, m.Name, m.CallID)
	case KindException:
		return fmt.Sprintf("%s{%s}", m.Kind, m.Text)
	case KindText:
		return fmt.Sprintf("%s{%q}", m.Kind, m.Text)
	case KindGetTypes:
		return fmt.Sprintf("%s{call=%s}", m.Kind, m.CallID)
	default:
		return m.Kind.String()
	}
}
