package message

import (
	"encoding/json"
	"errors"

	"stubrpc/rpcerr"
)

// Outcome is the payload written to a call's out channel. Exactly one of Value and Fault
// is meaningful: a nil Fault means the call completed, and Value holds the JSON result
// (absent for void methods).
type Outcome struct {
	Value json.RawMessage `json:"value,omitempty"`
	Fault *Fault          `json:"fault,omitempty"`
}

// Fault is the minimal serializable form of an error raised while handling a call.
type Fault struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Success builds a completed outcome from an already-encoded value.
func Success(value json.RawMessage) *Outcome {
	return &Outcome{Value: value}
}

// Failure downgrades err into a Fault. Errors from the rpcerr taxonomy keep their kind,
// anything else is reported as a remote invocation error.
func Failure(err error) *Outcome {
	return &Outcome{Fault: FaultOf(err)}
}

func FaultOf(err error) *Fault {
	f := &Fault{Kind: rpcerr.KindRemote.String(), Message: err.Error()}
	var e *rpcerr.Error
	if errors.As(err, &e) {
		f.Kind = e.Kind.String()
		if e.Stack != "" {
			f.Stack = e.Stack
		}
		if e.Kind == rpcerr.KindRemote || e.Kind == rpcerr.KindProtocol {
			f.Message = e.Message
		}
	}
	return f
}

// Err converts the fault back into the rpcerr taxonomy on the receiving side.
func (f *Fault) Err() error {
	if f == nil {
		return nil
	}
	switch rpcerr.ParseKind(f.Kind) {
	case rpcerr.KindProtocol:
		return rpcerr.Protocol("remote", f.Message)
	case rpcerr.KindCanceled:
		return rpcerr.Canceled("remote", errors.New(f.Message))
	case rpcerr.KindConnection:
		return rpcerr.Connection("remote", errors.New(f.Message))
	default:
		return rpcerr.Remote(f.Message, f.Stack)
	}
}
