package client

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// CallState is the lifecycle of one remote invocation.
type CallState int32

const (
	StateCreated CallState = iota
	StateArgsSent
	StateAwaitingResult
	StateCompleted
	StateFaulted
	StateCanceled
)

var callStateNames = [...]string{"created", "args_sent", "awaiting_result", "completed", "faulted", "canceled"}

func (s CallState) String() string {
	if int(s) < len(callStateNames) {
		return callStateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s ends the call.
func (s CallState) Terminal() bool { return s >= StateCompleted }

// CallEvent describes one state transition.
type CallEvent struct {
	CallID uuid.UUID
	Handle uuid.UUID
	Method string
	State  CallState
}

type callTracker struct {
	id       uuid.UUID
	handle   uuid.UUID
	method   string
	state    atomic.Int32
	observer func(CallEvent)
}

func newCallTracker(handle uuid.UUID, method string, observer func(CallEvent)) *callTracker {
	c := &callTracker{id: uuid.New(), handle: handle, method: method, observer: observer}
	c.notify(StateCreated)
	return c
}

func (c *callTracker) State() CallState { return CallState(c.state.Load()) }

// advance moves from one non-terminal state to the next.
func (c *callTracker) advance(from, to CallState) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.notify(to)
	return true
}

// finish records the terminal state. Only the first call succeeds.
func (c *callTracker) finish(to CallState) bool {
	for {
		cur := c.state.Load()
		if CallState(cur).Terminal() {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			c.notify(to)
			return true
		}
	}
}

func (c *callTracker) notify(s CallState) {
	if c.observer != nil {
		c.observer(CallEvent{CallID: c.id, Handle: c.handle, Method: c.method, State: s})
	}
}
