package client

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"stubrpc/message"
	"stubrpc/rpcerr"
	"stubrpc/stub"
	"stubrpc/transport"
)

type inboundEvent struct {
	msg     *message.Message
	source  stub.Source
	pending *transport.Pending
}

// eventQueue delivers inbound events one at a time in the order the callee raised them.
// The payload channel is bound on the read loop, so the callee never waits on a slow
// subscriber to connect.
type eventQueue struct {
	p *Proxy

	mu     sync.Mutex
	queue  []*inboundEvent
	wake   chan struct{}
	closed bool
}

func newEventQueue(p *Proxy) *eventQueue {
	return &eventQueue{p: p, wake: make(chan struct{}, 1)}
}

// push runs on the read loop.
func (q *eventQueue) push(msg *message.Message) {
	p := q.p
	stubPtr, ok := p.factory.Lookup(msg.Handle)
	if !ok {
		p.report(rpcerr.Protocol("raise_event", fmt.Sprintf("%s for unknown handle %s", msg.Name, msg.Handle)))
		return
	}
	src, ok := stub.EventByName(stubPtr, msg.Name)
	if !ok {
		p.report(rpcerr.Protocol("raise_event", fmt.Sprintf("%T has no event %q", stubPtr, msg.Name)))
		return
	}
	conn := p.conn.Load()
	pending, err := conn.Expect(message.EventChannel(msg.Handle, msg.Name, msg.CallID))
	if err != nil {
		p.report(err)
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		pending.Close()
		return
	}
	q.queue = append(q.queue, &inboundEvent{msg: msg, source: src, pending: pending})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(done <-chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-done:
				q.close()
				return
			}
		}
		ev := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()
		q.deliver(ev)
	}
}

func (q *eventQueue) deliver(ev *inboundEvent) {
	p := q.p
	defer ev.pending.Close()
	defer func() {
		if r := recover(); r != nil {
			p.report(fmt.Errorf("event %s: subscriber panicked: %v\n%s", ev.msg.Name, r, debug.Stack()))
		}
	}()

	conn := p.conn.Load()
	ctx, cancel := context.WithTimeout(context.Background(), conn.Timeout())
	defer cancel()
	body, err := ev.pending.Wait(ctx)
	if err != nil {
		p.report(fmt.Errorf("event %s: %w", ev.msg.Name, err))
		return
	}
	v := reflect.New(ev.source.PayloadType())
	if err := json.Unmarshal(body, v.Interface()); err != nil {
		p.report(rpcerr.Protocol("raise_event", fmt.Sprintf("%s payload: %v", ev.msg.Name, err)))
		return
	}
	if err := ev.source.RaiseValue(v.Elem().Interface()); err != nil {
		p.report(rpcerr.Protocol("raise_event", err.Error()))
		return
	}
	p.log.Debug("event delivered", zap.Stringer("handle", ev.msg.Handle), zap.String("event", ev.msg.Name))
}

func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	rest := q.queue
	q.queue = nil
	q.mu.Unlock()
	for _, ev := range rest {
		ev.pending.Close()
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
