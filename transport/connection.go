// Package transport implements the Connection: one persistent control stream plus
// single-use named ephemeral channels for payloads.
//
// The control stream carries small tagged records in send order. Every argument, result
// and event payload travels on its own channel, bound by the receiver and dialed by the
// sender, so unrelated in-flight calls never head-of-line-block each other:
//
//	caller ──RunMethod──────────────→ control ──→ callee (single read loop)
//	caller ──arg 0──→ {h}_{m}_{c}_0 ────────────→ callee
//	caller ←──────── {h}_{m}_{c}_out ←──outcome── callee
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stubrpc/codec"
	"stubrpc/message"
	"stubrpc/protocol"
	"stubrpc/rpcerr"
)

// Role decides which side of the control stream dials.
type Role uint8

const (
	Initiator Role = iota // connects to a named endpoint
	Acceptor              // binds the name once and accepts at most one peer
)

func (r Role) String() string {
	if r == Acceptor {
		return "acceptor"
	}
	return "initiator"
}

// ControlHandler receives control messages in the order the peer sent them. It runs on the
// read loop goroutine, so it must not block on the peer.
type ControlHandler func(msg *message.Message)

// Connection is one end of a point-to-point link.
type Connection struct {
	role Role
	opts options
	cdc  codec.Codec
	log  *zap.Logger

	mu        sync.Mutex
	name      string
	conn      net.Conn
	listener  net.Listener
	onControl ControlHandler
	onError   []func(error)

	initialized atomic.Bool
	closed      atomic.Bool
	ready       chan struct{} // closed once a peer is attached
	done        chan struct{} // closed when the control stream ends
	finishOnce  sync.Once
	err         error // why the control stream ended, valid after done

	sending sync.Mutex // serializes frame writes on the control stream
	seq     uint32     // protected by sending
}

// New creates an unconnected Connection. Register handlers before Initialize.
func New(role Role, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cdc, err := codec.GetCodec(o.codec)
	if err != nil {
		cdc = &codec.JSONCodec{}
		o.codec = codec.CodecTypeJSON
	}
	return &Connection{
		role:  role,
		opts:  o,
		cdc:   cdc,
		log:   o.logger.With(zap.Stringer("role", role)),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// OnControl sets the handler for inbound control messages.
func (c *Connection) OnControl(h ControlHandler) {
	c.mu.Lock()
	c.onControl = h
	c.mu.Unlock()
}

// OnError subscribes to faults that are not tied to any one call (ExceptionOccurred).
func (c *Connection) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

// Report forwards err to every OnError subscriber.
func (c *Connection) Report(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	handlers := slices.Clone(c.onError)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.log.Warn("unhandled connection error", zap.Error(err))
		return
	}
	for _, h := range handlers {
		h(err)
	}
}

// Name returns the control channel name passed to Initialize.
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Timeout returns the connect/accept bound applied to ephemeral channels.
func (c *Connection) Timeout() time.Duration { return c.opts.timeout }

// Initialize opens the control stream under name. An initiator dials until the acceptor is
// bound or the timeout expires. An acceptor binds and returns immediately; the first peer to
// connect is attached and the listener is closed.
func (c *Connection) Initialize(ctx context.Context, name string) error {
	if c.closed.Load() {
		return rpcerr.Connection("initialize", net.ErrClosed)
	}
	if !c.initialized.CompareAndSwap(false, true) {
		return rpcerr.Connection("initialize", errors.New("already initialized"))
	}
	c.mu.Lock()
	c.name = name
	c.log = c.log.With(zap.String("channel", name))
	c.mu.Unlock()

	if c.role == Acceptor {
		ln, err := c.opts.network.Listen(name)
		if err != nil {
			return rpcerr.Connection("listen", err)
		}
		c.mu.Lock()
		c.listener = ln
		c.mu.Unlock()
		go c.acceptOnce(ln)
		c.log.Debug("control endpoint bound")
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	conn, err := dialRetry(dctx, c.opts.network, name)
	if err != nil {
		if ctx.Err() != nil {
			err = rpcerr.Canceled("connect", ctx.Err())
		} else {
			err = rpcerr.Connection("connect", err)
		}
		// The error is returned to the caller, so it is not reported a second time.
		c.end(err, false)
		return err
	}
	c.attach(conn)
	c.log.Debug("control stream connected")
	return nil
}

func (c *Connection) acceptOnce(ln net.Listener) {
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		if !c.closed.Load() {
			c.Report(rpcerr.Connection("accept", err))
		}
		c.end(rpcerr.Connection("accept", err), false)
		return
	}
	c.attach(conn)
	c.log.Debug("peer attached")
}

func (c *Connection) attach(conn net.Conn) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	close(c.ready)

	go c.readLoop(conn)
	if c.opts.heartbeat > 0 {
		go c.heartbeatLoop(conn, c.opts.heartbeat)
	}
}

// waitReady blocks until a peer is attached, bounded by ctx and the connection timeout.
func (c *Connection) waitReady(ctx context.Context) (net.Conn, error) {
	select {
	case <-c.ready:
	default:
		if !c.initialized.Load() {
			return nil, rpcerr.Connection("send_control", errors.New("not initialized"))
		}
		timer := time.NewTimer(c.opts.timeout)
		defer timer.Stop()
		select {
		case <-c.ready:
		case <-c.done:
			return nil, c.doneErr("send_control")
		case <-ctx.Done():
			return nil, rpcerr.Canceled("send_control", ctx.Err())
		case <-timer.C:
			return nil, rpcerr.Connection("send_control", fmt.Errorf("no peer connected within %s", c.opts.timeout))
		}
	}
	select {
	case <-c.done:
		return nil, c.doneErr("send_control")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, nil
}

// SendControl writes one control message. Frames are written under a lock so concurrent
// senders never interleave.
func (c *Connection) SendControl(ctx context.Context, msg *message.Message) error {
	if c.closed.Load() {
		return rpcerr.Connection("send_control", net.ErrClosed)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	conn, err := c.waitReady(ctx)
	if err != nil {
		return err
	}

	body, err := c.cdc.Encode(msg)
	if err != nil {
		return rpcerr.Protocol("send_control", err.Error())
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	c.seq++
	header := protocol.Header{
		CodecType: byte(c.opts.codec),
		MsgType:   protocol.MsgTypeControl,
		Seq:       c.seq,
	}
	deadline := time.Now().Add(c.opts.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetWriteDeadline(deadline)
	err = protocol.Encode(conn, &header, body)
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return rpcerr.Connection("send_control", err)
	}
	c.log.Debug("control sent", zap.Stringer("msg", msg), zap.Uint32("seq", header.Seq))
	return nil
}

// readLoop runs in a dedicated goroutine. Reads must be sequential to parse frame
// boundaries, and dispatching inline preserves the peer's send order.
func (c *Connection) readLoop(conn net.Conn) {
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			c.finish(err)
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeControl:
		default:
			c.Report(rpcerr.Protocol("read_control", "unexpected "+header.MsgType.String()+" frame on control stream"))
			continue
		}

		cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err != nil {
			c.Report(rpcerr.Protocol("read_control", err.Error()))
			continue
		}
		msg := &message.Message{}
		if err := cdc.Decode(body, msg); err != nil {
			c.Report(rpcerr.Protocol("read_control", err.Error()))
			continue
		}
		if err := msg.Validate(); err != nil {
			c.Report(err)
			continue
		}

		c.mu.Lock()
		handler := c.onControl
		c.mu.Unlock()
		if handler == nil {
			c.log.Debug("control message dropped, no handler", zap.Stringer("msg", msg))
			continue
		}
		handler(msg)
	}
}

// heartbeatLoop sends periodic heartbeat frames so a dead peer is noticed on the next write.
func (c *Connection) heartbeatLoop(conn net.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		c.sending.Lock()
		conn.SetWriteDeadline(time.Now().Add(c.opts.timeout))
		err := protocol.Encode(conn, header, nil)
		conn.SetWriteDeadline(time.Time{})
		c.sending.Unlock()
		if err != nil {
			c.finish(err)
			return
		}
	}
}

// finish ends the control stream once. A peer hanging up is a normal end and is only
// logged; any other fault is reported to OnError subscribers.
func (c *Connection) finish(cause error) { c.end(cause, true) }

func (c *Connection) end(cause error, report bool) {
	c.finishOnce.Do(func() {
		switch {
		case c.closed.Load():
			c.err = rpcerr.Connection("closed", net.ErrClosed)
		case errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) || errors.Is(cause, io.ErrClosedPipe):
			c.err = rpcerr.Connection("read_control", fmt.Errorf("peer closed the connection: %w", cause))
			c.log.Debug("peer closed the control stream")
		default:
			if rpcerr.KindOf(cause) == rpcerr.KindUnknown {
				cause = rpcerr.Connection("read_control", cause)
			}
			c.err = cause
			if report {
				c.Report(cause)
			}
		}
		close(c.done)

		c.mu.Lock()
		conn, ln := c.conn, c.listener
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if ln != nil {
			ln.Close()
		}
	})
}

// Done is closed when the control stream has ended, for any reason.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the control stream ended, or nil while it is live.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) doneErr(op string) error {
	if err := c.Err(); err != nil {
		return err
	}
	return rpcerr.Connection(op, net.ErrClosed)
}

// Close tears down the control stream. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closed.Store(true)
	c.finish(nil)
	return nil
}
