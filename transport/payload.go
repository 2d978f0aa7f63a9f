package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"stubrpc/codec"
	"stubrpc/protocol"
	"stubrpc/rpcerr"
)

var payloadCodec = &codec.JSONCodec{}

// SendPayload dials the ephemeral channel, writes v as the single payload frame, and closes.
// The dial is retried until the receiver binds, bounded by ctx and the connection timeout.
func (c *Connection) SendPayload(ctx context.Context, channel string, v any) error {
	body, err := payloadCodec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", channel, err)
	}
	return c.SendRaw(ctx, channel, body)
}

// SendRaw is SendPayload for a value that is already JSON encoded.
func (c *Connection) SendRaw(ctx context.Context, channel string, body []byte) error {
	sctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()

	conn, err := dialRetry(sctx, c.opts.network, channel)
	if err != nil {
		if ctx.Err() != nil {
			return rpcerr.Canceled("send_payload", ctx.Err())
		}
		return rpcerr.Connection("send_payload", err)
	}
	defer conn.Close()

	if dl, ok := sctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	header := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypePayload}
	if err := protocol.Encode(conn, &header, body); err != nil {
		return rpcerr.Connection("send_payload", err)
	}
	c.log.Debug("payload sent", zap.String("payload_channel", channel), zap.Int("bytes", len(body)))
	return nil
}

// Pending is a bound ephemeral channel waiting for its one payload.
type Pending struct {
	channel string
	ln      net.Listener
	conn    *Connection

	done      chan struct{}
	body      []byte
	err       error
	closeOnce sync.Once
}

// Expect binds the ephemeral channel now and returns a handle to wait on later. Binding
// before the peer is told about the channel means the sender never has to retry.
func (c *Connection) Expect(channel string) (*Pending, error) {
	ln, err := c.opts.network.Listen(channel)
	if err != nil {
		return nil, rpcerr.Connection("bind_payload", err)
	}
	p := &Pending{channel: channel, ln: ln, conn: c, done: make(chan struct{})}
	go p.run()
	return p, nil
}

func (p *Pending) run() {
	defer close(p.done)
	conn, err := p.ln.Accept()
	p.ln.Close()
	if err != nil {
		p.err = err
		return
	}
	defer conn.Close()

	// The sender writes right after connecting; a silent peer must not pin this goroutine.
	conn.SetReadDeadline(time.Now().Add(p.conn.opts.timeout))
	header, body, err := protocol.Decode(conn)
	if err != nil {
		p.err = err
		return
	}
	if header.MsgType != protocol.MsgTypePayload {
		p.err = rpcerr.Protocol("receive_payload", "unexpected "+header.MsgType.String()+" frame on "+p.channel)
		return
	}
	p.body = body
}

// Wait blocks until the payload arrives, ctx ends, or the control stream goes away. It does
// not apply the connection timeout; ReceivePayload does.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Close()
		return nil, rpcerr.Canceled("receive_payload", ctx.Err())
	case <-p.conn.done:
		p.Close()
		return nil, p.conn.doneErr("receive_payload")
	}
	if p.err != nil {
		if rpcerr.KindOf(p.err) != rpcerr.KindUnknown {
			return nil, p.err
		}
		return nil, rpcerr.Connection("receive_payload", p.err)
	}
	p.conn.log.Debug("payload received", zap.String("payload_channel", p.channel), zap.Int("bytes", len(p.body)))
	return p.body, nil
}

// Channel returns the bound channel name.
func (p *Pending) Channel() string { return p.channel }

// Close releases the endpoint. It is safe to call after the payload arrived.
func (p *Pending) Close() error {
	p.closeOnce.Do(func() { p.ln.Close() })
	return nil
}

// ReceivePayload binds the ephemeral channel and waits for one payload, bounded by the
// connection timeout (default 5s).
func (c *Connection) ReceivePayload(ctx context.Context, channel string) ([]byte, error) {
	p, err := c.Expect(channel)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	rctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	body, err := p.Wait(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, rpcerr.Connection("receive_payload", fmt.Errorf("no sender on %s within %s", channel, c.opts.timeout))
	}
	return body, err
}

// Receive reads one payload from channel and decodes it as T.
func Receive[T any](ctx context.Context, c *Connection, channel string) (T, error) {
	var v T
	body, err := c.ReceivePayload(ctx, channel)
	if err != nil {
		return v, err
	}
	if err := payloadCodec.Decode(body, &v); err != nil {
		return v, rpcerr.Protocol("receive_payload", fmt.Sprintf("decode %s: %v", channel, err))
	}
	return v, nil
}
