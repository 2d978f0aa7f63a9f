package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	initialDialDelay = 5 * time.Millisecond
	maxDialDelay     = 200 * time.Millisecond
)

// dialRetry keeps dialing name with exponential backoff until it connects or ctx ends.
// The acceptor side of any channel may not have bound yet when the initiator starts.
func dialRetry(ctx context.Context, network Network, name string) (net.Conn, error) {
	delay := initialDialDelay
	for {
		conn, err := network.Dial(ctx, name)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w (last error: %v)", name, ctx.Err(), err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial %s: %w (last error: %v)", name, ctx.Err(), err)
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDialDelay {
			delay = maxDialDelay
		}
	}
}
