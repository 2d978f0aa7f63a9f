package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Network maps a logical channel name onto a point-to-point endpoint. Listen binds the
// name; Dial connects to it. Both sides derive the endpoint from the name alone.
type Network interface {
	Listen(name string) (net.Listener, error)
	Dial(ctx context.Context, name string) (net.Conn, error)
}

// UnixNetwork places one unix domain socket per channel name in Dir.
type UnixNetwork struct {
	Dir string
}

// DefaultNetwork returns a UnixNetwork rooted in the system temp directory.
func DefaultNetwork() UnixNetwork {
	return UnixNetwork{Dir: os.TempDir()}
}

// Path returns the socket file for name. Channel names are longer than sun_path allows,
// so the file name is a truncated digest of the channel name.
func (n UnixNetwork) Path(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(n.Dir, hex.EncodeToString(sum[:12])+".sock")
}

func (n UnixNetwork) Listen(name string) (net.Listener, error) {
	path := n.Path(name)
	ln, err := net.Listen("unix", path)
	if err == nil {
		return ln, nil
	}
	// A socket file left behind by a crashed process blocks the bind. Remove it only when
	// nothing answers on it.
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}
	if c, dialErr := net.Dial("unix", path); dialErr == nil {
		c.Close()
		return nil, fmt.Errorf("listen %s: endpoint in use: %w", name, err)
	}
	if rmErr := os.Remove(path); rmErr != nil {
		return nil, err
	}
	return net.Listen("unix", path)
}

func (n UnixNetwork) Dial(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", n.Path(name))
}

// ErrNoListener is returned by MemoryNetwork.Dial when nothing is bound to the name.
var ErrNoListener = errors.New("transport: no listener bound to name")

// MemoryNetwork is an in-process Network built on net.Pipe. Frames still go through the
// real protocol code; only the sockets are replaced.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memListener)}
}

func (n *MemoryNetwork) Listen(name string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[name]; ok {
		return nil, fmt.Errorf("listen %s: endpoint in use", name)
	}
	l := &memListener{
		name:   name,
		net:    n,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	n.listeners[name] = l
	return l, nil
}

func (n *MemoryNetwork) Dial(ctx context.Context, name string) (net.Conn, error) {
	n.mu.Lock()
	l := n.listeners[name]
	n.mu.Unlock()
	if l == nil {
		return nil, &net.OpError{Op: "dial", Net: "memory", Addr: memAddr(name), Err: ErrNoListener}
	}

	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.closed:
		local.Close()
		remote.Close()
		return nil, &net.OpError{Op: "dial", Net: "memory", Addr: memAddr(name), Err: ErrNoListener}
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// Bound reports whether name currently has a listener. Used by tests to observe endpoint cleanup.
func (n *MemoryNetwork) Bound(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.listeners[name]
	return ok
}

func (n *MemoryNetwork) remove(name string, l *memListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[name] == l {
		delete(n.listeners, name)
	}
}

type memListener struct {
	name      string
	net       *MemoryNetwork
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.net.remove(l.name, l)
	})
	return nil
}

func (l *memListener) Addr() net.Addr { return memAddr(l.name) }

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string  { return string(a) }
