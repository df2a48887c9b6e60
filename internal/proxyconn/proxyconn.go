// Package proxyconn implements the per-pair proxy connection state machine:
// client fd <-> backend fd, half-close, pending-write buffering and idle
// tracking.
package proxyconn

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mati1mati1/load-balancer/internal/pool"
)

// State is the connection's position in the Init -> Connecting -> Active ->
// HalfClosed -> Closing -> Gone lifecycle from SPEC_FULL.md §4.4.
// StateHalfClosed is declared but never entered: OnClose takes the pair from
// StateClosing straight to StateGone, closing both legs at once.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateActive
	StateHalfClosed
	StateClosing
	StateGone
)

const readBufSize = 8192

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, readBufSize)
		return &b
	},
}

// Conn is a single client<->backend proxied pair. All methods are called
// from the single reactor goroutine; none of Conn's own state is otherwise
// synchronized.
type Conn struct {
	ClientFd int
	BackendFd int
	Backend  pool.Endpoint

	connected bool
	state     State

	pendingWrites map[int][]byte
	lastActivity  time.Time
}

// New creates a Conn in StateInit for the accepted clientFd, targeting
// backend. ConnectToBackend must be called before any I/O callback.
func New(clientFd int, backend pool.Endpoint) *Conn {
	return &Conn{
		ClientFd:      clientFd,
		BackendFd:     -1,
		Backend:       backend,
		state:         StateInit,
		pendingWrites: make(map[int][]byte),
		lastActivity:  time.Now(),
	}
}

// Connected reports whether the backend leg has finished connecting.
func (c *Conn) Connected() bool { return c.connected }

// CurrentState returns the current lifecycle state.
func (c *Conn) CurrentState() State { return c.state }

// SetConnected marks the backend leg Active. Called by the reactor once it
// observes the async connect's SO_ERROR==0.
func (c *Conn) SetConnected(v bool) {
	c.connected = v
	if v {
		c.state = StateActive
	}
}

// ConnectToBackend opens a non-blocking socket to c.Backend. EINPROGRESS
// leaves the connection in StateConnecting (the reactor will learn the
// outcome from the backend fd's writability); immediate success marks it
// Active; any other error closes the backend fd and returns the error.
func (c *Conn) ConnectToBackend() error {
	if c.connected {
		return nil
	}

	fd, err := dial(c.Backend)
	if err == errInProgress {
		c.BackendFd = fd
		c.state = StateConnecting
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "connect to backend")
	}

	c.BackendFd = fd
	c.connected = true
	c.state = StateActive
	return nil
}

// OnReadable drains one up-to-8KiB read from fd and forwards it to the other
// leg. EAGAIN/EWOULDBLOCK is a no-op (edge-triggered notifiers require the
// caller to keep calling until this happens); a zero-length read is a peer
// EOF and closes both legs per the half-close simplification documented in
// SPEC_FULL.md §4.4/§9; a short write buffers the remainder in
// pendingWrites[otherFd].
func (c *Conn) OnReadable(fd int) {
	c.refreshActivity()

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.OnClose(fd)
		return
	}
	if n == 0 {
		c.OnClose(fd)
		return
	}

	other := c.otherFd(fd)
	if other < 0 {
		return
	}
	// Older bytes are still queued for other: queue behind them so the
	// byte stream is never reordered.
	if c.HasPendingWrites(other) {
		c.appendPending(other, buf[:n])
		return
	}

	sent, err := unix.Write(other, buf[:n])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			sent = 0
		} else {
			c.OnClose(other)
			return
		}
	}
	if sent < n {
		c.appendPending(other, buf[sent:n])
	}
}

// OnWritable flushes as much of pendingWrites[fd] as the socket will accept.
func (c *Conn) OnWritable(fd int) {
	c.refreshActivity()

	data, ok := c.pendingWrites[fd]
	if !ok || len(data) == 0 {
		return
	}

	sent, err := unix.Write(fd, data)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.OnClose(fd)
		return
	}

	remaining := data[sent:]
	if len(remaining) == 0 {
		delete(c.pendingWrites, fd)
	} else {
		c.pendingWrites[fd] = remaining
	}
}

// HasPendingWrites reports whether fd has buffered egress awaiting write
// readiness.
func (c *Conn) HasPendingWrites(fd int) bool {
	return len(c.pendingWrites[fd]) > 0
}

// CheckBackendConnectResult reads SO_ERROR off the backend fd once it first
// becomes writable while still Connecting. A non-zero SO_ERROR is the async
// connect failing; zero means the three-way handshake completed.
func (c *Conn) CheckBackendConnectResult() error {
	soErr, err := unix.GetsockoptInt(c.BackendFd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt(SO_ERROR)")
	}
	if soErr != 0 {
		return errors.Wrap(unix.Errno(soErr), "async backend connect failed")
	}
	c.SetConnected(true)
	return nil
}

// OnClose tears down the whole pair, triggered by an EOF/error observed on
// fd. SPEC_FULL.md §4.4/§9 documents this as the accepted simplification:
// rather than implementing independent per-direction TCP half-close, either
// leg reaching EOF or error closes both legs. fd is not used: the result is
// the same whichever leg triggered the close.
func (c *Conn) OnClose(fd int) {
	_ = fd
	if c.ClientFd < 0 && c.BackendFd < 0 {
		return
	}

	c.state = StateClosing
	if c.ClientFd >= 0 {
		unix.Close(c.ClientFd)
		c.ClientFd = -1
	}
	if c.BackendFd >= 0 {
		unix.Close(c.BackendFd)
		c.BackendFd = -1
	}
	c.pendingWrites = make(map[int][]byte)
	c.connected = false
	c.state = StateGone
}

// IsIdleFor reports whether the connection has seen no activity for longer
// than d.
func (c *Conn) IsIdleFor(d time.Duration) bool {
	return time.Since(c.lastActivity) > d
}

func (c *Conn) refreshActivity() {
	c.lastActivity = time.Now()
}

func (c *Conn) otherFd(fd int) int {
	if fd == c.ClientFd {
		return c.BackendFd
	}
	if fd == c.BackendFd {
		return c.ClientFd
	}
	return -1
}

func (c *Conn) appendPending(fd int, b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	c.pendingWrites[fd] = append(c.pendingWrites[fd], cp...)
}
