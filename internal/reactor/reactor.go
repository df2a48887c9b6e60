// Package reactor implements the single-threaded event dispatcher that owns
// the readiness notifier and the fd -> ProxyConn mapping, plus the idle
// sweeper that evicts connections which have gone quiet.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mati1mati1/load-balancer/internal/notifier"
	"github.com/mati1mati1/load-balancer/internal/proxyconn"
)

// closeRequest is how the idle sweeper asks the reactor goroutine to close a
// connection, instead of mutating the fd->conn map from another goroutine
// (see SPEC_FULL.md §5/§9).
type closeRequest struct {
	conn *proxyconn.Conn
}

// registerRequest is how RegisterConnection hands a freshly accepted
// connection to the reactor goroutine, instead of mutating the fd->conn map
// from the acceptor's goroutine (see SPEC_FULL.md §5/§9).
type registerRequest struct {
	conn               *proxyconn.Conn
	clientFd, backendFd int
}

// Reactor dispatches notifier readiness events to per-connection state and
// runs a periodic idle sweep. Exactly one goroutine (Run) ever mutates
// conns; every other goroutine talks to it only via closeRequests or
// registerRequests, both drained solely by Run.
type Reactor struct {
	logger      *zerolog.Logger
	notify      notifier.Notifier
	idleTimeout time.Duration

	conns map[int]*proxyconn.Conn

	closeRequests    chan closeRequest
	registerRequests chan registerRequest
	running          atomic.Bool

	snapMu   sync.Mutex
	snapshot []*proxyconn.Conn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Reactor over notify. idleTimeout <= 0 disables the sweeper's
// eviction (it still ticks, but skips the idle check).
func New(logger *zerolog.Logger, notify notifier.Notifier, idleTimeout time.Duration) *Reactor {
	return &Reactor{
		logger:           logger,
		notify:           notify,
		idleTimeout:      idleTimeout,
		conns:            make(map[int]*proxyconn.Conn),
		closeRequests:    make(chan closeRequest, 256),
		registerRequests: make(chan registerRequest, 256),
		stopCh:           make(chan struct{}),
	}
}

// RegisterConnection asks the reactor goroutine to insert conn under both
// clientFd and (if >= 0) backendFd and register both fds with the notifier.
// Safe to call from the acceptor's own goroutine: the request is only ever
// applied by Run, via registerConnection below.
func (r *Reactor) RegisterConnection(conn *proxyconn.Conn, clientFd, backendFd int) {
	r.registerRequests <- registerRequest{conn: conn, clientFd: clientFd, backendFd: backendFd}
}

// registerConnection performs the actual map insertion and notifier
// registration. Called only from the reactor goroutine.
func (r *Reactor) registerConnection(req registerRequest) {
	r.conns[req.clientFd] = req.conn
	if req.backendFd >= 0 {
		r.conns[req.backendFd] = req.conn
	}

	if err := r.notify.Register(req.clientFd, true, false); err != nil {
		r.logger.Warn().Err(err).Int("fd", req.clientFd).Msg("register client fd")
	}
	if req.backendFd >= 0 {
		if err := r.notify.Register(req.backendFd, true, true); err != nil {
			r.logger.Warn().Err(err).Int("fd", req.backendFd).Msg("register backend fd")
		}
	}

	r.logger.Debug().Int("clientFd", req.clientFd).Int("backendFd", req.backendFd).Msg("registered connection")
}

// unregisterConnection removes fd from both the notifier and the map.
func (r *Reactor) unregisterConnection(fd int) {
	if err := r.notify.Unregister(fd); err != nil {
		r.logger.Debug().Err(err).Int("fd", fd).Msg("unregister fd")
	}
	delete(r.conns, fd)
}

// Run is the blocking reactor I/O loop. It returns once Stop has closed the
// notifier and Wait starts erroring.
func (r *Reactor) Run() {
	r.running.Store(true)
	r.logger.Info().Msg("reactor started")

	r.wg.Add(1)
	go r.sweepLoop()

	for r.running.Load() {
		r.drainRegisterRequests()
		r.drainCloseRequests()

		events, err := r.notify.Wait(1000)
		if err != nil {
			if !r.running.Load() {
				break
			}
			r.logger.Debug().Err(err).Msg("notifier wait")
			continue
		}
		for _, e := range events {
			r.handleEvent(e)
		}
	}

	r.drainRegisterRequests()
	r.drainCloseRequests()
	for fd, conn := range r.conns {
		conn.OnClose(conn.ClientFd)
		r.unregisterConnection(fd)
	}

	r.wg.Wait()
	r.logger.Info().Msg("reactor stopped")
}

func (r *Reactor) handleEvent(e notifier.Event) {
	conn, ok := r.conns[e.Fd]
	if !ok {
		return
	}

	if e.Error || e.Closed {
		r.closeBoth(conn)
		return
	}

	if e.Writable {
		if !conn.Connected() && e.Fd == conn.BackendFd {
			if err := conn.CheckBackendConnectResult(); err != nil {
				r.logger.Warn().Err(err).Int("fd", e.Fd).Msg("backend connect failed")
				r.closeBoth(conn)
				return
			}
			if err := r.notify.Update(e.Fd, true, false); err != nil {
				r.logger.Debug().Err(err).Int("fd", e.Fd).Msg("update fd after connect")
			}
		} else {
			conn.OnWritable(e.Fd)
			if !conn.HasPendingWrites(e.Fd) {
				if err := r.notify.Update(e.Fd, true, false); err != nil {
					r.logger.Debug().Err(err).Int("fd", e.Fd).Msg("disarm write interest")
				}
			}
		}
	}

	if e.Readable {
		otherBefore := r.otherFd(conn, e.Fd)
		conn.OnReadable(e.Fd)
		if otherBefore >= 0 && conn.HasPendingWrites(otherBefore) {
			if err := r.notify.Update(otherBefore, true, true); err != nil {
				r.logger.Debug().Err(err).Int("fd", otherBefore).Msg("arm write interest")
			}
		}
	}

	if conn.CurrentState() == proxyconn.StateGone {
		r.dropConn(conn)
	}
}

func (r *Reactor) otherFd(conn *proxyconn.Conn, fd int) int {
	if fd == conn.ClientFd {
		return conn.BackendFd
	}
	return conn.ClientFd
}

func (r *Reactor) closeBoth(conn *proxyconn.Conn) {
	conn.OnClose(conn.ClientFd)
	r.dropConn(conn)
}

// dropConn removes every map entry that still points at conn.
func (r *Reactor) dropConn(conn *proxyconn.Conn) {
	for fd, c := range r.conns {
		if c == conn {
			r.unregisterConnection(fd)
		}
	}
}

// sweepLoop wakes every max(idleTimeout/2, 1s) and posts a closeRequest for
// every connection idle longer than idleTimeout. It never touches r.conns
// directly.
func (r *Reactor) sweepLoop() {
	defer r.wg.Done()

	interval := r.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}
		if r.idleTimeout <= 0 {
			continue
		}
		for _, conn := range r.snapshotConns() {
			if conn.IsIdleFor(r.idleTimeout) {
				select {
				case r.closeRequests <- closeRequest{conn: conn}:
				default:
					r.logger.Warn().Msg("close request queue full; dropping sweep tick")
				}
			}
		}
	}
}

// snapshotConns returns the most recently published copy of the live
// connection set. Called from the sweeper goroutine, which must never
// iterate r.conns directly since only the reactor goroutine may touch it.
func (r *Reactor) snapshotConns() []*proxyconn.Conn {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	out := make([]*proxyconn.Conn, 0, len(r.snapshot))
	out = append(out, r.snapshot...)
	return out
}

func (r *Reactor) drainRegisterRequests() {
	for {
		select {
		case req := <-r.registerRequests:
			r.registerConnection(req)
		default:
			return
		}
	}
}

func (r *Reactor) drainCloseRequests() {
	for {
		select {
		case req := <-r.closeRequests:
			r.closeBoth(req.conn)
		default:
			r.publishSnapshot()
			return
		}
	}
}

func (r *Reactor) publishSnapshot() {
	snap := make([]*proxyconn.Conn, 0, len(r.conns))
	seen := make(map[*proxyconn.Conn]bool, len(r.conns))
	for _, c := range r.conns {
		if !seen[c] {
			seen[c] = true
			snap = append(snap, c)
		}
	}
	r.snapMu.Lock()
	r.snapshot = snap
	r.snapMu.Unlock()
}

// Stop requests the reactor loop to exit: flips running false and closes the
// notifier so Wait returns promptly.
func (r *Reactor) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	if err := r.notify.Close(); err != nil {
		r.logger.Debug().Err(err).Msg("close notifier")
	}
}
