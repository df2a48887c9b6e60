// Package acceptor owns the listening socket: it accepts client
// connections, asks the router for a backend, builds a ProxyConn and hands
// it to the reactor.
package acceptor

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/mati1mati1/load-balancer/internal/pool"
	"github.com/mati1mati1/load-balancer/internal/proxyconn"
)

// ErrBind is returned by New when bind(2) or listen(2) fails.
var ErrBind = errors.New("acceptor: bind/listen failed")

// OnAccept is invoked with a freshly connected ProxyConn, still in its
// post-ConnectToBackend state. The callback is responsible for registering
// it with a Reactor.
type OnAccept func(conn *proxyconn.Conn, clientFd, backendFd int)

// Acceptor listens on host:port and runs its own accept goroutine.
type Acceptor struct {
	logger   *zerolog.Logger
	router   *pool.Router
	onAccept OnAccept

	listenFd int

	running  atomic.Bool
	done     chan struct{}
	errCount atomic.Uint64
}

// New creates the listening socket bound to host:port with SO_REUSEADDR and
// backlog, but does not start accepting yet (see Start).
func New(logger *zerolog.Logger, host string, port, backlog int, router *pool.Router, onAccept OnAccept) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket()")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(ErrBind, "SO_REUSEADDR: "+err.Error())
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "SetNonblock()")
	}

	addr, err := resolveListenAddr(host, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(ErrBind, "bind %s:%d: %s", host, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(ErrBind, "listen %s:%d: %s", host, port, err)
	}

	logger.Info().Str("addr", host).Int("port", port).Msg("acceptor listening")

	return &Acceptor{
		logger:   logger,
		router:   router,
		onAccept: onAccept,
		listenFd: fd,
		done:     make(chan struct{}),
	}, nil
}

func resolveListenAddr(host string, port int) (unix.Sockaddr, error) {
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.Errorf("acceptor: invalid listen host %q", host)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, errors.Errorf("acceptor: listen host %q is not IPv4", host)
	}
	var addr [4]byte
	copy(addr[:], v4)
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

// Start launches the accept loop in its own goroutine. Idempotent.
func (a *Acceptor) Start() {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	go a.acceptLoop()
}

// Stop asks the accept loop to exit and waits for it. Idempotent.
func (a *Acceptor) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	<-a.done
}

// IsRunning reports whether the accept loop is active.
func (a *Acceptor) IsRunning() bool { return a.running.Load() }

// ErrorCount returns the number of non-transient accept(2) failures seen.
func (a *Acceptor) ErrorCount() uint64 { return a.errCount.Load() }

func (a *Acceptor) acceptLoop() {
	defer close(a.done)
	a.logger.Info().Msg("entering accept loop")

	for a.running.Load() {
		clientFd, _, err := unix.Accept(a.listenFd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			a.errCount.Add(1)
			a.logger.Warn().Err(err).Msg("accept()")
			continue
		}

		if err := unix.SetNonblock(clientFd, true); err != nil {
			a.logger.Warn().Err(err).Msg("SetNonblock(client)")
			unix.Close(clientFd)
			continue
		}

		a.logger.Debug().Int("fd", clientFd).Msg("accepted new connection")
		a.handleAccepted(clientFd)
	}

	unix.Close(a.listenFd)
	a.logger.Info().Msg("acceptor stopped")
}

func (a *Acceptor) handleAccepted(clientFd int) {
	backend, err := a.router.SelectBackend()
	if err != nil {
		a.logger.Error().Err(err).Msg("select backend")
		unix.Close(clientFd)
		return
	}

	conn := proxyconn.New(clientFd, backend)
	if err := conn.ConnectToBackend(); err != nil {
		a.logger.Warn().Err(err).Str("backend", backend.String()).Msg("connect to backend")
		unix.Close(clientFd)
		return
	}

	a.onAccept(conn, conn.ClientFd, conn.BackendFd)
}
