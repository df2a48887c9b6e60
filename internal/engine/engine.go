// Package engine wires together the notifier, backend pool/router, reactor
// and acceptor into a single runnable proxy.
package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mati1mati1/load-balancer/internal/acceptor"
	"github.com/mati1mati1/load-balancer/internal/connpool"
	"github.com/mati1mati1/load-balancer/internal/notifier"
	"github.com/mati1mati1/load-balancer/internal/pool"
	"github.com/mati1mati1/load-balancer/internal/proxyconn"
	"github.com/mati1mati1/load-balancer/internal/reactor"
)

// Config is the subset of boot.Config the engine needs, expressed in terms
// of the internal packages' own option types so engine has no dependency on
// the boot/JSON schema.
type Config struct {
	ListenHost string
	ListenPort int
	Backlog    int

	Backends []pool.Endpoint

	IdleTimeout time.Duration

	ConnPool connpool.Options
}

// Engine owns the full proxy lifetime: one BackendPool+Router, one
// ConnectionPool (available for direct use/testing; see DESIGN.md on why
// the live accept path dials dedicated per-connection backend sockets
// instead of borrowing from it), one Reactor and one Acceptor.
type Engine struct {
	logger *zerolog.Logger

	router   *pool.Router
	connPool *connpool.Pool
	notify   notifier.Notifier
	react    *reactor.Reactor
	accept   *acceptor.Acceptor
}

// New builds every component but does not start any goroutines.
func New(logger *zerolog.Logger, cfg Config) (*Engine, error) {
	backendPool, err := pool.New(cfg.Backends)
	if err != nil {
		return nil, errors.Wrap(err, "backend pool")
	}
	router, err := pool.NewRouter(backendPool, pool.RoundRobin)
	if err != nil {
		return nil, errors.Wrap(err, "router")
	}

	connPool := connpool.New(cfg.ConnPool)

	notify, err := notifier.New()
	if err != nil {
		return nil, errors.Wrap(err, "notifier")
	}

	react := reactor.New(logger, notify, cfg.IdleTimeout)

	e := &Engine{
		logger:   logger,
		router:   router,
		connPool: connPool,
		notify:   notify,
		react:    react,
	}

	acc, err := acceptor.New(logger, cfg.ListenHost, cfg.ListenPort, cfg.Backlog, router, e.onAccept)
	if err != nil {
		notify.Close()
		return nil, errors.Wrap(err, "acceptor")
	}
	e.accept = acc

	return e, nil
}

// onAccept is the Acceptor's callback: it hands the freshly dialed
// connection straight to the reactor for I/O multiplexing.
func (e *Engine) onAccept(conn *proxyconn.Conn, clientFd, backendFd int) {
	e.react.RegisterConnection(conn, clientFd, backendFd)
}

// ConnectionPool exposes the standalone upstream connection pool for
// callers that want to pre-warm or directly exercise it.
func (e *Engine) ConnectionPool() *connpool.Pool { return e.connPool }

// Run starts the acceptor and reactor and blocks until ctx is cancelled,
// then stops both in order (acceptor, then reactor) and waits for them to
// finish, bounded by drainTimeout.
func (e *Engine) Run(ctx context.Context, drainTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.accept.Start()
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		e.react.Run()
		return nil
	})

	<-gctx.Done()
	e.logger.Info().Msg("shutdown signal received")

	stopped := make(chan struct{})
	go func() {
		e.accept.Stop()
		e.react.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(drainTimeout):
		e.logger.Warn().Msg("drain timeout exceeded; proceeding with shutdown")
	}

	return g.Wait()
}
