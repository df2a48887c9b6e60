// Package connpool implements the bounded, idle-evicting pool of upstream
// TCP connections keyed by "host:port".
package connpool

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mati1mati1/load-balancer/internal/pool"
)

// ErrPoolFull is returned by addNewConnection when a backend's list already
// holds MaxPerBackend entries, idle or in use.
var ErrPoolFull = errors.New("connpool: backend connection pool is full")

// entry is a single pooled upstream socket.
type entry struct {
	fd       int
	inUse    bool
	lastUsed time.Time
}

// Options configures pool-wide capacity and timeout policy.
type Options struct {
	MaxPerBackend  int
	ConnectTimeout time.Duration
	IdleTTL        time.Duration
}

// DefaultOptions matches §6's connectionPool defaults.
func DefaultOptions() Options {
	return Options{
		MaxPerBackend:  10,
		ConnectTimeout: 3 * time.Second,
		IdleTTL:        5 * time.Minute,
	}
}

// Pool holds idle upstream sockets per backend. The mutex is held only for
// in-memory list manipulation, never across a syscall that may block.
type Pool struct {
	opts Options

	mu   sync.Mutex
	byBE map[string][]*entry
}

// New constructs an empty Pool with the given options.
func New(opts Options) *Pool {
	return &Pool{
		opts: opts,
		byBE: make(map[string][]*entry),
	}
}

// Acquire returns an idle fd for backend if one exists, otherwise dials a new
// one via addNewConnection.
func (p *Pool) Acquire(backend pool.Endpoint) (int, error) {
	key := backend.String()

	p.mu.Lock()
	for _, e := range p.byBE[key] {
		if !e.inUse {
			e.inUse = true
			e.lastUsed = time.Now()
			fd := e.fd
			p.mu.Unlock()
			return fd, nil
		}
	}
	p.mu.Unlock()

	return p.addNewConnection(backend)
}

// addNewConnection dials backend with the pool's connect timeout and, on
// success, inserts it into the pool already marked in-use (the caller is
// about to use it immediately — see SPEC_FULL.md §9 on the resolved
// in-use-on-insert invariant).
func (p *Pool) addNewConnection(backend pool.Endpoint) (int, error) {
	fd, err := connectWithTimeout(backend, p.opts.ConnectTimeout)
	if err != nil {
		return -1, err
	}

	key := backend.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.byBE[key]) >= p.opts.MaxPerBackend {
		unix.Close(fd)
		return -1, ErrPoolFull
	}

	p.removeOldestIdleLocked()
	p.byBE[key] = append(p.byBE[key], &entry{fd: fd, inUse: true, lastUsed: time.Now()})
	return fd, nil
}

// Release marks fd idle again so a later Acquire can reuse it. Unknown or
// negative fds are a silent no-op.
func (p *Pool) Release(backend pool.Endpoint, fd int) {
	if fd < 0 {
		return
	}
	key := backend.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.byBE[key] {
		if e.fd == fd {
			e.inUse = false
			e.lastUsed = time.Now()
			return
		}
	}
}

// IsConnectionInPool reports whether fd is currently tracked for backend.
func (p *Pool) IsConnectionInPool(backend pool.Endpoint, fd int) bool {
	key := backend.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.byBE[key] {
		if e.fd == fd {
			return true
		}
	}
	return false
}

// CleanupIdleConnections drops entries idle longer than IdleTTL, closing
// their fds, and removes any backend key left with an empty list.
func (p *Pool) CleanupIdleConnections() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entries := range p.byBE {
		kept := entries[:0]
		for _, e := range entries {
			if !e.inUse && now.Sub(e.lastUsed) > p.opts.IdleTTL {
				unix.Close(e.fd)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.byBE, key)
		} else {
			p.byBE[key] = kept
		}
	}
}

// removeOldestIdleLocked sweeps every backend key and, for any whose list
// exceeds capacity, evicts idle entries oldest-lastUsed-first until back at
// capacity or no idle entries remain. Caller must hold p.mu. Never closes an
// in-use entry.
func (p *Pool) removeOldestIdleLocked() {
	for key, entries := range p.byBE {
		if len(entries) <= p.opts.MaxPerBackend {
			continue
		}

		sort.Slice(entries, func(i, j int) bool {
			return entries[i].lastUsed.Before(entries[j].lastUsed)
		})

		kept := entries[:0]
		evictBudget := len(entries) - p.opts.MaxPerBackend
		for _, e := range entries {
			if evictBudget > 0 && !e.inUse {
				unix.Close(e.fd)
				evictBudget--
				continue
			}
			kept = append(kept, e)
		}
		p.byBE[key] = kept
	}
}
