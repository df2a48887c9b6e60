// Package pool holds the ordered backend list and the round-robin cursor
// used to pick the next upstream for a new client connection.
package pool

import (
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Endpoint is an immutable upstream address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// BackendPool is an ordered, immutable set of backends with an atomic
// round-robin cursor. Safe for concurrent use.
type BackendPool struct {
	endpoints []Endpoint
	cursor    uint64
}

// New validates and stores the backend list. The list must be non-empty and
// every endpoint must have a non-empty host and a port in 1..65535.
func New(endpoints []Endpoint) (*BackendPool, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("backend list must not be empty")
	}
	for _, e := range endpoints {
		if e.Host == "" {
			return nil, errors.New("backend host must not be empty")
		}
		if e.Port < 1 || e.Port > 65535 {
			return nil, errors.Errorf("backend port %d out of range 1..65535", e.Port)
		}
	}
	cp := make([]Endpoint, len(endpoints))
	copy(cp, endpoints)
	return &BackendPool{endpoints: cp}, nil
}

// NextBackend performs a relaxed fetch-add on the cursor and returns the
// endpoint at cursor % len(endpoints). O(1), lock-free aside from the atomic.
func (p *BackendPool) NextBackend() Endpoint {
	idx := atomic.AddUint64(&p.cursor, 1) - 1
	return p.endpoints[idx%uint64(len(p.endpoints))]
}

// All returns a copy of the backend list, in configured order.
func (p *BackendPool) All() []Endpoint {
	cp := make([]Endpoint, len(p.endpoints))
	copy(cp, p.endpoints)
	return cp
}
