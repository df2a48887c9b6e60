package pool

import "github.com/pkg/errors"

// Algorithm selects which backend-selection strategy a Router uses.
type Algorithm string

const (
	RoundRobin       Algorithm = "round_robin"
	LeastConnections Algorithm = "least_connections"
	Random           Algorithm = "random"
)

// ErrRoutingUnsupported is returned by NewRouter and SelectBackend for any
// algorithm other than RoundRobin, which is the only one implemented.
var ErrRoutingUnsupported = errors.New("routing: algorithm not implemented")

// Router wraps a BackendPool with a named selection algorithm.
type Router struct {
	pool      *BackendPool
	algorithm Algorithm
}

// NewRouter fails with ErrRoutingUnsupported unless algorithm is RoundRobin.
func NewRouter(p *BackendPool, algorithm Algorithm) (*Router, error) {
	if algorithm != RoundRobin {
		return nil, ErrRoutingUnsupported
	}
	return &Router{pool: p, algorithm: algorithm}, nil
}

// SelectBackend returns the next backend per the configured algorithm.
func (r *Router) SelectBackend() (Endpoint, error) {
	switch r.algorithm {
	case RoundRobin:
		return r.pool.NextBackend(), nil
	default:
		return Endpoint{}, ErrRoutingUnsupported
	}
}
