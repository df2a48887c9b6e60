package pool

import (
	"errors"
	"testing"
)

func TestNewRouterAcceptsRoundRobin(t *testing.T) {
	p, err := New([]Endpoint{{Host: "10.0.0.1", Port: 80}})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if _, err := NewRouter(p, RoundRobin); err != nil {
		t.Fatalf("NewRouter(RoundRobin) returned error: %v", err)
	}
}

func TestNewRouterRejectsUnimplementedAlgorithms(t *testing.T) {
	p, err := New([]Endpoint{{Host: "10.0.0.1", Port: 80}})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	for _, alg := range []Algorithm{LeastConnections, Random, Algorithm("bogus")} {
		if _, err := NewRouter(p, alg); !errors.Is(err, ErrRoutingUnsupported) {
			t.Fatalf("NewRouter(%s) = %v, want ErrRoutingUnsupported", alg, err)
		}
	}
}

func TestRouterSelectBackendDelegatesToPool(t *testing.T) {
	eps := []Endpoint{{Host: "a", Port: 1}, {Host: "b", Port: 2}}
	p, err := New(eps)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	r, err := NewRouter(p, RoundRobin)
	if err != nil {
		t.Fatalf("NewRouter() returned error: %v", err)
	}

	for _, want := range eps {
		got, err := r.SelectBackend()
		if err != nil {
			t.Fatalf("SelectBackend() returned error: %v", err)
		}
		if got != want {
			t.Fatalf("SelectBackend() = %+v, want %+v", got, want)
		}
	}
}
