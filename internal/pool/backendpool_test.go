package pool

import "testing"

func TestNewRejectsEmptyList(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty backend list")
	}
}

func TestNewRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		eps  []Endpoint
	}{
		{"empty host", []Endpoint{{Host: "", Port: 80}}},
		{"zero port", []Endpoint{{Host: "10.0.0.1", Port: 0}}},
		{"port too large", []Endpoint{{Host: "10.0.0.1", Port: 70000}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := New(c.eps); err == nil {
				t.Fatalf("expected error for %s", c.name)
			}
		})
	}
}

func TestNextBackendRoundRobinsCyclically(t *testing.T) {
	eps := []Endpoint{
		{Host: "10.0.0.1", Port: 9001},
		{Host: "10.0.0.2", Port: 9002},
		{Host: "10.0.0.3", Port: 9003},
	}
	p, err := New(eps)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	for round := 0; round < 3; round++ {
		for i, want := range eps {
			got := p.NextBackend()
			if got != want {
				t.Fatalf("round %d idx %d: got %+v, want %+v", round, i, got, want)
			}
		}
	}
}

func TestAllReturnsDefensiveCopy(t *testing.T) {
	p, err := New([]Endpoint{{Host: "10.0.0.1", Port: 80}})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	got := p.All()
	got[0].Host = "mutated"
	if p.All()[0].Host != "10.0.0.1" {
		t.Fatal("mutating All()'s result affected the pool's internal state")
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{Host: "127.0.0.1", Port: 8080}
	if got, want := e.String(), "127.0.0.1:8080"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
