package acceptor

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/mati1mati1/load-balancer/internal/pool"
	"github.com/mati1mati1/load-balancer/internal/proxyconn"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func echoBackend(t *testing.T) pool.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return pool.Endpoint{Host: "127.0.0.1", Port: port}
}

func newTestAcceptor(t *testing.T, onAccept OnAccept) *Acceptor {
	t.Helper()
	backend := echoBackend(t)
	bp, err := pool.New([]pool.Endpoint{backend})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	router, err := pool.NewRouter(bp, pool.RoundRobin)
	if err != nil {
		t.Fatalf("pool.NewRouter: %v", err)
	}
	a, err := New(testLogger(), "127.0.0.1", 0, 16, router, onAccept)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestStartStopIsIdempotent(t *testing.T) {
	a := newTestAcceptor(t, func(*proxyconn.Conn, int, int) {})

	a.Start()
	a.Start() // second call must be a no-op, not a second goroutine
	if !a.IsRunning() {
		t.Fatal("IsRunning() = false after Start()")
	}

	a.Stop()
	a.Stop() // second call must not block or panic
	if a.IsRunning() {
		t.Fatal("IsRunning() = true after Stop()")
	}
}

func TestAcceptedConnectionInvokesOnAccept(t *testing.T) {
	var mu sync.Mutex
	var accepted int
	done := make(chan struct{}, 1)

	a := newTestAcceptor(t, func(conn *proxyconn.Conn, clientFd, backendFd int) {
		mu.Lock()
		accepted++
		mu.Unlock()
		done <- struct{}{}
	})

	sa, err := unix.Getsockname(a.listenFd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("unexpected sockaddr type %T", sa)
	}

	a.Start()
	defer a.Stop()

	addr := net.TCPAddr{IP: net.IP(v4.Addr[:]), Port: v4.Port}
	conn, err := net.DialTimeout("tcp4", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("DialTimeout: %v", err)
	}
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onAccept was not invoked within 1s of dialing the listener")
	}

	mu.Lock()
	defer mu.Unlock()
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}
}
