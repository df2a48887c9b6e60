package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/mati1mati1/load-balancer/internal/notifier"
	"github.com/mati1mati1/load-balancer/internal/pool"
	"github.com/mati1mati1/load-balancer/internal/proxyconn"
)

// fakeNotifier is an in-memory stand-in for a real epoll/kqueue Notifier, so
// reactor behavior can be exercised without touching the kernel.
type fakeNotifier struct {
	mu        sync.Mutex
	want      map[int][2]bool // fd -> (wantRead, wantWrite)
	queued    []notifier.Event
	closed    bool
	closeOnce sync.Once
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{want: make(map[int][2]bool)}
}

func (f *fakeNotifier) Register(fd int, wantRead, wantWrite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.want[fd] = [2]bool{wantRead, wantWrite}
	return nil
}

func (f *fakeNotifier) Update(fd int, wantRead, wantWrite bool) error {
	return f.Register(fd, wantRead, wantWrite)
}

func (f *fakeNotifier) Unregister(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.want, fd)
	return nil
}

func (f *fakeNotifier) queue(e notifier.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, e)
}

func (f *fakeNotifier) Wait(timeoutMs int) ([]notifier.Event, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, unix.EBADF
	}
	if len(f.queued) == 0 {
		f.mu.Unlock()
		time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
		return nil, nil
	}
	out := f.queued
	f.queued = nil
	f.mu.Unlock()
	return out, nil
}

func (f *fakeNotifier) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
	})
	return nil
}

func (f *fakeNotifier) isRegistered(fd int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.want[fd]
	return ok
}

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestRegisterConnectionRegistersBothFds(t *testing.T) {
	fn := newFakeNotifier()
	r := New(testLogger(), fn, time.Minute)

	conn := proxyconn.New(11, pool.Endpoint{Host: "10.0.0.1", Port: 80})
	r.RegisterConnection(conn, 11, 22)
	r.drainRegisterRequests()

	if !fn.isRegistered(11) || !fn.isRegistered(22) {
		t.Fatal("expected both client and backend fds to be registered")
	}
	if _, ok := r.conns[11]; !ok {
		t.Fatal("client fd missing from reactor's conns map")
	}
	if _, ok := r.conns[22]; !ok {
		t.Fatal("backend fd missing from reactor's conns map")
	}
}

func TestDropConnRemovesBothMapEntries(t *testing.T) {
	fn := newFakeNotifier()
	r := New(testLogger(), fn, time.Minute)

	conn := proxyconn.New(11, pool.Endpoint{Host: "10.0.0.1", Port: 80})
	r.RegisterConnection(conn, 11, 22)
	r.drainRegisterRequests()

	r.dropConn(conn)

	if _, ok := r.conns[11]; ok {
		t.Fatal("client fd still present after dropConn")
	}
	if _, ok := r.conns[22]; ok {
		t.Fatal("backend fd still present after dropConn")
	}
	if fn.isRegistered(11) || fn.isRegistered(22) {
		t.Fatal("fds still registered with notifier after dropConn")
	}
}

func TestRunStopStopsPromptly(t *testing.T) {
	fn := newFakeNotifier()
	r := New(testLogger(), fn, time.Minute)

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	// give Run a moment to reach its wait loop before stopping it
	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return within 2s of Stop()")
	}
}

func TestRegisterConnectionFromAnotherGoroutineWhileRunning(t *testing.T) {
	fn := newFakeNotifier()
	r := New(testLogger(), fn, time.Minute)

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	// Mimics the acceptor's goroutine calling RegisterConnection concurrently
	// with the reactor's own Run loop; run with -race to catch any
	// unsynchronized access to r.conns.
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := proxyconn.New(100+2*i, pool.Endpoint{Host: "10.0.0.1", Port: 80})
			r.RegisterConnection(conn, 100+2*i, 100+2*i+1)
		}(i)
	}
	wg.Wait()

	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return within 2s of Stop()")
	}
}

func TestOtherFd(t *testing.T) {
	fn := newFakeNotifier()
	r := New(testLogger(), fn, time.Minute)
	conn := proxyconn.New(11, pool.Endpoint{Host: "10.0.0.1", Port: 80})
	conn.BackendFd = 22

	if got := r.otherFd(conn, 11); got != 22 {
		t.Fatalf("otherFd(11) = %d, want 22", got)
	}
	if got := r.otherFd(conn, 22); got != 11 {
		t.Fatalf("otherFd(22) = %d, want 11", got)
	}
}
