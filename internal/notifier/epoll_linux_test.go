//go:build linux

package notifier

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock: %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpollNotifierReportsReadable(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	a, b := socketpair(t)
	if err := n.Register(a, true, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	events, err := n.Wait(1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Fd == a && e.Readable {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a readable event for fd %d, got %+v", a, events)
	}
}

func TestEpollNotifierWaitTimesOutWithNoEvents(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	start := time.Now()
	events, err := n.Wait(50)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("Wait returned too quickly: %v", elapsed)
	}
}

func TestEpollNotifierCloseIsIdempotent(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEpollNotifierUnregisterUnknownFdIsNotFatal(t *testing.T) {
	n, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()
	_ = n.Unregister(99999)
}
