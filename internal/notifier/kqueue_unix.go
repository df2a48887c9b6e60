//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package notifier

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// kqueueNotifier is a Notifier backed by BSD/Darwin kqueue. Unlike the Linux
// epoll adapter it tracks read/write interest per fd explicitly, since
// kqueue treats EVFILT_READ and EVFILT_WRITE as independent registrations
// rather than a single bitmask.
type kqueueNotifier struct {
	fd int

	mu      sync.Mutex
	wantR   map[int]bool
	wantW   map[int]bool

	closeOnce sync.Once
	closeErr  error
}

func newPlatformNotifier() (Notifier, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "Kqueue()")
	}
	return &kqueueNotifier{
		fd:    fd,
		wantR: make(map[int]bool),
		wantW: make(map[int]bool),
	}, nil
}

func (n *kqueueNotifier) apply(fd int, wantRead, wantWrite bool) error {
	var changes []unix.Kevent_t

	n.mu.Lock()
	hadR, hadW := n.wantR[fd], n.wantW[fd]
	n.mu.Unlock()

	if wantRead != hadR {
		flag := unix.EV_ADD
		if !wantRead {
			flag = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: uint16(flag)})
	}
	if wantWrite != hadW {
		flag := unix.EV_ADD
		if !wantWrite {
			flag = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: uint16(flag)})
	}

	if len(changes) > 0 {
		if _, err := unix.Kevent(n.fd, changes, nil, nil); err != nil {
			return errors.Wrap(err, "Kevent()")
		}
	}

	n.mu.Lock()
	n.wantR[fd] = wantRead
	n.wantW[fd] = wantWrite
	n.mu.Unlock()
	return nil
}

func (n *kqueueNotifier) Register(fd int, wantRead, wantWrite bool) error {
	return n.apply(fd, wantRead, wantWrite)
}

func (n *kqueueNotifier) Update(fd int, wantRead, wantWrite bool) error {
	return n.apply(fd, wantRead, wantWrite)
}

func (n *kqueueNotifier) Unregister(fd int) error {
	err := n.apply(fd, false, false)
	n.mu.Lock()
	delete(n.wantR, fd)
	delete(n.wantW, fd)
	n.mu.Unlock()
	return err
}

func (n *kqueueNotifier) Wait(timeoutMs int) ([]Event, error) {
	ts := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
	raw := make([]unix.Kevent_t, 256)

	count, err := unix.Kevent(n.fd, nil, raw, &ts)
	if err != nil {
		return nil, errors.Wrap(err, "Kevent(wait)")
	}

	byFd := make(map[int]*Event, count)
	order := make([]int, 0, count)
	for i := 0; i < count; i++ {
		k := raw[i]
		fd := int(k.Ident)
		e, ok := byFd[fd]
		if !ok {
			e = &Event{Fd: fd}
			byFd[fd] = e
			order = append(order, fd)
		}
		switch k.Filter {
		case unix.EVFILT_READ:
			e.Readable = true
		case unix.EVFILT_WRITE:
			e.Writable = true
		}
		if k.Flags&unix.EV_ERROR != 0 {
			e.Error = true
		}
		if k.Flags&unix.EV_EOF != 0 {
			e.Closed = true
		}
	}

	events := make([]Event, 0, len(order))
	for _, fd := range order {
		events = append(events, *byFd[fd])
	}
	return events, nil
}

func (n *kqueueNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = unix.Close(n.fd)
	})
	return n.closeErr
}
