//go:build linux

package notifier

import (
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollNotifier is a Notifier backed by Linux epoll, registered
// edge-triggered so the reactor must drain reads/writes until EAGAIN.
type epollNotifier struct {
	fd int

	closeOnce sync.Once
	closeErr  error
}

func newPlatformNotifier() (Notifier, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "EpollCreate1()")
	}
	return &epollNotifier{fd: fd}, nil
}

func epollEvents(wantRead, wantWrite bool) uint32 {
	var ev uint32 = unix.EPOLLET | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLERR
	if wantRead {
		ev |= unix.EPOLLIN
	}
	if wantWrite {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (n *epollNotifier) Register(fd int, wantRead, wantWrite bool) error {
	ev := unix.EpollEvent{Events: epollEvents(wantRead, wantWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(n.fd, syscall.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(err, "EpollCtl(ADD)")
	}
	return nil
}

func (n *epollNotifier) Update(fd int, wantRead, wantWrite bool) error {
	ev := unix.EpollEvent{Events: epollEvents(wantRead, wantWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(n.fd, syscall.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrap(err, "EpollCtl(MOD)")
	}
	return nil
}

func (n *epollNotifier) Unregister(fd int) error {
	if err := unix.EpollCtl(n.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return errors.Wrap(err, "EpollCtl(DEL)")
	}
	return nil
}

func (n *epollNotifier) Wait(timeoutMs int) ([]Event, error) {
	raw := make([]unix.EpollEvent, 256)
	count, err := unix.EpollWait(n.fd, raw, timeoutMs)
	if err != nil {
		return nil, errors.Wrap(err, "EpollWait()")
	}

	events := make([]Event, 0, count)
	for i := 0; i < count; i++ {
		e := raw[i]
		events = append(events, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Error:    e.Events&unix.EPOLLERR != 0,
			Closed:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	return events, nil
}

func (n *epollNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = unix.Close(n.fd)
	})
	return n.closeErr
}
