package connpool

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mati1mati1/load-balancer/internal/pool"
)

// ErrConnectTimeout is returned when connectWithTimeout's deadline elapses
// before the socket becomes writable.
var ErrConnectTimeout = errors.New("connect: timed out")

// connectWithTimeout opens a non-blocking TCP socket to backend and waits
// up to timeout for the connect to complete, mirroring the reference
// implementation's connect()+select() sequence but polling on the fd via
// unix.Poll rather than the 1024-fd-limited select(2). If connect(2) succeeds
// immediately the socket is switched back to blocking mode before it is
// returned; after an asynchronous connect it is returned non-blocking.
func connectWithTimeout(backend pool.Endpoint, timeout time.Duration) (int, error) {
	sa, err := sockaddrFor(backend)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket()")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "SetNonblock()")
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		if err := unix.SetNonblock(fd, false); err != nil {
			unix.Close(fd)
			return -1, errors.Wrap(err, "SetNonblock()")
		}
		return fd, nil
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, errors.Wrap(err, "connect()")
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "poll()")
	}
	if n == 0 {
		unix.Close(fd)
		return -1, ErrConnectTimeout
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "getsockopt(SO_ERROR)")
	}
	if soErr != 0 {
		unix.Close(fd)
		return -1, errors.Wrap(unix.Errno(soErr), "connect() async failure")
	}

	return fd, nil
}

func sockaddrFor(backend pool.Endpoint) (unix.Sockaddr, error) {
	ip, err := resolveIPv4(backend.Host)
	if err != nil {
		return nil, err
	}
	return &unix.SockaddrInet4{Port: backend.Port, Addr: ip}, nil
}
