package proxyconn

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mati1mati1/load-balancer/internal/pool"
)

// errInProgress is the sentinel dial returns (alongside the new fd) when the
// connect(2) call is still in flight and must be completed asynchronously.
var errInProgress = errors.New("connect: in progress")

// dial opens a non-blocking socket to backend and issues connect(2). It
// never blocks: EINPROGRESS is reported via errInProgress with the socket
// left open and registered for write-readiness by the caller.
func dial(backend pool.Endpoint) (int, error) {
	ip := net.ParseIP(backend.Host)
	if ip == nil {
		addrs, err := net.LookupIP(backend.Host)
		if err != nil || len(addrs) == 0 {
			return -1, errors.Wrapf(err, "resolve %q", backend.Host)
		}
		for _, a := range addrs {
			if v4 := a.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return -1, errors.Errorf("no IPv4 address found for %q", backend.Host)
		}
	}
	v4 := ip.To4()
	if v4 == nil {
		return -1, errors.Errorf("%q did not resolve to an IPv4 address", backend.Host)
	}
	var addr [4]byte
	copy(addr[:], v4)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket()")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "SetNonblock()")
	}

	sa := &unix.SockaddrInet4{Port: backend.Port, Addr: addr}
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, nil
	}
	if err == unix.EINPROGRESS {
		return fd, errInProgress
	}

	unix.Close(fd)
	return -1, errors.Wrap(err, "connect()")
}
