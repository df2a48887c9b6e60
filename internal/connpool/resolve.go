package connpool

import (
	"net"

	"github.com/pkg/errors"
)

// resolveIPv4 resolves host to its first IPv4 address. Config-level backend
// hosts are expected to already be IPs or resolvable names; this is the one
// place name resolution happens, right before a raw connect(2) call, so
// unix.SockaddrInet4 has concrete bytes to work with.
func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte

	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil {
			return out, errors.Wrapf(err, "resolve %q", host)
		}
		for _, a := range addrs {
			if v4 := a.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return out, errors.Errorf("no IPv4 address found for %q", host)
		}
	}

	v4 := ip.To4()
	if v4 == nil {
		return out, errors.Errorf("%q did not resolve to an IPv4 address", host)
	}
	copy(out[:], v4)
	return out, nil
}
