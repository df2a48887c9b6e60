//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package notifier

import "github.com/pkg/errors"

// newPlatformNotifier has no implementation outside the epoll/kqueue
// platforms above; it exists so the module still builds and type-checks
// everywhere.
func newPlatformNotifier() (Notifier, error) {
	return nil, errors.New("notifier: unsupported platform")
}
