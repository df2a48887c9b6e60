//nolint:gosec
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "net/http/pprof"

	"github.com/pkg/errors"

	"github.com/mati1mati1/load-balancer/boot"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := boot.InitAndStart(ctx); err != nil {
		err = errors.Wrap(err, "InitAndStart()")
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
}
