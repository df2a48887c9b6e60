package boot

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mati1mati1/load-balancer/internal/engine"
)

var configFile string
var pprofEnabled bool

//nolint:gosec
func InitAndStart(ctx context.Context) error {
	flag.StringVar(&configFile, "config", "config/config.json", "config file path")
	flag.BoolVar(&pprofEnabled, "pprof", false, "run pprof on 6060 port")
	flag.Parse()
	if flag.NArg() > 0 {
		configFile = flag.Arg(0)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return errors.Wrap(err, "loadConfig()")
	}

	logger := buildLogger(cfg.Logging)

	eng, err := engine.New(&logger, cfg.toEngineConfig())
	if err != nil {
		return errors.Wrap(err, "engine.New()")
	}

	if pprofEnabled {
		go func() {
			if err := http.ListenAndServe(":6060", nil); err != nil {
				logger.Error().Err(err).Msg("pprof failed")
			}
		}()
	}

	drain := time.Duration(cfg.Shutdown.DrainSeconds) * time.Second
	if drain <= 0 {
		drain = 10 * time.Second
	}

	// Run blocks until ctx is cancelled (by the signal handler set up in
	// cmd/loadbalancer), then drains within drain before returning.
	return eng.Run(ctx, drain)
}

func buildLogger(cfg LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out *os.File = os.Stdout
	if cfg.Mode == "file" && cfg.FilePath != "" {
		if f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		}
	}

	return log.Output(out).Level(level)
}
