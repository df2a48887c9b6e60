package boot

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/mati1mati1/load-balancer/internal/connpool"
	"github.com/mati1mati1/load-balancer/internal/engine"
	"github.com/mati1mati1/load-balancer/internal/pool"
)

// ErrConfig wraps every configuration-loading or -validation failure; it is
// the one error kind that is always fatal at startup (exit code 2).
var ErrConfig = errors.New("config")

// ListenConfig is the listener endpoint and its accept backlog.
type ListenConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Backlog int    `json:"backlog"`
}

// BackendConfig is a single upstream target.
type BackendConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoggingConfig selects the zerolog level and sink.
type LoggingConfig struct {
	Level    string `json:"level"`
	Mode     string `json:"mode"`
	FilePath string `json:"filePath"`
}

// ReactorConfig tunes the reactor; ConnectionReadBuffer/WriteBuffer are
// accepted for forward compatibility (see SPEC_FULL.md §6) but the splice
// always reads in fixed 8KiB chunks today.
type ReactorConfig struct {
	Threads               int `json:"threads"`
	ConnectionReadBuffer  int `json:"connectionReadBuffer"`
	ConnectionWriteBuffer int `json:"connectionWriteBuffer"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	DrainSeconds int `json:"drainSeconds"`
}

// ConnectionPoolConfig configures the standalone upstream connection pool.
type ConnectionPoolConfig struct {
	MaxConnectionsPerBackend int `json:"maxConnectionsPerBackend"`
	ConnectTimeoutMs         int `json:"connectTimeoutMs"`
	IdleTtlSeconds           int `json:"idleTtlSeconds"`
}

// RoutingConfig names the backend-selection algorithm; only "round_robin"
// is implemented (see internal/pool.ErrRoutingUnsupported).
type RoutingConfig struct {
	Algorithm string `json:"algorithm"`
}

// Config is the full load balancer configuration file.
type Config struct {
	Listen             ListenConfig         `json:"listen"`
	Backends           []BackendConfig      `json:"backends"`
	Logging            LoggingConfig        `json:"logging"`
	Reactor            ReactorConfig        `json:"reactor"`
	Shutdown           ShutdownConfig       `json:"shutdown"`
	ConnectionPool     ConnectionPoolConfig `json:"connectionPool"`
	Routing            RoutingConfig        `json:"routing"`
	IdleTimeoutSeconds int                  `json:"idleTimeoutSeconds"`
}

func defaultConfig() Config {
	return Config{
		Listen: ListenConfig{Backlog: 128},
		Logging: LoggingConfig{
			Level: "info",
			Mode:  "stdout",
		},
		Shutdown: ShutdownConfig{DrainSeconds: 10},
		ConnectionPool: ConnectionPoolConfig{
			MaxConnectionsPerBackend: 10,
			ConnectTimeoutMs:         3000,
			IdleTtlSeconds:           300,
		},
		Routing:            RoutingConfig{Algorithm: "round_robin"},
		IdleTimeoutSeconds: 30,
	}
}

// loadConfig reads path, applies defaults for unset fields, and validates
// the result, matching ConfigManager::loadConfig/validateConfig from the
// reference implementation.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(ErrConfig, "read %s: %s", path, err)
	}

	// Overlay the file contents onto the defaults; encoding/json leaves
	// fields the file doesn't mention untouched.
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(ErrConfig, "parse %s: %s", path, err)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if len(cfg.Backends) == 0 {
		return errors.Wrap(ErrConfig, "at least one backend must be specified")
	}
	if cfg.Listen.Host == "" {
		return errors.Wrap(ErrConfig, "listen host cannot be empty")
	}
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return errors.Wrap(ErrConfig, "listen port must be between 1 and 65535")
	}
	for _, b := range cfg.Backends {
		if b.Host == "" {
			return errors.Wrap(ErrConfig, "backend host cannot be empty")
		}
		if b.Port < 1 || b.Port > 65535 {
			return errors.Wrap(ErrConfig, "backend port must be between 1 and 65535")
		}
	}
	if cfg.Reactor.Threads < 0 {
		return errors.Wrap(ErrConfig, "reactor threads cannot be negative")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Wrap(ErrConfig, "invalid logging level specified")
	}
	if cfg.Logging.Mode == "file" && cfg.Logging.FilePath == "" {
		return errors.Wrap(ErrConfig, "logging.filePath is required when mode is \"file\"")
	}
	if cfg.Routing.Algorithm != "" && cfg.Routing.Algorithm != "round_robin" {
		return errors.Wrapf(ErrConfig, "unsupported routing algorithm %q", cfg.Routing.Algorithm)
	}
	return nil
}

// toEngineConfig converts the JSON-shaped Config into the internal package
// option types engine.New expects.
func (c Config) toEngineConfig() engine.Config {
	backends := make([]pool.Endpoint, 0, len(c.Backends))
	for _, b := range c.Backends {
		backends = append(backends, pool.Endpoint{Host: b.Host, Port: b.Port})
	}

	return engine.Config{
		ListenHost:  c.Listen.Host,
		ListenPort:  c.Listen.Port,
		Backlog:     c.Listen.Backlog,
		Backends:    backends,
		IdleTimeout: time.Duration(c.IdleTimeoutSeconds) * time.Second,
		ConnPool: connpool.Options{
			MaxPerBackend:  c.ConnectionPool.MaxConnectionsPerBackend,
			ConnectTimeout: time.Duration(c.ConnectionPool.ConnectTimeoutMs) * time.Millisecond,
			IdleTTL:        time.Duration(c.ConnectionPool.IdleTtlSeconds) * time.Second,
		},
	}
}
