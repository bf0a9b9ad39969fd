// Package daemonconfig loads the daemon's own configuration, read once at
// boot. The daemon is otherwise stateless with respect to config.
package daemonconfig

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// FailurePolicy governs what Initializer does when a required server
// fails to start.
type FailurePolicy string

const (
	OnFailureFail FailurePolicy = "fail"
	OnFailureWarn FailurePolicy = "warn"
	OnFailureIgnore FailurePolicy = "ignore"
)

// DefaultSocketPath is used when neither the config file nor
// MCP_DAEMON_SOCKET specify one.
const DefaultSocketPath = "/tmp/mcp-daemon.sock"

// Config is the daemon's boot-time configuration.
type Config struct {
	SocketPath                   string        `toml:"socket_path"`
	InitializationTimeoutSeconds int           `toml:"initialization_timeout_seconds"`
	ParallelInitialization       int           `toml:"parallel_initialization"`
	OnInitFailure                FailurePolicy `toml:"on_init_failure"`
	HealthCheckIntervalSeconds   int           `toml:"health_check_interval_seconds"`
	CatalogPath                  string        `toml:"catalog_path"`
	LogDir                       string        `toml:"log_dir"`
	Foreground                   bool          `toml:"foreground"`
}

// Default returns a Config with every documented default applied.
func Default() Config {
	return Config{
		SocketPath:                   DefaultSocketPath,
		InitializationTimeoutSeconds: 60,
		ParallelInitialization:       4,
		OnInitFailure:                OnFailureWarn,
		HealthCheckIntervalSeconds:   30,
	}
}

// Load reads and parses a TOML config file, overlaying its values onto
// Default(). A missing file is not an error: Load returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return applyEnv(cfg), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg), nil
		}
		return cfg, fmt.Errorf("read daemon config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse daemon config: %w", err)
	}
	return applyEnv(normalize(cfg)), nil
}

// normalize restores any documented default a caller's partial TOML file
// left as a Go zero value (0, "").
func normalize(cfg Config) Config {
	d := Default()
	if cfg.SocketPath == "" {
		cfg.SocketPath = d.SocketPath
	}
	if cfg.InitializationTimeoutSeconds == 0 {
		cfg.InitializationTimeoutSeconds = d.InitializationTimeoutSeconds
	}
	if cfg.ParallelInitialization == 0 {
		cfg.ParallelInitialization = d.ParallelInitialization
	}
	if cfg.OnInitFailure == "" {
		cfg.OnInitFailure = d.OnInitFailure
	}
	if cfg.HealthCheckIntervalSeconds == 0 {
		cfg.HealthCheckIntervalSeconds = d.HealthCheckIntervalSeconds
	}
	return cfg
}

// applyEnv overrides SocketPath with MCP_DAEMON_SOCKET when set.
func applyEnv(cfg Config) Config {
	if v := os.Getenv("MCP_DAEMON_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	return cfg
}
