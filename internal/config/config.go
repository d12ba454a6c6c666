package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration, read from QUILL_* environment
// variables.
type Config struct {
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port string `envconfig:"PORT" default:"8090"`

	// DataDir holds snapshots and the project registry. Defaults to
	// ~/.quill.
	DataDir string `envconfig:"DATA_DIR"`

	MaxTerminals int           `envconfig:"MAX_TERMINALS" default:"10"`
	SpawnTimeout time.Duration `envconfig:"SPAWN_TIMEOUT" default:"5s"`
	KillGrace    time.Duration `envconfig:"KILL_GRACE" default:"3s"`

	GPUContexts      int           `envconfig:"GPU_CONTEXTS" default:"4"`
	WebGLInitTimeout time.Duration `envconfig:"WEBGL_INIT_TIMEOUT" default:"1s"`

	// SnapshotInterval enables periodic captures; zero captures only at
	// orderly shutdown.
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"0"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("quill", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".quill")
	}
	return &cfg, nil
}

func (c *Config) ListenAddr() string {
	return c.Host + ":" + c.Port
}
