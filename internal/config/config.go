// Package config holds the supervisor's runtime configuration, loaded
// from CLI flags (and the environment they default from) at startup.
package config

import (
	"fmt"
	"time"

	"github.com/quentingllmt/host-supervisor/internal/log"
)

// Config is the full set of knobs the supervisor needs to start: where
// it stores state, how it talks to the runtime, and how its Control API
// listens.
type Config struct {
	DataDir          string
	ContainerdSocket string

	APIAddr     string
	LogLevel    log.Level
	LogJSON     bool
	PollInterval time.Duration

	DeviceName        string
	LocalMode         bool
	EncryptionPassphrase string

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Default returns the configuration the supervisor starts with absent
// any flag overrides.
func Default() Config {
	return Config{
		DataDir:            "/var/lib/supervisor",
		ContainerdSocket:   "",
		APIAddr:            "127.0.0.1:48484",
		LogLevel:           log.InfoLevel,
		LogJSON:            false,
		PollInterval:       10 * time.Second,
		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
	}
}

// Validate reports a descriptive error for any configuration the
// supervisor cannot safely start with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("API address must not be empty")
	}
	if c.EncryptionPassphrase == "" {
		return fmt.Errorf("encryption passphrase must not be empty")
	}
	return nil
}
