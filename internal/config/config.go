// Package config loads the master's process-wide configuration from
// environment variables, with --flag overrides bound in cmd/master.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of settings needed to start the master process.
// It is read once at startup; the narrow subset that is safe to change at
// runtime is layered on top by internal/api's operator config endpoints.
type Config struct {
	NodeAddr string // node-channel listen address, e.g. ":7000"
	HTTPAddr string // submission-surface listen address, e.g. ":8080"

	DBDriver string // "sqlite" or "postgres"
	DBDSN    string

	ProbeInterval    time.Duration // health monitor tick
	ProbeTimeout     time.Duration // write deadline for each probe's ping frame
	DispatchInterval time.Duration // dispatcher tick

	JobWorkdirRoot string // advisory working-directory root handed to nodes
	RelayToken     string // opaque shared credential required on the submission surface
	EncryptionKey  string // AES-256 key for UserToken columns, padded/truncated to 32 bytes

	PruneInterval       time.Duration // 0 disables the janitor prune tick
	PruneRetention      time.Duration
	ExpireRunningOnStart bool

	LogLevel string
}

// Load builds a Config from environment variables, applying the same
// defaults as the reference deployment.
func Load() Config {
	return Config{
		NodeAddr:             envOrDefault("MASTER_NODE_ADDR", ":7000"),
		HTTPAddr:             envOrDefault("MASTER_HTTP_ADDR", ":8080"),
		DBDriver:             envOrDefault("MASTER_DB_DRIVER", "sqlite"),
		DBDSN:                envOrDefault("MASTER_DB_DSN", "./master.db"),
		ProbeInterval:        envDuration("MASTER_PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:         envDuration("MASTER_PROBE_TIMEOUT", 5*time.Second),
		DispatchInterval:     envDuration("MASTER_DISPATCH_INTERVAL", 2*time.Second),
		JobWorkdirRoot:       envOrDefault("MASTER_JOB_WORKDIR_ROOT", "/var/lib/master/jobs"),
		RelayToken:           envOrDefault("MASTER_RELAY_TOKEN", ""),
		EncryptionKey:        envOrDefault("MASTER_ENCRYPTION_KEY", ""),
		PruneInterval:        envDuration("MASTER_PRUNE_INTERVAL", 0),
		PruneRetention:       envDuration("MASTER_PRUNE_RETENTION", 7*24*time.Hour),
		ExpireRunningOnStart: envBool("MASTER_EXPIRE_RUNNING_ON_START", false),
		LogLevel:             envOrDefault("MASTER_LOG_LEVEL", "info"),
	}
}

// MaskedRelayToken redacts the credential for display via GET /api/config,
// keeping only a short prefix so an operator can tell which one is active.
func (c Config) MaskedRelayToken() string {
	if c.RelayToken == "" {
		return ""
	}
	if len(c.RelayToken) <= 4 {
		return "****"
	}
	return c.RelayToken[:4] + "****"
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Validate reports configuration combinations that would fail at runtime.
func (c Config) Validate() error {
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("config: unsupported db driver %q", c.DBDriver)
	}
	if c.ProbeInterval <= 0 || c.DispatchInterval <= 0 {
		return fmt.Errorf("config: probe and dispatch intervals must be positive")
	}
	return nil
}
