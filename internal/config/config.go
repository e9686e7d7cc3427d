// Package config carries process configuration and the persistent settings
// store. Process-level knobs come from EFFLUENT_* environment variables;
// per-deployment secrets (the upstream API token) live encrypted in the
// database so they survive restarts without appearing in the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the daemon's process configuration, resolved once at startup.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// DBPath is the DuckDB database file. Empty means in-memory, which is
	// only useful for tests.
	DBPath string

	// LapisURL is the base URL of the upstream sequencing data API.
	LapisURL string

	// ResultTTL is how long DONE/FAILED/CANCELLED records stay retrievable.
	ResultTTL time.Duration

	// MaxConcurrentJobs bounds parallel deconvolutions per process.
	MaxConcurrentJobs int64

	// QueueCapacity is the in-process task queue depth.
	QueueCapacity int

	// StaleAfter is the heartbeat age past which a RUNNING job is presumed
	// abandoned and re-enqueued.
	StaleAfter time.Duration
}

// FromEnv resolves the configuration from the environment with defaults
// suitable for a single-node deployment.
func FromEnv() Config {
	return Config{
		ListenAddr:        envString("EFFLUENT_LISTEN_ADDR", ":8314"),
		DBPath:            envString("EFFLUENT_DB_PATH", "effluent.db"),
		LapisURL:          envString("EFFLUENT_LAPIS_URL", "https://lapis.cov-spectrum.org/open/v2"),
		ResultTTL:         envDuration("EFFLUENT_RESULT_TTL", 30*time.Minute),
		MaxConcurrentJobs: int64(envInt("EFFLUENT_MAX_CONCURRENT_JOBS", 4)),
		QueueCapacity:     envInt("EFFLUENT_QUEUE_CAPACITY", 256),
		StaleAfter:        envDuration("EFFLUENT_STALE_AFTER", 10*time.Minute),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
