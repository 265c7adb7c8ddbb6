package session

import (
	"os"
	"strings"
	"time"
)

// Config defines runtime configuration for the session manager.
type Config struct {
	// AccessWindow is the human-readable access duration rendered into
	// the challenge message. It is descriptive text for the signer, not
	// a token TTL.
	AccessWindow time.Duration

	// AnalyticsTTL bounds how long an anonymous telemetry session stays
	// resumable.
	AnalyticsTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AccessWindow: 12 * time.Hour,
		AnalyticsTTL: 24 * time.Hour,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.AccessWindow = envDuration("VLM_SESSION_ACCESS_WINDOW", cfg.AccessWindow)
	cfg.AnalyticsTTL = envDuration("VLM_SESSION_ANALYTICS_TTL", cfg.AnalyticsTTL)
	return cfg
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
