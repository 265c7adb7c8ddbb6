package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	// TrustProxy enables X-Forwarded-For / X-Real-IP parsing. Only set
	// this behind a proxy you control.
	TrustProxy bool

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64

	// ChallengeIPMax and ChallengeIPWindow throttle challenge issuance
	// per source IP. Challenges write to the store, so unauthenticated
	// callers must not be able to mint them freely.
	ChallengeIPMax    int
	ChallengeIPWindow time.Duration
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:        envBool("VLM_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:      envInt64("VLM_AUTH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		ChallengeIPMax:    envInt("VLM_AUTH_CHALLENGE_IP_MAX", 20),
		ChallengeIPWindow: envDuration("VLM_AUTH_CHALLENGE_IP_WINDOW", 5*time.Minute),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ChallengeIPMax <= 0 {
		cfg.ChallengeIPMax = 20
	}

	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
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
