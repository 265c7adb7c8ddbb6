package token

import (
	"os"
	"time"
)

// Config defines the signing secrets and expiry policies for the three
// token kinds. Each kind has an independent secret so a leaked signature
// secret cannot mint access or refresh tokens.
type Config struct {
	Issuer string

	// SessionSecret signs access/session tokens.
	SessionSecret []byte
	// SignatureSecret signs short-lived challenge tokens.
	SignatureSecret []byte
	// RefreshSecret signs long-lived refresh tokens.
	RefreshSecret []byte

	SessionTTL   time.Duration
	SignatureTTL time.Duration
	RefreshTTL   time.Duration

	// ClockSkew is the verification tolerance for clock drift.
	ClockSkew time.Duration
}

// DefaultConfig returns expiry defaults. Secrets must be supplied by the
// environment; there are no default secrets.
func DefaultConfig() Config {
	return Config{
		Issuer:       "vlm",
		SessionTTL:   30 * time.Minute,
		SignatureTTL: 90 * time.Second,
		RefreshTTL:   14 * 24 * time.Hour,
		ClockSkew:    30 * time.Second,
	}
}

// LoadConfigFromEnv loads token configuration from environment variables.
//
// Required:
//   - VLM_TOKEN_SESSION_SECRET
//   - VLM_TOKEN_SIGNATURE_SECRET
//   - VLM_TOKEN_REFRESH_SECRET
//
// Optional (durations must be valid Go duration strings):
//   - VLM_TOKEN_ISSUER
//   - VLM_TOKEN_SESSION_TTL
//   - VLM_TOKEN_SIGNATURE_TTL
//   - VLM_TOKEN_REFRESH_TTL
//   - VLM_TOKEN_CLOCK_SKEW
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("VLM_TOKEN_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"VLM_TOKEN_SESSION_TTL", &cfg.SessionTTL},
		{"VLM_TOKEN_SIGNATURE_TTL", &cfg.SignatureTTL},
		{"VLM_TOKEN_REFRESH_TTL", &cfg.RefreshTTL},
		{"VLM_TOKEN_CLOCK_SKEW", &cfg.ClockSkew},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil || dur <= 0 {
			return Config{}, ErrConfig
		}
		*d.dst = dur
	}

	cfg.SessionSecret = []byte(os.Getenv("VLM_TOKEN_SESSION_SECRET"))
	cfg.SignatureSecret = []byte(os.Getenv("VLM_TOKEN_SIGNATURE_SECRET"))
	cfg.RefreshSecret = []byte(os.Getenv("VLM_TOKEN_REFRESH_SECRET"))

	const minSecretBytes = 32
	for _, s := range [][]byte{cfg.SessionSecret, cfg.SignatureSecret, cfg.RefreshSecret} {
		if len(s) < minSecretBytes {
			return Config{}, ErrConfig
		}
	}

	// The challenge window must stay short relative to the session TTL.
	if cfg.SignatureTTL >= cfg.SessionTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
