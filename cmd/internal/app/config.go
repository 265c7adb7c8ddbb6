package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// CacheMaxEntries sizes the in-memory cache used when no DB is configured.
	CacheMaxEntries int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("VLM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("VLM_LOG_LEVEL", "info"),
		LogFormat: EnvString("VLM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("VLM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VLM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VLM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VLM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("VLM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("VLM_DATABASE_URL", ""),
		DBSchema:    EnvString("VLM_DB_SCHEMA", "vlm"),
		DBMaxConns:  EnvInt32("VLM_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("VLM_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("VLM_READINESS_REQUIRE_DB", false),

		CacheMaxEntries: EnvInt("VLM_CACHE_MAX_ENTRIES", 4096),
	}
}
