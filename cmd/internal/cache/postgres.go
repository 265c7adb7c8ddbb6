package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCache implements Cache on a plain kv table (vlm.cache).
// It is the durable adapter: values written here survive process restarts.
type PostgresCache struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresCache constructs a Postgres-backed cache.
func NewPostgresCache(pool *pgxpool.Pool, schema string) (*PostgresCache, error) {
	if pool == nil {
		return nil, errors.New("cache: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "vlm"
	}
	return &PostgresCache{pool: pool, schema: schema}, nil
}

// Get returns the cached value for key.
func (c *PostgresCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.pool.QueryRow(ctx, `
		SELECT value FROM `+c.schema+`.cache WHERE key = $1
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set upserts value under key.
func (c *PostgresCache) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO `+c.schema+`.cache (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	return err
}
