package store

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (vlm.records).
//
// Fencing semantics map onto a conditional UPDATE: the write succeeds only
// while the stored ts column still equals the caller's expected stamp.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// Option configures PostgresStore behavior.
type Option func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "vlm").
func WithSchema(schema string) Option {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed record store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "vlm"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "records")
}

// Get loads one record.
func (s *PostgresStore) Get(ctx context.Context, pk, sk string) (Record, error) {
	var rec Record

	err := s.pool.QueryRow(ctx, `
		SELECT pk, sk, ts, data
		FROM `+s.table()+`
		WHERE pk = $1 AND sk = $2
	`, pk, sk).Scan(&rec.PK, &rec.SK, &rec.TS, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	return rec, nil
}

// Put upserts a record unconditionally.
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table()+` (pk, sk, ts, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pk, sk) DO UPDATE
		SET ts = EXCLUDED.ts, data = EXCLUDED.data
	`, rec.PK, rec.SK, rec.TS, rec.Data)
	return err
}

// ConditionalPut replaces a record only while its ts column still equals
// expectedTS. A zero-row update is disambiguated into ErrNotFound vs
// ErrFencingConflict with a follow-up existence check.
func (s *PostgresStore) ConditionalPut(ctx context.Context, rec Record, expectedTS int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET ts = $4, data = $5
		WHERE pk = $1 AND sk = $2 AND ts = $3
	`, rec.PK, rec.SK, expectedTS, rec.TS, rec.Data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var one int
	err = s.pool.QueryRow(ctx, `
		SELECT 1 FROM `+s.table()+` WHERE pk = $1 AND sk = $2
	`, rec.PK, rec.SK).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrFencingConflict
}

// TransactWrite upserts all records inside one transaction.
func (s *PostgresStore) TransactWrite(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range recs {
		_, err := tx.Exec(ctx, `
			INSERT INTO `+s.table()+` (pk, sk, ts, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pk, sk) DO UPDATE
			SET ts = EXCLUDED.ts, data = EXCLUDED.data
		`, rec.PK, rec.SK, rec.TS, rec.Data)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// TransactWriteFenced performs the conditional replace and the extra
// upserts inside one transaction. A failed condition rolls back before
// any extra write is visible.
func (s *PostgresStore) TransactWriteFenced(ctx context.Context, fenced Record, expectedTS int64, extra []Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE `+s.table()+`
		SET ts = $4, data = $5
		WHERE pk = $1 AND sk = $2 AND ts = $3
	`, fenced.PK, fenced.SK, expectedTS, fenced.TS, fenced.Data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		var one int
		err = tx.QueryRow(ctx, `
			SELECT 1 FROM `+s.table()+` WHERE pk = $1 AND sk = $2
		`, fenced.PK, fenced.SK).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrFencingConflict
	}

	for _, rec := range extra {
		_, err := tx.Exec(ctx, `
			INSERT INTO `+s.table()+` (pk, sk, ts, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pk, sk) DO UPDATE
			SET ts = EXCLUDED.ts, data = EXCLUDED.data
		`, rec.PK, rec.SK, rec.TS, rec.Data)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Query returns all records under one partition key ordered by sort key.
func (s *PostgresStore) Query(ctx context.Context, pk string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pk, sk, ts, data
		FROM `+s.table()+`
		WHERE pk = $1
		ORDER BY sk
	`, pk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.PK, &rec.SK, &rec.TS, &rec.Data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- identifier helpers ----

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRe.MatchString(s)
}

func pgIdent(schema, table string) string {
	return schema + "." + table
}
