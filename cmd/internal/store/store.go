// Package store abstracts the durable record store consumed by the session
// and room subsystems.
//
// Records are keyed by (partition key, sort key) and carry a fencing stamp
// used for optimistic-concurrency writes. The business schema behind the
// payload bytes is owned by callers; this package never inspects Data.
package store

import (
	"context"
	"time"
)

// Record is one durable item. TS is the fencing stamp: the last-write
// timestamp in unix milliseconds, advanced on every successful write.
type Record struct {
	PK   string
	SK   string
	TS   int64
	Data []byte
}

// StampNow returns a fencing stamp for a write performed at now.
func StampNow(now time.Time) int64 {
	return now.UnixMilli()
}

// Store is the durable-store collaborator.
//
// ConditionalPut is the only write discipline for mutable records: it
// succeeds only while the stored fencing stamp still equals expectedTS.
// There is no lock manager and no retry loop here; on ErrFencingConflict
// the caller must re-read and decide.
type Store interface {
	// Get loads one record. Returns ErrNotFound when absent.
	Get(ctx context.Context, pk, sk string) (Record, error)

	// Put writes a record unconditionally (create or replace).
	Put(ctx context.Context, rec Record) error

	// ConditionalPut replaces a record only if its stored fencing stamp
	// still equals expectedTS. Returns ErrFencingConflict otherwise and
	// ErrNotFound when the record does not exist.
	ConditionalPut(ctx context.Context, rec Record, expectedTS int64) error

	// TransactWrite writes all records atomically (all or nothing).
	TransactWrite(ctx context.Context, recs []Record) error

	// TransactWriteFenced atomically replaces the fenced record and writes
	// the extra records, but only while the fenced record's stored stamp
	// still equals expectedTS. Returns ErrFencingConflict otherwise and
	// ErrNotFound when the fenced record does not exist; in both cases no
	// record is written.
	TransactWriteFenced(ctx context.Context, fenced Record, expectedTS int64, extra []Record) error

	// Query returns all records under one partition key.
	Query(ctx context.Context, pk string) ([]Record, error)
}
