package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used for dev mode and tests.
// It honors the same fencing semantics as the Postgres adapter.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]map[string]Record // pk -> sk -> record
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]map[string]Record)}
}

// Get loads one record.
func (s *MemoryStore) Get(ctx context.Context, pk, sk string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[pk][sk]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Put writes a record unconditionally.
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(rec)
	return nil
}

// ConditionalPut replaces a record only while the fencing stamp matches.
func (s *MemoryStore) ConditionalPut(ctx context.Context, rec Record, expectedTS int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[rec.PK][rec.SK]
	if !ok {
		return ErrNotFound
	}
	if cur.TS != expectedTS {
		return ErrFencingConflict
	}

	s.putLocked(rec)
	return nil
}

// TransactWrite applies all writes under one lock acquisition.
func (s *MemoryStore) TransactWrite(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		s.putLocked(rec)
	}
	return nil
}

// TransactWriteFenced applies the fenced replace and the extra writes
// under one lock acquisition, or nothing at all.
func (s *MemoryStore) TransactWriteFenced(ctx context.Context, fenced Record, expectedTS int64, extra []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[fenced.PK][fenced.SK]
	if !ok {
		return ErrNotFound
	}
	if cur.TS != expectedTS {
		return ErrFencingConflict
	}

	s.putLocked(fenced)
	for _, rec := range extra {
		s.putLocked(rec)
	}
	return nil
}

// Query returns all records under pk ordered by sort key.
func (s *MemoryStore) Query(ctx context.Context, pk string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.items[pk]
	out := make([]Record, 0, len(part))
	for _, rec := range part {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SK < out[j].SK })
	return out, nil
}

func (s *MemoryStore) putLocked(rec Record) {
	part := s.items[rec.PK]
	if part == nil {
		part = make(map[string]Record)
		s.items[rec.PK] = part
	}
	part[rec.SK] = cloneRecord(rec)
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Data = append([]byte(nil), rec.Data...)
	return out
}
