// Package jobstore is the durable ledger of in-flight AI jobs. It survives
// restarts so the orchestrators can reattach to jobs started before a crash.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"sync"
	"time"

	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/storage"
)

// DefaultKey is the process-wide storage key of the ledger
const DefaultKey = "ai-jobs"

// Store is a last-write-wins ledger of JobRecords keyed by (type, jobId).
// Every mutation is a read-modify-write of the whole ledger under one lock.
type Store struct {
	mu  sync.Mutex
	kv  storage.Store
	key string
	now func() time.Time
}

type Option func(*Store)

// WithKey overrides the storage key, letting tests run independent ledgers
// on one backend
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithClock overrides time.Now for pruning
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(kv storage.Store, opts ...Option) *Store {
	s := &Store{kv: kv, key: DefaultKey, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add inserts rec, replacing any record with the same type and job id.
func (s *Store) Add(ctx context.Context, rec model.JobRecord) error {
	if rec.JobID == "" {
		return fmt.Errorf("job record without id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	return s.update(ctx, func(records []model.JobRecord) []model.JobRecord {
		out := records[:0]
		for _, r := range records {
			if r.Key() != rec.Key() {
				out = append(out, r)
			}
		}
		return append(out, rec)
	})
}

// Remove deletes one record. Absent records are not an error.
func (s *Store) Remove(ctx context.Context, typ model.JobType, jobID string) error {
	key := model.JobKey{Type: typ, JobID: jobID}
	_, err := s.RemoveWhere(ctx, func(r model.JobRecord) bool {
		return r.Key() == key
	})
	return err
}

// RemoveWhere deletes every record matching pred and returns the removed records.
func (s *Store) RemoveWhere(ctx context.Context, pred func(model.JobRecord) bool) ([]model.JobRecord, error) {
	var removed []model.JobRecord
	err := s.update(ctx, func(records []model.JobRecord) []model.JobRecord {
		out := records[:0]
		for _, r := range records {
			if pred(r) {
				removed = append(removed, r)
				continue
			}
			out = append(out, r)
		}
		return out
	})
	return removed, err
}

// PatchMeta merges patch into the meta of an existing record. It reports
// false when the record is absent.
func (s *Store) PatchMeta(ctx context.Context, typ model.JobType, jobID string, patch map[string]any) (bool, error) {
	key := model.JobKey{Type: typ, JobID: jobID}
	found := false
	err := s.update(ctx, func(records []model.JobRecord) []model.JobRecord {
		for i := range records {
			if records[i].Key() != key {
				continue
			}
			found = true
			meta := maps.Clone(records[i].Meta)
			if meta == nil {
				meta = make(map[string]any, len(patch))
			}
			maps.Copy(meta, patch)
			records[i].Meta = meta
		}
		return records
	})
	return found, err
}

// Get returns one record
func (s *Store) Get(ctx context.Context, typ model.JobType, jobID string) (model.JobRecord, bool, error) {
	records, err := s.List(ctx, typ)
	if err != nil {
		return model.JobRecord{}, false, err
	}
	for _, r := range records {
		if r.JobID == jobID {
			return r, true, nil
		}
	}
	return model.JobRecord{}, false, nil
}

// List returns a snapshot of the ledger, optionally filtered by type. An
// empty type returns every record.
func (s *Store) List(ctx context.Context, typ model.JobType) ([]model.JobRecord, error) {
	s.mu.Lock()
	records, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if typ == "" {
		return records, nil
	}
	out := records[:0]
	for _, r := range records {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out, nil
}

// Records yields the ledger lazily. Each range over the returned sequence
// re-reads the current state; read errors end the sequence early.
func (s *Store) Records(ctx context.Context, typ model.JobType) iter.Seq[model.JobRecord] {
	return func(yield func(model.JobRecord) bool) {
		records, err := s.List(ctx, typ)
		if err != nil {
			return
		}
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}
}

// Prune removes records created more than maxAge ago and returns how many
// were removed. maxAge <= 0 removes everything.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed, err := s.RemoveWhere(ctx, func(r model.JobRecord) bool {
		return maxAge <= 0 || r.CreatedAt.Before(cutoff)
	})
	return len(removed), err
}

func (s *Store) update(ctx context.Context, fn func([]model.JobRecord) []model.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	records = fn(records)
	if err := storage.SetJSON(ctx, s.kv, s.key, records); err != nil {
		return fmt.Errorf("save job ledger: %w", err)
	}
	return nil
}

// load reads the ledger. A ledger that no longer decodes is treated as empty
// so one corrupt write cannot wedge every later job.
func (s *Store) load(ctx context.Context) ([]model.JobRecord, error) {
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job ledger: %w", err)
	}
	var records []model.JobRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, nil
	}
	return records, nil
}
