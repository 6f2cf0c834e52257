package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
)

// MemoryStore is the in-memory ledger used for dev deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*Record)}
}

// Create persists a new pending record.
func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "execution %s already recorded", rec.ID)
	}
	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "execution %s not found", id)
	}
	clone := *rec
	return &clone, nil
}

// MarkRunning moves a pending record to running.
func (s *MemoryStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return s.update(id, StatusRunning, func(rec *Record) {
		now := time.Now().UTC()
		rec.StartedAt = &now
	})
}

// Complete terminates a running record with its outcome.
func (s *MemoryStore) Complete(ctx context.Context, id uuid.UUID, rowCount int, warnings []catalog.Warning) error {
	return s.update(id, StatusCompleted, func(rec *Record) {
		now := time.Now().UTC()
		rec.CompletedAt = &now
		rec.RowCount = rowCount
		rec.Warnings = warnings
	})
}

// Fail terminates a record with the failure classification.
func (s *MemoryStore) Fail(ctx context.Context, id uuid.UUID, errKind, errMessage string) error {
	return s.update(id, StatusFailed, func(rec *Record) {
		now := time.Now().UTC()
		rec.CompletedAt = &now
		rec.ErrorKind = errKind
		rec.ErrorMessage = errMessage
	})
}

// Cancel terminates a pending or running record as cancelled.
func (s *MemoryStore) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.update(id, StatusCancelled, func(rec *Record) {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	})
}

// List returns matching records newest first.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	s.mu.RLock()
	var out []*Record
	for _, rec := range s.records {
		if filter.OwnerID != "" && rec.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Source != "" && rec.Source != filter.Source {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// update applies one validated status transition.
func (s *MemoryStore) update(id uuid.UUID, to Status, apply func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "execution %s not found", id)
	}
	if !CanTransition(rec.Status, to) {
		return transitionError(id, rec.Status, to)
	}
	rec.Status = to
	apply(rec)
	return nil
}
