package reports

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/prismhq/prism/pkg/errors"
)

// MemoryStore is the in-memory report store for dev deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[uuid.UUID]*CustomReport
}

// NewMemoryStore creates an empty in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[uuid.UUID]*CustomReport)}
}

func (s *MemoryStore) Insert(ctx context.Context, report *CustomReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reports[report.ID]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "report %s already exists", report.ID)
	}
	clone := *report
	s.reports[report.ID] = &clone
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, id uuid.UUID) (*CustomReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "report %s not found", id)
	}
	clone := *report
	return &clone, nil
}

func (s *MemoryStore) Save(ctx context.Context, report *CustomReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[report.ID]; !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "report %s not found", report.ID)
	}
	clone := *report
	s.reports[report.ID] = &clone
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[id]; !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "report %s not found", id)
	}
	delete(s.reports, id)
	return nil
}

func (s *MemoryStore) FetchAll(ctx context.Context, ownerID string) ([]*CustomReport, error) {
	s.mu.RLock()
	var out []*CustomReport
	for _, report := range s.reports {
		if report.OwnerID == ownerID || report.Locked {
			clone := *report
			out = append(out, &clone)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Close() {}
