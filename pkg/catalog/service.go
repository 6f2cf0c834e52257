package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/metrics"
)

// Discoverer fetches field metadata from a backend under one credential.
// Implementations live with the source connectors; the service only cares
// about the normalized descriptors and any partial-schema warnings.
//
// A non-nil error with non-empty fields means partial discovery is NOT
// acceptable; to report a usable partial schema, return the fields read so
// far together with WarnPartialSchema warnings and a nil error.
type Discoverer interface {
	DiscoverFields(ctx context.Context, credentialID string) ([]FieldDescriptor, []Warning, error)
}

// Service owns the active catalog version per (source, credential) scope.
// Reads return immutable snapshots; Refresh swaps versions atomically and
// never discards a working catalog on a failed rediscovery.
type Service struct {
	mu          sync.RWMutex
	active      map[scopeKey]*FieldCatalog
	versions    map[scopeKey]int64
	discoverers map[string]Discoverer
	logger      *zap.Logger
}

type scopeKey struct {
	source       string
	credentialID string
}

// NewService creates a catalog service with the given per-source discoverers.
func NewService(discoverers map[string]Discoverer) *Service {
	return &Service{
		active:      make(map[scopeKey]*FieldCatalog),
		versions:    make(map[scopeKey]int64),
		discoverers: discoverers,
		logger:      logger.Get().With(zap.String("component", "field_catalog")),
	}
}

// GetCached returns the active catalog for the scope, if one exists.
func (s *Service) GetCached(source, credentialID string) (*FieldCatalog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cat, ok := s.active[scopeKey{source, credentialID}]
	return cat, ok
}

// Discover returns the active catalog for the scope, running discovery
// first if no version exists yet.
func (s *Service) Discover(ctx context.Context, source, credentialID string) (*FieldCatalog, error) {
	if cat, ok := s.GetCached(source, credentialID); ok {
		return cat, nil
	}
	return s.Refresh(ctx, source, credentialID)
}

// Refresh forces rediscovery for the scope. The new version replaces the
// active one only when discovery fully succeeds or reports a documented
// partial schema; a hard failure leaves the previous version active and
// returns the error.
func (s *Service) Refresh(ctx context.Context, source, credentialID string) (*FieldCatalog, error) {
	disc, ok := s.discoverers[source]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no discoverer registered for source %s", source)
	}

	fields, warnings, err := disc.DiscoverFields(ctx, credentialID)
	if err != nil {
		metrics.CatalogRefreshes.WithLabelValues(source, "error").Inc()
		s.logger.Warn("catalog discovery failed, keeping previous version",
			zap.String("source", source),
			zap.String("credential_id", credentialID),
			zap.Error(err))
		return nil, err
	}
	if len(fields) == 0 {
		metrics.CatalogRefreshes.WithLabelValues(source, "error").Inc()
		return nil, errors.Newf(errors.ErrorTypeQuery, "discovery for source %s returned no fields", source)
	}

	key := scopeKey{source, credentialID}

	s.mu.Lock()
	s.versions[key]++
	cat := NewFieldCatalog(source, credentialID, s.versions[key], fields, warnings)
	s.active[key] = cat
	s.mu.Unlock()

	outcome := "ok"
	if cat.IsPartial() {
		outcome = "partial"
	}
	metrics.CatalogRefreshes.WithLabelValues(source, outcome).Inc()

	s.logger.Info("catalog version activated",
		zap.String("source", source),
		zap.String("credential_id", credentialID),
		zap.Int64("version", cat.Version),
		zap.Int("fields", len(cat.Fields)),
		zap.Int("warnings", len(cat.Warnings)))

	return cat, nil
}

// Invalidate drops the active catalog for the scope, forcing the next
// Discover to hit the backend. Used on credential rotation.
func (s *Service) Invalidate(source, credentialID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, scopeKey{source, credentialID})
}

// ActiveVersion returns the active catalog version for the scope, or 0.
func (s *Service) ActiveVersion(source, credentialID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cat, ok := s.active[scopeKey{source, credentialID}]; ok {
		return cat.Version
	}
	return 0
}
