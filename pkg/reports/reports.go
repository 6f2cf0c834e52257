// Package reports implements the custom report repository: named, owned
// query definitions that can be re-executed later with parameter overrides.
package reports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/query"
)

// CustomReport is one saved report definition. Locked reports are
// system-provided templates that owners can execute but not modify.
type CustomReport struct {
	ID          uuid.UUID        `json:"id"`
	OwnerID     string           `json:"owner_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Definition  query.Definition `json:"definition"`
	Locked      bool             `json:"locked"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Store persists custom reports. Stores are plain CRUD; ownership and
// lock rules live in Repository.
type Store interface {
	Insert(ctx context.Context, report *CustomReport) error
	Fetch(ctx context.Context, id uuid.UUID) (*CustomReport, error)
	Save(ctx context.Context, report *CustomReport) error
	Remove(ctx context.Context, id uuid.UUID) error
	FetchAll(ctx context.Context, ownerID string) ([]*CustomReport, error)
	Close()
}

// ScheduleChecker reports whether an external scheduler still references a
// report. Deletion is refused while a schedule depends on it.
type ScheduleChecker interface {
	InUse(ctx context.Context, reportID uuid.UUID) (bool, error)
}

// Repository applies ownership, locking, and schedule rules on top of a
// Store.
type Repository struct {
	store     Store
	schedules ScheduleChecker
}

// NewRepository creates a repository. schedules may be nil when no
// scheduler integration exists.
func NewRepository(store Store, schedules ScheduleChecker) *Repository {
	return &Repository{store: store, schedules: schedules}
}

// Create saves a new report for the owner.
func (r *Repository) Create(ctx context.Context, ownerID, name, description string, def query.Definition) (*CustomReport, error) {
	if name == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "report name is required")
	}

	now := time.Now().UTC()
	report := &CustomReport{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Name:        name,
		Description: description,
		Definition:  def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Insert(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Get returns a report visible to the owner. Locked reports are visible to
// everyone; private reports only to their owner.
func (r *Repository) Get(ctx context.Context, id uuid.UUID, ownerID string) (*CustomReport, error) {
	report, err := r.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !report.Locked && report.OwnerID != ownerID {
		// hide other owners' reports entirely
		return nil, errors.Newf(errors.ErrorTypeNotFound, "report %s not found", id)
	}
	return report, nil
}

// Update replaces a report's name, description, and definition.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, ownerID, name, description string, def query.Definition) (*CustomReport, error) {
	report, err := r.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if report.Locked {
		return nil, errors.Newf(errors.ErrorTypeConflict, "report %s is locked and cannot be modified", id)
	}
	if name != "" {
		report.Name = name
	}
	report.Description = description
	report.Definition = def
	report.UpdatedAt = time.Now().UTC()

	if err := r.store.Save(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Delete removes a report unless it is locked or still scheduled.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	report, err := r.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if report.Locked {
		return errors.Newf(errors.ErrorTypeConflict, "report %s is locked and cannot be deleted", id)
	}
	if r.schedules != nil {
		inUse, err := r.schedules.InUse(ctx, id)
		if err != nil {
			return err
		}
		if inUse {
			return errors.Newf(errors.ErrorTypeConflict, "report %s is referenced by an active schedule", id)
		}
	}
	return r.store.Remove(ctx, id)
}

// List returns the owner's reports plus all locked templates.
func (r *Repository) List(ctx context.Context, ownerID string) ([]*CustomReport, error) {
	return r.store.FetchAll(ctx, ownerID)
}

// Close releases the underlying store.
func (r *Repository) Close() {
	r.store.Close()
}
