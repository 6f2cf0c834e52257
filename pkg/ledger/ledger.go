// Package ledger records every query execution from submission to its
// terminal state. Records carry the fingerprint linking an execution to
// its cached results, so history entries can re-serve result pages while
// the cache holds them.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/prismhq/prism/pkg/catalog"
	"github.com/prismhq/prism/pkg/errors"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the legal status moves. Cancellation is valid from
// both pending and running; nothing leaves a terminal state.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Record is one ledger entry. Fields are set progressively: creation fills
// the identity, the terminal transition fills the outcome.
type Record struct {
	ID           uuid.UUID `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	Source       string    `json:"source"`
	CredentialID string    `json:"credential_id"`
	OwnerID      string    `json:"owner_id"`
	Status       Status    `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RowCount int               `json:"row_count"`
	Warnings []catalog.Warning `json:"warnings,omitempty"`

	// ErrorKind and ErrorMessage describe the failure for failed records
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewRecord creates a pending record for a submitted execution.
func NewRecord(fingerprint, source, credentialID, ownerID string) *Record {
	return &Record{
		ID:           uuid.New(),
		Fingerprint:  fingerprint,
		Source:       source,
		CredentialID: credentialID,
		OwnerID:      ownerID,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
}

// ListFilter selects ledger records. Zero values match everything; results
// come back newest first.
type ListFilter struct {
	OwnerID string
	Source  string
	Status  Status
	Limit   int
	Offset  int
}

// Store persists ledger records. Implementations must reject illegal
// status transitions with a conflict error.
type Store interface {
	// Create persists a new pending record.
	Create(ctx context.Context, rec *Record) error

	// Get returns a record by ID, or a not-found error.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// MarkRunning moves a pending record to running.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// Complete terminates a running record with its outcome.
	Complete(ctx context.Context, id uuid.UUID, rowCount int, warnings []catalog.Warning) error

	// Fail terminates a record with the failure classification.
	Fail(ctx context.Context, id uuid.UUID, errKind, errMessage string) error

	// Cancel terminates a pending or running record as cancelled.
	Cancel(ctx context.Context, id uuid.UUID) error

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Record, error)

	// Close releases store resources.
	Close()
}

// transitionError builds the conflict error for an illegal move.
func transitionError(id uuid.UUID, from, to Status) error {
	return errors.Newf(errors.ErrorTypeConflict,
		"execution %s cannot move from %s to %s", id, from, to)
}
