package batch

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no batch has the requested ID.
var ErrNotFound = errors.New("batch not found")

// Repository persists batches.
type Repository interface {
	Create(ctx context.Context, b *Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*Batch, error)
	// MarkInProgress moves a PENDING batch to IN_PROGRESS and sets started_at.
	// Batches in any other state are left untouched.
	MarkInProgress(ctx context.Context, id uuid.UUID) error
	// IncrementCounters adds the given deltas to the running counters.
	IncrementCounters(ctx context.Context, id uuid.UUID, successful, failed int) error
	Complete(ctx context.Context, id uuid.UUID, result Result) error
	// FailStale fails every batch left PENDING or IN_PROGRESS by a previous
	// process, returning how many rows changed.
	FailStale(ctx context.Context, reason string) (int64, error)
}
