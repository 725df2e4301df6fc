package port

import (
	"context"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

// Mutation edits a job in place. Returning an error aborts the update and
// leaves the stored record untouched.
type Mutation func(j *domain.Job) error

type JobStore interface {
	Create(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	// List returns matching jobs oldest first.
	List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
	// Update applies fn atomically with respect to other updates of the same
	// job and returns the stored result.
	Update(ctx context.Context, id string, fn Mutation) (*domain.Job, error)
	Delete(ctx context.Context, id string) error
}
