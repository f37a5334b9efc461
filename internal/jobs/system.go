package jobs

import (
	"context"

	"github.com/google/uuid"

	"github.com/loomstack/loom/pkg/pagination"
)

// CreateCommand is the request body for job submission.
type CreateCommand struct {
	TemplateID string         `json:"template_id"`
	Input      map[string]any `json:"input,omitempty"`
}

// System defines the public contract for job state operations. Update is
// the single mutation path: it serializes access per job, recomputes the
// aggregate after fn runs, and persists write-through before returning a
// detached snapshot.
type System interface {
	Create(ctx context.Context, cmd CreateCommand) (*Job, error)
	Find(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, page pagination.PageRequest, filters Filters) (*pagination.PageResult[Summary], error)
	Active(ctx context.Context) ([]*Job, error)
	Update(ctx context.Context, id uuid.UUID, fn func(*Job) error) (*Job, error)
}

// Store abstracts job persistence.
type Store interface {
	Insert(ctx context.Context, j *Job) error
	Save(ctx context.Context, j *Job) error
	Find(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, page pagination.PageRequest, filters Filters) (*pagination.PageResult[Summary], error)
	Active(ctx context.Context) ([]*Job, error)
}
