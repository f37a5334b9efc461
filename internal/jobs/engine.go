package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/templates"
	"github.com/loomstack/loom/pkg/pagination"
)

// engine implements System with a keyed mutex per job. The authoritative
// copy of an active job lives in memory and is written through to the
// store on every mutation; terminal jobs are evicted and served from the
// store afterwards.
type engine struct {
	store     Store
	templates *templates.Store
	registry  *registry.Registry
	logger    *slog.Logger

	mu      sync.Mutex
	tracked map[uuid.UUID]*trackedJob
}

type trackedJob struct {
	mu  sync.Mutex
	job *Job
}

// New creates the job system backed by the given store.
func New(store Store, ts *templates.Store, reg *registry.Registry, logger *slog.Logger) System {
	return &engine{
		store:     store,
		templates: ts,
		registry:  reg,
		logger:    logger.With("system", "jobs"),
		tracked:   make(map[uuid.UUID]*trackedJob),
	}
}

func (e *engine) Create(ctx context.Context, cmd CreateCommand) (*Job, error) {
	t, err := e.templates.Lookup(cmd.TemplateID)
	if err != nil {
		return nil, err
	}

	job, err := NewJob(t, e.registry, cmd.Input)
	if err != nil {
		return nil, err
	}

	if err := e.store.Insert(ctx, job); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.tracked[job.ID] = &trackedJob{job: job}
	e.mu.Unlock()

	e.logger.Info("job created",
		"job_id", job.ID,
		"template", job.TemplateID,
		"steps", len(job.Steps),
	)

	return job.Clone(), nil
}

func (e *engine) Find(ctx context.Context, id uuid.UUID) (*Job, error) {
	e.mu.Lock()
	tracked, ok := e.tracked[id]
	e.mu.Unlock()

	if ok {
		tracked.mu.Lock()
		snapshot := tracked.job.Clone()
		tracked.mu.Unlock()
		return snapshot, nil
	}

	return e.store.Find(ctx, id)
}

func (e *engine) List(ctx context.Context, page pagination.PageRequest, filters Filters) (*pagination.PageResult[Summary], error) {
	return e.store.List(ctx, page, filters)
}

func (e *engine) Active(ctx context.Context) ([]*Job, error) {
	jobs, err := e.store.Active(ctx)
	if err != nil {
		return nil, err
	}

	// Tracked copies are fresher than the store in the window between a
	// mutation and its write-through; prefer them.
	for i, j := range jobs {
		e.mu.Lock()
		tracked, ok := e.tracked[j.ID]
		e.mu.Unlock()
		if ok {
			tracked.mu.Lock()
			jobs[i] = tracked.job.Clone()
			tracked.mu.Unlock()
		}
	}

	return jobs, nil
}

func (e *engine) Update(ctx context.Context, id uuid.UUID, fn func(*Job) error) (*Job, error) {
	tracked, err := e.track(ctx, id)
	if err != nil {
		return nil, err
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()

	// Mutate a clone and swap it in only once the write-through lands,
	// so a failing fn or save cannot leave memory ahead of the store.
	updated := tracked.job.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}

	updated.refresh()

	if err := e.store.Save(ctx, updated); err != nil {
		return nil, err
	}

	tracked.job = updated
	snapshot := updated.Clone()

	if snapshot.Terminal() {
		e.mu.Lock()
		delete(e.tracked, id)
		e.mu.Unlock()
	}

	return snapshot, nil
}

// track returns the in-memory record for a job, loading it from the
// store on first touch after a restart.
func (e *engine) track(ctx context.Context, id uuid.UUID) (*trackedJob, error) {
	e.mu.Lock()
	if tracked, ok := e.tracked[id]; ok {
		e.mu.Unlock()
		return tracked, nil
	}
	e.mu.Unlock()

	job, err := e.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if tracked, ok := e.tracked[id]; ok {
		return tracked, nil
	}
	tracked := &trackedJob{job: job}
	e.tracked[id] = tracked
	return tracked, nil
}
