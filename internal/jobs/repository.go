package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomstack/loom/pkg/pagination"
	"github.com/loomstack/loom/pkg/query"
	"github.com/loomstack/loom/pkg/repository"
)

type store struct {
	db         *sql.DB
	logger     *slog.Logger
	pagination pagination.Config
}

// NewStore creates a Postgres-backed job store.
func NewStore(db *sql.DB, logger *slog.Logger, pagination pagination.Config) Store {
	return &store{
		db:         db,
		logger:     logger.With("system", "jobs.store"),
		pagination: pagination,
	}
}

const insertJobQuery = `
	INSERT INTO jobs(id, template_id, input, status, completed_steps, total_steps, created_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const insertStepQuery = `
	INSERT INTO job_steps(
		job_id, position, name, spec, optional, depends_on, status,
		task_key, task_handle, attempts, error_kind, error_message, error_retryable,
		output, started_at, completed_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

const updateJobQuery = `
	UPDATE jobs
	SET status = $2, completed_steps = $3, total_steps = $4, completed_at = $5
	WHERE id = $1`

const updateStepQuery = `
	UPDATE job_steps
	SET status = $3, task_key = $4, task_handle = $5, attempts = $6,
		error_kind = $7, error_message = $8, error_retryable = $9,
		output = $10, started_at = $11, completed_at = $12
	WHERE job_id = $1 AND name = $2`

const findJobQuery = `
	SELECT id, template_id, input, status, completed_steps, total_steps, created_at, completed_at
	FROM jobs
	WHERE id = $1`

const activeJobsQuery = `
	SELECT id, template_id, input, status, completed_steps, total_steps, created_at, completed_at
	FROM jobs
	WHERE status IN ('created', 'running')
	ORDER BY created_at`

const findStepsQuery = `
	SELECT name, spec, optional, depends_on, status,
		task_key, task_handle, attempts, error_kind, error_message, error_retryable,
		output, started_at, completed_at
	FROM job_steps
	WHERE job_id = $1
	ORDER BY position`

func (s *store) Insert(ctx context.Context, j *Job) error {
	input, err := encodeInput(j.Input)
	if err != nil {
		return err
	}

	_, err = repository.WithTx(ctx, s.db, func(tx *sql.Tx) (struct{}, error) {
		if _, err := tx.ExecContext(ctx, insertJobQuery,
			j.ID, j.TemplateID, input, j.Status,
			j.Progress.CompletedSteps, j.Progress.TotalSteps,
			j.CreatedAt, j.CompletedAt,
		); err != nil {
			return struct{}{}, fmt.Errorf("insert job: %w", err)
		}

		for i := range j.Steps {
			step := &j.Steps[i]
			deps, err := encodeDependsOn(step.DependsOn)
			if err != nil {
				return struct{}{}, err
			}
			kind, message, retryable := stepErrorColumns(step)

			if _, err := tx.ExecContext(ctx, insertStepQuery,
				j.ID, i, step.Name, step.Spec, step.Optional, deps, step.Status,
				nullable(step.TaskKey), nullable(step.TaskHandle), step.Attempts,
				kind, message, retryable,
				rawOrNil(step.Output), step.StartedAt, step.CompletedAt,
			); err != nil {
				return struct{}{}, fmt.Errorf("insert step %q: %w", step.Name, err)
			}
		}

		return struct{}{}, nil
	})

	return repository.MapError(err, ErrNotFound, ErrDuplicate)
}

func (s *store) Save(ctx context.Context, j *Job) error {
	_, err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) (struct{}, error) {
		if err := repository.ExecExpectOne(ctx, tx, updateJobQuery,
			j.ID, j.Status,
			j.Progress.CompletedSteps, j.Progress.TotalSteps,
			j.CompletedAt,
		); err != nil {
			return struct{}{}, fmt.Errorf("update job: %w", err)
		}

		for i := range j.Steps {
			step := &j.Steps[i]
			kind, message, retryable := stepErrorColumns(step)

			if err := repository.ExecExpectOne(ctx, tx, updateStepQuery,
				j.ID, step.Name, step.Status,
				nullable(step.TaskKey), nullable(step.TaskHandle), step.Attempts,
				kind, message, retryable,
				rawOrNil(step.Output), step.StartedAt, step.CompletedAt,
			); err != nil {
				return struct{}{}, fmt.Errorf("update step %q: %w", step.Name, err)
			}
		}

		return struct{}{}, nil
	})

	return repository.MapError(err, ErrNotFound, ErrDuplicate)
}

func (s *store) Find(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := repository.QueryOne(ctx, s.db, findJobQuery, []any{id}, scanJob)
	if err != nil {
		return nil, repository.MapError(err, ErrNotFound, ErrDuplicate)
	}

	if err := s.loadSteps(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *store) List(
	ctx context.Context,
	page pagination.PageRequest,
	filters Filters,
) (*pagination.PageResult[Summary], error) {
	page.Normalize(s.pagination)

	qb := query.
		NewBuilder(projection, defaultSort).
		WhereSearch(page.Search, "TemplateID")

	filters.Apply(qb)

	if len(page.Sort) > 0 {
		qb.OrderByFields(page.Sort)
	}

	countSQL, countArgs := qb.BuildCount()
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	pageSQL, pageArgs := qb.BuildPage(page.Page, page.PageSize)
	summaries, err := repository.QueryMany(ctx, s.db, pageSQL, pageArgs, scanSummary)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	result := pagination.NewPageResult(summaries, total, page.Page, page.PageSize)
	return &result, nil
}

func (s *store) Active(ctx context.Context) ([]*Job, error) {
	jobs, err := repository.QueryMany(ctx, s.db, activeJobsQuery, nil, scanJob)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}

	for _, j := range jobs {
		if err := s.loadSteps(ctx, j); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *store) loadSteps(ctx context.Context, j *Job) error {
	steps, err := repository.QueryMany(ctx, s.db, findStepsQuery, []any{j.ID}, scanStep)
	if err != nil {
		return fmt.Errorf("query steps for job %s: %w", j.ID, err)
	}
	j.Steps = steps
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
