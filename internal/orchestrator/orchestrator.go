package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/dispatch"
	"github.com/loomstack/loom/internal/jobs"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/pkg/lifecycle"
	"github.com/loomstack/loom/pkg/pagination"
)

type orchestrator struct {
	jobs       jobs.System
	dispatcher *dispatch.Dispatcher
	queue      dispatch.Queue
	registry   *registry.Registry
	logger     *slog.Logger
	pagination pagination.Config

	timerMu sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// New creates the orchestration system.
func New(
	jobSys jobs.System,
	dispatcher *dispatch.Dispatcher,
	queue dispatch.Queue,
	reg *registry.Registry,
	logger *slog.Logger,
	pagination pagination.Config,
) System {
	return &orchestrator{
		jobs:       jobSys,
		dispatcher: dispatcher,
		queue:      queue,
		registry:   reg,
		logger:     logger.With("system", "orchestrator"),
		pagination: pagination,
		timers:     make(map[string]*time.Timer),
	}
}

func (o *orchestrator) Handler() *Handler {
	return NewHandler(o, o.logger, o.pagination)
}

func (o *orchestrator) Submit(ctx context.Context, cmd jobs.CreateCommand) (*jobs.Job, error) {
	job, err := o.jobs.Create(ctx, cmd)
	if err != nil {
		return nil, err
	}

	return o.advance(ctx, job.ID)
}

func (o *orchestrator) Status(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	return o.jobs.Find(ctx, id)
}

func (o *orchestrator) List(
	ctx context.Context,
	page pagination.PageRequest,
	filters jobs.Filters,
) (*pagination.PageResult[jobs.Summary], error) {
	return o.jobs.List(ctx, page, filters)
}

// Cancel marks the job cancelled and issues best-effort broker revokes
// for in-flight attempts. Cancelling a terminal job is a no-op returning
// the final snapshot.
func (o *orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	var handles []string

	job, err := o.jobs.Update(ctx, id, func(j *jobs.Job) error {
		if j.Terminal() {
			return nil
		}
		handles = j.Cancel()
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, handle := range handles {
		if err := o.queue.Cancel(ctx, handle); err != nil {
			o.logger.Warn("broker cancel failed", "job_id", id, "handle", handle, "error", err)
		}
	}

	if len(handles) > 0 {
		o.logger.Info("job cancelled", "job_id", id, "revoked", len(handles))
	}

	return job, nil
}

// ApplyOutcome records a worker-reported attempt outcome. Deliveries for
// terminal jobs, terminal steps, or stale attempts are acknowledged
// without effect. A terminal outcome triggers retry scheduling or
// dispatch of newly ready steps.
func (o *orchestrator) ApplyOutcome(ctx context.Context, id uuid.UUID, step string, outcome Outcome) (*jobs.Job, error) {
	var (
		retryDelay time.Duration
		retryStep  string
		advance    bool
	)

	job, err := o.jobs.Update(ctx, id, func(j *jobs.Job) error {
		if j.Terminal() {
			return nil
		}

		s := j.Step(step)
		if s == nil {
			return jobs.ErrUnknownStep
		}
		if s.Status.Terminal() {
			return nil
		}
		if outcome.Attempt != 0 && outcome.Attempt != s.Attempts {
			return nil
		}

		switch outcome.Status {
		case OutcomeRunning:
			return j.MarkRunning(step)

		case OutcomeSucceeded:
			if err := j.MarkSucceeded(step, outcome.Result); err != nil {
				return err
			}
			advance = true
			return nil

		case OutcomeFailed:
			stepErr := outcome.Error
			if stepErr == nil {
				stepErr = &jobs.StepError{Kind: jobs.ErrorKindExternal, Message: "step failed"}
			}

			spec, err := o.registry.Lookup(s.Spec)
			if err != nil {
				return err
			}

			if stepErr.Retryable && spec.Retry.Allows(s.Attempts) {
				if err := j.MarkRetrying(step, stepErr); err != nil {
					return err
				}
				retryStep = step
				retryDelay = spec.Retry.Delay(s.Attempts)
				return nil
			}

			if err := j.MarkFailedPermanent(step, stepErr); err != nil {
				return err
			}
			advance = true
			return nil

		default:
			return jobs.ErrInvalidTransition
		}
	})
	if err != nil {
		return nil, err
	}

	if retryStep != "" {
		o.scheduleRetry(id, retryStep, retryDelay)
	}

	if advance && !job.Terminal() {
		return o.advance(ctx, id)
	}
	return job, nil
}

// Resume reloads non-terminal jobs after a restart. Pending steps whose
// dependencies are met are dispatched; steps stranded in submitted are
// re-submitted under their original task key, which makes the duplicate
// harmless to workers that already saw it. Steps reported running are
// left for their outcome delivery.
func (o *orchestrator) Resume(ctx context.Context) error {
	active, err := o.jobs.Active(ctx)
	if err != nil {
		return err
	}

	for _, job := range active {
		resubmit := make([]string, 0)
		for i := range job.Steps {
			if job.Steps[i].Status == jobs.StepSubmitted {
				resubmit = append(resubmit, job.Steps[i].Name)
			}
		}

		if _, err := o.dispatchSteps(ctx, job.ID, resubmit); err != nil {
			o.logger.Error("resume dispatch failed", "job_id", job.ID, "error", err)
			continue
		}
		if _, err := o.advance(ctx, job.ID); err != nil {
			o.logger.Error("resume advance failed", "job_id", job.ID, "error", err)
		}
	}

	o.logger.Info("resume complete", "jobs", len(active))
	return nil
}

// Start wires the orchestrator into the application lifecycle: resume on
// startup, stop retry timers on shutdown.
func (o *orchestrator) Start(lc *lifecycle.Coordinator) {
	lc.OnStartup(func() {
		if err := o.Resume(lc.Context()); err != nil {
			o.logger.Error("resume failed", "error", err)
		}
	})

	lc.OnShutdown(func() {
		<-lc.Context().Done()
		o.stopTimers()
	})
}

// advance dispatches every ready pending step of the job.
func (o *orchestrator) advance(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	var ready []string

	job, err := o.jobs.Update(ctx, id, func(j *jobs.Job) error {
		if !j.Terminal() {
			ready = j.Ready()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(ready) == 0 {
		return job, nil
	}
	return o.dispatchSteps(ctx, id, ready)
}

// dispatchSteps is the single submission path. It transitions the named
// steps to submitted under the job lock, performs payload assembly and
// broker submission against the resulting snapshot, then records handles
// and applies submission failures as outcomes.
func (o *orchestrator) dispatchSteps(ctx context.Context, id uuid.UUID, names []string) (*jobs.Job, error) {
	if len(names) == 0 {
		return o.jobs.Find(ctx, id)
	}

	submitted := make([]string, 0, len(names))

	job, err := o.jobs.Update(ctx, id, func(j *jobs.Job) error {
		if j.Terminal() {
			return nil
		}
		for _, name := range names {
			s := j.Step(name)
			if s == nil {
				return jobs.ErrUnknownStep
			}

			switch s.Status {
			case jobs.StepPending, jobs.StepFailedRetrying, jobs.StepSubmitted:
			default:
				continue
			}

			attempt := s.Attempts
			if s.Status != jobs.StepSubmitted {
				attempt++
			}
			if err := j.MarkSubmitted(name, dispatch.TaskKey(j.ID, name, attempt)); err != nil {
				return err
			}
			submitted = append(submitted, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(submitted) == 0 {
		return job, nil
	}

	results := o.dispatcher.Submit(ctx, job, submitted)

	failed := make(map[string]*jobs.StepError)
	job, err = o.jobs.Update(ctx, id, func(j *jobs.Job) error {
		for _, res := range results {
			if res.Err != nil {
				failed[res.Step] = dispatch.ClassifyError(res.Err)
				continue
			}
			if err := j.MarkDispatched(res.Step, res.Handle); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for step, stepErr := range failed {
		o.logger.Warn("submission failed",
			"job_id", id,
			"step", step,
			"kind", stepErr.Kind,
			"error", stepErr.Message,
		)

		job, err = o.ApplyOutcome(ctx, id, step, Outcome{
			Status: OutcomeFailed,
			Error:  stepErr,
		})
		if err != nil {
			return nil, err
		}
	}

	return job, nil
}

func (o *orchestrator) scheduleRetry(id uuid.UUID, step string, delay time.Duration) {
	key := id.String() + "/" + step

	o.timerMu.Lock()
	defer o.timerMu.Unlock()

	if o.stopped {
		return
	}
	if existing, ok := o.timers[key]; ok {
		existing.Stop()
	}

	o.logger.Info("retry scheduled", "job_id", id, "step", step, "delay", delay)

	o.timers[key] = time.AfterFunc(delay, func() {
		o.timerMu.Lock()
		delete(o.timers, key)
		stopped := o.stopped
		o.timerMu.Unlock()
		if stopped {
			return
		}

		if _, err := o.retry(context.Background(), id, step); err != nil {
			o.logger.Error("retry dispatch failed", "job_id", id, "step", step, "error", err)
		}
	})
}

// retry re-submits a step waiting in failed_retrying. The job may have
// been cancelled while the timer ran; dispatchSteps skips anything no
// longer eligible.
func (o *orchestrator) retry(ctx context.Context, id uuid.UUID, step string) (*jobs.Job, error) {
	return o.dispatchSteps(ctx, id, []string{step})
}

func (o *orchestrator) stopTimers() {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()

	o.stopped = true
	for key, timer := range o.timers {
		timer.Stop()
		delete(o.timers, key)
	}
}
