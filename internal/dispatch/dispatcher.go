package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomstack/loom/internal/jobs"
	"github.com/loomstack/loom/internal/prompts"
	"github.com/loomstack/loom/internal/registry"
)

// Dispatcher turns marked-submitted steps into broker tasks. Callers
// transition steps to submitted under the job lock first; Submit then
// performs the network work against a detached snapshot.
type Dispatcher struct {
	queue    Queue
	prompts  prompts.System
	registry *registry.Registry
	limit    int
	logger   *slog.Logger
}

// Result reports the submission outcome for one step.
type Result struct {
	Step   string
	Handle string
	Err    error
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	queue Queue,
	promptSys prompts.System,
	reg *registry.Registry,
	cfg *Config,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		prompts:  promptSys,
		registry: reg,
		limit:    cfg.Concurrency,
		logger:   logger.With("system", "dispatch"),
	}
}

// Submit builds and submits a task for each named step, fanning out with
// bounded concurrency. Every step gets a Result; a failed sibling does
// not abort the rest.
func (d *Dispatcher) Submit(ctx context.Context, j *jobs.Job, steps []string) []Result {
	results := make([]Result, len(steps))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limit)

	for i, name := range steps {
		g.Go(func() error {
			handle, err := d.submitOne(gctx, j, name)

			mu.Lock()
			results[i] = Result{Step: name, Handle: handle, Err: err}
			mu.Unlock()
			return nil
		})
	}

	g.Wait()
	return results
}

func (d *Dispatcher) submitOne(ctx context.Context, j *jobs.Job, name string) (string, error) {
	task, err := d.Build(ctx, j, name)
	if err != nil {
		return "", err
	}

	handle, err := d.queue.Submit(ctx, task)
	if err != nil {
		return "", err
	}

	d.logger.Info("task submitted",
		"job_id", j.ID,
		"step", name,
		"queue", task.Queue,
		"attempt", task.Attempt,
		"handle", handle,
	)
	return handle, nil
}

// Build assembles the task payload for a step: gathered inputs plus the
// resolved prompt when the spec binds one. The step must already carry
// its task key from the submitted transition.
func (d *Dispatcher) Build(ctx context.Context, j *jobs.Job, name string) (Task, error) {
	step := j.Step(name)
	if step == nil {
		return Task{}, jobs.ErrUnknownStep
	}

	spec, err := d.registry.Lookup(step.Spec)
	if err != nil {
		return Task{}, err
	}

	input, err := GatherInputs(j, spec)
	if err != nil {
		return Task{}, err
	}

	task := Task{
		TaskKey: step.TaskKey,
		JobID:   j.ID,
		Step:    name,
		Spec:    step.Spec,
		Queue:   spec.Queue,
		Attempt: step.Attempts,
		Input:   input,
	}

	if spec.Prompt != nil {
		resolution, err := d.prompts.Resolve(ctx, prompts.Request{
			Name:      spec.Prompt.Name,
			Language:  stringInput(j, "language"),
			Domain:    stringInput(j, "domain"),
			Variables: input,
		})
		if err != nil {
			return Task{}, err
		}
		task.Prompt = resolution.Text
		task.PromptJSON = spec.Prompt.JSON
	}

	return task, nil
}

func stringInput(j *jobs.Job, key string) string {
	if v, ok := j.Input[key].(string); ok {
		return v
	}
	return ""
}

// ClassifyError converts a submission failure into the step error that
// the outcome path records. Broker and prompt store outages are
// retryable; a prompt that cannot resolve or render never will, so those
// fail the attempt permanently.
func ClassifyError(err error) *jobs.StepError {
	var notFound *prompts.NotFoundError
	if errors.As(err, &notFound) {
		return &jobs.StepError{Kind: jobs.ErrorKindPrompt, Message: err.Error()}
	}

	var format *prompts.FormatError
	if errors.As(err, &format) {
		return &jobs.StepError{Kind: jobs.ErrorKindFormat, Message: err.Error()}
	}

	if errors.Is(err, ErrUnreachable) || errors.Is(err, prompts.ErrUnavailable) {
		return &jobs.StepError{Kind: jobs.ErrorKindDispatch, Message: err.Error(), Retryable: true}
	}

	return &jobs.StepError{Kind: jobs.ErrorKindDispatch, Message: err.Error()}
}
