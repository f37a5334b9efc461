package jobs

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/templates"
)

// NewJob materializes a job from a template: one pending StepExecution
// per template step, with spec metadata copied in. Required payload keys
// must be satisfiable from the job input or from an upstream step's
// output before the job is accepted.
func NewJob(t templates.Template, reg *registry.Registry, input map[string]any) (*Job, error) {
	stepNames := make(map[string]bool, len(t.Steps))
	for _, ref := range t.Steps {
		stepNames[ref.Name] = true
	}

	steps := make([]StepExecution, 0, len(t.Steps))
	for _, ref := range t.Steps {
		spec, err := reg.Lookup(ref.Spec)
		if err != nil {
			return nil, err
		}

		for _, key := range spec.Inputs {
			if _, ok := input[key]; ok {
				continue
			}
			if stepNames[key] {
				continue
			}
			return nil, fmt.Errorf("%w: step %q requires %q", ErrMissingInput, ref.Name, key)
		}

		steps = append(steps, StepExecution{
			Name:      ref.Name,
			Spec:      ref.Spec,
			Optional:  spec.Optional,
			DependsOn: append([]templates.Dependency(nil), ref.DependsOn...),
			Status:    StepPending,
		})
	}

	j := &Job{
		ID:         uuid.New(),
		TemplateID: t.ID,
		Input:      input,
		Status:     JobCreated,
		Steps:      steps,
		CreatedAt:  time.Now().UTC(),
	}
	j.refresh()
	return j, nil
}

// refresh recomputes progress and the aggregate status from step state.
// Cancelled is sticky: it is set by Cancel and never recomputed away.
func (j *Job) refresh() {
	completed := 0
	for i := range j.Steps {
		if j.Steps[i].Status.Terminal() {
			completed++
		}
	}

	j.Progress = Progress{
		CompletedSteps: completed,
		TotalSteps:     len(j.Steps),
	}
	if len(j.Steps) > 0 {
		pct := float64(completed) / float64(len(j.Steps)) * 100
		j.Progress.Percentage = math.Round(pct*100) / 100
	}

	if j.Status == JobCancelled {
		j.ensureCompletedAt()
		return
	}

	if completed == len(j.Steps) {
		j.Status = j.finalStatus()
		j.ensureCompletedAt()
		return
	}

	started := false
	for i := range j.Steps {
		if j.Steps[i].Status != StepPending {
			started = true
			break
		}
	}
	if started {
		j.Status = JobRunning
	} else {
		j.Status = JobCreated
	}
}

// finalStatus classifies a job whose steps are all terminal. A required
// step that did not succeed fails the job; optional shortfalls degrade
// it to partial.
func (j *Job) finalStatus() JobStatus {
	partial := false
	for i := range j.Steps {
		s := &j.Steps[i]
		if s.Status == StepSucceeded {
			continue
		}
		if s.Optional {
			partial = true
			continue
		}
		return JobFailed
	}
	if partial {
		return JobPartial
	}
	return JobCompleted
}

func (j *Job) ensureCompletedAt() {
	if j.CompletedAt == nil {
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
}

// depSatisfied reports whether a dependency edge permits the dependent
// to run. A succeeded upstream always satisfies; a terminal upstream
// satisfies only when the edge or the upstream step is optional.
func (j *Job) depSatisfied(dep templates.Dependency) (satisfied, doomed bool) {
	upstream := j.Step(dep.Step)
	if upstream == nil || !upstream.Status.Terminal() {
		return false, false
	}
	if upstream.Status == StepSucceeded {
		return true, false
	}
	if dep.Optional || upstream.Optional {
		return true, false
	}
	return false, true
}

// Ready returns the pending steps whose dependencies are all satisfied.
func (j *Job) Ready() []string {
	var ready []string
	for i := range j.Steps {
		s := &j.Steps[i]
		if s.Status != StepPending {
			continue
		}

		ok := true
		for _, dep := range s.DependsOn {
			satisfied, _ := j.depSatisfied(dep)
			if !satisfied {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s.Name)
		}
	}
	return ready
}

// cascadeSkips marks pending steps skipped when a required dependency
// can no longer succeed. Skipping may doom further dependents, so the
// scan repeats until it settles.
func (j *Job) cascadeSkips() {
	for {
		changed := false
		for i := range j.Steps {
			s := &j.Steps[i]
			if s.Status != StepPending {
				continue
			}
			for _, dep := range s.DependsOn {
				_, doomed := j.depSatisfied(dep)
				if doomed {
					j.skip(s, &StepError{
						Kind:    ErrorKindDependency,
						Message: fmt.Sprintf("dependency %q did not succeed", dep.Step),
					})
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

func (j *Job) skip(s *StepExecution, reason *StepError) {
	now := time.Now().UTC()
	s.Status = StepSkipped
	s.LastError = reason
	s.CompletedAt = &now
}

func (j *Job) transitionErr(s *StepExecution, to StepStatus) error {
	return fmt.Errorf("%w: step %q: %s -> %s", ErrInvalidTransition, s.Name, s.Status, to)
}

func (j *Job) step(name string) (*StepExecution, error) {
	s := j.Step(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	return s, nil
}

// MarkSubmitted transitions a step to submitted, incrementing its
// attempt count and recording the deterministic task key. Valid from
// pending (first attempt) and failed_retrying (retry), and from
// submitted itself for crash-recovery re-submission, which keeps the
// attempt count and task key unchanged.
func (j *Job) MarkSubmitted(name, taskKey string) error {
	s, err := j.step(name)
	if err != nil {
		return err
	}

	switch s.Status {
	case StepPending, StepFailedRetrying:
		s.Attempts++
	case StepSubmitted:
		return nil
	default:
		return j.transitionErr(s, StepSubmitted)
	}

	s.Status = StepSubmitted
	s.TaskKey = taskKey
	s.TaskHandle = ""
	return nil
}

// MarkDispatched records the broker task handle after a successful
// submit. The step keeps whatever status outcome delivery has already
// advanced it to.
func (j *Job) MarkDispatched(name, handle string) error {
	s, err := j.step(name)
	if err != nil {
		return err
	}
	s.TaskHandle = handle
	return nil
}

// MarkRunning transitions a submitted step to running.
func (j *Job) MarkRunning(name string) error {
	s, err := j.step(name)
	if err != nil {
		return err
	}

	switch s.Status {
	case StepSubmitted:
	case StepRunning:
		return nil
	default:
		return j.transitionErr(s, StepRunning)
	}

	s.Status = StepRunning
	if s.StartedAt == nil {
		now := time.Now().UTC()
		s.StartedAt = &now
	}
	return nil
}

// MarkSucceeded transitions a step to succeeded, retaining its output
// for downstream payload assembly.
func (j *Job) MarkSucceeded(name string, output json.RawMessage) error {
	s, err := j.step(name)
	if err != nil {
		return err
	}

	switch s.Status {
	case StepSubmitted, StepRunning:
	default:
		return j.transitionErr(s, StepSucceeded)
	}

	now := time.Now().UTC()
	s.Status = StepSucceeded
	s.Output = output
	s.LastError = nil
	s.CompletedAt = &now
	return nil
}

// MarkRetrying records a retryable failure. The step waits for the
// scheduler to re-submit it.
func (j *Job) MarkRetrying(name string, stepErr *StepError) error {
	s, err := j.step(name)
	if err != nil {
		return err
	}

	switch s.Status {
	case StepSubmitted, StepRunning:
	default:
		return j.transitionErr(s, StepFailedRetrying)
	}

	s.Status = StepFailedRetrying
	s.LastError = stepErr
	return nil
}

// MarkFailedPermanent records an unrecoverable failure and skips any
// pending steps that required this one.
func (j *Job) MarkFailedPermanent(name string, stepErr *StepError) error {
	s, err := j.step(name)
	if err != nil {
		return err
	}

	switch s.Status {
	case StepSubmitted, StepRunning, StepFailedRetrying:
	default:
		return j.transitionErr(s, StepFailedPermanent)
	}

	now := time.Now().UTC()
	s.Status = StepFailedPermanent
	s.LastError = stepErr
	s.CompletedAt = &now

	j.cascadeSkips()
	return nil
}

// Cancel marks every non-terminal step skipped and the job cancelled.
// Terminal steps keep their outcomes. Returns the task handles of
// in-flight attempts so the caller can issue best-effort broker cancels.
func (j *Job) Cancel() []string {
	var handles []string
	for i := range j.Steps {
		s := &j.Steps[i]
		if s.Status.Terminal() {
			continue
		}
		if s.TaskHandle != "" && (s.Status == StepSubmitted || s.Status == StepRunning) {
			handles = append(handles, s.TaskHandle)
		}
		j.skip(s, &StepError{Kind: ErrorKindCancelled, Message: "job cancelled"})
	}

	j.Status = JobCancelled
	return handles
}
