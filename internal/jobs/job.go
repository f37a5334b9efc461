// Package jobs implements the job state machine: job and step execution
// records, the per-step and aggregate transition rules, readiness and
// skip propagation, per-job serialization, and Postgres persistence.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/templates"
)

// JobStatus is the aggregate status of a job.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartial, JobCancelled:
		return true
	}
	return false
}

// StepStatus is the execution status of a single step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepSubmitted       StepStatus = "submitted"
	StepRunning         StepStatus = "running"
	StepSucceeded       StepStatus = "succeeded"
	StepFailedRetrying  StepStatus = "failed_retrying"
	StepFailedPermanent StepStatus = "failed_permanent"
	StepSkipped         StepStatus = "skipped"
)

// Terminal reports whether the step has reached a final status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailedPermanent, StepSkipped:
		return true
	}
	return false
}

// Error kinds carried on step failures.
const (
	ErrorKindDispatch   = "dispatch"
	ErrorKindExternal   = "external"
	ErrorKindPrompt     = "prompt_not_found"
	ErrorKindFormat     = "prompt_format"
	ErrorKindDependency = "dependency"
	ErrorKindCancelled  = "cancelled"
)

// StepError describes why a step attempt failed.
type StepError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StepExecution tracks one step of a job. Spec metadata is copied from
// the template and registry at creation so status and readiness are pure
// functions of the Job value.
type StepExecution struct {
	Name        string                 `json:"name"`
	Spec        string                 `json:"spec"`
	Optional    bool                   `json:"optional"`
	DependsOn   []templates.Dependency `json:"depends_on,omitempty"`
	Status      StepStatus             `json:"status"`
	TaskKey     string                 `json:"task_key,omitempty"`
	TaskHandle  string                 `json:"task_handle,omitempty"`
	Attempts    int                    `json:"attempts"`
	LastError   *StepError             `json:"last_error,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Progress summarizes completed step counts for status reporting.
// Completed counts terminal steps regardless of how they finished.
type Progress struct {
	CompletedSteps int     `json:"completed_steps"`
	TotalSteps     int     `json:"total_steps"`
	Percentage     float64 `json:"percentage"`
}

// Job is a workflow instance: an immutable template binding plus the
// mutable execution state of its steps.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	TemplateID  string          `json:"template_id"`
	Input       map[string]any  `json:"input,omitempty"`
	Status      JobStatus       `json:"status"`
	Steps       []StepExecution `json:"steps"`
	Progress    Progress        `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Step returns the execution record with the given name, or nil.
func (j *Job) Step(name string) *StepExecution {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			return &j.Steps[i]
		}
	}
	return nil
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// Clone returns a deep copy safe to hand out after the job lock is
// released.
func (j *Job) Clone() *Job {
	out := *j

	out.Steps = make([]StepExecution, len(j.Steps))
	copy(out.Steps, j.Steps)
	for i := range out.Steps {
		s := &out.Steps[i]
		if s.LastError != nil {
			e := *s.LastError
			s.LastError = &e
		}
		if s.Output != nil {
			s.Output = append(json.RawMessage(nil), s.Output...)
		}
		s.DependsOn = append([]templates.Dependency(nil), s.DependsOn...)
		if s.StartedAt != nil {
			t := *s.StartedAt
			s.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			s.CompletedAt = &t
		}
	}

	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}

	if j.Input != nil {
		out.Input = make(map[string]any, len(j.Input))
		for k, v := range j.Input {
			out.Input[k] = v
		}
	}

	return &out
}
