package jobs_test

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/loomstack/loom/internal/jobs"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/templates"
)

const machineRegistry = `
[[step]]
name = "fetch"
inputs = ["document_ids"]

[[step]]
name = "parse"
inputs = ["fetch"]

[[step]]
name = "embed"
inputs = ["parse"]

[[step]]
name = "summarize"
optional = true
inputs = ["parse"]

[[step]]
name = "store"
inputs = ["embed"]
`

const machineTemplates = `
[[template]]
id = "pipeline"

  [[template.step]]
  name = "fetch"

  [[template.step]]
  name = "parse"
  depends_on = [{ step = "fetch" }]

  [[template.step]]
  name = "embed"
  depends_on = [{ step = "parse" }]

  [[template.step]]
  name = "summarize"
  depends_on = [{ step = "parse" }]

  [[template.step]]
  name = "store"
  depends_on = [{ step = "embed" }, { step = "summarize", optional = true }]
`

func machineFixtures(t *testing.T) (*registry.Registry, templates.Template) {
	t.Helper()
	reg, err := registry.Parse([]byte(machineRegistry))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	store, err := templates.Parse([]byte(machineTemplates), reg)
	if err != nil {
		t.Fatalf("parse templates: %v", err)
	}
	tmpl, err := store.Lookup("pipeline")
	if err != nil {
		t.Fatalf("lookup template: %v", err)
	}
	return reg, tmpl
}

func newTestJob(t *testing.T) *jobs.Job {
	t.Helper()
	reg, tmpl := machineFixtures(t)
	job, err := jobs.NewJob(tmpl, reg, map[string]any{"document_ids": []string{"d1"}})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

// succeed drives one step through submit, run, and success.
func succeed(t *testing.T, j *jobs.Job, name string) {
	t.Helper()
	if err := j.MarkSubmitted(name, "key-"+name); err != nil {
		t.Fatalf("submit %s: %v", name, err)
	}
	if err := j.MarkRunning(name); err != nil {
		t.Fatalf("run %s: %v", name, err)
	}
	if err := j.MarkSucceeded(name, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("succeed %s: %v", name, err)
	}
}

func TestNewJob(t *testing.T) {
	job := newTestJob(t)

	if job.Status != jobs.JobCreated {
		t.Errorf("status: got %s, want created", job.Status)
	}
	if len(job.Steps) != 5 {
		t.Fatalf("steps: got %d, want 5", len(job.Steps))
	}
	for _, s := range job.Steps {
		if s.Status != jobs.StepPending {
			t.Errorf("step %s: got %s, want pending", s.Name, s.Status)
		}
		if s.Attempts != 0 {
			t.Errorf("step %s attempts: got %d, want 0", s.Name, s.Attempts)
		}
	}
	if job.Progress.TotalSteps != 5 || job.Progress.CompletedSteps != 0 {
		t.Errorf("progress: got %+v", job.Progress)
	}
}

func TestNewJobMissingInput(t *testing.T) {
	reg, tmpl := machineFixtures(t)

	_, err := jobs.NewJob(tmpl, reg, nil)
	if !errors.Is(err, jobs.ErrMissingInput) {
		t.Errorf("error %v is not ErrMissingInput", err)
	}
}

func TestReadyFollowsDependencies(t *testing.T) {
	job := newTestJob(t)

	if ready := job.Ready(); !slices.Equal(ready, []string{"fetch"}) {
		t.Fatalf("initial ready: got %v, want [fetch]", ready)
	}

	succeed(t, job, "fetch")
	if ready := job.Ready(); !slices.Equal(ready, []string{"parse"}) {
		t.Fatalf("after fetch: got %v, want [parse]", ready)
	}

	succeed(t, job, "parse")
	ready := job.Ready()
	slices.Sort(ready)
	if !slices.Equal(ready, []string{"embed", "summarize"}) {
		t.Fatalf("after parse: got %v, want [embed summarize]", ready)
	}
}

func TestOptionalDependencyGating(t *testing.T) {
	job := newTestJob(t)

	succeed(t, job, "fetch")
	succeed(t, job, "parse")
	succeed(t, job, "embed")

	// store depends on embed (required, succeeded) and summarize
	// (optional edge, still pending): not ready yet.
	if ready := job.Ready(); slices.Contains(ready, "store") {
		t.Fatal("store ready before summarize is terminal")
	}

	if err := job.MarkSubmitted("summarize", "key"); err != nil {
		t.Fatalf("submit summarize: %v", err)
	}
	if err := job.MarkFailedPermanent("summarize", &jobs.StepError{Kind: jobs.ErrorKindExternal}); err != nil {
		t.Fatalf("fail summarize: %v", err)
	}

	if ready := job.Ready(); !slices.Contains(ready, "store") {
		t.Fatalf("store should be ready once the optional dependency is terminal, got %v", ready)
	}
}

func TestRequiredEdgeOnOptionalStep(t *testing.T) {
	// store is wired to summarize with a required edge; summarize itself
	// is an optional step. Its permanent failure must unblock store
	// rather than doom it, since the job tolerates the shortfall.
	const tmplSrc = `
[[template]]
id = "digest"

  [[template.step]]
  name = "parse"

  [[template.step]]
  name = "summarize"
  depends_on = [{ step = "parse" }]

  [[template.step]]
  name = "store"
  depends_on = [{ step = "summarize" }]
`
	reg, err := registry.Parse([]byte(machineRegistry))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	store, err := templates.Parse([]byte(tmplSrc), reg)
	if err != nil {
		t.Fatalf("parse templates: %v", err)
	}
	tmpl, err := store.Lookup("digest")
	if err != nil {
		t.Fatalf("lookup template: %v", err)
	}
	job, err := jobs.NewJob(tmpl, reg, map[string]any{
		"fetch": []string{"a.pdf"},
		"embed": []string{"v1"},
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	succeed(t, job, "parse")
	if err := job.MarkSubmitted("summarize", "key"); err != nil {
		t.Fatalf("submit summarize: %v", err)
	}
	if err := job.MarkFailedPermanent("summarize", &jobs.StepError{Kind: jobs.ErrorKindExternal}); err != nil {
		t.Fatalf("fail summarize: %v", err)
	}

	if s := job.Step("store"); s.Status != jobs.StepPending {
		t.Fatalf("store: got %s, want pending", s.Status)
	}
	if ready := job.Ready(); !slices.Contains(ready, "store") {
		t.Errorf("store should be ready past the failed optional step, got %v", ready)
	}
}

func TestAllStepsTerminal(t *testing.T) {
	job := newTestJob(t)

	for _, name := range []string{"fetch", "parse", "embed", "summarize", "store"} {
		succeed(t, job, name)
	}

	for _, s := range job.Steps {
		if !s.Status.Terminal() {
			t.Errorf("step %s: got %s, want terminal", s.Name, s.Status)
		}
		if s.CompletedAt == nil {
			t.Errorf("step %s: completed_at not set", s.Name)
		}
	}
	if job.Ready() != nil {
		t.Errorf("ready on a finished job: got %v", job.Ready())
	}
}

func TestFailedRequiredStepSkipsDependents(t *testing.T) {
	job := newTestJob(t)

	succeed(t, job, "fetch")
	succeed(t, job, "parse")

	if err := job.MarkSubmitted("embed", "key"); err != nil {
		t.Fatalf("submit embed: %v", err)
	}
	if err := job.MarkFailedPermanent("embed", &jobs.StepError{
		Kind:      jobs.ErrorKindExternal,
		Message:   "worker crashed",
		Retryable: false,
	}); err != nil {
		t.Fatalf("fail embed: %v", err)
	}

	store := job.Step("store")
	if store.Status != jobs.StepSkipped {
		t.Errorf("store: got %s, want skipped", store.Status)
	}
	if store.LastError == nil || store.LastError.Kind != jobs.ErrorKindDependency {
		t.Errorf("store error: got %+v, want dependency kind", store.LastError)
	}

	summarize := job.Step("summarize")
	if summarize.Status != jobs.StepPending {
		t.Errorf("summarize: got %s, want pending (independent of embed)", summarize.Status)
	}
}

func TestSkipCascadeChains(t *testing.T) {
	job := newTestJob(t)

	if err := job.MarkSubmitted("fetch", "key"); err != nil {
		t.Fatalf("submit fetch: %v", err)
	}
	if err := job.MarkFailedPermanent("fetch", &jobs.StepError{Kind: jobs.ErrorKindDispatch}); err != nil {
		t.Fatalf("fail fetch: %v", err)
	}

	// parse is doomed by fetch; embed, summarize, and store are doomed
	// transitively in the same settling pass.
	for _, name := range []string{"parse", "embed", "summarize", "store"} {
		if s := job.Step(name); s.Status != jobs.StepSkipped {
			t.Errorf("step %s: got %s, want skipped", name, s.Status)
		}
	}
}

func TestMarkSubmittedAttempts(t *testing.T) {
	job := newTestJob(t)

	if err := job.MarkSubmitted("fetch", "key-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s := job.Step("fetch")
	if s.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", s.Attempts)
	}

	// Re-submission of an already submitted step is a recovery no-op.
	if err := job.MarkSubmitted("fetch", "key-other"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if s.Attempts != 1 {
		t.Errorf("attempts after resubmit: got %d, want 1", s.Attempts)
	}
	if s.TaskKey != "key-1" {
		t.Errorf("task key after resubmit: got %s, want key-1", s.TaskKey)
	}

	if err := job.MarkRetrying("fetch", &jobs.StepError{Kind: jobs.ErrorKindExternal, Retryable: true}); err != nil {
		t.Fatalf("retrying: %v", err)
	}
	if err := job.MarkSubmitted("fetch", "key-2"); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if s.Attempts != 2 {
		t.Errorf("attempts after retry: got %d, want 2", s.Attempts)
	}
	if s.TaskKey != "key-2" {
		t.Errorf("task key after retry: got %s, want key-2", s.TaskKey)
	}
}

func TestInvalidTransitions(t *testing.T) {
	job := newTestJob(t)

	if err := job.MarkRunning("fetch"); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Errorf("running from pending: got %v, want ErrInvalidTransition", err)
	}
	if err := job.MarkSucceeded("fetch", nil); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Errorf("succeeded from pending: got %v, want ErrInvalidTransition", err)
	}

	succeed(t, job, "fetch")
	if err := job.MarkSucceeded("fetch", nil); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Errorf("succeeded twice: got %v, want ErrInvalidTransition", err)
	}
	if err := job.MarkRetrying("fetch", nil); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Errorf("retrying after success: got %v, want ErrInvalidTransition", err)
	}

	if err := job.MarkSubmitted("transcode", "key"); !errors.Is(err, jobs.ErrUnknownStep) {
		t.Errorf("unknown step: got %v, want ErrUnknownStep", err)
	}
}

func TestMarkRunningIdempotent(t *testing.T) {
	job := newTestJob(t)

	if err := job.MarkSubmitted("fetch", "key"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := job.MarkRunning("fetch"); err != nil {
		t.Fatalf("running: %v", err)
	}
	started := job.Step("fetch").StartedAt
	if started == nil {
		t.Fatal("started_at not set")
	}

	if err := job.MarkRunning("fetch"); err != nil {
		t.Fatalf("duplicate running: %v", err)
	}
	if job.Step("fetch").StartedAt != started {
		t.Error("duplicate running notification reset started_at")
	}
}

func TestCancel(t *testing.T) {
	job := newTestJob(t)

	succeed(t, job, "fetch")
	if err := job.MarkSubmitted("parse", "key-parse"); err != nil {
		t.Fatalf("submit parse: %v", err)
	}
	if err := job.MarkDispatched("parse", "handle-parse"); err != nil {
		t.Fatalf("dispatch parse: %v", err)
	}

	handles := job.Cancel()
	if !slices.Equal(handles, []string{"handle-parse"}) {
		t.Errorf("handles: got %v, want [handle-parse]", handles)
	}

	if job.Status != jobs.JobCancelled {
		t.Errorf("status: got %s, want cancelled", job.Status)
	}
	if s := job.Step("fetch"); s.Status != jobs.StepSucceeded {
		t.Errorf("fetch should keep its outcome, got %s", s.Status)
	}
	for _, name := range []string{"parse", "embed", "summarize", "store"} {
		s := job.Step(name)
		if s.Status != jobs.StepSkipped {
			t.Errorf("step %s: got %s, want skipped", name, s.Status)
		}
		if s.LastError == nil || s.LastError.Kind != jobs.ErrorKindCancelled {
			t.Errorf("step %s error: got %+v, want cancelled kind", name, s.LastError)
		}
	}
}

func TestClone(t *testing.T) {
	job := newTestJob(t)
	succeed(t, job, "fetch")

	snapshot := job.Clone()
	snapshot.Steps[0].Status = jobs.StepPending
	snapshot.Steps[0].Output = json.RawMessage(`{}`)
	snapshot.Input["document_ids"] = nil

	if job.Step("fetch").Status != jobs.StepSucceeded {
		t.Error("mutating the clone changed the original step")
	}
	if string(job.Step("fetch").Output) != `{"ok":true}` {
		t.Error("mutating the clone changed the original output")
	}
	if job.Input["document_ids"] == nil {
		t.Error("mutating the clone changed the original input")
	}
}
