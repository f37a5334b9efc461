package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/dispatch"
	"github.com/loomstack/loom/internal/jobs"
	"github.com/loomstack/loom/internal/orchestrator"
	"github.com/loomstack/loom/internal/prompts"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/templates"
	"github.com/loomstack/loom/pkg/lifecycle"
	"github.com/loomstack/loom/pkg/pagination"
)

const testRegistry = `
[[step]]
name = "fetch"
queue = "io"
inputs = ["document_ids"]

[[step]]
name = "parse"
inputs = ["fetch"]

[[step]]
name = "embed"
inputs = ["fetch"]
  [step.retry]
  max_attempts = 2
  initial = "1ms"
  multiplier = 1.0
  max = "1ms"

[[step]]
name = "summarize"
optional = true
inputs = ["parse"]
  [step.prompt]
  name = "summarize-descriptions"

[[step]]
name = "store"
queue = "io"
inputs = ["embed"]
`

const testTemplates = `
[[template]]
id = "ingest"

  [[template.step]]
  name = "fetch"

  [[template.step]]
  name = "parse"
  depends_on = [{ step = "fetch" }]

  [[template.step]]
  name = "embed"
  depends_on = [{ step = "fetch" }]

  [[template.step]]
  name = "summarize"
  depends_on = [{ step = "parse" }]

  [[template.step]]
  name = "store"
  depends_on = [{ step = "embed" }, { step = "summarize", optional = true }]

[[template]]
id = "flaky"

  [[template.step]]
  name = "fetch"

  [[template.step]]
  name = "embed"
  depends_on = [{ step = "fetch" }]
`

// memStore is an in-memory jobs.Store; the orchestrator tests exercise
// the full stack above it without Postgres.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*jobs.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*jobs.Job)}
}

func (m *memStore) Insert(ctx context.Context, j *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return jobs.ErrDuplicate
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *memStore) Save(ctx context.Context, j *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *memStore) Find(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (m *memStore) List(ctx context.Context, page pagination.PageRequest, filters jobs.Filters) (*pagination.PageResult[jobs.Summary], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summaries := make([]jobs.Summary, 0, len(m.jobs))
	for _, j := range m.jobs {
		if filters.Status != nil && string(j.Status) != *filters.Status {
			continue
		}
		if filters.TemplateID != nil && j.TemplateID != *filters.TemplateID {
			continue
		}
		summaries = append(summaries, jobs.Summary{
			ID:             j.ID,
			TemplateID:     j.TemplateID,
			Status:         j.Status,
			CompletedSteps: j.Progress.CompletedSteps,
			TotalSteps:     j.Progress.TotalSteps,
			CreatedAt:      j.CreatedAt,
		})
	}

	result := pagination.NewPageResult(summaries, len(summaries), page.Page, page.PageSize)
	return &result, nil
}

func (m *memStore) Active(ctx context.Context) ([]*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*jobs.Job
	for _, j := range m.jobs {
		if j.Status == jobs.JobCreated || j.Status == jobs.JobRunning {
			active = append(active, j.Clone())
		}
	}
	return active, nil
}

// recordQueue records submissions and cancellations.
type recordQueue struct {
	mu        sync.Mutex
	submitted []dispatch.Task
	cancelled []string
	fail      error
}

func (q *recordQueue) Submit(ctx context.Context, task dispatch.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return "", q.fail
	}
	q.submitted = append(q.submitted, task)
	return "handle-" + task.Step + "-" + fmt.Sprint(task.Attempt), nil
}

func (q *recordQueue) Cancel(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, handle)
	return nil
}

func (q *recordQueue) tasks() []dispatch.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.submitted)
}

func (q *recordQueue) steps() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, len(q.submitted))
	for i, task := range q.submitted {
		names[i] = task.Step
	}
	return names
}

type stubPrompts struct{}

func (stubPrompts) Handler() *prompts.Handler          { return nil }
func (stubPrompts) Start(lc *lifecycle.Coordinator)    {}
func (stubPrompts) Invalidate(key string)              {}
func (stubPrompts) InvalidatePrefix(prefix string) int { return 0 }

func (stubPrompts) Resolve(ctx context.Context, req prompts.Request) (*prompts.Resolution, error) {
	return &prompts.Resolution{Text: "rendered " + req.Name, Key: req.Name}, nil
}

type fixture struct {
	sys   orchestrator.System
	store *memStore
	queue *recordQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, newMemStore(), &recordQueue{})
}

func newFixtureWith(t *testing.T, store *memStore, queue *recordQueue) *fixture {
	t.Helper()

	reg, err := registry.Parse([]byte(testRegistry))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	ts, err := templates.Parse([]byte(testTemplates), reg)
	if err != nil {
		t.Fatalf("parse templates: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobSys := jobs.New(store, ts, reg, logger)
	dispatcher := dispatch.NewDispatcher(queue, stubPrompts{}, reg, &dispatch.Config{
		BaseURL:     "http://localhost:8100",
		Timeout:     registry.Duration(time.Second),
		Concurrency: 4,
	}, logger)

	sys := orchestrator.New(jobSys, dispatcher, queue, reg, logger,
		pagination.Config{DefaultPageSize: 20, MaxPageSize: 100})

	return &fixture{sys: sys, store: store, queue: queue}
}

func (f *fixture) submit(t *testing.T, template string) *jobs.Job {
	t.Helper()
	job, err := f.sys.Submit(context.Background(), jobs.CreateCommand{
		TemplateID: template,
		Input:      map[string]any{"document_ids": []any{"d1"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func (f *fixture) succeedStep(t *testing.T, id uuid.UUID, step string) *jobs.Job {
	t.Helper()
	job, err := f.sys.ApplyOutcome(context.Background(), id, step, orchestrator.Outcome{
		Status: orchestrator.OutcomeSucceeded,
		Result: json.RawMessage(`{"ok":true}`),
	})
	if err != nil {
		t.Fatalf("outcome %s: %v", step, err)
	}
	return job
}

func TestSubmitDispatchesRoots(t *testing.T) {
	f := newFixture(t)

	job := f.submit(t, "ingest")

	if job.Status != jobs.JobRunning {
		t.Errorf("status: got %s, want running", job.Status)
	}

	fetch := job.Step("fetch")
	if fetch.Status != jobs.StepSubmitted {
		t.Errorf("fetch: got %s, want submitted", fetch.Status)
	}
	if fetch.TaskKey != dispatch.TaskKey(job.ID, "fetch", 1) {
		t.Errorf("fetch task key: got %s", fetch.TaskKey)
	}
	if fetch.TaskHandle == "" {
		t.Error("fetch handle not recorded")
	}

	if got := f.queue.steps(); !slices.Equal(got, []string{"fetch"}) {
		t.Errorf("submitted steps: got %v, want [fetch]", got)
	}
	for _, name := range []string{"parse", "embed", "summarize", "store"} {
		if s := job.Step(name); s.Status != jobs.StepPending {
			t.Errorf("step %s: got %s, want pending", name, s.Status)
		}
	}
}

func TestOutcomeAdvancesDependents(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "ingest")

	updated := f.succeedStep(t, job.ID, "fetch")

	if s := updated.Step("fetch"); s.Status != jobs.StepSucceeded {
		t.Errorf("fetch: got %s, want succeeded", s.Status)
	}
	for _, name := range []string{"parse", "embed"} {
		if s := updated.Step(name); s.Status != jobs.StepSubmitted {
			t.Errorf("step %s: got %s, want submitted", name, s.Status)
		}
	}
	if s := updated.Step("store"); s.Status != jobs.StepPending {
		t.Errorf("store: got %s, want pending", s.Status)
	}

	got := f.queue.steps()
	slices.Sort(got[1:])
	if !slices.Equal(got, []string{"fetch", "embed", "parse"}) {
		t.Errorf("submitted steps: got %v", got)
	}
}

func TestJobCompletes(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "ingest")

	var final *jobs.Job
	for _, name := range []string{"fetch", "parse", "embed", "summarize", "store"} {
		final = f.succeedStep(t, job.ID, name)
	}

	if final.Status != jobs.JobCompleted {
		t.Errorf("status: got %s, want completed", final.Status)
	}
	if final.Progress.Percentage != 100 {
		t.Errorf("percentage: got %v, want 100", final.Progress.Percentage)
	}
	if final.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestOptionalFailureDegradesToPartial(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "ingest")
	ctx := context.Background()

	f.succeedStep(t, job.ID, "fetch")
	f.succeedStep(t, job.ID, "parse")
	f.succeedStep(t, job.ID, "embed")

	if _, err := f.sys.ApplyOutcome(ctx, job.ID, "summarize", orchestrator.Outcome{
		Status: orchestrator.OutcomeFailed,
		Error:  &jobs.StepError{Kind: jobs.ErrorKindExternal, Message: "llm rejected"},
	}); err != nil {
		t.Fatalf("fail summarize: %v", err)
	}

	final := f.succeedStep(t, job.ID, "store")

	if final.Status != jobs.JobPartial {
		t.Errorf("status: got %s, want partial", final.Status)
	}
	if s := final.Step("summarize"); s.Status != jobs.StepFailedPermanent {
		t.Errorf("summarize: got %s, want failed_permanent", s.Status)
	}
}

func TestRetryBudgetExhaustionFailsJob(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "flaky")
	ctx := context.Background()

	f.succeedStep(t, job.ID, "fetch")

	failEmbed := func() *jobs.Job {
		updated, err := f.sys.ApplyOutcome(ctx, job.ID, "embed", orchestrator.Outcome{
			Status: orchestrator.OutcomeFailed,
			Error:  &jobs.StepError{Kind: jobs.ErrorKindExternal, Message: "timeout", Retryable: true},
		})
		if err != nil {
			t.Fatalf("fail embed: %v", err)
		}
		return updated
	}

	updated := failEmbed()
	if s := updated.Step("embed"); s.Status != jobs.StepFailedRetrying {
		t.Fatalf("embed after first failure: got %s, want failed_retrying", s.Status)
	}

	// The retry timer fires after 1ms and re-submits attempt 2.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if tasks := f.queue.tasks(); tasks[len(tasks)-1].Step == "embed" && tasks[len(tasks)-1].Attempt == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry attempt never submitted, tasks %v", f.queue.steps())
		}
		time.Sleep(2 * time.Millisecond)
	}

	final := failEmbed()

	if s := final.Step("embed"); s.Status != jobs.StepFailedPermanent {
		t.Errorf("embed: got %s, want failed_permanent", s.Status)
	}
	if final.Status != jobs.JobFailed {
		t.Errorf("status: got %s, want failed", final.Status)
	}
	if s := final.Step("embed"); s.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", s.Attempts)
	}
}

func TestRetryUsesFreshTaskKey(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "flaky")
	ctx := context.Background()

	f.succeedStep(t, job.ID, "fetch")

	if _, err := f.sys.ApplyOutcome(ctx, job.ID, "embed", orchestrator.Outcome{
		Status: orchestrator.OutcomeFailed,
		Error:  &jobs.StepError{Kind: jobs.ErrorKindExternal, Retryable: true},
	}); err != nil {
		t.Fatalf("fail embed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		tasks := f.queue.tasks()
		if tasks[len(tasks)-1].Step == "embed" && tasks[len(tasks)-1].Attempt == 2 {
			first := tasks[len(tasks)-2]
			second := tasks[len(tasks)-1]
			if first.TaskKey == second.TaskKey {
				t.Error("retry attempt reused the previous task key")
			}
			if second.TaskKey != dispatch.TaskKey(job.ID, "embed", 2) {
				t.Errorf("retry task key: got %s", second.TaskKey)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry attempt never submitted, tasks %v", f.queue.steps())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDuplicateOutcomeIsNoOp(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "flaky")

	first := f.succeedStep(t, job.ID, "fetch")
	second := f.succeedStep(t, job.ID, "fetch")

	if s := second.Step("fetch"); s.Status != jobs.StepSucceeded || s.Attempts != 1 {
		t.Errorf("fetch after duplicate: got %s attempts %d", s.Status, s.Attempts)
	}
	if first.Step("embed").Status != second.Step("embed").Status {
		t.Error("duplicate outcome changed downstream state")
	}

	// embed was submitted exactly once despite the duplicate delivery.
	count := 0
	for _, name := range f.queue.steps() {
		if name == "embed" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("embed submissions: got %d, want 1", count)
	}
}

func TestStaleAttemptIgnored(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "flaky")

	updated, err := f.sys.ApplyOutcome(context.Background(), job.ID, "fetch", orchestrator.Outcome{
		Status:  orchestrator.OutcomeSucceeded,
		Attempt: 7,
		Result:  json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("stale outcome: %v", err)
	}

	if s := updated.Step("fetch"); s.Status != jobs.StepSubmitted {
		t.Errorf("fetch after stale outcome: got %s, want submitted", s.Status)
	}
}

func TestRunningHeartbeat(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "flaky")

	updated, err := f.sys.ApplyOutcome(context.Background(), job.ID, "fetch", orchestrator.Outcome{
		Status: orchestrator.OutcomeRunning,
	})
	if err != nil {
		t.Fatalf("running outcome: %v", err)
	}

	s := updated.Step("fetch")
	if s.Status != jobs.StepRunning {
		t.Errorf("fetch: got %s, want running", s.Status)
	}
	if s.StartedAt == nil {
		t.Error("started_at not set")
	}
}

func TestCancelRevokesInFlight(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "ingest")

	cancelled, err := f.sys.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if cancelled.Status != jobs.JobCancelled {
		t.Errorf("status: got %s, want cancelled", cancelled.Status)
	}
	if got := f.queue.cancelled; !slices.Equal(got, []string{"handle-fetch-1"}) {
		t.Errorf("revoked handles: got %v, want [handle-fetch-1]", got)
	}

	// Cancelling again returns the final snapshot without new revokes.
	again, err := f.sys.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != jobs.JobCancelled {
		t.Errorf("status: got %s, want cancelled", again.Status)
	}
	if len(f.queue.cancelled) != 1 {
		t.Errorf("revokes after repeat cancel: got %d, want 1", len(f.queue.cancelled))
	}
}

func TestSubmissionFailureRecordedAsOutcome(t *testing.T) {
	store := newMemStore()
	queue := &recordQueue{fail: fmt.Errorf("%w: connection refused", dispatch.ErrUnreachable)}
	f := newFixtureWith(t, store, queue)

	job := f.submit(t, "flaky")

	s := job.Step("fetch")
	if s.Status != jobs.StepFailedRetrying {
		t.Errorf("fetch: got %s, want failed_retrying", s.Status)
	}
	if s.LastError == nil || s.LastError.Kind != jobs.ErrorKindDispatch || !s.LastError.Retryable {
		t.Errorf("fetch error: got %+v, want retryable dispatch error", s.LastError)
	}
}

func TestResumeResubmitsStranded(t *testing.T) {
	store := newMemStore()
	first := newFixtureWith(t, store, &recordQueue{})
	job := first.submit(t, "flaky")

	originalKey := job.Step("fetch").TaskKey

	// A fresh orchestrator over the same store stands in for a restart.
	queue := &recordQueue{}
	second := newFixtureWith(t, store, queue)

	if err := second.sys.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	tasks := queue.tasks()
	if len(tasks) != 1 {
		t.Fatalf("resubmissions: got %d, want 1", len(tasks))
	}
	if tasks[0].Step != "fetch" {
		t.Errorf("resubmitted step: got %s, want fetch", tasks[0].Step)
	}
	if tasks[0].Attempt != 1 {
		t.Errorf("resubmitted attempt: got %d, want 1 (unchanged)", tasks[0].Attempt)
	}
	if tasks[0].TaskKey != originalKey {
		t.Errorf("resubmitted key: got %s, want %s", tasks[0].TaskKey, originalKey)
	}
}

func TestSubmitUnknownTemplate(t *testing.T) {
	f := newFixture(t)

	_, err := f.sys.Submit(context.Background(), jobs.CreateCommand{TemplateID: "nonexistent"})
	if !errors.Is(err, templates.ErrNotFound) {
		t.Errorf("error %v is not templates.ErrNotFound", err)
	}
}

func TestOutcomeForUnknownStep(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "flaky")

	_, err := f.sys.ApplyOutcome(context.Background(), job.ID, "transcode", orchestrator.Outcome{
		Status: orchestrator.OutcomeSucceeded,
	})
	if !errors.Is(err, jobs.ErrUnknownStep) {
		t.Errorf("error %v is not ErrUnknownStep", err)
	}
}
