// Package orchestrator drives jobs through their lifecycle: submission,
// ready-step dispatch, outcome application, retry scheduling, dependent
// skipping, and cancellation. It is the single writer of step state;
// everything it does to a job goes through the jobs system's serialized
// update path.
package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/jobs"
	"github.com/loomstack/loom/pkg/lifecycle"
	"github.com/loomstack/loom/pkg/pagination"
)

// OutcomeStatus is the terminal state a worker reports for an attempt,
// or a running heartbeat.
type OutcomeStatus string

const (
	OutcomeRunning   OutcomeStatus = "running"
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the delivery payload for one step attempt. Deliveries are
// at-least-once: duplicates and stale attempts are ignored.
type Outcome struct {
	Status  OutcomeStatus   `json:"status"`
	Attempt int             `json:"attempt,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jobs.StepError `json:"error,omitempty"`
}

// System defines the public contract for workflow orchestration.
type System interface {
	Handler() *Handler
	Start(lc *lifecycle.Coordinator)

	Submit(ctx context.Context, cmd jobs.CreateCommand) (*jobs.Job, error)
	Status(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	List(ctx context.Context, page pagination.PageRequest, filters jobs.Filters) (*pagination.PageResult[jobs.Summary], error)
	Cancel(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	ApplyOutcome(ctx context.Context, id uuid.UUID, step string, outcome Outcome) (*jobs.Job, error)
	Resume(ctx context.Context) error
}
