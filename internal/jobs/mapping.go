package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/templates"
	"github.com/loomstack/loom/pkg/query"
	"github.com/loomstack/loom/pkg/repository"
)

var projection = query.
	NewProjectionMap("public", "jobs", "j").
	Project("id", "ID").
	Project("template_id", "TemplateID").
	Project("status", "Status").
	Project("completed_steps", "CompletedSteps").
	Project("total_steps", "TotalSteps").
	Project("created_at", "CreatedAt").
	Project("completed_at", "CompletedAt")

var defaultSort = query.SortField{
	Field:      "CreatedAt",
	Descending: true,
}

// Summary is the listing row for a job: identity, status, and progress
// counts without per-step detail.
type Summary struct {
	ID             uuid.UUID  `json:"id"`
	TemplateID     string     `json:"template_id"`
	Status         JobStatus  `json:"status"`
	CompletedSteps int        `json:"completed_steps"`
	TotalSteps     int        `json:"total_steps"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Filters contains optional filtering criteria for job queries.
// Nil fields are ignored; both use exact matching.
type Filters struct {
	Status     *string `json:"status,omitempty"`
	TemplateID *string `json:"template_id,omitempty"`
}

// Apply adds filter conditions to a query builder.
func (f Filters) Apply(b *query.Builder) *query.Builder {
	return b.
		WhereEquals("Status", f.Status).
		WhereEquals("TemplateID", f.TemplateID)
}

// FiltersFromQuery extracts filter criteria from URL query parameters.
func FiltersFromQuery(values url.Values) Filters {
	var f Filters
	if v := values.Get("status"); v != "" {
		f.Status = &v
	}
	if v := values.Get("template_id"); v != "" {
		f.TemplateID = &v
	}
	return f
}

func scanSummary(s repository.Scanner) (Summary, error) {
	var (
		row         Summary
		completedAt sql.NullTime
	)

	if err := s.Scan(
		&row.ID,
		&row.TemplateID,
		&row.Status,
		&row.CompletedSteps,
		&row.TotalSteps,
		&row.CreatedAt,
		&completedAt,
	); err != nil {
		return Summary{}, err
	}

	if completedAt.Valid {
		row.CompletedAt = &completedAt.Time
	}
	return row, nil
}

// scanJob reads a jobs row without its steps. Input is stored as JSONB.
func scanJob(s repository.Scanner) (*Job, error) {
	var (
		j           Job
		input       []byte
		completedAt sql.NullTime
	)

	if err := s.Scan(
		&j.ID,
		&j.TemplateID,
		&input,
		&j.Status,
		&j.Progress.CompletedSteps,
		&j.Progress.TotalSteps,
		&j.CreatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if len(input) > 0 {
		if err := json.Unmarshal(input, &j.Input); err != nil {
			return nil, fmt.Errorf("decode job input: %w", err)
		}
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if j.Progress.TotalSteps > 0 {
		j.Progress.Percentage = float64(j.Progress.CompletedSteps) / float64(j.Progress.TotalSteps) * 100
	}

	return &j, nil
}

func scanStep(s repository.Scanner) (StepExecution, error) {
	var (
		step           StepExecution
		dependsOn      []byte
		taskKey        sql.NullString
		taskHandle     sql.NullString
		errorKind      sql.NullString
		errorMessage   sql.NullString
		errorRetryable sql.NullBool
		output         []byte
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	if err := s.Scan(
		&step.Name,
		&step.Spec,
		&step.Optional,
		&dependsOn,
		&step.Status,
		&taskKey,
		&taskHandle,
		&step.Attempts,
		&errorKind,
		&errorMessage,
		&errorRetryable,
		&output,
		&startedAt,
		&completedAt,
	); err != nil {
		return StepExecution{}, err
	}

	if len(dependsOn) > 0 {
		if err := json.Unmarshal(dependsOn, &step.DependsOn); err != nil {
			return StepExecution{}, fmt.Errorf("decode step dependencies: %w", err)
		}
	}
	if taskKey.Valid {
		step.TaskKey = taskKey.String
	}
	if taskHandle.Valid {
		step.TaskHandle = taskHandle.String
	}
	if errorKind.Valid {
		step.LastError = &StepError{
			Kind:      errorKind.String,
			Message:   errorMessage.String,
			Retryable: errorRetryable.Bool,
		}
	}
	if len(output) > 0 {
		step.Output = json.RawMessage(output)
	}
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}

	return step, nil
}

func encodeInput(input map[string]any) ([]byte, error) {
	if input == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode job input: %w", err)
	}
	return data, nil
}

func encodeDependsOn(deps []templates.Dependency) ([]byte, error) {
	if len(deps) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(deps)
	if err != nil {
		return nil, fmt.Errorf("encode step dependencies: %w", err)
	}
	return data, nil
}

func stepErrorColumns(s *StepExecution) (kind, message any, retryable any) {
	if s.LastError == nil {
		return nil, nil, nil
	}
	return s.LastError.Kind, s.LastError.Message, s.LastError.Retryable
}
