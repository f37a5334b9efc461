// Package dispatch assembles task payloads and submits them to the HTTP
// queue gateway. Payload assembly gathers step inputs from the job input
// and upstream outputs, and resolves any bound prompt before submission.
package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/jobs"
	"github.com/loomstack/loom/internal/registry"
)

// Task is the unit of work submitted to the queue gateway. TaskKey is
// deterministic so workers can deduplicate re-submissions of the same
// attempt.
type Task struct {
	TaskKey string         `json:"task_key"`
	JobID   uuid.UUID      `json:"job_id"`
	Step    string         `json:"step"`
	Spec    string         `json:"spec"`
	Queue   string         `json:"queue"`
	Attempt int            `json:"attempt"`
	Input   map[string]any `json:"input,omitempty"`
	Prompt  string         `json:"prompt,omitempty"`

	// PromptJSON tells the worker the prompt expects a JSON response.
	PromptJSON bool `json:"prompt_json,omitempty"`
}

// TaskKey derives the deterministic key for one attempt of one step.
func TaskKey(jobID uuid.UUID, step string, attempt int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", jobID, step, attempt))
	return hex.EncodeToString(sum[:])
}

// GatherInputs collects the values a step's spec requires: job input
// first, then upstream step outputs keyed by step name. The job must
// already satisfy the spec, so a missing key here means an upstream
// produced no output.
func GatherInputs(j *jobs.Job, spec registry.StepSpec) (map[string]any, error) {
	if len(spec.Inputs) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(spec.Inputs))
	for _, key := range spec.Inputs {
		if v, ok := j.Input[key]; ok {
			out[key] = v
			continue
		}

		upstream := j.Step(key)
		if upstream == nil || len(upstream.Output) == 0 {
			return nil, fmt.Errorf("%w: %q", jobs.ErrMissingInput, key)
		}

		var decoded any
		if err := json.Unmarshal(upstream.Output, &decoded); err != nil {
			return nil, fmt.Errorf("decode output of %q: %w", key, err)
		}
		out[key] = decoded
	}

	return out, nil
}
