package registry

import (
	"fmt"
	"time"
)

// StepSpec describes a dispatchable step: where its tasks go, what the
// payload must contain, how failures are retried, and whether the step
// is optional for the job as a whole.
type StepSpec struct {
	Name     string         `toml:"name" json:"name"`
	Queue    string         `toml:"queue" json:"queue"`
	Inputs   []string       `toml:"inputs" json:"inputs,omitempty"`
	Optional bool           `toml:"optional" json:"optional"`
	Prompt   *PromptBinding `toml:"prompt" json:"prompt,omitempty"`
	Retry    RetryPolicy    `toml:"retry" json:"retry"`
}

// PromptBinding names the prompt a step requires. The prompt is resolved
// at dispatch time and embedded in the task payload.
type PromptBinding struct {
	Name string `toml:"name" json:"name"`
	JSON bool   `toml:"json" json:"json"`
}

const DefaultQueue = "default"

func (s *StepSpec) finalize() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Queue == "" {
		s.Queue = DefaultQueue
	}
	if s.Prompt != nil && s.Prompt.Name == "" {
		return fmt.Errorf("prompt binding requires a name")
	}
	s.Retry.finalize()
	if err := s.Retry.validate(); err != nil {
		return err
	}
	return nil
}

// RetryPolicy is a declarative exponential backoff: delay for attempt n is
// initial * multiplier^(n-1), capped at max, plus uniform jitter. MaxAttempts
// counts total attempts, so 1 means no retry.
type RetryPolicy struct {
	MaxAttempts int      `toml:"max_attempts" json:"max_attempts"`
	Initial     Duration `toml:"initial" json:"initial"`
	Multiplier  float64  `toml:"multiplier" json:"multiplier"`
	Max         Duration `toml:"max" json:"max"`
	Jitter      Duration `toml:"jitter" json:"jitter"`
}

func (p *RetryPolicy) finalize() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Initial == 0 {
		p.Initial = Duration(2 * time.Second)
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	if p.Max == 0 {
		p.Max = Duration(5 * time.Minute)
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if p.Initial < 0 || p.Max < 0 || p.Jitter < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}
	return nil
}

// Allows reports whether another attempt may follow the given number of
// completed attempts.
func (p RetryPolicy) Allows(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Duration wraps time.Duration with TOML/JSON string encoding ("30s", "5m").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(data []byte) error {
	parsed, err := time.ParseDuration(string(data))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(data), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
