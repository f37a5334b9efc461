// Package prompts implements the prompt resolution service: a sharded
// TTL cache in front of a remote prompt store, with language and domain
// fallback and variable substitution.
package prompts

import (
	"context"

	"github.com/loomstack/loom/pkg/lifecycle"
)

// Request asks for a rendered prompt. Variables are call-time values
// layered over base defaults and domain configuration.
type Request struct {
	Name      string         `json:"name"`
	Language  string         `json:"language,omitempty"`
	Domain    string         `json:"domain,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Resolution is a rendered prompt plus the key that served it, which may
// be a less specific fallback than the request asked for.
type Resolution struct {
	Text     string `json:"text"`
	Key      string `json:"key"`
	Version  int    `json:"version,omitempty"`
	Fallback bool   `json:"fallback"`
}

// System defines the public contract for prompt resolution.
type System interface {
	Handler() *Handler
	Start(lc *lifecycle.Coordinator)

	Resolve(ctx context.Context, req Request) (*Resolution, error)
	Invalidate(key string)
	InvalidatePrefix(prefix string) int
}
