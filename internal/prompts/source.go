package prompts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Source fetches prompt templates from the authoritative prompt store.
type Source interface {
	Fetch(ctx context.Context, key, label string) (*Template, error)
}

// HTTPSource is a Langfuse-shaped prompt store client: basic-auth GET of
// a single prompt by key and label.
type HTTPSource struct {
	base      *url.URL
	client    *http.Client
	publicKey string
	secretKey string
}

// NewHTTPSource builds a source client from a finalized Config.
func NewHTTPSource(cfg *Config) (*HTTPSource, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("prompt store url: %w", err)
	}

	return &HTTPSource{
		base:      base,
		client:    &http.Client{Timeout: cfg.FetchTimeout.Std()},
		publicKey: cfg.PublicKey,
		secretKey: cfg.SecretKey,
	}, nil
}

type promptResponse struct {
	Name    string   `json:"name"`
	Prompt  string   `json:"prompt"`
	Version int      `json:"version"`
	Labels  []string `json:"labels"`
}

// Fetch retrieves one prompt. A 404 maps to ErrSourceMiss so the
// resolver can continue down the fallback chain; any other failure maps
// to ErrUnavailable.
func (s *HTTPSource) Fetch(ctx context.Context, key, label string) (*Template, error) {
	endpoint := s.base.JoinPath("api", "public", "v2", "prompts", key)
	if label != "" {
		q := endpoint.Query()
		q.Set("label", label)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.SetBasicAuth(s.publicKey, s.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrSourceMiss, key)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var payload promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrUnavailable, err)
	}

	if payload.Prompt == "" {
		return nil, fmt.Errorf("%w: %s: empty prompt body", ErrSourceMiss, key)
	}

	return &Template{
		Key:       key,
		Content:   payload.Prompt,
		Version:   payload.Version,
		Label:     label,
		Variables: ExtractVariables(payload.Prompt),
	}, nil
}

// errors used by Source implementations.
var (
	ErrSourceMiss  = errors.New("prompt not present in store")
	ErrUnavailable = errors.New("prompt store unavailable")
)
