package prompts_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomstack/loom/internal/prompts"
	"github.com/loomstack/loom/pkg/routes"
)

func testServer(t *testing.T, sys prompts.System) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	routes.Register(mux, sys.Handler().Routes())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlerResolve(t *testing.T) {
	source := &fakeSource{templates: map[string]string{
		"entity-extraction": "Find {max_entities} entities in {language}.",
	}}
	srv := testServer(t, testSystem(t, source, nil))

	resp, err := http.Get(srv.URL + "/prompts/entity-extraction/resolve?language=it")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}

	var res prompts.Resolution
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Text != "Find 10 entities in English." {
		t.Errorf("text: got %q", res.Text)
	}
	if !res.Fallback {
		t.Error("italian request served from base prompt should report fallback")
	}
}

func TestHandlerResolveNotFound(t *testing.T) {
	srv := testServer(t, testSystem(t, &fakeSource{}, nil))

	resp, err := http.Get(srv.URL + "/prompts/missing/resolve")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestHandlerResolveMissingVariables(t *testing.T) {
	source := &fakeSource{templates: map[string]string{
		"community-report": "Report on {community}.",
	}}
	srv := testServer(t, testSystem(t, source, nil))

	resp, err := http.Get(srv.URL + "/prompts/community-report/resolve")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status: got %d, want 422", resp.StatusCode)
	}
}

func TestHandlerInvalidate(t *testing.T) {
	source := &fakeSource{templates: map[string]string{
		"entity-extraction": "Extract.",
	}}
	sys := testSystem(t, source, nil)
	srv := testServer(t, sys)

	if _, err := http.Get(srv.URL + "/prompts/entity-extraction/resolve"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantRemoved int
	}{
		{"by key", `{"key": "entity-extraction"}`, http.StatusOK, -1},
		{"by prefix", `{"prefix": "entity-extraction"}`, http.StatusOK, 0},
		{"both set", `{"key": "a", "prefix": "b"}`, http.StatusBadRequest, 0},
		{"neither set", `{}`, http.StatusBadRequest, 0},
		{"bad json", `{`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/prompts/cache/invalidate",
				"application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var result prompts.InvalidateResult
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if result.Removed != tt.wantRemoved {
				t.Errorf("removed: got %d, want %d", result.Removed, tt.wantRemoved)
			}
		})
	}
}
