package prompts_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/loomstack/loom/internal/prompts"
)

func TestExtractVariables(t *testing.T) {
	content := `Extract up to {max_entities} entities in {language}.
Separate fields with {tuple_delimiter} and records with {tuple_delimiter}.
Output JSON like {"entity": "name", "type": "person"} and end with {completion_delimiter}.`

	got := prompts.ExtractVariables(content)
	want := []string{"completion_delimiter", "language", "max_entities", "tuple_delimiter"}
	if !slices.Equal(got, want) {
		t.Errorf("variables: got %v, want %v", got, want)
	}
}

func TestRenderDefaults(t *testing.T) {
	tmpl := &prompts.Template{
		Key:     "entity-extraction",
		Content: "Find {max_entities} entities in {language}. Fields: {tuple_delimiter} Records: {record_delimiter} End: {completion_delimiter}",
	}

	text, err := tmpl.Render(nil)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	want := "Find 10 entities in English. Fields: | Records: ## End: <|COMPLETE|>"
	if text != want {
		t.Errorf("render: got %q, want %q", text, want)
	}
}

func TestRenderOverrides(t *testing.T) {
	tmpl := &prompts.Template{
		Key:     "entity-extraction",
		Content: "Find {max_entities} entities of types {entity_types}.",
	}

	text, err := tmpl.Render(map[string]string{
		"max_entities": "25",
		"entity_types": "person,organization",
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	want := "Find 25 entities of types person,organization."
	if text != want {
		t.Errorf("render: got %q, want %q", text, want)
	}
}

func TestRenderMissingVariables(t *testing.T) {
	tmpl := &prompts.Template{
		Key:     "community-report",
		Content: "Summarize {community} using {community} and {weights}.",
	}

	_, err := tmpl.Render(nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var format *prompts.FormatError
	if !errors.As(err, &format) {
		t.Fatalf("error %v is not a FormatError", err)
	}
	if format.Key != "community-report" {
		t.Errorf("key: got %s, want community-report", format.Key)
	}
	if !slices.Equal(format.Missing, []string{"community", "weights"}) {
		t.Errorf("missing: got %v, want [community weights]", format.Missing)
	}
}

func TestRenderLeavesJSONLiterals(t *testing.T) {
	tmpl := &prompts.Template{
		Key:     "entity-extraction",
		Content: `Respond as {"name": "value", "score": 1}.`,
	}

	text, err := tmpl.Render(nil)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(text, `{"name": "value", "score": 1}`) {
		t.Errorf("JSON literal altered: %q", text)
	}
}

func TestStringify(t *testing.T) {
	values, err := prompts.Stringify(map[string]any{
		"name":    "loom",
		"count":   7,
		"ratio":   0.5,
		"enabled": true,
		"absent":  nil,
		"types":   []string{"person", "place"},
	})
	if err != nil {
		t.Fatalf("stringify failed: %v", err)
	}

	want := map[string]string{
		"name":    "loom",
		"count":   "7",
		"ratio":   "0.5",
		"enabled": "true",
		"absent":  "",
		"types":   `["person","place"]`,
	}
	for k, v := range want {
		if values[k] != v {
			t.Errorf("%s: got %q, want %q", k, values[k], v)
		}
	}
}
