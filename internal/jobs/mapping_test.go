package jobs_test

import (
	"net/url"
	"testing"

	"github.com/loomstack/loom/internal/jobs"
)

func TestFiltersFromQuery(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		wantStatus   string
		wantTemplate string
	}{
		{"empty", "", "", ""},
		{"status only", "status=running", "running", ""},
		{"template only", "template_id=graph-build", "", "graph-build"},
		{"both", "status=failed&template_id=vector-build", "failed", "vector-build"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}

			f := jobs.FiltersFromQuery(values)

			if tt.wantStatus == "" {
				if f.Status != nil {
					t.Errorf("status: got %q, want nil", *f.Status)
				}
			} else if f.Status == nil || *f.Status != tt.wantStatus {
				t.Errorf("status: got %v, want %s", f.Status, tt.wantStatus)
			}

			if tt.wantTemplate == "" {
				if f.TemplateID != nil {
					t.Errorf("template_id: got %q, want nil", *f.TemplateID)
				}
			} else if f.TemplateID == nil || *f.TemplateID != tt.wantTemplate {
				t.Errorf("template_id: got %v, want %s", f.TemplateID, tt.wantTemplate)
			}
		})
	}
}
