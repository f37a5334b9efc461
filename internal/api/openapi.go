package api

import (
	"fmt"

	"github.com/loomstack/loom/internal/config"
	"github.com/loomstack/loom/pkg/openapi"
)

// buildSpec generates the OpenAPI document for the job and prompt
// endpoints, served at {base_path}/openapi.json.
func buildSpec(cfg *config.Config) ([]byte, error) {
	spec := openapi.NewSpec(cfg.API.Docs.Title, cfg.Version)
	spec.SetDescription(cfg.API.Docs.Description)
	spec.AddServer(cfg.API.BasePath)

	spec.Components.AddSchemas(map[string]*openapi.Schema{
		"CreateJob": {
			Type:     "object",
			Required: []string{"template_id"},
			Properties: map[string]*openapi.Schema{
				"template_id": {Type: "string", Description: "Workflow template ID", Example: "graph-build"},
				"input":       {Type: "object", Description: "Job input values keyed by name"},
			},
		},
		"StepError": {
			Type: "object",
			Properties: map[string]*openapi.Schema{
				"kind":      {Type: "string", Description: "Failure classification"},
				"message":   {Type: "string"},
				"retryable": {Type: "boolean"},
			},
		},
		"Step": {
			Type: "object",
			Properties: map[string]*openapi.Schema{
				"name":       {Type: "string"},
				"spec":       {Type: "string", Description: "Registry key"},
				"status":     {Type: "string", Enum: []any{"pending", "submitted", "running", "succeeded", "failed_retrying", "failed_permanent", "skipped"}},
				"optional":   {Type: "boolean"},
				"attempts":   {Type: "integer"},
				"task_key":   {Type: "string", Description: "Deterministic attempt key"},
				"last_error": openapi.SchemaRef("StepError"),
				"output":     {Type: "object", Description: "Worker-reported result"},
			},
		},
		"Progress": {
			Type: "object",
			Properties: map[string]*openapi.Schema{
				"completed_steps": {Type: "integer"},
				"total_steps":     {Type: "integer"},
				"percentage":      {Type: "number"},
			},
		},
		"Job": {
			Type: "object",
			Properties: map[string]*openapi.Schema{
				"id":          {Type: "string", Format: "uuid"},
				"template_id": {Type: "string"},
				"status":      {Type: "string", Enum: []any{"created", "running", "completed", "failed", "partial", "cancelled"}},
				"steps":       {Type: "array", Items: openapi.SchemaRef("Step")},
				"progress":    openapi.SchemaRef("Progress"),
				"created_at":  {Type: "string", Format: "date-time"},
			},
		},
		"Outcome": {
			Type:     "object",
			Required: []string{"status"},
			Properties: map[string]*openapi.Schema{
				"status":  {Type: "string", Enum: []any{"running", "succeeded", "failed"}},
				"attempt": {Type: "integer", Description: "Attempt the outcome belongs to"},
				"result":  {Type: "object"},
				"error":   openapi.SchemaRef("StepError"),
			},
		},
		"Resolution": {
			Type: "object",
			Properties: map[string]*openapi.Schema{
				"text":     {Type: "string", Description: "Rendered prompt"},
				"key":      {Type: "string", Description: "Cache key that served the request"},
				"version":  {Type: "integer"},
				"fallback": {Type: "boolean", Description: "True when a less specific candidate served"},
			},
		},
		"Invalidate": {
			Type: "object",
			Properties: map[string]*openapi.Schema{
				"key":    {Type: "string", Description: "Exact cache key"},
				"prefix": {Type: "string", Description: "Key prefix"},
			},
		},
	})

	spec.Paths["/jobs"] = &openapi.PathItem{
		Get: &openapi.Operation{
			Summary: "List jobs",
			Tags:    []string{"jobs"},
			Parameters: []*openapi.Parameter{
				openapi.QueryParam("status", "string", "Filter by aggregate status", false),
				openapi.QueryParam("template_id", "string", "Filter by template", false),
				openapi.QueryParam("page", "integer", "Page number", false),
				openapi.QueryParam("page_size", "integer", "Results per page", false),
			},
			Responses: map[int]*openapi.Response{
				200: openapi.ResponseJSON("Paginated job summaries", "Job"),
			},
		},
		Post: &openapi.Operation{
			Summary:     "Submit a job",
			Tags:        []string{"jobs"},
			RequestBody: openapi.RequestBodyJSON("CreateJob", true),
			Responses: map[int]*openapi.Response{
				201: openapi.ResponseJSON("Job created and ready steps dispatched", "Job"),
				422: openapi.ResponseRef("BadRequest"),
			},
		},
	}

	spec.Paths["/jobs/{id}"] = &openapi.PathItem{
		Get: &openapi.Operation{
			Summary:    "Job status",
			Tags:       []string{"jobs"},
			Parameters: []*openapi.Parameter{openapi.PathParam("id", "Job ID")},
			Responses: map[int]*openapi.Response{
				200: openapi.ResponseJSON("Job snapshot", "Job"),
				404: openapi.ResponseRef("NotFound"),
			},
		},
	}

	spec.Paths["/jobs/{id}/cancel"] = &openapi.PathItem{
		Post: &openapi.Operation{
			Summary:    "Cancel a job",
			Tags:       []string{"jobs"},
			Parameters: []*openapi.Parameter{openapi.PathParam("id", "Job ID")},
			Responses: map[int]*openapi.Response{
				200: openapi.ResponseJSON("Cancelled job snapshot", "Job"),
				404: openapi.ResponseRef("NotFound"),
			},
		},
	}

	spec.Paths["/jobs/{id}/steps/{step}/outcome"] = &openapi.PathItem{
		Post: &openapi.Operation{
			Summary:     "Deliver a step outcome",
			Description: "At-least-once delivery target for queue workers. Duplicates are acknowledged without effect.",
			Tags:        []string{"jobs"},
			Parameters: []*openapi.Parameter{
				openapi.PathParam("id", "Job ID"),
				{Name: "step", In: "path", Required: true, Schema: &openapi.Schema{Type: "string"}},
			},
			RequestBody: openapi.RequestBodyJSON("Outcome", true),
			Responses: map[int]*openapi.Response{
				200: openapi.ResponseJSON("Job snapshot after application", "Job"),
				404: openapi.ResponseRef("NotFound"),
			},
		},
	}

	spec.Paths["/prompts/{name}/resolve"] = &openapi.PathItem{
		Get: &openapi.Operation{
			Summary: "Preview a prompt resolution",
			Tags:    []string{"prompts"},
			Parameters: []*openapi.Parameter{
				{Name: "name", In: "path", Required: true, Schema: &openapi.Schema{Type: "string"}},
				openapi.QueryParam("language", "string", "Language narrowing", false),
				openapi.QueryParam("domain", "string", "Domain narrowing", false),
			},
			Responses: map[int]*openapi.Response{
				200: openapi.ResponseJSON("Resolved prompt", "Resolution"),
				404: openapi.ResponseRef("NotFound"),
			},
		},
	}

	spec.Paths["/prompts/cache/invalidate"] = &openapi.PathItem{
		Post: &openapi.Operation{
			Summary:     "Invalidate cached prompts",
			Tags:        []string{"prompts"},
			RequestBody: openapi.RequestBodyJSON("Invalidate", true),
			Responses: map[int]*openapi.Response{
				200: {Description: "Invalidation applied"},
				400: openapi.ResponseRef("BadRequest"),
			},
		},
	}

	data, err := openapi.MarshalJSON(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal openapi spec: %w", err)
	}
	return data, nil
}
