package pipeline

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/planset/kit"
)

// RegisterMCP registers the planset tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerStartTool(srv)
	s.registerStatusTool(srv)
	s.registerResultTool(srv)
	s.registerIngestTool(srv)
	s.registerCancelTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var jobIDSchema = inputSchema(map[string]any{
	"job_id": map[string]any{"type": "string", "description": "Job ID returned by planset_start"},
}, []string{"job_id"})

type jobRequest struct {
	JobID string `json:"job_id"`
}

func withJob(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	d, err := kit.DecodeJSON[jobRequest]()(req)
	if err != nil {
		return nil, err
	}
	id := d.Request.(*jobRequest).JobID
	d.EnrichCtx = func(ctx context.Context) context.Context { return kit.WithJobID(ctx, id) }
	return d, nil
}

// --- start ---

func (s *Service) registerStartTool(srv *mcp.Server) {
	str := map[string]any{"type": "string"}
	tool := &mcp.Tool{
		Name: "planset_start",
		Description: "Run a quantity takeoff on construction drawing PDFs. Returns four arrays: " +
			"TAKEOFF, ANALYSIS, SEGMENTS, RUN_LOG. With background=true the job is queued and its id returned.",
		InputSchema: inputSchema(map[string]any{
			"pdf_urls": map[string]any{"type": "array", "items": str, "description": "PDF URLs (http, https, file or obj)"},
			"job_context": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"project_name": str, "location": str, "building_type": str, "notes": str,
				},
			},
			"ask_scoping_questions": map[string]any{"type": "boolean", "description": "Pause with questions when the context is incomplete (default true)"},
			"page_batch_size":       map[string]any{"type": "integer", "description": "Pages per chunk (default 5)"},
			"max_parallel_batches":  map[string]any{"type": "integer", "description": "Concurrent batches (default 2)"},
			"currency":              map[string]any{"type": "string", "description": "ISO 4217 code (default USD)"},
			"unit_cost_policy":      map[string]any{"type": "string", "enum": []any{"estimate", "lookup", "mixed"}},
			"prior_segments": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": map[string]any{"id": str, "industry": str, "categories": map[string]any{"type": "array", "items": str}},
				},
			},
			"plan_id":    map[string]any{"type": "string", "description": "Reuse a registered plan"},
			"background": map[string]any{"type": "boolean", "description": "Queue the job instead of waiting for the result"},
		}, nil),
	}

	type startRequest struct {
		StartRequest
		Background bool `json:"background,omitempty"`
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*startRequest)
		if r.Background {
			return s.Submit(ctx, r.StartRequest)
		}
		return s.Start(ctx, r.StartRequest), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[startRequest]())
}

// --- status ---

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "planset_job_status",
		Description: "Status of a takeoff job: state, batch counts, progress, cost and token metrics.",
		InputSchema: jobIDSchema,
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Status(ctx, req.(*jobRequest).JobID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, withJob)
}

// --- result ---

func (s *Service) registerResultTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "planset_job_result",
		Description: "Merged four-array result of a finished job, or its progress while still processing.",
		InputSchema: jobIDSchema,
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Result(ctx, req.(*jobRequest).JobID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, withJob)
}

// --- ingest ---

type ingestRequest struct {
	PlanID  string   `json:"plan_id"`
	PDFURLs []string `json:"pdf_urls,omitempty"`
}

func (s *Service) registerIngestTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "planset_ingest",
		Description: "Extract, index and chunk a plan without running the takeoff. Give pdf_urls to register the plan first.",
		InputSchema: inputSchema(map[string]any{
			"plan_id":  map[string]any{"type": "string", "description": "Plan ID"},
			"pdf_urls": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*ingestRequest)
		planID := r.PlanID
		if len(r.PDFURLs) > 0 {
			p, err := s.RegisterPlan(ctx, planID, r.PDFURLs)
			if err != nil {
				return nil, err
			}
			planID = p.ID
		}
		return s.Ingest(kit.WithPlanID(ctx, planID), planID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[ingestRequest]())
}

// --- cancel ---

func (s *Service) registerCancelTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "planset_cancel",
		Description: "Cancel a takeoff job. Pending batches are not dispatched; in-flight results are discarded.",
		InputSchema: jobIDSchema,
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Cancel(ctx, req.(*jobRequest).JobID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, withJob)
}
