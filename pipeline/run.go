package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hazyhaar/planset/inference"
	"github.com/hazyhaar/planset/jobs"
	"github.com/hazyhaar/planset/kit"
	"github.com/hazyhaar/planset/scoping"
	"github.com/hazyhaar/planset/takeoff"
)

// StartRequest is the input of Start and Submit.
type StartRequest struct {
	PDFURLs    []string           `json:"pdf_urls"`
	JobContext scoping.JobContext `json:"job_context"`
	// AskScopingQuestions defaults to true.
	AskScopingQuestions *bool                  `json:"ask_scoping_questions,omitempty"`
	PageBatchSize       int                    `json:"page_batch_size,omitempty"`
	MaxParallelBatches  int                    `json:"max_parallel_batches,omitempty"`
	Currency            string                 `json:"currency,omitempty"`
	UnitCostPolicy      string                 `json:"unit_cost_policy,omitempty"`
	PriorSegments       []scoping.PriorSegment `json:"prior_segments,omitempty"`
	// PlanID reuses a registered plan; PDFURLs then replace its documents
	// when given.
	PlanID   string `json:"plan_id,omitempty"`
	OwnerRef string `json:"owner_ref,omitempty"`
}

func (s *Service) normalize(r *StartRequest) error {
	if r.AskScopingQuestions == nil {
		ask := true
		r.AskScopingQuestions = &ask
	}
	if r.PageBatchSize <= 0 {
		r.PageBatchSize = s.cfg.PageBatchSize
	}
	if r.MaxParallelBatches <= 0 {
		r.MaxParallelBatches = s.cfg.MaxParallel
	}
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if r.Currency == "" {
		r.Currency = s.cfg.Currency
	}
	if r.UnitCostPolicy == "" {
		r.UnitCostPolicy = s.cfg.CostPolicy
	}

	switch r.UnitCostPolicy {
	case inference.CostEstimate, inference.CostLookup, inference.CostMixed:
	default:
		return fmt.Errorf("%w: unit_cost_policy %q (want estimate, lookup or mixed)", ErrInvalidRequest, r.UnitCostPolicy)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("%w: currency %q is not an ISO 4217 code", ErrInvalidRequest, r.Currency)
	}
	if len(r.PDFURLs) == 0 && r.PlanID == "" {
		return ErrNoURLs
	}
	if r.PlanID != "" {
		if err := validPlanID(r.PlanID); err != nil {
			return err
		}
	}
	for _, u := range r.PDFURLs {
		pu, err := url.Parse(u)
		if err != nil || pu.Scheme == "" {
			return fmt.Errorf("%w: pdf url %q", ErrInvalidRequest, u)
		}
	}
	return nil
}

// prepared is a request that went through ingestion and scoping.
type prepared struct {
	req    StartRequest
	in     *ingested
	plan   *scoping.Plan
	head   []takeoff.LogEntry
	paused bool
}

func (s *Service) prepare(ctx context.Context, req StartRequest) (*prepared, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}
	planID := req.PlanID
	if len(req.PDFURLs) > 0 {
		p, err := s.RegisterPlan(ctx, planID, req.PDFURLs)
		if err != nil {
			return nil, &StageError{Stage: "register", PlanID: planID, Err: err}
		}
		planID = p.ID
	}
	ctx = kit.WithPlanID(ctx, planID)

	in, err := s.ingestPlan(ctx, planID, req.PageBatchSize)
	if err != nil {
		return nil, err
	}
	pr := &prepared{req: req, in: in}
	pr.head = append(pr.head, takeoff.LogEntry{
		Type: takeoff.LogInfo, Stage: "ingest", PlanID: planID, Count: len(in.chunks),
		Message: fmt.Sprintf("ingested %d pages into %d chunks", in.plan.PageCount, len(in.chunks)),
		Details: map[string]any{"ocr_pages": in.doc.OCRPages, "page_batch_size": req.PageBatchSize},
	})
	for _, w := range in.plan.Warnings {
		pr.head = append(pr.head, takeoff.LogEntry{Type: takeoff.LogWarning, Stage: "ingest", PlanID: planID, Message: w})
	}

	plan, err := s.cfg.Planner.Plan(ctx, scoping.Input{
		Sheets:        in.index.Sheets,
		Chunks:        in.chunks,
		Context:       req.JobContext,
		AskQuestions:  *req.AskScopingQuestions,
		PriorSegments: req.PriorSegments,
	})
	if err != nil {
		return nil, &StageError{Stage: "scoping", PlanID: planID, Err: err}
	}
	pr.plan = plan
	if plan.NeedsAnswers() {
		pr.paused = true
		for _, n := range plan.Notes {
			pr.head = append(pr.head, takeoff.LogEntry{Type: takeoff.LogScoping, Stage: "scoping", PlanID: planID, Message: n})
		}
		pr.head = append(pr.head, takeoff.LogEntry{
			Type: takeoff.LogScoping, Stage: "scoping", PlanID: planID, Count: len(plan.Questions),
			Message: fmt.Sprintf("awaiting answers to %d scoping questions; resume with prior_segments or ask_scoping_questions=false",
				len(plan.Questions)),
		})
	}
	return pr, nil
}

func (s *Service) create(ctx context.Context, pr *prepared) (*jobs.Job, error) {
	raw, err := json.Marshal(pr.req)
	if err != nil {
		return nil, err
	}
	j, err := s.orch.Create(ctx, jobs.JobSpec{
		OwnerRef:    pr.req.OwnerRef,
		PlanID:      pr.in.plan.ID,
		Chunks:      pr.in.chunks,
		Plan:        pr.plan,
		Context:     pr.plan.Context,
		Currency:    pr.req.Currency,
		CostPolicy:  pr.req.UnitCostPolicy,
		MaxParallel: pr.req.MaxParallelBatches,
		Request:     raw,
	})
	if err != nil {
		jobID := ""
		if j != nil {
			jobID = j.ID
		}
		return nil, &StageError{Stage: "create", PlanID: pr.in.plan.ID, JobID: jobID, Err: err}
	}
	return j, nil
}

func (pr *prepared) pausedResult() takeoff.Result {
	return takeoff.Result{
		Segments: pr.plan.SegmentResults(),
		RunLog:   pr.head,
	}.Normalize()
}

// Start runs a whole takeoff on ctx: ingest, scope, dispatch every batch,
// merge. It always returns the four-array result; a failure is the error
// shape with one RUN_LOG error entry. When scoping raises questions the
// run stops before dispatch and SEGMENTS carries the proposed segments and
// the questions.
func (s *Service) Start(ctx context.Context, req StartRequest) takeoff.Result {
	res, err := s.start(ctx, req)
	if err != nil {
		s.log.Error("pipeline: run failed", "error", err, "request_id", kit.GetRequestID(ctx))
		return takeoff.ErrorResult(err)
	}
	return res
}

func (s *Service) start(ctx context.Context, req StartRequest) (takeoff.Result, error) {
	pr, err := s.prepare(ctx, req)
	if err != nil {
		return takeoff.Result{}, err
	}
	if pr.paused {
		return pr.pausedResult(), nil
	}
	j, err := s.create(ctx, pr)
	if err != nil {
		return takeoff.Result{}, err
	}
	ctx = kit.WithJobID(ctx, j.ID)
	if _, err := s.orch.Execute(ctx, j.ID); err != nil {
		return takeoff.Result{}, &StageError{Stage: "execute", PlanID: j.PlanID, JobID: j.ID, Err: err}
	}
	res, _, err := s.orch.MergeJobResults(ctx, j.ID)
	if err != nil {
		return takeoff.Result{}, &StageError{Stage: "merge", PlanID: j.PlanID, JobID: j.ID, Err: err}
	}
	res.RunLog = append(append([]takeoff.LogEntry{}, pr.head...), res.RunLog...)
	return res, nil
}

// SubmitResponse is returned by Submit.
type SubmitResponse struct {
	JobID        string      `json:"job_id,omitempty"`
	PlanID       string      `json:"plan_id"`
	Status       jobs.Status `json:"status,omitempty"`
	TotalBatches int         `json:"total_batches"`
	// Paused is set with Result when scoping raised questions; no job was
	// created.
	Paused bool            `json:"paused,omitempty"`
	Result *takeoff.Result `json:"result,omitempty"`
}

// Submit ingests and scopes the request, creates the job and queues it for
// a background worker.
func (s *Service) Submit(ctx context.Context, req StartRequest) (*SubmitResponse, error) {
	pr, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if pr.paused {
		res := pr.pausedResult()
		return &SubmitResponse{PlanID: pr.in.plan.ID, Paused: true, Result: &res}, nil
	}
	j, err := s.create(ctx, pr)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Submit(ctx, j.ID); err != nil {
		return nil, &StageError{Stage: "submit", PlanID: j.PlanID, JobID: j.ID, Err: err}
	}
	s.log.Info("pipeline: job submitted", "job_id", j.ID, "plan_id", j.PlanID, "batches", j.TotalBatches)
	return &SubmitResponse{JobID: j.ID, PlanID: j.PlanID, Status: j.Status, TotalBatches: j.TotalBatches}, nil
}

// Status returns the job and its batch counts.
func (s *Service) Status(ctx context.Context, jobID string) (*jobs.JobStatus, error) {
	return s.orch.Status(ctx, jobID)
}

// ResultResponse is returned by Result. Result is nil while the job is
// still processing.
type ResultResponse struct {
	JobID           string          `json:"job_id"`
	Status          jobs.Status     `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	Message         string          `json:"message,omitempty"`
	Result          *takeoff.Result `json:"result,omitempty"`
}

// Result returns the merged result of a finished job, merging a partial
// one on demand. A failed job yields the error shape.
func (s *Service) Result(ctx context.Context, jobID string) (*ResultResponse, error) {
	res, j, err := s.orch.MergeJobResults(ctx, jobID)
	switch {
	case errors.Is(err, jobs.ErrNotReady):
		return &ResultResponse{
			JobID: jobID, Status: j.Status, ProgressPercent: j.ProgressPercent,
			Message: fmt.Sprintf("still processing: %d of %d batches done", j.CompletedBatches, j.TotalBatches),
		}, nil
	case errors.Is(err, jobs.ErrJobFailed):
		r := takeoff.ErrorResult(&StageError{Stage: "job", PlanID: j.PlanID, JobID: jobID, Err: errors.New(j.Error)})
		return &ResultResponse{JobID: jobID, Status: j.Status, ProgressPercent: j.ProgressPercent, Message: j.Error, Result: &r}, nil
	case err != nil:
		return nil, err
	}
	return &ResultResponse{JobID: jobID, Status: j.Status, ProgressPercent: j.ProgressPercent, Result: &res}, nil
}

// Cancel stops dispatch of the job's pending batches. Results of batches
// already in flight are discarded at merge.
func (s *Service) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	return s.orch.Cancel(ctx, jobID)
}
