package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/planset/chunk"
	"github.com/hazyhaar/planset/docpipe"
	"github.com/hazyhaar/planset/jobs"
	"github.com/hazyhaar/planset/observability"
	"github.com/hazyhaar/planset/sheetindex"
)

// Ingestion stages, as reported by IngestStatus.
const (
	StageFetch   = "fetch"
	StageExtract = "extract"
	StageIndex   = "index"
	StageChunk   = "chunk"
	StageStore   = "store"
	StageDone    = "done"
	StageFailed  = "failed"
)

// ProcessingStatus is the live state of one plan's ingestion. Errors
// counts non-fatal problems: unreadable pages, failed OCR, oversized
// chunks.
type ProcessingStatus struct {
	PlanID      string     `json:"plan_id"`
	Stage       string     `json:"stage"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"current_step"`
	Documents   int        `json:"documents"`
	Pages       int        `json:"pages"`
	Sheets      int        `json:"sheets"`
	Chunks      int        `json:"chunks"`
	Errors      int        `json:"errors"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Progress share reached when each stage starts. Fetch and extract split
// the first share evenly across documents.
var stageProgress = map[string]int{
	StageFetch: 0,
	StageIndex: 60,
	StageChunk: 70,
	StageStore: 90,
	StageDone:  100,
}

// step moves the status to stage with a human-readable current step.
func (st *ProcessingStatus) step(stage, format string, args ...any) {
	st.Stage = stage
	if p, ok := stageProgress[stage]; ok && p > st.Progress {
		st.Progress = p
	}
	st.CurrentStep = fmt.Sprintf(format, args...)
}

// IngestResult is the outcome of an ingestion-only run.
type IngestResult struct {
	PlanID     string   `json:"plan_id"`
	ChunkCount int      `json:"chunk_count"`
	PageCount  int      `json:"page_count"`
	Warnings   []string `json:"warnings"`
}

type ingested struct {
	plan   *jobs.Plan
	chunks []chunk.Chunk
	index  *sheetindex.Index
	doc    *docpipe.Document
}

// RegisterPlan records the documents of a plan so it can be ingested by
// id. Registering an existing plan replaces its URLs.
func (s *Service) RegisterPlan(ctx context.Context, planID string, urls []string) (*jobs.Plan, error) {
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	if planID == "" {
		planID = s.cfg.NewPlanID()
	} else if err := validPlanID(planID); err != nil {
		return nil, err
	}
	p, err := s.store.Plan(ctx, planID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		p = &jobs.Plan{ID: planID}
	case err != nil:
		return nil, err
	}
	p.URLs = urls
	if err := s.store.PutPlan(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: register plan %s: %w", planID, err)
	}
	s.log.Info("pipeline: plan registered", "plan_id", planID, "documents", len(urls))
	return p, nil
}

// validPlanID accepts ids made of letters, digits, '_', '-' and '.', up to
// 256 bytes. Plan ids end up in object keys and URL paths.
func validPlanID(id string) error {
	if len(id) > 256 {
		return fmt.Errorf("%w: plan_id longer than 256 bytes", ErrInvalidRequest)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: plan_id %q", ErrInvalidRequest, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: plan_id has invalid character %q", ErrInvalidRequest, r)
		}
	}
	return nil
}

// Ingest fetches, extracts, indexes and chunks a registered plan and
// persists its chunks. It is bounded by Config.IngestTimeout; on expiry it
// returns a *docpipe.TimeoutError and keeps nothing.
func (s *Service) Ingest(ctx context.Context, planID string) (*IngestResult, error) {
	in, err := s.ingestPlan(ctx, planID, s.cfg.PageBatchSize)
	if err != nil {
		return nil, err
	}
	return &IngestResult{
		PlanID:     planID,
		ChunkCount: len(in.chunks),
		PageCount:  in.plan.PageCount,
		Warnings:   nonNil(in.plan.Warnings),
	}, nil
}

// IngestStatus reports the state of the latest ingestion of planID.
func (s *Service) IngestStatus(planID string) (ProcessingStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.ingest[planID]
	if !ok {
		return ProcessingStatus{}, false
	}
	return *st, true
}

func (s *Service) track(planID string, fn func(*ProcessingStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.ingest[planID]
	if !ok {
		st = &ProcessingStatus{PlanID: planID}
		s.ingest[planID] = st
	}
	fn(st)
}

func (s *Service) ingestPlan(ctx context.Context, planID string, pagesPerChunk int) (*ingested, error) {
	start := time.Now()
	s.track(planID, func(st *ProcessingStatus) {
		*st = ProcessingStatus{PlanID: planID, StartedAt: start}
		st.step(StageFetch, "loading plan")
	})

	in, err := s.runIngest(ctx, planID, pagesPerChunk)
	finished := time.Now()
	if err != nil {
		s.track(planID, func(st *ProcessingStatus) {
			st.CurrentStep = st.Stage + " failed"
			st.Stage, st.Error, st.FinishedAt = StageFailed, err.Error(), &finished
		})
		s.log.Error("pipeline: ingest failed", "plan_id", planID, "error", err,
			"duration_ms", finished.Sub(start).Milliseconds())
		s.cfg.Events.Log(ctx, observability.Event{
			Type: "plan.ingest_failed", EntityType: "plan", EntityID: planID,
			Details: map[string]any{"error": err.Error()},
		})
		return nil, err
	}

	s.track(planID, func(st *ProcessingStatus) {
		st.step(StageDone, "ingested %d pages into %d chunks", in.plan.PageCount, len(in.chunks))
		st.Chunks, st.Errors, st.FinishedAt = len(in.chunks), len(in.plan.Warnings), &finished
	})
	s.cfg.Metrics.Observe(observability.MetricIngestDurationMs, float64(finished.Sub(start).Milliseconds()), "milliseconds", "plan_id", planID)
	s.cfg.Metrics.Observe(observability.MetricIngestPages, float64(in.plan.PageCount), "count", "plan_id", planID)
	s.cfg.Metrics.Observe(observability.MetricOCRPages, float64(in.doc.OCRPages), "count", "plan_id", planID)
	s.cfg.Events.Log(ctx, observability.Event{
		Type: "plan.ingested", EntityType: "plan", EntityID: planID, Success: true,
		Details: map[string]any{"pages": in.plan.PageCount, "chunks": len(in.chunks), "ocr_pages": in.doc.OCRPages},
	})
	s.log.Info("pipeline: plan ingested", "plan_id", planID, "pages", in.plan.PageCount,
		"chunks", len(in.chunks), "warnings", len(in.plan.Warnings),
		"duration_ms", finished.Sub(start).Milliseconds())
	return in, nil
}

func (s *Service) runIngest(parent context.Context, planID string, pagesPerChunk int) (*ingested, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.IngestTimeout)
	defer cancel()

	fail := func(stage string, err error) error {
		var te *docpipe.TimeoutError
		if errors.As(err, &te) {
			return err
		}
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &docpipe.TimeoutError{Stage: "ingest", After: s.cfg.IngestTimeout}
		}
		return &StageError{Stage: stage, PlanID: planID, Err: err}
	}

	p, err := s.store.Plan(ctx, planID)
	if err != nil {
		return nil, fail("ingest", err)
	}
	if len(p.URLs) == 0 {
		return nil, fail("ingest", ErrNoURLs)
	}

	doc := &docpipe.Document{}
	n := len(p.URLs)
	for i, u := range p.URLs {
		s.track(planID, func(st *ProcessingStatus) {
			st.step(StageFetch, "fetching document %d of %d", i+1, n)
			st.Documents, st.Progress = i, 60*i/n
		})
		data, err := s.cfg.Fetcher.Fetch(ctx, u)
		if err != nil {
			return nil, fail(StageFetch, err)
		}
		s.track(planID, func(st *ProcessingStatus) {
			st.step(StageExtract, "extracting document %d of %d", i+1, n)
			st.Progress = 60*i/n + 30/n
		})
		d, err := s.cfg.Extractor.Extract(ctx, data, docpipe.Options{RenderImages: s.cfg.RenderImages})
		if err != nil {
			return nil, fail(StageExtract, fmt.Errorf("%s: %w", u, err))
		}
		appendDocument(doc, d, u, n > 1)
		s.track(planID, func(st *ProcessingStatus) {
			st.Documents, st.Pages, st.Errors = i+1, len(doc.Pages), len(doc.Warnings)
			st.Progress = 60 * (i + 1) / n
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, fail("ingest", err)
	}

	s.track(planID, func(st *ProcessingStatus) { st.step(StageIndex, "indexing %d sheets", len(doc.Pages)) })
	ix := sheetindex.New().Index(doc.Pages)

	s.track(planID, func(st *ProcessingStatus) {
		st.step(StageChunk, "chunking %d pages", len(doc.Pages))
		st.Sheets = len(ix.Sheets)
	})
	meta := chunk.DetectProjectMeta(chunk.ProjectMeta{
		PlanID:     planID,
		Name:       p.Name,
		TotalPages: len(doc.Pages),
		UploadDate: p.CreatedAt,
	}, doc)
	chunks, err := chunk.New(chunk.Options{PagesPerChunk: pagesPerChunk}).Split(doc.Pages, ix, meta)
	if err != nil {
		return nil, fail(StageChunk, err)
	}

	s.track(planID, func(st *ProcessingStatus) {
		st.step(StageStore, "saving %d chunks", len(chunks))
		st.Chunks = len(chunks)
	})
	warnings := append([]string{}, doc.Warnings...)
	for _, c := range chunks {
		for _, w := range c.Warnings {
			warnings = append(warnings, c.ID+": "+w)
		}
	}
	if err := s.store.SaveChunks(ctx, planID, chunks); err != nil {
		return nil, fail(StageStore, err)
	}
	now := time.Now()
	p.PageCount = len(doc.Pages)
	p.ChunkCount = len(chunks)
	p.Index = ix
	p.Meta = meta
	p.Warnings = warnings
	p.IngestedAt = &now
	if err := s.store.PutPlan(ctx, p); err != nil {
		return nil, fail(StageStore, err)
	}
	return &ingested{plan: p, chunks: chunks, index: ix, doc: doc}, nil
}

// appendDocument adds d's pages to doc, numbering them after the pages
// already there so a multi-file plan reads as one drawing set.
func appendDocument(doc, d *docpipe.Document, url string, multi bool) {
	offset := len(doc.Pages)
	if doc.Title == "" {
		doc.Title = d.Title
	}
	for _, pg := range d.Pages {
		pg.Number += offset
		doc.Pages = append(doc.Pages, pg)
	}
	doc.PageCount = len(doc.Pages)
	doc.OCRPages += d.OCRPages
	doc.Duration += d.Duration
	for _, w := range d.Warnings {
		if multi {
			w = url + ": " + w
		}
		doc.Warnings = append(doc.Warnings, w)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
