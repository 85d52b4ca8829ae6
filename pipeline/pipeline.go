// Package pipeline is the external surface of planset: it registers and
// ingests plans, plans the scope, runs takeoff jobs and returns the
// four-array result.
//
// A Service owns no goroutines of its own. Start runs a job to completion
// on the caller's context; Submit hands the job to the jobs queue and a
// worker started with jobs.Orchestrator.Work picks it up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/planset/docpipe"
	"github.com/hazyhaar/planset/idgen"
	"github.com/hazyhaar/planset/jobs"
	"github.com/hazyhaar/planset/observability"
	"github.com/hazyhaar/planset/scoping"
)

var (
	ErrNoURLs         = errors.New("pipeline: at least one pdf url is required")
	ErrInvalidRequest = errors.New("pipeline: invalid request")
)

// StageError is a failure of one pipeline stage, carrying the plan and job
// it happened under.
type StageError struct {
	Stage  string
	PlanID string
	JobID  string
	Err    error
}

func (e *StageError) Error() string {
	msg := "pipeline: " + e.Stage
	if e.PlanID != "" {
		msg += " plan " + e.PlanID
	}
	if e.JobID != "" {
		msg += " job " + e.JobID
	}
	return msg + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// CorrelationIDs returns the plan and job ids, for the RUN_LOG error entry.
func (e *StageError) CorrelationIDs() (string, string) { return e.PlanID, e.JobID }

// Fetcher resolves a document URL. *objstore.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Extractor turns PDF bytes into pages. *docpipe.Extractor implements it.
type Extractor interface {
	Extract(ctx context.Context, data []byte, opts docpipe.Options) (*docpipe.Document, error)
}

// Config wires a Service.
type Config struct {
	Orchestrator *jobs.Orchestrator
	Fetcher      Fetcher
	Extractor    Extractor
	Planner      *scoping.Planner

	// IngestTimeout bounds fetch, extraction, indexing and chunking of one
	// plan. Default 20m.
	IngestTimeout time.Duration
	// RenderImages attaches page rasters to chunks for vision models.
	RenderImages bool

	// Request defaults.
	PageBatchSize int    // default 5
	MaxParallel   int    // default 2
	Currency      string // default USD
	CostPolicy    string // default estimate

	Metrics *observability.MetricsManager
	Events  *observability.EventLogger
	Logger  *slog.Logger

	NewPlanID idgen.Generator
}

func (c *Config) defaults() {
	if c.IngestTimeout <= 0 {
		c.IngestTimeout = 20 * time.Minute
	}
	if c.PageBatchSize <= 0 {
		c.PageBatchSize = 5
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 2
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.CostPolicy == "" {
		c.CostPolicy = "estimate"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Planner == nil {
		c.Planner = scoping.New(c.Logger)
	}
	if c.NewPlanID == nil {
		c.NewPlanID = idgen.Plan
	}
}

// Service is the pipeline entry point.
type Service struct {
	cfg   Config
	orch  *jobs.Orchestrator
	store jobs.Store
	log   *slog.Logger

	mu     sync.Mutex
	ingest map[string]*ProcessingStatus
}

// New returns a Service. Orchestrator, Fetcher and Extractor are required.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, fmt.Errorf("%w: orchestrator is required", ErrInvalidRequest)
	case cfg.Fetcher == nil:
		return nil, fmt.Errorf("%w: fetcher is required", ErrInvalidRequest)
	case cfg.Extractor == nil:
		return nil, fmt.Errorf("%w: extractor is required", ErrInvalidRequest)
	}
	cfg.defaults()
	return &Service{
		cfg:    cfg,
		orch:   cfg.Orchestrator,
		store:  cfg.Orchestrator.Store(),
		log:    cfg.Logger,
		ingest: make(map[string]*ProcessingStatus),
	}, nil
}

// Orchestrator returns the job orchestrator, for starting workers.
func (s *Service) Orchestrator() *jobs.Orchestrator { return s.orch }
