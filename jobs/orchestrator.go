package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/planset/chunk"
	"github.com/hazyhaar/planset/connectivity"
	"github.com/hazyhaar/planset/idgen"
	"github.com/hazyhaar/planset/inference"
	"github.com/hazyhaar/planset/merge"
	"github.com/hazyhaar/planset/observability"
	"github.com/hazyhaar/planset/scoping"
	"github.com/hazyhaar/planset/takeoff"
	"github.com/hazyhaar/planset/vtq"
)

var (
	ErrNoQueue   = errors.New("jobs: no queue configured")
	ErrJobFailed = errors.New("jobs: job failed")
)

// Analyzer runs one takeoff prompt. *inference.Client implements it.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, p inference.Prompt) (inference.Analysis, error)
}

// Config wires an Orchestrator.
type Config struct {
	Store Store
	// Analyzers are called for every batch; more than one enables
	// provider consensus in the merge.
	Analyzers []Analyzer
	Lookup    inference.CostLookupFunc
	// AgreementThreshold for provider consensus. Default 0.6.
	AgreementThreshold float64
	// DefaultParallel is used when a job asks for no limit. Default 2.
	DefaultParallel int

	Queue           *vtq.Q
	WorkConcurrency int // jobs executed at once by Work, default 1

	Metrics *observability.MetricsManager
	Events  *observability.EventLogger
	Logger  *slog.Logger

	NewJobID   idgen.Generator
	NewBatchID idgen.Generator
}

func (c *Config) defaults() {
	if c.AgreementThreshold <= 0 {
		c.AgreementThreshold = 0.6
	}
	if c.DefaultParallel <= 0 {
		c.DefaultParallel = 2
	}
	if c.WorkConcurrency <= 0 {
		c.WorkConcurrency = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewJobID == nil {
		c.NewJobID = idgen.Job
	}
	if c.NewBatchID == nil {
		c.NewBatchID = idgen.Batch
	}
}

// Orchestrator creates, runs, merges and cancels jobs.
type Orchestrator struct {
	cfg   Config
	store Store
	log   *slog.Logger
}

// New returns an Orchestrator.
func New(cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{cfg: cfg, store: cfg.Store, log: cfg.Logger}
}

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Store { return o.store }

// JobSpec is the input of Create.
type JobSpec struct {
	OwnerRef string
	PlanID   string
	Chunks   []chunk.Chunk
	// Plan is the scoping plan. Nil runs every chunk under one default
	// segment.
	Plan        *scoping.Plan
	Context     scoping.JobContext
	Currency    string
	CostPolicy  string
	MaxParallel int
	Request     json.RawMessage
}

// Create persists a job with one pending batch per (segment, chunk). A
// spec without chunks creates a failed job and returns ErrNoChunks.
func (o *Orchestrator) Create(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.PlanID == "" {
		spec.PlanID = idgen.Plan()
	}
	j := &Job{
		ID:          o.cfg.NewJobID(),
		OwnerRef:    spec.OwnerRef,
		PlanID:      spec.PlanID,
		Status:      StatusPending,
		MaxParallel: spec.MaxParallel,
	}
	if j.MaxParallel <= 0 {
		j.MaxParallel = o.cfg.DefaultParallel
	}

	plan := spec.Plan
	if plan == nil {
		plan = scoping.DefaultPlan(spec.Chunks, spec.Context)
	}
	j.Spec = RunSpec{
		Segments:   plan.Segments,
		Context:    spec.Context,
		Currency:   spec.Currency,
		CostPolicy: spec.CostPolicy,
		Notes:      plan.Notes,
		Request:    spec.Request,
	}

	index := make(map[string]int, len(spec.Chunks))
	for _, c := range spec.Chunks {
		index[c.ID] = c.Index
	}
	var batches []*Batch
	for _, seg := range plan.Segments {
		for _, id := range seg.ChunkIDs {
			idx, ok := index[id]
			if !ok {
				continue
			}
			batches = append(batches, &Batch{
				ID:         o.cfg.NewBatchID(),
				SegmentID:  seg.ID,
				ChunkID:    id,
				ChunkIndex: idx,
			})
		}
	}
	sort.SliceStable(batches, func(a, b int) bool {
		if batches[a].ChunkIndex != batches[b].ChunkIndex {
			return batches[a].ChunkIndex < batches[b].ChunkIndex
		}
		return batches[a].SegmentID < batches[b].SegmentID
	})

	if len(batches) == 0 {
		j.Status = StatusFailed
		j.Error = ErrNoChunks.Error()
		if err := o.store.CreateJob(ctx, j, nil); err != nil {
			return nil, err
		}
		o.cfg.Events.Log(ctx, observability.Event{
			Type: "job.failed", EntityType: "job", EntityID: j.ID, ParentID: j.PlanID,
			Details: map[string]any{"error": j.Error},
		})
		return j, ErrNoChunks
	}

	if err := o.ensurePlan(ctx, spec.PlanID, len(spec.Chunks)); err != nil {
		return nil, err
	}
	if err := o.store.SaveChunks(ctx, spec.PlanID, spec.Chunks); err != nil {
		return nil, fmt.Errorf("jobs: save chunks: %w", err)
	}
	if err := o.store.CreateJob(ctx, j, batches); err != nil {
		return nil, err
	}

	o.log.Info("jobs: job created", "job_id", j.ID, "plan_id", j.PlanID,
		"batches", j.TotalBatches, "segments", len(plan.Segments), "max_parallel", j.MaxParallel)
	o.cfg.Events.Log(ctx, observability.Event{
		Type: "job.created", EntityType: "job", EntityID: j.ID, ParentID: j.PlanID, Success: true,
		Details: map[string]any{"total_batches": j.TotalBatches, "segments": len(plan.Segments)},
	})
	return j, nil
}

func (o *Orchestrator) ensurePlan(ctx context.Context, planID string, chunks int) error {
	_, err := o.store.Plan(ctx, planID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return o.store.PutPlan(ctx, &Plan{ID: planID, ChunkCount: chunks})
}

// Execute dispatches the job's pending batches, at most MaxParallel at a
// time, and returns the job once every dispatched batch has settled. A
// cancelled or terminal job is returned as is.
//
// When ctx ends first, interrupted and undispatched batches fail as
// timeout or cancelled, so the job still reaches partial and its
// completed batches can be merged. The settled job is returned with
// ctx's error.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) (*Job, error) {
	return o.execute(ctx, jobID, false)
}

// execute runs the job. A resumable run leaves interrupted batches in
// processing for the next queue delivery to reset.
func (o *Orchestrator) execute(ctx context.Context, jobID string, resumable bool) (*Job, error) {
	j, err := o.store.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() || j.Cancelled {
		return j, nil
	}
	if err := o.store.StartJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("jobs: start %s: %w", jobID, err)
	}
	batches, err := o.store.Batches(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(j.MaxParallel)
	for _, b := range batches {
		if b.Status != BatchPending {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.runBatch(ctx, j, b, resumable)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		if resumable {
			return nil, err
		}
		return o.settle(context.WithoutCancel(ctx), jobID, err)
	}
	return o.store.Job(ctx, jobID)
}

// settle fails the batches a stopped run never dispatched and returns the
// job with cause.
func (o *Orchestrator) settle(ctx context.Context, jobID string, cause error) (*Job, error) {
	batches, err := o.store.Batches(ctx, jobID)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	be := classify(cause)
	be.Message = "not dispatched: " + be.Message
	n := 0
	for _, b := range batches {
		if b.Status != BatchPending {
			continue
		}
		if _, err := o.store.FailBatch(ctx, b.ID, be); err != nil && !errors.Is(err, ErrBatchState) {
			return nil, errors.Join(cause, err)
		}
		n++
	}
	j, err := o.store.Job(ctx, jobID)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	o.log.Warn("jobs: run stopped", "job_id", jobID, "error", cause,
		"undispatched", n, "status", j.Status)
	return j, cause
}

func (o *Orchestrator) runBatch(ctx context.Context, j *Job, b *Batch, resumable bool) {
	log := o.log.With("job_id", j.ID, "batch_id", b.ID, "chunk_id", b.ChunkID)
	ok, err := o.store.ClaimBatch(ctx, b.ID)
	if err != nil {
		log.Warn("jobs: claim batch failed", "error", err)
		return
	}
	if !ok {
		return
	}

	start := time.Now()
	outputs, m, be := o.analyze(ctx, j, b)
	if err := ctx.Err(); err != nil {
		if resumable {
			// Left in processing; the next delivery resets it to pending.
			log.Warn("jobs: batch interrupted", "error", err)
			return
		}
		be = classify(err)
		be.Message = "interrupted: " + be.Message
		ctx = context.WithoutCancel(ctx)
	}
	m.DurationMs = time.Since(start).Milliseconds()

	var job *Job
	if be != nil {
		job, err = o.store.FailBatch(ctx, b.ID, be)
		o.cfg.Metrics.Observe(observability.MetricBatchFailed, 1, "count",
			"job_id", j.ID, "kind", string(be.Kind))
		o.cfg.Events.Log(ctx, observability.Event{
			Type: "batch.failed", EntityType: "batch", EntityID: b.ID, ParentID: j.ID,
			Details: map[string]any{"kind": string(be.Kind), "message": be.Message, "chunk_id": b.ChunkID},
		})
	} else {
		job, err = o.store.CompleteBatch(ctx, b.ID, m, outputs)
		o.cfg.Metrics.Observe(observability.MetricBatchDurationMs, float64(m.DurationMs), "milliseconds",
			"job_id", j.ID, "segment_id", b.SegmentID)
		o.cfg.Metrics.Observe(observability.MetricBatchTokens, float64(m.InputTokens+m.OutputTokens), "count",
			"job_id", j.ID)
		o.cfg.Metrics.Observe(observability.MetricBatchCost, m.Cost, "usd", "job_id", j.ID)
		o.cfg.Events.Log(ctx, observability.Event{
			Type: "batch.completed", EntityType: "batch", EntityID: b.ID, ParentID: j.ID, Success: true,
			Details: map[string]any{"chunk_id": b.ChunkID, "providers": len(outputs), "duration_ms": m.DurationMs},
		})
	}
	if err != nil {
		log.Error("jobs: record batch result", "error", err)
		return
	}

	if be != nil {
		log.Warn("jobs: batch failed", "kind", be.Kind, "error", be.Message, "progress", job.ProgressPercent)
	} else {
		log.Info("jobs: batch completed", "duration_ms", m.DurationMs, "cost", m.Cost, "progress", job.ProgressPercent)
	}
	if job.Status == StatusPartial && job.CompletedBatches == job.TotalBatches {
		o.cfg.Events.Log(ctx, observability.Event{
			Type: "job.partial", EntityType: "job", EntityID: j.ID, Success: true,
			Details: map[string]any{"failed_batches": job.FailedBatches, "total_batches": job.TotalBatches},
		})
	}
}

type analyzerResult struct {
	an  inference.Analysis
	err error
}

// analyze calls every analyzer on the batch's chunk. The batch fails only
// when no analyzer returned usable output; partial provider failures and
// unparsed responses become warnings on the surviving outputs.
func (o *Orchestrator) analyze(ctx context.Context, j *Job, b *Batch) ([]merge.BatchOutput, Metrics, *BatchError) {
	if len(o.cfg.Analyzers) == 0 {
		return nil, Metrics{}, &BatchError{Kind: KindInference, Message: "no inference provider configured"}
	}
	ch, err := o.store.Chunk(ctx, b.ChunkID)
	if err != nil {
		return nil, Metrics{}, &BatchError{Kind: KindInference, Message: "load chunk: " + err.Error()}
	}
	seg, _ := j.Spec.Segment(b.SegmentID)
	jc := j.Spec.Context
	prompt := inference.BuildPrompt(inference.PromptInput{
		Chunk:        *ch,
		SegmentID:    seg.ID,
		Industry:     seg.Industry,
		Categories:   seg.Categories,
		ProjectName:  jc.ProjectName,
		Location:     jc.Location,
		BuildingType: jc.BuildingType,
		Notes:        jc.Notes,
		Currency:     j.Spec.Currency,
		CostPolicy:   j.Spec.CostPolicy,
	})
	ic := inference.ItemContext{
		SegmentID:       b.SegmentID,
		ChunkID:         b.ChunkID,
		ChunkIndex:      b.ChunkIndex,
		Currency:        j.Spec.Currency,
		CostPolicy:      j.Spec.CostPolicy,
		Lookup:          o.cfg.Lookup,
		DefaultAnchors:  pageAnchorsOf(ch),
		NoMultiplyPages: ch.NoMultiplyPages(),
	}

	results := make([]analyzerResult, len(o.cfg.Analyzers))
	var g errgroup.Group
	for i, a := range o.cfg.Analyzers {
		g.Go(func() error {
			an, err := a.Analyze(ctx, prompt)
			results[i] = analyzerResult{an: an, err: err}
			return nil
		})
	}
	g.Wait()

	var (
		outputs  []merge.BatchOutput
		m        Metrics
		firstErr *BatchError
		warnings []string
		unparsed *BatchError
	)
	for i, r := range results {
		name := o.cfg.Analyzers[i].Name()
		if r.err != nil {
			be := classify(r.err)
			if firstErr == nil {
				firstErr = be
			}
			warnings = append(warnings, fmt.Sprintf("provider %s failed: %s", name, be))
			continue
		}
		comp := r.an.Completion
		m.Add(Metrics{Cost: comp.Cost, InputTokens: comp.InputTokens, OutputTokens: comp.OutputTokens})
		if !r.an.Decoded.OK() {
			reason := r.an.Decoded.Unparsed.Reason
			if unparsed == nil {
				unparsed = &BatchError{Kind: KindDecode, Message: fmt.Sprintf("%s: %s", name, reason)}
			}
			warnings = append(warnings, fmt.Sprintf("provider %s returned unparsed output: %s", name, reason))
			continue
		}
		pic := ic
		pic.Provider = name
		outputs = append(outputs, merge.BatchOutput{
			BatchID:    b.ID,
			JobID:      j.ID,
			SegmentID:  b.SegmentID,
			ChunkID:    b.ChunkID,
			ChunkIndex: b.ChunkIndex,
			DedupeHash: ch.Safeguards.DedupeHash,
			Provider:   name,
			Items:      r.an.Decoded.Recognized.Items(pic),
			Findings:   r.an.Decoded.Recognized.Findings(pic),

			QuantitySignatures: ch.Safeguards.QuantitySignatures,
			LocationKeys:       ch.Safeguards.LocationKeys,
		})
	}
	if len(outputs) == 0 {
		if unparsed != nil {
			return nil, m, unparsed
		}
		return nil, m, firstErr
	}
	outputs[0].Warnings = append(outputs[0].Warnings, warnings...)
	return outputs, m, nil
}

func pageAnchorsOf(c *chunk.Chunk) []takeoff.Anchor {
	var out []takeoff.Anchor
	for _, a := range c.Metadata.Anchors {
		if a.Kind == takeoff.AnchorPage {
			out = append(out, a)
		}
	}
	return out
}

func classify(err error) *BatchError {
	switch {
	case connectivity.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return &BatchError{Kind: KindTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &BatchError{Kind: KindCancelled, Message: err.Error()}
	default:
		return &BatchError{Kind: KindInference, Message: err.Error()}
	}
}

// JobStatus is a job plus its batch counts.
type JobStatus struct {
	Job        *Job `json:"job"`
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
}

// Status reads the job and counts its batches by state.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	j, err := o.store.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	batches, err := o.store.Batches(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st := &JobStatus{Job: j}
	for _, b := range batches {
		switch b.Status {
		case BatchPending:
			st.Pending++
		case BatchProcessing:
			st.Processing++
		case BatchCompleted:
			st.Completed++
		case BatchFailed:
			st.Failed++
		}
	}
	return st, nil
}

// MergeJobResults merges the completed batches of a terminal job. A job
// whose batches all completed is finalized to complete and keeps the
// result; later calls return the stored result. A job with failed batches,
// or a cancelled one, stays partial and is re-merged on every call, which
// yields the same result for the same batch set.
func (o *Orchestrator) MergeJobResults(ctx context.Context, jobID string) (takeoff.Result, *Job, error) {
	j, err := o.store.Job(ctx, jobID)
	if err != nil {
		return takeoff.Result{}, nil, err
	}
	switch {
	case j.Status == StatusComplete && j.FinalResult != nil:
		return *j.FinalResult, j, nil
	case j.Status == StatusFailed:
		return takeoff.Result{}, j, fmt.Errorf("job %s: %s: %w", jobID, j.Error, ErrJobFailed)
	case !j.Status.Terminal():
		return takeoff.Result{}, j, fmt.Errorf("job %s at %d%%: %w", jobID, j.ProgressPercent, ErrNotReady)
	}

	batches, err := o.store.Batches(ctx, jobID)
	if err != nil {
		return takeoff.Result{}, nil, err
	}
	res := o.mergeBatches(j, batches)
	if j.Cancelled || j.FailedBatches > 0 {
		return res, j, nil
	}

	ok, err := o.store.Finalize(ctx, jobID, res)
	if err != nil {
		return takeoff.Result{}, nil, fmt.Errorf("jobs: finalize %s: %w", jobID, err)
	}
	j, err = o.store.Job(ctx, jobID)
	if err != nil {
		return takeoff.Result{}, nil, err
	}
	if !ok && j.FinalResult != nil {
		return *j.FinalResult, j, nil
	}
	for _, e := range res.RunLog {
		if e.Details["reason"] == "overlap_signature" {
			o.cfg.Metrics.Observe(observability.MetricMergeCollapsed, float64(e.Count), "count", "job_id", jobID)
		}
	}
	o.log.Info("jobs: job complete", "job_id", jobID, "items", len(res.Takeoff), "findings", len(res.Analysis))
	o.cfg.Events.Log(ctx, observability.Event{
		Type: "job.complete", EntityType: "job", EntityID: jobID, Success: true,
		Details: map[string]any{"items": len(res.Takeoff), "findings": len(res.Analysis)},
	})
	return res, j, nil
}

func (o *Orchestrator) mergeBatches(j *Job, batches []*Batch) takeoff.Result {
	var outputs []merge.BatchOutput
	if !j.Cancelled {
		for _, b := range batches {
			if b.Status == BatchCompleted {
				outputs = append(outputs, b.Outputs...)
			}
		}
	}
	res := merge.New(merge.Options{
		AgreementThreshold: o.cfg.AgreementThreshold,
		Currency:           j.Spec.Currency,
		Segments:           j.Spec.SegmentResults(),
	}).Merge(outputs)

	status := StatusComplete
	if j.Cancelled || j.FailedBatches > 0 {
		status = StatusPartial
	}
	head := []takeoff.LogEntry{{
		Type:  takeoff.LogInfo,
		Stage: "job",
		JobID: j.ID, PlanID: j.PlanID,
		Message: fmt.Sprintf("job %s %s: %d of %d batches completed, %d failed",
			j.ID, status, j.TotalBatches-j.FailedBatches, j.TotalBatches, j.FailedBatches),
		Count: j.TotalBatches,
		Details: map[string]any{
			"status":        string(status),
			"cost":          j.Metrics.Cost,
			"input_tokens":  j.Metrics.InputTokens,
			"output_tokens": j.Metrics.OutputTokens,
		},
	}}
	if j.Cancelled {
		head = append(head, takeoff.LogEntry{
			Type: takeoff.LogWarning, Stage: "job", JobID: j.ID,
			Message: "job cancelled: batch results discarded",
		})
	}
	for _, n := range j.Spec.Notes {
		head = append(head, takeoff.LogEntry{Type: takeoff.LogScoping, Stage: "scoping", JobID: j.ID, Message: n})
	}
	for _, b := range batches {
		if b.Status != BatchFailed || b.Error == nil {
			continue
		}
		head = append(head, takeoff.LogEntry{
			Type: takeoff.LogBatch, Stage: "batch", JobID: j.ID, BatchID: b.ID,
			Message: fmt.Sprintf("batch for chunk %s (%s) failed: %s", b.ChunkID, b.SegmentID, b.Error),
			Details: map[string]any{"kind": string(b.Error.Kind)},
		})
	}
	res.RunLog = append(head, res.RunLog...)
	return res
}

// Cancel flags the job. Pending batches fail as cancelled; in-flight ones
// finish but their results are not merged.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*Job, error) {
	j, err := o.store.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	o.log.Info("jobs: job cancelled", "job_id", jobID, "status", j.Status)
	o.cfg.Events.Log(ctx, observability.Event{
		Type: "job.cancelled", EntityType: "job", EntityID: jobID, Success: true,
		Details: map[string]any{"status": string(j.Status)},
	})
	return j, nil
}

// Submit queues the job for a background worker.
func (o *Orchestrator) Submit(ctx context.Context, jobID string) error {
	if o.cfg.Queue == nil {
		return ErrNoQueue
	}
	if _, err := o.cfg.Queue.Publish(ctx, jobID, nil); err != nil {
		return fmt.Errorf("jobs: submit %s: %w", jobID, err)
	}
	return nil
}

// Work executes queued jobs until ctx is cancelled. A redelivered job
// first has the batches a dead worker left in processing reset.
func (o *Orchestrator) Work(ctx context.Context) error {
	if o.cfg.Queue == nil {
		return ErrNoQueue
	}
	o.cfg.Queue.Run(ctx, o.cfg.WorkConcurrency, o.handle)
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, m *vtq.Message) error {
	jobID := m.ID
	if m.Attempts > 1 {
		n, err := o.store.ResetStuck(ctx, jobID)
		if err != nil {
			return err
		}
		if n > 0 {
			o.log.Warn("jobs: resumed job with stuck batches", "job_id", jobID, "reset", n)
		}
	}
	j, err := o.execute(ctx, jobID, true)
	if errors.Is(err, ErrNotFound) {
		o.log.Warn("jobs: queued job not found", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("job %s not finished: %s at %d%%", jobID, j.Status, j.ProgressPercent)
	}
	if j.Status == StatusPartial {
		if _, _, err := o.MergeJobResults(ctx, jobID); err != nil {
			o.log.Error("jobs: merge failed", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// Abandon fails the unfinished batches of a job the queue gave up on. Use
// it as vtq.Options.OnDiscard.
func (o *Orchestrator) Abandon(ctx context.Context, m *vtq.Message) {
	batches, err := o.store.Batches(ctx, m.ID)
	if err != nil {
		o.log.Error("jobs: abandon", "job_id", m.ID, "error", err)
		return
	}
	for _, b := range batches {
		if b.Status != BatchPending && b.Status != BatchProcessing {
			continue
		}
		_, err := o.store.FailBatch(ctx, b.ID, &BatchError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("abandoned after %d deliveries", m.Attempts),
		})
		if err != nil && !errors.Is(err, ErrBatchState) {
			o.log.Error("jobs: abandon batch", "batch_id", b.ID, "error", err)
		}
	}
}
