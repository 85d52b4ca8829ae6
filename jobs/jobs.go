// Package jobs runs takeoff jobs: one Job per analysis run, one Batch per
// (segment, chunk) pair. Batches are dispatched concurrently under the
// job's parallelism limit; every completion or failure updates the job
// counters in a single store transaction, so concurrent batches never lose
// an increment.
//
// Job:   pending → running → partial | complete | failed
// Batch: pending → processing → completed | failed
//
// A job is failed only when ingestion produced no chunks. Failed batches
// leave the job partial; the merge then uses completed batches only.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hazyhaar/planset/chunk"
	"github.com/hazyhaar/planset/merge"
	"github.com/hazyhaar/planset/scoping"
	"github.com/hazyhaar/planset/sheetindex"
	"github.com/hazyhaar/planset/takeoff"
)

var (
	ErrNotFound   = errors.New("jobs: not found")
	ErrNoChunks   = errors.New("jobs: ingestion produced no chunks")
	ErrBatchState = errors.New("jobs: batch is not in the expected state")
	ErrCancelled  = errors.New("jobs: job cancelled")
	ErrNotReady   = errors.New("jobs: job still processing")
)

// Status is a job state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no batch of the job can still change.
func (s Status) Terminal() bool {
	return s == StatusPartial || s == StatusComplete || s == StatusFailed
}

// BatchStatus is a batch state.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// ErrorKind classifies a batch failure.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindInference ErrorKind = "inference"
	KindDecode    ErrorKind = "decode"
	KindCancelled ErrorKind = "cancelled"
)

// BatchError is the error payload stored on a failed batch.
type BatchError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *BatchError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Metrics are the usage figures of a batch, or their sum over a job's
// completed batches. Cost is in USD.
type Metrics struct {
	Cost         float64 `json:"cost"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
}

// Add accumulates o into m.
func (m *Metrics) Add(o Metrics) {
	m.Cost = math.Round((m.Cost+o.Cost)*1e6) / 1e6
	m.InputTokens += o.InputTokens
	m.OutputTokens += o.OutputTokens
	m.DurationMs += o.DurationMs
}

// RunSpec is what a job needs to run its batches, persisted with the job
// so a restarted worker can resume it.
type RunSpec struct {
	Segments   []scoping.Segment  `json:"segments"`
	Context    scoping.JobContext `json:"context"`
	Currency   string             `json:"currency"`
	CostPolicy string             `json:"cost_policy"`
	Notes      []string           `json:"notes,omitempty"`
	Request    json.RawMessage    `json:"request,omitempty"`
}

// Segment returns the segment with id.
func (r RunSpec) Segment(id string) (scoping.Segment, bool) {
	for _, s := range r.Segments {
		if s.ID == id {
			return s, true
		}
	}
	return scoping.Segment{}, false
}

// SegmentResults renders the planned segments as SEGMENTS templates.
func (r RunSpec) SegmentResults() []takeoff.SegmentResult {
	p := scoping.Plan{Segments: r.Segments}
	return p.SegmentResults()
}

// Job is one analysis run.
type Job struct {
	ID               string          `json:"id"`
	OwnerRef         string          `json:"owner_ref,omitempty"`
	PlanID           string          `json:"plan_id,omitempty"`
	Status           Status          `json:"status"`
	TotalBatches     int             `json:"total_batches"`
	CompletedBatches int             `json:"completed_batches"` // terminal batches, completed or failed
	FailedBatches    int             `json:"failed_batches"`
	ProgressPercent  int             `json:"progress_percent"`
	MaxParallel      int             `json:"max_parallel"`
	Cancelled        bool            `json:"cancelled"`
	Metrics          Metrics         `json:"metrics"`
	Spec             RunSpec         `json:"spec"`
	FinalResult      *takeoff.Result `json:"final_result,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Batch is one (segment, chunk) unit of inference work.
type Batch struct {
	ID         string              `json:"id"`
	JobID      string              `json:"job_id"`
	SegmentID  string              `json:"segment_id"`
	ChunkID    string              `json:"chunk_id"`
	ChunkIndex int                 `json:"chunk_index"`
	Status     BatchStatus         `json:"status"`
	Metrics    Metrics             `json:"metrics"`
	Error      *BatchError         `json:"error,omitempty"`
	Outputs    []merge.BatchOutput `json:"outputs,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Plan is a registered document set and, once ingested, its index.
type Plan struct {
	ID         string            `json:"id"`
	URLs       []string          `json:"urls"`
	Name       string            `json:"name,omitempty"`
	PageCount  int               `json:"page_count"`
	ChunkCount int               `json:"chunk_count"`
	Index      *sheetindex.Index `json:"index,omitempty"`
	Meta       chunk.ProjectMeta `json:"meta"`
	Warnings   []string          `json:"warnings,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	IngestedAt *time.Time        `json:"ingested_at,omitempty"`
}

// Progress is round(100*completed/total); 100 for an empty job.
func Progress(completed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}
