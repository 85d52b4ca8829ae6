// Package takeoff holds the domain types shared by every planset stage:
// quantity rows and their signatures, takeoff items, analysis findings,
// source anchors, and the four-array Result returned to callers.
package takeoff

// BBox is a bounding box in normalized page coordinates (0..1, origin top-left).
type BBox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// AnchorKind classifies an Anchor.
type AnchorKind string

const (
	AnchorPage      AnchorKind = "page"
	AnchorSheet     AnchorKind = "sheet"
	AnchorGrid      AnchorKind = "grid"
	AnchorReference AnchorKind = "reference"
)

// Anchor is a citable source location for an item or finding.
type Anchor struct {
	Kind    AnchorKind `json:"kind"`
	Page    int        `json:"page,omitempty"`
	SheetID string     `json:"sheet_id,omitempty"`
	Ref     string     `json:"ref,omitempty"` // grid label or free reference, e.g. "C/4"
	BBox    *BBox      `json:"bbox,omitempty"`
}

// TakeoffItem is one quantity line of the merged takeoff.
type TakeoffItem struct {
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	Quantity    float64  `json:"quantity"`
	Unit        string   `json:"unit"`
	LocationKey string   `json:"location_key,omitempty"`
	UnitCost    float64  `json:"unit_cost,omitempty"`
	TotalCost   float64  `json:"total_cost,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	CostBasis   string   `json:"cost_basis,omitempty"` // estimate | lookup
	Confidence  float64  `json:"confidence"`
	Anchors     []Anchor `json:"anchors,omitempty"`

	SegmentID  string `json:"segment_id,omitempty"`
	ChunkID    string `json:"chunk_id"`
	ChunkIndex int    `json:"chunk_index"`
	Provider   string `json:"provider,omitempty"`
	Signature  string `json:"signature"`

	// SourceChunks lists every chunk that reported this item before
	// overlap collapse, in chunk order.
	SourceChunks []string `json:"source_chunks,omitempty"`
	// Schedule is set by the model when the row was read off a schedule
	// or legend rather than counted from placed symbols.
	Schedule    bool `json:"schedule,omitempty"`
	NeedsReview bool `json:"needs_review,omitempty"`
}

// Row returns the quantity row view of the item.
func (it TakeoffItem) Row() QuantityRow {
	return QuantityRow{
		Name:        it.Name,
		Quantity:    it.Quantity,
		Unit:        it.Unit,
		LocationKey: it.LocationKey,
	}
}

// Severity grades findings and scoping questions.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding kinds produced outside the model.
const (
	FindingConflict     = "conflict"
	FindingSchedule     = "schedule_only"
	FindingQuality      = "quality"
	FindingMissingInfo  = "missing_info"
	FindingCodeConcern  = "code_concern"
	FindingCoordination = "coordination"
)

// Finding is one ANALYSIS entry: a quality observation from a model or a
// merge-time conflict.
type Finding struct {
	Kind      string   `json:"kind"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	SegmentID string   `json:"segment_id,omitempty"`
	ChunkID   string   `json:"chunk_id,omitempty"`
	Signature string   `json:"signature,omitempty"`
	Providers []string `json:"providers,omitempty"`
	Anchors   []Anchor `json:"anchors,omitempty"`
}

// Question is a clarifying question raised by scoping.
type Question struct {
	ID       string   `json:"id"`
	Topic    string   `json:"topic"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Severity Severity `json:"severity"`
}

// Segment entry kinds.
const (
	SegmentKindSegment   = "segment"
	SegmentKindQuestions = "questions"
)

// SegmentResult is one SEGMENTS entry. Analyzed runs carry per-segment
// totals; a run paused for scoping carries proposed segments plus one
// entry of kind "questions".
type SegmentResult struct {
	Kind       string     `json:"kind"`
	ID         string     `json:"id"`
	Industry   string     `json:"industry,omitempty"`
	Discipline string     `json:"discipline,omitempty"`
	Categories []string   `json:"categories,omitempty"`
	ChunkIDs   []string   `json:"chunk_ids,omitempty"`
	ItemCount  int        `json:"item_count"`
	Subtotal   float64    `json:"subtotal,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	Questions  []Question `json:"questions,omitempty"`
}

// LogEntry types.
const (
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
	LogBatch   = "batch"
	LogMerge   = "merge"
	LogScoping = "scoping"
)

// LogEntry is one RUN_LOG entry.
type LogEntry struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Stage   string         `json:"stage,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	PlanID  string         `json:"plan_id,omitempty"`
	BatchID string         `json:"batch_id,omitempty"`
	Count   int            `json:"count,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
