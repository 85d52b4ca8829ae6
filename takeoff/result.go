package takeoff

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Result is the fixed external contract: exactly four arrays, in order
// TAKEOFF, ANALYSIS, SEGMENTS, RUN_LOG. It marshals as a JSON array of four
// arrays and never emits null for an empty one.
type Result struct {
	Takeoff  []TakeoffItem
	Analysis []Finding
	Segments []SegmentResult
	RunLog   []LogEntry
}

// ErrorResult is the failure shape: three empty arrays and one error entry.
func ErrorResult(err error, ids ...string) Result {
	e := LogEntry{Type: LogError, Message: err.Error()}
	var se interface{ CorrelationIDs() (string, string) }
	if errors.As(err, &se) {
		e.PlanID, e.JobID = se.CorrelationIDs()
	}
	if len(ids) > 0 && e.JobID == "" {
		e.JobID = ids[0]
	}
	return Result{RunLog: []LogEntry{e}}.Normalize()
}

// Normalize replaces nil arrays with empty ones.
func (r Result) Normalize() Result {
	if r.Takeoff == nil {
		r.Takeoff = []TakeoffItem{}
	}
	if r.Analysis == nil {
		r.Analysis = []Finding{}
	}
	if r.Segments == nil {
		r.Segments = []SegmentResult{}
	}
	if r.RunLog == nil {
		r.RunLog = []LogEntry{}
	}
	return r
}

// Failed reports whether the result is the error shape.
func (r Result) Failed() bool {
	return len(r.Takeoff) == 0 && len(r.Analysis) == 0 && len(r.Segments) == 0 &&
		len(r.RunLog) == 1 && r.RunLog[0].Type == LogError
}

// Logf appends a RUN_LOG entry.
func (r *Result) Logf(typ, format string, args ...any) {
	r.RunLog = append(r.RunLog, LogEntry{Type: typ, Message: fmt.Sprintf(format, args...)})
}

// MarshalJSON encodes the result as [[...],[...],[...],[...]].
func (r Result) MarshalJSON() ([]byte, error) {
	n := r.Normalize()
	return json.Marshal([4]any{n.Takeoff, n.Analysis, n.Segments, n.RunLog})
}

// UnmarshalJSON decodes the four-array form. Anything other than exactly
// four arrays is rejected.
func (r *Result) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("takeoff: result: %w", err)
	}
	if len(parts) != 4 {
		return fmt.Errorf("takeoff: result: want 4 arrays, got %d", len(parts))
	}
	var out Result
	targets := []any{&out.Takeoff, &out.Analysis, &out.Segments, &out.RunLog}
	for i, p := range parts {
		if err := json.Unmarshal(p, targets[i]); err != nil {
			return fmt.Errorf("takeoff: result array %d: %w", i, err)
		}
	}
	*r = out.Normalize()
	return nil
}
