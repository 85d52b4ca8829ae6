package inference

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/planset/chunk"
)

// PromptInput is everything BuildPrompt needs about one batch.
type PromptInput struct {
	Chunk        chunk.Chunk
	SegmentID    string
	Industry     string
	Categories   []string
	ProjectName  string
	Location     string
	BuildingType string
	Notes        string
	Currency     string
	CostPolicy   string
	Model        string
}

const takeoffInstruction = `You are a construction estimator performing a quantity takeoff.
Read the drawing excerpt and return one JSON object with two arrays:
  "takeoff":  [{"name","category","quantity","unit","location_key","unit_cost","confidence","schedule","anchors":[{"page","sheet_id","ref"}]}]
  "analysis": [{"kind","severity","message","page","sheet_id"}]
Rules:
- Count only items physically placed on plans. Rows copied from schedules or legends get "schedule": true.
- Text under "[overlap from previous chunk]" is context only; do not report items that appear only there.
- "confidence" is between 0 and 1. "severity" is info, warning or critical.
- Use short unit abbreviations (ea, lf, sf, cy). Give "unit_cost" in the requested currency when estimating.
- Return JSON only, with no commentary.`

// BuildPrompt renders the takeoff request for one chunk.
func BuildPrompt(in PromptInput) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", orDash(in.ProjectName))
	fmt.Fprintf(&b, "Location: %s\n", orDash(in.Location))
	fmt.Fprintf(&b, "Building type: %s\n", orDash(in.BuildingType))
	if in.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", in.Notes)
	}
	fmt.Fprintf(&b, "Segment: %s (%s)\n", orDash(in.Industry), strings.Join(in.Categories, ", "))
	fmt.Fprintf(&b, "Currency: %s, unit cost policy: %s\n", orDash(in.Currency), orDash(in.CostPolicy))
	fmt.Fprintf(&b, "Pages: %d-%d of %d\n", in.Chunk.PageRange.Start, in.Chunk.PageRange.End, in.Chunk.Metadata.Project.TotalPages)
	for _, s := range in.Chunk.Sheets {
		fmt.Fprintf(&b, "Sheet %s (page %d): %s, %s", s.SheetID, s.PageNo, s.Discipline, s.SheetType)
		if s.Scale != "" {
			fmt.Fprintf(&b, ", scale %s", s.Scale)
		}
		b.WriteByte('\n')
	}
	for _, h := range in.Chunk.Safeguards.NoMultiplyHints {
		fmt.Fprintf(&b, "Page %d is a %s: do not multiply its quantities against plan counts.\n", h.Page, h.Reason)
	}
	if keys := in.Chunk.Safeguards.LocationKeys; len(keys) > 0 {
		fmt.Fprintf(&b, "Location keys in this excerpt: %s. Use these spellings for location_key.\n", strings.Join(keys, "; "))
	}
	b.WriteString("\n")
	b.WriteString(in.Chunk.Content.Text)

	return Prompt{
		System:    takeoffInstruction,
		User:      b.String(),
		ImageURLs: in.Chunk.Content.ImageURLs,
		JSON:      true,
		Model:     in.Model,
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
