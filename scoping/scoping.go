// Package scoping is the optional first stage of a run: it groups chunks
// into segments by industry and raises clarifying questions when the job
// context is materially incomplete.
//
// Detection is deterministic (keyword and ratio rules, no model call) so a
// question can always be traced to its evidence. The planner never
// modifies chunks; it only groups chunk ids.
package scoping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hazyhaar/planset/chunk"
	"github.com/hazyhaar/planset/sheetindex"
	"github.com/hazyhaar/planset/takeoff"
)

var ErrNoChunks = errors.New("scoping: no chunks to plan")

// JobContext is what the caller knows about the project.
type JobContext struct {
	ProjectName  string `json:"project_name"`
	Location     string `json:"location"`
	BuildingType string `json:"building_type"`
	Notes        string `json:"notes,omitempty"`
}

// PriorSegment is a segment from an earlier plan the caller wants to keep.
type PriorSegment struct {
	ID         string   `json:"id,omitempty"`
	Industry   string   `json:"industry"`
	Categories []string `json:"categories,omitempty"`
}

// Input of Plan.
type Input struct {
	Sheets        []sheetindex.Sheet
	Chunks        []chunk.Chunk
	Context       JobContext
	AskQuestions  bool
	PriorSegments []PriorSegment
}

// Segment is a group of chunks analysed under one industry.
type Segment struct {
	ID         string                `json:"id"`
	Industry   string                `json:"industry"`
	Discipline sheetindex.Discipline `json:"discipline"`
	Categories []string              `json:"categories"`
	ChunkIDs   []string              `json:"chunk_ids"`
}

// Plan is the segmentation plan plus any open questions.
type Plan struct {
	Segments  []Segment          `json:"segments"`
	Questions []takeoff.Question `json:"questions"`
	// Context is the job context with detected values filled in.
	Context JobContext `json:"context"`
	// Notes explain detector decisions, for the run log.
	Notes []string `json:"notes,omitempty"`
}

// NeedsAnswers reports whether the run should pause for the caller.
func (p *Plan) NeedsAnswers() bool { return len(p.Questions) > 0 }

// SegmentFor returns the segment owning chunkID.
func (p *Plan) SegmentFor(chunkID string) (Segment, bool) {
	for _, s := range p.Segments {
		for _, id := range s.ChunkIDs {
			if id == chunkID {
				return s, true
			}
		}
	}
	return Segment{}, false
}

// SegmentResults renders the plan as SEGMENTS entries: one per proposed
// segment, then one "questions" entry when questions are open.
func (p *Plan) SegmentResults() []takeoff.SegmentResult {
	out := make([]takeoff.SegmentResult, 0, len(p.Segments)+1)
	for _, s := range p.Segments {
		out = append(out, takeoff.SegmentResult{
			Kind:       takeoff.SegmentKindSegment,
			ID:         s.ID,
			Industry:   s.Industry,
			Discipline: string(s.Discipline),
			Categories: s.Categories,
			ChunkIDs:   s.ChunkIDs,
		})
	}
	if len(p.Questions) > 0 {
		out = append(out, takeoff.SegmentResult{
			Kind:      takeoff.SegmentKindQuestions,
			ID:        "questions",
			Questions: p.Questions,
		})
	}
	return out
}

// Planner builds plans.
type Planner struct {
	// UnknownRatio above which the trade scope is questioned. Default 0.5.
	UnknownRatio float64
	Logger       *slog.Logger
}

// New returns a Planner with defaults.
func New(logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{UnknownRatio: 0.5, Logger: logger}
}

// Plan segments the chunks and, when in.AskQuestions is set and no prior
// segments are given, raises clarifying questions.
func (p *Planner) Plan(ctx context.Context, in Input) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.Chunks) == 0 {
		return nil, ErrNoChunks
	}

	plan := &Plan{Context: in.Context, Questions: []takeoff.Question{}}
	if len(in.PriorSegments) > 0 {
		plan.Segments = fromPrior(in.PriorSegments, in.Chunks)
		plan.Notes = append(plan.Notes, fmt.Sprintf("resumed %d prior segments", len(plan.Segments)))
		p.Logger.Debug("scoping: resumed prior segments", "segments", len(plan.Segments))
		return plan, nil
	}

	plan.Segments = byDiscipline(in.Chunks)
	for _, d := range detectors {
		q, note := d(p, in, plan)
		if note != "" {
			plan.Notes = append(plan.Notes, note)
		}
		if q != nil && in.AskQuestions {
			plan.Questions = append(plan.Questions, *q)
		}
	}
	p.Logger.Debug("scoping: planned",
		"segments", len(plan.Segments), "questions", len(plan.Questions))
	return plan, nil
}

// DefaultPlan is the plan used when scoping is skipped: one segment with
// every chunk.
func DefaultPlan(chunks []chunk.Chunk, jc JobContext) *Plan {
	seg := Segment{
		ID:         "seg_default",
		Industry:   "general",
		Discipline: sheetindex.Unknown,
		Categories: []string{},
		ChunkIDs:   make([]string, 0, len(chunks)),
	}
	for _, c := range chunks {
		seg.ChunkIDs = append(seg.ChunkIDs, c.ID)
	}
	return &Plan{Segments: []Segment{seg}, Questions: []takeoff.Question{}, Context: jc}
}

// Industry names per discipline, with the categories analysed under each.
var industries = map[sheetindex.Discipline]struct {
	name       string
	categories []string
}{
	sheetindex.Architectural: {"architectural", []string{"doors", "windows", "partitions", "finishes", "casework"}},
	sheetindex.Structural:    {"structural", []string{"concrete", "reinforcing", "steel", "framing"}},
	sheetindex.Electrical:    {"electrical", []string{"devices", "lighting", "panels", "conduit"}},
	sheetindex.Plumbing:      {"plumbing", []string{"fixtures", "piping", "equipment"}},
	sheetindex.HVAC:          {"mechanical", []string{"ductwork", "air_distribution", "equipment"}},
	sheetindex.MEP:           {"mep", []string{"fire_protection", "fire_alarm"}},
	sheetindex.Civil:         {"sitework", []string{"earthwork", "paving", "utilities"}},
	sheetindex.Landscape:     {"landscape", []string{"planting", "irrigation", "hardscape"}},
	sheetindex.Unknown:       {"general", []string{"general"}},
}

// Industry returns the industry name for a discipline.
func Industry(d sheetindex.Discipline) string {
	if ind, ok := industries[d]; ok {
		return ind.name
	}
	return "general"
}

func byDiscipline(chunks []chunk.Chunk) []Segment {
	bySeg := map[sheetindex.Discipline]*Segment{}
	var order []sheetindex.Discipline
	for _, c := range chunks {
		d := c.Metadata.DominantDiscipline
		if d == "" {
			d = sheetindex.Unknown
		}
		s, ok := bySeg[d]
		if !ok {
			ind := industries[d]
			s = &Segment{
				Industry:   Industry(d),
				Discipline: d,
				Categories: append([]string(nil), ind.categories...),
			}
			bySeg[d] = s
			order = append(order, d)
		}
		s.ChunkIDs = append(s.ChunkIDs, c.ID)
	}
	out := make([]Segment, 0, len(order))
	for i, d := range order {
		s := bySeg[d]
		s.ID = fmt.Sprintf("seg_%02d_%s", i+1, s.Industry)
		out = append(out, *s)
	}
	return out
}

func fromPrior(prior []PriorSegment, chunks []chunk.Chunk) []Segment {
	out := make([]Segment, len(prior))
	for i, ps := range prior {
		id := ps.ID
		if id == "" {
			id = fmt.Sprintf("seg_%02d_%s", i+1, slug(ps.Industry))
		}
		cats := ps.Categories
		if cats == nil {
			cats = []string{}
		}
		out[i] = Segment{ID: id, Industry: ps.Industry, Discipline: sheetindex.Unknown, Categories: cats, ChunkIDs: []string{}}
	}
	for _, c := range chunks {
		target := 0
		for i, ps := range prior {
			if matchesIndustry(ps.Industry, c.Metadata.DominantDiscipline) {
				target = i
				break
			}
		}
		out[target].ChunkIDs = append(out[target].ChunkIDs, c.ID)
		if out[target].Discipline == sheetindex.Unknown && matchesIndustry(prior[target].Industry, c.Metadata.DominantDiscipline) {
			out[target].Discipline = c.Metadata.DominantDiscipline
		}
	}
	return out
}

func matchesIndustry(industry string, d sheetindex.Discipline) bool {
	if d == "" || d == sheetindex.Unknown {
		return false
	}
	k := strings.ToLower(strings.TrimSpace(industry))
	return k == string(d) || k == Industry(d)
}

func slug(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), "_"))
	if s == "" {
		return "segment"
	}
	return s
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
