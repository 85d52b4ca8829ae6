package scoping

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/planset/chunk"
	"github.com/hazyhaar/planset/sheetindex"
	"github.com/hazyhaar/planset/takeoff"
)

func mkChunk(id string, d sheetindex.Discipline, text string) chunk.Chunk {
	c := chunk.Chunk{ID: id}
	c.Metadata.DominantDiscipline = d
	c.Content.Text = text
	return c
}

func sheets(ds ...sheetindex.Discipline) []sheetindex.Sheet {
	out := make([]sheetindex.Sheet, len(ds))
	for i, d := range ds {
		out[i] = sheetindex.Sheet{PageNo: i + 1, Discipline: d, Units: sheetindex.Imperial}
	}
	return out
}

func questionIDs(p *Plan) map[string]takeoff.Question {
	out := map[string]takeoff.Question{}
	for _, q := range p.Questions {
		out[q.ID] = q
	}
	return out
}

func TestPlan_SegmentsByDiscipline(t *testing.T) {
	chunks := []chunk.Chunk{
		mkChunk("c0", sheetindex.Architectural, "office lobby"),
		mkChunk("c1", sheetindex.Electrical, "office panel"),
		mkChunk("c2", sheetindex.Architectural, "office"),
	}
	plan, err := New(nil).Plan(context.Background(), Input{
		Chunks:  chunks,
		Sheets:  sheets(sheetindex.Architectural, sheetindex.Electrical, sheetindex.Architectural),
		Context: JobContext{ProjectName: "HQ", Location: "Austin, TX", BuildingType: "commercial"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Segments) != 2 {
		t.Fatalf("segments: %+v", plan.Segments)
	}
	arch := plan.Segments[0]
	if arch.ID != "seg_01_architectural" || len(arch.ChunkIDs) != 2 || arch.ChunkIDs[1] != "c2" {
		t.Errorf("architectural segment: %+v", arch)
	}
	if plan.Segments[1].Industry != "electrical" {
		t.Errorf("second segment: %+v", plan.Segments[1])
	}
	if plan.NeedsAnswers() {
		t.Errorf("unexpected questions: %+v", plan.Questions)
	}
	if s, ok := plan.SegmentFor("c1"); !ok || s.Discipline != sheetindex.Electrical {
		t.Errorf("SegmentFor(c1): %+v %v", s, ok)
	}
}

func TestPlan_QuestionsWhenContextMissing(t *testing.T) {
	plan, err := New(nil).Plan(context.Background(), Input{
		Chunks:       []chunk.Chunk{mkChunk("c0", sheetindex.Unknown, "general notes")},
		Sheets:       []sheetindex.Sheet{{PageNo: 1, Discipline: sheetindex.Unknown, Units: sheetindex.Imperial}, {PageNo: 2, Discipline: sheetindex.Unknown, Units: sheetindex.Metric}},
		AskQuestions: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	qs := questionIDs(plan)
	for _, id := range []string{"q_building_type", "q_location", "q_disciplines", "q_units"} {
		if _, ok := qs[id]; !ok {
			t.Errorf("missing question %s in %+v", id, plan.Questions)
		}
	}
	if qs["q_building_type"].Severity != takeoff.SeverityCritical {
		t.Errorf("building type severity: %q", qs["q_building_type"].Severity)
	}
	if !plan.NeedsAnswers() {
		t.Error("NeedsAnswers should be true")
	}

	res := plan.SegmentResults()
	last := res[len(res)-1]
	if last.Kind != takeoff.SegmentKindQuestions || len(last.Questions) != 4 {
		t.Errorf("questions entry: %+v", last)
	}
}

func TestPlan_NoQuestionsUnlessAsked(t *testing.T) {
	plan, err := New(nil).Plan(context.Background(), Input{
		Chunks: []chunk.Chunk{mkChunk("c0", sheetindex.Unknown, "")},
		Sheets: sheets(sheetindex.Unknown),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Questions) != 0 {
		t.Errorf("questions: %+v", plan.Questions)
	}
	if len(plan.Notes) == 0 {
		t.Error("detector notes should still be recorded")
	}
}

func TestPlan_DetectsBuildingTypeAndLocation(t *testing.T) {
	c := mkChunk("c0", sheetindex.Architectural, "EXAM ROOM 101\nPATIENT TOILET\nCLINIC LOBBY")
	c.Metadata.Project.Location = "1200 Harbor Blvd, Long Beach"
	plan, err := New(nil).Plan(context.Background(), Input{
		Chunks:       []chunk.Chunk{c},
		Sheets:       sheets(sheetindex.Architectural),
		AskQuestions: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan.NeedsAnswers() {
		t.Errorf("unexpected questions: %+v", plan.Questions)
	}
	if plan.Context.BuildingType != "healthcare" {
		t.Errorf("building type: %q", plan.Context.BuildingType)
	}
	if plan.Context.Location != "1200 Harbor Blvd, Long Beach" {
		t.Errorf("location: %q", plan.Context.Location)
	}
}

func TestPlan_AmbiguousBuildingType(t *testing.T) {
	plan, err := New(nil).Plan(context.Background(), Input{
		Chunks:       []chunk.Chunk{mkChunk("c0", sheetindex.Architectural, "office\napartment\nretail\nbedroom")},
		Sheets:       sheets(sheetindex.Architectural),
		Context:      JobContext{Location: "Denver"},
		AskQuestions: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	q, ok := questionIDs(plan)["q_building_type"]
	if !ok || q.Severity != takeoff.SeverityWarning || len(q.Options) != 2 {
		t.Errorf("ambiguous question: %+v", q)
	}
}

func TestPlan_PriorSegments(t *testing.T) {
	chunks := []chunk.Chunk{
		mkChunk("c0", sheetindex.Electrical, ""),
		mkChunk("c1", sheetindex.Architectural, ""),
		mkChunk("c2", sheetindex.Plumbing, ""),
	}
	plan, err := New(nil).Plan(context.Background(), Input{
		Chunks:       chunks,
		AskQuestions: true,
		PriorSegments: []PriorSegment{
			{Industry: "Architectural", Categories: []string{"doors"}},
			{ID: "elec", Industry: "electrical"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan.NeedsAnswers() {
		t.Error("resumed plans never ask questions")
	}
	if len(plan.Segments) != 2 {
		t.Fatalf("segments: %+v", plan.Segments)
	}
	arch, elec := plan.Segments[0], plan.Segments[1]
	if arch.ID != "seg_01_architectural" || len(arch.ChunkIDs) != 2 {
		t.Errorf("architectural (with fallback plumbing chunk): %+v", arch)
	}
	if elec.ID != "elec" || len(elec.ChunkIDs) != 1 || elec.ChunkIDs[0] != "c0" {
		t.Errorf("electrical: %+v", elec)
	}
}

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan([]chunk.Chunk{{ID: "a"}, {ID: "b"}}, JobContext{})
	if len(plan.Segments) != 1 || len(plan.Segments[0].ChunkIDs) != 2 {
		t.Errorf("default plan: %+v", plan)
	}
}

func TestPlan_Errors(t *testing.T) {
	if _, err := New(nil).Plan(context.Background(), Input{}); !errors.Is(err, ErrNoChunks) {
		t.Errorf("no chunks: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).Plan(ctx, Input{Chunks: []chunk.Chunk{{ID: "a"}}}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: %v", err)
	}
}
