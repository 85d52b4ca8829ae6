package sheetindex

import (
	"strings"
	"testing"

	"github.com/hazyhaar/planset/docpipe"
)

func page(n int, text string) docpipe.Page {
	return docpipe.Page{Number: n, Text: text, HasTextLayer: text != ""}
}

func hasKeyword(s Sheet, prefix string) bool {
	for _, k := range s.DetectedKeywords {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func TestClassify_ArchitecturalFloorPlan(t *testing.T) {
	s := Classify(page(1, "A-101\nFIRST FLOOR PLAN\nSCALE: 1/4\" = 1'-0\"\nDOOR 101"))
	if s.SheetID != "A-101" {
		t.Errorf("sheet id: got %q", s.SheetID)
	}
	if s.Discipline != Architectural {
		t.Errorf("discipline: got %q", s.Discipline)
	}
	if s.SheetType != TypeFloorPlan {
		t.Errorf("type: got %q", s.SheetType)
	}
	if s.Title != "FIRST FLOOR PLAN" {
		t.Errorf("title: got %q", s.Title)
	}
	if s.ScaleRatio != 48 || s.Units != Imperial {
		t.Errorf("scale: got %q ratio=%v units=%q", s.Scale, s.ScaleRatio, s.Units)
	}
	for _, want := range []string{"sheet_id:text", "prefix:", "title:", "scale:"} {
		if !hasKeyword(s, want) {
			t.Errorf("missing keyword %q in %v", want, s.DetectedKeywords)
		}
	}
}

func TestClassify_MetricStructural(t *testing.T) {
	s := Classify(page(2, "S2.1\nFOUNDATION PLAN 1:100\nFOOTING F1"))
	if s.SheetID != "S2.1" || s.Discipline != Structural {
		t.Fatalf("got %q %q", s.SheetID, s.Discipline)
	}
	if s.Units != Metric || s.ScaleRatio != 100 {
		t.Errorf("scale: %q ratio=%v units=%q", s.Scale, s.ScaleRatio, s.Units)
	}
}

func TestClassify_ScheduleIsNoMultiply(t *testing.T) {
	s := Classify(page(3, "E-601\nPANEL SCHEDULE\nLIGHTING FIXTURE SCHEDULE\nNTS"))
	if s.SheetType != TypeSchedule {
		t.Fatalf("type: got %q", s.SheetType)
	}
	if !s.NoMultiply() {
		t.Error("schedule should be no-multiply")
	}
	if s.Scale != "NTS" || s.ScaleRatio != 0 || s.Units != Unset {
		t.Errorf("NTS: got %q ratio=%v units=%q", s.Scale, s.ScaleRatio, s.Units)
	}
}

func TestClassify_Unknown(t *testing.T) {
	s := Classify(page(4, "GENERAL NOTES\nlorem ipsum"))
	if s.Discipline != Unknown || s.SheetType != TypeOther {
		t.Errorf("got %q %q", s.Discipline, s.SheetType)
	}
	if s.SheetID != "PAGE-004" || !hasKeyword(s, "sheet_id:fallback") {
		t.Errorf("fallback id: %q %v", s.SheetID, s.DetectedKeywords)
	}
	if s.Title != "GENERAL NOTES" {
		t.Errorf("title: %q", s.Title)
	}
}

func TestClassify_SkipsCrossReferences(t *testing.T) {
	s := Classify(page(5, "SEE DETAIL 4/A-501\nM-201\nHVAC PLAN\nDUCT"))
	if s.SheetID != "M-201" {
		t.Errorf("sheet id: got %q", s.SheetID)
	}
	if s.Discipline != HVAC {
		t.Errorf("discipline: got %q", s.Discipline)
	}
	if s.SheetType != TypeFloorPlan {
		t.Errorf("type: got %q", s.SheetType)
	}
}

func TestClassify_TitleBlockItemWins(t *testing.T) {
	p := page(6, "KEY PLAN A-101\nEXTERIOR ELEVATIONS")
	p.Items = []docpipe.TextItem{{Text: "EXTERIOR ELEVATIONS"}, {Text: "A-301"}}
	s := Classify(p)
	if s.SheetID != "A-301" || !hasKeyword(s, "sheet_id:item") {
		t.Errorf("got %q %v", s.SheetID, s.DetectedKeywords)
	}
	if s.SheetType != TypeElevation {
		t.Errorf("type: got %q", s.SheetType)
	}
}

func TestClassify_Vocabulary(t *testing.T) {
	s := Classify(page(7, "PANEL BOARD\nCIRCUIT 1\nRECEPTACLE"))
	if s.Discipline != Electrical {
		t.Fatalf("discipline: got %q", s.Discipline)
	}
	if !hasKeyword(s, "vocab:electrical=3") {
		t.Errorf("keywords: %v", s.DetectedKeywords)
	}
}

func TestDetectScale(t *testing.T) {
	cases := []struct {
		in    string
		ratio float64
		units Units
	}{
		{`SCALE: 1 1/2" = 1'-0"`, 8, Imperial},
		{`SCALE: 3" = 1'-0"`, 4, Imperial},
		{`SCALE: 1" = 20'`, 240, Imperial},
		{`SCALE 1:50`, 50, Metric},
		{`NOT TO SCALE`, 0, Unset},
	}
	for _, c := range cases {
		sc, ok := detectScale(c.in)
		if !ok {
			t.Errorf("%q: no scale", c.in)
			continue
		}
		if sc.ratio != c.ratio || sc.units != c.units {
			t.Errorf("%q: got ratio=%v units=%q", c.in, sc.ratio, sc.units)
		}
	}
	if _, ok := detectScale("NO SCALE HERE"); ok {
		t.Error("expected no scale")
	}
}

func TestIndex_Groups(t *testing.T) {
	ix := New().Index([]docpipe.Page{
		page(1, "A-101\nFIRST FLOOR PLAN\nSCALE: 1/4\" = 1'-0\""),
		page(2, "E-601\nPANEL SCHEDULE\nNTS"),
		page(3, "A-102\nSECOND FLOOR PLAN\nSCALE: 1/4\" = 1'-0\""),
	})
	if len(ix.Sheets) != 3 {
		t.Fatalf("sheets: %d", len(ix.Sheets))
	}
	if len(ix.Groups) != 2 {
		t.Fatalf("groups: %+v", ix.Groups)
	}
	g := ix.Groups[0]
	if g.Discipline != Architectural || len(g.PageNumbers) != 2 || g.PageNumbers[1] != 3 {
		t.Errorf("first group: %+v", g)
	}
	if g.SheetIDs[0] != "A-101" || g.SheetIDs[1] != "A-102" {
		t.Errorf("sheet ids: %v", g.SheetIDs)
	}
	if !strings.HasPrefix(g.Name, "Architectural floor plan @") {
		t.Errorf("name: %q", g.Name)
	}
	if ix.Groups[1].SheetType != TypeSchedule {
		t.Errorf("second group: %+v", ix.Groups[1])
	}

	if s, ok := ix.ByPage(2); !ok || s.SheetID != "E-601" {
		t.Errorf("ByPage(2): %+v %v", s, ok)
	}
	if _, ok := ix.ByPage(9); ok {
		t.Error("ByPage(9) should miss")
	}
	if ix.UnknownRatio() != 0 {
		t.Errorf("unknown ratio: %v", ix.UnknownRatio())
	}
	if u := ix.UnitSystems(); len(u) != 1 || u[0] != Imperial {
		t.Errorf("units: %v", u)
	}
}
