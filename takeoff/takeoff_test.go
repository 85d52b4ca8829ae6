package takeoff

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestResult_MarshalNeverNull(t *testing.T) {
	b, err := json.Marshal(Result{})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "[[],[],[],[]]" {
		t.Fatalf("empty result: got %s", b)
	}
}

func TestResult_RoundTripShape(t *testing.T) {
	r := Result{
		Takeoff: []TakeoffItem{{Name: "2x4 stud", Quantity: 48, Unit: "ea", ChunkID: "c0", Signature: "s"}},
		RunLog:  []LogEntry{{Type: LogInfo, Message: "ok"}},
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil || len(parts) != 4 {
		t.Fatalf("want 4 top-level arrays, got %d (%v)", len(parts), err)
	}

	var back Result
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if len(back.Takeoff) != 1 || back.Takeoff[0].Name != "2x4 stud" {
		t.Fatalf("takeoff: got %+v", back.Takeoff)
	}
	if back.Analysis == nil || back.Segments == nil {
		t.Fatal("decoded arrays must be non-nil")
	}
}

func TestResult_UnmarshalRejectsWrongArity(t *testing.T) {
	var r Result
	if err := json.Unmarshal([]byte(`[[],[],[]]`), &r); err == nil {
		t.Fatal("expected error for three arrays")
	}
}

type corrErr struct{}

func (corrErr) Error() string                      { return "fetch failed" }
func (corrErr) CorrelationIDs() (plan, job string) { return "pln_1", "job_1" }

func TestErrorResult_Shape(t *testing.T) {
	r := ErrorResult(corrErr{})
	if !r.Failed() {
		t.Fatalf("expected failure shape, got %+v", r)
	}
	if r.RunLog[0].Message != "fetch failed" || r.RunLog[0].JobID != "job_1" || r.RunLog[0].PlanID != "pln_1" {
		t.Fatalf("run log: got %+v", r.RunLog[0])
	}
	b, _ := json.Marshal(r)
	if !strings.HasPrefix(string(b), "[[],[],[],[{") {
		t.Fatalf("json: got %s", b)
	}

	plain := ErrorResult(errors.New("boom"), "job_9")
	if plain.RunLog[0].JobID != "job_9" {
		t.Fatalf("job id: got %q", plain.RunLog[0].JobID)
	}
}

func TestSignature_Normalization(t *testing.T) {
	base := Signature("2x4 stud", "ea", "wall-A3", 48)
	type input struct {
		name, unit, loc string
		q               float64
	}
	same := []input{
		{"2X4 Stud", "EA", "Wall A3", 48},
		{"2 x 4  stud", "each", "WALL-A3", 48.001},
		{"2×4 stud", "pcs", "wall a3", 47.999},
	}
	for _, c := range same {
		if got := Signature(c.name, c.unit, c.loc, c.q); got != base {
			t.Errorf("Signature(%q,%q,%q,%v) differs from base", c.name, c.unit, c.loc, c.q)
		}
	}

	differ := []input{
		{"2x4 studs", "ea", "wall-A3", 48},
		{"2x4 stud", "lf", "wall-A3", 48},
		{"2x4 stud", "ea", "wall-A4", 48},
		{"2x4 stud", "ea", "wall-A3", 48.5},
	}
	for _, c := range differ {
		if got := Signature(c.name, c.unit, c.loc, c.q); got == base {
			t.Errorf("Signature(%q,%q,%q,%v) should differ", c.name, c.unit, c.loc, c.q)
		}
	}
}

func TestCanonicalUnit(t *testing.T) {
	cases := map[string]string{
		"EA": "ea", "Each": "ea", "L.F.": "lf", "sq ft": "sf", "SQ. FT.": "sf",
		"ft²": "sf", "CU YD": "cy", "m³": "m3", "Lump Sum": "ls", "bags": "bags",
	}
	for in, want := range cases {
		if got := CanonicalUnit(in); got != want {
			t.Errorf("CanonicalUnit(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScanRows(t *testing.T) {
	text := strings.Join([]string{
		"48 EA 2x4 stud wall-A3",
		"GYP BD 5/8 TYPE X - 1,200 SF",
		"(12) DOOR TYPE A",
		"GENERAL NOTES",
		"SEE DETAIL 4/A-501",
	}, "\n")
	rows := ScanRows(text)
	if len(rows) != 3 {
		t.Fatalf("rows: got %d: %+v", len(rows), rows)
	}
	if rows[0].Quantity != 48 || rows[0].Unit != "ea" || rows[0].LocationKey != "wall-a3" {
		t.Fatalf("row 0: got %+v", rows[0])
	}
	if rows[1].Quantity != 1200 || rows[1].Unit != "sf" {
		t.Fatalf("row 1: got %+v", rows[1])
	}
	if rows[2].Quantity != 12 || rows[2].Unit != "ea" {
		t.Fatalf("row 2: got %+v", rows[2])
	}
	for _, r := range rows {
		if r.SignatureHash == "" || r.SignatureHash != r.Signature() {
			t.Fatalf("row not signed: %+v", r)
		}
	}
}

func TestScanLocations(t *testing.T) {
	got := ScanLocations("Install at Room 101 and RM-101, then WALL A3; grid C")
	want := []string{"room-101", "wall-a3", "grid-c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestScanGrid(t *testing.T) {
	refs := ScanGrid("COLUMN AT GRID C/4 AND GL D-12")
	if len(refs) != 2 || refs[0].Label != "C/4" || refs[1].Label != "D/12" {
		t.Fatalf("got %+v", refs)
	}
}
