package docpipe

import (
	"strings"
	"testing"
)

func TestPrintableRatio_Normal(t *testing.T) {
	ratio := computePrintableRatio("FIRST FLOOR PLAN 1/4\" = 1'-0\" A-101")
	if ratio < 0.95 {
		t.Errorf("printable ratio = %f, want > 0.95", ratio)
	}
}

func TestPrintableRatio_Garbage(t *testing.T) {
	// CIDFont without ToUnicode: PUA glyphs and control bytes.
	garbage := "abcdefghi\x01\x02\x03\x04\x05"
	ratio := computePrintableRatio(garbage)
	if ratio >= 0.85 {
		t.Errorf("printable ratio = %f, want < 0.85", ratio)
	}
}

func TestWordlikeRatio(t *testing.T) {
	if r := computeWordlikeRatio("GENERAL NOTES FOR ALL STRUCTURAL WORK"); r < 0.7 {
		t.Errorf("wordlike ratio = %f, want > 0.70", r)
	}
	if r := computeWordlikeRatio("a b c d e f g"); r != 0 {
		t.Errorf("single chars: got %f", r)
	}
}

func TestPageQuality_NeedsOCR(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"empty", "", true},
		{"sparse title block", "A-101", true},
		{"dense notes", strings.Repeat("PROVIDE 5/8 TYPE X GYP BD ", 5), false},
		{"garbled", strings.Repeat("x", 40), true},
	}
	for _, c := range cases {
		if got := measure(c.text).NeedsOCR(50, 0.85); got != c.want {
			t.Errorf("%s: NeedsOCR = %v, want %v", c.name, got, c.want)
		}
	}
}
