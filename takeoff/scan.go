package takeoff

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// The row scanner pre-extracts quantity candidates and location keys from
// page text so the merge stage can find collisions without re-parsing
// chunk content. A line must carry both a number and a known unit (or a
// parenthesized count) to count.

const unitAlt = `ea|each|pcs?|no|nr|lf|lin\.?\s?ft|sf|sq\.?\s?ft|sy|sq\.?\s?yd|cy|cu\.?\s?yd|cf|m2|m3|sqm|lb|lbs|tons?|gal|ls|kg`

var (
	// "48 EA 2x4 stud", "(48) ea. 2x4 studs"
	qtyFirstRe = regexp.MustCompile(`(?i)^\(?(\d+(?:[.,]\d+)?)\)?\s*(` + unitAlt + `)\.?\s+(.{2,80}?)\s*$`)
	// "2x4 stud - 48 ea", "GYP BD 5/8: 1,200 SF"
	qtyLastRe = regexp.MustCompile(`(?i)^(.{2,80}?)\s*[-:=–]\s*(\d+(?:[.,]\d+)*)\s*(` + unitAlt + `)\.?\b`)
	// "(12) DOOR TYPE A"
	qtyParenRe = regexp.MustCompile(`^\((\d+)\)\s+([A-Za-z].{1,79}?)\s*$`)

	locationRe = regexp.MustCompile(`(?i)\b(wall|room|rm|grid|level|lvl|floor|zone|area|unit|bldg|building|corridor|stair)[\s\-#:]*([A-Z]?\d+[A-Z]?(?:[./\-]\d+)?|[A-Z](?:[./\-]?\d+)?)\b`)
	gridRe     = regexp.MustCompile(`\b(?:GRID|GL)\s*([A-Z]{1,2})\s*[/\-]\s*(\d{1,3})\b`)
)

// ScanRows extracts signed quantity rows from text. Each row's location is
// the first location key found on its line.
func ScanRows(text string) []QuantityRow {
	var rows []QuantityRow
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 4 {
			continue
		}
		row, ok := scanLine(line)
		if !ok {
			continue
		}
		if locs := ScanLocations(line); len(locs) > 0 {
			row.LocationKey = locs[0]
		}
		rows = append(rows, row.Sign())
	}
	return rows
}

func scanLine(line string) (QuantityRow, bool) {
	if m := qtyFirstRe.FindStringSubmatch(line); m != nil {
		if q, ok := parseQty(m[1]); ok {
			return QuantityRow{Name: m[3], Quantity: q, Unit: CanonicalUnit(m[2])}, true
		}
	}
	if m := qtyLastRe.FindStringSubmatch(line); m != nil {
		if q, ok := parseQty(m[2]); ok {
			return QuantityRow{Name: m[1], Quantity: q, Unit: CanonicalUnit(m[3])}, true
		}
	}
	if m := qtyParenRe.FindStringSubmatch(line); m != nil {
		if q, ok := parseQty(m[1]); ok {
			return QuantityRow{Name: m[2], Quantity: q, Unit: "ea"}, true
		}
	}
	return QuantityRow{}, false
}

// parseQty accepts "1,200", "1200.5" and a decimal comma "12,5".
func parseQty(s string) (float64, bool) {
	if i := strings.LastIndexByte(s, ','); i >= 0 && len(s)-i-1 != 3 {
		s = s[:i] + "." + s[i+1:]
	}
	s = strings.ReplaceAll(s, ",", "")
	q, err := strconv.ParseFloat(s, 64)
	if err != nil || q <= 0 {
		return 0, false
	}
	return q, true
}

// ScanLocations returns the distinct normalized location keys in text, in
// order of first appearance.
func ScanLocations(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range locationRe.FindAllStringSubmatch(text, -1) {
		kind := strings.ToLower(m[1])
		switch kind {
		case "rm":
			kind = "room"
		case "lvl":
			kind = "level"
		case "bldg":
			kind = "building"
		}
		key := NormalizeLocation(kind + " " + m[2])
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// GridRef is a grid intersection label found in text, e.g. "C/4".
type GridRef struct {
	Label string
	Index int // byte offset of the match
}

// ScanGrid returns grid references such as "GRID C/4" in text order.
func ScanGrid(text string) []GridRef {
	var out []GridRef
	for _, loc := range gridRe.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, GridRef{
			Label: text[loc[2]:loc[3]] + "/" + text[loc[4]:loc[5]],
			Index: loc[0],
		})
	}
	return out
}

// Signatures returns the sorted distinct signatures of rows.
func Signatures(rows []QuantityRow) []string {
	seen := make(map[string]bool, len(rows))
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if !seen[r.SignatureHash] {
			seen[r.SignatureHash] = true
			out = append(out, r.SignatureHash)
		}
	}
	sort.Strings(out)
	return out
}
