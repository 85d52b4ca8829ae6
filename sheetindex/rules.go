package sheetindex

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/planset/docpipe"
)

// Sheet numbers: a discipline prefix, optional separator, a number with an
// optional decimal part and suffix letter ("A-101", "S2.1", "M101", "E-001").
var sheetIDRe = regexp.MustCompile(`\b(AD|ID|FP|FA|[ASMEPCLGTH])[-.]?(\d{1,3}(?:\.\d{1,2})?[A-Z]?)\b`)

// References to other sheets ("4/A-501", "SEE A-501") are not the sheet's own id.
var sheetRefPrefixRe = regexp.MustCompile(`(?:/|SEE\s+|REF\.?\s+|ON\s+)$`)

var prefixDiscipline = map[string]Discipline{
	"A": Architectural, "AD": Architectural, "ID": Architectural,
	"S": Structural,
	"M": HVAC, "H": HVAC,
	"E": Electrical, "FA": Electrical,
	"P":  Plumbing,
	"FP": MEP,
	"C":  Civil,
	"L":  Landscape,
}

func detectSheetID(p docpipe.Page) (string, string) {
	// A positioned item that is exactly a sheet number is the title block.
	for i := len(p.Items) - 1; i >= 0; i-- {
		t := strings.ToUpper(strings.TrimSpace(p.Items[i].Text))
		if m := sheetIDRe.FindStringSubmatch(t); m != nil && m[0] == t {
			return canonicalID(m[1], m[2]), "sheet_id:item"
		}
	}
	text := strings.ToUpper(p.Text)
	for _, loc := range sheetIDRe.FindAllStringSubmatchIndex(text, -1) {
		before := text[:loc[0]]
		if sheetRefPrefixRe.MatchString(before) {
			continue
		}
		return canonicalID(text[loc[2]:loc[3]], text[loc[4]:loc[5]]), "sheet_id:text"
	}
	return "", ""
}

func canonicalID(prefix, number string) string {
	if strings.Contains(number, ".") {
		return prefix + number
	}
	return prefix + "-" + number
}

func disciplineFromID(id string) (Discipline, bool) {
	prefix := strings.TrimRight(strings.SplitN(id, "-", 2)[0], "0123456789.")
	d, ok := prefixDiscipline[prefix]
	return d, ok
}

var vocabulary = []struct {
	d     Discipline
	words []string
}{
	{Electrical, []string{"PANEL", "CIRCUIT", "RECEPTACLE", "CONDUIT", "SWITCHBOARD", "TRANSFORMER", "LUMINAIRE", "LIGHTING", "KVA", "AMP"}},
	{Plumbing, []string{"LAVATORY", "WATER CLOSET", "URINAL", "SANITARY", "CLEANOUT", "DOMESTIC WATER", "FLOOR DRAIN", "WATER HEATER", "VENT THRU ROOF"}},
	{HVAC, []string{"DUCT", "DIFFUSER", "AIR HANDLING", "AHU", "RTU", "VAV", "CFM", "EXHAUST FAN", "THERMOSTAT", "DAMPER"}},
	{Structural, []string{"FOOTING", "BEAM", "COLUMN", "JOIST", "REBAR", "GIRDER", "SHEAR WALL", "ANCHOR BOLT", "PSI", "LINTEL"}},
	{Architectural, []string{"DOOR", "WINDOW", "PARTITION", "FINISH", "GYPSUM", "CEILING", "CASEWORK", "STOREFRONT", "CORRIDOR"}},
	{Civil, []string{"GRADING", "STORM", "CURB", "PAVING", "INVERT", "MANHOLE", "SANITARY SEWER", "EROSION", "CONTOUR"}},
	{Landscape, []string{"PLANTING", "SHRUB", "IRRIGATION", "MULCH", "SOD", "TURF", "TREE PROTECTION"}},
	{MEP, []string{"FIRE SPRINKLER", "SPRINKLER HEAD", "FIRE ALARM", "STANDPIPE", "MEP"}},
}

// disciplineFromVocabulary scores discipline vocabulary; at least two hits
// are needed, ties go to the earlier discipline in the table.
func disciplineFromVocabulary(upper string) (Discipline, int) {
	best, bestScore := Unknown, 1
	for _, v := range vocabulary {
		score := 0
		for _, w := range v.words {
			score += countWord(upper, w)
		}
		if score > bestScore {
			best, bestScore = v.d, score
		}
	}
	if best == Unknown {
		return Unknown, 0
	}
	return best, bestScore
}

var wordRes = map[string]*regexp.Regexp{}

func countWord(upper, w string) int {
	re, ok := wordRes[w]
	if !ok {
		re = regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `S?\b`)
		wordRes[w] = re
	}
	return len(re.FindAllStringIndex(upper, -1))
}

func init() {
	// Compile up front: countWord is called from concurrent indexers.
	for _, v := range vocabulary {
		for _, w := range v.words {
			countWord("", w)
		}
	}
}

var sheetTypeRules = []struct {
	t  SheetType
	re *regexp.Regexp
}{
	{TypeTitle, regexp.MustCompile(`\b(COVER SHEET|TITLE SHEET|SHEET INDEX|DRAWING INDEX|INDEX OF DRAWINGS)\b`)},
	{TypeSchedule, regexp.MustCompile(`\b((?:DOOR|WINDOW|FINISH|FIXTURE|EQUIPMENT|PANEL|LIGHTING FIXTURE|HARDWARE|ROOM FINISH) SCHEDULES?|SCHEDULES?)\b`)},
	{TypeLegend, regexp.MustCompile(`\b(LEGEND|SYMBOLS? LIST|SYMBOLS|ABBREVIATIONS)\b`)},
	{TypeSitePlan, regexp.MustCompile(`\b(SITE PLAN|GRADING PLAN|UTILITY PLAN|SITE LAYOUT)\b`)},
	{TypeRoofPlan, regexp.MustCompile(`\bROOF (?:FRAMING )?PLAN\b`)},
	{TypeFloorPlan, regexp.MustCompile(`\b((?:FIRST|SECOND|THIRD|FOURTH|GROUND|BASEMENT|MEZZANINE|\d+(?:ST|ND|RD|TH)|LEVEL \d+) )?(FLOOR PLAN|REFLECTED CEILING PLAN|FOUNDATION PLAN|FRAMING PLAN|LIGHTING PLAN|POWER PLAN|PLUMBING PLAN|HVAC PLAN|MECHANICAL PLAN|ENLARGED PLAN)\b`)},
	{TypeElevation, regexp.MustCompile(`\b(?:EXTERIOR |INTERIOR |BUILDING )?ELEVATIONS?\b`)},
	{TypeSection, regexp.MustCompile(`\b(?:BUILDING |WALL )?SECTIONS?\b`)},
	{TypeDetail, regexp.MustCompile(`\bDETAILS?\b`)},
}

// Cross references mention a type without being one.
var crossRefRe = regexp.MustCompile(`\b(?:SEE|REF\.?|REFER TO|PER|TYP\.? AT)\s+(?:\w+\s+)?(?:DETAIL|SECTION|ELEVATION|SCHEDULE|LEGEND)S?\b|\b\d+/[A-Z]{1,2}-?\d+`)

// detectSheetType scores every type rule on the page text with cross
// references removed. The highest count wins; ties go to the earlier rule.
// It returns the type, the matched phrase and the line holding it.
func detectSheetType(text string) (SheetType, string, string) {
	upper := crossRefRe.ReplaceAllString(strings.ToUpper(text), " ")
	best, bestCount, bestIdx := TypeOther, 0, -1
	for i, r := range sheetTypeRules {
		n := len(r.re.FindAllStringIndex(upper, -1))
		if n > bestCount {
			best, bestCount, bestIdx = r.t, n, i
		}
	}
	if bestIdx < 0 {
		return TypeOther, "", ""
	}
	loc := sheetTypeRules[bestIdx].re.FindStringIndex(upper)
	phrase := upper[loc[0]:loc[1]]
	start := strings.LastIndexByte(upper[:loc[0]], '\n') + 1
	end := strings.IndexByte(upper[loc[1]:], '\n')
	if end < 0 {
		end = len(upper)
	} else {
		end += loc[1]
	}
	return best, phrase, clip(strings.TrimSpace(upper[start:end]), 120)
}

type scale struct {
	raw   string
	ratio float64
	units Units
}

var (
	ntsRe = regexp.MustCompile(`\b(?:N\.?T\.?S\.?|NOT TO SCALE)`)
	// 1/4" = 1'-0", 1 1/2" = 1'-0", 3" = 1'-0"
	archScaleRe = regexp.MustCompile(`(\d+\s+\d+/\d+|\d+/\d+|\d+(?:\.\d+)?)\s*(?:"|'')\s*=\s*1\s*'\s*-?\s*0\s*"?`)
	// 1" = 20'
	engScaleRe = regexp.MustCompile(`\b1\s*(?:"|'')\s*=\s*(\d+(?:\.\d+)?)\s*'`)
	// 1:100, 1 : 50
	metricScaleRe = regexp.MustCompile(`\b1\s*:\s*(\d{1,5})\b`)
)

// detectScale finds the first scale notation. Architectural and
// engineering scales normalize to inches of model per inch of drawing.
func detectScale(upper string) (scale, bool) {
	type hit struct {
		at int
		s  scale
	}
	var hits []hit
	if loc := archScaleRe.FindStringSubmatchIndex(upper); loc != nil {
		if in := parseInches(upper[loc[2]:loc[3]]); in > 0 {
			hits = append(hits, hit{loc[0], scale{normalizeSpace(upper[loc[0]:loc[1]]), 12 / in, Imperial}})
		}
	}
	if loc := engScaleRe.FindStringSubmatchIndex(upper); loc != nil {
		if ft, err := strconv.ParseFloat(upper[loc[2]:loc[3]], 64); err == nil && ft > 0 {
			hits = append(hits, hit{loc[0], scale{normalizeSpace(upper[loc[0]:loc[1]]), ft * 12, Imperial}})
		}
	}
	if loc := metricScaleRe.FindStringSubmatchIndex(upper); loc != nil {
		if n, err := strconv.Atoi(upper[loc[2]:loc[3]]); err == nil && n > 0 {
			hits = append(hits, hit{loc[0], scale{normalizeSpace(upper[loc[0]:loc[1]]), float64(n), Metric}})
		}
	}
	if loc := ntsRe.FindStringIndex(upper); loc != nil {
		hits = append(hits, hit{loc[0], scale{"NTS", 0, Unset}})
	}
	if len(hits) == 0 {
		return scale{}, false
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	return hits[0].s, true
}

// parseInches reads "1/4", "1 1/2", "3" or "1.5".
func parseInches(s string) float64 {
	s = strings.TrimSpace(s)
	var whole float64
	if parts := strings.Fields(s); len(parts) == 2 {
		w, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0
		}
		whole, s = w, parts[1]
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return whole + n/d
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return whole + v
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
