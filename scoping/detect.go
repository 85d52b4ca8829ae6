package scoping

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hazyhaar/planset/sheetindex"
	"github.com/hazyhaar/planset/takeoff"
)

// A detector inspects the input and returns an optional question and an
// optional note. Detectors may fill resolved values into plan.Context.
type detector func(p *Planner, in Input, plan *Plan) (*takeoff.Question, string)

var detectors = []detector{
	detectBuildingType,
	detectLocation,
	detectUnknownDisciplines,
	detectMixedUnits,
}

// Building type vocabulary, matched on chunk content.
var buildingTypes = []struct {
	name  string
	words *regexp.Regexp
}{
	{"residential", regexp.MustCompile(`(?i)\b(apartment|dwelling|residence|residential|bedroom|condo(?:minium)?|townhouse)s?\b`)},
	{"commercial", regexp.MustCompile(`(?i)\b(office|retail|tenant|storefront|lobby|conference)s?\b`)},
	{"healthcare", regexp.MustCompile(`(?i)\b(hospital|clinic|exam room|patient|nurse station|operating room)s?\b`)},
	{"education", regexp.MustCompile(`(?i)\b(classroom|school|gymnasium|library|cafeteria)s?\b`)},
	{"industrial", regexp.MustCompile(`(?i)\b(warehouse|manufacturing|loading dock|mezzanine storage|process)s?\b`)},
	{"hospitality", regexp.MustCompile(`(?i)\b(hotel|guest room|ballroom|banquet)s?\b`)},
}

var mixedTypeRe = regexp.MustCompile(`(?i)\b(mixed|multi-?use)\b|/|\band\b|\bor\b`)

// Detected building types need this many hits and this share of all hits.
const (
	minTypeHits  = 2
	minTypeShare = 0.6
)

func buildingTypeOptions() []string {
	out := make([]string, 0, len(buildingTypes))
	for _, bt := range buildingTypes {
		out = append(out, bt.name)
	}
	return out
}

func detectBuildingType(_ *Planner, in Input, plan *Plan) (*takeoff.Question, string) {
	given := strings.TrimSpace(in.Context.BuildingType)
	if given != "" && !mixedTypeRe.MatchString(given) {
		return nil, ""
	}

	hits := map[string]int{}
	total := 0
	for _, c := range in.Chunks {
		for _, bt := range buildingTypes {
			if n := len(bt.words.FindAllStringIndex(c.Content.Text, -1)); n > 0 {
				hits[bt.name] += n
				total += n
			}
		}
	}

	if given != "" {
		return &takeoff.Question{
			ID:       "q_building_type",
			Topic:    "building_type",
			Question: fmt.Sprintf("Building type %q covers more than one use. Which use should drive the takeoff?", given),
			Options:  rankedTypes(hits),
			Severity: takeoff.SeverityWarning,
		}, "building type given as mixed: " + given
	}

	if total == 0 {
		return &takeoff.Question{
			ID:       "q_building_type",
			Topic:    "building_type",
			Question: "What type of building is this?",
			Options:  buildingTypeOptions(),
			Severity: takeoff.SeverityCritical,
		}, "building type missing and not detected"
	}

	ranked := rankedTypes(hits)
	top := ranked[0]
	if hits[top] >= minTypeHits && float64(hits[top])/float64(total) >= minTypeShare {
		plan.Context.BuildingType = top
		return nil, fmt.Sprintf("building type detected as %s (%d of %d keyword hits)", top, hits[top], total)
	}
	return &takeoff.Question{
		ID:       "q_building_type",
		Topic:    "building_type",
		Question: "The drawings suggest more than one building type. Which applies?",
		Options:  ranked,
		Severity: takeoff.SeverityWarning,
	}, fmt.Sprintf("building type ambiguous: %v", hits)
}

// rankedTypes orders detected types by hits, then name.
func rankedTypes(hits map[string]int) []string {
	names := sortedKeys(hits)
	sort.SliceStable(names, func(i, j int) bool { return hits[names[i]] > hits[names[j]] })
	if len(names) == 0 {
		return buildingTypeOptions()
	}
	return names
}

func detectLocation(_ *Planner, in Input, plan *Plan) (*takeoff.Question, string) {
	if strings.TrimSpace(in.Context.Location) != "" {
		return nil, ""
	}
	for _, c := range in.Chunks {
		if loc := c.Metadata.Project.Location; loc != "" {
			plan.Context.Location = loc
			return nil, "location detected from title block: " + loc
		}
	}
	return &takeoff.Question{
		ID:       "q_location",
		Topic:    "location",
		Question: "Where is the project located? Unit costs depend on the region.",
		Severity: takeoff.SeverityWarning,
	}, "location missing"
}

func detectUnknownDisciplines(p *Planner, in Input, _ *Plan) (*takeoff.Question, string) {
	ix := sheetindex.Index{Sheets: in.Sheets}
	ratio := ix.UnknownRatio()
	if len(in.Sheets) == 0 || ratio <= p.UnknownRatio {
		return nil, ""
	}
	opts := make([]string, 0, len(industries))
	for d, ind := range industries {
		if d != sheetindex.Unknown {
			opts = append(opts, ind.name)
		}
	}
	sort.Strings(opts)
	return &takeoff.Question{
		ID:       "q_disciplines",
		Topic:    "disciplines",
		Question: fmt.Sprintf("%.0f%% of sheets could not be assigned a discipline. Which trades should be taken off?", ratio*100),
		Options:  opts,
		Severity: takeoff.SeverityWarning,
	}, fmt.Sprintf("unknown discipline ratio %.2f", ratio)
}

func detectMixedUnits(_ *Planner, in Input, _ *Plan) (*takeoff.Question, string) {
	ix := sheetindex.Index{Sheets: in.Sheets}
	units := ix.UnitSystems()
	if len(units) < 2 {
		return nil, ""
	}
	opts := make([]string, len(units))
	for i, u := range units {
		opts[i] = string(u)
	}
	return &takeoff.Question{
		ID:       "q_units",
		Topic:    "units",
		Question: "The drawings mix unit systems. Which should quantities be reported in?",
		Options:  opts,
		Severity: takeoff.SeverityWarning,
	}, "mixed unit systems: " + strings.Join(opts, ", ")
}
