// Package sheetindex classifies each page of a drawing set (sheet id,
// discipline, sheet type, scale) and groups related sheets.
//
// Classification is rule based. Every rule that fires is recorded in the
// sheet's DetectedKeywords as "rule:value", so a wrong classification can be
// traced to the text that caused it.
package sheetindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/planset/docpipe"
)

// Discipline of a sheet.
type Discipline string

const (
	Architectural Discipline = "architectural"
	Structural    Discipline = "structural"
	MEP           Discipline = "mep"
	Electrical    Discipline = "electrical"
	Plumbing      Discipline = "plumbing"
	HVAC          Discipline = "hvac"
	Civil         Discipline = "civil"
	Landscape     Discipline = "landscape"
	Unknown       Discipline = "unknown"
)

// SheetType of a sheet.
type SheetType string

const (
	TypeTitle     SheetType = "title"
	TypeFloorPlan SheetType = "floor_plan"
	TypeElevation SheetType = "elevation"
	TypeSection   SheetType = "section"
	TypeDetail    SheetType = "detail"
	TypeSchedule  SheetType = "schedule"
	TypeLegend    SheetType = "legend"
	TypeSitePlan  SheetType = "site_plan"
	TypeRoofPlan  SheetType = "roof_plan"
	TypeOther     SheetType = "other"
)

// Units inferred from the scale notation.
type Units string

const (
	Imperial Units = "imperial"
	Metric   Units = "metric"
	Unset    Units = "unset"
)

// Sheet is the index entry of one page. It is not modified after indexing.
type Sheet struct {
	SheetID          string     `json:"sheet_id"`
	Title            string     `json:"title"`
	Discipline       Discipline `json:"discipline"`
	SheetType        SheetType  `json:"sheet_type"`
	Scale            string     `json:"scale,omitempty"`
	ScaleRatio       float64    `json:"scale_ratio"` // model units per drawing unit, 0 when unknown or NTS
	Units            Units      `json:"units"`
	PageNo           int        `json:"page_no"`
	Rotation         int        `json:"rotation"`
	HasTextLayer     bool       `json:"has_text_layer"`
	HasImage         bool       `json:"has_image"`
	TextLength       int        `json:"text_length"`
	DetectedKeywords []string   `json:"detected_keywords"`
}

// NoMultiply reports whether quantities on this sheet are tabulated
// (schedules, legends) rather than placed.
func (s Sheet) NoMultiply() bool {
	return s.SheetType == TypeSchedule || s.SheetType == TypeLegend
}

// Group is a cluster of sheets sharing discipline, sheet type and scale.
type Group struct {
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Discipline  Discipline `json:"discipline"`
	SheetType   SheetType  `json:"sheet_type"`
	Scale       string     `json:"scale,omitempty"`
	PageNumbers []int      `json:"page_numbers"`
	SheetIDs    []string   `json:"sheet_ids"`
}

// Index is the indexing result for one document.
type Index struct {
	Sheets []Sheet `json:"sheets"`
	Groups []Group `json:"groups"`
}

// ByPage returns the sheet for a 1-based page number.
func (ix *Index) ByPage(page int) (Sheet, bool) {
	if page < 1 || page > len(ix.Sheets) || ix.Sheets[page-1].PageNo != page {
		for _, s := range ix.Sheets {
			if s.PageNo == page {
				return s, true
			}
		}
		return Sheet{}, false
	}
	return ix.Sheets[page-1], true
}

// UnknownRatio is the share of sheets whose discipline is unknown.
func (ix *Index) UnknownRatio() float64 {
	if len(ix.Sheets) == 0 {
		return 0
	}
	n := 0
	for _, s := range ix.Sheets {
		if s.Discipline == Unknown {
			n++
		}
	}
	return float64(n) / float64(len(ix.Sheets))
}

// UnitSystems returns the distinct non-unset unit systems, sorted.
func (ix *Index) UnitSystems() []Units {
	seen := map[Units]bool{}
	var out []Units
	for _, s := range ix.Sheets {
		if s.Units != Unset && !seen[s.Units] {
			seen[s.Units] = true
			out = append(out, s.Units)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Indexer classifies pages. The zero value is ready to use.
type Indexer struct{}

// New returns an Indexer.
func New() *Indexer { return &Indexer{} }

// Index classifies every page and derives the groups.
func (ix *Indexer) Index(pages []docpipe.Page) *Index {
	out := &Index{Sheets: make([]Sheet, 0, len(pages))}
	for _, p := range pages {
		out.Sheets = append(out.Sheets, Classify(p))
	}
	out.Groups = groupSheets(out.Sheets)
	return out
}

// Classify builds the Sheet for one page.
func Classify(p docpipe.Page) Sheet {
	s := Sheet{
		PageNo:       p.Number,
		Rotation:     p.Rotation,
		HasTextLayer: p.HasTextLayer,
		HasImage:     p.HasImage,
		TextLength:   len([]rune(p.Text)),
		Discipline:   Unknown,
		SheetType:    TypeOther,
		Units:        Unset,
	}
	var kw []string

	text := strings.ToUpper(p.Text)

	id, rule := detectSheetID(p)
	if id != "" {
		s.SheetID = id
		kw = append(kw, rule+":"+id)
	} else {
		s.SheetID = fmt.Sprintf("PAGE-%03d", p.Number)
		kw = append(kw, "sheet_id:fallback")
	}

	if d, ok := disciplineFromID(id); id != "" && ok {
		s.Discipline = d
		kw = append(kw, "prefix:"+string(d))
	} else if d, score := disciplineFromVocabulary(text); d != Unknown {
		s.Discipline = d
		kw = append(kw, fmt.Sprintf("vocab:%s=%d", d, score))
	}

	if t, phrase, line := detectSheetType(p.Text); t != TypeOther {
		s.SheetType = t
		s.Title = line
		kw = append(kw, "title:"+phrase)
	}
	if s.Title == "" {
		s.Title = firstLine(p.Text)
	}

	if sc, ok := detectScale(text); ok {
		s.Scale, s.ScaleRatio, s.Units = sc.raw, sc.ratio, sc.units
		kw = append(kw, "scale:"+sc.raw)
	}

	s.DetectedKeywords = kw
	return s
}

func groupSheets(sheets []Sheet) []Group {
	byKey := map[string]*Group{}
	var order []string
	for _, s := range sheets {
		key := string(s.Discipline) + "|" + string(s.SheetType) + "|" + s.Scale
		g, ok := byKey[key]
		if !ok {
			g = &Group{
				Key:        key,
				Name:       groupName(s),
				Discipline: s.Discipline,
				SheetType:  s.SheetType,
				Scale:      s.Scale,
			}
			byKey[key] = g
			order = append(order, key)
		}
		g.PageNumbers = append(g.PageNumbers, s.PageNo)
		g.SheetIDs = append(g.SheetIDs, s.SheetID)
	}
	out := make([]Group, 0, len(order))
	for _, k := range order {
		g := byKey[k]
		sort.Ints(g.PageNumbers)
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PageNumbers[0] < out[j].PageNumbers[0] })
	return out
}

func groupName(s Sheet) string {
	name := strings.ToUpper(string(s.Discipline[:1])) + string(s.Discipline[1:]) + " " +
		strings.ReplaceAll(string(s.SheetType), "_", " ")
	if s.Scale != "" {
		name += " @ " + s.Scale
	}
	return name
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return clip(line, 120)
		}
	}
	return ""
}

func clip(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
