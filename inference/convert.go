package inference

import (
	"math"
	"strings"

	"github.com/hazyhaar/planset/takeoff"
)

// Unit cost policies.
const (
	CostEstimate = "estimate"
	CostLookup   = "lookup"
	CostMixed    = "mixed"
)

// CostLookupFunc resolves a unit cost in currency from a price book.
type CostLookupFunc func(name, unit, currency string) (float64, bool)

// ItemContext is what the caller knows about the chunk an output came from.
type ItemContext struct {
	SegmentID       string
	ChunkID         string
	ChunkIndex      int
	Provider        string
	Currency        string
	CostPolicy      string
	Lookup          CostLookupFunc
	DefaultAnchors  []takeoff.Anchor
	NoMultiplyPages map[int]bool
}

const defaultConfidence = 0.5

// Items converts recognized rows into signed takeoff items.
func (o Output) Items(ic ItemContext) []takeoff.TakeoffItem {
	out := make([]takeoff.TakeoffItem, 0, len(o.Takeoff))
	for _, r := range o.Takeoff {
		it := takeoff.TakeoffItem{
			Name:        strings.TrimSpace(r.Name),
			Category:    strings.ToLower(strings.TrimSpace(r.Category)),
			Quantity:    takeoff.RoundQuantity(r.Quantity),
			Unit:        takeoff.CanonicalUnit(r.Unit),
			LocationKey: takeoff.NormalizeLocation(r.LocationKey),
			Confidence:  defaultConfidence,
			Currency:    ic.Currency,
			SegmentID:   ic.SegmentID,
			ChunkID:     ic.ChunkID,
			ChunkIndex:  ic.ChunkIndex,
			Provider:    ic.Provider,
			Schedule:    r.Schedule,
		}
		if r.Confidence != nil {
			it.Confidence = math.Max(0, math.Min(1, *r.Confidence))
		}
		for _, a := range r.Anchors {
			it.Anchors = append(it.Anchors, outputAnchor(a))
		}
		if len(it.Anchors) == 0 {
			it.Anchors = append(it.Anchors, ic.DefaultAnchors...)
		}
		if !it.Schedule && onlyNoMultiply(it.Anchors, ic.NoMultiplyPages) {
			it.Schedule = true
		}
		applyCost(&it, r.UnitCost, ic)
		it.Signature = takeoff.Signature(it.Name, it.Unit, it.LocationKey, it.Quantity)
		it.SourceChunks = []string{ic.ChunkID}
		out = append(out, it)
	}
	return out
}

// Findings converts recognized analysis entries.
func (o Output) Findings(ic ItemContext) []takeoff.Finding {
	out := make([]takeoff.Finding, 0, len(o.Analysis))
	for _, f := range o.Analysis {
		fd := takeoff.Finding{
			Kind:      strings.ToLower(strings.TrimSpace(f.Kind)),
			Severity:  takeoff.Severity(f.Severity),
			Message:   strings.TrimSpace(f.Message),
			SegmentID: ic.SegmentID,
			ChunkID:   ic.ChunkID,
		}
		if ic.Provider != "" {
			fd.Providers = []string{ic.Provider}
		}
		if f.Page > 0 || f.SheetID != "" {
			fd.Anchors = []takeoff.Anchor{outputAnchor(OutputAnchor{Page: f.Page, SheetID: f.SheetID})}
		}
		out = append(out, fd)
	}
	return out
}

func outputAnchor(a OutputAnchor) takeoff.Anchor {
	kind := takeoff.AnchorPage
	switch {
	case a.Ref != "":
		kind = takeoff.AnchorReference
	case a.Page == 0 && a.SheetID != "":
		kind = takeoff.AnchorSheet
	}
	return takeoff.Anchor{Kind: kind, Page: a.Page, SheetID: a.SheetID, Ref: a.Ref}
}

func onlyNoMultiply(anchors []takeoff.Anchor, pages map[int]bool) bool {
	if len(pages) == 0 {
		return false
	}
	n := 0
	for _, a := range anchors {
		if a.Page == 0 {
			continue
		}
		if !pages[a.Page] {
			return false
		}
		n++
	}
	return n > 0
}

func applyCost(it *takeoff.TakeoffItem, estimate *float64, ic ItemContext) {
	var looked float64
	var found bool
	if ic.Lookup != nil && ic.CostPolicy != CostEstimate && ic.CostPolicy != "" {
		looked, found = ic.Lookup(it.Name, it.Unit, ic.Currency)
	}
	switch {
	case found:
		it.UnitCost, it.CostBasis = looked, CostLookup
	case estimate != nil && ic.CostPolicy != CostLookup:
		it.UnitCost, it.CostBasis = *estimate, CostEstimate
	default:
		return
	}
	it.TotalCost = math.Round(it.UnitCost*it.Quantity*100) / 100
}
