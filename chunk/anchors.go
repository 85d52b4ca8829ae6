package chunk

import (
	"regexp"
	"strings"

	"github.com/hazyhaar/planset/docpipe"
	"github.com/hazyhaar/planset/takeoff"
)

// pageAnchors returns the page anchor of u plus one grid anchor per grid
// reference on the page. Grid anchors carry a bbox when a positioned item
// holds the label.
func pageAnchors(u unit) []takeoff.Anchor {
	out := []takeoff.Anchor{{Kind: takeoff.AnchorPage, Page: u.page.Number, SheetID: u.sheet.SheetID}}
	seen := map[string]bool{}
	for _, g := range takeoff.ScanGrid(strings.ToUpper(u.page.Text)) {
		if seen[g.Label] {
			continue
		}
		seen[g.Label] = true
		out = append(out, takeoff.Anchor{
			Kind:    takeoff.AnchorGrid,
			Page:    u.page.Number,
			SheetID: u.sheet.SheetID,
			Ref:     g.Label,
			BBox:    itemBBox(u.page, g.Label),
		})
	}
	return out
}

func itemBBox(p docpipe.Page, label string) *takeoff.BBox {
	if p.Width <= 0 || p.Height <= 0 {
		return nil
	}
	for _, it := range p.Items {
		if !strings.Contains(strings.ToUpper(strings.ReplaceAll(it.Text, " ", "")), label) {
			continue
		}
		h := it.FontSize
		if h <= 0 {
			h = 10
		}
		return &takeoff.BBox{
			X0: clamp01(it.X / p.Width),
			Y0: clamp01(1 - (it.Y+h)/p.Height),
			X1: clamp01((it.X + it.W) / p.Width),
			Y1: clamp01(1 - it.Y/p.Height),
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var markerRe = regexp.MustCompile(`\b(SCHEDULE|LEGEND|TYPICAL|TYP\.)`)

func noMultiplyHints(u unit) []NoMultiplyHint {
	if u.sheet.NoMultiply() {
		return []NoMultiplyHint{{Page: u.page.Number, SheetID: u.sheet.SheetID, Reason: "sheet_type:" + string(u.sheet.SheetType)}}
	}
	if m := markerRe.FindString(strings.ToUpper(u.page.Text)); m != "" {
		return []NoMultiplyHint{{Page: u.page.Number, SheetID: u.sheet.SheetID, Reason: "marker:" + strings.ToLower(strings.TrimSuffix(m, "."))}}
	}
	return nil
}
