package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/planset/takeoff"
)

type consensusStats struct {
	chunks    int // chunks analyzed by more than one provider
	agreed    int
	conflicts int
	folded    int
}

type chunkGroup struct {
	outputs []BatchOutput
}

// consensus reconciles items per chunk. A chunk seen by a single provider
// passes through. Otherwise items are matched on identity key (name, unit,
// location) and accepted when the share of providers reporting the same
// quantity reaches threshold; below it the majority row is kept, flagged
// needs_review, and a conflict finding is emitted.
func consensus(outputs []BatchOutput, threshold float64) ([]takeoff.TakeoffItem, []takeoff.Finding, consensusStats) {
	var order []string
	groups := map[string]*chunkGroup{}
	for _, o := range outputs {
		k := o.SegmentID + "|" + o.ChunkID
		g := groups[k]
		if g == nil {
			g = &chunkGroup{}
			groups[k] = g
			order = append(order, k)
		}
		g.outputs = append(g.outputs, o)
	}

	var (
		items    []takeoff.TakeoffItem
		findings []takeoff.Finding
		st       consensusStats
	)
	for _, k := range order {
		g := groups[k]
		for _, o := range g.outputs {
			for _, f := range o.Findings {
				if len(f.Providers) == 0 && o.Provider != "" {
					f.Providers = []string{o.Provider}
				}
				if f.ChunkID == "" {
					f.ChunkID = o.ChunkID
				}
				if f.SegmentID == "" {
					f.SegmentID = o.SegmentID
				}
				findings = append(findings, f)
			}
		}
		providers := providerSet(g.outputs)
		if len(providers) < 2 {
			for _, o := range g.outputs {
				items = append(items, o.Items...)
			}
			continue
		}
		st.chunks++
		ci, cf := reconcile(g.outputs, providers, threshold, &st)
		items = append(items, ci...)
		findings = append(findings, cf...)
	}
	return items, findings, st
}

func providerSet(outputs []BatchOutput) []string {
	seen := map[string]bool{}
	var out []string
	for _, o := range outputs {
		if !seen[o.Provider] {
			seen[o.Provider] = true
			out = append(out, o.Provider)
		}
	}
	sort.Strings(out)
	return out
}

type vote struct {
	provider string
	item     takeoff.TakeoffItem
}

func reconcile(outputs []BatchOutput, providers []string, threshold float64, st *consensusStats) ([]takeoff.TakeoffItem, []takeoff.Finding) {
	// One row per provider and identity; repeated rows are summed.
	var keys []string
	votes := map[string][]vote{}
	for _, o := range outputs {
		for _, it := range o.Items {
			if it.Provider == "" {
				it.Provider = o.Provider
			}
			k := takeoff.IdentityKey(it.Name, it.Unit, it.LocationKey)
			vs, ok := votes[k]
			if !ok {
				keys = append(keys, k)
			}
			merged := false
			for i := range vs {
				if vs[i].provider == o.Provider {
					vs[i].item = sumRows(vs[i].item, it)
					merged = true
					break
				}
			}
			if !merged {
				vs = append(vs, vote{provider: o.Provider, item: it})
			}
			votes[k] = vs
		}
	}

	var (
		items    []takeoff.TakeoffItem
		findings []takeoff.Finding
	)
	n := float64(len(providers))
	for _, k := range keys {
		vs := votes[k]
		best := majority(vs)
		rep := best[0].item
		for _, v := range best[1:] {
			if v.item.Confidence > rep.Confidence {
				rep = v.item
			}
		}
		var agreeing []string
		for _, v := range best {
			agreeing = append(agreeing, v.provider)
		}
		sort.Strings(agreeing)
		rep.Provider = strings.Join(agreeing, "+")
		st.folded += len(vs) - 1

		if float64(len(best))/n >= threshold {
			st.agreed++
			items = append(items, rep)
			continue
		}
		st.conflicts++
		rep.NeedsReview = true
		items = append(items, rep)
		findings = append(findings, takeoff.Finding{
			Kind:      takeoff.FindingConflict,
			Severity:  takeoff.SeverityWarning,
			Message:   conflictMessage(rep, vs, providers),
			SegmentID: rep.SegmentID,
			ChunkID:   rep.ChunkID,
			Signature: rep.Signature,
			Providers: providers,
			Anchors:   rep.Anchors,
		})
	}
	return items, findings
}

// majority returns the largest group of votes with the same rounded
// quantity. Ties go to the group with the highest confidence, then the
// smaller quantity.
func majority(vs []vote) []vote {
	byQty := map[float64][]vote{}
	var qtys []float64
	for _, v := range vs {
		q := takeoff.RoundQuantity(v.item.Quantity)
		if _, ok := byQty[q]; !ok {
			qtys = append(qtys, q)
		}
		byQty[q] = append(byQty[q], v)
	}
	sort.Slice(qtys, func(i, j int) bool {
		a, b := byQty[qtys[i]], byQty[qtys[j]]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		if ca, cb := maxConfidence(a), maxConfidence(b); ca != cb {
			return ca > cb
		}
		return qtys[i] < qtys[j]
	})
	best := byQty[qtys[0]]
	sort.SliceStable(best, func(i, j int) bool { return best[i].provider < best[j].provider })
	return best
}

func maxConfidence(vs []vote) float64 {
	m := 0.0
	for _, v := range vs {
		if v.item.Confidence > m {
			m = v.item.Confidence
		}
	}
	return m
}

func sumRows(a, b takeoff.TakeoffItem) takeoff.TakeoffItem {
	a.Quantity = takeoff.RoundQuantity(a.Quantity + b.Quantity)
	if a.UnitCost > 0 {
		a.TotalCost = round2(a.UnitCost * a.Quantity)
	} else {
		a.TotalCost = round2(a.TotalCost + b.TotalCost)
	}
	if b.Confidence < a.Confidence {
		a.Confidence = b.Confidence
	}
	a.Schedule = a.Schedule && b.Schedule
	a.Anchors = mergeAnchors(a.Anchors, b.Anchors)
	a.Signature = takeoff.Signature(a.Name, a.Unit, a.LocationKey, a.Quantity)
	return a
}

func conflictMessage(rep takeoff.TakeoffItem, vs []vote, providers []string) string {
	got := map[string]float64{}
	for _, v := range vs {
		got[v.provider] = v.item.Quantity
	}
	parts := make([]string, 0, len(providers))
	for _, p := range providers {
		if q, ok := got[p]; ok {
			parts = append(parts, fmt.Sprintf("%s=%g", p, q))
		} else {
			parts = append(parts, p+"=missing")
		}
	}
	loc := ""
	if rep.LocationKey != "" {
		loc = " at " + rep.LocationKey
	}
	return fmt.Sprintf("providers disagree on %s (%s)%s: %s; kept %g",
		rep.Name, rep.Unit, loc, strings.Join(parts, ", "), rep.Quantity)
}
