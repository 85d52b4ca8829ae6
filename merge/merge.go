// Package merge combines completed batch outputs into the four-array
// result: TAKEOFF, ANALYSIS, SEGMENTS, RUN_LOG.
//
// Merge is a pure function of its input set. Outputs are put in a
// canonical order first, so feeding the same batches in any order yields
// identical TAKEOFF and ANALYSIS arrays.
package merge

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hazyhaar/planset/takeoff"
)

// BatchOutput is the decoded output of one completed batch.
type BatchOutput struct {
	BatchID    string                `json:"batch_id"`
	JobID      string                `json:"job_id,omitempty"`
	SegmentID  string                `json:"segment_id"`
	ChunkID    string                `json:"chunk_id"`
	ChunkIndex int                   `json:"chunk_index"`
	DedupeHash string                `json:"dedupe_hash"`
	Provider   string                `json:"provider"`
	Items      []takeoff.TakeoffItem `json:"items"`
	Findings   []takeoff.Finding     `json:"findings"`
	Warnings   []string              `json:"warnings,omitempty"`

	// QuantitySignatures and LocationKeys are the chunk's safeguards:
	// row signatures and location keys pre-scanned from its text,
	// overlap included.
	QuantitySignatures []string `json:"quantity_signatures,omitempty"`
	LocationKeys       []string `json:"location_keys,omitempty"`
}

// Options configures a Merger.
type Options struct {
	// AgreementThreshold is the share of providers that must report the
	// same quantity for an item to be accepted without review. Default 0.6.
	AgreementThreshold float64
	// Currency of subtotals.
	Currency string
	// Segments are the planned segments, in plan order. Segments seen only
	// in outputs are appended after them.
	Segments []takeoff.SegmentResult
}

// Merger merges batch outputs.
type Merger struct {
	opts Options
}

// New returns a Merger.
func New(opts Options) *Merger {
	if opts.AgreementThreshold <= 0 || opts.AgreementThreshold > 1 {
		opts.AgreementThreshold = 0.6
	}
	return &Merger{opts: opts}
}

// Merge runs the merge pipeline: canonical order, duplicate-batch drop,
// per-chunk provider consensus, overlap collapse, schedule suppression and
// a deterministic final sort.
func (m *Merger) Merge(outputs []BatchOutput) takeoff.Result {
	res := takeoff.Result{}
	sorted := canonical(outputs)

	kept, dropped := dropDuplicateBatches(sorted)
	for _, o := range kept {
		for _, w := range o.Warnings {
			res.RunLog = append(res.RunLog, takeoff.LogEntry{
				Type: takeoff.LogWarning, Stage: "batch", JobID: o.JobID, BatchID: o.BatchID,
				Message: fmt.Sprintf("chunk %s (%s): %s", o.ChunkID, o.Provider, w),
			})
		}
	}

	var raw int
	for _, o := range kept {
		raw += len(o.Items)
	}

	items, findings, cs := consensus(kept, m.opts.AgreementThreshold)
	items, ov := collapseOverlap(items, chunkGuards(kept))
	items, sched := applyNoMultiply(items)

	findings = append(findings, sched.findings...)
	findings = dedupeFindings(findings)
	sortItems(items)
	sortFindings(findings)

	res.Takeoff = items
	res.Analysis = findings
	res.Segments = m.segments(items)

	chunks := map[string]bool{}
	for _, o := range kept {
		chunks[o.ChunkID] = true
	}
	res.RunLog = append(res.RunLog,
		mergeLog(fmt.Sprintf("merged %d batches covering %d chunks: %d raw items, %d kept",
			len(kept), len(chunks), raw, len(items)), len(kept), "summary"),
	)
	if dropped > 0 {
		res.RunLog = append(res.RunLog, mergeLog(
			fmt.Sprintf("dropped %d duplicate batches with identical dedupe_hash", dropped), dropped, "duplicate_batch"))
	}
	if cs.chunks > 0 {
		res.RunLog = append(res.RunLog, mergeLog(
			fmt.Sprintf("consensus on %d chunks: %d items agreed, %d conflicts flagged, %d provider rows folded",
				cs.chunks, cs.agreed, cs.conflicts, cs.folded), cs.folded, "consensus"))
	}
	if ov.collapsed > 0 {
		e := mergeLog(fmt.Sprintf("collapsed %d items repeated across overlapping chunks (same signature, %d confirmed by chunk safeguards)",
			ov.collapsed, ov.confirmed), ov.collapsed, "overlap_signature")
		e.Details["confirmed"] = ov.confirmed
		res.RunLog = append(res.RunLog, e)
	}
	if ov.kept > 0 {
		res.RunLog = append(res.RunLog, mergeLog(
			fmt.Sprintf("kept %d same-signature items in adjacent chunks whose location lies outside the shared overlap", ov.kept), ov.kept, "overlap_outside"))
	}
	if sched.suppressed > 0 {
		res.RunLog = append(res.RunLog, mergeLog(
			fmt.Sprintf("suppressed %d schedule/legend rows that have placed counterparts", sched.suppressed), sched.suppressed, "no_multiply"))
	}
	if sched.kept > 0 {
		res.RunLog = append(res.RunLog, mergeLog(
			fmt.Sprintf("kept %d schedule-only rows without placed counterparts", sched.kept), sched.kept, "schedule_only"))
	}
	return res.Normalize()
}

func mergeLog(msg string, count int, reason string) takeoff.LogEntry {
	return takeoff.LogEntry{
		Type:    takeoff.LogMerge,
		Stage:   "merge",
		Message: msg,
		Count:   count,
		Details: map[string]any{"reason": reason},
	}
}

func canonical(outputs []BatchOutput) []BatchOutput {
	out := make([]BatchOutput, len(outputs))
	copy(out, outputs)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		if a.ChunkID != b.ChunkID {
			return a.ChunkID < b.ChunkID
		}
		if a.SegmentID != b.SegmentID {
			return a.SegmentID < b.SegmentID
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.BatchID < b.BatchID
	})
	return out
}

// dropDuplicateBatches keeps the first batch per (dedupe hash, segment,
// provider) in canonical order.
func dropDuplicateBatches(sorted []BatchOutput) ([]BatchOutput, int) {
	seen := map[string]bool{}
	out := sorted[:0:0]
	dropped := 0
	for _, o := range sorted {
		h := o.DedupeHash
		if h == "" {
			h = "chunk:" + o.ChunkID
		}
		key := h + "|" + o.SegmentID + "|" + o.Provider
		if seen[key] {
			dropped++
			continue
		}
		seen[key] = true
		out = append(out, o)
	}
	return out, dropped
}

// guard is the safeguard set of one chunk.
type guard struct {
	sigs map[string]bool
	locs map[string]bool
}

func (g guard) known() bool { return len(g.sigs) > 0 || len(g.locs) > 0 }

// chunkGuards indexes safeguards by chunk id. Every output of a chunk
// carries the same safeguards; the first non-empty set wins.
func chunkGuards(outputs []BatchOutput) map[string]guard {
	out := map[string]guard{}
	for _, o := range outputs {
		if g, ok := out[o.ChunkID]; ok && g.known() {
			continue
		}
		g := guard{sigs: map[string]bool{}, locs: map[string]bool{}}
		for _, s := range o.QuantitySignatures {
			g.sigs[s] = true
		}
		for _, l := range o.LocationKeys {
			g.locs[takeoff.NormalizeLocation(l)] = true
		}
		out[o.ChunkID] = g
	}
	return out
}

type overlapResult struct {
	collapsed int
	confirmed int
	kept      int
}

// pairing classifies a same-signature pair from adjacent chunks a and b.
// A pair is confirmed when both chunks' safeguards hold its signature or
// its location key. It is outside the overlap when the location key shows
// up in exactly one chunk's location keys and the signatures do not
// confirm it: the shared overlap text would have put it in both.
func pairing(it takeoff.TakeoffItem, a, b guard) (collapse, confirmed bool) {
	if a.sigs[it.Signature] && b.sigs[it.Signature] {
		return true, true
	}
	loc := it.LocationKey
	if loc == "" || !a.known() || !b.known() {
		return true, false
	}
	switch {
	case a.locs[loc] && b.locs[loc]:
		return true, true
	case a.locs[loc] != b.locs[loc]:
		return false, false
	}
	return true, false
}

// collapseOverlap merges items sharing a signature whose chunks are
// adjacent, regardless of segment. Each item pairs with at most one item
// across each chunk boundary, same segment first, so two genuine rows in
// one chunk never fold into a single row of its neighbour. Chains of
// adjacent chunks still collapse into one item. The survivor has the
// highest confidence, then the lowest chunk_index.
func collapseOverlap(items []takeoff.TakeoffItem, guards map[string]guard) ([]takeoff.TakeoffItem, overlapResult) {
	type key struct {
		sig   string
		chunk int
	}
	byKey := map[key][]int{}
	var keys []key
	for i, it := range items {
		k := key{it.Signature, it.ChunkIndex}
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	var r overlapResult
	uf := newUnionFind(len(items))
	for _, k := range keys {
		left := byKey[k]
		right := byKey[key{k.sig, k.chunk + 1}]
		if len(right) == 0 {
			continue
		}
		used := make([]bool, len(right))
		var pairs [][2]int
		for _, sameSeg := range []bool{true, false} {
			for _, i := range left {
				if paired(pairs, i) {
					continue
				}
				for n, j := range right {
					if used[n] || (sameSeg && items[i].SegmentID != items[j].SegmentID) {
						continue
					}
					used[n] = true
					pairs = append(pairs, [2]int{i, j})
					break
				}
			}
		}
		for _, p := range pairs {
			a, b := items[p[0]], items[p[1]]
			ok, conf := pairing(a, guards[a.ChunkID], guards[b.ChunkID])
			if !ok {
				r.kept++
				continue
			}
			if conf {
				r.confirmed++
			}
			uf.union(p[0], p[1])
		}
	}

	groups := map[int][]int{}
	var roots []int
	for i := range items {
		root := uf.find(i)
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], i)
	}

	out := make([]takeoff.TakeoffItem, 0, len(roots))
	for _, root := range roots {
		members := groups[root]
		win := members[0]
		for _, i := range members[1:] {
			if better(items[i], items[win]) {
				win = i
			}
		}
		it := items[win]
		if len(members) > 1 {
			r.collapsed += len(members) - 1
			var src []string
			for _, i := range members {
				src = append(src, items[i].SourceChunks...)
				if len(items[i].SourceChunks) == 0 {
					src = append(src, items[i].ChunkID)
				}
				it.NeedsReview = it.NeedsReview || items[i].NeedsReview
				it.Anchors = mergeAnchors(it.Anchors, items[i].Anchors)
			}
			it.SourceChunks = uniqueSorted(src)
		}
		out = append(out, it)
	}
	return out, r
}

func paired(pairs [][2]int, i int) bool {
	for _, p := range pairs {
		if p[0] == i {
			return true
		}
	}
	return false
}

// better orders collapse candidates: higher confidence, then lower
// chunk_index, then chunk id and provider for a total order.
func better(a, b takeoff.TakeoffItem) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.ChunkIndex != b.ChunkIndex {
		return a.ChunkIndex < b.ChunkIndex
	}
	if a.ChunkID != b.ChunkID {
		return a.ChunkID < b.ChunkID
	}
	return a.Provider < b.Provider
}

type schedResult struct {
	suppressed int
	kept       int
	findings   []takeoff.Finding
}

// applyNoMultiply drops schedule rows that also appear as placed items
// (matched on normalized name and unit) and reports the rest.
func applyNoMultiply(items []takeoff.TakeoffItem) ([]takeoff.TakeoffItem, schedResult) {
	placed := map[string]bool{}
	for _, it := range items {
		if !it.Schedule {
			placed[nameUnit(it)] = true
		}
	}
	var r schedResult
	out := items[:0:0]
	for _, it := range items {
		if !it.Schedule {
			out = append(out, it)
			continue
		}
		if placed[nameUnit(it)] {
			r.suppressed++
			continue
		}
		r.kept++
		out = append(out, it)
		r.findings = append(r.findings, takeoff.Finding{
			Kind:      takeoff.FindingSchedule,
			Severity:  takeoff.SeverityInfo,
			Message:   fmt.Sprintf("%q (%g %s) comes from a schedule or legend with no placed count; verify against plans", it.Name, it.Quantity, it.Unit),
			SegmentID: it.SegmentID,
			ChunkID:   it.ChunkID,
			Signature: it.Signature,
			Anchors:   it.Anchors,
		})
	}
	return out, r
}

func nameUnit(it takeoff.TakeoffItem) string {
	return takeoff.NormalizeName(it.Name) + "|" + takeoff.CanonicalUnit(it.Unit)
}

func (m *Merger) segments(items []takeoff.TakeoffItem) []takeoff.SegmentResult {
	type acc struct {
		count    int
		subtotal float64
	}
	totals := map[string]*acc{}
	for _, it := range items {
		a := totals[it.SegmentID]
		if a == nil {
			a = &acc{}
			totals[it.SegmentID] = a
		}
		a.count++
		a.subtotal += it.TotalCost
	}

	var out []takeoff.SegmentResult
	seen := map[string]bool{}
	for _, s := range m.opts.Segments {
		if s.Kind != "" && s.Kind != takeoff.SegmentKindSegment {
			continue
		}
		s.Kind = takeoff.SegmentKindSegment
		s.Currency = m.opts.Currency
		if a := totals[s.ID]; a != nil {
			s.ItemCount = a.count
			s.Subtotal = round2(a.subtotal)
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	var extra []string
	for id := range totals {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		a := totals[id]
		out = append(out, takeoff.SegmentResult{
			Kind:      takeoff.SegmentKindSegment,
			ID:        id,
			ItemCount: a.count,
			Subtotal:  round2(a.subtotal),
			Currency:  m.opts.Currency,
		})
	}
	return out
}

func sortItems(items []takeoff.TakeoffItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.SegmentID != b.SegmentID:
			return a.SegmentID < b.SegmentID
		case a.ChunkIndex != b.ChunkIndex:
			return a.ChunkIndex < b.ChunkIndex
		case a.Category != b.Category:
			return a.Category < b.Category
		case a.Name != b.Name:
			return a.Name < b.Name
		case a.Unit != b.Unit:
			return a.Unit < b.Unit
		case a.LocationKey != b.LocationKey:
			return a.LocationKey < b.LocationKey
		case a.Quantity != b.Quantity:
			return a.Quantity < b.Quantity
		case a.Signature != b.Signature:
			return a.Signature < b.Signature
		}
		return a.Provider < b.Provider
	})
}

var severityRank = map[takeoff.Severity]int{
	takeoff.SeverityCritical: 0,
	takeoff.SeverityWarning:  1,
	takeoff.SeverityInfo:     2,
}

func sortFindings(fs []takeoff.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		switch {
		case severityRank[a.Severity] != severityRank[b.Severity]:
			return severityRank[a.Severity] < severityRank[b.Severity]
		case a.Kind != b.Kind:
			return a.Kind < b.Kind
		case a.SegmentID != b.SegmentID:
			return a.SegmentID < b.SegmentID
		case a.ChunkID != b.ChunkID:
			return a.ChunkID < b.ChunkID
		case a.Message != b.Message:
			return a.Message < b.Message
		}
		return a.Signature < b.Signature
	})
}

// dedupeFindings folds findings with the same kind, severity, chunk and
// message (case-insensitive), joining their providers.
func dedupeFindings(fs []takeoff.Finding) []takeoff.Finding {
	idx := map[string]int{}
	out := make([]takeoff.Finding, 0, len(fs))
	for _, f := range fs {
		key := strings.Join([]string{f.Kind, string(f.Severity), f.ChunkID, f.Signature,
			strings.ToLower(strings.Join(strings.Fields(f.Message), " "))}, "|")
		if i, ok := idx[key]; ok {
			out[i].Providers = uniqueSorted(append(out[i].Providers, f.Providers...))
			out[i].Anchors = mergeAnchors(out[i].Anchors, f.Anchors)
			continue
		}
		idx[key] = len(out)
		f.Providers = uniqueSorted(append([]string(nil), f.Providers...))
		out = append(out, f)
	}
	return out
}

func mergeAnchors(a, b []takeoff.Anchor) []takeoff.Anchor {
	seen := map[string]bool{}
	var out []takeoff.Anchor
	for _, x := range append(append([]takeoff.Anchor(nil), a...), b...) {
		k := fmt.Sprintf("%s|%d|%s|%s", x.Kind, x.Page, x.SheetID, x.Ref)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, x)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Ref < out[j].Ref
	})
	return out
}

func uniqueSorted(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so component order follows input order.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
