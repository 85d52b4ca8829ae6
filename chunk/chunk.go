// Package chunk packs the ordered pages of a drawing set into
// token-budgeted, overlapping chunks for inference.
//
// Packing strategy:
//  1. Walk pages in order, accumulating estimated tokens (text plus a flat
//     cost per page image).
//  2. Close the chunk when the next page would exceed MaxTokens, when the
//     chunk reaches TargetTokens, or when PagesPerChunk pages are held.
//  3. Open the next chunk with the tail OverlapPercent of the previous
//     chunk's primary tokens prepended.
//  4. A page that alone exceeds MaxTokens forms its own oversized chunk.
//
// Every page is owned by exactly one chunk; overlap is recorded in
// OverlapInfo and never as shared ownership.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hazyhaar/planset/docpipe"
	"github.com/hazyhaar/planset/idgen"
	"github.com/hazyhaar/planset/sheetindex"
	"github.com/hazyhaar/planset/takeoff"
)

var (
	ErrNoPages        = errors.New("chunk: no pages")
	ErrPageOrder      = errors.New("chunk: pages not in increasing order")
	ErrInvalidOptions = errors.New("chunk: invalid options")
)

// Options configures the chunking behaviour.
type Options struct {
	// TargetTokens closes a chunk once reached. Default: 3000.
	TargetTokens int
	// MinTokens is the size every chunk but the last should reach when the
	// page cap allows it. Default: 2000.
	MinTokens int
	// MaxTokens is never exceeded except by a single oversized page. Default: 4000.
	MaxTokens int
	// OverlapPercent of the previous chunk's primary tokens repeated at the
	// start of the next one. Default: 17.5.
	OverlapPercent float64
	// PagesPerChunk caps primary pages per chunk; 0 uses the token budget only.
	PagesPerChunk int
	// ImageTokens is the cost charged per page image. Default: 765.
	ImageTokens int
}

func (o *Options) defaults() {
	if o.TargetTokens <= 0 {
		o.TargetTokens = 3000
	}
	if o.MinTokens <= 0 {
		o.MinTokens = 2000
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4000
	}
	if o.OverlapPercent <= 0 {
		o.OverlapPercent = 17.5
	}
	if o.ImageTokens <= 0 {
		o.ImageTokens = 765
	}
}

func (o Options) validate() error {
	switch {
	case o.MinTokens > o.TargetTokens:
		return fmt.Errorf("%w: min_tokens %d > target_tokens %d", ErrInvalidOptions, o.MinTokens, o.TargetTokens)
	case o.TargetTokens > o.MaxTokens:
		return fmt.Errorf("%w: target_tokens %d > max_tokens %d", ErrInvalidOptions, o.TargetTokens, o.MaxTokens)
	case o.OverlapPercent >= 100:
		return fmt.Errorf("%w: overlap_percent %.1f >= 100", ErrInvalidOptions, o.OverlapPercent)
	case o.PagesPerChunk < 0:
		return fmt.Errorf("%w: pages_per_chunk %d < 0", ErrInvalidOptions, o.PagesPerChunk)
	}
	return nil
}

// PageRange is the primary page span of a chunk.
type PageRange struct {
	Start int   `json:"start"`
	End   int   `json:"end"`
	Pages []int `json:"pages"`
}

// Content is what the model reads.
type Content struct {
	Text       string   `json:"text"`
	TokenCount int      `json:"token_count"`
	ImageURLs  []string `json:"image_urls"`
}

// OverlapInfo links a chunk to its neighbours and the tokens shared with each.
type OverlapInfo struct {
	PrevChunkID       string `json:"prev_chunk_id,omitempty"`
	PrevOverlapTokens int    `json:"prev_overlap_tokens"`
	NextChunkID       string `json:"next_chunk_id,omitempty"`
	NextOverlapTokens int    `json:"next_overlap_tokens"`
}

// Metadata travels with the chunk to inference and merge.
type Metadata struct {
	Project            ProjectMeta           `json:"project"`
	DominantDiscipline sheetindex.Discipline `json:"dominant_discipline"`
	Anchors            []takeoff.Anchor      `json:"anchors"`
	OverlapInfo        OverlapInfo           `json:"overlap_info"`
}

// NoMultiplyHint flags a page whose quantities are tabulated, not placed.
type NoMultiplyHint struct {
	Page    int    `json:"page"`
	SheetID string `json:"sheet_id,omitempty"`
	Reason  string `json:"reason"`
}

// Safeguards are pre-computed hints for the merge stage.
type Safeguards struct {
	DedupeHash         string           `json:"dedupe_hash"`
	LocationKeys       []string         `json:"location_keys"`
	NoMultiplyHints    []NoMultiplyHint `json:"no_multiply_hints"`
	QuantitySignatures []string         `json:"quantity_signatures"`
}

// Chunk is the unit of work sent to inference.
type Chunk struct {
	ID         string             `json:"chunk_id"`
	Index      int                `json:"chunk_index"`
	PageRange  PageRange          `json:"page_range"`
	Sheets     []sheetindex.Sheet `json:"sheets"`
	Content    Content            `json:"content"`
	Metadata   Metadata           `json:"metadata"`
	Safeguards Safeguards         `json:"safeguards"`
	Oversized  bool               `json:"oversized,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
}

// NoMultiplyPages returns the set of pages carrying a no-multiply hint.
func (c Chunk) NoMultiplyPages() map[int]bool {
	out := make(map[int]bool, len(c.Safeguards.NoMultiplyHints))
	for _, h := range c.Safeguards.NoMultiplyHints {
		out[h.Page] = true
	}
	return out
}

// Chunker splits page sequences.
type Chunker struct {
	opts Options
}

// New returns a Chunker; zero fields of opts take their defaults.
func New(opts Options) *Chunker {
	opts.defaults()
	return &Chunker{opts: opts}
}

// Options returns the effective options.
func (c *Chunker) Options() Options { return c.opts }

type unit struct {
	page   docpipe.Page
	sheet  sheetindex.Sheet
	text   string
	tokens int
}

// Split packs pages into chunks. ix may be nil, in which case pages are
// classified on the fly.
func (c *Chunker) Split(pages []docpipe.Page, ix *sheetindex.Index, meta ProjectMeta) ([]Chunk, error) {
	if err := c.opts.validate(); err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	units := make([]unit, 0, len(pages))
	for i, p := range pages {
		if i > 0 && p.Number <= pages[i-1].Number {
			return nil, fmt.Errorf("%w: page %d after %d", ErrPageOrder, p.Number, pages[i-1].Number)
		}
		units = append(units, c.unitFor(p, ix))
	}
	if meta.TotalPages == 0 {
		meta.TotalPages = len(pages)
	}

	b := &builder{opts: c.opts, meta: meta}
	for _, u := range units {
		if u.tokens > c.opts.MaxTokens {
			b.flush(false)
			b.overlap, b.overlapTokens = "", 0
			b.add(u)
			b.flush(true)
			continue
		}
		if len(b.units) > 0 && b.tokens()+u.tokens > c.opts.MaxTokens {
			b.flush(false)
		}
		if len(b.units) == 0 && b.overlapTokens+u.tokens > c.opts.MaxTokens {
			b.retail(c.opts.MaxTokens - u.tokens)
		}
		b.add(u)
		if b.tokens() >= c.opts.TargetTokens ||
			(c.opts.PagesPerChunk > 0 && len(b.units) >= c.opts.PagesPerChunk) {
			b.flush(false)
		}
	}
	b.flush(false)
	link(b.chunks)
	return b.chunks, nil
}

func (c *Chunker) unitFor(p docpipe.Page, ix *sheetindex.Index) unit {
	var sh sheetindex.Sheet
	ok := false
	if ix != nil {
		sh, ok = ix.ByPage(p.Number)
	}
	if !ok {
		sh = sheetindex.Classify(p)
	}
	text := fmt.Sprintf("[page %d | sheet %s]\n%s", p.Number, sh.SheetID, strings.TrimSpace(p.Text))
	tokens := EstimateTokens(text)
	if p.ImageURL != "" {
		tokens += c.opts.ImageTokens
	}
	return unit{page: p, sheet: sh, text: text, tokens: tokens}
}

type builder struct {
	opts   Options
	meta   ProjectMeta
	chunks []Chunk

	units         []unit
	primary       int // tokens of units
	overlap       string
	overlapTokens int
	prevPrimary   string
}

func (b *builder) tokens() int { return b.overlapTokens + b.primary }

func (b *builder) add(u unit) {
	b.units = append(b.units, u)
	b.primary += u.tokens
}

// retail re-takes the previous chunk's tail within budget tokens.
func (b *builder) retail(budget int) {
	if budget <= 0 {
		b.overlap, b.overlapTokens = "", 0
		return
	}
	b.overlap = tail(b.prevPrimary, budget)
	b.overlapTokens = EstimateTokens(b.overlap)
}

func (b *builder) flush(oversized bool) {
	if len(b.units) == 0 {
		return
	}
	idx := len(b.chunks)
	ch := Chunk{
		ID:        idgen.ChunkID(b.meta.PlanID, idx),
		Index:     idx,
		Oversized: oversized,
	}

	primaryParts := make([]string, 0, len(b.units))
	for _, u := range b.units {
		primaryParts = append(primaryParts, u.text)
		ch.PageRange.Pages = append(ch.PageRange.Pages, u.page.Number)
		ch.Sheets = append(ch.Sheets, u.sheet)
		if u.page.ImageURL != "" {
			ch.Content.ImageURLs = append(ch.Content.ImageURLs, u.page.ImageURL)
		}
		ch.Metadata.Anchors = append(ch.Metadata.Anchors, pageAnchors(u)...)
		ch.Safeguards.NoMultiplyHints = append(ch.Safeguards.NoMultiplyHints, noMultiplyHints(u)...)
		for _, w := range u.page.Warnings {
			ch.Warnings = append(ch.Warnings, fmt.Sprintf("page %d: %s", u.page.Number, w))
		}
	}
	ch.PageRange.Start = ch.PageRange.Pages[0]
	ch.PageRange.End = ch.PageRange.Pages[len(ch.PageRange.Pages)-1]
	primary := strings.Join(primaryParts, "\n\n")

	text := primary
	if b.overlap != "" {
		text = "[overlap from previous chunk]\n" + b.overlap + "\n\n" + primary
		ch.Metadata.OverlapInfo.PrevOverlapTokens = b.overlapTokens
	}
	ch.Content.Text = text
	ch.Content.TokenCount = b.tokens()
	if ch.Content.ImageURLs == nil {
		ch.Content.ImageURLs = []string{}
	}
	if oversized {
		ch.Warnings = append(ch.Warnings, fmt.Sprintf("page %d alone is %d tokens, above max %d",
			ch.PageRange.Start, b.primary, b.opts.MaxTokens))
	}

	ch.Metadata.Project = b.meta
	ch.Metadata.DominantDiscipline = dominantDiscipline(ch.Sheets)

	sum := sha256.Sum256([]byte(text))
	ch.Safeguards.DedupeHash = hex.EncodeToString(sum[:])
	ch.Safeguards.LocationKeys = nonNil(takeoff.ScanLocations(text))
	ch.Safeguards.QuantitySignatures = takeoff.Signatures(takeoff.ScanRows(text))
	if ch.Safeguards.NoMultiplyHints == nil {
		ch.Safeguards.NoMultiplyHints = []NoMultiplyHint{}
	}

	b.chunks = append(b.chunks, ch)

	b.prevPrimary = primary
	b.retail(int(math.Round(float64(b.primary) * b.opts.OverlapPercent / 100)))
	b.units = nil
	b.primary = 0
}

// link fills the next-neighbour half of every OverlapInfo.
func link(chunks []Chunk) {
	for i := range chunks {
		if i > 0 {
			chunks[i].Metadata.OverlapInfo.PrevChunkID = chunks[i-1].ID
		}
		if i+1 < len(chunks) {
			chunks[i].Metadata.OverlapInfo.NextChunkID = chunks[i+1].ID
			chunks[i].Metadata.OverlapInfo.NextOverlapTokens = chunks[i+1].Metadata.OverlapInfo.PrevOverlapTokens
		}
	}
}

// tail returns the longest word suffix of text whose estimate fits budget.
// It is empty when even the last word does not fit.
func tail(text string, budget int) string {
	words := strings.Fields(text)
	if len(words) == 0 || budget <= 0 {
		return ""
	}
	n := sort.Search(len(words), func(n int) bool {
		return EstimateTokens(strings.Join(words[len(words)-(n+1):], " ")) > budget
	})
	if n == 0 {
		return ""
	}
	return strings.Join(words[len(words)-n:], " ")
}

func dominantDiscipline(sheets []sheetindex.Sheet) sheetindex.Discipline {
	counts := map[sheetindex.Discipline]int{}
	best, bestN := sheetindex.Unknown, 0
	for _, s := range sheets {
		if s.Discipline == sheetindex.Unknown {
			continue
		}
		counts[s.Discipline]++
		if n := counts[s.Discipline]; n > bestN {
			best, bestN = s.Discipline, n
		}
	}
	return best
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// EstimateTokens estimates GPT-style token count from text: the average of
// a chars/4 estimate and a 4/3 tokens-per-word estimate.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	words := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			inWord = true
			words++
		}
	}
	charEst := n / 4
	wordEst := words * 4 / 3
	return (charEst + wordEst) / 2
}
