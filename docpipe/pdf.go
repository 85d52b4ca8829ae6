package docpipe

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// structure is what pdfcpu tells us about the file: page count and which
// pages place image XObjects. ctx is nil when pdfcpu could not read it.
type structure struct {
	ctx       *model.Context
	pageCount int
	images    map[int]bool
}

func readStructure(data []byte) (*structure, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	s := &structure{ctx: ctx, pageCount: ctx.PageCount, images: map[int]bool{}}
	if ctx.Optimize != nil {
		for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(ctx, pageNr)) > 0 {
				s.images[pageNr] = true
			}
		}
	}
	return s, nil
}

// positioned holds ledongthuc's view of one page.
type positioned struct {
	items    []TextItem
	text     string
	width    float64
	height   float64
	rotation int
	hasImage bool
}

func openPositioned(data []byte) (*pdf.Reader, error) {
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

// readPositioned extracts positioned text for one page. The reader panics
// on some malformed content streams; that is reported as an error so the
// caller can fall back to pdfcpu.
func readPositioned(r *pdf.Reader, pageNr int) (pp positioned, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: pdf reader panic: %v", pageNr, rec)
		}
	}()

	page := r.Page(pageNr)
	if page.V.IsNull() {
		return pp, fmt.Errorf("page %d: missing", pageNr)
	}
	if box := page.V.Key("MediaBox"); box.Len() == 4 {
		pp.width = box.Index(2).Float64() - box.Index(0).Float64()
		pp.height = box.Index(3).Float64() - box.Index(1).Float64()
	}
	pp.rotation = int(page.V.Key("Rotate").Int64()) % 360
	if xo := page.Resources().Key("XObject"); !xo.IsNull() {
		for _, name := range xo.Keys() {
			if xo.Key(name).Key("Subtype").Name() == "Image" {
				pp.hasImage = true
				break
			}
		}
	}

	content := page.Content()
	pp.items = mergeRuns(content.Text)
	pp.text = layoutText(pp.items)
	return pp, nil
}

// mergeRuns joins consecutive glyph runs that sit on the same baseline and
// touch horizontally, inserting a space for word-sized gaps.
func mergeRuns(texts []pdf.Text) []TextItem {
	var out []TextItem
	for _, t := range texts {
		if t.S == "" {
			continue
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			end := last.X + last.W
			gap := t.X - end
			if math.Abs(t.Y-last.Y) < 0.5 && gap > -0.5 && gap < math.Max(t.FontSize, 1)*1.5 {
				if gap > math.Max(t.FontSize, 1)*0.2 && !strings.HasSuffix(last.Text, " ") {
					last.Text += " "
				}
				last.Text += t.S
				last.W = t.X + t.W - last.X
				continue
			}
		}
		out = append(out, TextItem{X: t.X, Y: t.Y, W: t.W, FontSize: t.FontSize, Text: t.S})
	}
	for i := range out {
		out[i].Text = strings.TrimSpace(out[i].Text)
	}
	return out
}

// layoutText orders items top to bottom, left to right, one line per
// baseline.
func layoutText(items []TextItem) string {
	sorted := make([]TextItem, 0, len(items))
	for _, it := range items {
		if it.Text != "" {
			sorted = append(sorted, it)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if math.Abs(sorted[i].Y-sorted[j].Y) >= 2 {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var b strings.Builder
	for i, it := range sorted {
		if i > 0 {
			if math.Abs(it.Y-sorted[i-1].Y) >= 2 {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(it.Text)
	}
	return b.String()
}

// streamText is the pdfcpu fallback: raw text operators of the page's
// content stream, without positions.
func streamText(ctx *model.Context, pageNr int) string {
	if ctx == nil {
		return ""
	}
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return extractTextFromStream(data)
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// extractTextFromStream parses PDF content stream operators for text.
func extractTextFromStream(data []byte) string {
	var sb strings.Builder

	lines := bytes.Split(data, []byte{'\n'})
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		// Tj operator: (text) Tj
		if bytes.HasSuffix(line, []byte("Tj")) {
			matches := pdfStringRe.FindAllSubmatch(line, -1)
			for _, m := range matches {
				text := decodePDFString(m[1])
				if text != "" {
					sb.WriteString(text)
				}
			}
		}

		// TJ operator: [(text) -100 (more text)] TJ
		if bytes.HasSuffix(line, []byte("TJ")) {
			matches := pdfStringRe.FindAllSubmatch(line, -1)
			for _, m := range matches {
				text := decodePDFString(m[1])
				if text != "" {
					sb.WriteString(text)
				}
			}
		}

		// ' operator (move to next line and show text): (text) '
		if bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")) {
			matches := pdfStringRe.FindAllSubmatch(line, -1)
			for _, m := range matches {
				text := decodePDFString(m[1])
				if text != "" {
					sb.WriteByte('\n')
					sb.WriteString(text)
				}
			}
		}

		// Td/TD moves the text position; separate the runs.
		if bytes.HasSuffix(line, []byte("Td")) || bytes.HasSuffix(line, []byte("TD")) {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		}

		// T* operator (move to start of next line).
		if bytes.Equal(line, []byte("T*")) {
			sb.WriteByte('\n')
		}
	}

	return cleanPDFText(sb.String())
}

// decodePDFString handles basic PDF escape sequences.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				// Octal escape (e.g. \040 for space).
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
						i++
						val = val*8 + int(raw[i]-'0')
						if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
							i++
							val = val*8 + int(raw[i]-'0')
						}
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// cleanPDFText normalises whitespace in extracted PDF text.
func cleanPDFText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		} else if unicode.IsPrint(r) {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
