// Package docpipe turns construction-drawing PDFs into per-page text with
// positioned text items, optional page rasters, and OCR for pages whose
// text layer is missing or garbled.
//
// The text layer is read with github.com/ledongthuc/pdf (positions, font
// sizes, media box, rotation); pdfcpu validates the file, counts pages,
// finds image XObjects and parses raw content streams when the positioned
// reader fails on a page. OCR renders pages with pdftoppm and runs
// tesseract, falling back per page to a vision Transcriber.
//
// Usage:
//
//	ex := docpipe.New(docpipe.Config{Store: store, Transcriber: vision})
//	doc, err := ex.Extract(ctx, pdfBytes, docpipe.Options{RenderImages: true})
package docpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/planset/connectivity"
	"github.com/hazyhaar/planset/observability"
)

// Extractor extracts pages from PDF bytes. It is safe for concurrent use.
type Extractor struct {
	cfg    Config
	logger *slog.Logger
	ocr    connectivity.Handler
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	cfg.defaults()
	e := &Extractor{cfg: cfg, logger: cfg.Logger}
	e.ocr = e.buildOCR()
	return e
}

// Extract reads data and returns one Page per PDF page. The call is bounded
// by opts.Timeout (or Config.Timeout); on expiry it returns a
// *TimeoutError and no document.
func (e *Extractor) Extract(ctx context.Context, data []byte, opts Options) (*Document, error) {
	if int64(len(data)) > e.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), e.cfg.MaxFileSize)
	}
	e.fill(&opts)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type result struct {
		doc *Document
		err error
	}
	done := make(chan result, 1)
	go func() {
		doc, err := e.extract(ctx, data, opts)
		done <- result{doc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Stage: "extract", After: opts.Timeout}
		}
		return r.doc, r.err
	case <-ctx.Done():
		// The PDF readers take no context; the worker goroutine finishes on
		// its own and its result is dropped.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Stage: "extract", After: opts.Timeout}
		}
		return nil, ctx.Err()
	}
}

func (e *Extractor) fill(o *Options) {
	if o.DPI <= 0 {
		o.DPI = e.cfg.DPI
	}
	if o.MinPageChars <= 0 {
		o.MinPageChars = e.cfg.MinPageChars
	}
	if o.Timeout <= 0 {
		o.Timeout = e.cfg.Timeout
	}
}

func (e *Extractor) extract(ctx context.Context, data []byte, opts Options) (*Document, error) {
	start := time.Now()
	doc := &Document{}

	st, structErr := readStructure(data)
	reader, posErr := openPositioned(data)
	switch {
	case structErr != nil && posErr != nil:
		return nil, fmt.Errorf("%w: %v; %v", ErrUnreadable, structErr, posErr)
	case st != nil:
		doc.PageCount = st.pageCount
		if posErr != nil {
			doc.Warnings = append(doc.Warnings, "positioned text unavailable: "+posErr.Error())
		}
	default:
		doc.PageCount = reader.NumPage()
		doc.Warnings = append(doc.Warnings, "pdfcpu: "+structErr.Error())
		st = &structure{images: map[int]bool{}}
	}
	if doc.PageCount == 0 {
		return nil, fmt.Errorf("%w: no pages", ErrUnreadable)
	}

	doc.Pages = make([]Page, doc.PageCount)
	var ocrPages []int
	for n := 1; n <= doc.PageCount; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := e.readPage(reader, st, n)
		p.Quality = measure(p.Text)
		if opts.ForceOCR || p.Quality.NeedsOCR(opts.MinPageChars, e.cfg.MinPrintableRatio) {
			ocrPages = append(ocrPages, n)
		}
		doc.Pages[n-1] = p
	}

	needFile := len(ocrPages) > 0 || (opts.RenderImages && e.cfg.Store != nil)
	if needFile {
		if err := e.withTempPDF(data, func(path string) error {
			if err := e.runOCR(ctx, path, doc, ocrPages, opts.DPI); err != nil {
				return err
			}
			if opts.RenderImages && e.cfg.Store != nil {
				return e.renderAll(ctx, path, doc, opts.DPI)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	} else if opts.RenderImages {
		doc.Warnings = append(doc.Warnings, "page images requested but no object store configured")
	}

	empty := 0
	for _, p := range doc.Pages {
		if strings.TrimSpace(p.Text) == "" {
			empty++
		}
	}
	if empty == len(doc.Pages) {
		return nil, ErrNoText
	}

	doc.Title = firstLine(doc.Pages[0].Text)
	doc.Duration = time.Since(start)
	e.cfg.Metrics.Observe(observability.MetricIngestPages, float64(doc.PageCount), "count")
	e.cfg.Metrics.Observe(observability.MetricOCRPages, float64(doc.OCRPages), "count")
	e.logger.Debug("docpipe: extracted",
		"pages", doc.PageCount, "ocr_pages", doc.OCRPages,
		"empty_pages", empty, "duration_ms", doc.Duration.Milliseconds())
	return doc, nil
}

// readPage takes the positioned text layer when available, else the
// pdfcpu content stream.
func (e *Extractor) readPage(reader *pdf.Reader, st *structure, n int) Page {
	p := Page{Number: n, HasImage: st.images[n]}
	if reader != nil {
		pp, err := readPositioned(reader, n)
		if err == nil {
			p.Items, p.Text = pp.items, pp.text
			p.Width, p.Height, p.Rotation = pp.width, pp.height, pp.rotation
			p.HasImage = p.HasImage || pp.hasImage
		} else {
			p.Warnings = append(p.Warnings, err.Error())
		}
	}
	if strings.TrimSpace(p.Text) == "" {
		p.Text = streamText(st.ctx, n)
	}
	p.HasTextLayer = strings.TrimSpace(p.Text) != ""
	return p
}

func (e *Extractor) withTempPDF(data []byte, fn func(path string) error) error {
	f, err := os.CreateTemp("", "planset-*.pdf")
	if err != nil {
		return fmt.Errorf("docpipe: temp pdf: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("docpipe: write temp pdf: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fn(f.Name())
}

// runOCR OCRs the listed pages concurrently. A page whose whole chain fails
// keeps its (possibly empty) text layer and records a warning.
func (e *Extractor) runOCR(ctx context.Context, path string, doc *Document, pages []int, dpi int) error {
	if len(pages) == 0 {
		return nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.OCRConcurrency)
	for _, n := range pages {
		g.Go(func() error {
			resp, err := e.ocrPage(gctx, path, n, dpi)
			mu.Lock()
			defer mu.Unlock()
			p := &doc.Pages[n-1]
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.Warnings = append(p.Warnings, "ocr failed: "+err.Error())
				e.logger.Warn("docpipe: page ocr failed", "page", n, "error", err)
				return nil
			}
			// Keep the text layer when OCR found less than it.
			if len(resp.Text) > len(strings.TrimSpace(p.Text)) {
				p.Text = resp.Text
				p.Items = nil
				p.Quality = measure(resp.Text)
			}
			p.OCR = resp.Source
			doc.OCRPages++
			return nil
		})
	}
	return g.Wait()
}

// renderAll stores a raster of every page in the object store.
func (e *Extractor) renderAll(ctx context.Context, path string, doc *Document, dpi int) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.OCRConcurrency)
	for i := range doc.Pages {
		n := i + 1
		g.Go(func() error {
			png, err := e.renderPage(gctx, path, n, dpi)
			var key string
			if err == nil {
				key, err = e.cfg.Store.Put(gctx, png, ".png")
			}
			mu.Lock()
			defer mu.Unlock()
			p := &doc.Pages[n-1]
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.Warnings = append(p.Warnings, "render failed: "+err.Error())
				return nil
			}
			p.ImageKey = key
			p.ImageURL = e.cfg.Store.URL(key)
			return nil
		})
	}
	return g.Wait()
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			if r := []rune(line); len(r) > 200 {
				line = string(r[:200])
			}
			return line
		}
	}
	return ""
}
