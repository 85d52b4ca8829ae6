package docpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hazyhaar/planset/connectivity"
)

// Transcriber turns a page raster (PNG) into text with a vision model.
type Transcriber interface {
	Transcribe(ctx context.Context, png []byte) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, png []byte) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, png []byte) (string, error) {
	return f(ctx, png)
}

type ocrRequest struct {
	Path string `json:"path"`
	Page int    `json:"page"`
	DPI  int    `json:"dpi"`
}

type ocrResponse struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

var errEmptyOCR = errors.New("docpipe: ocr returned no text")

// buildOCR composes the per-page OCR chain: tesseract first, the vision
// transcriber when tesseract errors, each attempt bounded by OCRTimeout and
// shielded from panics.
func (e *Extractor) buildOCR() connectivity.Handler {
	guard := func(service string) connectivity.HandlerMiddleware {
		return connectivity.Chain(
			connectivity.Recovery(e.logger),
			connectivity.WithObservability(e.cfg.Metrics, service),
			connectivity.WithTimeout(e.cfg.OCRTimeout, service),
		)
	}
	primary := guard("ocr.tesseract")(e.tesseractPage)

	var secondary connectivity.Handler
	if e.cfg.Transcriber != nil {
		secondary = guard("ocr.vision")(e.visionPage)
	}
	return connectivity.WithFallback(secondary, "ocr", e.logger)(primary)
}

// ocrPage runs the OCR chain for one page of the PDF at path.
func (e *Extractor) ocrPage(ctx context.Context, path string, page, dpi int) (ocrResponse, error) {
	payload, _ := json.Marshal(ocrRequest{Path: path, Page: page, DPI: dpi})
	raw, err := e.ocr(ctx, payload)
	if err != nil {
		return ocrResponse{}, err
	}
	var resp ocrResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ocrResponse{}, fmt.Errorf("docpipe: ocr response: %w", err)
	}
	return resp, nil
}

func (e *Extractor) tesseractPage(ctx context.Context, payload []byte) ([]byte, error) {
	var req ocrRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, connectivity.Permanent(err)
	}
	var text string
	err := e.withRender(ctx, req.Path, req.Page, req.DPI, func(img string) error {
		out, errb, err := e.cfg.Runner.Run(ctx, e.cfg.Tesseract, img, "stdout", "-l", e.cfg.Lang)
		if err != nil {
			return fmt.Errorf("tesseract page %d: %w (%s)", req.Page, err, truncate(string(errb), 256))
		}
		text = strings.TrimSpace(string(out))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errEmptyOCR
	}
	return json.Marshal(ocrResponse{Text: text, Source: OCRTesseract})
}

func (e *Extractor) visionPage(ctx context.Context, payload []byte) ([]byte, error) {
	var req ocrRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, connectivity.Permanent(err)
	}
	png, err := e.renderPage(ctx, req.Path, req.Page, req.DPI)
	if err != nil {
		return nil, err
	}
	text, err := e.cfg.Transcriber.Transcribe(ctx, png)
	if err != nil {
		return nil, fmt.Errorf("vision page %d: %w", req.Page, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errEmptyOCR
	}
	return json.Marshal(ocrResponse{Text: text, Source: OCRVision})
}

// withRender renders one page to a PNG in a scratch directory, calls fn
// with its path, and removes the directory afterwards.
func (e *Extractor) withRender(ctx context.Context, pdfPath string, page, dpi int, fn func(img string) error) error {
	dir, err := os.MkdirTemp("", "planset-page-*")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("docpipe: remove scratch dir", "dir", dir, "error", err)
		}
	}()

	prefix := filepath.Join(dir, "page")
	n := strconv.Itoa(page)
	// pdftoppm -f N -l N -r DPI -png -singlefile <in.pdf> <dir/page>
	_, errb, err := e.cfg.Runner.Run(ctx, e.cfg.Pdftoppm,
		"-f", n, "-l", n, "-r", strconv.Itoa(dpi), "-png", "-singlefile", pdfPath, prefix)
	if err != nil {
		return fmt.Errorf("pdftoppm page %d: %w (%s)", page, err, truncate(string(errb), 256))
	}
	img := prefix + ".png"
	if _, err := os.Stat(img); err != nil {
		return fmt.Errorf("pdftoppm page %d: no image produced", page)
	}
	return fn(img)
}

// renderPage returns the PNG bytes of one page.
func (e *Extractor) renderPage(ctx context.Context, pdfPath string, page, dpi int) ([]byte, error) {
	var png []byte
	err := e.withRender(ctx, pdfPath, page, dpi, func(img string) error {
		var err error
		png, err = os.ReadFile(img)
		return err
	})
	return png, err
}
