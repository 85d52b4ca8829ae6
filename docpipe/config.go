package docpipe

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/planset/objstore"
	"github.com/hazyhaar/planset/observability"
)

// Config configures the Extractor.
type Config struct {
	// MaxFileSize is the largest PDF accepted (default: 512 MB).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// DPI for page rasters and OCR renders (default: 110).
	DPI int `json:"dpi" yaml:"dpi"`

	// MinPageChars below which a page is sent to OCR (default: 50).
	MinPageChars int `json:"min_page_chars" yaml:"min_page_chars"`

	// MinPrintableRatio below which a page is sent to OCR (default: 0.85).
	MinPrintableRatio float64 `json:"min_printable_ratio" yaml:"min_printable_ratio"`

	// OCRConcurrency bounds pages OCR'd or rendered at once (default: 4).
	OCRConcurrency int `json:"ocr_concurrency" yaml:"ocr_concurrency"`

	// OCRTimeout bounds a single page OCR attempt (default: 2m).
	OCRTimeout time.Duration `json:"ocr_timeout" yaml:"ocr_timeout"`

	// Timeout bounds a whole Extract call (default: 10m).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Binaries and tesseract language (defaults: pdftoppm, tesseract, eng).
	Pdftoppm  string `json:"pdftoppm" yaml:"pdftoppm"`
	Tesseract string `json:"tesseract" yaml:"tesseract"`
	Lang      string `json:"lang" yaml:"lang"`

	// Runner executes the OCR binaries. Default: os/exec.
	Runner Runner `json:"-" yaml:"-"`

	// Transcriber is the vision-model second chance for pages whose
	// primary OCR fails. Optional.
	Transcriber Transcriber `json:"-" yaml:"-"`

	// Store receives page rasters when images are requested. Optional.
	Store objstore.Store `json:"-" yaml:"-"`

	Metrics *observability.MetricsManager `json:"-" yaml:"-"`
	Logger  *slog.Logger                  `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 512 << 20
	}
	if c.DPI <= 0 {
		c.DPI = 110
	}
	if c.MinPageChars <= 0 {
		c.MinPageChars = 50
	}
	if c.MinPrintableRatio <= 0 {
		c.MinPrintableRatio = 0.85
	}
	if c.OCRConcurrency <= 0 {
		c.OCRConcurrency = 4
	}
	if c.OCRTimeout <= 0 {
		c.OCRTimeout = 2 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.Pdftoppm == "" {
		c.Pdftoppm = "pdftoppm"
	}
	if c.Tesseract == "" {
		c.Tesseract = "tesseract"
	}
	if c.Lang == "" {
		c.Lang = "eng"
	}
	if c.Runner == nil {
		c.Runner = execRunner{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
