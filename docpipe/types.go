package docpipe

import "time"

// TextItem is a run of text at a position on the page, in PDF user space
// points with the origin at the bottom-left corner.
type TextItem struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	W        float64 `json:"w"`
	FontSize float64 `json:"font_size"`
	Text     string  `json:"text"`
}

// OCR sources recorded on a page.
const (
	OCRNone      = ""
	OCRTesseract = "tesseract"
	OCRVision    = "vision"
)

// Page is the extraction result for one page.
type Page struct {
	Number       int         `json:"page_no"` // 1-based
	Text         string      `json:"text"`
	Items        []TextItem  `json:"items,omitempty"`
	Width        float64     `json:"width"`
	Height       float64     `json:"height"`
	Rotation     int         `json:"rotation"`
	HasTextLayer bool        `json:"has_text_layer"`
	HasImage     bool        `json:"has_image"`
	Quality      PageQuality `json:"quality"`
	OCR          string      `json:"ocr,omitempty"`
	ImageKey     string      `json:"image_key,omitempty"`
	ImageURL     string      `json:"image_url,omitempty"`
	Warnings     []string    `json:"warnings,omitempty"`
}

// Document is the extraction result for one PDF.
type Document struct {
	Title     string        `json:"title"`
	PageCount int           `json:"page_count"`
	Pages     []Page        `json:"pages"`
	OCRPages  int           `json:"ocr_pages"`
	Warnings  []string      `json:"warnings,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Options are per-call extraction knobs. Zero values take the Extractor's
// configured defaults.
type Options struct {
	RenderImages bool
	DPI          int
	ForceOCR     bool
	MinPageChars int
	Timeout      time.Duration
}
