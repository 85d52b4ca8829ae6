package docpipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/hazyhaar/planset/objstore"
)

const notesText = "GENERAL NOTES: PROVIDE 5/8 TYPE X GYPSUM BOARD AT ALL RATED WALLS PER SCHEDULE"

// buildPDF writes a minimal PDF with one page per entry. A non-empty entry
// becomes a Helvetica text line; an empty entry becomes an image-only page.
func buildPDF(pages ...string) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	n := len(pages)
	// 1 catalog, 2 pages, 3 font, 4 image, then per page: page obj + content obj.
	total := 4 + 2*n
	offsets := make([]int, total+1)

	obj := func(id int, body string) {
		offsets[id] = b.Len()
		b.WriteString(pdfItoa(id) + " 0 obj\n" + body + "\nendobj\n")
	}
	stream := func(id int, dict, data string) {
		offsets[id] = b.Len()
		b.WriteString(pdfItoa(id) + " 0 obj\n<< " + dict + "/Length " + pdfItoa(len(data)) + " >>\nstream\n" + data + "\nendstream\nendobj\n")
	}

	obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	var kids []string
	for i := 0; i < n; i++ {
		kids = append(kids, pdfItoa(5+2*i)+" 0 R")
	}
	obj(2, "<< /Type /Pages /Kids ["+strings.Join(kids, " ")+"] /Count "+pdfItoa(n)+" >>")
	obj(3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	stream(4, "/Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceRGB /BitsPerComponent 8 ", "\xff\x00\x00")

	for i, text := range pages {
		pageID, contentID := 5+2*i, 6+2*i
		if text == "" {
			obj(pageID, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /XObject << /Im1 4 0 R >> >> /Contents "+pdfItoa(contentID)+" 0 R >>")
			stream(contentID, "", "q 100 0 0 100 72 692 cm /Im1 Do Q")
			continue
		}
		escaped := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(text)
		obj(pageID, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents "+pdfItoa(contentID)+" 0 R >>")
		stream(contentID, "", "BT\n/F1 12 Tf\n72 720 Td\n("+escaped+") Tj\nET")
	}

	xref := b.Len()
	b.WriteString("xref\n0 " + pdfItoa(total+1) + "\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= total; i++ {
		b.WriteString(pdfPadOffset(offsets[i]) + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size " + pdfItoa(total+1) + " /Root 1 0 R >>\nstartxref\n")
	b.WriteString(pdfItoa(xref))
	b.WriteString("\n%%EOF\n")
	return []byte(b.String())
}

func pdfItoa(n int) string { return fmt.Sprint(n) }

func pdfPadOffset(n int) string { return fmt.Sprintf("%010d", n) }

// fakeRunner stands in for pdftoppm and tesseract. pdftoppm writes a PNG
// placeholder naming the page; tesseract answers through ocr.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	ocr   func(page string) (string, error)
	block bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	switch name {
	case "pdftoppm":
		prefix := args[len(args)-1]
		return nil, nil, os.WriteFile(prefix+".png", []byte("PNG page "+args[1]), 0o644)
	case "tesseract":
		img, err := os.ReadFile(args[0])
		if err != nil {
			return nil, nil, err
		}
		if f.ocr == nil {
			return nil, []byte("no ocr"), errors.New("exit status 1")
		}
		text, err := f.ocr(strings.TrimPrefix(string(img), "PNG page "))
		return []byte(text), nil, err
	}
	return nil, nil, fmt.Errorf("unexpected command %s", name)
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestExtract_TextLayer(t *testing.T) {
	run := &fakeRunner{}
	ex := New(Config{Runner: run})

	doc, err := ex.Extract(context.Background(), buildPDF("A-101 FIRST FLOOR PLAN "+notesText, "S-201 FOUNDATION PLAN "+notesText), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if doc.PageCount != 2 || len(doc.Pages) != 2 {
		t.Fatalf("pages: got %d/%d", doc.PageCount, len(doc.Pages))
	}
	if !strings.Contains(doc.Pages[1].Text, "FOUNDATION PLAN") {
		t.Fatalf("page 2 text: %q", doc.Pages[1].Text)
	}
	if !doc.Pages[0].HasTextLayer || doc.Pages[0].OCR != OCRNone {
		t.Fatalf("page 1: %+v", doc.Pages[0])
	}
	if !strings.HasPrefix(doc.Title, "A-101") {
		t.Fatalf("title: %q", doc.Title)
	}
	if len(run.calls) != 0 {
		t.Fatalf("no OCR expected, runner called %v", run.calls)
	}
}

func TestExtract_SparsePageGoesToOCR(t *testing.T) {
	run := &fakeRunner{ocr: func(page string) (string, error) {
		return "ROOF PLAN SCALE 1/8\" = 1'-0\" (page " + page + ") " + notesText, nil
	}}
	ex := New(Config{Runner: run})

	doc, err := ex.Extract(context.Background(), buildPDF(notesText, "A-301"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	p := doc.Pages[1]
	if p.OCR != OCRTesseract || !strings.Contains(p.Text, "ROOF PLAN") || !strings.Contains(p.Text, "page 2") {
		t.Fatalf("page 2 after OCR: %+v", p)
	}
	if doc.Pages[0].OCR != OCRNone {
		t.Fatal("dense page should not be OCR'd")
	}
	if doc.OCRPages != 1 || run.count("tesseract") != 1 {
		t.Fatalf("ocr pages=%d tesseract calls=%d", doc.OCRPages, run.count("tesseract"))
	}
}

func TestExtract_VisionSecondChance(t *testing.T) {
	run := &fakeRunner{} // tesseract fails
	var seen []byte
	ex := New(Config{
		Runner: run,
		Transcriber: TranscriberFunc(func(_ context.Context, png []byte) (string, error) {
			seen = png
			return "ELECTRICAL PLAN " + notesText, nil
		}),
	})

	doc, err := ex.Extract(context.Background(), buildPDF(""), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Pages[0].OCR != OCRVision || !strings.HasPrefix(doc.Pages[0].Text, "ELECTRICAL PLAN") {
		t.Fatalf("page: %+v", doc.Pages[0])
	}
	if string(seen) != "PNG page 1" {
		t.Fatalf("transcriber got %q", seen)
	}
	if !doc.Pages[0].HasImage {
		t.Fatal("image-only page should report HasImage")
	}
}

func TestExtract_OCRFailureDegradesPerPage(t *testing.T) {
	run := &fakeRunner{ocr: func(page string) (string, error) {
		if page == "2" {
			return "", errors.New("tesseract crashed")
		}
		return "PLUMBING PLAN " + notesText, nil
	}}
	ex := New(Config{Runner: run})

	doc, err := ex.Extract(context.Background(), buildPDF("", "", notesText), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Pages[0].OCR != OCRTesseract {
		t.Fatalf("page 1 should be OCR'd: %+v", doc.Pages[0])
	}
	if doc.Pages[1].Text != "" || len(doc.Pages[1].Warnings) == 0 {
		t.Fatalf("page 2 should pass through empty with a warning: %+v", doc.Pages[1])
	}
}

func TestExtract_NoTextAnywhere(t *testing.T) {
	ex := New(Config{Runner: &fakeRunner{}})
	_, err := ex.Extract(context.Background(), buildPDF("", ""), Options{})
	if !errors.Is(err, ErrNoText) {
		t.Fatalf("got %v, want ErrNoText", err)
	}
}

func TestExtract_ForceOCR(t *testing.T) {
	run := &fakeRunner{ocr: func(string) (string, error) { return "OCR " + notesText + " EXTRA", nil }}
	ex := New(Config{Runner: run})
	doc, err := ex.Extract(context.Background(), buildPDF(notesText), Options{ForceOCR: true})
	if err != nil {
		t.Fatal(err)
	}
	if run.count("tesseract") != 1 || doc.Pages[0].OCR != OCRTesseract {
		t.Fatalf("forced OCR not run: calls=%v page=%+v", run.calls, doc.Pages[0])
	}
}

func TestExtract_Timeout(t *testing.T) {
	ex := New(Config{Runner: &fakeRunner{block: true}})
	start := time.Now()
	doc, err := ex.Extract(context.Background(), buildPDF("A-1"), Options{Timeout: 100 * time.Millisecond})
	if doc != nil {
		t.Fatal("timeout must not return a partial document")
	}
	var te *TimeoutError
	if !errors.As(err, &te) || !errors.Is(err, ErrTimeout) || te.Stage != "extract" {
		t.Fatalf("got %v, want extract TimeoutError", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("extract did not honour its timeout")
	}
}

func TestExtract_RenderImages(t *testing.T) {
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ex := New(Config{Runner: &fakeRunner{}, Store: store})

	doc, err := ex.Extract(context.Background(), buildPDF(notesText, notesText), Options{RenderImages: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range doc.Pages {
		if !strings.HasPrefix(p.ImageURL, objstore.Scheme) {
			t.Fatalf("page %d image url: %q", p.Number, p.ImageURL)
		}
		png, err := store.Get(context.Background(), p.ImageURL)
		if err != nil {
			t.Fatal(err)
		}
		if string(png) != fmt.Sprintf("PNG page %d", p.Number) {
			t.Fatalf("page %d raster: %q", p.Number, png)
		}
	}
}

func TestExtract_Unreadable(t *testing.T) {
	ex := New(Config{Runner: &fakeRunner{}})
	if _, err := ex.Extract(context.Background(), []byte("not a pdf"), Options{}); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("got %v, want ErrUnreadable", err)
	}
}

func TestExtract_TooLarge(t *testing.T) {
	ex := New(Config{MaxFileSize: 10})
	if _, err := ex.Extract(context.Background(), buildPDF(notesText), Options{}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestMergeRunsAndLayout(t *testing.T) {
	runs := []pdf.Text{
		{X: 72, Y: 700, W: 7, FontSize: 10, S: "A"},
		{X: 79, Y: 700, W: 7, FontSize: 10, S: "-"},
		{X: 86, Y: 700, W: 14, FontSize: 10, S: "101"},
		{X: 110, Y: 700, W: 30, FontSize: 10, S: "PLAN"},
		{X: 72, Y: 680, W: 30, FontSize: 10, S: "GRID"},
	}
	items := mergeRuns(runs)
	if len(items) != 2 {
		t.Fatalf("items: %+v", items)
	}
	if items[0].Text != "A-101 PLAN" {
		t.Fatalf("first run: %q", items[0].Text)
	}
	if got := layoutText(items); got != "A-101 PLAN\nGRID" {
		t.Fatalf("layout: %q", got)
	}
}

func TestFirstLine_CutsOnRuneBoundary(t *testing.T) {
	line := strings.Repeat("é", 150)
	got := firstLine("\n  " + line + "\nsecond")
	if !utf8.ValidString(got) {
		t.Fatalf("title is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 150 {
		t.Errorf("runes = %d, want 150", n)
	}
	long := firstLine(strings.Repeat("ü", 250))
	if !utf8.ValidString(long) || utf8.RuneCountInString(long) != 200 {
		t.Errorf("long title: valid=%v runes=%d", utf8.ValidString(long), utf8.RuneCountInString(long))
	}
}

func TestTimeoutError_Is(t *testing.T) {
	err := fmt.Errorf("ingest: %w", &TimeoutError{Stage: "extract", After: time.Second})
	if !errors.Is(err, ErrTimeout) {
		t.Fatal("wrapped TimeoutError should match ErrTimeout")
	}
}
