// Package export renders a takeoff result as an XLSX workbook with one
// sheet per result array.
package export

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/planset/takeoff"
)

// Sheet names, in workbook order.
const (
	SheetTakeoff  = "Takeoff"
	SheetAnalysis = "Analysis"
	SheetSegments = "Segments"
	SheetRunLog   = "Run Log"
)

var (
	takeoffHeaders = []string{
		"Name", "Category", "Quantity", "Unit", "Location", "Unit Cost", "Total Cost",
		"Currency", "Cost Basis", "Confidence", "Needs Review", "Segment", "Pages", "Source Chunks", "Provider",
	}
	analysisHeaders = []string{"Severity", "Kind", "Message", "Segment", "Chunk", "Pages", "Providers"}
	segmentHeaders  = []string{"Kind", "ID", "Industry", "Discipline", "Categories", "Chunks", "Items", "Subtotal", "Currency", "Questions"}
	runLogHeaders   = []string{"Type", "Stage", "Message", "Job", "Plan", "Batch", "Count"}
)

// Options tune the workbook.
type Options struct {
	// Title is written to the workbook properties.
	Title  string
	Logger *slog.Logger
}

// Workbook builds the workbook for res. The caller closes the file.
func Workbook(res takeoff.Result, opts Options) (*excelize.File, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	res = res.Normalize()

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetTakeoff); err != nil {
		f.Close()
		return nil, err
	}
	for _, name := range []string{SheetAnalysis, SheetSegments, SheetRunLog} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("export: new sheet %s: %w", name, err)
		}
	}
	if opts.Title != "" {
		if err := f.SetDocProps(&excelize.DocProperties{Title: opts.Title, Creator: "planset"}); err != nil {
			f.Close()
			return nil, err
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &writer{f: f, header: bold}
	w.takeoff(res)
	w.analysis(res.Analysis)
	w.segments(res.Segments)
	w.runLog(res.RunLog)
	if w.err != nil {
		f.Close()
		return nil, fmt.Errorf("export: %w", w.err)
	}
	f.SetActiveSheet(0)
	opts.Logger.Debug("export: workbook built", "items", len(res.Takeoff), "findings", len(res.Analysis),
		"segments", len(res.Segments), "log_entries", len(res.RunLog))
	return f, nil
}

// Write builds the workbook and writes it to w.
func Write(w io.Writer, res takeoff.Result, opts Options) error {
	f, err := Workbook(res, opts)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: write xlsx: %w", err)
	}
	return nil
}

// writer keeps the first error so the sheet builders read straight.
type writer struct {
	f      *excelize.File
	header int
	err    error
}

func (w *writer) row(sheet string, row int, values ...any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		w.err = err
		return
	}
	if err := w.f.SetSheetRow(sheet, cell, &values); err != nil {
		w.err = fmt.Errorf("%s row %d: %w", sheet, row, err)
	}
}

func (w *writer) headers(sheet string, names []string) {
	vals := make([]any, len(names))
	for i, n := range names {
		vals[i] = n
	}
	w.row(sheet, 1, vals...)
	if w.err != nil {
		return
	}
	last, _ := excelize.CoordinatesToCellName(len(names), 1)
	w.err = w.f.SetCellStyle(sheet, "A1", last, w.header)
	if w.err == nil {
		w.err = w.f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	}
}

func (w *writer) widths(sheet string, widths ...float64) {
	for i, width := range widths {
		if w.err != nil {
			return
		}
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			w.err = err
			return
		}
		w.err = w.f.SetColWidth(sheet, col, col, width)
	}
}

func (w *writer) takeoff(res takeoff.Result) {
	w.headers(SheetTakeoff, takeoffHeaders)
	for i, it := range res.Takeoff {
		w.row(SheetTakeoff, i+2,
			it.Name, it.Category, it.Quantity, it.Unit, it.LocationKey, it.UnitCost, it.TotalCost,
			it.Currency, it.CostBasis, it.Confidence, yesNo(it.NeedsReview), it.SegmentID,
			pages(it.Anchors), strings.Join(it.SourceChunks, ", "), it.Provider)
	}
	if n := len(res.Takeoff); n > 0 && w.err == nil {
		total := n + 2
		w.row(SheetTakeoff, total, "Total")
		w.err = w.f.SetCellFormula(SheetTakeoff, "G"+strconv.Itoa(total), fmt.Sprintf("SUM(G2:G%d)", n+1))
	}
	w.widths(SheetTakeoff, 32, 16, 10, 8, 18, 11, 12, 9, 11, 11, 12, 22, 12, 30, 16)
}

func (w *writer) analysis(findings []takeoff.Finding) {
	w.headers(SheetAnalysis, analysisHeaders)
	for i, fd := range findings {
		w.row(SheetAnalysis, i+2,
			string(fd.Severity), fd.Kind, fd.Message, fd.SegmentID, fd.ChunkID,
			pages(fd.Anchors), strings.Join(fd.Providers, ", "))
	}
	w.widths(SheetAnalysis, 10, 16, 70, 22, 22, 12, 18)
}

func (w *writer) segments(segs []takeoff.SegmentResult) {
	w.headers(SheetSegments, segmentHeaders)
	for i, s := range segs {
		var qs []string
		for _, q := range s.Questions {
			qs = append(qs, fmt.Sprintf("[%s] %s", q.Severity, q.Question))
		}
		w.row(SheetSegments, i+2,
			s.Kind, s.ID, s.Industry, s.Discipline, strings.Join(s.Categories, ", "),
			len(s.ChunkIDs), s.ItemCount, s.Subtotal, s.Currency, strings.Join(qs, "\n"))
	}
	w.widths(SheetSegments, 10, 24, 16, 14, 36, 8, 8, 12, 9, 70)
}

func (w *writer) runLog(entries []takeoff.LogEntry) {
	w.headers(SheetRunLog, runLogHeaders)
	for i, e := range entries {
		w.row(SheetRunLog, i+2, e.Type, e.Stage, e.Message, e.JobID, e.PlanID, e.BatchID, e.Count)
	}
	w.widths(SheetRunLog, 9, 9, 80, 18, 18, 18, 7)
}

// pages lists the distinct anchor pages, ascending.
func pages(anchors []takeoff.Anchor) string {
	seen := map[int]bool{}
	var ps []int
	for _, a := range anchors {
		if a.Page > 0 && !seen[a.Page] {
			seen[a.Page] = true
			ps = append(ps, a.Page)
		}
	}
	sort.Ints(ps)
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = strconv.Itoa(p)
	}
	return strings.Join(out, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
