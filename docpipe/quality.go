package docpipe

import (
	"strings"
	"unicode"
)

// PageQuality captures text-layer metrics for one page.
type PageQuality struct {
	Chars          int     `json:"chars"`
	PrintableRatio float64 `json:"printable_ratio"`
	WordlikeRatio  float64 `json:"wordlike_ratio"`
}

func measure(text string) PageQuality {
	return PageQuality{
		Chars:          len([]rune(strings.TrimSpace(text))),
		PrintableRatio: computePrintableRatio(text),
		WordlikeRatio:  computeWordlikeRatio(text),
	}
}

// NeedsOCR reports whether the text layer is too sparse or too garbled to
// trust.
func (q PageQuality) NeedsOCR(minChars int, minPrintable float64) bool {
	return q.Chars < minChars || q.PrintableRatio < minPrintable
}

// computePrintableRatio returns the ratio of printable characters in text.
// Excludes PUA U+E000-U+F8FF, control chars < U+0020 (except \n\r\t), U+FFFD.
func computePrintableRatio(text string) float64 {
	if len(text) == 0 {
		return 1.0
	}
	total := 0
	printable := 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	// Private Use Area
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == 0xFFFD {
		return true
	}
	if r < 0x0020 && r != '\n' && r != '\r' && r != '\t' {
		return true
	}
	return false
}

// computeWordlikeRatio returns the ratio of tokens of length 2-15 to all tokens.
func computeWordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		n := len([]rune(f))
		if n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}
