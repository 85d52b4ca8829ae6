package docpipe

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("docpipe: timeout")
	// ErrNoText is returned when no page yields text, even after OCR.
	ErrNoText = errors.New("docpipe: no text extracted from any page")
	// ErrUnreadable is returned when neither PDF reader can open the file.
	ErrUnreadable = errors.New("docpipe: unreadable PDF")
	// ErrTooLarge is returned for inputs above MaxFileSize.
	ErrTooLarge = errors.New("docpipe: file too large")
)

// TimeoutError reports a stage that exceeded its wall-clock bound. It never
// accompanies a partial result.
type TimeoutError struct {
	Stage string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("docpipe: %s timed out after %s", e.Stage, e.After)
}

// Is makes errors.Is(err, ErrTimeout) true for any TimeoutError.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
