package crawler

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Error kinds surfaced at the service boundary.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidConfig    = errors.New("invalid source configuration")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConflict         = errors.New("conflict")
	ErrEngineFailed     = errors.New("engine call failed")
	ErrIngestion        = errors.New("record ingestion failed")
	ErrCrawlFailed      = errors.New("crawl failed")
	ErrAttemptFinalized = errors.New("attempt already finalized")
)

// EngineCallError reports a failed call to the scraping engine. StatusCode is
// zero for transport failures.
type EngineCallError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *EngineCallError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("engine call failed: status %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("engine call failed: status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("engine call failed: %v", e.Err)
	default:
		return ErrEngineFailed.Error()
	}
}

// Unwrap exposes the transport cause, if any.
func (e *EngineCallError) Unwrap() error {
	return e.Err
}

// Is matches ErrEngineFailed.
func (e *EngineCallError) Is(target error) bool {
	return target == ErrEngineFailed
}

// IngestionError reports a single engine record that could not be normalized.
type IngestionError struct {
	Index int
	Err   error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying cause.
func (e *IngestionError) Unwrap() error {
	return e.Err
}

// Is matches ErrIngestion.
func (e *IngestionError) Is(target error) bool {
	return target == ErrIngestion
}

// Truncate shortens s to at most limit runes. A non-positive limit disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
