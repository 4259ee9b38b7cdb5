package models

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed matches every *FetchFailedError via errors.Is
	ErrFetchFailed = errors.New("fetch failed")

	// ErrEntityNotReady is reported when an id has not been ingested yet.
	// Lookups return (nil, false) instead; only outer surfaces use the error.
	ErrEntityNotReady = errors.New("entity not ready")

	// ErrStreamTerminated wraps the reason a live stream connection ended
	ErrStreamTerminated = errors.New("stream terminated")
)

// FetchFailedError reports a network or HTTP failure fetching media or a page
type FetchFailedError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchFailedError) Error() string {
	if e.StatusCode != 0 && e.Err != nil {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchFailedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFetchFailed) true.
func (e *FetchFailedError) Is(target error) bool {
	return target == ErrFetchFailed
}

// Retryable reports whether repeating the request may succeed: transport
// errors, 429 and 5xx.
func (e *FetchFailedError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}
