package service

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

var (
	// ErrInvalidInput marks caller errors: unknown vendor, missing credentials,
	// bad arguments. Not retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited is returned when a credential was attempted too recently.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound is returned for missing pairings and credentials.
	ErrNotFound = errors.New("not found")
)

// ErrorKind classifies sync failures.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "InvalidInput"
	KindAdapterAuthFailure ErrorKind = "AdapterAuthFailure"
	KindAdapterScrapeError ErrorKind = "AdapterScrapeError"
	KindPersistenceFailure ErrorKind = "PersistenceFailure"
)

// SyncError is returned by RunScrape for every failed attempt.
type SyncError struct {
	Kind       ErrorKind
	Vendor     string
	ErrorType  string // adapter-reported error type, if any
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Vendor, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInvalidInput) match invalid-input sync errors.
func (e *SyncError) Is(target error) bool {
	return target == ErrInvalidInput && e.Kind == KindInvalidInput
}

// Message renders the failure for the scrape_events row, capped at limit bytes
// on a rune boundary.
func (e *SyncError) Message(limit int) string {
	typ := e.ErrorType
	if typ == "" {
		typ = string(e.Kind)
	}
	details := ""
	if e.Err != nil {
		details = e.Err.Error()
	}
	return truncate(fmt.Sprintf("vendor=%s type=%s status=%d details=%s", e.Vendor, typ, e.StatusCode, details), limit)
}

func invalidInput(vendor string, format string, args ...any) *SyncError {
	return &SyncError{
		Kind:       KindInvalidInput,
		Vendor:     vendor,
		StatusCode: http.StatusBadRequest,
		Err:        fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...)),
	}
}

func persistenceFailure(vendor string, err error) *SyncError {
	return &SyncError{
		Kind:       KindPersistenceFailure,
		Vendor:     vendor,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
