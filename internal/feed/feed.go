// Package feed defines the interface for the upstream market-data API and
// provides the HTTP client implementation used by the ingestion pipeline.
//
// The interfaces are small and composable: the controller only depends on
// PageFetcher, which makes stub implementations trivial in tests.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tapelab/go-feed-collector/internal/models"
)

// PageFetcher retrieves one page of raw records from the upstream API.
//
// Implementations must not mutate local state beyond the outbound request:
// cursor advancement and watermark bookkeeping belong to the caller.
type PageFetcher interface {
	// FetchPage retrieves raw records for an entity type within a time
	// window, optionally continuing from a pagination cursor returned by a
	// prior call.
	//
	// Implementations should:
	// - Retry transient failures (network errors, 5xx) with bounded backoff
	// - Return a TransientError once retries are exhausted
	// - Return a FatalError for client errors (bad token, bad contract)
	// - Return records in chronological order (oldest first)
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

// HealthChecker verifies the upstream API is reachable.
type HealthChecker interface {
	// HealthCheck performs a lightweight reachability check. It should not
	// consume meaningful rate-limit quota.
	HealthCheck(ctx context.Context) error
}

// Fetcher combines the upstream API capabilities used by the collector.
type Fetcher interface {
	PageFetcher
	HealthChecker
}

// PageRequest specifies one page fetch.
type PageRequest struct {
	// Entity selects the upstream record stream.
	Entity models.EntityType `json:"entity"`

	// Since is the beginning of the time window (inclusive).
	Since time.Time `json:"since"`

	// Until is the end of the time window (exclusive).
	Until time.Time `json:"until"`

	// Cursor continues pagination from a prior response. Empty for the
	// first page of a window.
	Cursor string `json:"cursor,omitempty"`

	// Limit is the maximum number of records per page. 0 uses the upstream
	// default.
	Limit int `json:"limit,omitempty"`
}

// Validate checks the request parameters.
func (r PageRequest) Validate() error {
	if !r.Entity.Valid() {
		return fmt.Errorf("invalid entity type %q", r.Entity)
	}
	if r.Since.IsZero() || r.Until.IsZero() {
		return fmt.Errorf("time window is required")
	}
	if !r.Since.Before(r.Until) {
		return fmt.Errorf("since (%s) must be before until (%s)", r.Since, r.Until)
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative, got %d", r.Limit)
	}
	return nil
}

// Page is one bounded batch of raw records. It forms one atomic unit of
// storage application downstream.
type Page struct {
	// Records contains the raw upstream JSON objects, oldest first.
	Records []json.RawMessage `json:"records"`

	// NextCursor continues pagination when HasMore is true.
	NextCursor string `json:"next_cursor,omitempty"`

	// HasMore indicates further pages exist within the requested window.
	HasMore bool `json:"has_more"`
}

// TransientError indicates a fetch failed for reasons expected to clear on
// their own (network failure, upstream 5xx). The caller stops the current
// run and retries on the next cycle; the watermark is not advanced.
type TransientError struct {
	Operation string
	Err       error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError indicates the upstream rejected the request outright (4xx:
// bad credentials, bad contract). Runs for the entity type halt until an
// operator intervenes; retrying cannot help.
type FatalError struct {
	Operation  string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fatal config error during %s (status %d): %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fatal config error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
