// Package storage defines the persistence layer for canonical records and
// ingestion watermarks, with implementations for Postgres (production),
// DuckDB (embedded/local), and memory (tests).
//
// One page of records is one atomic unit of application: UpsertBatch either
// durably applies every record in the batch or none of them.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/tapelab/go-feed-collector/internal/models"
)

// Table names per entity type. These are the only identifiers ever
// interpolated into SQL text, and they are validated against this fixed
// whitelist rather than built from runtime input.
const (
	TableDarkpoolTrades = "darkpool_trades"
	TableNewsHeadlines  = "news_headlines"
	TableWatermarks     = "ingest_watermarks"
)

// TableForEntity maps an entity type to its table name.
func TableForEntity(entity models.EntityType) (string, error) {
	switch entity {
	case models.EntityDarkpoolTrades:
		return TableDarkpoolTrades, nil
	case models.EntityNewsHeadlines:
		return TableNewsHeadlines, nil
	default:
		return "", fmt.Errorf("no table for entity type %q", entity)
	}
}

// UpsertResult reports the logical effect of a batch application.
type UpsertResult struct {
	// Inserted is the number of new rows created.
	Inserted int `json:"inserted"`

	// Updated is the number of existing rows whose mutable fields were
	// overwritten on natural-key conflict (news headlines only).
	Updated int `json:"updated"`

	// Skipped is the number of pure duplicates dropped on natural-key
	// conflict (dark-pool trades).
	Skipped int `json:"skipped"`
}

// Merge accumulates another result into this one.
func (r *UpsertResult) Merge(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
}

// BatchUpserter applies canonical records to the store.
type BatchUpserter interface {
	// UpsertBatch applies records inside a single transaction: either all
	// records are durably applied or none are. Conflict policy is
	// entity-specific — trade duplicates are skipped, headline conflicts
	// update mutable fields. Safe to re-apply the same batch (idempotent).
	UpsertBatch(ctx context.Context, records []models.Record) (*UpsertResult, error)
}

// WatermarkStore persists the per-entity ingestion cursor.
type WatermarkStore interface {
	// Watermark returns the last committed watermark for the entity type.
	// Returns the zero time when no watermark exists yet.
	Watermark(ctx context.Context, entity models.EntityType) (time.Time, error)

	// CommitWatermark durably records a new watermark. Implementations
	// never move a watermark backward: commits older than the stored value
	// are no-ops.
	CommitWatermark(ctx context.Context, entity models.EntityType, mark time.Time) error
}

// Manager handles storage lifecycle concerns.
type Manager interface {
	// Initialize prepares the backend: creates tables and indexes.
	// Idempotent and safe to call multiple times.
	Initialize(ctx context.Context) error

	// Close releases connections and flushes pending work.
	Close() error

	// HealthCheck verifies the backend is reachable with a lightweight
	// operation.
	HealthCheck(ctx context.Context) error
}

// Store combines all storage capabilities. This is the interface the
// pipeline and the operator surface depend on.
type Store interface {
	BatchUpserter
	WatermarkStore
	Manager
}

// StoreError represents a storage-level failure. A StoreError during batch
// application means the whole page was rolled back and the watermark was
// not advanced; the page will be retried in full on the next cycle.
type StoreError struct {
	Operation string // e.g. "upsert", "watermark", "initialize"
	Table     string
	Err       error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError with the provided context.
func NewStoreError(operation, table string, err error) *StoreError {
	return &StoreError{Operation: operation, Table: table, Err: err}
}
