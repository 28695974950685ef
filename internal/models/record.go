// Package models provides the canonical data structures and validation for
// ingested market data. This package contains the core record types for the
// two collected entities (dark-pool trades and news headlines) together with
// the entity-type enumeration shared across the pipeline.
package models

import (
	"fmt"
	"time"
)

// EntityType identifies one independently collected record stream.
// Each entity type owns its own table, watermark, and schedule.
type EntityType string

const (
	// EntityDarkpoolTrades is the dark-pool trade tick stream.
	EntityDarkpoolTrades EntityType = "darkpool_trades"

	// EntityNewsHeadlines is the news headline stream.
	EntityNewsHeadlines EntityType = "news_headlines"
)

// AllEntityTypes lists every supported entity type in collection order.
var AllEntityTypes = []EntityType{EntityDarkpoolTrades, EntityNewsHeadlines}

// Valid reports whether the entity type is one of the supported streams.
func (e EntityType) Valid() bool {
	switch e {
	case EntityDarkpoolTrades, EntityNewsHeadlines:
		return true
	default:
		return false
	}
}

// String returns the wire/storage name of the entity type.
func (e EntityType) String() string {
	return string(e)
}

// ParseEntityType converts a string into an EntityType.
// Returns an error for unknown values so operator input is rejected early.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(s)
	if !e.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return e, nil
}

// Record is the canonical form every normalized upstream record reduces to.
// A record carries its own identity (natural key) and event time so the
// store and the controller can treat both entity types uniformly.
type Record interface {
	// Entity returns the stream this record belongs to.
	Entity() EntityType

	// NaturalKey returns the deduplication identity of the record.
	// Re-ingesting a record with the same natural key must never create a
	// duplicate row.
	NaturalKey() string

	// EventTime returns when the event occurred upstream (executed_at for
	// trades, published_at for headlines). Used for watermark advancement.
	EventTime() time.Time

	// Validate checks required fields and value shapes.
	Validate() error
}

// ValidationError represents a record validation failure with field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message describes the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}
