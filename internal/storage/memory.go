package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapelab/go-feed-collector/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local dry runs.
// It applies the same conflict policy as the durable backends and the same
// all-or-nothing batch semantics.
type MemoryStore struct {
	mu         sync.RWMutex
	trades     map[string]*models.DarkpoolTrade
	headlines  map[string]*models.NewsHeadline
	watermarks map[models.EntityType]time.Time
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:     make(map[string]*models.DarkpoolTrade),
		headlines:  make(map[string]*models.NewsHeadline),
		watermarks: make(map[models.EntityType]time.Time),
	}
}

// Initialize implements Manager.
func (s *MemoryStore) Initialize(_ context.Context) error {
	return nil
}

// Close implements Manager.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck implements Manager.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return NewStoreError("health_check", "", fmt.Errorf("store is closed"))
	}
	return nil
}

// UpsertBatch implements BatchUpserter. Records are validated and staged
// first so a failure partway through leaves the store untouched.
func (s *MemoryStore) UpsertBatch(_ context.Context, records []models.Record) (*UpsertResult, error) {
	result := &UpsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	for i, record := range records {
		if record == nil {
			return nil, NewStoreError("upsert", "", fmt.Errorf("nil record at index %d", i))
		}
		if err := record.Validate(); err != nil {
			table, _ := TableForEntity(record.Entity())
			return nil, NewStoreError("upsert", table, fmt.Errorf("invalid record at index %d: %w", i, err))
		}
		switch record.(type) {
		case *models.DarkpoolTrade, *models.NewsHeadline:
		default:
			return nil, NewStoreError("upsert", "", fmt.Errorf("unsupported record type %T", record))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, NewStoreError("upsert", "", fmt.Errorf("store is closed"))
	}

	for _, record := range records {
		switch r := record.(type) {
		case *models.DarkpoolTrade:
			key := r.NaturalKey()
			if _, exists := s.trades[key]; exists {
				result.Skipped++
				continue
			}
			cp := *r
			s.trades[key] = &cp
			result.Inserted++

		case *models.NewsHeadline:
			key := r.NaturalKey()
			cp := *r
			cp.Symbols = append([]string(nil), r.Symbols...)
			if existing, exists := s.headlines[key]; exists {
				// Mutable fields are refreshed, the rest keeps the
				// first-seen values.
				existing.Content = cp.Content
				existing.Sentiment = cp.Sentiment
				existing.SentimentScore = cp.SentimentScore
				existing.ImpactScore = cp.ImpactScore
				result.Updated++
				continue
			}
			s.headlines[key] = &cp
			result.Inserted++
		}
	}

	return result, nil
}

// Watermark implements WatermarkStore.
func (s *MemoryStore) Watermark(_ context.Context, entity models.EntityType) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[entity], nil
}

// CommitWatermark implements WatermarkStore. Backward commits are no-ops.
func (s *MemoryStore) CommitWatermark(_ context.Context, entity models.EntityType, mark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewStoreError("watermark", TableWatermarks, fmt.Errorf("store is closed"))
	}
	if mark.After(s.watermarks[entity]) {
		s.watermarks[entity] = mark
	}
	return nil
}

// TradeCount reports the number of stored trades. Test helper.
func (s *MemoryStore) TradeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}

// HeadlineCount reports the number of stored headlines. Test helper.
func (s *MemoryStore) HeadlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.headlines)
}

// Trade returns the stored trade for a tracking ID, or nil. Test helper.
func (s *MemoryStore) Trade(trackingID string) *models.DarkpoolTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[trackingID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Headline returns the stored headline for a natural key, or nil. Test helper.
func (s *MemoryStore) Headline(key string) *models.NewsHeadline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.headlines[key]
	if !ok {
		return nil
	}
	cp := *h
	cp.Symbols = append([]string(nil), h.Symbols...)
	return &cp
}
