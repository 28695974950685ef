package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Sentiment labels. The canonical representation is a text label; numeric
// upstream scores are bucketed during normalization and the raw score is
// preserved in SentimentScore.
const (
	SentimentBearish = "bearish"
	SentimentNeutral = "neutral"
	SentimentBullish = "bullish"
)

// NewsHeadline represents a single ingested news item.
//
// Unlike trade prints, headline attributes can be enriched after initial
// ingestion (sentiment, impact score, full content), so a natural-key
// collision updates those mutable fields instead of being skipped.
type NewsHeadline struct {
	// ItemID is the upstream item identifier. Optional: older feed versions
	// did not assign one, in which case the natural key is derived from
	// headline, source, and published_at.
	ItemID string `json:"item_id,omitempty" db:"item_id"`

	Headline    string    `json:"headline" db:"headline"`
	Content     string    `json:"content,omitempty" db:"content"`
	URL         string    `json:"url,omitempty" db:"url"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
	Source      string    `json:"source,omitempty" db:"source"`
	Symbols     []string  `json:"symbols,omitempty" db:"symbols"`

	// Sentiment is the canonical text label (bearish/neutral/bullish).
	// SentimentScore holds the raw numeric score when upstream supplied one.
	Sentiment      string `json:"sentiment,omitempty" db:"sentiment"`
	SentimentScore string `json:"sentiment_score,omitempty" db:"sentiment_score"`
	ImpactScore    string `json:"impact_score,omitempty" db:"impact_score"`

	// CollectedAt is set by the pipeline at normalization time, never
	// upstream-supplied.
	CollectedAt time.Time `json:"collected_at" db:"collected_at"`
}

// Entity implements Record.
func (h *NewsHeadline) Entity() EntityType {
	return EntityNewsHeadlines
}

// NaturalKey implements Record. Uses the upstream item ID when present,
// otherwise a stable hash of headline, source, and published_at.
func (h *NewsHeadline) NaturalKey() string {
	if h.ItemID != "" {
		return h.ItemID
	}
	sum := sha256.Sum256([]byte(h.Headline + "\x00" + h.Source + "\x00" + strconv.FormatInt(h.PublishedAt.UTC().UnixNano(), 10)))
	return hex.EncodeToString(sum[:])
}

// EventTime implements Record.
func (h *NewsHeadline) EventTime() time.Time {
	return h.PublishedAt
}

// Validate performs validation of the headline fields.
func (h *NewsHeadline) Validate() error {
	if h.Headline == "" {
		return &ValidationError{Field: "headline", Message: "headline is required"}
	}
	if h.PublishedAt.IsZero() {
		return &ValidationError{Field: "published_at", Message: "published_at cannot be zero"}
	}
	if h.CollectedAt.IsZero() {
		return &ValidationError{Field: "collected_at", Message: "collected_at must be set by the pipeline"}
	}

	switch h.Sentiment {
	case "", SentimentBearish, SentimentNeutral, SentimentBullish:
	default:
		return &ValidationError{Field: "sentiment", Message: fmt.Sprintf("unknown sentiment label %q", h.Sentiment)}
	}

	if h.SentimentScore != "" {
		if _, err := decimal.NewFromString(h.SentimentScore); err != nil {
			return &ValidationError{Field: "sentiment_score", Message: fmt.Sprintf("invalid sentiment_score format: %v", err)}
		}
	}
	if h.ImpactScore != "" {
		if _, err := decimal.NewFromString(h.ImpactScore); err != nil {
			return &ValidationError{Field: "impact_score", Message: fmt.Sprintf("invalid impact_score format: %v", err)}
		}
	}

	return nil
}

// String returns a human-readable representation of the headline.
func (h *NewsHeadline) String() string {
	return fmt.Sprintf("NewsHeadline{Key: %s, Source: %s, PublishedAt: %s, Headline: %.60q}",
		h.NaturalKey(), h.Source, h.PublishedAt.Format(time.RFC3339), h.Headline)
}
