// Package normalize maps heterogeneous upstream JSON into canonical records.
//
// Normalization is a pure function: no I/O, deterministic for the same raw
// input and collection time. The upstream schema has drifted over feed
// versions (numbers sometimes arrive as strings, timestamps in several
// formats, sentiment as either a numeric score or a text label), so the
// decoders here accept every shape that has been observed and reduce it to
// one canonical form.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tapelab/go-feed-collector/internal/models"
)

// Sentiment bucketing thresholds for legacy numeric scores, assumed in
// [-1, 1]. Scores inside the band map to neutral.
var (
	bearishThreshold = decimal.RequireFromString("-0.15")
	bullishThreshold = decimal.RequireFromString("0.15")
)

// Error represents a single-record normalization failure. It carries the
// offending raw payload so the controller can log and skip the record
// without aborting the page.
type Error struct {
	Entity models.EntityType
	Field  string
	Raw    json.RawMessage
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("normalization error for %s field %s: %v", e.Entity, e.Field, e.Err)
	}
	return fmt.Sprintf("normalization error for %s: %v", e.Entity, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(entity models.EntityType, field string, raw json.RawMessage, err error) *Error {
	return &Error{Entity: entity, Field: field, Raw: raw, Err: err}
}

// Record normalizes one raw upstream record for the given entity type.
// collectedAt is stamped onto the record as its ingestion time.
func Record(entity models.EntityType, raw json.RawMessage, collectedAt time.Time) (models.Record, error) {
	switch entity {
	case models.EntityDarkpoolTrades:
		return Trade(raw, collectedAt)
	case models.EntityNewsHeadlines:
		return Headline(raw, collectedAt)
	default:
		return nil, newError(entity, "", raw, fmt.Errorf("unsupported entity type"))
	}
}

// Trade normalizes a raw dark-pool trade print.
func Trade(raw json.RawMessage, collectedAt time.Time) (*models.DarkpoolTrade, error) {
	var rt rawTrade
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, newError(models.EntityDarkpoolTrades, "", raw, fmt.Errorf("malformed payload: %w", err))
	}

	if rt.TrackingID == "" {
		return nil, newError(models.EntityDarkpoolTrades, "tracking_id", raw, fmt.Errorf("missing required field"))
	}
	if rt.Symbol == "" {
		return nil, newError(models.EntityDarkpoolTrades, "symbol", raw, fmt.Errorf("missing required field"))
	}

	executedAt, err := rt.ExecutedAt.Time()
	if err != nil || executedAt.IsZero() {
		return nil, newError(models.EntityDarkpoolTrades, "executed_at", raw, fmt.Errorf("missing or unparseable timestamp: %v", err))
	}

	size, err := rt.Size.Int64()
	if err != nil {
		return nil, newError(models.EntityDarkpoolTrades, "size", raw, fmt.Errorf("not coercible to integer: %w", err))
	}
	price, err := rt.Price.Decimal()
	if err != nil {
		return nil, newError(models.EntityDarkpoolTrades, "price", raw, fmt.Errorf("not coercible to decimal: %w", err))
	}
	premium, err := rt.Premium.Decimal()
	if err != nil {
		return nil, newError(models.EntityDarkpoolTrades, "premium", raw, fmt.Errorf("not coercible to decimal: %w", err))
	}

	trade := &models.DarkpoolTrade{
		TrackingID:         rt.TrackingID,
		Symbol:             strings.ToUpper(rt.Symbol),
		Size:               size,
		Price:              price.String(),
		Premium:            premium.String(),
		ExecutedAt:         executedAt.UTC(),
		MarketCenter:       rt.MarketCenter,
		SaleConditionCodes: rt.SaleConditionCodes,
		CollectionTime:     collectedAt.UTC(),
	}

	if !rt.NBBOAsk.IsEmpty() {
		ask, err := rt.NBBOAsk.Decimal()
		if err != nil {
			return nil, newError(models.EntityDarkpoolTrades, "nbbo_ask", raw, fmt.Errorf("not coercible to decimal: %w", err))
		}
		trade.NBBOAsk = ask.String()
	}
	if !rt.NBBOBid.IsEmpty() {
		bid, err := rt.NBBOBid.Decimal()
		if err != nil {
			return nil, newError(models.EntityDarkpoolTrades, "nbbo_bid", raw, fmt.Errorf("not coercible to decimal: %w", err))
		}
		trade.NBBOBid = bid.String()
	}

	if err := trade.Validate(); err != nil {
		return nil, newError(models.EntityDarkpoolTrades, "", raw, err)
	}
	return trade, nil
}

// Headline normalizes a raw news item.
func Headline(raw json.RawMessage, collectedAt time.Time) (*models.NewsHeadline, error) {
	var rh rawHeadline
	if err := json.Unmarshal(raw, &rh); err != nil {
		return nil, newError(models.EntityNewsHeadlines, "", raw, fmt.Errorf("malformed payload: %w", err))
	}

	if rh.Headline == "" {
		return nil, newError(models.EntityNewsHeadlines, "headline", raw, fmt.Errorf("missing required field"))
	}

	publishedAt, err := rh.PublishedAt.Time()
	if err != nil || publishedAt.IsZero() {
		return nil, newError(models.EntityNewsHeadlines, "published_at", raw, fmt.Errorf("missing or unparseable timestamp: %v", err))
	}

	headline := &models.NewsHeadline{
		ItemID:      rh.ItemID,
		Headline:    rh.Headline,
		Content:     rh.Content,
		URL:         rh.URL,
		PublishedAt: publishedAt.UTC(),
		Source:      rh.Source,
		Symbols:     normalizeSymbols(rh.Symbols),
		CollectedAt: collectedAt.UTC(),
	}

	label, score, err := rh.Sentiment.Canonical()
	if err != nil {
		return nil, newError(models.EntityNewsHeadlines, "sentiment", raw, err)
	}
	headline.Sentiment = label
	headline.SentimentScore = score

	if !rh.ImpactScore.IsEmpty() {
		impact, err := rh.ImpactScore.Decimal()
		if err != nil {
			return nil, newError(models.EntityNewsHeadlines, "impact_score", raw, fmt.Errorf("not coercible to decimal: %w", err))
		}
		headline.ImpactScore = impact.String()
	}

	if err := headline.Validate(); err != nil {
		return nil, newError(models.EntityNewsHeadlines, "", raw, err)
	}
	return headline, nil
}

// normalizeSymbols uppercases, trims, and deduplicates ticker symbols while
// preserving first-seen order.
func normalizeSymbols(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// bucketScore maps a numeric sentiment score to the canonical text label.
func bucketScore(score decimal.Decimal) string {
	switch {
	case score.LessThanOrEqual(bearishThreshold):
		return models.SentimentBearish
	case score.GreaterThanOrEqual(bullishThreshold):
		return models.SentimentBullish
	default:
		return models.SentimentNeutral
	}
}
