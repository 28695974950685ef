package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DarkpoolTrade represents a single off-exchange trade print.
// Decimal fields are held as strings and parsed on demand, keeping full
// upstream precision until they reach the store.
//
// Trade facts are immutable once executed: a natural-key collision during
// ingestion is always a pure duplicate and is skipped by the store.
type DarkpoolTrade struct {
	TrackingID         string    `json:"tracking_id" db:"tracking_id"`
	Symbol             string    `json:"symbol" db:"symbol"`
	Size               int64     `json:"size" db:"size"`
	Price              string    `json:"price" db:"price"`
	Premium            string    `json:"premium" db:"premium"`
	ExecutedAt         time.Time `json:"executed_at" db:"executed_at"`
	NBBOAsk            string    `json:"nbbo_ask,omitempty" db:"nbbo_ask"`
	NBBOBid            string    `json:"nbbo_bid,omitempty" db:"nbbo_bid"`
	MarketCenter       string    `json:"market_center,omitempty" db:"market_center"`
	SaleConditionCodes string    `json:"sale_cond_codes,omitempty" db:"sale_cond_codes"`

	// CollectionTime is set by the pipeline at normalization time, never
	// upstream-supplied. It marks when ingestion happened, distinct from
	// ExecutedAt.
	CollectionTime time.Time `json:"collection_time" db:"collection_time"`
}

// Entity implements Record.
func (t *DarkpoolTrade) Entity() EntityType {
	return EntityDarkpoolTrades
}

// NaturalKey implements Record. Dark-pool trades are keyed by the
// upstream-assigned tracking ID.
func (t *DarkpoolTrade) NaturalKey() string {
	return t.TrackingID
}

// EventTime implements Record.
func (t *DarkpoolTrade) EventTime() time.Time {
	return t.ExecutedAt
}

// Validate performs validation of the trade fields.
// Required fields must be present, timestamps non-zero, and decimal fields
// parseable. NBBO quotes are optional but must parse when present.
func (t *DarkpoolTrade) Validate() error {
	if t.TrackingID == "" {
		return &ValidationError{Field: "tracking_id", Message: "tracking ID is required"}
	}
	if t.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if t.Size <= 0 {
		return &ValidationError{Field: "size", Message: fmt.Sprintf("size must be positive, got %d", t.Size)}
	}
	if t.ExecutedAt.IsZero() {
		return &ValidationError{Field: "executed_at", Message: "executed_at cannot be zero"}
	}
	if t.CollectionTime.IsZero() {
		return &ValidationError{Field: "collection_time", Message: "collection_time must be set by the pipeline"}
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return &ValidationError{Field: "price", Message: fmt.Sprintf("invalid price format: %v", err)}
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "price", Message: "price must be greater than 0"}
	}

	premium, err := decimal.NewFromString(t.Premium)
	if err != nil {
		return &ValidationError{Field: "premium", Message: fmt.Sprintf("invalid premium format: %v", err)}
	}
	if premium.LessThan(decimal.Zero) {
		return &ValidationError{Field: "premium", Message: "premium must be greater than or equal to 0"}
	}

	if t.NBBOAsk != "" {
		if _, err := decimal.NewFromString(t.NBBOAsk); err != nil {
			return &ValidationError{Field: "nbbo_ask", Message: fmt.Sprintf("invalid nbbo_ask format: %v", err)}
		}
	}
	if t.NBBOBid != "" {
		if _, err := decimal.NewFromString(t.NBBOBid); err != nil {
			return &ValidationError{Field: "nbbo_bid", Message: fmt.Sprintf("invalid nbbo_bid format: %v", err)}
		}
	}

	return nil
}

// GetPriceDecimal returns the trade price as a decimal.Decimal.
func (t *DarkpoolTrade) GetPriceDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Price)
}

// GetPremiumDecimal returns the trade premium as a decimal.Decimal.
func (t *DarkpoolTrade) GetPremiumDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Premium)
}

// String returns a human-readable representation of the trade.
func (t *DarkpoolTrade) String() string {
	return fmt.Sprintf("DarkpoolTrade{TrackingID: %s, Symbol: %s, Size: %d, Price: %s, ExecutedAt: %s}",
		t.TrackingID, t.Symbol, t.Size, t.Price, t.ExecutedAt.Format(time.RFC3339))
}
