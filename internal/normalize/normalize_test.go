package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelab/go-feed-collector/internal/models"
)

var collectedAt = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

func TestTradeCanonicalForm(t *testing.T) {
	raw := json.RawMessage(`{
		"tracking_id": "dp-77",
		"ticker": "msft",
		"size": 12000,
		"price": 415.2750,
		"premium": "4983300.00",
		"executed_at": "2026-03-02T15:45:12.345Z",
		"nbbo_ask": "415.28",
		"nbbo_bid": 415.27,
		"market_center": "D",
		"sale_cond_codes": "@ T"
	}`)

	trade, err := Trade(raw, collectedAt)
	require.NoError(t, err)

	assert.Equal(t, "dp-77", trade.TrackingID)
	assert.Equal(t, "MSFT", trade.Symbol)
	assert.Equal(t, int64(12000), trade.Size)
	assert.Equal(t, "415.275", trade.Price)
	assert.Equal(t, "4983300", trade.Premium)
	assert.Equal(t, "415.28", trade.NBBOAsk)
	assert.Equal(t, "415.27", trade.NBBOBid)
	assert.Equal(t, time.Date(2026, 3, 2, 15, 45, 12, 345_000_000, time.UTC), trade.ExecutedAt)
	assert.Equal(t, collectedAt, trade.CollectionTime)
}

func TestTradeSchemaDrift(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"numbers as strings", `{"tracking_id":"a","ticker":"IBM","size":"100","price":"10.5","premium":"1050","executed_at":"2026-03-02T15:00:00Z"}`},
		{"epoch seconds", `{"tracking_id":"a","ticker":"IBM","size":100,"price":10.5,"premium":1050,"executed_at":1772463600}`},
		{"epoch millis", `{"tracking_id":"a","ticker":"IBM","size":100,"price":10.5,"premium":1050,"executed_at":1772463600123}`},
		{"epoch as string", `{"tracking_id":"a","ticker":"IBM","size":100,"price":10.5,"premium":1050,"executed_at":"1772463600"}`},
		{"space separated timestamp", `{"tracking_id":"a","ticker":"IBM","size":100,"price":10.5,"premium":1050,"executed_at":"2026-03-02 15:00:00"}`},
		{"integral float size", `{"tracking_id":"a","ticker":"IBM","size":100.0,"price":10.5,"premium":1050,"executed_at":"2026-03-02T15:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade, err := Trade(json.RawMessage(tt.raw), collectedAt)
			require.NoError(t, err)
			assert.Equal(t, int64(100), trade.Size)
			assert.Equal(t, "10.5", trade.Price)
			assert.False(t, trade.ExecutedAt.IsZero())
		})
	}
}

func TestTradeRejectsBadRecords(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantField string
	}{
		{"not json", `{"tracking_id":`, ""},
		{"missing tracking id", `{"ticker":"IBM","size":100,"price":10.5,"premium":1050,"executed_at":"2026-03-02T15:00:00Z"}`, "tracking_id"},
		{"missing symbol", `{"tracking_id":"a","size":100,"price":10.5,"premium":1050,"executed_at":"2026-03-02T15:00:00Z"}`, "symbol"},
		{"missing timestamp", `{"tracking_id":"a","ticker":"IBM","size":100,"price":10.5,"premium":1050}`, "executed_at"},
		{"garbage timestamp", `{"tracking_id":"a","ticker":"IBM","size":100,"price":10.5,"premium":1050,"executed_at":"yesterday"}`, ""},
		{"fractional size", `{"tracking_id":"a","ticker":"IBM","size":100.5,"price":10.5,"premium":1050,"executed_at":"2026-03-02T15:00:00Z"}`, "size"},
		{"unparseable price", `{"tracking_id":"a","ticker":"IBM","size":100,"price":"ten","premium":1050,"executed_at":"2026-03-02T15:00:00Z"}`, "price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Trade(json.RawMessage(tt.raw), collectedAt)
			require.Error(t, err)

			var nerr *Error
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, models.EntityDarkpoolTrades, nerr.Entity)
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, nerr.Field)
			}
		})
	}
}

func TestHeadlineCanonicalForm(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "n-9",
		"headline": "Fed minutes released",
		"content": "Full text",
		"url": "https://example.com/n-9",
		"published_at": "2026-03-02T14:00:00Z",
		"source": "wire",
		"symbols": [" spy", "SPY", "qqq", ""],
		"sentiment": "Bullish",
		"impact_score": 0.8
	}`)

	h, err := Headline(raw, collectedAt)
	require.NoError(t, err)

	assert.Equal(t, "n-9", h.ItemID)
	assert.Equal(t, []string{"SPY", "QQQ"}, h.Symbols)
	assert.Equal(t, models.SentimentBullish, h.Sentiment)
	assert.Empty(t, h.SentimentScore)
	assert.Equal(t, "0.8", h.ImpactScore)
	assert.Equal(t, collectedAt, h.CollectedAt)
}

func TestHeadlineSentimentDrift(t *testing.T) {
	tests := []struct {
		name      string
		sentiment string
		wantLabel string
		wantScore string
	}{
		{"label bearish", `"bearish"`, models.SentimentBearish, ""},
		{"label negative", `"negative"`, models.SentimentBearish, ""},
		{"label sell", `"sell"`, models.SentimentBearish, ""},
		{"label mixed", `"mixed"`, models.SentimentNeutral, ""},
		{"label positive", `"positive"`, models.SentimentBullish, ""},
		{"score bearish", `-0.62`, models.SentimentBearish, "-0.62"},
		{"score at bearish threshold", `-0.15`, models.SentimentBearish, "-0.15"},
		{"score neutral", `0.05`, models.SentimentNeutral, "0.05"},
		{"score at bullish threshold", `0.15`, models.SentimentBullish, "0.15"},
		{"score bullish", `0.9`, models.SentimentBullish, "0.9"},
		{"quoted score", `"0.4"`, models.SentimentBullish, "0.4"},
		{"absent", `null`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := json.RawMessage(`{"id":"n","headline":"h","published_at":"2026-03-02T14:00:00Z","sentiment":` + tt.sentiment + `}`)
			h, err := Headline(raw, collectedAt)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, h.Sentiment)
			assert.Equal(t, tt.wantScore, h.SentimentScore)
		})
	}
}

func TestHeadlineRejectsUnknownSentimentLabel(t *testing.T) {
	raw := json.RawMessage(`{"id":"n","headline":"h","published_at":"2026-03-02T14:00:00Z","sentiment":"euphoric"}`)
	_, err := Headline(raw, collectedAt)
	require.Error(t, err)

	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "sentiment", nerr.Field)
}

func TestHeadlineRequiredFields(t *testing.T) {
	_, err := Headline(json.RawMessage(`{"id":"n","published_at":"2026-03-02T14:00:00Z"}`), collectedAt)
	require.Error(t, err)

	_, err = Headline(json.RawMessage(`{"id":"n","headline":"h"}`), collectedAt)
	require.Error(t, err)
}

func TestRecordDispatch(t *testing.T) {
	trade, err := Record(models.EntityDarkpoolTrades,
		json.RawMessage(`{"tracking_id":"a","ticker":"IBM","size":100,"price":10.5,"premium":1050,"executed_at":"2026-03-02T15:00:00Z"}`),
		collectedAt)
	require.NoError(t, err)
	assert.Equal(t, models.EntityDarkpoolTrades, trade.Entity())

	headline, err := Record(models.EntityNewsHeadlines,
		json.RawMessage(`{"id":"n","headline":"h","published_at":"2026-03-02T14:00:00Z"}`),
		collectedAt)
	require.NoError(t, err)
	assert.Equal(t, models.EntityNewsHeadlines, headline.Entity())

	_, err = Record(models.EntityType("bonds"), json.RawMessage(`{}`), collectedAt)
	assert.Error(t, err)
}
