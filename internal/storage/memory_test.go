package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelab/go-feed-collector/internal/models"
)

func newTrade(trackingID string, executedAt time.Time) *models.DarkpoolTrade {
	return &models.DarkpoolTrade{
		TrackingID:     trackingID,
		Symbol:         "AAPL",
		Size:           1000,
		Price:          "189.45",
		Premium:        "189450",
		ExecutedAt:     executedAt,
		CollectionTime: executedAt.Add(time.Minute),
	}
}

func newHeadline(itemID, sentiment string, publishedAt time.Time) *models.NewsHeadline {
	return &models.NewsHeadline{
		ItemID:      itemID,
		Headline:    "headline " + itemID,
		PublishedAt: publishedAt,
		Source:      "wire",
		Sentiment:   sentiment,
		CollectedAt: publishedAt.Add(time.Minute),
	}
}

func TestUpsertBatchTradeDuplicatesSkipped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	result, err := store.UpsertBatch(ctx, []models.Record{
		newTrade("dp-1", at),
		newTrade("dp-2", at.Add(time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)

	// Re-ingesting the same page is a no-op.
	result, err = store.UpsertBatch(ctx, []models.Record{
		newTrade("dp-1", at),
		newTrade("dp-2", at.Add(time.Second)),
		newTrade("dp-3", at.Add(2*time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 3, store.TradeCount())
}

func TestUpsertBatchHeadlineConflictUpdatesMutableFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	first := newHeadline("n-1", "", at)
	_, err := store.UpsertBatch(ctx, []models.Record{first})
	require.NoError(t, err)

	// Same item arrives again, now enriched with sentiment and content.
	enriched := newHeadline("n-1", models.SentimentBullish, at)
	enriched.Content = "full story"
	enriched.SentimentScore = "0.7"
	enriched.ImpactScore = "0.9"

	result, err := store.UpsertBatch(ctx, []models.Record{enriched})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Inserted)

	stored := store.Headline("n-1")
	require.NotNil(t, stored)
	assert.Equal(t, models.SentimentBullish, stored.Sentiment)
	assert.Equal(t, "0.7", stored.SentimentScore)
	assert.Equal(t, "0.9", stored.ImpactScore)
	assert.Equal(t, "full story", stored.Content)
	assert.Equal(t, 1, store.HeadlineCount())
}

func TestUpsertBatchIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	invalid := newTrade("dp-bad", at)
	invalid.Price = "not-a-price"

	_, err := store.UpsertBatch(ctx, []models.Record{
		newTrade("dp-1", at),
		invalid,
	})
	require.Error(t, err)

	var serr *StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "upsert", serr.Operation)

	// The valid record in the failed batch must not have been applied.
	assert.Equal(t, 0, store.TradeCount())
}

func TestUpsertBatchMixedEntities(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	result, err := store.UpsertBatch(ctx, []models.Record{
		newTrade("dp-1", at),
		newHeadline("n-1", models.SentimentNeutral, at),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, store.TradeCount())
	assert.Equal(t, 1, store.HeadlineCount())
}

func TestWatermarkNeverMovesBackward(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	mark, err := store.Watermark(ctx, models.EntityDarkpoolTrades)
	require.NoError(t, err)
	assert.True(t, mark.IsZero())

	t1 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, store.CommitWatermark(ctx, models.EntityDarkpoolTrades, t2))
	require.NoError(t, store.CommitWatermark(ctx, models.EntityDarkpoolTrades, t1))

	mark, err = store.Watermark(ctx, models.EntityDarkpoolTrades)
	require.NoError(t, err)
	assert.Equal(t, t2, mark)
}

func TestWatermarksArePerEntity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t1 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	require.NoError(t, store.CommitWatermark(ctx, models.EntityDarkpoolTrades, t1))

	mark, err := store.Watermark(ctx, models.EntityNewsHeadlines)
	require.NoError(t, err)
	assert.True(t, mark.IsZero())
}

func TestClosedStoreRejectsWork(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	assert.Error(t, store.HealthCheck(context.Background()))

	_, err := store.UpsertBatch(context.Background(), []models.Record{
		newTrade("dp-1", time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)),
	})
	assert.Error(t, err)
}

func TestTableForEntity(t *testing.T) {
	table, err := TableForEntity(models.EntityDarkpoolTrades)
	require.NoError(t, err)
	assert.Equal(t, TableDarkpoolTrades, table)

	table, err = TableForEntity(models.EntityNewsHeadlines)
	require.NoError(t, err)
	assert.Equal(t, TableNewsHeadlines, table)

	_, err = TableForEntity(models.EntityType("bonds"))
	assert.Error(t, err)
}
