// Postgres-backed Store implementation on jackc/pgx. This is the production
// backend: a single pgxpool owned by the store, acquired per batch and
// released on every exit path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tapelab/go-feed-collector/internal/models"
)

const createPostgresSchema = `
CREATE TABLE IF NOT EXISTS darkpool_trades (
    tracking_id     TEXT        PRIMARY KEY,
    symbol          TEXT        NOT NULL,
    size            BIGINT      NOT NULL,
    price           NUMERIC     NOT NULL,
    premium         NUMERIC     NOT NULL,
    executed_at     TIMESTAMPTZ NOT NULL,
    nbbo_ask        NUMERIC,
    nbbo_bid        NUMERIC,
    market_center   TEXT,
    sale_cond_codes TEXT,
    collection_time TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_darkpool_trades_symbol_executed
    ON darkpool_trades (symbol, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_darkpool_trades_executed
    ON darkpool_trades (executed_at);

CREATE TABLE IF NOT EXISTS news_headlines (
    item_key        TEXT        PRIMARY KEY,
    item_id         TEXT,
    headline        TEXT        NOT NULL,
    content         TEXT,
    url             TEXT,
    published_at    TIMESTAMPTZ NOT NULL,
    source          TEXT,
    symbols         TEXT[],
    sentiment       TEXT,
    sentiment_score NUMERIC,
    impact_score    NUMERIC,
    collected_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_news_headlines_published
    ON news_headlines (published_at DESC);
CREATE INDEX IF NOT EXISTS idx_news_headlines_source_published
    ON news_headlines (source, published_at DESC);

CREATE TABLE IF NOT EXISTS ingest_watermarks (
    entity     TEXT        PRIMARY KEY,
    watermark  TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const upsertTradeSQL = `
INSERT INTO darkpool_trades
    (tracking_id, symbol, size, price, premium, executed_at, nbbo_ask, nbbo_bid, market_center, sale_cond_codes, collection_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (tracking_id) DO NOTHING`

const upsertHeadlineSQL = `
INSERT INTO news_headlines
    (item_key, item_id, headline, content, url, published_at, source, symbols, sentiment, sentiment_score, impact_score, collected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (item_key) DO UPDATE SET
    content         = EXCLUDED.content,
    sentiment       = EXCLUDED.sentiment,
    sentiment_score = EXCLUDED.sentiment_score,
    impact_score    = EXCLUDED.impact_score
RETURNING (xmax = 0) AS inserted`

const commitWatermarkSQL = `
INSERT INTO ingest_watermarks (entity, watermark, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (entity) DO UPDATE SET
    watermark  = EXCLUDED.watermark,
    updated_at = now()
WHERE ingest_watermarks.watermark < EXCLUDED.watermark`

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore opens a connection pool against the given database URL.
// The schema is not created until Initialize is called.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, NewStoreError("open", "", fmt.Errorf("failed to create connection pool: %w", err))
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Initialize implements Manager. Creates tables and indexes idempotently.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createPostgresSchema); err != nil {
		return NewStoreError("initialize", "", err)
	}
	s.logger.Info("postgres storage initialized")
	return nil
}

// Close implements Manager.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// HealthCheck implements Manager.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return NewStoreError("health_check", "", err)
	}
	return nil
}

// UpsertBatch implements BatchUpserter. All records are applied inside one
// transaction; any failure rolls back the whole page.
func (s *PostgresStore) UpsertBatch(ctx context.Context, records []models.Record) (*UpsertResult, error) {
	result := &UpsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, NewStoreError("upsert", "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) // no-op after commit

	for i, record := range records {
		if err := record.Validate(); err != nil {
			table, _ := TableForEntity(record.Entity())
			return nil, NewStoreError("upsert", table, fmt.Errorf("invalid record at index %d: %w", i, err))
		}

		switch r := record.(type) {
		case *models.DarkpoolTrade:
			if err := s.upsertTrade(ctx, tx, r, result); err != nil {
				return nil, err
			}
		case *models.NewsHeadline:
			if err := s.upsertHeadline(ctx, tx, r, result); err != nil {
				return nil, err
			}
		default:
			return nil, NewStoreError("upsert", "", fmt.Errorf("unsupported record type %T", record))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, NewStoreError("upsert", "", fmt.Errorf("failed to commit batch: %w", err))
	}

	s.logger.Debug("upserted batch",
		"records", len(records),
		"inserted", result.Inserted,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"duration", time.Since(start))

	return result, nil
}

func (s *PostgresStore) upsertTrade(ctx context.Context, tx pgx.Tx, t *models.DarkpoolTrade, result *UpsertResult) error {
	tag, err := tx.Exec(ctx, upsertTradeSQL,
		t.TrackingID,
		t.Symbol,
		t.Size,
		t.Price,
		t.Premium,
		t.ExecutedAt,
		nullIfEmpty(t.NBBOAsk),
		nullIfEmpty(t.NBBOBid),
		nullIfEmpty(t.MarketCenter),
		nullIfEmpty(t.SaleConditionCodes),
		t.CollectionTime,
	)
	if err != nil {
		return NewStoreError("upsert", TableDarkpoolTrades, err)
	}

	// Trade facts are immutable; a conflict is always a pure duplicate.
	if tag.RowsAffected() == 1 {
		result.Inserted++
	} else {
		result.Skipped++
	}
	return nil
}

func (s *PostgresStore) upsertHeadline(ctx context.Context, tx pgx.Tx, h *models.NewsHeadline, result *UpsertResult) error {
	var symbols any
	if len(h.Symbols) > 0 {
		symbols = h.Symbols
	}

	var inserted bool
	err := tx.QueryRow(ctx, upsertHeadlineSQL,
		h.NaturalKey(),
		nullIfEmpty(h.ItemID),
		h.Headline,
		nullIfEmpty(h.Content),
		nullIfEmpty(h.URL),
		h.PublishedAt,
		nullIfEmpty(h.Source),
		symbols,
		nullIfEmpty(h.Sentiment),
		nullIfEmpty(h.SentimentScore),
		nullIfEmpty(h.ImpactScore),
		h.CollectedAt,
	).Scan(&inserted)
	if err != nil {
		return NewStoreError("upsert", TableNewsHeadlines, err)
	}

	if inserted {
		result.Inserted++
	} else {
		result.Updated++
	}
	return nil
}

// Watermark implements WatermarkStore.
func (s *PostgresStore) Watermark(ctx context.Context, entity models.EntityType) (time.Time, error) {
	var mark time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT watermark FROM ingest_watermarks WHERE entity = $1`,
		entity.String(),
	).Scan(&mark)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, NewStoreError("watermark", TableWatermarks, err)
	}
	return mark, nil
}

// CommitWatermark implements WatermarkStore. Backward commits are no-ops.
func (s *PostgresStore) CommitWatermark(ctx context.Context, entity models.EntityType, mark time.Time) error {
	if _, err := s.pool.Exec(ctx, commitWatermarkSQL, entity.String(), mark); err != nil {
		return NewStoreError("watermark", TableWatermarks, err)
	}
	return nil
}

// nullIfEmpty maps empty strings to SQL NULL for nullable columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
