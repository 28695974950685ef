// DuckDB-backed Store implementation for embedded and local use. DuckDB
// favors a single writer, so the connection pool is pinned to one
// connection and a mutex serializes batch application.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/tapelab/go-feed-collector/internal/models"
)

const createDuckDBSchema = `
CREATE TABLE IF NOT EXISTS darkpool_trades (
    tracking_id     VARCHAR PRIMARY KEY,
    symbol          VARCHAR NOT NULL,
    size            BIGINT NOT NULL,
    price           DECIMAL(18,6) NOT NULL,
    premium         DECIMAL(18,6) NOT NULL,
    executed_at     TIMESTAMPTZ NOT NULL,
    nbbo_ask        DECIMAL(18,6),
    nbbo_bid        DECIMAL(18,6),
    market_center   VARCHAR,
    sale_cond_codes VARCHAR,
    collection_time TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS news_headlines (
    item_key        VARCHAR PRIMARY KEY,
    item_id         VARCHAR,
    headline        VARCHAR NOT NULL,
    content         VARCHAR,
    url             VARCHAR,
    published_at    TIMESTAMPTZ NOT NULL,
    source          VARCHAR,
    symbols         VARCHAR,
    sentiment       VARCHAR,
    sentiment_score DECIMAL(8,4),
    impact_score    DECIMAL(8,4),
    collected_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_watermarks (
    entity     VARCHAR PRIMARY KEY,
    watermark  TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_darkpool_trades_executed ON darkpool_trades (symbol, executed_at);
CREATE INDEX IF NOT EXISTS idx_news_headlines_published ON news_headlines (published_at);
`

// DuckDBStore implements Store on an embedded DuckDB database.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewDuckDBStore opens a DuckDB database. dbPath may be ":memory:" or a
// file path for persistent storage.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStoreError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single-writer pattern recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize implements Manager.
func (s *DuckDBStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, createDuckDBSchema); err != nil {
		return NewStoreError("initialize", "", err)
	}
	s.logger.Info("duckdb storage initialized", "db_path", s.dbPath)
	return nil
}

// Close implements Manager.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

// HealthCheck implements Manager.
func (s *DuckDBStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("health_check", "", err)
	}
	return nil
}

// UpsertBatch implements BatchUpserter.
func (s *DuckDBStore) UpsertBatch(ctx context.Context, records []models.Record) (*UpsertResult, error) {
	result := &UpsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewStoreError("upsert", "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

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

	if err := tx.Commit(); err != nil {
		return nil, NewStoreError("upsert", "", fmt.Errorf("failed to commit batch: %w", err))
	}

	return result, nil
}

func (s *DuckDBStore) upsertTrade(ctx context.Context, tx *sql.Tx, t *models.DarkpoolTrade, result *UpsertResult) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM darkpool_trades WHERE tracking_id = ?)`,
		t.TrackingID,
	).Scan(&exists)
	if err != nil {
		return NewStoreError("upsert", TableDarkpoolTrades, err)
	}
	if exists {
		result.Skipped++
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO darkpool_trades
		    (tracking_id, symbol, size, price, premium, executed_at, nbbo_ask, nbbo_bid, market_center, sale_cond_codes, collection_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	result.Inserted++
	return nil
}

func (s *DuckDBStore) upsertHeadline(ctx context.Context, tx *sql.Tx, h *models.NewsHeadline, result *UpsertResult) error {
	key := h.NaturalKey()

	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM news_headlines WHERE item_key = ?)`,
		key,
	).Scan(&exists)
	if err != nil {
		return NewStoreError("upsert", TableNewsHeadlines, err)
	}

	if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE news_headlines
			SET content = ?, sentiment = ?, sentiment_score = ?, impact_score = ?
			WHERE item_key = ?`,
			nullIfEmpty(h.Content),
			nullIfEmpty(h.Sentiment),
			nullIfEmpty(h.SentimentScore),
			nullIfEmpty(h.ImpactScore),
			key,
		)
		if err != nil {
			return NewStoreError("upsert", TableNewsHeadlines, err)
		}
		result.Updated++
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO news_headlines
		    (item_key, item_id, headline, content, url, published_at, source, symbols, sentiment, sentiment_score, impact_score, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key,
		nullIfEmpty(h.ItemID),
		h.Headline,
		nullIfEmpty(h.Content),
		nullIfEmpty(h.URL),
		h.PublishedAt,
		nullIfEmpty(h.Source),
		nullIfEmpty(strings.Join(h.Symbols, ",")),
		nullIfEmpty(h.Sentiment),
		nullIfEmpty(h.SentimentScore),
		nullIfEmpty(h.ImpactScore),
		h.CollectedAt,
	)
	if err != nil {
		return NewStoreError("upsert", TableNewsHeadlines, err)
	}
	result.Inserted++
	return nil
}

// Watermark implements WatermarkStore.
func (s *DuckDBStore) Watermark(ctx context.Context, entity models.EntityType) (time.Time, error) {
	var mark time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark FROM ingest_watermarks WHERE entity = ?`,
		entity.String(),
	).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, NewStoreError("watermark", TableWatermarks, err)
	}
	return mark.UTC(), nil
}

// CommitWatermark implements WatermarkStore. Backward commits are no-ops.
func (s *DuckDBStore) CommitWatermark(ctx context.Context, entity models.EntityType, mark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_watermarks (entity, watermark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (entity) DO UPDATE SET
		    watermark  = excluded.watermark,
		    updated_at = excluded.updated_at
		WHERE excluded.watermark > ingest_watermarks.watermark`,
		entity.String(), mark, time.Now().UTC(),
	)
	if err != nil {
		return NewStoreError("watermark", TableWatermarks, err)
	}
	return nil
}
