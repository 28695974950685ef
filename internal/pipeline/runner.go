// Package pipeline implements the per-entity ingestion run: fetch pages
// from the upstream feed, normalize raw records, apply them to storage,
// and advance the watermark.
//
// A run is the unit of failure isolation. Record-level problems are skipped
// and counted; page-level problems abort the run with the page rolled back;
// the watermark only ever reflects durably committed data, so an aborted
// run is always safe to retry from the stored watermark.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tapelab/go-feed-collector/internal/feed"
	"github.com/tapelab/go-feed-collector/internal/models"
	"github.com/tapelab/go-feed-collector/internal/normalize"
	"github.com/tapelab/go-feed-collector/internal/storage"
)

// Mode identifies how a run's time window was chosen.
type Mode string

const (
	// ModeIncremental resumes from the stored watermark.
	ModeIncremental Mode = "incremental"

	// ModeBackfill covers an operator-specified historical window without
	// disturbing the incremental watermark.
	ModeBackfill Mode = "backfill"
)

// Defaults applied when RunnerConfig leaves fields zero.
const (
	defaultLookback = 15 * time.Minute
	defaultPageSize = 500
	defaultMaxPages = 50
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Lookback bounds the first incremental window when no watermark
	// exists yet.
	Lookback time.Duration

	// PageSize is the per-page record limit requested upstream.
	PageSize int

	// MaxPages caps pages per run so one run cannot monopolize a cycle.
	// Remaining data is picked up by the next run from the committed
	// watermark.
	MaxPages int

	Logger *slog.Logger

	// Now allows tests to inject a clock. Defaults to time.Now.
	Now func() time.Time
}

// RunResult summarizes one completed or aborted run.
type RunResult struct {
	RunID       uuid.UUID            `json:"run_id"`
	Entity      models.EntityType    `json:"entity"`
	Mode        Mode                 `json:"mode"`
	WindowSince time.Time            `json:"window_since"`
	WindowUntil time.Time            `json:"window_until"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
	Pages       int                  `json:"pages"`
	Fetched     int                  `json:"fetched"`
	Skipped     int                  `json:"skipped_records"`
	Upserts     storage.UpsertResult `json:"upserts"`
	Watermark   time.Time            `json:"watermark"`
	Completed   bool                 `json:"completed"`
	Err         string               `json:"error,omitempty"`
}

// Runner executes ingestion runs for any entity type.
type Runner struct {
	fetcher  feed.PageFetcher
	store    storage.Store
	lookback time.Duration
	pageSize int
	maxPages int
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner over the given fetcher and store.
func NewRunner(fetcher feed.PageFetcher, store storage.Store, cfg RunnerConfig) *Runner {
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Runner{
		fetcher:  fetcher,
		store:    store,
		lookback: cfg.Lookback,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxPages,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// RunIncremental executes one incremental run: the window starts at the
// stored watermark (or now minus the lookback when none exists) and ends at
// the current time. The watermark advances page by page as data commits.
func (r *Runner) RunIncremental(ctx context.Context, entity models.EntityType) (*RunResult, error) {
	until := r.now().UTC()

	since, err := r.store.Watermark(ctx, entity)
	if err != nil {
		result := r.newResult(entity, ModeIncremental, time.Time{}, until)
		return r.finish(result, fmt.Errorf("failed to load watermark: %w", err))
	}
	if since.IsZero() {
		since = until.Add(-r.lookback)
	}

	result := r.newResult(entity, ModeIncremental, since, until)

	if !since.Before(until) {
		// Nothing new can exist yet. Not an error.
		result.Completed = true
		return r.finish(result, nil)
	}

	return r.run(ctx, result, true)
}

// RunBackfill executes one run over an operator-specified window. The
// incremental watermark is left untouched unless the backfill completes the
// whole window and its end is newer than the stored watermark.
func (r *Runner) RunBackfill(ctx context.Context, entity models.EntityType, since, until time.Time) (*RunResult, error) {
	since, until = since.UTC(), until.UTC()
	result := r.newResult(entity, ModeBackfill, since, until)

	if !entity.Valid() {
		return r.finish(result, &feed.FatalError{Operation: "backfill", Err: fmt.Errorf("invalid entity type %q", entity)})
	}
	if !since.Before(until) {
		return r.finish(result, &feed.FatalError{Operation: "backfill", Err: fmt.Errorf("since (%s) must be before until (%s)", since, until)})
	}

	return r.run(ctx, result, false)
}

// run drives the fetch/normalize/upsert loop over the result's window.
// advanceWatermark selects incremental semantics (commit per page) versus
// backfill semantics (commit only on full completion, and only forward).
func (r *Runner) run(ctx context.Context, result *RunResult, advanceWatermark bool) (*RunResult, error) {
	entity := result.Entity
	cursor := ""

	r.logger.Info("run started",
		"run_id", result.RunID,
		"entity", entity,
		"mode", result.Mode,
		"since", result.WindowSince,
		"until", result.WindowUntil)

	for {
		if err := ctx.Err(); err != nil {
			return r.finish(result, &feed.TransientError{Operation: "run", Err: err})
		}

		if result.Pages >= r.maxPages {
			// Page cap reached. The committed watermark covers everything
			// stored so far, so the next run resumes without a gap.
			r.logger.Warn("page limit reached, ending run early",
				"run_id", result.RunID,
				"entity", entity,
				"pages", result.Pages)
			return r.finish(result, nil)
		}

		page, err := r.fetcher.FetchPage(ctx, feed.PageRequest{
			Entity: entity,
			Since:  result.WindowSince,
			Until:  result.WindowUntil,
			Cursor: cursor,
			Limit:  r.pageSize,
		})
		if err != nil {
			return r.finish(result, err)
		}

		result.Pages++
		result.Fetched += len(page.Records)

		records, skipped := r.normalizePage(entity, page, result.RunID)
		result.Skipped += skipped

		if len(records) > 0 {
			upserts, err := r.store.UpsertBatch(ctx, records)
			if err != nil {
				return r.finish(result, err)
			}
			result.Upserts.Merge(*upserts)

			if advanceWatermark {
				mark := latestEventTime(records)
				if err := r.commitWatermark(ctx, result, mark); err != nil {
					return r.finish(result, err)
				}
			}
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	// Window fully consumed: everything up to the window end is durable.
	result.Completed = true
	if advanceWatermark {
		if err := r.commitWatermark(ctx, result, result.WindowUntil); err != nil {
			return r.finish(result, err)
		}
	} else {
		stored, err := r.store.Watermark(ctx, entity)
		if err != nil {
			return r.finish(result, fmt.Errorf("failed to load watermark: %w", err))
		}
		if result.WindowUntil.After(stored) {
			if err := r.commitWatermark(ctx, result, result.WindowUntil); err != nil {
				return r.finish(result, err)
			}
		}
	}

	return r.finish(result, nil)
}

// normalizePage converts raw records, dropping and counting the ones that
// fail normalization. A bad record never aborts the page.
func (r *Runner) normalizePage(entity models.EntityType, page *feed.Page, runID uuid.UUID) ([]models.Record, int) {
	records := make([]models.Record, 0, len(page.Records))
	collectedAt := r.now().UTC()
	skipped := 0

	for _, raw := range page.Records {
		record, err := normalize.Record(entity, raw, collectedAt)
		if err != nil {
			skipped++
			var nerr *normalize.Error
			if errors.As(err, &nerr) {
				r.logger.Warn("skipping malformed record",
					"run_id", runID,
					"entity", entity,
					"field", nerr.Field,
					"error", nerr.Err,
					"raw", string(truncateRaw(nerr.Raw, 300)))
			} else {
				r.logger.Warn("skipping malformed record",
					"run_id", runID,
					"entity", entity,
					"error", err)
			}
			continue
		}
		records = append(records, record)
	}

	return records, skipped
}

func (r *Runner) commitWatermark(ctx context.Context, result *RunResult, mark time.Time) error {
	if mark.IsZero() {
		return nil
	}
	if err := r.store.CommitWatermark(ctx, result.Entity, mark); err != nil {
		return fmt.Errorf("failed to commit watermark: %w", err)
	}
	if mark.After(result.Watermark) {
		result.Watermark = mark
	}
	return nil
}

func (r *Runner) newResult(entity models.EntityType, mode Mode, since, until time.Time) *RunResult {
	return &RunResult{
		RunID:       uuid.New(),
		Entity:      entity,
		Mode:        mode,
		WindowSince: since,
		WindowUntil: until,
		StartedAt:   r.now().UTC(),
	}
}

// finish stamps the duration, records the error, and logs the outcome.
// The partially filled result is returned even on error so callers can
// report what did commit.
func (r *Runner) finish(result *RunResult, err error) (*RunResult, error) {
	result.Duration = r.now().UTC().Sub(result.StartedAt)

	if err != nil {
		result.Err = err.Error()
		r.logger.Error("run failed",
			"run_id", result.RunID,
			"entity", result.Entity,
			"mode", result.Mode,
			"pages", result.Pages,
			"fetched", result.Fetched,
			"inserted", result.Upserts.Inserted,
			"duration", result.Duration,
			"error", err)
		return result, err
	}

	r.logger.Info("run finished",
		"run_id", result.RunID,
		"entity", result.Entity,
		"mode", result.Mode,
		"completed", result.Completed,
		"pages", result.Pages,
		"fetched", result.Fetched,
		"inserted", result.Upserts.Inserted,
		"updated", result.Upserts.Updated,
		"skipped_dupes", result.Upserts.Skipped,
		"skipped_records", result.Skipped,
		"watermark", result.Watermark,
		"duration", result.Duration)
	return result, nil
}

// latestEventTime returns the newest event time in the batch.
func latestEventTime(records []models.Record) time.Time {
	var latest time.Time
	for _, rec := range records {
		if t := rec.EventTime(); t.After(latest) {
			latest = t
		}
	}
	return latest
}

func truncateRaw(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
