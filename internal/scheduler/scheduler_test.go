package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelab/go-feed-collector/internal/feed"
	"github.com/tapelab/go-feed-collector/internal/models"
	"github.com/tapelab/go-feed-collector/internal/pipeline"
	"github.com/tapelab/go-feed-collector/internal/storage"
)

// fetchFunc adapts a function to feed.PageFetcher.
type fetchFunc func(ctx context.Context, req feed.PageRequest) (*feed.Page, error)

func (f fetchFunc) FetchPage(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
	return f(ctx, req)
}

func emptyPage(context.Context, feed.PageRequest) (*feed.Page, error) {
	return &feed.Page{}, nil
}

func newScheduler(fetcher feed.PageFetcher, cfg Config) *Scheduler {
	runner := pipeline.NewRunner(fetcher, storage.NewMemoryStore(), pipeline.RunnerConfig{
		Lookback: 15 * time.Minute,
	})
	return New(runner, cfg)
}

func TestTriggerIncrementalRunsOnce(t *testing.T) {
	s := newScheduler(fetchFunc(emptyPage), Config{})

	result, err := s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, pipeline.ModeIncremental, result.Mode)
}

func TestTriggerRejectsUnknownEntity(t *testing.T) {
	s := newScheduler(fetchFunc(emptyPage), Config{})

	_, err := s.TriggerIncremental(context.Background(), models.EntityType("bonds"))
	assert.Error(t, err)
}

func TestInFlightRunIsNotQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	blocking := fetchFunc(func(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return &feed.Page{}, nil
		case <-ctx.Done():
			return nil, &feed.TransientError{Operation: "fetch_page", Err: ctx.Err()}
		}
	})

	s := newScheduler(blocking, Config{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
		assert.NoError(t, err)
	}()

	<-started
	_, err := s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	wg.Wait()

	// The guard clears once the run finishes.
	_, err = s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	assert.NoError(t, err)
}

func TestFatalErrorHaltsEntityUntilResume(t *testing.T) {
	var mu sync.Mutex
	failing := true

	fetcher := fetchFunc(func(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, &feed.FatalError{Operation: "fetch_page", StatusCode: 401, Err: errors.New("bad token")}
		}
		return &feed.Page{}, nil
	})

	s := newScheduler(fetcher, Config{})

	_, err := s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	require.Error(t, err)
	assert.True(t, feed.IsFatal(err))

	// Halted: further runs are refused without touching the upstream.
	_, err = s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	assert.ErrorIs(t, err, ErrEntityHalted)

	_, err = s.TriggerBackfill(context.Background(), models.EntityDarkpoolTrades,
		time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, ErrEntityHalted)

	mu.Lock()
	failing = false
	mu.Unlock()

	require.NoError(t, s.Resume(models.EntityDarkpoolTrades))
	assert.Error(t, s.Resume(models.EntityDarkpoolTrades)) // not halted anymore

	_, err = s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	assert.NoError(t, err)
}

func TestHaltIsIsolatedPerEntity(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
		if req.Entity == models.EntityDarkpoolTrades {
			return nil, &feed.FatalError{Operation: "fetch_page", StatusCode: 403, Err: errors.New("contract expired")}
		}
		return &feed.Page{Records: []json.RawMessage{
			json.RawMessage(`{"id":"n-1","headline":"h","published_at":"2026-03-02T14:00:00Z"}`),
		}}, nil
	})

	s := newScheduler(fetcher, Config{})

	_, err := s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	require.Error(t, err)

	// The news stream keeps collecting.
	result, err := s.TriggerIncremental(context.Background(), models.EntityNewsHeadlines)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Upserts.Inserted)

	statuses := s.Status()
	byEntity := make(map[models.EntityType]EntityStatus, len(statuses))
	for _, st := range statuses {
		byEntity[st.Entity] = st
	}
	assert.True(t, byEntity[models.EntityDarkpoolTrades].Halted)
	assert.False(t, byEntity[models.EntityNewsHeadlines].Halted)
	assert.Empty(t, byEntity[models.EntityNewsHeadlines].LastError)
}

func TestTransientErrorDoesNotHalt(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
		return nil, &feed.TransientError{Operation: "fetch_page", Err: errors.New("upstream 503")}
	})

	s := newScheduler(fetcher, Config{})

	_, err := s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	require.Error(t, err)

	// Next trigger is allowed: transient failures retry on the next cycle.
	_, err = s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEntityHalted))
}

func TestRunTimeoutIsTransient(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
		<-ctx.Done()
		return nil, &feed.TransientError{Operation: "fetch_page", Err: ctx.Err()}
	})

	s := newScheduler(fetcher, Config{RunTimeout: 20 * time.Millisecond})

	_, err := s.TriggerIncremental(context.Background(), models.EntityDarkpoolTrades)
	require.Error(t, err)
	assert.True(t, feed.IsTransient(err))

	statuses := s.Status()
	for _, st := range statuses {
		assert.False(t, st.Halted)
	}
}

func TestStartStop(t *testing.T) {
	var mu sync.Mutex
	entities := make(map[models.EntityType]int)

	fetcher := fetchFunc(func(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
		mu.Lock()
		entities[req.Entity]++
		mu.Unlock()
		return &feed.Page{}, nil
	})

	s := newScheduler(fetcher, Config{
		Intervals: map[models.EntityType]time.Duration{
			models.EntityDarkpoolTrades: time.Hour,
			models.EntityNewsHeadlines:  time.Hour,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx)) // double start

	// Each loop runs immediately on start; wait for both first runs.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return entities[models.EntityDarkpoolTrades] >= 1 && entities[models.EntityNewsHeadlines] >= 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent
}
