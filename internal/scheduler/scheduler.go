// Package scheduler drives periodic ingestion runs, one independent loop
// per entity type.
//
// Each entity has at most one run in flight: if a tick fires while the
// previous run is still going, the tick is skipped rather than queued.
// A fatal upstream rejection halts the entity's loop until an operator
// resumes it; the other entity keeps collecting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tapelab/go-feed-collector/internal/feed"
	"github.com/tapelab/go-feed-collector/internal/models"
	"github.com/tapelab/go-feed-collector/internal/pipeline"
)

var (
	// ErrRunInProgress is returned when a run is requested for an entity
	// that already has one in flight.
	ErrRunInProgress = errors.New("run already in progress for entity")

	// ErrEntityHalted is returned when a run is requested for an entity
	// halted by a fatal upstream error. Resume clears the halt.
	ErrEntityHalted = errors.New("entity is halted, resume required")
)

const (
	defaultInterval   = 1 * time.Minute
	defaultRunTimeout = 10 * time.Minute
)

// Config configures the scheduler.
type Config struct {
	// Intervals sets the poll interval per entity type. Entities without an
	// entry use the default.
	Intervals map[models.EntityType]time.Duration

	// RunTimeout bounds a single run. A run that exceeds it is cancelled
	// and treated like any transient failure: the next tick retries from
	// the committed watermark.
	RunTimeout time.Duration

	Logger *slog.Logger
}

// EntityStatus is a point-in-time snapshot of one entity's collection state.
type EntityStatus struct {
	Entity     models.EntityType   `json:"entity"`
	Interval   time.Duration       `json:"interval"`
	Running    bool                `json:"running"`
	Halted     bool                `json:"halted"`
	HaltReason string              `json:"halt_reason,omitempty"`
	LastRunAt  time.Time           `json:"last_run_at"`
	LastError  string              `json:"last_error,omitempty"`
	LastResult *pipeline.RunResult `json:"last_result,omitempty"`
}

type entityState struct {
	mu         sync.Mutex
	running    bool
	halted     bool
	haltReason string
	lastRunAt  time.Time
	lastError  string
	lastResult *pipeline.RunResult
}

// Scheduler owns the per-entity collection loops.
type Scheduler struct {
	runner     *pipeline.Runner
	intervals  map[models.EntityType]time.Duration
	runTimeout time.Duration
	logger     *slog.Logger

	states map[models.EntityType]*entityState

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler over the given runner.
func New(runner *pipeline.Runner, cfg Config) *Scheduler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	intervals := make(map[models.EntityType]time.Duration, len(models.AllEntityTypes))
	states := make(map[models.EntityType]*entityState, len(models.AllEntityTypes))
	for _, entity := range models.AllEntityTypes {
		interval := cfg.Intervals[entity]
		if interval <= 0 {
			interval = defaultInterval
		}
		intervals[entity] = interval
		states[entity] = &entityState{}
	}

	return &Scheduler{
		runner:     runner,
		intervals:  intervals,
		runTimeout: cfg.RunTimeout,
		logger:     cfg.Logger,
		states:     states,
	}
}

// Start launches one collection loop per entity type. Each loop performs an
// immediate run, then ticks at the entity's interval until ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, entity := range models.AllEntityTypes {
		s.wg.Add(1)
		go s.loop(loopCtx, entity)
	}

	s.logger.Info("scheduler started", "entities", len(models.AllEntityTypes))
	return nil
}

// Stop cancels the loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, entity models.EntityType) {
	defer s.wg.Done()

	interval := s.intervals[entity]
	s.logger.Info("collection loop started", "entity", entity, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, entity)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("collection loop stopped", "entity", entity)
			return
		case <-ticker.C:
			s.tick(ctx, entity)
		}
	}
}

// tick runs one incremental cycle, skipping when a run is in flight or the
// entity is halted.
func (s *Scheduler) tick(ctx context.Context, entity models.EntityType) {
	_, err := s.TriggerIncremental(ctx, entity)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		s.logger.Warn("previous run still in progress, skipping cycle", "entity", entity)
	case errors.Is(err, ErrEntityHalted):
		s.logger.Debug("entity halted, skipping cycle", "entity", entity)
	case errors.Is(err, context.Canceled):
	default:
		// Already logged by the runner with full context.
	}
}

// TriggerIncremental runs one incremental cycle for the entity immediately.
// Used by the scheduler's own ticks and by the operator API.
func (s *Scheduler) TriggerIncremental(ctx context.Context, entity models.EntityType) (*pipeline.RunResult, error) {
	return s.execute(ctx, entity, func(runCtx context.Context) (*pipeline.RunResult, error) {
		return s.runner.RunIncremental(runCtx, entity)
	})
}

// TriggerBackfill runs a backfill over [since, until) for the entity. It
// shares the in-flight guard with incremental runs, so a backfill never
// overlaps a periodic cycle for the same entity.
func (s *Scheduler) TriggerBackfill(ctx context.Context, entity models.EntityType, since, until time.Time) (*pipeline.RunResult, error) {
	return s.execute(ctx, entity, func(runCtx context.Context) (*pipeline.RunResult, error) {
		return s.runner.RunBackfill(runCtx, entity, since, until)
	})
}

func (s *Scheduler) execute(ctx context.Context, entity models.EntityType, run func(context.Context) (*pipeline.RunResult, error)) (*pipeline.RunResult, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	state := s.states[entity]

	state.mu.Lock()
	if state.halted {
		state.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntityHalted, state.haltReason)
	}
	if state.running {
		state.mu.Unlock()
		return nil, ErrRunInProgress
	}
	state.running = true
	state.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	result, err := run(runCtx)

	state.mu.Lock()
	defer state.mu.Unlock()
	state.running = false
	state.lastRunAt = time.Now().UTC()
	state.lastResult = result
	if err != nil {
		state.lastError = err.Error()
		if feed.IsFatal(err) {
			state.halted = true
			state.haltReason = err.Error()
			s.logger.Error("entity halted on fatal upstream error",
				"entity", entity,
				"error", err)
		}
	} else {
		state.lastError = ""
	}

	return result, err
}

// Resume clears the halted flag for an entity so collection restarts on the
// next tick. Returns an error if the entity was not halted.
func (s *Scheduler) Resume(entity models.EntityType) error {
	if !entity.Valid() {
		return fmt.Errorf("unknown entity type %q", entity)
	}
	state := s.states[entity]

	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.halted {
		return fmt.Errorf("entity %s is not halted", entity)
	}
	state.halted = false
	state.haltReason = ""
	s.logger.Info("entity resumed", "entity", entity)
	return nil
}

// Status returns a snapshot of every entity's collection state.
func (s *Scheduler) Status() []EntityStatus {
	statuses := make([]EntityStatus, 0, len(models.AllEntityTypes))
	for _, entity := range models.AllEntityTypes {
		state := s.states[entity]
		state.mu.Lock()
		statuses = append(statuses, EntityStatus{
			Entity:     entity,
			Interval:   s.intervals[entity],
			Running:    state.running,
			Halted:     state.halted,
			HaltReason: state.haltReason,
			LastRunAt:  state.lastRunAt,
			LastError:  state.lastError,
			LastResult: state.lastResult,
		})
		state.mu.Unlock()
	}
	return statuses
}
