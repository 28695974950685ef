package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelab/go-feed-collector/internal/feed"
	"github.com/tapelab/go-feed-collector/internal/models"
	"github.com/tapelab/go-feed-collector/internal/pipeline"
	"github.com/tapelab/go-feed-collector/internal/scheduler"
	"github.com/tapelab/go-feed-collector/internal/storage"
)

type fetchFunc func(ctx context.Context, req feed.PageRequest) (*feed.Page, error)

func (f fetchFunc) FetchPage(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
	return f(ctx, req)
}

func emptyPage(context.Context, feed.PageRequest) (*feed.Page, error) {
	return &feed.Page{}, nil
}

func newTestServer(t *testing.T, fetcher feed.PageFetcher) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	runner := pipeline.NewRunner(fetcher, store, pipeline.RunnerConfig{})
	sched := scheduler.New(runner, scheduler.Config{})
	return New(":0", sched, store, nil, nil), store
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, fetchFunc(emptyPage))

	w := doRequest(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthzDegradedWhenStorageDown(t *testing.T) {
	s, store := newTestServer(t, fetchFunc(emptyPage))
	require.NoError(t, store.Close())

	w := doRequest(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusListsAllEntities(t *testing.T) {
	s, _ := newTestServer(t, fetchFunc(emptyPage))

	w := doRequest(s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entities []scheduler.EntityStatus `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entities, len(models.AllEntityTypes))
}

func TestTriggerIncrementalEndpoint(t *testing.T) {
	s, _ := newTestServer(t, fetchFunc(emptyPage))

	w := doRequest(s, http.MethodPost, "/api/runs/incremental/darkpool_trades", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Run pipeline.RunResult `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.EntityDarkpoolTrades, body.Run.Entity)
	assert.Equal(t, pipeline.ModeIncremental, body.Run.Mode)
}

func TestTriggerIncrementalUnknownEntity(t *testing.T) {
	s, _ := newTestServer(t, fetchFunc(emptyPage))

	w := doRequest(s, http.MethodPost, "/api/runs/incremental/bonds", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBackfillEndpointWithWindow(t *testing.T) {
	s, _ := newTestServer(t, fetchFunc(emptyPage))

	since := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	until := time.Now().UTC().Add(-1 * time.Hour).Format(time.RFC3339)
	body := `{"entity_type":"news_headlines","since":"` + since + `","until":"` + until + `"}`

	w := doRequest(s, http.MethodPost, "/api/runs/backfill", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Run pipeline.RunResult `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ModeBackfill, resp.Run.Mode)
	assert.True(t, resp.Run.Completed)
}

func TestBackfillEndpointWithDuration(t *testing.T) {
	s, _ := newTestServer(t, fetchFunc(emptyPage))

	w := doRequest(s, http.MethodPost, "/api/runs/backfill", `{"entity_type":"darkpool_trades","duration":"24h"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBackfillEndpointRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t, fetchFunc(emptyPage))

	tests := []struct {
		name string
		body string
	}{
		{"missing entity", `{"duration":"24h"}`},
		{"unknown entity", `{"entity_type":"bonds","duration":"24h"}`},
		{"bad duration", `{"entity_type":"darkpool_trades","duration":"yesterday"}`},
		{"no window", `{"entity_type":"darkpool_trades"}`},
		{"inverted window", `{"entity_type":"darkpool_trades","since":"2026-03-02T16:00:00Z","until":"2026-03-02T15:00:00Z"}`},
		{"not json", `duration=24h`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(s, http.MethodPost, "/api/runs/backfill", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestResumeEndpoint(t *testing.T) {
	fatal := fetchFunc(func(ctx context.Context, req feed.PageRequest) (*feed.Page, error) {
		return nil, &feed.FatalError{Operation: "fetch_page", StatusCode: 401, Err: errors.New("bad token")}
	})
	s, _ := newTestServer(t, fatal)

	// Resuming an entity that is not halted conflicts.
	w := doRequest(s, http.MethodPost, "/api/entities/darkpool_trades/resume", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// Halt the entity via a fatal run, reported as an upstream failure.
	w = doRequest(s, http.MethodPost, "/api/runs/incremental/darkpool_trades", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// A halted entity refuses runs until resumed.
	w = doRequest(s, http.MethodPost, "/api/runs/incremental/darkpool_trades", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(s, http.MethodPost, "/api/entities/darkpool_trades/resume", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodPost, "/api/entities/bonds/resume", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
