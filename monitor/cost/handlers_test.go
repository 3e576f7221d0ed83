// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	aggregator := newTestAggregator(store, BudgetPolicy{PerAnalysisCapUSD: 1, PerUserDailyCapUSD: 10})
	h := NewHandler(aggregator, NewPricingRegistry(), nil, log.New(io.Discard, "", 0))
	return h, store
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func authedRequest(method, target, owner string, admin bool) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := WithOwner(req.Context(), owner)
	if admin {
		ctx = WithAdmin(ctx)
	}
	return req.WithContext(ctx)
}

func TestSummaryEndpointRequiresAuth(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/monitoring/ai-costs/summary", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestSummaryEndpoint(t *testing.T) {
	h, store := newTestHandler(t)
	now := fixedNow()
	seedEntry(store, "alice", "track-1", "hook_detection", "anthropic", "claude-sonnet-4", 0.10, 1000, 500, now.Add(-time.Hour))
	seedEntry(store, "alice", "track-2", "genre_tagging", "openai", "gpt-4o-mini", 0.05, 800, 200, now.Add(-2*time.Hour))

	rec := serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/summary?days=7", "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var sum Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 0.15, sum.TotalUSD)
	assert.Equal(t, 0.10, sum.ByFeature["hook_detection"])
	assert.Equal(t, 0.05, sum.ByModel["gpt-4o-mini"])
}

func TestOwnerOverrideRequiresAdmin(t *testing.T) {
	h, store := newTestHandler(t)
	seedEntry(store, "bob", "track-b", "hook_detection", "test", "model-a", 0.30, 1, 1, fixedNow().Add(-time.Hour))

	// A regular user cannot read someone else's spend.
	rec := serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/summary?owner=bob", "alice", false))
	require.Equal(t, http.StatusForbidden, rec.Code)

	// An admin can.
	rec = serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/summary?owner=bob", "alice", true))
	require.Equal(t, http.StatusOK, rec.Code)

	var sum Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 0.30, sum.TotalUSD)
}

func TestDailyEndpointZeroFills(t *testing.T) {
	h, store := newTestHandler(t)
	seedEntry(store, "alice", "track-1", "hook_detection", "test", "model-a", 0.10, 1, 1, fixedNow().Add(-time.Hour))

	rec := serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/daily?days=3", "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var points []DailyPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 3)
	assert.Equal(t, 0.10, points[2].USD)
	assert.Zero(t, points[0].USD)
}

func TestTracksEndpoint(t *testing.T) {
	h, store := newTestHandler(t)
	now := fixedNow()
	seedEntry(store, "alice", "track-big", "hook_detection", "test", "model-a", 0.50, 1, 1, now.Add(-time.Hour))
	seedEntry(store, "alice", "track-small", "hook_detection", "test", "model-a", 0.10, 1, 1, now.Add(-time.Hour))

	rec := serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/tracks?limit=1", "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var tracks []TrackCost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tracks))
	require.Len(t, tracks, 1)
	assert.Equal(t, "track-big", tracks[0].AnalysisID)
}

func TestBudgetStatusEndpoint(t *testing.T) {
	h, store := newTestHandler(t)
	store.mu.Lock()
	day := store.dailyLocked("alice", DateOf(fixedNow()))
	day.CommittedUSD = 9.50
	day.ReservedUSD = 0.20
	store.mu.Unlock()

	rec := serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/budget-status", "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var status BudgetStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, BudgetWarning, status.Status)
	assert.Equal(t, 9.50, status.TodaySpentUSD)
	assert.Equal(t, 0.30, status.RemainingUSD)
}

func TestAnalysisCostsEndpoint(t *testing.T) {
	h, store := newTestHandler(t)
	seedEntry(store, "alice", "track-1", "hook_detection", "anthropic", "claude-sonnet-4", 0.10, 1000, 500, fixedNow().Add(-time.Hour))

	rec := serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/analyses/track-1", "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var costs AnalysisCosts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &costs))
	assert.Equal(t, "track-1", costs.AnalysisID)
	assert.Equal(t, 0.10, costs.Features["hook_detection"].CostUSD)
	assert.Equal(t, 1000, costs.Features["hook_detection"].Tokens.Input)
}

func TestPricingEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/pricing", "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Rules []PricingRule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Rules)
}

func TestQueryIntClamping(t *testing.T) {
	h, _ := newTestHandler(t)

	// days beyond the maximum clamps instead of failing.
	rec := serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/summary?days=9999", "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var sum Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 365, sum.Days)

	// Garbage falls back to the default.
	rec = serve(h, authedRequest(http.MethodGet, "/monitoring/ai-costs/summary?days=abc", "alice", false))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 30, sum.Days)
}
