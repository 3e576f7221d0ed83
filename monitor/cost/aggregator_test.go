// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"testing"
	"time"
)

// seedEntry plants a committed ledger row with its daily counter, bypassing
// the governor so tests control timestamps.
func seedEntry(store *MemoryStore, owner, analysis, feature, provider, model string, costUSD float64, tokensIn, tokensOut int, at time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.entries = append(store.entries, CostEntry{
		ID:         "e-" + analysis + "-" + feature + "-" + at.Format("150405.000"),
		AnalysisID: analysis,
		OwnerID:    owner,
		Feature:    feature,
		Provider:   provider,
		Model:      model,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		CostUSD:    costUSD,
		Date:       DateOf(at),
		CreatedAt:  at,
	})
	day := store.dailyLocked(owner, DateOf(at))
	day.CommittedUSD = RoundUSD(day.CommittedUSD + costUSD)
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func newTestAggregator(store *MemoryStore, policy BudgetPolicy) *Aggregator {
	a := NewAggregator(store, policy)
	a.now = fixedNow
	return a
}

func TestSummaryRollsUpByFeatureAndModel(t *testing.T) {
	store := NewMemoryStore()
	now := fixedNow()
	seedEntry(store, "alice", "track-1", "hook_detection", "test", "model-a", 0.10, 1000, 500, now.Add(-1*time.Hour))
	seedEntry(store, "alice", "track-1", "genre_tagging", "test", "model-b", 0.05, 800, 200, now.Add(-2*time.Hour))
	seedEntry(store, "alice", "track-2", "hook_detection", "test", "model-a", 0.25, 2000, 900, now.AddDate(0, 0, -3))
	// Outside the 7-day window.
	seedEntry(store, "alice", "track-old", "hook_detection", "test", "model-a", 9.99, 1, 1, now.AddDate(0, 0, -10))
	// Different owner.
	seedEntry(store, "bob", "track-b", "hook_detection", "test", "model-a", 5.00, 1, 1, now)

	a := newTestAggregator(store, BudgetPolicy{PerAnalysisCapUSD: 1, PerUserDailyCapUSD: 10})
	sum, err := a.Summary(context.Background(), "alice", 7)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}

	if sum.TotalUSD != 0.40 {
		t.Errorf("expected total 0.40, got %v", sum.TotalUSD)
	}
	if sum.ByFeature["hook_detection"] != 0.35 || sum.ByFeature["genre_tagging"] != 0.05 {
		t.Errorf("unexpected feature rollup: %+v", sum.ByFeature)
	}
	if sum.ByModel["model-a"] != 0.35 || sum.ByModel["model-b"] != 0.05 {
		t.Errorf("unexpected model rollup: %+v", sum.ByModel)
	}
	// Two analyses in the window: 0.40 / 2.
	if sum.AvgPerAnalysis != 0.20 {
		t.Errorf("expected avg 0.20, got %v", sum.AvgPerAnalysis)
	}
}

func TestDailyBreakdownZeroFillsAscending(t *testing.T) {
	store := NewMemoryStore()
	now := fixedNow()
	seedEntry(store, "alice", "track-1", "hook_detection", "test", "model-a", 0.10, 1, 1, now.Add(-1*time.Hour))
	seedEntry(store, "alice", "track-2", "hook_detection", "test", "model-a", 0.30, 1, 1, now.AddDate(0, 0, -2))

	a := newTestAggregator(store, BudgetPolicy{PerAnalysisCapUSD: 1, PerUserDailyCapUSD: 10})
	points, err := a.DailyBreakdown(context.Background(), "alice", 4)
	if err != nil {
		t.Fatalf("daily breakdown failed: %v", err)
	}

	if len(points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Date <= points[i-1].Date {
			t.Errorf("dates not ascending: %s then %s", points[i-1].Date, points[i].Date)
		}
	}
	want := map[string]float64{
		"2026-03-11": 0,
		"2026-03-12": 0.30,
		"2026-03-13": 0,
		"2026-03-14": 0.10,
	}
	for _, p := range points {
		if p.USD != want[p.Date] {
			t.Errorf("day %s: expected %v, got %v", p.Date, want[p.Date], p.USD)
		}
	}
}

func TestTopTracksOrderingAndTieBreak(t *testing.T) {
	store := NewMemoryStore()
	now := fixedNow()
	seedEntry(store, "alice", "track-cheap", "hook_detection", "test", "model-a", 0.05, 1, 1, now.Add(-3*time.Hour))
	seedEntry(store, "alice", "track-big", "hook_detection", "test", "model-a", 0.30, 1, 1, now.Add(-5*time.Hour))
	seedEntry(store, "alice", "track-big", "genre_tagging", "test", "model-b", 0.20, 1, 1, now.Add(-4*time.Hour))
	// Two tracks tied at 0.10; the newer one ranks first.
	seedEntry(store, "alice", "track-tie-old", "hook_detection", "test", "model-a", 0.10, 1, 1, now.Add(-48*time.Hour))
	seedEntry(store, "alice", "track-tie-new", "hook_detection", "test", "model-a", 0.10, 1, 1, now.Add(-1*time.Hour))

	a := newTestAggregator(store, BudgetPolicy{PerAnalysisCapUSD: 1, PerUserDailyCapUSD: 10})
	tracks, err := a.TopTracks(context.Background(), "alice", 3)
	if err != nil {
		t.Fatalf("top tracks failed: %v", err)
	}

	if len(tracks) != 3 {
		t.Fatalf("expected 3 tracks, got %d", len(tracks))
	}
	if tracks[0].AnalysisID != "track-big" || tracks[0].TotalUSD != 0.50 {
		t.Errorf("expected track-big first at 0.50, got %+v", tracks[0])
	}
	if tracks[1].AnalysisID != "track-tie-new" || tracks[2].AnalysisID != "track-tie-old" {
		t.Errorf("tie not broken by recency: %s then %s", tracks[1].AnalysisID, tracks[2].AnalysisID)
	}
	if len(tracks[0].FeaturesUsed) != 2 {
		t.Errorf("expected both features on track-big, got %v", tracks[0].FeaturesUsed)
	}
}

func TestBudgetStatusThresholds(t *testing.T) {
	policy := BudgetPolicy{PerAnalysisCapUSD: 5, PerUserDailyCapUSD: 10.00}

	tests := []struct {
		name      string
		committed float64
		reserved  float64
		frozen    bool
		want      BudgetStatusValue
	}{
		{"plenty of headroom", 2.00, 1.00, false, BudgetOK},
		{"under ten percent remaining", 9.00, 0.50, false, BudgetWarning},
		{"exactly exhausted", 10.00, 0, false, BudgetOverBudget},
		{"overrun", 10.50, 0, false, BudgetOverBudget},
		{"frozen overrides", 1.00, 0, true, BudgetFrozen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			store.mu.Lock()
			day := store.dailyLocked("alice", DateOf(fixedNow()))
			day.CommittedUSD = tt.committed
			day.ReservedUSD = tt.reserved
			day.Frozen = tt.frozen
			store.mu.Unlock()

			a := newTestAggregator(store, policy)
			status, err := a.BudgetStatus(context.Background(), "alice")
			if err != nil {
				t.Fatalf("budget status failed: %v", err)
			}
			if status.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, status.Status)
			}
			if status.RemainingUSD != RoundUSD(policy.PerUserDailyCapUSD-tt.committed-tt.reserved) {
				t.Errorf("unexpected remaining: %v", status.RemainingUSD)
			}
		})
	}
}

func TestBudgetStatusUntouchedDayIsOK(t *testing.T) {
	a := newTestAggregator(NewMemoryStore(), BudgetPolicy{PerAnalysisCapUSD: 5, PerUserDailyCapUSD: 10})
	status, err := a.BudgetStatus(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("budget status failed: %v", err)
	}
	if status.Status != BudgetOK || status.RemainingUSD != 10 {
		t.Errorf("expected full headroom, got %+v", status)
	}
}

func TestProjectAnalysisCosts(t *testing.T) {
	store := NewMemoryStore()
	now := fixedNow()
	seedEntry(store, "alice", "track-1", "hook_detection", "anthropic", "claude-sonnet-4", 0.10, 1000, 500, now.Add(-2*time.Hour))
	// Retry of the same feature with a different model; newest wins the
	// provider/model fields, costs and tokens accumulate.
	seedEntry(store, "alice", "track-1", "hook_detection", "openai", "gpt-4o", 0.05, 600, 300, now.Add(-1*time.Hour))
	seedEntry(store, "alice", "track-1", "genre_tagging", "test", "model-b", 0.02, 200, 100, now.Add(-30*time.Minute))

	a := newTestAggregator(store, BudgetPolicy{PerAnalysisCapUSD: 1, PerUserDailyCapUSD: 10})
	costs, err := a.ProjectAnalysisCosts(context.Background(), "track-1")
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}

	if costs.TotalUSD != 0.17 {
		t.Errorf("expected total 0.17, got %v", costs.TotalUSD)
	}
	hook := costs.Features["hook_detection"]
	if hook.CostUSD != 0.15 {
		t.Errorf("expected accumulated 0.15, got %v", hook.CostUSD)
	}
	if hook.Provider != "openai" || hook.Model != "gpt-4o" {
		t.Errorf("newest call must win provider/model, got %s/%s", hook.Provider, hook.Model)
	}
	if hook.Tokens.Input != 1600 || hook.Tokens.Output != 800 {
		t.Errorf("tokens not accumulated: %+v", hook.Tokens)
	}
	if _, ok := costs.Features["genre_tagging"]; !ok {
		t.Error("missing genre_tagging feature")
	}
}

func TestProjectAnalysisCostsEmpty(t *testing.T) {
	a := newTestAggregator(NewMemoryStore(), BudgetPolicy{PerAnalysisCapUSD: 1, PerUserDailyCapUSD: 10})
	costs, err := a.ProjectAnalysisCosts(context.Background(), "missing")
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	if len(costs.Features) != 0 || costs.TotalUSD != 0 {
		t.Errorf("expected empty projection, got %+v", costs)
	}
}
