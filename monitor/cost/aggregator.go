// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"sort"
	"time"
)

// warningThreshold is the fraction of the daily cap below which remaining
// headroom flips the budget status to warning.
const warningThreshold = 0.10

// Summary is the trailing-window spend rollup for one owner.
type Summary struct {
	TotalUSD       float64            `json:"total_usd"`
	ByFeature      map[string]float64 `json:"by_feature"`
	ByModel        map[string]float64 `json:"by_model"`
	AvgPerAnalysis float64            `json:"avg_per_analysis"`
	Days           int                `json:"days"`
}

// DailyPoint is one day of the breakdown. Zero-spend days are included.
type DailyPoint struct {
	Date string  `json:"date"`
	USD  float64 `json:"usd"`
}

// TrackCost ranks one analysis by total spend.
type TrackCost struct {
	AnalysisID   string    `json:"analysis_id"`
	TotalUSD     float64   `json:"total_usd"`
	FeaturesUsed []string  `json:"features_used"`
	LastEntryAt  time.Time `json:"last_entry_at"`
}

// BudgetStatusValue is the traffic-light state of an owner's daily budget.
type BudgetStatusValue string

const (
	BudgetOK         BudgetStatusValue = "ok"
	BudgetWarning    BudgetStatusValue = "warning"
	BudgetOverBudget BudgetStatusValue = "over_budget"
	BudgetFrozen     BudgetStatusValue = "frozen"
)

// BudgetStatus is today's position against the daily cap.
type BudgetStatus struct {
	TodaySpentUSD    float64           `json:"today_spent_usd"`
	TodayReservedUSD float64           `json:"today_reserved_usd"`
	DailyLimitUSD    float64           `json:"daily_limit_usd"`
	RemainingUSD     float64           `json:"remaining_usd"`
	Status           BudgetStatusValue `json:"status"`
}

// Aggregator derives the reporting views from the ledger. Everything here
// is read-only and recomputed per request; the optional cache in front of
// the hot queries lives in handlers, not here.
type Aggregator struct {
	store  Store
	policy BudgetPolicy
	now    func() time.Time
}

// NewAggregator builds an Aggregator over the given store and caps.
func NewAggregator(store Store, policy BudgetPolicy) *Aggregator {
	return &Aggregator{store: store, policy: policy, now: time.Now}
}

// window returns [from, to) covering the trailing days whole UTC days,
// today included.
func (a *Aggregator) window(days int) (time.Time, time.Time) {
	if days < 1 {
		days = 1
	}
	now := a.now().UTC()
	to := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	from := to.AddDate(0, 0, -days)
	return from, to
}

// Summary scans the owner's ledger entries for the trailing window and
// rolls them up by feature and by model.
func (a *Aggregator) Summary(ctx context.Context, ownerID string, days int) (*Summary, error) {
	from, to := a.window(days)
	entries, err := a.store.EntriesForOwner(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		ByFeature: make(map[string]float64),
		ByModel:   make(map[string]float64),
		Days:      days,
	}
	analyses := make(map[string]struct{})
	for _, e := range entries {
		sum.TotalUSD = RoundUSD(sum.TotalUSD + e.CostUSD)
		sum.ByFeature[e.Feature] = RoundUSD(sum.ByFeature[e.Feature] + e.CostUSD)
		sum.ByModel[e.Model] = RoundUSD(sum.ByModel[e.Model] + e.CostUSD)
		analyses[e.AnalysisID] = struct{}{}
	}
	if len(analyses) > 0 {
		sum.AvgPerAnalysis = RoundUSD(sum.TotalUSD / float64(len(analyses)))
	}
	return sum, nil
}

// DailyBreakdown returns one point per day in the trailing window,
// ascending by date, zero-spend days included.
func (a *Aggregator) DailyBreakdown(ctx context.Context, ownerID string, days int) ([]DailyPoint, error) {
	from, to := a.window(days)
	entries, err := a.store.EntriesForOwner(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}

	// Entries bucket by their ledger day, which follows the reservation and
	// can trail CreatedAt across UTC midnight. This keeps the breakdown in
	// step with the daily committed counters.
	byDay := make(map[string]float64)
	for _, e := range entries {
		day := e.Date
		if day == "" {
			day = DateOf(e.CreatedAt)
		}
		byDay[day] = RoundUSD(byDay[day] + e.CostUSD)
	}

	points := make([]DailyPoint, 0, days)
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		day := DateOf(d)
		points = append(points, DailyPoint{Date: day, USD: byDay[day]})
	}
	return points, nil
}

// TopTracks ranks the owner's analyses by total spend, descending, ties
// broken by most recent entry first.
func (a *Aggregator) TopTracks(ctx context.Context, ownerID string, limit int) ([]TrackCost, error) {
	if limit < 1 {
		limit = 10
	}
	// Rankings consider the full ledger, not a trailing window.
	entries, err := a.store.EntriesForOwner(ctx, ownerID, time.Time{}, a.now().UTC().Add(time.Second))
	if err != nil {
		return nil, err
	}

	byAnalysis := make(map[string]*TrackCost)
	for _, e := range entries {
		tc, ok := byAnalysis[e.AnalysisID]
		if !ok {
			tc = &TrackCost{AnalysisID: e.AnalysisID}
			byAnalysis[e.AnalysisID] = tc
		}
		tc.TotalUSD = RoundUSD(tc.TotalUSD + e.CostUSD)
		if !containsString(tc.FeaturesUsed, e.Feature) {
			tc.FeaturesUsed = append(tc.FeaturesUsed, e.Feature)
		}
		if e.CreatedAt.After(tc.LastEntryAt) {
			tc.LastEntryAt = e.CreatedAt
		}
	}

	tracks := make([]TrackCost, 0, len(byAnalysis))
	for _, tc := range byAnalysis {
		sort.Strings(tc.FeaturesUsed)
		tracks = append(tracks, *tc)
	}
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].TotalUSD != tracks[j].TotalUSD {
			return tracks[i].TotalUSD > tracks[j].TotalUSD
		}
		return tracks[i].LastEntryAt.After(tracks[j].LastEntryAt)
	})
	if len(tracks) > limit {
		tracks = tracks[:limit]
	}
	return tracks, nil
}

// BudgetStatus reports today's position against the daily cap. Frozen
// counters override the traffic light.
func (a *Aggregator) BudgetStatus(ctx context.Context, ownerID string) (*BudgetStatus, error) {
	day, err := a.store.GetDailySpend(ctx, ownerID, DateOf(a.now()))
	if err != nil {
		return nil, err
	}

	remaining := RoundUSD(a.policy.PerUserDailyCapUSD - day.CommittedUSD - day.ReservedUSD)
	status := BudgetOK
	switch {
	case day.Frozen:
		status = BudgetFrozen
	case remaining <= 0:
		status = BudgetOverBudget
	case remaining < warningThreshold*a.policy.PerUserDailyCapUSD:
		status = BudgetWarning
	}

	return &BudgetStatus{
		TodaySpentUSD:    day.CommittedUSD,
		TodayReservedUSD: day.ReservedUSD,
		DailyLimitUSD:    a.policy.PerUserDailyCapUSD,
		RemainingUSD:     remaining,
		Status:           status,
	}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
