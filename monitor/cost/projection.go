// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"time"
)

// FeatureCost is the per-feature slice of an analysis' cost projection.
// When a feature was invoked more than once (retries across days, re-runs),
// the costs and tokens accumulate and the newest call wins the provider,
// model, and timestamp fields.
type FeatureCost struct {
	CostUSD   float64    `json:"cost_usd"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Timestamp time.Time  `json:"timestamp"`
	Tokens    TokenUsage `json:"tokens"`
}

// TokenUsage splits a call's tokens by direction.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// AnalysisCosts is the feature-keyed cost view of one analysis. It is a
// read projection derived from the ledger on demand, never stored, so it
// can never drift from the entries it summarizes.
type AnalysisCosts struct {
	AnalysisID string                 `json:"analysis_id"`
	Features   map[string]FeatureCost `json:"features"`
	TotalUSD   float64                `json:"total_usd"`
}

// ProjectAnalysisCosts folds an analysis' ledger entries into the
// feature-keyed shape the product UI consumes.
func (a *Aggregator) ProjectAnalysisCosts(ctx context.Context, analysisID string) (*AnalysisCosts, error) {
	entries, err := a.store.EntriesForAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}

	out := &AnalysisCosts{
		AnalysisID: analysisID,
		Features:   make(map[string]FeatureCost),
	}
	for _, e := range entries {
		fc := out.Features[e.Feature]
		fc.CostUSD = RoundUSD(fc.CostUSD + e.CostUSD)
		fc.Tokens.Input += e.TokensIn
		fc.Tokens.Output += e.TokensOut
		if !e.CreatedAt.Before(fc.Timestamp) {
			fc.Provider = e.Provider
			fc.Model = e.Model
			fc.Timestamp = e.CreatedAt
		}
		out.Features[e.Feature] = fc
		out.TotalUSD = RoundUSD(out.TotalUSD + e.CostUSD)
	}
	return out, nil
}
