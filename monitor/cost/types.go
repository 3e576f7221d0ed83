// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"time"
)

// PricingRule holds the per-MTok rates for one (provider, model) pair.
// Immutable once loaded into the registry.
type PricingRule struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	InputPerMTokUSD  float64 `json:"input_per_mtok_usd"`
	OutputPerMTokUSD float64 `json:"output_per_mtok_usd"`
}

// CostEntry is one immutable ledger row, appended once per completed AI
// call. CostUSD is derived from the tokens and the matching PricingRule at
// commit time and never recomputed afterwards. Date is the ledger day the
// cost is attributed to — always the reservation's day, which can differ
// from CreatedAt's day when a call resolves after UTC midnight; the daily
// counters and the ledger agree on Date, never on the wall clock.
type CostEntry struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	AnalysisID    string    `json:"analysis_id"`
	OwnerID       string    `json:"owner_id"`
	Feature       string    `json:"feature"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	TokensIn      int       `json:"tokens_in"`
	TokensOut     int       `json:"tokens_out"`
	CostUSD       float64   `json:"cost_usd"`
	Date          string    `json:"date"`
	CreatedAt     time.Time `json:"created_at"`
}

// TotalTokens returns total tokens used by the call.
func (e *CostEntry) TotalTokens() int {
	return e.TokensIn + e.TokensOut
}

// ReservationStatus tracks the lifecycle of a budget reservation.
type ReservationStatus string

const (
	ReservationOpen      ReservationStatus = "open"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a provisional hold against an owner's daily budget,
// created before a provider call and resolved exactly once afterwards.
type Reservation struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	AnalysisID   string            `json:"analysis_id"`
	Feature      string            `json:"feature"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Date         string            `json:"date"` // UTC day, YYYY-MM-DD
	EstimatedUSD float64           `json:"estimated_usd"`
	Status       ReservationStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
}

// DailySpend is the per-(owner, day) counter pair. CommittedUSD always
// equals the sum of CostUSD over the owner's ledger entries for that day;
// ReservedUSD tracks in-flight, not-yet-committed estimates. Frozen is set
// when a reconciliation conflict is detected and blocks further admissions
// until an operator intervenes.
type DailySpend struct {
	OwnerID      string  `json:"owner_id"`
	Date         string  `json:"date"`
	CommittedUSD float64 `json:"committed_usd"`
	ReservedUSD  float64 `json:"reserved_usd"`
	Frozen       bool    `json:"frozen"`
}

// BudgetPolicy holds the admission caps. Constructed once at startup and
// passed into the Governor; never read ad hoc at call sites.
type BudgetPolicy struct {
	PerAnalysisCapUSD  float64 `json:"per_analysis_cap_usd"`
	PerUserDailyCapUSD float64 `json:"per_user_daily_cap_usd"`
}

// Validate checks that both caps are present and positive.
func (p BudgetPolicy) Validate() error {
	if p.PerAnalysisCapUSD <= 0 || p.PerUserDailyCapUSD <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// OutcomeKind discriminates the two ways a reserved provider call ends.
type OutcomeKind string

const (
	OutcomeActual OutcomeKind = "actual"
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome is the result of a reserved provider call, passed to Resolve.
type Outcome struct {
	Kind      OutcomeKind
	TokensIn  int
	TokensOut int
}

// Actual builds the success outcome carrying real token usage.
func Actual(tokensIn, tokensOut int) Outcome {
	return Outcome{Kind: OutcomeActual, TokensIn: tokensIn, TokensOut: tokensOut}
}

// Failed builds the failure outcome: the reservation is released and no
// ledger entry is written.
func Failed() Outcome {
	return Outcome{Kind: OutcomeFailed}
}

// ReserveRequest describes one admission attempt, produced by the fallback
// chain from a candidate and its token estimate.
type ReserveRequest struct {
	OwnerID      string
	AnalysisID   string
	Feature      string
	Provider     string
	Model        string
	EstimatedUSD float64
}

// DateOf returns the UTC ledger day for t.
func DateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
