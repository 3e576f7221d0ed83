// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import "errors"

var (
	// ErrUnknownModel is returned when the pricing registry has no rule for
	// the requested (provider, model) pair. Callers must never substitute a
	// different model's rate.
	ErrUnknownModel = errors.New("unknown provider/model")

	// ErrAnalysisBudgetExceeded is returned by Reserve when the analysis has
	// no headroom left under per_analysis_cap_usd. Terminal for the feature:
	// no cheaper provider can fix an analysis that already used its cap.
	ErrAnalysisBudgetExceeded = errors.New("analysis budget exceeded")

	// ErrDailyBudgetExceeded is returned by Reserve when the owner's daily
	// cap has no headroom. The fallback chain may still satisfy the request
	// via a zero-cost heuristic candidate.
	ErrDailyBudgetExceeded = errors.New("daily budget exceeded")

	// ErrReservationResolved is returned when Resolve is called on a
	// reservation that was already resolved with the same outcome and the
	// adjustment has been applied. Treated as a no-op by retry paths.
	ErrReservationResolved = errors.New("reservation already resolved")

	// ErrReservationConflict is the reconciliation failure: a reservation
	// resolved twice with different outcomes. The owner's counters are
	// frozen for manual audit rather than guessed at.
	ErrReservationConflict = errors.New("reservation resolved with conflicting outcomes")

	// ErrCountersFrozen is returned by Reserve while an owner's daily
	// counters are frozen pending manual reconciliation.
	ErrCountersFrozen = errors.New("owner counters frozen pending audit")

	// ErrReservationNotFound is returned for an unknown reservation id.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInvalidPolicy is returned for a budget policy with missing or
	// non-positive caps.
	ErrInvalidPolicy = errors.New("budget caps must be positive")

	// ErrExhaustedFallback is returned by the chain when every candidate
	// failed or was rejected and no heuristic fallback is configured.
	ErrExhaustedFallback = errors.New("all provider candidates exhausted")
)

// IsBudgetRejection reports whether err is one of the admission-control
// decision values. Budget rejections are ordinary outcomes, not faults.
func IsBudgetRejection(err error) bool {
	return errors.Is(err, ErrAnalysisBudgetExceeded) ||
		errors.Is(err, ErrDailyBudgetExceeded) ||
		errors.Is(err, ErrCountersFrozen)
}
