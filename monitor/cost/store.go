// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"time"
)

// Store persists reservations, the cost ledger, and the per-(owner, day)
// spend counters. Reservations and ledger entries are created and resolved
// solely through the Governor; nothing else mutates DailySpend.
//
// Atomicity contract:
//
//   - ReserveSpend is a single atomic check-and-increment against the
//     owner's daily counters and the analysis total. Operations for the
//     same owner are strictly ordered; different owners never contend.
//   - CommitReservation appends the ledger entry and moves the reserved
//     estimate into committed in one step. Repeating a commit that was
//     already applied with the same outcome adjusts nothing and returns
//     ErrReservationResolved. A commit after a release (or vice versa)
//     freezes the owner's counters and returns ErrReservationConflict.
//   - ReleaseReservation returns the estimate to headroom, with the same
//     exactly-once discipline.
type Store interface {
	// ReserveSpend admits res against policy and records it Open, or
	// returns ErrAnalysisBudgetExceeded, ErrDailyBudgetExceeded, or
	// ErrCountersFrozen without mutating anything.
	ReserveSpend(ctx context.Context, res *Reservation, policy BudgetPolicy) error

	// CommitReservation settles an open reservation with its ledger entry.
	CommitReservation(ctx context.Context, reservationID string, entry *CostEntry) error

	// ReleaseReservation settles an open reservation with no entry.
	ReleaseReservation(ctx context.Context, reservationID string) error

	// GetReservation returns a reservation by id, or ErrReservationNotFound.
	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// SweepOpenReservations releases every reservation still Open that was
	// created before cutoff and returns the released reservations. Safety
	// net only; each hit is an anomaly worth logging.
	SweepOpenReservations(ctx context.Context, cutoff time.Time) ([]Reservation, error)

	// GetDailySpend returns the counter pair for (owner, date). A day with
	// no activity reads as zeros, not an error.
	GetDailySpend(ctx context.Context, ownerID, date string) (*DailySpend, error)

	// EntriesForAnalysis returns the ledger rows for one analysis, oldest
	// first. Read-only.
	EntriesForAnalysis(ctx context.Context, analysisID string) ([]CostEntry, error)

	// EntriesForOwner returns the owner's ledger rows with
	// from <= CreatedAt < to, oldest first. Read-only.
	EntriesForOwner(ctx context.Context, ownerID string, from, to time.Time) ([]CostEntry, error)

	// Ping checks backing-store connectivity.
	Ping(ctx context.Context) error
}
