// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklens_cost_reservations_total",
			Help: "Budget reservation attempts by admission outcome",
		},
		[]string{"outcome"},
	)
	promResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklens_cost_resolutions_total",
			Help: "Reservation resolutions by outcome",
		},
		[]string{"outcome"},
	)
	promSpendUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklens_cost_spend_usd_total",
			Help: "Committed AI spend in USD",
		},
		[]string{"provider", "model"},
	)
	promSweptReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracklens_cost_swept_reservations_total",
			Help: "Stale reservations released by the sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(promReservations)
	prometheus.MustRegister(promResolutions)
	prometheus.MustRegister(promSpendUSD)
	prometheus.MustRegister(promSweptReservations)
}

// resolveRetries bounds the retry loop for transient store failures during
// Resolve. The reservation id is the idempotency key, so a retry that races
// an applied write settles as a duplicate, never a double adjustment.
const resolveRetries = 3

// Governor is the admission-control component. Reserve admits or rejects a
// call before it happens; Resolve settles the reservation exactly once
// after the outcome is known. All counter mutation goes through the Store's
// atomic operations; the Governor itself holds no locks, so provider calls
// between Reserve and Resolve never run inside a critical section.
type Governor struct {
	store   Store
	pricing *PricingRegistry
	policy  BudgetPolicy
	logger  *log.Logger
	now     func() time.Time
}

// NewGovernor creates a Governor. The policy must carry positive caps.
func NewGovernor(store Store, pricing *PricingRegistry, policy BudgetPolicy, logger *log.Logger) (*Governor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if pricing == nil {
		pricing = NewPricingRegistry()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Governor{
		store:   store,
		pricing: pricing,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Policy returns the caps the Governor admits against.
func (g *Governor) Policy() BudgetPolicy {
	return g.policy
}

// Reserve atomically checks both caps and holds req.EstimatedUSD against
// the owner's daily budget. On rejection the returned error is one of the
// admission decision values and nothing is mutated.
func (g *Governor) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.EstimatedUSD < 0 {
		return nil, fmt.Errorf("negative estimate %.6f for %s/%s", req.EstimatedUSD, req.Provider, req.Model)
	}

	now := g.now().UTC()
	res := &Reservation{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		AnalysisID:   req.AnalysisID,
		Feature:      req.Feature,
		Provider:     req.Provider,
		Model:        req.Model,
		Date:         DateOf(now),
		EstimatedUSD: RoundUSD(req.EstimatedUSD),
		Status:       ReservationOpen,
		CreatedAt:    now,
	}

	if err := g.store.ReserveSpend(ctx, res, g.policy); err != nil {
		switch {
		case errors.Is(err, ErrAnalysisBudgetExceeded):
			promReservations.WithLabelValues("analysis_rejected").Inc()
		case errors.Is(err, ErrDailyBudgetExceeded):
			promReservations.WithLabelValues("daily_rejected").Inc()
		case errors.Is(err, ErrCountersFrozen):
			promReservations.WithLabelValues("frozen").Inc()
		default:
			promReservations.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	promReservations.WithLabelValues("admitted").Inc()
	return res, nil
}

// Resolve settles a reservation exactly once. On Actual it recomputes the
// true cost from the registry, appends the ledger entry, and moves the
// estimate out of reserved and the true cost into committed in one atomic
// step. On Failed it returns the estimate to headroom and writes nothing.
//
// Retrying with the same reservation and outcome after a storage failure
// is safe: an already-applied resolution returns ErrReservationResolved
// without touching the counters. Conflicting outcomes surface
// ErrReservationConflict and freeze the owner's counters for audit.
func (g *Governor) Resolve(ctx context.Context, res *Reservation, outcome Outcome) (*CostEntry, error) {
	if outcome.Kind == OutcomeFailed {
		if err := g.settle(ctx, func() error {
			return g.store.ReleaseReservation(ctx, res.ID)
		}); err != nil {
			return nil, g.resolveErr(res, err)
		}
		promResolutions.WithLabelValues("released").Inc()
		return nil, nil
	}

	// A zero-token outcome costs nothing at any rate, so it settles without
	// a pricing row. Zero-cost terminal candidates stay resolvable even when
	// a custom rate table omits them.
	actualUSD := 0.0
	if outcome.TokensIn > 0 || outcome.TokensOut > 0 {
		usd, err := g.pricing.Cost(res.Provider, res.Model, outcome.TokensIn, outcome.TokensOut)
		if err != nil {
			return nil, err
		}
		actualUSD = usd
	}

	// The entry is attributed to the reservation's day, not the wall clock:
	// a call that resolves after UTC midnight still lands on the day whose
	// counters hold its reservation, keeping committed_usd equal to the
	// day's ledger sum.
	entry := &CostEntry{
		ID:            uuid.NewString(),
		ReservationID: res.ID,
		AnalysisID:    res.AnalysisID,
		OwnerID:       res.OwnerID,
		Feature:       res.Feature,
		Provider:      res.Provider,
		Model:         res.Model,
		TokensIn:      outcome.TokensIn,
		TokensOut:     outcome.TokensOut,
		CostUSD:       actualUSD,
		Date:          res.Date,
		CreatedAt:     g.now().UTC(),
	}

	if err := g.settle(ctx, func() error {
		return g.store.CommitReservation(ctx, res.ID, entry)
	}); err != nil {
		return nil, g.resolveErr(res, err)
	}

	promResolutions.WithLabelValues("committed").Inc()
	promSpendUSD.WithLabelValues(res.Provider, res.Model).Add(actualUSD)
	g.logOverrun(ctx, res, actualUSD)
	return entry, nil
}

// SweepStale releases reservations left Open longer than grace. The call
// has already been treated as failed by its chain (or the process died);
// every hit is an anomaly.
func (g *Governor) SweepStale(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := g.now().UTC().Add(-grace)
	released, err := g.store.SweepOpenReservations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale reservations: %w", err)
	}
	for _, res := range released {
		promSweptReservations.Inc()
		g.logger.Printf("[Governor] ANOMALY: released stale reservation id=%s owner=%s analysis=%s estimate=$%.6f age=%s",
			res.ID, res.OwnerID, res.AnalysisID, res.EstimatedUSD, g.now().UTC().Sub(res.CreatedAt))
	}
	return len(released), nil
}

// settle runs a counter adjustment, retrying transient store failures.
// Sentinel resolutions (duplicate, conflict, not found) are final.
func (g *Governor) settle(ctx context.Context, adjust func() error) error {
	var err error
	for attempt := 0; attempt < resolveRetries; attempt++ {
		err = adjust()
		if err == nil ||
			errors.Is(err, ErrReservationResolved) ||
			errors.Is(err, ErrReservationConflict) ||
			errors.Is(err, ErrReservationNotFound) {
			return err
		}
		g.logger.Printf("[Governor] resolve attempt %d failed, retrying: %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}

func (g *Governor) resolveErr(res *Reservation, err error) error {
	switch {
	case errors.Is(err, ErrReservationResolved):
		promResolutions.WithLabelValues("duplicate").Inc()
	case errors.Is(err, ErrReservationConflict):
		promResolutions.WithLabelValues("conflict").Inc()
		g.logger.Printf("[Governor] RECONCILIATION ERROR: reservation id=%s owner=%s resolved with conflicting outcomes; counters frozen for audit",
			res.ID, res.OwnerID)
	default:
		promResolutions.WithLabelValues("error").Inc()
	}
	return err
}

// logOverrun reports a committed total that passed the daily cap because an
// estimate undershot the true cost. The provider call already happened, so
// the overrun is tolerated, never rejected retroactively.
func (g *Governor) logOverrun(ctx context.Context, res *Reservation, actualUSD float64) {
	day, err := g.store.GetDailySpend(ctx, res.OwnerID, res.Date)
	if err != nil {
		return
	}
	if day.CommittedUSD > g.policy.PerUserDailyCapUSD {
		g.logger.Printf("[Governor] post-hoc overrun: owner=%s date=%s committed=$%.6f cap=$%.2f (entry $%.6f, estimated $%.6f)",
			res.OwnerID, res.Date, day.CommittedUSD, g.policy.PerUserDailyCapUSD, actualUSD, res.EstimatedUSD)
	}
}
