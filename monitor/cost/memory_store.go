// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and single-node
// deployments without a database. A per-owner mutex is the serialization
// point for that owner's reserve/resolve operations; a short global lock
// guards the map structure itself.
type MemoryStore struct {
	mu           sync.RWMutex
	reservations map[string]*Reservation
	entries      []CostEntry
	daily        map[string]*DailySpend

	ownerLocks sync.Map // ownerID -> *sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: make(map[string]*Reservation),
		daily:        make(map[string]*DailySpend),
	}
}

func (s *MemoryStore) ownerLock(ownerID string) *sync.Mutex {
	lock, _ := s.ownerLocks.LoadOrStore(ownerID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func dailyKey(ownerID, date string) string {
	return ownerID + "|" + date
}

// ReserveSpend implements the atomic check-and-increment. The caps are
// checked and the reserved counter bumped while holding the owner's lock,
// so concurrent reservations for the same owner are strictly ordered.
func (s *MemoryStore) ReserveSpend(ctx context.Context, res *Reservation, policy BudgetPolicy) error {
	lock := s.ownerLock(res.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.dailyLocked(res.OwnerID, res.Date)
	if day.Frozen {
		return ErrCountersFrozen
	}

	// The sums are rounded before comparing so that an estimate exactly
	// filling the remaining headroom is admitted rather than rejected on
	// float noise.
	analysisTotal := s.analysisTotalLocked(res.AnalysisID)
	if RoundUSD(analysisTotal+res.EstimatedUSD) > policy.PerAnalysisCapUSD {
		return ErrAnalysisBudgetExceeded
	}
	if RoundUSD(day.CommittedUSD+day.ReservedUSD+res.EstimatedUSD) > policy.PerUserDailyCapUSD {
		return ErrDailyBudgetExceeded
	}

	day.ReservedUSD = RoundUSD(day.ReservedUSD + res.EstimatedUSD)
	stored := *res
	stored.Status = ReservationOpen
	s.reservations[stored.ID] = &stored
	return nil
}

// CommitReservation settles a reservation with its ledger entry.
func (s *MemoryStore) CommitReservation(ctx context.Context, reservationID string, entry *CostEntry) error {
	res, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	lock := s.ownerLock(res.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.reservations[reservationID]
	switch stored.Status {
	case ReservationCommitted:
		prev := s.entryForReservationLocked(reservationID)
		if prev != nil && prev.TokensIn == entry.TokensIn && prev.TokensOut == entry.TokensOut {
			return ErrReservationResolved
		}
		s.freezeLocked(stored.OwnerID, stored.Date)
		return ErrReservationConflict
	case ReservationReleased:
		s.freezeLocked(stored.OwnerID, stored.Date)
		return ErrReservationConflict
	}

	day := s.dailyLocked(stored.OwnerID, stored.Date)
	day.ReservedUSD = RoundUSD(day.ReservedUSD - stored.EstimatedUSD)
	day.CommittedUSD = RoundUSD(day.CommittedUSD + entry.CostUSD)
	stored.Status = ReservationCommitted
	s.entries = append(s.entries, *entry)
	return nil
}

// ReleaseReservation returns an open reservation's estimate to headroom.
func (s *MemoryStore) ReleaseReservation(ctx context.Context, reservationID string) error {
	res, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	lock := s.ownerLock(res.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.reservations[reservationID]
	switch stored.Status {
	case ReservationReleased:
		return ErrReservationResolved
	case ReservationCommitted:
		s.freezeLocked(stored.OwnerID, stored.Date)
		return ErrReservationConflict
	}

	day := s.dailyLocked(stored.OwnerID, stored.Date)
	day.ReservedUSD = RoundUSD(day.ReservedUSD - stored.EstimatedUSD)
	stored.Status = ReservationReleased
	return nil
}

// GetReservation returns a copy of the reservation.
func (s *MemoryStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	out := *res
	return &out, nil
}

// SweepOpenReservations releases reservations left Open past the cutoff.
func (s *MemoryStore) SweepOpenReservations(ctx context.Context, cutoff time.Time) ([]Reservation, error) {
	s.mu.RLock()
	var stale []string
	for id, res := range s.reservations {
		if res.Status == ReservationOpen && res.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	var released []Reservation
	for _, id := range stale {
		if err := s.ReleaseReservation(ctx, id); err != nil {
			// Resolved concurrently between the scan and the release.
			continue
		}
		if res, err := s.GetReservation(ctx, id); err == nil {
			released = append(released, *res)
		}
	}
	return released, nil
}

// GetDailySpend returns the counter pair; untouched days read as zeros.
func (s *MemoryStore) GetDailySpend(ctx context.Context, ownerID, date string) (*DailySpend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if day, ok := s.daily[dailyKey(ownerID, date)]; ok {
		out := *day
		return &out, nil
	}
	return &DailySpend{OwnerID: ownerID, Date: date}, nil
}

// EntriesForAnalysis returns the analysis' ledger rows, oldest first.
func (s *MemoryStore) EntriesForAnalysis(ctx context.Context, analysisID string) ([]CostEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CostEntry
	for _, e := range s.entries {
		if e.AnalysisID == analysisID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// EntriesForOwner returns the owner's ledger rows in [from, to).
func (s *MemoryStore) EntriesForOwner(ctx context.Context, ownerID string, from, to time.Time) ([]CostEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CostEntry
	for _, e := range s.entries {
		if e.OwnerID != ownerID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// dailyLocked returns (creating if needed) the mutable counter row.
// Callers hold s.mu.
func (s *MemoryStore) dailyLocked(ownerID, date string) *DailySpend {
	key := dailyKey(ownerID, date)
	day, ok := s.daily[key]
	if !ok {
		day = &DailySpend{OwnerID: ownerID, Date: date}
		s.daily[key] = day
	}
	return day
}

// analysisTotalLocked sums committed entries plus open reservation
// estimates for one analysis. Callers hold s.mu.
func (s *MemoryStore) analysisTotalLocked(analysisID string) float64 {
	var total float64
	for _, e := range s.entries {
		if e.AnalysisID == analysisID {
			total += e.CostUSD
		}
	}
	for _, res := range s.reservations {
		if res.AnalysisID == analysisID && res.Status == ReservationOpen {
			total += res.EstimatedUSD
		}
	}
	return total
}

func (s *MemoryStore) entryForReservationLocked(reservationID string) *CostEntry {
	for i := range s.entries {
		if s.entries[i].ReservationID == reservationID {
			return &s.entries[i]
		}
	}
	return nil
}

func (s *MemoryStore) freezeLocked(ownerID, date string) {
	s.dailyLocked(ownerID, date).Frozen = true
}

func sortEntries(entries []CostEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
