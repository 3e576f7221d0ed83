// Copyright 2025 TrackLens
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the production Store. The per-(owner, day) row in
// ai_daily_spend is the serialization point: ReserveSpend and both resolve
// paths lock it with SELECT ... FOR UPDATE, so operations for one owner are
// strictly ordered while different owners touch disjoint rows and never
// contend. Money columns are NUMERIC(14,6), matching the fixed currency
// precision.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against databaseURL.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing pool, for tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates the subsystem's tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ai_daily_spend (
			owner_id      TEXT NOT NULL,
			date          TEXT NOT NULL,
			committed_usd NUMERIC(14,6) NOT NULL DEFAULT 0,
			reserved_usd  NUMERIC(14,6) NOT NULL DEFAULT 0,
			frozen        BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (owner_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS ai_cost_reservations (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			analysis_id   TEXT NOT NULL,
			feature       TEXT NOT NULL,
			provider      TEXT NOT NULL,
			model         TEXT NOT NULL,
			date          TEXT NOT NULL,
			estimated_usd NUMERIC(14,6) NOT NULL,
			status        TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_cost_entries (
			id             TEXT PRIMARY KEY,
			reservation_id TEXT NOT NULL UNIQUE REFERENCES ai_cost_reservations(id),
			analysis_id    TEXT NOT NULL,
			owner_id       TEXT NOT NULL,
			feature        TEXT NOT NULL,
			provider       TEXT NOT NULL,
			model          TEXT NOT NULL,
			tokens_in      INTEGER NOT NULL,
			tokens_out     INTEGER NOT NULL,
			cost_usd       NUMERIC(14,6) NOT NULL,
			date           TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_cost_entries_owner_created
			ON ai_cost_entries (owner_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_cost_entries_analysis
			ON ai_cost_entries (analysis_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_cost_reservations_open
			ON ai_cost_reservations (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_cost_reservations_analysis
			ON ai_cost_reservations (analysis_id, status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// lockDaily upserts and row-locks the owner's daily counter row inside tx.
func lockDaily(ctx context.Context, tx *sql.Tx, ownerID, date string) (*DailySpend, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ai_daily_spend (owner_id, date) VALUES ($1, $2)
		 ON CONFLICT (owner_id, date) DO NOTHING`,
		ownerID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert daily row: %w", err)
	}

	day := &DailySpend{OwnerID: ownerID, Date: date}
	err = tx.QueryRowContext(ctx,
		`SELECT committed_usd, reserved_usd, frozen
		 FROM ai_daily_spend WHERE owner_id = $1 AND date = $2 FOR UPDATE`,
		ownerID, date).Scan(&day.CommittedUSD, &day.ReservedUSD, &day.Frozen)
	if err != nil {
		return nil, fmt.Errorf("failed to lock daily row: %w", err)
	}
	return day, nil
}

// ReserveSpend checks both caps and books the estimate in one transaction.
func (s *PostgresStore) ReserveSpend(ctx context.Context, res *Reservation, policy BudgetPolicy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	day, err := lockDaily(ctx, tx, res.OwnerID, res.Date)
	if err != nil {
		return err
	}
	if day.Frozen {
		return ErrCountersFrozen
	}

	var analysisTotal float64
	err = tx.QueryRowContext(ctx,
		`SELECT
			COALESCE((SELECT SUM(cost_usd) FROM ai_cost_entries WHERE analysis_id = $1), 0) +
			COALESCE((SELECT SUM(estimated_usd) FROM ai_cost_reservations
			          WHERE analysis_id = $1 AND status = 'open'), 0)`,
		res.AnalysisID).Scan(&analysisTotal)
	if err != nil {
		return fmt.Errorf("failed to total analysis spend: %w", err)
	}

	// Rounded before comparing: an estimate exactly filling the remaining
	// headroom is admitted rather than rejected on float noise.
	if RoundUSD(analysisTotal+res.EstimatedUSD) > policy.PerAnalysisCapUSD {
		return ErrAnalysisBudgetExceeded
	}
	if RoundUSD(day.CommittedUSD+day.ReservedUSD+res.EstimatedUSD) > policy.PerUserDailyCapUSD {
		return ErrDailyBudgetExceeded
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ai_daily_spend SET reserved_usd = reserved_usd + $3
		 WHERE owner_id = $1 AND date = $2`,
		res.OwnerID, res.Date, res.EstimatedUSD)
	if err != nil {
		return fmt.Errorf("failed to book reservation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ai_cost_reservations
			(id, owner_id, analysis_id, feature, provider, model, date, estimated_usd, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', $9)`,
		res.ID, res.OwnerID, res.AnalysisID, res.Feature, res.Provider, res.Model,
		res.Date, res.EstimatedUSD, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	return tx.Commit()
}

// CommitReservation settles an open reservation with its ledger entry in
// one transaction. The reservation row is locked first, then the daily row;
// both resolve paths use this order.
func (s *PostgresStore) CommitReservation(ctx context.Context, reservationID string, entry *CostEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	switch res.Status {
	case ReservationCommitted:
		var prevIn, prevOut int
		err = tx.QueryRowContext(ctx,
			`SELECT tokens_in, tokens_out FROM ai_cost_entries WHERE reservation_id = $1`,
			reservationID).Scan(&prevIn, &prevOut)
		if err != nil && err != sql.ErrNoRows {
			// A transient read failure is not evidence of a conflict; the
			// caller retries and only a real mismatch freezes the counters.
			return fmt.Errorf("failed to load prior ledger entry: %w", err)
		}
		if err == nil && prevIn == entry.TokensIn && prevOut == entry.TokensOut {
			return ErrReservationResolved
		}
		if err := freezeDaily(ctx, tx, res.OwnerID, res.Date); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to record freeze: %w", err)
		}
		return ErrReservationConflict
	case ReservationReleased:
		if err := freezeDaily(ctx, tx, res.OwnerID, res.Date); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to record freeze: %w", err)
		}
		return ErrReservationConflict
	}

	if _, err := lockDaily(ctx, tx, res.OwnerID, res.Date); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ai_daily_spend
		 SET reserved_usd = reserved_usd - $3, committed_usd = committed_usd + $4
		 WHERE owner_id = $1 AND date = $2`,
		res.OwnerID, res.Date, res.EstimatedUSD, entry.CostUSD)
	if err != nil {
		return fmt.Errorf("failed to adjust counters: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ai_cost_reservations SET status = 'committed' WHERE id = $1`,
		reservationID)
	if err != nil {
		return fmt.Errorf("failed to mark reservation committed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ai_cost_entries
			(id, reservation_id, analysis_id, owner_id, feature, provider, model,
			 tokens_in, tokens_out, cost_usd, date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.ReservationID, entry.AnalysisID, entry.OwnerID, entry.Feature,
		entry.Provider, entry.Model, entry.TokensIn, entry.TokensOut, entry.CostUSD,
		entry.Date, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return tx.Commit()
}

// ReleaseReservation returns an open reservation's estimate to headroom.
func (s *PostgresStore) ReleaseReservation(ctx context.Context, reservationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	switch res.Status {
	case ReservationReleased:
		return ErrReservationResolved
	case ReservationCommitted:
		if err := freezeDaily(ctx, tx, res.OwnerID, res.Date); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to record freeze: %w", err)
		}
		return ErrReservationConflict
	}

	if _, err := lockDaily(ctx, tx, res.OwnerID, res.Date); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ai_daily_spend SET reserved_usd = reserved_usd - $3
		 WHERE owner_id = $1 AND date = $2`,
		res.OwnerID, res.Date, res.EstimatedUSD)
	if err != nil {
		return fmt.Errorf("failed to release estimate: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ai_cost_reservations SET status = 'released' WHERE id = $1`,
		reservationID)
	if err != nil {
		return fmt.Errorf("failed to mark reservation released: %w", err)
	}

	return tx.Commit()
}

func lockReservation(ctx context.Context, tx *sql.Tx, id string) (*Reservation, error) {
	res := &Reservation{}
	err := tx.QueryRowContext(ctx,
		`SELECT id, owner_id, analysis_id, feature, provider, model, date,
		        estimated_usd, status, created_at
		 FROM ai_cost_reservations WHERE id = $1 FOR UPDATE`,
		id).Scan(&res.ID, &res.OwnerID, &res.AnalysisID, &res.Feature, &res.Provider,
		&res.Model, &res.Date, &res.EstimatedUSD, &res.Status, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	return res, nil
}

func freezeDaily(ctx context.Context, tx *sql.Tx, ownerID, date string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ai_daily_spend (owner_id, date, frozen) VALUES ($1, $2, TRUE)
		 ON CONFLICT (owner_id, date) DO UPDATE SET frozen = TRUE`,
		ownerID, date)
	if err != nil {
		return fmt.Errorf("failed to freeze counters: %w", err)
	}
	return nil
}

// GetReservation loads a reservation by id.
func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	res := &Reservation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, analysis_id, feature, provider, model, date,
		        estimated_usd, status, created_at
		 FROM ai_cost_reservations WHERE id = $1`,
		id).Scan(&res.ID, &res.OwnerID, &res.AnalysisID, &res.Feature, &res.Provider,
		&res.Model, &res.Date, &res.EstimatedUSD, &res.Status, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	return res, nil
}

// SweepOpenReservations releases every reservation still open past cutoff.
func (s *PostgresStore) SweepOpenReservations(ctx context.Context, cutoff time.Time) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM ai_cost_reservations
		 WHERE status = 'open' AND created_at < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to scan open reservations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan open reservations: %w", err)
	}

	var released []Reservation
	for _, id := range ids {
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
func (s *PostgresStore) GetDailySpend(ctx context.Context, ownerID, date string) (*DailySpend, error) {
	day := &DailySpend{OwnerID: ownerID, Date: date}
	err := s.db.QueryRowContext(ctx,
		`SELECT committed_usd, reserved_usd, frozen
		 FROM ai_daily_spend WHERE owner_id = $1 AND date = $2`,
		ownerID, date).Scan(&day.CommittedUSD, &day.ReservedUSD, &day.Frozen)
	if err == sql.ErrNoRows {
		return day, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load daily spend: %w", err)
	}
	return day, nil
}

const entryColumns = `id, reservation_id, analysis_id, owner_id, feature, provider, model,
	tokens_in, tokens_out, cost_usd, date, created_at`

// EntriesForAnalysis returns the analysis' ledger rows, oldest first.
func (s *PostgresStore) EntriesForAnalysis(ctx context.Context, analysisID string) ([]CostEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ai_cost_entries
		 WHERE analysis_id = $1 ORDER BY created_at ASC`,
		analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesForOwner returns the owner's ledger rows in [from, to).
func (s *PostgresStore) EntriesForOwner(ctx context.Context, ownerID string, from, to time.Time) ([]CostEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ai_cost_entries
		 WHERE owner_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at ASC`,
		ownerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]CostEntry, error) {
	var out []CostEntry
	for rows.Next() {
		var e CostEntry
		if err := rows.Scan(&e.ID, &e.ReservationID, &e.AnalysisID, &e.OwnerID, &e.Feature,
			&e.Provider, &e.Model, &e.TokensIn, &e.TokensOut, &e.CostUSD, &e.Date,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
