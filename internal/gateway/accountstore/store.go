package accountstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is the persisted view of one strategy→venue binding. An
// empty StrategyID names the venue's default fallback account, same
// convention as gateway.Registration.
type Record struct {
	Venue      string
	StrategyID string
	Default    bool
	BoundAt    time.Time
}

// Store persists account registrations to Postgres via a pgx pool. It
// holds no venue.Instance references — those are rebuilt by the
// caller from configured credentials after LoadAll returns which
// strategy/venue pairs need reconnecting.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store backed by pool. A nil pool is valid and makes
// every method a no-op returning (nil, nil) on reads — the account
// registry then runs in memory-only mode.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save upserts one registration.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_registrations (venue, strategy_id, is_default, bound_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (venue, strategy_id)
		DO UPDATE SET is_default = EXCLUDED.is_default, bound_at = EXCLUDED.bound_at
	`, rec.Venue, rec.StrategyID, rec.Default, rec.BoundAt)
	if err != nil {
		return fmt.Errorf("accountstore: save registration: %w", err)
	}
	return nil
}

// Delete removes one registration. strategyID == "" deletes the
// venue's default account row.
func (s *Store) Delete(ctx context.Context, venue, strategyID string) error {
	if s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM account_registrations WHERE venue = $1 AND strategy_id = $2`,
		venue, strategyID)
	if err != nil {
		return fmt.Errorf("accountstore: delete registration: %w", err)
	}
	return nil
}

// LoadAll returns every persisted registration, across every venue.
// Callers use this on startup to reconnect each bound strategy's
// credential before the gateway starts accepting control traffic.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	if s.pool == nil {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT venue, strategy_id, is_default, bound_at FROM account_registrations`)
	if err != nil {
		return nil, fmt.Errorf("accountstore: load registrations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Venue, &rec.StrategyID, &rec.Default, &rec.BoundAt); err != nil {
			return nil, fmt.Errorf("accountstore: scan registration: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("accountstore: iterate registrations: %w", err)
	}
	return out, nil
}
