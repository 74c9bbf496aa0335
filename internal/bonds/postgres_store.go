package bonds

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. One row per peer;
// the peer address is the primary key, which is what enforces the
// single-active-bond rule at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed bond store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, peerAddr string) (*Bond, error) {
	var b Bond
	var status string
	var unlockAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT peer_address, amount, tier, slashed, status, unlock_requested_at, created_at, updated_at
		FROM bonds WHERE peer_address = $1
	`, peerAddr).Scan(&b.PeerAddr, &b.Amount, &b.Tier, &b.Slashed, &status,
		&unlockAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBondNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = BondStatus(status)
	if unlockAt.Valid {
		b.UnlockRequestedAt = &unlockAt.Time
	}
	return &b, nil
}

func (p *PostgresStore) Put(ctx context.Context, b *Bond) error {
	var unlockAt sql.NullTime
	if b.UnlockRequestedAt != nil {
		unlockAt = sql.NullTime{Time: *b.UnlockRequestedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bonds
			(peer_address, amount, tier, slashed, status, unlock_requested_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (peer_address) DO UPDATE SET
			amount              = EXCLUDED.amount,
			tier                = EXCLUDED.tier,
			slashed             = EXCLUDED.slashed,
			status              = EXCLUDED.status,
			unlock_requested_at = EXCLUDED.unlock_requested_at,
			updated_at          = EXCLUDED.updated_at
	`, b.PeerAddr, b.Amount, b.Tier, b.Slashed, string(b.Status),
		unlockAt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert bond: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Bond, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT peer_address, amount, tier, slashed, status, unlock_requested_at, created_at, updated_at
		FROM bonds WHERE status = 'active' ORDER BY peer_address ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Bond
	for rows.Next() {
		var b Bond
		var status string
		var unlockAt sql.NullTime
		if err := rows.Scan(&b.PeerAddr, &b.Amount, &b.Tier, &b.Slashed, &status,
			&unlockAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Status = BondStatus(status)
		if unlockAt.Valid {
			b.UnlockRequestedAt = &unlockAt.Time
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
