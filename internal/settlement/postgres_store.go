package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The compare-and-swap
// UpdateStatus makes concurrent netting rounds and dispute flips safe
// without advisory locks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed obligation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Obligation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO obligations
			(id, type, from_peer, to_peer, amount, window_id, status, evidence_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, o.ID, string(o.Type), o.FromPeer, o.ToPeer, o.Amount, o.WindowID,
		string(o.Status), o.EvidenceRef, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert obligation: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Obligation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, type, from_peer, to_peer, amount, window_id, status, evidence_ref, created_at, updated_at
		FROM obligations WHERE id = $1
	`, id)
	return scanObligation(row)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE obligations SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update obligation status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM obligations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrObligationNotFound
		}
		return ErrBadTransition
	}
	return nil
}

func (p *PostgresStore) ListByWindow(ctx context.Context, windowID string, statuses []Status) ([]*Obligation, error) {
	query := `
		SELECT id, type, from_peer, to_peer, amount, window_id, status, evidence_ref, created_at, updated_at
		FROM obligations WHERE window_id = $1`
	args := []any{windowID}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		query += ` AND status = ANY($2)`
		args = append(args, pq.StringArray(ss))
	}
	query += ` ORDER BY id ASC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObligations(rows)
}

func (p *PostgresStore) ListByPeer(ctx context.Context, peerAddr string, limit int) ([]*Obligation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, from_peer, to_peer, amount, window_id, status, evidence_ref, created_at, updated_at
		FROM obligations
		WHERE from_peer = $1 OR to_peer = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, peerAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObligations(rows)
}

func scanObligation(row interface{ Scan(...any) error }) (*Obligation, error) {
	var o Obligation
	var typ, status string
	err := row.Scan(&o.ID, &typ, &o.FromPeer, &o.ToPeer, &o.Amount,
		&o.WindowID, &status, &o.EvidenceRef, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrObligationNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Type = Type(typ)
	o.Status = Status(status)
	return &o, nil
}

func collectObligations(rows *sql.Rows) ([]*Obligation, error) {
	var out []*Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
