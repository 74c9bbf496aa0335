package arbitration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Votes are a JSONB
// column keyed by member address; they are only written through the
// coordinator, which owns the one-vote-per-member rule.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, obligation_id, filer, respondent, evidence, claimed_slash,
	prior_status, panel, votes, outcome, slash_amount, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	votes, err := json.Marshal(d.Votes)
	if err != nil {
		return err
	}
	var resolvedAt sql.NullTime
	if d.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *d.ResolvedAt, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.ObligationID, d.Filer, d.Respondent, d.Evidence, d.ClaimedSlash,
		d.PriorStatus, pq.StringArray(d.Panel), votes, string(d.Outcome),
		d.SlashAmount, d.CreatedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1
	`, id)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	votes, err := json.Marshal(d.Votes)
	if err != nil {
		return err
	}
	var resolvedAt sql.NullTime
	if d.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *d.ResolvedAt, Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			votes        = $2,
			outcome      = $3,
			slash_amount = $4,
			resolved_at  = $5
		WHERE id = $1
	`, d.ID, votes, string(d.Outcome), d.SlashAmount, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListPendingByPeer(ctx context.Context, peerAddr string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE outcome = 'pending' AND (filer = $1 OR respondent = $1)
		ORDER BY id ASC
	`, peerAddr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (p *PostgresStore) ListByObligation(ctx context.Context, obligationID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE obligation_id = $1 ORDER BY id ASC
	`, obligationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func scanDispute(row interface{ Scan(...any) error }) (*Dispute, error) {
	var d Dispute
	var panel pq.StringArray
	var votes []byte
	var outcome string
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.ObligationID, &d.Filer, &d.Respondent, &d.Evidence,
		&d.ClaimedSlash, &d.PriorStatus, &panel, &votes, &outcome,
		&d.SlashAmount, &d.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Panel = []string(panel)
	d.Outcome = Outcome(outcome)
	d.Votes = make(map[string]Vote)
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &d.Votes); err != nil {
			return nil, err
		}
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return &d, nil
}

func collectDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
