package netting

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Acks are a JSONB
// column keyed by peer address; they are only ever written through the
// engine, which holds the agreement logic.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed proposal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateProposal(ctx context.Context, pr *Proposal) error {
	acks, err := json.Marshal(pr.Acks)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO netting_proposals
			(id, window_id, obligations_digest, participants, acks, obligation_ids, ticket_ids, status, created_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, pr.ID, pr.WindowID, pr.Digest, pq.StringArray(pr.Participants),
		acks, pq.StringArray(pr.ObligationIDs), pq.StringArray(pr.TicketIDs),
		string(pr.Status), pr.CreatedAt, pr.Deadline)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, window_id, obligations_digest, participants, acks, obligation_ids, ticket_ids, status, created_at, deadline
		FROM netting_proposals WHERE id = $1
	`, id)
	return scanProposal(row)
}

func (p *PostgresStore) UpdateProposal(ctx context.Context, pr *Proposal) error {
	acks, err := json.Marshal(pr.Acks)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE netting_proposals
		SET acks = $2, obligation_ids = $3, ticket_ids = $4, status = $5
		WHERE id = $1
	`, pr.ID, acks, pq.StringArray(pr.ObligationIDs), pq.StringArray(pr.TicketIDs), string(pr.Status))
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProposalNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpenProposals(ctx context.Context) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, window_id, obligations_digest, participants, acks, obligation_ids, ticket_ids, status, created_at, deadline
		FROM netting_proposals WHERE status = 'open' ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		pr, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func scanProposal(row interface{ Scan(...any) error }) (*Proposal, error) {
	var pr Proposal
	var participants, oblIDs, ticketIDs pq.StringArray
	var acks []byte
	var status string
	err := row.Scan(&pr.ID, &pr.WindowID, &pr.Digest, &participants,
		&acks, &oblIDs, &ticketIDs, &status, &pr.CreatedAt, &pr.Deadline)
	if err == sql.ErrNoRows {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Participants = []string(participants)
	pr.ObligationIDs = []string(oblIDs)
	pr.TicketIDs = []string(ticketIDs)
	pr.Status = ProposalStatus(status)
	pr.Acks = make(map[string]string)
	if len(acks) > 0 {
		if err := json.Unmarshal(acks, &pr.Acks); err != nil {
			return nil, err
		}
	}
	return &pr, nil
}
