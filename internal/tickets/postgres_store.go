package tickets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ticket store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Ticket) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tickets (
			id, kind, trust_level, payer, payee, amount,
			lock_keys, threshold, hash_lock, timelock, refund_keys,
			status, obligation_ref, obligation_ids, backend_ref, group_id, seq, tx_ref,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		t.ID, string(t.Kind), string(t.TrustLevel), t.Payer, t.Payee, t.Amount,
		pq.StringArray(t.Condition.LockKeys), t.Condition.Threshold, t.Condition.HashLock,
		t.Condition.Timelock, pq.StringArray(t.Condition.RefundKeys),
		string(t.Status), t.ObligationRef, pq.StringArray(t.ObligationIDs), t.BackendRef, t.GroupID, t.Seq, t.TxRef,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

const ticketColumns = `
	id, kind, trust_level, payer, payee, amount,
	lock_keys, threshold, hash_lock, timelock, refund_keys,
	status, obligation_ref, obligation_ids, backend_ref, group_id, seq, tx_ref,
	created_at, updated_at, finalized_at
`

func scanTicket(row interface{ Scan(...any) error }) (*Ticket, error) {
	t := &Ticket{}
	var (
		kind, trust, status    string
		lockKeys, refundKeys   pq.StringArray
		oblIDs                 pq.StringArray
		hashLock               sql.NullString
		oblRef, bkRef, grp, tx sql.NullString
		finalized              sql.NullTime
		timelock               time.Time
	)
	err := row.Scan(
		&t.ID, &kind, &trust, &t.Payer, &t.Payee, &t.Amount,
		&lockKeys, &t.Condition.Threshold, &hashLock, &timelock, &refundKeys,
		&status, &oblRef, &oblIDs, &bkRef, &grp, &t.Seq, &tx,
		&t.CreatedAt, &t.UpdatedAt, &finalized,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.TrustLevel = TrustLevel(trust)
	t.Status = Status(status)
	t.Condition.LockKeys = []string(lockKeys)
	t.Condition.HashLock = hashLock.String
	t.Condition.Timelock = timelock
	t.Condition.RefundKeys = []string(refundKeys)
	t.ObligationRef = oblRef.String
	t.ObligationIDs = []string(oblIDs)
	t.BackendRef = bkRef.String
	t.GroupID = grp.String
	t.TxRef = tx.String
	if finalized.Valid {
		ft := finalized.Time
		t.FinalizedAt = &ft
	}
	return t, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ticket, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	return scanTicket(row)
}

func (p *PostgresStore) Update(ctx context.Context, t *Ticket) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tickets SET
			kind = $2, trust_level = $3, status = $4, tx_ref = $5,
			updated_at = $6, finalized_at = $7
		WHERE id = $1
	`, t.ID, string(t.Kind), string(t.TrustLevel), string(t.Status), t.TxRef, t.UpdatedAt, t.FinalizedAt)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (p *PostgresStore) ListByPeer(ctx context.Context, peerAddr string, limit int) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE payer = $1 OR payee = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, peerAddr, limit)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (p *PostgresStore) ListByGroup(ctx context.Context, groupID string) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE group_id = $1
		ORDER BY seq ASC
	`, groupID)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = $1 AND timelock <= $2
		ORDER BY timelock ASC
		LIMIT $3
	`, string(StatusPending), before, limit)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func collectTickets(rows *sql.Rows) ([]*Ticket, error) {
	defer rows.Close()
	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendReceipt(ctx context.Context, r *TransitionReceipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ticket_receipts (id, ticket_id, from_status, to_status, payload_hash, signature, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, r.ID, r.TicketID, string(r.FromStatus), string(r.ToStatus), r.PayloadHash, r.Signature, r.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListReceipts(ctx context.Context, ticketID string) ([]*TransitionReceipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ticket_id, from_status, to_status, payload_hash, COALESCE(signature, ''), issued_at
		FROM ticket_receipts
		WHERE ticket_id = $1
		ORDER BY issued_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TransitionReceipt
	for rows.Next() {
		r := &TransitionReceipt{}
		var from, to string
		if err := rows.Scan(&r.ID, &r.TicketID, &from, &to, &r.PayloadHash, &r.Signature, &r.IssuedAt); err != nil {
			return nil, err
		}
		r.FromStatus = Status(from)
		r.ToStatus = Status(to)
		out = append(out, r)
	}
	return out, rows.Err()
}
