package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flotilla-net/flotilla/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Amounts are BIGINT
// smallest units; CHECK constraints stop overdraft at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, peerAddr string) (*Balance, error) {
	bal := &Balance{PeerAddr: peerAddr}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, total_in, total_out, updated_at
		FROM peer_balances WHERE peer_address = $1
	`, peerAddr).Scan(&bal.Available, &bal.Escrowed, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{PeerAddr: peerAddr, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, peerAddr string, amt int64, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO peer_balances (peer_address, available, total_in, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (peer_address) DO UPDATE SET
			available  = peer_balances.available + $2,
			total_in   = peer_balances.total_in  + $2,
			updated_at = NOW()
	`, peerAddr, amt)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	if err := insertEntry(ctx, tx, peerAddr, entryType, amt, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, peerAddr string, amt int64, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The CHECK constraint (available >= 0) rejects overdrafts.
	result, err := tx.ExecContext(ctx, `
		UPDATE peer_balances SET
			available  = available - $2,
			total_out  = total_out + $2,
			updated_at = NOW()
		WHERE peer_address = $1 AND available >= $2
	`, peerAddr, amt)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if exists, _ := peerExists(ctx, tx, peerAddr); !exists {
			return ErrPeerNotFound
		}
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, peerAddr, entryType, amt, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) LockEscrow(ctx context.Context, peerAddr string, amt int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE peer_balances SET
			available  = available - $2,
			escrowed   = escrowed  + $2,
			updated_at = NOW()
		WHERE peer_address = $1 AND available >= $2
	`, peerAddr, amt)
	if err != nil {
		return fmt.Errorf("failed to lock escrow: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if exists, _ := peerExists(ctx, tx, peerAddr); !exists {
			return ErrPeerNotFound
		}
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, peerAddr, EntryEscrowLock, amt, reference, "ticket escrow"); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) UnlockEscrow(ctx context.Context, peerAddr string, amt int64, entryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var result sql.Result
	if entryType == EntryEscrowRefund {
		result, err = tx.ExecContext(ctx, `
			UPDATE peer_balances SET
				escrowed   = escrowed  - $2,
				available  = available + $2,
				updated_at = NOW()
			WHERE peer_address = $1 AND escrowed >= $2
		`, peerAddr, amt)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE peer_balances SET
				escrowed   = escrowed  - $2,
				total_out  = total_out + $2,
				updated_at = NOW()
			WHERE peer_address = $1 AND escrowed >= $2
		`, peerAddr, amt)
	}
	if err != nil {
		return fmt.Errorf("failed to unlock escrow: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if exists, _ := peerExists(ctx, tx, peerAddr); !exists {
			return ErrPeerNotFound
		}
		return ErrInsufficientEscrow
	}

	if err := insertEntry(ctx, tx, peerAddr, entryType, amt, reference, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, peerAddr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, peer_address, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE peer_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, peerAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.PeerAddr, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasDeposit(ctx context.Context, txRef string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE type = $1 AND reference = $2)
	`, EntryDeposit, txRef).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListPeers(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT peer_address FROM peer_balances ORDER BY peer_address
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, peerAddr, entryType string, amt int64, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, peer_address, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, idgen.WithPrefix("ent_"), peerAddr, entryType, amt, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

func peerExists(ctx context.Context, tx *sql.Tx, peerAddr string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM peer_balances WHERE peer_address = $1)
	`, peerAddr).Scan(&exists)
	return exists, err
}
