package secrets

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists secrets in PostgreSQL. The preimage column holds
// AES-GCM ciphertext; plaintext never reaches the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed secret store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Secret) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO secrets (id, task_id, ciphertext, hash, revealed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.TaskID, s.Ciphertext, s.Hash, s.RevealedAt, s.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetByTask(ctx context.Context, taskID string) (*Secret, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, task_id, ciphertext, hash, revealed_at, created_at
		FROM secrets WHERE task_id = $1`, taskID)

	var s Secret
	var revealedAt sql.NullTime
	err := row.Scan(&s.ID, &s.TaskID, &s.Ciphertext, &s.Hash, &revealedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}
	if revealedAt.Valid {
		t := revealedAt.Time
		s.RevealedAt = &t
	}
	return &s, nil
}

func (p *PostgresStore) MarkRevealed(ctx context.Context, taskID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE secrets SET revealed_at = $1
		WHERE task_id = $2 AND revealed_at IS NULL`, at, taskID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Already revealed or missing; distinguish for the caller.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM secrets WHERE task_id = $1)`, taskID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrSecretNotFound
		}
	}
	return nil
}

func (p *PostgresStore) Prune(ctx context.Context, revealedBefore time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM secrets
		WHERE revealed_at IS NOT NULL AND revealed_at < $1`, revealedBefore)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}
