// Package secrets generates and guards hash-lock preimages.
//
// Flow:
//  1. Worker node generates a preimage for a task → only the hash leaves
//  2. Payer mints a ticket whose hash lock is that hash
//  3. Worker completes the task and reveals the preimage to redeem
//  4. Revealed secrets outlive redemption latency, then get pruned
//
// Preimages are persisted encrypted at rest under a key derived once at
// process start. A secret is never rotated once a ticket references it.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/flotilla-net/flotilla/internal/idgen"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrCipher         = errors.New("secret cipher failure")
)

// Secret is one task's hash-lock material. Preimage is stored encrypted;
// the struct holds ciphertext when loaded from a store.
type Secret struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	Ciphertext []byte     `json:"-"`
	Hash       string     `json:"hash"` // hex sha256 of the plaintext preimage
	RevealedAt *time.Time `json:"revealedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store persists secrets.
type Store interface {
	Create(ctx context.Context, s *Secret) error
	GetByTask(ctx context.Context, taskID string) (*Secret, error)
	MarkRevealed(ctx context.Context, taskID string, at time.Time) error
	Prune(ctx context.Context, revealedBefore time.Time) (int, error)
}

// Service owns the process cipher key and the generate/reveal lifecycle.
type Service struct {
	store Store
	gcm   cipher.AEAD
}

// NewService derives the at-rest encryption key from keyMaterial once.
// The same material must be supplied across restarts or persisted secrets
// become unreadable.
func NewService(store Store, keyMaterial string) (*Service, error) {
	if keyMaterial == "" {
		return nil, fmt.Errorf("secrets: key material is required")
	}
	key := sha256.Sum256([]byte("flotilla-secrets-v1|" + keyMaterial))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm init: %w", err)
	}
	return &Service{store: store, gcm: gcm}, nil
}

// Generate creates a 32-byte random preimage for taskID, persists it
// encrypted, and returns only the hex hash. Calling Generate again for
// the same task returns the existing hash: the preimage behind a
// published hash lock never changes.
func (s *Service) Generate(ctx context.Context, taskID string) (string, error) {
	if existing, err := s.store.GetByTask(ctx, taskID); err == nil {
		return existing.Hash, nil
	}

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return "", fmt.Errorf("secrets: entropy: %w", err)
	}
	sum := sha256.Sum256(preimage)

	ct, err := s.seal(preimage)
	if err != nil {
		return "", err
	}

	secret := &Secret{
		ID:         idgen.WithPrefix("sec_"),
		TaskID:     taskID,
		Ciphertext: ct,
		Hash:       hex.EncodeToString(sum[:]),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Create(ctx, secret); err != nil {
		return "", fmt.Errorf("secrets: persist: %w", err)
	}
	return secret.Hash, nil
}

// Reveal returns the hex preimage for taskID and stamps revealed_at on
// first call. Revealing an already-revealed secret returns the same
// preimage without error.
func (s *Service) Reveal(ctx context.Context, taskID string) (string, error) {
	secret, err := s.store.GetByTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	preimage, err := s.open(secret.Ciphertext)
	if err != nil {
		return "", err
	}

	if secret.RevealedAt == nil {
		if err := s.store.MarkRevealed(ctx, taskID, time.Now().UTC()); err != nil {
			return "", fmt.Errorf("secrets: mark revealed: %w", err)
		}
	}
	return hex.EncodeToString(preimage), nil
}

// Hash returns the hash for taskID without decrypting anything.
func (s *Service) Hash(ctx context.Context, taskID string) (string, error) {
	secret, err := s.store.GetByTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return secret.Hash, nil
}

// Prune deletes revealed secrets whose reveal predates the horizon.
// Unrevealed secrets are never pruned: their tickets may still be live.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.store.Prune(ctx, time.Now().UTC().Add(-olderThan))
}

func (s *Service) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce", ErrCipher)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Service) open(ct []byte) ([]byte, error) {
	ns := s.gcm.NonceSize()
	if len(ct) < ns {
		return nil, ErrCipher
	}
	pt, err := s.gcm.Open(nil, ct[:ns], ct[ns:], nil)
	if err != nil {
		return nil, ErrCipher
	}
	return pt, nil
}
