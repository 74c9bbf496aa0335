// Package condition builds and checks composite spending conditions.
//
// A condition combines a lock key-set with an m-of-n threshold, an
// optional hash lock, an absolute timelock, and a refund key-set. It is
// pure data with pure checks: no I/O, no clock access (callers pass now).
package condition

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/flotilla-net/flotilla/internal/validation"
	"github.com/flotilla-net/flotilla/internal/wire"
)

var (
	ErrNoLockKeys       = errors.New("condition: lock key set is empty")
	ErrBadThreshold     = errors.New("condition: threshold exceeds lock key set size")
	ErrBadAddress       = errors.New("condition: invalid peer address in key set")
	ErrBadHashLock      = errors.New("condition: hash lock must be a 32-byte hex digest")
	ErrTimelockPast     = errors.New("condition: timelock is in the past")
	ErrNoRefundPath     = errors.New("condition: timelock without refund keys would strand funds")
	ErrThresholdNotMet  = errors.New("condition: lock signature threshold not met")
	ErrRefundSigInvalid = errors.New("condition: no valid refund signature")
	ErrPreimageMismatch = errors.New("condition: preimage does not match hash lock")
)

// Condition is the composite spending condition attached to a ticket.
type Condition struct {
	LockKeys   []string  `json:"lockKeys"`           // sorted lowercase addresses
	Threshold  int       `json:"threshold"`          // m of n
	HashLock   string    `json:"hashLock,omitempty"` // hex sha256 digest, empty = unconditional
	Timelock   time.Time `json:"timelock"`           // absolute expiry instant
	RefundKeys []string  `json:"refundKeys"`         // sorted lowercase addresses
}

// Compose validates and normalizes a condition. It fails loudly on any
// combination that could strand funds or never be satisfiable.
func Compose(lockKeys []string, threshold int, hashLock string, timelock time.Time, refundKeys []string, now time.Time) (*Condition, error) {
	if len(lockKeys) == 0 {
		return nil, ErrNoLockKeys
	}
	if threshold < 1 || threshold > len(lockKeys) {
		return nil, ErrBadThreshold
	}
	if !timelock.After(now) {
		return nil, ErrTimelockPast
	}
	if len(refundKeys) == 0 {
		// Every ticket here carries a timelock, so a refund path is
		// mandatory: without one, expiry leaves value unreachable forever.
		return nil, ErrNoRefundPath
	}

	lock, err := normalizeKeys(lockKeys)
	if err != nil {
		return nil, err
	}
	refund, err := normalizeKeys(refundKeys)
	if err != nil {
		return nil, err
	}

	if hashLock != "" {
		h := strings.ToLower(strings.TrimPrefix(hashLock, "0x"))
		if len(h) != 64 || !validation.IsValidHex(h) {
			return nil, ErrBadHashLock
		}
		hashLock = h
	}

	return &Condition{
		LockKeys:   lock,
		Threshold:  threshold,
		HashLock:   hashLock,
		Timelock:   timelock.UTC(),
		RefundKeys: refund,
	}, nil
}

func normalizeKeys(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		addr := validation.SanitizeAddress(k)
		if !validation.IsValidPeerAddress(addr) {
			return nil, ErrBadAddress
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

// HasHashLock reports whether redemption additionally requires a preimage.
func (c *Condition) HasHashLock() bool {
	return c.HashLock != ""
}

// Expired reports whether the refund path is active at the given instant.
func (c *Condition) Expired(now time.Time) bool {
	return !now.Before(c.Timelock)
}

// CheckPreimage verifies sha256(preimage) against the hash lock.
// preimage is hex-encoded.
func (c *Condition) CheckPreimage(preimageHex string) error {
	if !c.HasHashLock() {
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(preimageHex, "0x"))
	if err != nil {
		return ErrPreimageMismatch
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != c.HashLock {
		return ErrPreimageMismatch
	}
	return nil
}

// VerifyLockSignatures checks that at least Threshold distinct lock keys
// signed the message. Duplicate signatures from the same key count once;
// signatures from keys outside the set are ignored, not errors — a single
// forged or stray signature must not invalidate an otherwise valid bundle.
func (c *Condition) VerifyLockSignatures(message string, sigs []string) error {
	signers := make(map[string]bool)
	for _, sig := range sigs {
		addr, err := wire.RecoverAddress(message, sig)
		if err != nil {
			continue
		}
		if c.containsLockKey(addr) {
			signers[addr] = true
		}
	}
	if len(signers) < c.Threshold {
		return ErrThresholdNotMet
	}
	return nil
}

// VerifyRefundSignature checks a 1-of-n signature under the refund key set.
func (c *Condition) VerifyRefundSignature(message string, sig string) error {
	addr, err := wire.RecoverAddress(message, sig)
	if err != nil {
		return ErrRefundSigInvalid
	}
	for _, k := range c.RefundKeys {
		if k == addr {
			return nil
		}
	}
	return ErrRefundSigInvalid
}

func (c *Condition) containsLockKey(addr string) bool {
	i := sort.SearchStrings(c.LockKeys, addr)
	return i < len(c.LockKeys) && c.LockKeys[i] == addr
}

// digestPayload is the canonical struct hashed by Digest. Field order is
// fixed; two peers composing the same condition get the same digest.
type digestPayload struct {
	HashLock   string   `json:"hashLock"`
	LockKeys   []string `json:"lockKeys"`
	RefundKeys []string `json:"refundKeys"`
	Threshold  int      `json:"threshold"`
	Timelock   int64    `json:"timelock"` // unix seconds, UTC
}

// Digest returns the canonical hex sha256 digest of the condition.
func (c *Condition) Digest() string {
	data, _ := json.Marshal(digestPayload{
		HashLock:   c.HashLock,
		LockKeys:   c.LockKeys,
		RefundKeys: c.RefundKeys,
		Threshold:  c.Threshold,
		Timelock:   c.Timelock.Unix(),
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
