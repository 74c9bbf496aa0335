// Package wire defines the signed messages the engine exchanges with the
// fleet transport collaborator.
//
// Every message carries a generated event ID so retransmission by the
// gossip layer is harmless: receivers deduplicate on event ID, not on
// payload content. Payloads are opaque to the transport.
package wire

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flotilla-net/flotilla/internal/idgen"
)

// Message types.
const (
	TypeTicketPresent     = "ticket_present"
	TypeTicketRefund      = "ticket_refund"
	TypeSettlementReceipt = "settlement_receipt"
	TypeBondPost          = "bond_post"
	TypeBondSlash         = "bond_slash"
	TypeNettingProposal   = "netting_proposal"
	TypeNettingAck        = "netting_ack"
	TypeDisputeFile       = "dispute_file"
	TypeArbitrationVote   = "arbitration_vote"
)

// Envelope wraps a wire payload with its type, idempotency key, and signature.
type Envelope struct {
	Type      string          `json:"type"`
	EventID   string          `json:"eventId"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	SentAt    time.Time       `json:"sentAt"`
}

// TicketPresent requests redemption of a ticket.
type TicketPresent struct {
	TicketID  string `json:"ticketId"`
	Signature string `json:"signature"`
	Preimage  string `json:"preimage,omitempty"`
}

// TicketRefund requests the refund path of an expired ticket.
type TicketRefund struct {
	TicketID  string `json:"ticketId"`
	Signature string `json:"signature"`
}

// SettlementReceipt carries signed evidence that creates an obligation.
type SettlementReceipt struct {
	ObligationID string          `json:"obligationId,omitempty"`
	Schema       string          `json:"schema"`
	Evidence     json.RawMessage `json:"evidence"`
	Signature    string          `json:"signature"`
}

// BondPost announces posted collateral.
type BondPost struct {
	PeerAddr  string `json:"peerAddr"`
	Amount    int64  `json:"amount"`
	Signature string `json:"signature"`
}

// BondSlash announces an arbitration-authorized slash.
type BondSlash struct {
	DisputeID  string   `json:"disputeId"`
	Amount     int64    `json:"amount"`
	PanelVotes []string `json:"panelVotes"`
}

// NettingProposal opens a netting round over a window's obligation set.
type NettingProposal struct {
	WindowID          string `json:"windowId"`
	ObligationsDigest string `json:"obligationsDigest"`
}

// NettingAck returns a counterparty's independently computed net.
type NettingAck struct {
	WindowID    string `json:"windowId"`
	ComputedNet string `json:"computedNet"` // canonical digest of the NetResult
	Signature   string `json:"signature"`
}

// DisputeFile contests an obligation.
type DisputeFile struct {
	DisputeID    string          `json:"disputeId"`
	ObligationID string          `json:"obligationId"`
	Evidence     json.RawMessage `json:"evidence"`
}

// ArbitrationVote is one panel member's signed verdict.
type ArbitrationVote struct {
	DisputeID   string `json:"disputeId"`
	Vote        string `json:"vote"` // uphold | reject | partial
	SlashAmount int64  `json:"slashAmount,omitempty"`
	Signature   string `json:"signature"`
}

// NewEnvelope wraps payload, assigns an event ID, and signs the payload
// bytes with the sender's key.
func NewEnvelope(msgType, senderPrivKey string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sender, err := AddressFromKey(senderPrivKey)
	if err != nil {
		return nil, err
	}
	sig, err := Sign(string(raw), senderPrivKey)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		EventID:   idgen.WithPrefix("evt_"),
		Sender:    sender,
		Payload:   raw,
		Signature: sig,
		SentAt:    time.Now().UTC(),
	}, nil
}

// Verify checks the envelope signature against the claimed sender.
func (e *Envelope) Verify() error {
	return VerifySignature(string(e.Payload), e.Signature, e.Sender)
}

// Dedup remembers recently seen event IDs so retransmitted envelopes are
// dropped instead of reprocessed.
type Dedup struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

// NewDedup creates a dedup window. Entries older than window are evicted
// lazily on Seen calls.
func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = time.Hour
	}
	return &Dedup{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// Seen records eventID and reports whether it was already present.
func (d *Dedup) Seen(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if t, ok := d.seen[eventID]; ok && now.Sub(t) < d.window {
		return true
	}
	d.seen[eventID] = now

	// Opportunistic eviction keeps the map bounded under steady traffic.
	if len(d.seen) > 10000 {
		for id, t := range d.seen {
			if now.Sub(t) >= d.window {
				delete(d.seen, id)
			}
		}
	}
	return false
}
