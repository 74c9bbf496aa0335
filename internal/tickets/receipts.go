package tickets

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/flotilla-net/flotilla/internal/idgen"
)

// TransitionReceipt is the immutable audit record of one state change.
// Disputes reference this chain as evidence.
type TransitionReceipt struct {
	ID          string    `json:"id"`
	TicketID    string    `json:"ticketId"`
	FromStatus  Status    `json:"fromStatus"`
	ToStatus    Status    `json:"toStatus"`
	PayloadHash string    `json:"payloadHash"`
	Signature   string    `json:"signature,omitempty"` // empty when signing is disabled
	IssuedAt    time.Time `json:"issuedAt"`
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	FromStatus string `json:"fromStatus"`
	IssuedAt   int64  `json:"issuedAt"`
	TicketID   string `json:"ticketId"`
	ToStatus   string `json:"toStatus"`
}

// ReceiptSigner signs transition receipts with HMAC-SHA256.
type ReceiptSigner struct {
	secret []byte
}

// NewReceiptSigner creates a signer. An empty secret disables signing;
// receipts are still recorded, just unsigned.
func NewReceiptSigner(secret string) *ReceiptSigner {
	return &ReceiptSigner{secret: []byte(secret)}
}

// Issue builds a signed receipt for one transition.
func (rs *ReceiptSigner) Issue(ticketID string, from, to Status) *TransitionReceipt {
	now := time.Now().UTC()
	payload := receiptPayload{
		FromStatus: string(from),
		IssuedAt:   now.Unix(),
		TicketID:   ticketID,
		ToStatus:   string(to),
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)

	r := &TransitionReceipt{
		ID:          idgen.WithPrefix("rcp_"),
		TicketID:    ticketID,
		FromStatus:  from,
		ToStatus:    to,
		PayloadHash: hex.EncodeToString(sum[:]),
		IssuedAt:    now,
	}
	if len(rs.secret) > 0 {
		mac := hmac.New(sha256.New, rs.secret)
		mac.Write(data)
		r.Signature = hex.EncodeToString(mac.Sum(nil))
	}
	return r
}

// Verify checks a receipt's HMAC signature.
func (rs *ReceiptSigner) Verify(r *TransitionReceipt) bool {
	if len(rs.secret) == 0 || r.Signature == "" {
		return false
	}
	data, _ := json.Marshal(receiptPayload{
		FromStatus: string(r.FromStatus),
		IssuedAt:   r.IssuedAt.Unix(),
		TicketID:   r.TicketID,
		ToStatus:   string(r.ToStatus),
	})
	mac := hmac.New(sha256.New, rs.secret)
	mac.Write(data)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}
