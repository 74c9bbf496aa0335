package wire

import "fmt"

// Canonical message formats for domain signatures. Both sides of every
// operation must build the identical string before signing or verifying.

// PresentMessage is signed by ticket lock-key holders to redeem.
func PresentMessage(ticketID string) string {
	return fmt.Sprintf("Flotilla|present|%s", ticketID)
}

// RefundMessage is signed by refund-key holders to reclaim after expiry.
func RefundMessage(ticketID string) string {
	return fmt.Sprintf("Flotilla|refund|%s", ticketID)
}

// VoteMessage is signed by an arbitration panel member.
func VoteMessage(disputeID, vote string, slashAmount int64) string {
	return fmt.Sprintf("Flotilla|vote|%s|%s|%d", disputeID, vote, slashAmount)
}

// AckMessage is signed by a counterparty acknowledging a netting result.
func AckMessage(windowID, computedNet string) string {
	return fmt.Sprintf("Flotilla|netack|%s|%s", windowID, computedNet)
}

// BondMessage is signed by a peer posting collateral.
func BondMessage(peerAddr string, amount int64) string {
	return fmt.Sprintf("Flotilla|bond|%s|%d", peerAddr, amount)
}

// ReceiptMessage is signed over settlement evidence by the obligated peer.
func ReceiptMessage(schema, evidenceDigest string) string {
	return fmt.Sprintf("Flotilla|receipt|%s|%s", schema, evidenceDigest)
}
