package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/flotilla-net/flotilla/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(peerAddr string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToPeer(ctx, peerAddr, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "peer", peerAddr, "error", err)
	}
}

// --- Ticket events ---

// EmitTicketFinalized emits a ticket.finalized event to the payee.
func (e *Emitter) EmitTicketFinalized(payee, ticketID, payer string, amount int64, txRef string) {
	e.emit(payee, EventTicketFinalized, map[string]interface{}{
		"ticketId": ticketID,
		"payer":    payer,
		"payee":    payee,
		"amount":   amount,
		"txRef":    txRef,
	})
}

// EmitReclaimEligible emits a ticket.reclaim_eligible event to the payer.
func (e *Emitter) EmitReclaimEligible(payer, ticketID, payee string, amount int64) {
	e.emit(payer, EventReclaimEligible, map[string]interface{}{
		"ticketId": ticketID,
		"payer":    payer,
		"payee":    payee,
		"amount":   amount,
	})
}

// --- Settlement events ---

// EmitObligationRecorded emits an obligation.recorded event to the creditor.
func (e *Emitter) EmitObligationRecorded(toPeer, obligationID, fromPeer, settlementType string, amount int64) {
	e.emit(toPeer, EventObligationRecorded, map[string]interface{}{
		"obligationId": obligationID,
		"fromPeer":     fromPeer,
		"toPeer":       toPeer,
		"type":         settlementType,
		"amount":       amount,
	})
}

// EmitNettingExecuted emits a netting.executed event to a participant.
func (e *Emitter) EmitNettingExecuted(peerAddr, proposalID, windowID string, transfers int) {
	e.emit(peerAddr, EventNettingExecuted, map[string]interface{}{
		"proposalId": proposalID,
		"windowId":   windowID,
		"transfers":  transfers,
	})
}

// --- Dispute and bond events ---

// EmitDisputeResolved emits a dispute.resolved event to the respondent.
func (e *Emitter) EmitDisputeResolved(respondent, disputeID, obligationID, outcome string, slashAmount int64) {
	e.emit(respondent, EventDisputeResolved, map[string]interface{}{
		"disputeId":    disputeID,
		"obligationId": obligationID,
		"outcome":      outcome,
		"slashAmount":  slashAmount,
	})
}

// EmitBondSlashed emits a bond.slashed event to the bonded peer.
func (e *Emitter) EmitBondSlashed(peerAddr, disputeRef string, amount, remaining int64) {
	e.emit(peerAddr, EventBondSlashed, map[string]interface{}{
		"peerAddr":   peerAddr,
		"disputeRef": disputeRef,
		"amount":     amount,
		"remaining":  remaining,
	})
}

// EmitBondRefunded emits a bond.refunded event to the bonded peer.
func (e *Emitter) EmitBondRefunded(peerAddr string, amount int64) {
	e.emit(peerAddr, EventBondRefunded, map[string]interface{}{
		"peerAddr": peerAddr,
		"amount":   amount,
	})
}
