package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flotilla-net/flotilla/internal/amount"
	"github.com/flotilla-net/flotilla/internal/tickets"
)

var (
	ErrNoEvents       = errors.New("settlement: no events to calculate from")
	ErrNegativeEvent  = errors.New("settlement: event carries a negative value")
	ErrAmountOverflow = errors.New("settlement: calculated amount overflows")
)

const (
	bpsDenominator = 10000

	// Ticket timelocks per category. Obligation tickets get a generous
	// window; priority-market fees settle fast by design.
	defaultTicketWindow  = 72 * time.Hour
	priorityTicketWindow = 6 * time.Hour
)

var (
	_ Strategy = (*routingRevenueHandler)(nil)
	_ Strategy = (*rebalancingCostHandler)(nil)
	_ Strategy = (*capacityLeaseHandler)(nil)
	_ Strategy = (*cooperativeCapacityHandler)(nil)
	_ Strategy = (*pooledCapacityHandler)(nil)
	_ Strategy = (*priorityFeeHandler)(nil)
	_ Strategy = (*dataFeeHandler)(nil)
	_ Strategy = (*penaltyHandler)(nil)
	_ Strategy = (*agentFeeHandler)(nil)
)

// Routing revenue share by reputation tier, in basis points of the
// forwarded fee total.
var routingShareBps = map[string]int64{
	"bronze":   4000,
	"silver":   4500,
	"gold":     5000,
	"platinum": 5500,
}

func sumEventAmounts(events []Event) (int64, error) {
	if len(events) == 0 {
		return 0, ErrNoEvents
	}
	var total int64
	for _, e := range events {
		if e.Amount < 0 {
			return 0, ErrNegativeEvent
		}
		t, err := amount.Add(total, e.Amount)
		if err != nil {
			return 0, ErrAmountOverflow
		}
		total = t
	}
	return total, nil
}

func sumUnitsTimesRate(events []Event) (int64, error) {
	if len(events) == 0 {
		return 0, ErrNoEvents
	}
	var total int64
	for _, e := range events {
		if e.Units < 0 || e.Rate < 0 {
			return 0, ErrNegativeEvent
		}
		if e.Rate != 0 && e.Units > (1<<62)/e.Rate {
			return 0, ErrAmountOverflow
		}
		t, err := amount.Add(total, e.Units*e.Rate)
		if err != nil {
			return 0, ErrAmountOverflow
		}
		total = t
	}
	return total, nil
}

// basicVerify rejects structurally empty evidence. The signature itself
// is already checked by the service before any handler runs.
func basicVerify(ev Evidence) bool {
	return ev.Payload != "" && ev.Signer != ""
}

func ticketSpec(o *Obligation, window time.Duration) tickets.CreateRequest {
	return tickets.CreateRequest{
		Payer:         o.FromPeer,
		LockKeys:      []string{o.ToPeer},
		Timelock:      time.Now().Add(window),
		RefundKeys:    []string{o.FromPeer},
		Amount:        o.Amount,
		ObligationRef: o.ID,
		ObligationIDs: []string{o.ID},
	}
}

// -----------------------------------------------------------------------------
// routing_revenue — share of forwarded routing fees, tier-weighted
// -----------------------------------------------------------------------------

type routingRevenueHandler struct {
	tiers TierLookup
}

func (h *routingRevenueHandler) Type() Type { return TypeRoutingRevenue }

// Calculate sums the forwarded fees; the tier share is applied in
// Adjust once the payee is known.
func (h *routingRevenueHandler) Calculate(events []Event) (int64, error) {
	return sumEventAmounts(events)
}

// Adjust scales the fee total by the payee's tier share. Unknown peers
// and lookup failures fall back to the bronze floor.
func (h *routingRevenueHandler) Adjust(ctx context.Context, o *Obligation) int64 {
	share := routingShareBps["bronze"]
	if h.tiers != nil {
		if tier, err := h.tiers.Tier(ctx, o.ToPeer); err == nil {
			if bps, ok := routingShareBps[tier]; ok {
				share = bps
			}
		}
	}
	return o.Amount * share / bpsDenominator
}

func (h *routingRevenueHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *routingRevenueHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, defaultTicketWindow), nil
}

// -----------------------------------------------------------------------------
// rebalancing_cost — the initiator reimburses half of the measured cost
// -----------------------------------------------------------------------------

type rebalancingCostHandler struct{}

func (h *rebalancingCostHandler) Type() Type { return TypeRebalancingCost }

func (h *rebalancingCostHandler) Calculate(events []Event) (int64, error) {
	total, err := sumEventAmounts(events)
	if err != nil {
		return 0, err
	}
	// Integer halving; the remainder unit stays with the payer. Both
	// sides compute the same floor, so there is no rounding dispute.
	return total / 2, nil
}

func (h *rebalancingCostHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *rebalancingCostHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, defaultTicketWindow), nil
}

// -----------------------------------------------------------------------------
// capacity_lease — leased units at the agreed rate
// -----------------------------------------------------------------------------

type capacityLeaseHandler struct{}

func (h *capacityLeaseHandler) Type() Type { return TypeCapacityLease }

func (h *capacityLeaseHandler) Calculate(events []Event) (int64, error) {
	return sumUnitsTimesRate(events)
}

func (h *capacityLeaseHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *capacityLeaseHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, defaultTicketWindow), nil
}

// -----------------------------------------------------------------------------
// cooperative_capacity — pass-through of the mutually signed amounts
// -----------------------------------------------------------------------------

type cooperativeCapacityHandler struct{}

func (h *cooperativeCapacityHandler) Type() Type { return TypeCooperativeCapacity }

func (h *cooperativeCapacityHandler) Calculate(events []Event) (int64, error) {
	return sumEventAmounts(events)
}

func (h *cooperativeCapacityHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *cooperativeCapacityHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, defaultTicketWindow), nil
}

// -----------------------------------------------------------------------------
// pooled_capacity — pool revenue times the participant's share in bps
// -----------------------------------------------------------------------------

type pooledCapacityHandler struct{}

func (h *pooledCapacityHandler) Type() Type { return TypePooledCapacity }

func (h *pooledCapacityHandler) Calculate(events []Event) (int64, error) {
	if len(events) == 0 {
		return 0, ErrNoEvents
	}
	var total int64
	for _, e := range events {
		if e.Amount < 0 {
			return 0, ErrNegativeEvent
		}
		if e.Units < 0 || e.Units > bpsDenominator {
			return 0, fmt.Errorf("pooled_capacity: share %d out of range [0,%d]", e.Units, bpsDenominator)
		}
		t, err := amount.Add(total, e.Amount*e.Units/bpsDenominator)
		if err != nil {
			return 0, ErrAmountOverflow
		}
		total = t
	}
	return total, nil
}

func (h *pooledCapacityHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *pooledCapacityHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, defaultTicketWindow), nil
}

// -----------------------------------------------------------------------------
// priority_fee — priority-market fees accrue in full, settle fast
// -----------------------------------------------------------------------------

type priorityFeeHandler struct{}

func (h *priorityFeeHandler) Type() Type { return TypePriorityFee }

func (h *priorityFeeHandler) Calculate(events []Event) (int64, error) {
	return sumEventAmounts(events)
}

func (h *priorityFeeHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *priorityFeeHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, priorityTicketWindow), nil
}

// -----------------------------------------------------------------------------
// data_fee — transferred units at the data-market rate
// -----------------------------------------------------------------------------

type dataFeeHandler struct{}

func (h *dataFeeHandler) Type() Type { return TypeDataFee }

func (h *dataFeeHandler) Calculate(events []Event) (int64, error) {
	return sumUnitsTimesRate(events)
}

func (h *dataFeeHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *dataFeeHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, defaultTicketWindow), nil
}

// -----------------------------------------------------------------------------
// penalty — adjudicated amount, capped by the respondent's slashable bond
// -----------------------------------------------------------------------------

type penaltyHandler struct {
	bonds BondView
}

func (h *penaltyHandler) Type() Type { return TypePenalty }

func (h *penaltyHandler) Calculate(events []Event) (int64, error) {
	return sumEventAmounts(events)
}

// Adjust caps the penalty by what the respondent's bond can cover.
// A lookup failure leaves the amount unchanged; the cap is enforced
// again at slash time.
func (h *penaltyHandler) Adjust(ctx context.Context, o *Obligation) int64 {
	if h.bonds == nil {
		return o.Amount
	}
	slashable, err := h.bonds.Slashable(ctx, o.FromPeer)
	if err != nil || slashable >= o.Amount {
		return o.Amount
	}
	return slashable
}

func (h *penaltyHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *penaltyHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, defaultTicketWindow), nil
}

// -----------------------------------------------------------------------------
// agent_fee — commission on agent-mediated volume, in bps
// -----------------------------------------------------------------------------

const agentFeeBps = 250

type agentFeeHandler struct{}

func (h *agentFeeHandler) Type() Type { return TypeAgentFee }

func (h *agentFeeHandler) Calculate(events []Event) (int64, error) {
	total, err := sumEventAmounts(events)
	if err != nil {
		return 0, err
	}
	return total * agentFeeBps / bpsDenominator, nil
}

func (h *agentFeeHandler) Verify(ev Evidence) bool { return basicVerify(ev) }

func (h *agentFeeHandler) Execute(o *Obligation) (tickets.CreateRequest, error) {
	return ticketSpec(o, defaultTicketWindow), nil
}
