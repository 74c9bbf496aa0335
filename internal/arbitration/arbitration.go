// Package arbitration resolves contested obligations through a
// deterministically selected, stake-weighted peer panel.
//
// Panel selection is a pure function of the dispute ID, an external
// randomness seed, and the eligible peer set: every honest node derives
// the same panel, so no coordinator is needed and a dishonest node
// cannot steer membership. Resolution biases toward the status quo: a
// tie or a sub-quorum turnout rejects the dispute with no slash.
package arbitration

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/flotilla-net/flotilla/internal/idgen"
	"github.com/flotilla-net/flotilla/internal/metrics"
	"github.com/flotilla-net/flotilla/internal/wire"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrDisputeResolved  = errors.New("dispute already resolved")
	ErrPanelUnavailable = errors.New("not enough eligible peers for a panel")
	ErrNotPanelMember   = errors.New("voter is not on the panel")
	ErrAlreadyVoted     = errors.New("panel member already voted")
	ErrBadVote          = errors.New("invalid vote")
	ErrBadSignature     = errors.New("vote signature verification failed")
)

// minEligible below which arbitration is unavailable and parties fall
// back to bilateral negotiation.
const minEligible = 5

// Vote choices.
const (
	VoteUphold  = "uphold"
	VoteReject  = "reject"
	VotePartial = "partial"
)

// Outcome of a dispute.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeUpheld   Outcome = "upheld"
	OutcomeRejected Outcome = "rejected"
	OutcomePartial  Outcome = "partial"
)

// Vote is one panel member's signed verdict.
type Vote struct {
	Member      string    `json:"member"`
	Choice      string    `json:"choice"`
	SlashAmount int64     `json:"slashAmount,omitempty"` // partial votes only
	Signature   string    `json:"signature"`
	CastAt      time.Time `json:"castAt"`
}

// Dispute is one contested obligation under arbitration.
type Dispute struct {
	ID           string          `json:"id"`
	ObligationID string          `json:"obligationId"`
	Filer        string          `json:"filer"`
	Respondent   string          `json:"respondent"`
	Evidence     string          `json:"evidence"`
	ClaimedSlash int64           `json:"claimedSlash"`
	PriorStatus  string          `json:"priorStatus"`
	Panel        []string        `json:"panel"`
	Votes        map[string]Vote `json:"votes"`
	Outcome      Outcome         `json:"outcome"`
	SlashAmount  int64           `json:"slashAmount"`
	CreatedAt    time.Time       `json:"createdAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}

// Candidate is an eligible arbitrator with its selection weight inputs.
type Candidate struct {
	PeerAddr   string `json:"peerAddr"`
	Bond       int64  `json:"bond"`
	TenureDays int64  `json:"tenureDays"`
}

// Weight is the candidate's stake-and-tenure selection weight.
func (c Candidate) Weight() int64 {
	w := c.Bond + int64(math.Floor(math.Sqrt(float64(c.TenureDays))))
	if w < 1 {
		w = 1
	}
	return w
}

// panelSize scales with the eligible population.
func panelSize(eligible int) (int, error) {
	switch {
	case eligible < minEligible:
		return 0, fmt.Errorf("%w: %d eligible, need %d", ErrPanelUnavailable, eligible, minEligible)
	case eligible < 15:
		return 3, nil
	case eligible < 50:
		return 5, nil
	default:
		return 7, nil
	}
}

// SelectPanel deterministically samples a dispute panel. The draw is
// weighted sampling without replacement driven by a hash chain over
// sha256(disputeID || seed), iterating a canonically sorted candidate
// set, so independent nodes converge on the same panel.
func SelectPanel(disputeID, seed string, eligible []Candidate) ([]string, error) {
	size, err := panelSize(len(eligible))
	if err != nil {
		return nil, err
	}

	pool := make([]Candidate, len(eligible))
	copy(pool, eligible)
	sort.Slice(pool, func(i, j int) bool {
		return strings.ToLower(pool[i].PeerAddr) < strings.ToLower(pool[j].PeerAddr)
	})

	mixed := sha256.Sum256([]byte(disputeID + "|" + seed))

	panel := make([]string, 0, size)
	for round := 0; round < size; round++ {
		var total int64
		for _, c := range pool {
			total += c.Weight()
		}

		var counter [8]byte
		binary.BigEndian.PutUint64(counter[:], uint64(round))
		h := sha256.Sum256(append(mixed[:], counter[:]...))
		draw := new(big.Int).SetBytes(h[:])
		r := new(big.Int).Mod(draw, big.NewInt(total)).Int64()

		idx := 0
		for i, c := range pool {
			r -= c.Weight()
			if r < 0 {
				idx = i
				break
			}
		}
		panel = append(panel, strings.ToLower(pool[idx].PeerAddr))
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return panel, nil
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListPendingByPeer(ctx context.Context, peerAddr string) ([]*Dispute, error)
	ListByObligation(ctx context.Context, obligationID string) ([]*Dispute, error)
}

// ObligationControl is the settlement view the coordinator flips
// obligation status through.
type ObligationControl interface {
	StatusOf(ctx context.Context, id string) (string, error)
	MarkDisputed(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
	MarkSettled(ctx context.Context, id string) error
}

// BondSlasher executes the slash a resolution authorizes.
type BondSlasher interface {
	Slashable(ctx context.Context, peerAddr string) (int64, error)
	Slash(ctx context.Context, peerAddr string, amt int64, disputeRef string) error
}

// Notifier receives resolution events for webhooks and realtime feeds.
type Notifier interface {
	DisputeResolved(d *Dispute)
}

// Coordinator runs the dispute lifecycle.
type Coordinator struct {
	store       Store
	obligations ObligationControl
	bonds       BondSlasher
	notifier    Notifier
	logger      *slog.Logger
}

// NewCoordinator creates an arbitration coordinator.
func NewCoordinator(store Store, obligations ObligationControl, bonds BondSlasher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		obligations: obligations,
		bonds:       bonds,
		logger:      logger,
	}
}

// WithNotifier wires resolution event delivery.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// File opens a dispute over an obligation and selects its panel. The
// obligation flips to disputed; its prior status is recorded so a
// rejected dispute restores the status quo exactly.
func (c *Coordinator) File(ctx context.Context, obligationID, filer, respondent, evidence string, claimedSlash int64, seed string, eligible []Candidate) (*Dispute, error) {
	if claimedSlash < 0 {
		return nil, fmt.Errorf("%w: claimed slash must not be negative", ErrBadVote)
	}
	filer = strings.ToLower(filer)
	respondent = strings.ToLower(respondent)

	prior, err := c.obligations.StatusOf(ctx, obligationID)
	if err != nil {
		return nil, err
	}

	id := idgen.WithPrefix("dsp_")
	panel, err := SelectPanel(id, seed, eligible)
	if err != nil {
		return nil, err
	}

	if err := c.obligations.MarkDisputed(ctx, obligationID); err != nil {
		return nil, err
	}

	d := &Dispute{
		ID:           id,
		ObligationID: obligationID,
		Filer:        filer,
		Respondent:   respondent,
		Evidence:     evidence,
		ClaimedSlash: claimedSlash,
		PriorStatus:  prior,
		Panel:        panel,
		Votes:        make(map[string]Vote),
		Outcome:      OutcomePending,
		CreatedAt:    time.Now(),
	}
	if err := c.store.Create(ctx, d); err != nil {
		// Undo the status flip so the obligation is not stranded.
		if uerr := c.restorePrior(ctx, d); uerr != nil {
			c.logger.Error("CRITICAL: dispute create failed and status restore failed",
				"obligation_id", obligationID, "error", err, "restore_error", uerr)
		}
		return nil, err
	}
	c.logger.Info("dispute filed",
		"dispute_id", d.ID,
		"obligation_id", obligationID,
		"filer", filer,
		"respondent", respondent,
		"panel_size", len(panel))
	return d, nil
}

// CastVote records one panel member's signed verdict. The signature
// must cover the dispute ID, choice, and slash amount; a forged vote is
// rejected before it can influence the count.
func (c *Coordinator) CastVote(ctx context.Context, disputeID, member, choice string, slashAmount int64, sigHex string) (*Dispute, error) {
	switch choice {
	case VoteUphold, VoteReject:
		if slashAmount != 0 {
			return nil, fmt.Errorf("%w: only partial votes carry a slash amount", ErrBadVote)
		}
	case VotePartial:
		if slashAmount <= 0 {
			return nil, fmt.Errorf("%w: partial vote requires a positive slash amount", ErrBadVote)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadVote, choice)
	}

	member = strings.ToLower(member)
	d, err := c.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Outcome != OutcomePending {
		return nil, ErrDisputeResolved
	}
	if !contains(d.Panel, member) {
		return nil, ErrNotPanelMember
	}
	if _, ok := d.Votes[member]; ok {
		return nil, ErrAlreadyVoted
	}

	msg := wire.VoteMessage(disputeID, choice, slashAmount)
	if err := wire.VerifySignature(msg, sigHex, member); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	d.Votes[member] = Vote{
		Member:      member,
		Choice:      choice,
		SlashAmount: slashAmount,
		Signature:   sigHex,
		CastAt:      time.Now(),
	}
	if err := c.store.Update(ctx, d); err != nil {
		return nil, err
	}
	c.logger.Info("vote cast", "dispute_id", disputeID, "member", member,
		"votes", len(d.Votes), "panel", len(d.Panel))
	return d, nil
}

// Resolve tallies the panel. A strict majority decides; ties and
// sub-quorum turnout reject the dispute with no slash. Resolution is
// exactly-once and feeds the bond ledger and the obligation status.
func (c *Coordinator) Resolve(ctx context.Context, disputeID string) (*Dispute, error) {
	d, err := c.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Outcome != OutcomePending {
		return nil, ErrDisputeResolved
	}

	outcome, slash := c.tally(ctx, d)
	d.Outcome = outcome
	d.SlashAmount = slash
	now := time.Now()
	d.ResolvedAt = &now

	if err := c.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if slash > 0 {
		if err := c.bonds.Slash(ctx, d.Respondent, slash, d.ID); err != nil {
			c.logger.Error("CRITICAL: dispute resolved but slash failed, manual resolution required",
				"dispute_id", d.ID, "respondent", d.Respondent, "amount", slash, "error", err)
		}
	}
	c.flipObligation(ctx, d)

	metrics.DisputesTotal.WithLabelValues(string(outcome)).Inc()
	if c.notifier != nil {
		c.notifier.DisputeResolved(d)
	}
	c.logger.Info("dispute resolved",
		"dispute_id", d.ID,
		"outcome", outcome,
		"slash", slash,
		"votes", len(d.Votes))
	return d, nil
}

// tally computes the outcome and the bounded slash amount.
func (c *Coordinator) tally(ctx context.Context, d *Dispute) (Outcome, int64) {
	quorum := len(d.Panel)/2 + 1
	counts := map[string]int{}
	var partialSlashes []int64
	for _, v := range d.Votes {
		counts[v.Choice]++
		if v.Choice == VotePartial {
			partialSlashes = append(partialSlashes, v.SlashAmount)
		}
	}

	var winner string
	for _, choice := range []string{VoteUphold, VoteReject, VotePartial} {
		if counts[choice] >= quorum {
			winner = choice
		}
	}
	if winner == "" {
		return OutcomeRejected, 0
	}

	switch winner {
	case VoteReject:
		return OutcomeRejected, 0
	case VoteUphold:
		return OutcomeUpheld, c.boundSlash(ctx, d.Respondent, d.ClaimedSlash)
	default:
		sort.Slice(partialSlashes, func(i, j int) bool { return partialSlashes[i] < partialSlashes[j] })
		median := partialSlashes[len(partialSlashes)/2]
		return OutcomePartial, c.boundSlash(ctx, d.Respondent, median)
	}
}

// boundSlash caps a slash by the respondent's remaining bond.
func (c *Coordinator) boundSlash(ctx context.Context, respondent string, amt int64) int64 {
	if amt <= 0 {
		return 0
	}
	headroom, err := c.bonds.Slashable(ctx, respondent)
	if err != nil {
		c.logger.Warn("slashable lookup failed, bounding to zero",
			"respondent", respondent, "error", err)
		return 0
	}
	if amt > headroom {
		return headroom
	}
	return amt
}

// flipObligation moves the obligation out of disputed per the outcome:
// an upheld or partial dispute sends it back to pending for
// renegotiation, a rejected dispute restores the prior status.
func (c *Coordinator) flipObligation(ctx context.Context, d *Dispute) {
	var err error
	switch d.Outcome {
	case OutcomeRejected:
		err = c.restorePrior(ctx, d)
	default:
		err = c.obligations.MarkPending(ctx, d.ObligationID)
	}
	if err != nil {
		c.logger.Error("obligation status flip failed",
			"dispute_id", d.ID, "obligation_id", d.ObligationID, "error", err)
	}
}

func (c *Coordinator) restorePrior(ctx context.Context, d *Dispute) error {
	if d.PriorStatus == "settled" || d.PriorStatus == "netted" {
		return c.obligations.MarkSettled(ctx, d.ObligationID)
	}
	return c.obligations.MarkPending(ctx, d.ObligationID)
}

// Get returns a dispute by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Dispute, error) {
	return c.store.Get(ctx, id)
}

// HasPendingDisputes reports whether a peer is named in any unresolved
// dispute. Consumed by bond refunds.
func (c *Coordinator) HasPendingDisputes(ctx context.Context, peerAddr string) (bool, error) {
	open, err := c.store.ListPendingByPeer(ctx, strings.ToLower(peerAddr))
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
