package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FleetClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FleetClient) *Handlers {
	return &Handlers{client: client}
}

// HandleIssueTicket creates a conditional escrow ticket.
func (h *Handlers) HandleIssueTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payer := req.GetString("payer", "")
	if payer == "" {
		return mcp.NewToolResultError("payer is required"), nil
	}
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be positive"), nil
	}
	lockKeys := stringSliceArg(req, "lock_keys")
	if len(lockKeys) == 0 {
		return mcp.NewToolResultError("lock_keys is required"), nil
	}
	timelock := req.GetString("timelock", "")
	if _, err := time.Parse(time.RFC3339, timelock); err != nil {
		return mcp.NewToolResultError("timelock must be an RFC3339 timestamp"), nil
	}

	body := map[string]any{
		"payer":    payer,
		"amount":   amount,
		"lockKeys": lockKeys,
		"timelock": timelock,
	}
	if v := req.GetInt("threshold", 0); v > 0 {
		body["threshold"] = v
	}
	if v := req.GetString("hash_lock", ""); v != "" {
		body["hashLock"] = v
	}
	if v := req.GetString("obligation_ref", ""); v != "" {
		body["obligationRef"] = v
	}

	raw, err := h.client.IssueTicket(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to issue ticket: %v", err)), nil
	}

	text, err := formatTicket(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ticket: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTicket fetches a ticket by ID.
func (h *Handlers) HandleGetTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("ticket_id", "")
	if id == "" {
		return mcp.NewToolResultError("ticket_id is required"), nil
	}

	raw, err := h.client.GetTicket(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get ticket: %v", err)), nil
	}

	text, err := formatTicket(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ticket: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePresentTicket redeems a ticket with unlock proofs.
func (h *Handlers) HandlePresentTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("ticket_id", "")
	if id == "" {
		return mcp.NewToolResultError("ticket_id is required"), nil
	}
	signatures := stringSliceArg(req, "signatures")
	if len(signatures) == 0 {
		return mcp.NewToolResultError("signatures is required"), nil
	}
	preimage := req.GetString("preimage", "")

	raw, err := h.client.PresentTicket(ctx, id, signatures, preimage)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Presentation failed: %v", err)), nil
	}

	text, err := formatTicket(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReclaimTicket reclaims an expired ticket.
func (h *Handlers) HandleReclaimTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("ticket_id", "")
	if id == "" {
		return mcp.NewToolResultError("ticket_id is required"), nil
	}
	signature := req.GetString("signature", "")
	if signature == "" {
		return mcp.NewToolResultError("signature is required"), nil
	}

	raw, err := h.client.ReclaimTicket(ctx, id, signature)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reclaim failed: %v", err)), nil
	}

	text, err := formatTicket(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns a peer's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	peer := req.GetString("peer_address", "")
	if peer == "" {
		peer = h.client.cfg.PeerAddr
	}
	if peer == "" {
		return mcp.NewToolResultError("peer_address is required (no default peer configured)"), nil
	}

	raw, err := h.client.GetBalance(ctx, peer)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListObligations lists a window's obligations.
func (h *Handlers) HandleListObligations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	windowID := req.GetString("window_id", "")
	if windowID == "" {
		return mcp.NewToolResultError("window_id is required"), nil
	}
	status := req.GetString("status", "")

	raw, err := h.client.ListWindowObligations(ctx, windowID, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list obligations: %v", err)), nil
	}

	text, err := formatObligationList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse obligations: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleProposeNetting opens a netting proposal for a window.
func (h *Handlers) HandleProposeNetting(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	windowID := req.GetString("window_id", "")
	if windowID == "" {
		return mcp.NewToolResultError("window_id is required"), nil
	}

	raw, err := h.client.ProposeNetting(ctx, windowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Proposal failed: %v", err)), nil
	}

	text, err := formatProposal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse proposal: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAckNetting acknowledges a netting proposal.
func (h *Handlers) HandleAckNetting(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proposalID := req.GetString("proposal_id", "")
	if proposalID == "" {
		return mcp.NewToolResultError("proposal_id is required"), nil
	}
	digest := req.GetString("computed_digest", "")
	if digest == "" {
		return mcp.NewToolResultError("computed_digest is required"), nil
	}
	signature := req.GetString("signature", "")
	if signature == "" {
		return mcp.NewToolResultError("signature is required"), nil
	}

	if _, err := h.client.AckNetting(ctx, proposalID, digest, signature); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Ack failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Proposal %s acknowledged.\nDigest: %s\n\n"+
			"Execution proceeds once every participant has acked.",
		proposalID, digest)), nil
}

// HandleGetBond looks up a peer's settlement bond.
func (h *Handlers) HandleGetBond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	peer := req.GetString("peer_address", "")
	if peer == "" {
		return mcp.NewToolResultError("peer_address is required"), nil
	}

	raw, err := h.client.GetBond(ctx, peer)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get bond: %v", err)), nil
	}

	text, err := formatBond(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse bond: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleFileDispute challenges an obligation.
func (h *Handlers) HandleFileDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	obligationID := req.GetString("obligation_id", "")
	if obligationID == "" {
		return mcp.NewToolResultError("obligation_id is required"), nil
	}
	respondent := req.GetString("respondent", "")
	if respondent == "" {
		return mcp.NewToolResultError("respondent is required"), nil
	}
	evidence := req.GetString("evidence", "")
	if evidence == "" {
		return mcp.NewToolResultError("evidence is required"), nil
	}
	seed := req.GetString("seed", "")
	if seed == "" {
		return mcp.NewToolResultError("seed is required"), nil
	}
	claimedSlash := int64(req.GetInt("claimed_slash", 0))

	raw, err := h.client.FileDispute(ctx, obligationID, respondent, evidence, seed, claimedSlash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	var sb strings.Builder
	sb.WriteString("Dispute filed.\n")
	fmt.Fprintf(&sb, "  ID: %s\n", getString(resp.Dispute, "id"))
	fmt.Fprintf(&sb, "  Obligation: %s (now frozen)\n", obligationID)
	if panel, ok := resp.Dispute["panel"].([]any); ok {
		fmt.Fprintf(&sb, "  Panel: %d arbiters selected\n", len(panel))
	}
	sb.WriteString("\nThe panel votes stake-weighted; resolution settles or reverses the obligation.")
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatTicket(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	t, ok := resp["ticket"].(map[string]any)
	if !ok {
		// Present/reclaim wrap the ticket in a result object.
		if r, ok2 := resp["result"].(map[string]any); ok2 {
			if inner, ok3 := r["ticket"].(map[string]any); ok3 {
				t = inner
			}
		}
	}
	if t == nil {
		return formatJSON(raw), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ticket %s\n", getString(t, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(t, "status"))
	fmt.Fprintf(&sb, "  Payer: %s\n", getString(t, "payer"))
	if v := getString(t, "payee"); v != "" {
		fmt.Fprintf(&sb, "  Payee: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Amount: %s\n", getString(t, "amount"))
	if v := getString(t, "timelock"); v != "" {
		fmt.Fprintf(&sb, "  Timelock: %s\n", v)
	}
	if v := getString(t, "hashLock"); v != "" {
		fmt.Fprintf(&sb, "  Hash lock: %s\n", v)
	}
	if v := getString(t, "txRef"); v != "" {
		fmt.Fprintf(&sb, "  Tx ref: %s\n", v)
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance for %s:\n", getString(bal, "peerAddr"))
	fmt.Fprintf(&sb, "  Available: %s\n", getString(bal, "available"))
	fmt.Fprintf(&sb, "  Escrowed:  %s\n", getString(bal, "escrowed"))
	fmt.Fprintf(&sb, "  Total in:  %s | Total out: %s\n", getString(bal, "totalIn"), getString(bal, "totalOut"))
	return sb.String(), nil
}

func formatObligationList(raw json.RawMessage) (string, error) {
	var resp struct {
		Obligations []map[string]any `json:"obligations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected obligations response format")
	}

	if len(resp.Obligations) == 0 {
		return "No obligations found in this window.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d obligation(s):\n\n", len(resp.Obligations))
	for i, o := range resp.Obligations {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(o, "id"), getString(o, "status"))
		fmt.Fprintf(&sb, "   %s -> %s: %s (%s)\n",
			getString(o, "fromPeer"), getString(o, "toPeer"),
			getString(o, "amount"), getString(o, "type"))
	}
	return sb.String(), nil
}

func formatProposal(raw json.RawMessage) (string, error) {
	var resp struct {
		Proposal map[string]any `json:"proposal"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Proposal == nil {
		return formatJSON(raw), nil
	}

	p := resp.Proposal
	var sb strings.Builder
	fmt.Fprintf(&sb, "Netting proposal %s\n", getString(p, "id"))
	fmt.Fprintf(&sb, "  Window: %s\n", getString(p, "windowId"))
	fmt.Fprintf(&sb, "  Digest: %s\n", getString(p, "digest"))
	if participants, ok := p["participants"].([]any); ok {
		fmt.Fprintf(&sb, "  Participants: %d\n", len(participants))
	}
	if v := getString(p, "deadline"); v != "" {
		fmt.Fprintf(&sb, "  Ack deadline: %s\n", v)
	}
	sb.WriteString("\nEach participant must ack the digest before execution.")
	return sb.String(), nil
}

func formatBond(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	b, ok := resp["bond"].(map[string]any)
	if !ok {
		return formatJSON(raw), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Bond for %s:\n", getString(b, "peerAddr"))
	fmt.Fprintf(&sb, "  Amount: %s\n", getString(b, "amount"))
	fmt.Fprintf(&sb, "  Slashed: %s\n", getString(b, "slashed"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(b, "status"))
	if v := getString(b, "tier"); v != "" {
		fmt.Fprintf(&sb, "  Tier: %s\n", v)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// stringSliceArg extracts a []string argument from the raw tool arguments.
func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw := req.GetArguments()[key]
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// getString extracts a string value from a map, rendering numbers as integers.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%.0f", f)
			}
		}
	}
	return ""
}
