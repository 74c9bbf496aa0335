package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the flotilla MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolIssueTicket = mcp.NewTool("issue_ticket",
	mcp.WithDescription(
		"Issue a conditional escrow ticket that locks funds until the payee "+
			"presents unlock proofs or the timelock expires. Supports hash-locked, "+
			"time-locked, and multisig conditions."),
	mcp.WithString("payer",
		mcp.Required(),
		mcp.Description("Funding peer's address (e.g. '0x1234...')")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount in base units to escrow")),
	mcp.WithArray("lock_keys",
		mcp.Required(),
		mcp.Description("Public keys whose signatures can redeem the ticket")),
	mcp.WithNumber("threshold",
		mcp.Description("How many lock-key signatures are required (default: all)")),
	mcp.WithString("hash_lock",
		mcp.Description("Hex SHA-256 digest; redemption then also requires the preimage")),
	mcp.WithString("timelock",
		mcp.Required(),
		mcp.Description("RFC3339 time after which the payer can reclaim the funds")),
	mcp.WithString("obligation_ref",
		mcp.Description("Optional obligation ID this ticket settles")),
)

var ToolGetTicket = mcp.NewTool("get_ticket",
	mcp.WithDescription(
		"Look up an escrow ticket by ID. Shows its condition, status "+
			"(pending/redeemed/refunded/expired), and amounts."),
	mcp.WithString("ticket_id",
		mcp.Required(),
		mcp.Description("The ticket ID (e.g. 'tkt_...')")),
)

var ToolPresentTicket = mcp.NewTool("present_ticket",
	mcp.WithDescription(
		"Redeem an escrow ticket by presenting unlock proofs: lock-key signatures "+
			"and, for hash-locked tickets, the secret preimage. On success the "+
			"escrowed funds move to the payee."),
	mcp.WithString("ticket_id",
		mcp.Required(),
		mcp.Description("The ticket ID to redeem")),
	mcp.WithArray("signatures",
		mcp.Required(),
		mcp.Description("Hex signatures from the ticket's lock keys")),
	mcp.WithString("preimage",
		mcp.Description("Hex preimage matching the ticket's hash lock, if any")),
)

var ToolReclaimTicket = mcp.NewTool("reclaim_ticket",
	mcp.WithDescription(
		"Reclaim an expired escrow ticket. Only valid after the ticket's timelock "+
			"has passed; the escrowed funds return to the payer."),
	mcp.WithString("ticket_id",
		mcp.Required(),
		mcp.Description("The ticket ID to reclaim")),
	mcp.WithString("signature",
		mcp.Required(),
		mcp.Description("Hex signature from one of the ticket's refund keys")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check a peer's internal ledger balance on this flotilla node. "+
			"Shows available funds, escrowed amounts, and lifetime totals. "+
			"If no address is given, checks your own balance."),
	mcp.WithString("peer_address",
		mcp.Description("Peer address to check (defaults to your own)")),
)

var ToolListObligations = mcp.NewTool("list_obligations",
	mcp.WithDescription(
		"List the settlement obligations recorded in a window. Obligations are "+
			"debts between fleet peers accrued from routing revenue, capacity "+
			"leases, penalties, and other settlement categories."),
	mcp.WithString("window_id",
		mcp.Required(),
		mcp.Description("The settlement window ID (e.g. 'win_20260901')")),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("pending", "netted", "settled", "disputed")),
)

var ToolProposeNetting = mcp.NewTool("propose_netting",
	mcp.WithDescription(
		"Open a multilateral netting proposal for a settlement window. Pending "+
			"obligations are compressed into minimal net transfers; all "+
			"participants must acknowledge the digest before execution."),
	mcp.WithString("window_id",
		mcp.Required(),
		mcp.Description("The settlement window to net")),
)

var ToolAckNetting = mcp.NewTool("ack_netting",
	mcp.WithDescription(
		"Acknowledge a netting proposal by submitting your independently computed "+
			"obligations digest and a signature over it. A mismatched digest "+
			"flags a netting disagreement."),
	mcp.WithString("proposal_id",
		mcp.Required(),
		mcp.Description("The netting proposal ID")),
	mcp.WithString("computed_digest",
		mcp.Required(),
		mcp.Description("Hex digest you computed over the window's obligations")),
	mcp.WithString("signature",
		mcp.Required(),
		mcp.Description("Hex signature over the ack message")),
)

var ToolGetBond = mcp.NewTool("get_bond",
	mcp.WithDescription(
		"Look up a peer's posted settlement bond. Shows the bonded amount, "+
			"slashed total, reputation tier, and unlock status."),
	mcp.WithString("peer_address",
		mcp.Required(),
		mcp.Description("The peer's address (e.g. '0x1234...')")),
)

var ToolFileDispute = mcp.NewTool("file_dispute",
	mcp.WithDescription(
		"Dispute an obligation and open stake-weighted arbitration. The disputed "+
			"obligation is frozen while a panel of bonded peers votes; a losing "+
			"respondent can have bond slashed up to the claimed amount."),
	mcp.WithString("obligation_id",
		mcp.Required(),
		mcp.Description("The obligation being challenged")),
	mcp.WithString("respondent",
		mcp.Required(),
		mcp.Description("Address of the peer the dispute is against")),
	mcp.WithString("evidence",
		mcp.Required(),
		mcp.Description("Explanation or evidence reference for the dispute")),
	mcp.WithNumber("claimed_slash",
		mcp.Description("Bond amount in base units to slash if the dispute is upheld")),
	mcp.WithString("seed",
		mcp.Required(),
		mcp.Description("Hex randomness seed for deterministic panel selection")),
)
