package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Amana ops MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// Every tool is read-only: operators inspect through here, but state
// changes go through the HTTP API where they are rate limited and
// audit logged.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a single escrow by ID. "+
			"Shows the current status, buyer and seller, amount held in KES, "+
			"rail references and the key lifecycle timestamps."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow transaction ID (e.g. 'txn_...')")),
)

var ToolGetTimeline = mcp.NewTool("get_timeline",
	mcp.WithDescription(
		"Fetch the audit timeline of an escrow: every state change, payment "+
			"callback, dispute and payout event in order, with actor and detail. "+
			"Use this to reconstruct what happened to a transaction."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow transaction ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 100)")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows across the whole marketplace filtered by status. "+
			"Useful for finding stuck transactions (e.g. everything disputed or shipped)."),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("Escrow status to filter by"),
		mcp.Enum("pending", "held", "shipped", "disputed", "completed", "refunded", "cancelled", "failed", "expired")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 50)")),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List disputes, newest first. Open disputes are frozen escrows "+
			"waiting for an operator to resolve release-vs-refund."),
	mcp.WithString("status",
		mcp.Description("Dispute status to filter by (default 'open')"),
		mcp.Enum("open", "resolved")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 50)")),
)

var ToolListPayouts = mcp.NewTool("list_payouts",
	mcp.WithDescription(
		"List money-out legs (seller payouts and buyer refunds) with their "+
			"rail state. Failed payouts need manual intervention; pending ones "+
			"older than the retry window indicate a rail problem."),
	mcp.WithString("state",
		mcp.Description("Payout state to filter by"),
		mcp.Enum("pending", "submitted", "settled", "failed")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payouts to return (default 50)")),
)

var ToolListFlags = mcp.NewTool("list_flags",
	mcp.WithDescription(
		"List fraud flags raised by the detection engine. "+
			"Each flag names a subject (buyer or seller), the pattern that fired "+
			"and its severity. Flags are advisory and need operator review."),
	mcp.WithBoolean("reviewed",
		mcp.Description("Filter by review state: false shows only flags awaiting review")),
)

var ToolEscrowReport = mcp.NewTool("escrow_report",
	mcp.WithDescription(
		"Aggregate marketplace statistics: transaction counts by status, total "+
			"volume in KES, completion/dispute/refund rates, average ship and "+
			"settle times, and the top sellers by volume."),
	mcp.WithString("seller",
		mcp.Description("Restrict the report to one seller's transactions")),
	mcp.WithString("buyer",
		mcp.Description("Restrict the report to one buyer's transactions")),
	mcp.WithString("from",
		mcp.Description("Window start as an RFC 3339 timestamp (e.g. '2026-01-01T00:00:00Z')")),
	mcp.WithString("to",
		mcp.Description("Window end as an RFC 3339 timestamp")),
)

var ToolPlatformHealth = mcp.NewTool("platform_health",
	mcp.WithDescription(
		"Check platform health: database connectivity and whether any payouts "+
			"have been stuck beyond the alert threshold."),
)
