package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the custody MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a trade-finance escrow by invoice id. "+
			"Shows parties, amounts, confirmation and dispute progress, and the current state "+
			"(created, funded, disputed, released, resolved, cancelled)."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice id, a 0x-prefixed 32-byte hex string")),
)

var ToolPreviewPayment = mcp.NewTool("preview_payment",
	mcp.WithDescription(
		"Preview what the buyer must deposit into an escrow right now: the payable amount "+
			"after any early-payment discount, the platform fee, and the exact total the deposit must equal."),
	mcp.WithString("invoice_id",
		mcp.Required(),
		mcp.Description("The invoice id, a 0x-prefixed 32-byte hex string")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows where an address is the buyer or the seller."),
	mcp.WithString("address",
		mcp.Description("Party address (defaults to the configured address)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolListArbitrators = mcp.NewTool("list_arbitrators",
	mcp.WithDescription(
		"List the registered dispute arbitrators, the governance managers, and how many "+
			"manager approvals a registry change needs. The arbitrator count is always odd."),
)

var ToolGetProposal = mcp.NewTool("get_proposal",
	mcp.WithDescription(
		"Get a governance proposal to add or remove arbitrators, with its approvals and status."),
	mcp.WithNumber("proposal_id",
		mcp.Required(),
		mcp.Description("The numeric proposal id")),
)

var ToolGetRelayNonce = mcp.NewTool("get_relay_nonce",
	mcp.WithDescription(
		"Get the nonce the next signed meta-transaction from an address must use."),
	mcp.WithString("address",
		mcp.Description("Principal address (defaults to the configured address)")),
)

var ToolGetFees = mcp.NewTool("get_fees",
	mcp.WithDescription(
		"Get the current platform fee in basis points, its cap, and the treasury address."),
)
