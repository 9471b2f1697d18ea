package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the receipt escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListNetworkAccounts = mcp.NewTool("list_network_accounts",
	mcp.WithDescription(
		"List the Ethereum accounts on the connected node with their balances in ether. "+
			"Use these addresses as sellers and buyers."),
)

var ToolListSellers = mcp.NewTool("list_sellers",
	mcp.WithDescription(
		"List registered sellers, their escrow contract addresses, return windows, "+
			"and the ether currently held by each contract."),
)

var ToolRegisterSeller = mcp.NewTool("register_seller",
	mcp.WithDescription(
		"Register a seller by deploying a new escrow contract for them. "+
			"Each seller can only be registered once."),
	mcp.WithString("seller_address",
		mcp.Required(),
		mcp.Description("The seller's account address (0x followed by 40 hex characters)")),
	mcp.WithNumber("return_window_days",
		mcp.Description("Days a buyer has to request a return (default 30)")),
)

var ToolIssueReceipt = mcp.NewTool("issue_receipt",
	mcp.WithDescription(
		"Record a purchase. The buyer's ether is held in the seller's escrow contract "+
			"until the buyer returns the item or the funds are released."),
	mcp.WithString("seller_address",
		mcp.Required(),
		mcp.Description("Registered seller address")),
	mcp.WithString("buyer_address",
		mcp.Required(),
		mcp.Description("Buyer address paying for the item")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Price in ether as a decimal string (e.g. '1.5')")),
	mcp.WithString("item_name",
		mcp.Description("What was bought")),
)

var ToolGetReceipt = mcp.NewTool("get_receipt",
	mcp.WithDescription("Look up a receipt by the transaction hash that issued it."),
	mcp.WithString("transaction_hash",
		mcp.Required(),
		mcp.Description("Receipt transaction hash (0x followed by 64 hex characters)")),
)

var ToolRequestReturn = mcp.NewTool("request_return",
	mcp.WithDescription(
		"Return an item and refund the buyer. Only possible while the receipt is Active "+
			"and inside the seller's return window."),
	mcp.WithString("transaction_hash",
		mcp.Required(),
		mcp.Description("Receipt transaction hash")),
)

var ToolReleaseFunds = mcp.NewTool("release_funds",
	mcp.WithDescription(
		"Release the escrowed funds of a returned receipt. Only possible once the receipt is Returned."),
	mcp.WithString("transaction_hash",
		mcp.Required(),
		mcp.Description("Receipt transaction hash")),
)

var ToolListReceipts = mcp.NewTool("list_receipts",
	mcp.WithDescription(
		"List receipts, optionally for one seller or buyer, sorted and filtered."),
	mcp.WithString("role",
		mcp.Description("Scope the list to a 'seller' or 'buyer' address, or 'all'"),
		mcp.Enum("all", "seller", "buyer")),
	mcp.WithString("address",
		mcp.Description("Seller or buyer address when role is seller or buyer")),
	mcp.WithString("sort",
		mcp.Description("Sort key"),
		mcp.Enum("purchaseTime", "amount")),
	mcp.WithString("order",
		mcp.Description("Sort order"),
		mcp.Enum("asc", "desc")),
	mcp.WithString("amount",
		mcp.Description("Only receipts with exactly this ether amount")),
)

var ToolRunReconciliation = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Compare every stored receipt with its escrow contract and report any drift "+
			"between the ledger and the chain."),
)
