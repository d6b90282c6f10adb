package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/tradevault/internal/escrow"
	"github.com/mbd888/tradevault/internal/units"
	"github.com/mbd888/tradevault/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client         *Client
	defaultAddress string
}

// NewHandlers creates a new Handlers instance. defaultAddress is used by
// tools whose address argument was omitted; it may be empty.
func NewHandlers(client *Client, defaultAddress string) *Handlers {
	return &Handlers{client: client, defaultAddress: defaultAddress}
}

// HandleGetEscrow describes one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := invoiceArg(req)
	if errResult != nil {
		return errResult, nil
	}

	v, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	if v.Escrow == nil {
		return mcp.NewToolResultError("Failed to get escrow: empty response"), nil
	}
	return mcp.NewToolResultText(formatEscrow(v.Escrow, v.State)), nil
}

// HandlePreviewPayment shows the deposit a buyer must make now.
func (h *Handlers) HandlePreviewPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := invoiceArg(req)
	if errResult != nil {
		return errResult, nil
	}

	q, err := h.client.PreviewPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to preview payment: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Payment Preview:\n")
	fmt.Fprintf(&sb, "  Face amount:  %s\n", units.Format(q.FaceAmount))
	fmt.Fprintf(&sb, "  Payable:      %s", units.Format(q.PayableAmount))
	if q.DiscountApplied {
		sb.WriteString(" (early-payment discount applied)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Fee:          %s (%d bps)\n", units.Format(q.FeeAmount), q.FeeBasisPoints)
	fmt.Fprintf(&sb, "  Deposit must equal exactly %s\n", units.Format(q.Total))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListEscrows lists escrows for a party.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, errResult := h.addressArg(req)
	if errResult != nil {
		return errResult, nil
	}
	limit := req.GetInt("limit", 20)

	list, err := h.client.ListEscrows(ctx, addr, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	if len(list.Escrows) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No escrows found for %s.", addr.Hex())), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s) for %s:\n\n", len(list.Escrows), addr.Hex())
	for i, rec := range list.Escrows {
		role := "buyer"
		if rec.Seller == addr {
			role = "seller"
		}
		fmt.Fprintf(&sb, "%d. %s  %s  %s (as %s)\n", i+1, rec.InvoiceID.Hex(), rec.State(), units.Format(rec.FaceAmount), role)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListArbitrators lists the arbitrator registry.
func (h *Handlers) HandleListArbitrators(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	set, err := h.client.ListArbitrators(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list arbitrators: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Arbitrators (%d, a dispute needs %d votes):\n", set.Count, set.Count/2+1)
	for i, a := range set.Arbitrators {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, a.Hex())
	}
	fmt.Fprintf(&sb, "\nGovernance: %d of %d managers must approve a change\n", set.Threshold, len(set.Managers))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetProposal describes a governance proposal.
func (h *Handlers) HandleGetProposal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("proposal_id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("proposal_id must be a positive integer"), nil
	}

	v, err := h.client.GetProposal(ctx, uint64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get proposal: %v", err)), nil
	}
	p := v.Proposal
	if p == nil {
		return mcp.NewToolResultError("Failed to get proposal: empty response"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Proposal #%d: %s\n", p.ID, p.Action)
	fmt.Fprintf(&sb, "  Status:    %s\n", p.Status)
	fmt.Fprintf(&sb, "  Proposer:  %s\n", p.Proposer.Hex())
	fmt.Fprintf(&sb, "  Approvals: %d of %d\n", len(p.Approvals), v.RequiredApprovals)
	sb.WriteString("  Targets:\n")
	for _, t := range p.Targets {
		fmt.Fprintf(&sb, "    - %s\n", t.Hex())
	}
	if p.ExecutedAt != nil {
		fmt.Fprintf(&sb, "  Executed:  %s\n", p.ExecutedAt.UTC().Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetRelayNonce returns the next meta-transaction nonce.
func (h *Handlers) HandleGetRelayNonce(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, errResult := h.addressArg(req)
	if errResult != nil {
		return errResult, nil
	}
	nonce, err := h.client.GetRelayNonce(ctx, addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get nonce: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Next relay nonce for %s: %d", addr.Hex(), nonce)), nil
}

// HandleGetFees returns the fee schedule.
func (h *Handlers) HandleGetFees(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f, err := h.client.GetFees(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get fees: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Platform fee: %d bps (cap %d bps)\nTreasury: %s",
		f.FeeBasisPoints, f.MaxBasisPoints, f.Treasury.Hex())), nil
}

// --- argument helpers ---

func invoiceArg(req mcp.CallToolRequest) (common.Hash, *mcp.CallToolResult) {
	raw := req.GetString("invoice_id", "")
	if raw == "" {
		return common.Hash{}, mcp.NewToolResultError("invoice_id is required")
	}
	id, ok := validation.ParseInvoiceID(raw)
	if !ok {
		return common.Hash{}, mcp.NewToolResultError("invoice_id must be a 0x-prefixed 32-byte hex string")
	}
	return id, nil
}

func (h *Handlers) addressArg(req mcp.CallToolRequest) (common.Address, *mcp.CallToolResult) {
	raw := req.GetString("address", h.defaultAddress)
	if raw == "" {
		return common.Address{}, mcp.NewToolResultError("address is required (no default address configured)")
	}
	addr, ok := validation.ParseAddress(raw)
	if !ok {
		return common.Address{}, mcp.NewToolResultError("address must be a 0x-prefixed 20-byte hex address")
	}
	return addr, nil
}

// --- formatting ---

func formatEscrow(rec *escrow.Record, state escrow.State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", rec.InvoiceID.Hex())
	fmt.Fprintf(&sb, "  State:   %s\n", state)
	fmt.Fprintf(&sb, "  Seller:  %s\n", rec.Seller.Hex())
	fmt.Fprintf(&sb, "  Buyer:   %s\n", rec.Buyer.Hex())
	fmt.Fprintf(&sb, "  Asset:   %s\n", rec.Asset.Hex())
	fmt.Fprintf(&sb, "  Amount:  %s", units.Format(rec.FaceAmount))
	if rec.FeeAmount != nil && rec.FeeAmount.Sign() > 0 {
		fmt.Fprintf(&sb, " (+%s fee)", units.Format(rec.FeeAmount))
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Expiry:  %s\n", rec.Expiry.UTC().Format(time.RFC3339))
	if rec.DiscountRateBps > 0 && rec.DiscountDeadline != nil {
		fmt.Fprintf(&sb, "  Discount: %d bps until %s\n", rec.DiscountRateBps, rec.DiscountDeadline.UTC().Format(time.RFC3339))
	}
	if rec.Collateral != nil {
		fmt.Fprintf(&sb, "  Collateral: %s\n", rec.Collateral.Key())
	}
	if rec.Funded {
		fmt.Fprintf(&sb, "  Confirmations: buyer=%t seller=%t\n", rec.BuyerConfirmed, rec.SellerConfirmed)
	}
	if rec.DisputeRaised {
		fmt.Fprintf(&sb, "  Dispute: raised by %s, votes seller=%d buyer=%d, %d of %d needed\n",
			rec.DisputeRaisedBy.Hex(), rec.VotesForSeller, rec.VotesForBuyer,
			rec.Quorum.RequiredVotes, rec.Quorum.Count)
	}
	if rec.Settlement != escrow.SettlementNone {
		fmt.Fprintf(&sb, "  Settled by: %s\n", rec.Settlement)
	}
	return sb.String()
}
