package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/amana/internal/money"
	"github.com/mbd888/amana/pkg/amanaclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *amanaclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *amanaclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow looks up a single escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetTimeline fetches the audit timeline for an escrow.
func (h *Handlers) HandleGetTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	limit := req.GetInt("limit", 100)

	raw, err := h.client.GetTimeline(ctx, id, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get timeline: %v", err)), nil
	}

	text, err := formatTimeline(id, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse timeline: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists escrows by status across the marketplace.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	if status == "" {
		return mcp.NewToolResultError("status is required"), nil
	}
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListEscrowsByStatus(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(status, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListDisputes lists disputes, newest first.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "open")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListDisputes(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputes(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListPayouts lists money-out legs with their rail state.
func (h *Handlers) HandleListPayouts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := req.GetString("state", "")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListPayouts(ctx, state, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payouts: %v", err)), nil
	}

	text, err := formatPayouts(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payouts: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListFlags lists fraud flags awaiting operator review.
func (h *Handlers) HandleListFlags(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var reviewed *bool
	if v, ok := req.GetArguments()["reviewed"]; ok {
		if b, ok := v.(bool); ok {
			reviewed = &b
		}
	}

	raw, err := h.client.ListFlags(ctx, reviewed)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list flags: %v", err)), nil
	}

	text, err := formatFlags(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse flags: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleEscrowReport returns aggregate marketplace statistics.
func (h *Handlers) HandleEscrowReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller", "")
	buyer := req.GetString("buyer", "")
	from := req.GetString("from", "")
	to := req.GetString("to", "")

	raw, err := h.client.EscrowReport(ctx, seller, buyer, from, to)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get report: %v", err)), nil
	}

	text, err := formatReport(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandlePlatformHealth checks platform health.
func (h *Handlers) HandlePlatformHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reach platform: %v", err)), nil
	}

	text, err := formatHealth(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse health report: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// escrowInfo mirrors the transaction fields the API serves. Amounts are
// cents; timestamps are RFC 3339.
type escrowInfo struct {
	ID            string     `json:"id"`
	BuyerID       string     `json:"buyerId"`
	SellerID      string     `json:"sellerId"`
	Amount        int64      `json:"amount"`
	Description   string     `json:"description"`
	Status        string     `json:"status"`
	MpesaReceipt  string     `json:"mpesaReceipt"`
	PayoutState   string     `json:"payoutState"`
	Resolution    string     `json:"resolution"`
	Flagged       bool       `json:"flagged"`
	FlagReason    string     `json:"flagReason"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	HeldAt        *time.Time `json:"heldAt"`
	ShippedAt     *time.Time `json:"shippedAt"`
	AutoReleaseAt *time.Time `json:"autoReleaseAt"`
	ResolvedAt    *time.Time `json:"resolvedAt"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow escrowInfo `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	e := resp.Escrow

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s [%s]\n", e.ID, e.Status)
	fmt.Fprintf(&sb, "  Buyer:  %s\n", e.BuyerID)
	fmt.Fprintf(&sb, "  Seller: %s\n", e.SellerID)
	fmt.Fprintf(&sb, "  Amount: %s KES\n", money.Format(e.Amount))
	if e.Description != "" {
		fmt.Fprintf(&sb, "  Goods:  %s\n", e.Description)
	}
	if e.MpesaReceipt != "" {
		fmt.Fprintf(&sb, "  M-Pesa receipt: %s\n", e.MpesaReceipt)
	}
	if e.PayoutState != "" {
		fmt.Fprintf(&sb, "  Payout: %s\n", e.PayoutState)
	}
	if e.Resolution != "" {
		fmt.Fprintf(&sb, "  Resolution: %s\n", e.Resolution)
	}
	if e.Flagged {
		fmt.Fprintf(&sb, "  FLAGGED: %s\n", e.FlagReason)
	}
	fmt.Fprintf(&sb, "  Created: %s\n", e.CreatedAt.Format(time.RFC3339))
	switch {
	case e.ResolvedAt != nil:
		fmt.Fprintf(&sb, "  Settled: %s\n", e.ResolvedAt.Format(time.RFC3339))
	case e.AutoReleaseAt != nil:
		fmt.Fprintf(&sb, "  Auto-release due: %s\n", e.AutoReleaseAt.Format(time.RFC3339))
	case e.Status == "pending":
		fmt.Fprintf(&sb, "  Payment deadline: %s\n", e.ExpiresAt.Format(time.RFC3339))
	}
	return sb.String(), nil
}

func formatEscrowList(status string, raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []escrowInfo `json:"escrows"`
		Count   int          `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return fmt.Sprintf("No escrows in status %q.", status), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d escrow(s) in status %q:\n\n", len(resp.Escrows), status)
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s  %s KES  %s -> %s", i+1, e.ID, money.Format(e.Amount), e.BuyerID, e.SellerID)
		if e.Flagged {
			sb.WriteString("  [flagged]")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatTimeline(txnID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Events []struct {
			Type      string    `json:"type"`
			Actor     string    `json:"actor"`
			Detail    string    `json:"detail"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return fmt.Sprintf("No events recorded for escrow %s.", txnID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Timeline for %s (%d events):\n\n", txnID, len(resp.Events))
	for _, ev := range resp.Events {
		fmt.Fprintf(&sb, "%s  %-20s  by %s", ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.Actor)
		if ev.Detail != "" {
			fmt.Fprintf(&sb, "  (%s)", ev.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatDisputes(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes []struct {
			ID         string    `json:"id"`
			TxnID      string    `json:"txnId"`
			OpenedBy   string    `json:"openedBy"`
			Reason     string    `json:"reason"`
			Status     string    `json:"status"`
			Resolution string    `json:"resolution"`
			CreatedAt  time.Time `json:"createdAt"`
		} `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Disputes) == 0 {
		return "No disputes found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d dispute(s):\n\n", len(resp.Disputes))
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. %s on escrow %s [%s]\n", i+1, d.ID, d.TxnID, d.Status)
		fmt.Fprintf(&sb, "   Opened by %s: %s\n", d.OpenedBy, d.Reason)
		if d.Resolution != "" {
			fmt.Fprintf(&sb, "   Resolved: %s\n", d.Resolution)
		}
		fmt.Fprintf(&sb, "   Opened: %s\n", d.CreatedAt.Format(time.RFC3339))
	}
	return sb.String(), nil
}

func formatPayouts(raw json.RawMessage) (string, error) {
	var resp struct {
		Payouts []struct {
			ID        string    `json:"id"`
			TxnID     string    `json:"txnId"`
			Kind      string    `json:"kind"`
			Amount    int64     `json:"amount"`
			Fee       int64     `json:"fee"`
			State     string    `json:"state"`
			Attempts  int       `json:"attempts"`
			LastError string    `json:"lastError"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"payouts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Payouts) == 0 {
		return "No payouts found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d payout leg(s):\n\n", len(resp.Payouts))
	for i, p := range resp.Payouts {
		fmt.Fprintf(&sb, "%d. %s  %s of %s KES for escrow %s [%s]\n",
			i+1, p.ID, p.Kind, money.Format(p.Amount), p.TxnID, p.State)
		if p.Fee > 0 {
			fmt.Fprintf(&sb, "   Fee withheld: %s KES\n", money.Format(p.Fee))
		}
		if p.Attempts > 1 || p.LastError != "" {
			fmt.Fprintf(&sb, "   Attempts: %d", p.Attempts)
			if p.LastError != "" {
				fmt.Fprintf(&sb, ", last error: %s", p.LastError)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatFlags(raw json.RawMessage) (string, error) {
	var resp struct {
		Flags []struct {
			ID        string    `json:"id"`
			SubjectID string    `json:"subjectId"`
			Role      string    `json:"role"`
			Type      string    `json:"type"`
			Severity  string    `json:"severity"`
			Detail    string    `json:"detail"`
			Reviewed  bool      `json:"reviewed"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"flags"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Flags) == 0 {
		return "No fraud flags found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d fraud flag(s):\n\n", len(resp.Flags))
	for i, f := range resp.Flags {
		fmt.Fprintf(&sb, "%d. [%s] %s %s: %s\n", i+1, f.Severity, f.Role, f.SubjectID, f.Type)
		if f.Detail != "" {
			fmt.Fprintf(&sb, "   %s\n", f.Detail)
		}
		state := "awaiting review"
		if f.Reviewed {
			state = "reviewed"
		}
		fmt.Fprintf(&sb, "   Raised %s, %s\n", f.CreatedAt.Format(time.RFC3339), state)
	}
	return sb.String(), nil
}

func formatReport(raw json.RawMessage) (string, error) {
	var resp struct {
		Report struct {
			TotalCount     int            `json:"totalCount"`
			ByStatus       map[string]int `json:"byStatus"`
			TotalVolume    string         `json:"totalVolume"`
			AvgAmount      string         `json:"avgAmount"`
			CompletionRate float64        `json:"completionRate"`
			DisputeRate    float64        `json:"disputeRate"`
			RefundRate     float64        `json:"refundRate"`
			AvgShipHours   float64        `json:"avgShipHours"`
			AvgSettleHours float64        `json:"avgSettleHours"`
			TopSellers     []struct {
				SellerID    string `json:"sellerId"`
				TxnCount    int    `json:"txnCount"`
				TotalVolume string `json:"totalVolume"`
			} `json:"topSellers"`
		} `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Report

	var sb strings.Builder
	sb.WriteString("Marketplace report:\n")
	fmt.Fprintf(&sb, "  Transactions: %d\n", r.TotalCount)
	fmt.Fprintf(&sb, "  Volume: %s KES (avg %s)\n", r.TotalVolume, r.AvgAmount)
	fmt.Fprintf(&sb, "  Completion rate: %.1f%%  Dispute rate: %.1f%%  Refund rate: %.1f%%\n",
		r.CompletionRate, r.DisputeRate, r.RefundRate)
	if r.AvgShipHours > 0 || r.AvgSettleHours > 0 {
		fmt.Fprintf(&sb, "  Avg ship time: %.1fh  Avg settle time: %.1fh\n", r.AvgShipHours, r.AvgSettleHours)
	}
	if len(r.ByStatus) > 0 {
		sb.WriteString("  By status:\n")
		for _, st := range []string{"pending", "held", "shipped", "disputed", "completed", "refunded", "cancelled", "failed", "expired"} {
			if n, ok := r.ByStatus[st]; ok && n > 0 {
				fmt.Fprintf(&sb, "    %-10s %d\n", st, n)
			}
		}
	}
	if len(r.TopSellers) > 0 {
		sb.WriteString("  Top sellers:\n")
		for i, s := range r.TopSellers {
			fmt.Fprintf(&sb, "    %d. %s  %d txns, %s KES\n", i+1, s.SellerID, s.TxnCount, s.TotalVolume)
		}
	}
	return sb.String(), nil
}

func formatHealth(raw json.RawMessage) (string, error) {
	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Checks  []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
			Detail  string `json:"detail"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Platform: %s (version %s)\n", resp.Status, resp.Version)
	for _, c := range resp.Checks {
		mark := "ok"
		if !c.Healthy {
			mark = "FAIL"
		}
		fmt.Fprintf(&sb, "  %-10s %s", c.Name, mark)
		if c.Detail != "" {
			fmt.Fprintf(&sb, "  (%s)", c.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
