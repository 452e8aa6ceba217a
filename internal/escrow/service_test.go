package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/amana/internal/authz"
)

// mockBridge records rail calls and returns canned results.
type mockBridge struct {
	mu         sync.Mutex
	collectErr error
	sendErr    error
	collects   []collectCall
	sends      []sendCall
}

type collectCall struct {
	phone  string
	amount int64
	ref    string
	desc   string
}

type sendCall struct {
	phone     string
	amount    int64
	reference string
	remarks   string
}

func (b *mockBridge) CollectPayment(ctx context.Context, phone string, amountCents int64, accountRef, desc string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.collectErr != nil {
		return "", b.collectErr
	}
	b.collects = append(b.collects, collectCall{phone, amountCents, accountRef, desc})
	return fmt.Sprintf("ws_CO_%d", len(b.collects)), nil
}

func (b *mockBridge) SendMoney(ctx context.Context, phone string, amountCents int64, reference, remarks string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sends = append(b.sends, sendCall{phone, amountCents, reference, remarks})
	return nil
}

func (b *mockBridge) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sends)
}

func (b *mockBridge) setSendErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// railDown mimics a bridge error with a retryability verdict.
type railDown struct {
	temporary bool
}

func (e *railDown) Error() string   { return "rail unreachable" }
func (e *railDown) Retryable() bool { return e.temporary }

// mockDirectory serves one seller profile and counts outcome calls.
type mockDirectory struct {
	mu        sync.Mutex
	info      SellerInfo
	lookupErr error
	sales     int
	disputes  int
	refunds   int
	ratings   []int
}

func eligibleSeller() *mockDirectory {
	return &mockDirectory{
		info: SellerInfo{ID: "usr_seller", Phone: "254722000002", Verified: true, Rating: 4.5},
	}
}

func (d *mockDirectory) Lookup(ctx context.Context, sellerID string) (*SellerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lookupErr != nil {
		return nil, d.lookupErr
	}
	info := d.info
	info.ID = sellerID
	return &info, nil
}

func (d *mockDirectory) RecordSale(ctx context.Context, sellerID string, amountCents int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sales++
	return nil
}

func (d *mockDirectory) RecordDispute(ctx context.Context, sellerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disputes++
	return nil
}

func (d *mockDirectory) RecordRefund(ctx context.Context, sellerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refunds++
	return nil
}

func (d *mockDirectory) ApplyRating(ctx context.Context, sellerID string, stars int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ratings = append(d.ratings, stars)
	return nil
}

// mockFlagger records fraud flags raised by transitions.
type mockFlagger struct {
	mu    sync.Mutex
	flags []string // "sellerID/reason"
}

func (f *mockFlagger) FlagSeller(ctx context.Context, sellerID, reason, severity, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, sellerID+"/"+reason)
	return nil
}

// mockSink collects emitted timeline events.
type mockSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *mockSink) Emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *mockSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, evt := range s.events {
		out[i] = evt.Type
	}
	return out
}

var (
	buyer    = authz.User("usr_buyer")
	seller   = authz.User("usr_seller")
	stranger = authz.User("usr_stranger")
	admin    = authz.Admin("ops_jane")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() (*Service, *MemoryStore, *mockBridge, *mockDirectory) {
	store := NewMemoryStore()
	bridge := &mockBridge{}
	dir := eligibleSeller()
	svc := NewService(store, bridge).
		WithSellerDirectory(dir).
		WithLogger(quietLogger())
	return svc, store, bridge, dir
}

func createTestEscrow(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	txn, err := svc.Create(context.Background(), buyer, CreateRequest{
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     "1000",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return txn
}

// payFor simulates the rail confirming the buyer's payment.
func payFor(t *testing.T, svc *Service, txn *Transaction) *Transaction {
	t.Helper()
	held, err := svc.PaymentConfirmed(context.Background(), txn.CheckoutRequestID, "QGH7TK91XP", txn.Amount)
	if err != nil {
		t.Fatalf("PaymentConfirmed failed: %v", err)
	}
	return held
}

func TestService_HappyPath(t *testing.T) {
	svc, store, bridge, dir := newTestService()
	sink := &mockSink{}
	svc.WithEvents(sink)
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	if txn.Status != StatusPending {
		t.Errorf("Expected pending, got %s", txn.Status)
	}
	if txn.CheckoutRequestID != "ws_CO_1" {
		t.Errorf("Expected checkout handle recorded, got %q", txn.CheckoutRequestID)
	}
	if txn.Amount != 100000 {
		t.Errorf("Expected 100000 cents, got %d", txn.Amount)
	}
	if txn.SellerPhone != "254722000002" {
		t.Errorf("Expected seller phone from directory, got %q", txn.SellerPhone)
	}
	if len(bridge.collects) != 1 {
		t.Fatalf("Expected 1 collection prompt, got %d", len(bridge.collects))
	}
	if !strings.HasPrefix(bridge.collects[0].ref, "AMN-") {
		t.Errorf("Expected AMN- account reference, got %q", bridge.collects[0].ref)
	}

	// Rail confirms payment.
	txn = payFor(t, svc, txn)
	if txn.Status != StatusHeld {
		t.Errorf("Expected held, got %s", txn.Status)
	}
	if txn.MpesaReceipt != "QGH7TK91XP" {
		t.Errorf("Expected receipt recorded, got %q", txn.MpesaReceipt)
	}
	if txn.HeldAt == nil {
		t.Error("Expected HeldAt to be set")
	}

	// Seller ships and quotes the courier waybill.
	txn, err := svc.MarkShipped(ctx, seller, txn.ID, "G4S-88412307")
	if err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	if txn.Status != StatusShipped {
		t.Errorf("Expected shipped, got %s", txn.Status)
	}
	if txn.TrackingRef != "G4S-88412307" {
		t.Errorf("Expected tracking reference recorded, got %q", txn.TrackingRef)
	}
	if txn.AutoReleaseAt == nil || txn.ShippedAt == nil {
		t.Fatal("Expected shipping clocks to be set")
	}
	wantRelease := txn.ShippedAt.Add(svc.Policy().AutoReleaseWindow)
	if !txn.AutoReleaseAt.Equal(wantRelease) {
		t.Errorf("Expected auto-release at %v, got %v", wantRelease, txn.AutoReleaseAt)
	}

	// Buyer confirms delivery; seller gets paid minus the fee.
	txn, err = svc.ConfirmDelivery(ctx, buyer, txn.ID)
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if txn.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", txn.Status)
	}
	if txn.Resolution != "delivery_confirmed" {
		t.Errorf("Expected resolution delivery_confirmed, got %q", txn.Resolution)
	}
	if txn.ResolvedAt == nil {
		t.Error("Expected ResolvedAt to be set")
	}

	// 1000 KES at 150 bps: 15 KES fee, 985 KES to the seller.
	payout, err := store.GetPayoutByTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetPayoutByTxn failed: %v", err)
	}
	if payout.Kind != PayoutToSeller {
		t.Errorf("Expected payout kind, got %s", payout.Kind)
	}
	if payout.Amount != 98500 || payout.Fee != 1500 {
		t.Errorf("Expected 98500/1500 split, got %d/%d", payout.Amount, payout.Fee)
	}
	if payout.State != PayoutSubmitted {
		t.Errorf("Expected payout submitted, got %s", payout.State)
	}
	if bridge.sendCount() != 1 {
		t.Fatalf("Expected 1 rail transfer, got %d", bridge.sendCount())
	}
	if bridge.sends[0].phone != "254722000002" || bridge.sends[0].amount != 98500 {
		t.Errorf("Expected 98500 to seller phone, got %d to %s", bridge.sends[0].amount, bridge.sends[0].phone)
	}

	if dir.sales != 1 {
		t.Errorf("Expected 1 recorded sale, got %d", dir.sales)
	}

	// The timeline carries the whole story in order.
	want := []string{EventCreated, EventPaymentConfirmed, EventShipped, EventPayoutStaged, EventPayoutSubmitted, EventDelivered}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	base := CreateRequest{
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     "1000",
	}

	tests := []struct {
		name    string
		mutate  func(r *CreateRequest)
		wantErr error
	}{
		{"same party", func(r *CreateRequest) { r.SellerID = r.BuyerID }, ErrSameParty},
		{"garbage amount", func(r *CreateRequest) { r.Amount = "abc" }, ErrInvalidAmount},
		{"negative amount", func(r *CreateRequest) { r.Amount = "-5" }, ErrInvalidAmount},
		{"zero amount", func(r *CreateRequest) { r.Amount = "0" }, ErrInvalidAmount},
		{"fractional shilling", func(r *CreateRequest) { r.Amount = "100.50" }, ErrInvalidAmount},
		{"above cap", func(r *CreateRequest) { r.Amount = "600000" }, ErrAmountTooLarge},
	}

	for _, tt := range tests {
		req := base
		tt.mutate(&req)
		_, err := svc.Create(ctx, buyer, req)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestService_CreateOnlyBuyerMayOpen(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Create(context.Background(), stranger, CreateRequest{
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     "1000",
	})
	var authzErr *authz.Error
	if !errors.As(err, &authzErr) {
		t.Errorf("Expected authz error, got %v", err)
	}

	// Admins may open on behalf of a buyer.
	_, err = svc.Create(context.Background(), admin, CreateRequest{
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     "1000",
	})
	if err != nil {
		t.Errorf("Admin create should work: %v", err)
	}
}

func TestService_CreateSellerEligibility(t *testing.T) {
	tests := []struct {
		name string
		info SellerInfo
	}{
		{"suspended", SellerInfo{Phone: "254722000002", Verified: true, Suspended: true, Rating: 4.5}},
		{"unverified", SellerInfo{Phone: "254722000002", Verified: false}},
		{"rating below minimum", SellerInfo{Phone: "254722000002", Verified: true, Rating: 0.3}},
	}

	for _, tt := range tests {
		svc, _, _, dir := newTestService()
		dir.info = tt.info

		_, err := svc.Create(context.Background(), buyer, CreateRequest{
			BuyerID:    "usr_buyer",
			SellerID:   "usr_seller",
			BuyerPhone: "254712000001",
			Amount:     "1000",
		})
		if !errors.Is(err, ErrSellerNotEligible) {
			t.Errorf("%s: expected ErrSellerNotEligible, got %v", tt.name, err)
		}
	}

	// Unrated sellers (rating 0) must not trip the minimum.
	svc, _, _, dir := newTestService()
	dir.info = SellerInfo{Phone: "254722000002", Verified: true, Rating: 0}
	if _, err := svc.Create(context.Background(), buyer, CreateRequest{
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     "1000",
	}); err != nil {
		t.Errorf("New seller with no rating should be eligible: %v", err)
	}
}

func TestService_CreateFailsWhenPromptFails(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	bridge.collectErr = &railDown{temporary: true}

	_, err := svc.Create(context.Background(), buyer, CreateRequest{
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     "1000",
	})
	if err == nil {
		t.Fatal("Expected error when the payment prompt fails")
	}

	// The stillborn escrow must be failed, not left pending.
	txns, _ := store.ListByUser(context.Background(), "usr_buyer", 10)
	if len(txns) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(txns))
	}
	if txns[0].Status != StatusFailed {
		t.Errorf("Expected failed, got %s", txns[0].Status)
	}
	if txns[0].Resolution != "payment_failed" {
		t.Errorf("Expected resolution payment_failed, got %q", txns[0].Resolution)
	}
}

func TestService_PaymentFailedCallback(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	failed, err := svc.PaymentFailed(ctx, txn.CheckoutRequestID, "1032: cancelled by user")
	if err != nil {
		t.Fatalf("PaymentFailed failed: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", failed.Status)
	}

	// A late failure callback after the payment confirmed is ignored.
	txn2 := createTestEscrow(t, svc)
	payFor(t, svc, txn2)
	got, err := svc.PaymentFailed(ctx, txn2.CheckoutRequestID, "late duplicate")
	if err != nil {
		t.Fatalf("PaymentFailed on held should absorb: %v", err)
	}
	if got.Status != StatusHeld {
		t.Errorf("Expected held to survive a late failure callback, got %s", got.Status)
	}
}

func TestService_PaymentConfirmed_Duplicate(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)

	// The rail redelivers the same callback.
	again, err := svc.PaymentConfirmed(ctx, txn.CheckoutRequestID, "QGH7TK91XP", txn.Amount)
	if err != nil {
		t.Fatalf("Duplicate confirmation should absorb: %v", err)
	}
	if again.Status != StatusHeld {
		t.Errorf("Expected held, got %s", again.Status)
	}

	events, _ := store.ListEvents(ctx, txn.ID, 50)
	confirmations := 0
	for _, evt := range events {
		if evt.Type == EventPaymentConfirmed {
			confirmations++
		}
	}
	if confirmations != 1 {
		t.Errorf("Expected exactly 1 confirmation event, got %d", confirmations)
	}
}

func TestService_PaymentConfirmed_AmountMismatch(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	got, err := svc.PaymentConfirmed(ctx, txn.CheckoutRequestID, "QGH7TK91XP", txn.Amount-5000)
	if err != nil {
		t.Fatalf("PaymentConfirmed failed: %v", err)
	}
	// Short payment does not hold: the transaction stays pending for ops.
	if got.Status != StatusPending {
		t.Errorf("Expected pending after mismatch, got %s", got.Status)
	}

	events, _ := store.ListEvents(ctx, txn.ID, 50)
	found := false
	for _, evt := range events {
		if evt.Type == EventAmountMismatch {
			found = true
		}
	}
	if !found {
		t.Error("Expected an amount mismatch event on the timeline")
	}
}

func TestService_PaymentConfirmed_UnknownCheckout(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.PaymentConfirmed(context.Background(), "ws_CO_ghost", "RCPT", 1000)
	if !errors.Is(err, ErrTxnNotFound) {
		t.Errorf("Expected ErrTxnNotFound, got %v", err)
	}
}

func TestService_LatePaymentRefund(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	ctx := context.Background()

	// Buyer opens, then cancels before paying.
	txn := createTestEscrow(t, svc)
	cancelled, err := svc.Cancel(ctx, buyer, txn.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("Expected cancelled, got %s", cancelled.Status)
	}
	if bridge.sendCount() != 0 {
		t.Fatal("Cancelling an unpaid escrow must not move money")
	}

	// The payment lands anyway: the prompt was already on the phone.
	got, err := svc.PaymentConfirmed(ctx, txn.CheckoutRequestID, "QLATE001XX", txn.Amount)
	if err != nil {
		t.Fatalf("Late PaymentConfirmed failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Late payment must not resurrect the escrow, got %s", got.Status)
	}

	// The money goes straight back to the buyer.
	if bridge.sendCount() != 1 {
		t.Fatalf("Expected 1 refund transfer, got %d", bridge.sendCount())
	}
	if bridge.sends[0].phone != "254712000001" || bridge.sends[0].amount != txn.Amount {
		t.Errorf("Expected full refund to buyer, got %d to %s", bridge.sends[0].amount, bridge.sends[0].phone)
	}
	payout, err := store.GetPayoutByTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Expected a refund payout row: %v", err)
	}
	if payout.Kind != RefundToBuyer || payout.Fee != 0 {
		t.Errorf("Late refund must be fee-free to the buyer, got kind=%s fee=%d", payout.Kind, payout.Fee)
	}

	// The rail redelivers; the recorded receipt dedupes it.
	if _, err := svc.PaymentConfirmed(ctx, txn.CheckoutRequestID, "QLATE001XX", txn.Amount); err != nil {
		t.Fatalf("Redelivered late payment should absorb: %v", err)
	}
	if bridge.sendCount() != 1 {
		t.Errorf("Expected no second refund, got %d transfers", bridge.sendCount())
	}
}

func TestService_CancelHeldRefundsInFull(t *testing.T) {
	svc, store, bridge, dir := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)

	got, err := svc.Cancel(ctx, buyer, txn.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}

	payout, err := store.GetPayoutByTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Expected a refund payout: %v", err)
	}
	if payout.Kind != RefundToBuyer {
		t.Errorf("Expected refund kind, got %s", payout.Kind)
	}
	// Refunds carry no platform fee.
	if payout.Amount != txn.Amount || payout.Fee != 0 {
		t.Errorf("Expected full fee-free refund, got amount=%d fee=%d", payout.Amount, payout.Fee)
	}
	if bridge.sendCount() != 1 {
		t.Errorf("Expected 1 transfer, got %d", bridge.sendCount())
	}
	if dir.refunds != 1 {
		t.Errorf("Expected 1 recorded refund, got %d", dir.refunds)
	}
}

func TestService_CancelShippedRejected(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}

	_, err := svc.Cancel(ctx, buyer, txn.ID)
	var stateErr *StateTransitionError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateTransitionError, got %v", err)
	}
	if stateErr.Current != StatusShipped || stateErr.Action != ActionCancel {
		t.Errorf("Expected shipped/cancel in the error, got %s/%s", stateErr.Current, stateErr.Action)
	}
}

func TestService_MarkShippedAuthorization(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)

	var authzErr *authz.Error
	if _, err := svc.MarkShipped(ctx, buyer, txn.ID, ""); !errors.As(err, &authzErr) {
		t.Errorf("Buyer must not mark shipped, got %v", err)
	}
	if _, err := svc.MarkShipped(ctx, stranger, txn.ID, ""); !errors.As(err, &authzErr) {
		t.Errorf("Stranger must not mark shipped, got %v", err)
	}

	// Shipping before payment is a state error, not an authz one.
	unpaid := createTestEscrow(t, svc)
	var stateErr *StateTransitionError
	if _, err := svc.MarkShipped(ctx, seller, unpaid.ID, ""); !errors.As(err, &stateErr) {
		t.Errorf("Expected StateTransitionError for shipping unpaid escrow, got %v", err)
	}
}

func TestService_ConfirmDeliveryOnlyBuyer(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}

	var authzErr *authz.Error
	if _, err := svc.ConfirmDelivery(ctx, seller, txn.ID); !errors.As(err, &authzErr) {
		t.Errorf("Seller must not confirm delivery, got %v", err)
	}
	// Admins don't get to stand in for the buyer here either; they have
	// their own release override with an audit note.
	if _, err := svc.ConfirmDelivery(ctx, admin, txn.ID); !errors.As(err, &authzErr) {
		t.Errorf("Admin must use AdminRelease, got %v", err)
	}
}

func TestService_DisputeFlow(t *testing.T) {
	svc, store, bridge, dir := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}

	d, err := svc.OpenDispute(ctx, buyer, txn.ID, "box arrived empty")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if d.Status != DisputeOpen || d.OpenedBy != "usr_buyer" {
		t.Errorf("Expected open dispute by buyer, got %s by %s", d.Status, d.OpenedBy)
	}
	got, _ := store.GetTxn(ctx, txn.ID)
	if got.Status != StatusDisputed {
		t.Errorf("Expected disputed, got %s", got.Status)
	}
	if dir.disputes != 1 {
		t.Errorf("Expected dispute recorded against seller, got %d", dir.disputes)
	}

	// A second dispute on a disputed transaction is a state error.
	_, err = svc.OpenDispute(ctx, seller, txn.ID, "buyer is lying")
	var stateErr *StateTransitionError
	if !errors.As(err, &stateErr) {
		t.Errorf("Expected StateTransitionError, got %v", err)
	}

	// Admin resolves with a refund. The buyer gets everything back.
	resolved, err := svc.ResolveDispute(ctx, admin, txn.ID, "refund", "photos show empty box")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusRefunded {
		t.Errorf("Expected refunded, got %s", resolved.Status)
	}
	if resolved.Resolution != "dispute_refund" {
		t.Errorf("Expected resolution dispute_refund, got %q", resolved.Resolution)
	}

	settled, err := store.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispute failed: %v", err)
	}
	if settled.Status != DisputeResolved || settled.Resolution != "refund" {
		t.Errorf("Expected resolved/refund, got %s/%s", settled.Status, settled.Resolution)
	}
	if settled.Note != "photos show empty box" || settled.ResolvedBy != "ops_jane" {
		t.Errorf("Expected audit trail on the dispute, got note=%q by=%q", settled.Note, settled.ResolvedBy)
	}

	payout, _ := store.GetPayoutByTxn(ctx, txn.ID)
	if payout == nil || payout.Kind != RefundToBuyer || payout.Amount != txn.Amount {
		t.Errorf("Expected full refund payout, got %+v", payout)
	}
	if bridge.sendCount() != 1 {
		t.Errorf("Expected 1 transfer, got %d", bridge.sendCount())
	}
}

func TestService_DisputeAuthorization(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)

	var authzErr *authz.Error
	if _, err := svc.OpenDispute(ctx, stranger, txn.ID, "nope"); !errors.As(err, &authzErr) {
		t.Errorf("Stranger must not dispute, got %v", err)
	}

	// The seller is a party and may dispute too.
	if _, err := svc.OpenDispute(ctx, seller, txn.ID, "buyer demands goods outside the order"); err != nil {
		t.Errorf("Seller dispute should work: %v", err)
	}
}

func TestService_ResolveDisputeGuards(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.OpenDispute(ctx, buyer, txn.ID, "wrong item"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	var authzErr *authz.Error
	if _, err := svc.ResolveDispute(ctx, buyer, txn.ID, "refund", "note"); !errors.As(err, &authzErr) {
		t.Errorf("Non-admin must not resolve, got %v", err)
	}
	if _, err := svc.ResolveDispute(ctx, admin, txn.ID, "refund", "  "); !errors.Is(err, ErrNoteRequired) {
		t.Errorf("Expected ErrNoteRequired for blank note, got %v", err)
	}
	if _, err := svc.ResolveDispute(ctx, admin, txn.ID, "coinflip", "note"); err == nil {
		t.Error("Expected error for unknown resolution")
	}

	// Release pays the seller minus the fee.
	resolved, err := svc.ResolveDispute(ctx, admin, txn.ID, "release", "courier proof of delivery")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusCompleted || resolved.Resolution != "dispute_release" {
		t.Errorf("Expected completed/dispute_release, got %s/%q", resolved.Status, resolved.Resolution)
	}
}

func TestService_ResolveDisputeSplit(t *testing.T) {
	svc, store, bridge, dir := newTestService()
	ctx := context.Background()

	// An odd shilling amount so the halves cannot be equal.
	txn, err := svc.Create(ctx, buyer, CreateRequest{
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     "1001",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	d, err := svc.OpenDispute(ctx, buyer, txn.ID, "only half the order arrived")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	resolved, err := svc.ResolveDispute(ctx, admin, txn.ID, "split", "both parties share the loss")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusCompleted || resolved.Resolution != "dispute_split" {
		t.Errorf("Expected completed/dispute_split, got %s/%q", resolved.Status, resolved.Resolution)
	}

	// KES 1001 splits 501/500: the buyer leg rounds half to even and the
	// seller absorbs the odd shilling. Neither leg carries a fee.
	legs, err := store.ListPayoutsByTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("ListPayoutsByTxn failed: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("Expected 2 payout legs, got %d", len(legs))
	}
	byKind := map[string]*Payout{}
	for _, leg := range legs {
		byKind[leg.Kind] = leg
		if leg.Fee != 0 {
			t.Errorf("Split legs carry no fee, got %d on %s", leg.Fee, leg.Kind)
		}
		if leg.State != PayoutSubmitted {
			t.Errorf("Expected %s leg submitted, got %s", leg.Kind, leg.State)
		}
	}
	if byKind[PayoutToSeller] == nil || byKind[PayoutToSeller].Amount != 50100 {
		t.Errorf("Expected 50100 to seller, got %+v", byKind[PayoutToSeller])
	}
	if byKind[RefundToBuyer] == nil || byKind[RefundToBuyer].Amount != 50000 {
		t.Errorf("Expected 50000 to buyer, got %+v", byKind[RefundToBuyer])
	}
	if bridge.sendCount() != 2 {
		t.Errorf("Expected 2 rail transfers, got %d", bridge.sendCount())
	}

	settled, _ := store.GetDispute(ctx, d.ID)
	if settled.Status != DisputeResolved || settled.Resolution != "split" {
		t.Errorf("Expected resolved/split, got %s/%s", settled.Status, settled.Resolution)
	}
	if dir.sales != 1 {
		t.Errorf("Expected split completion recorded as a sale, got %d", dir.sales)
	}
}

func TestService_ResolveDisputeSplitTooSmall(t *testing.T) {
	svc, _, bridge, _ := newTestService()
	ctx := context.Background()

	txn, err := svc.Create(ctx, buyer, CreateRequest{
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     "1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	payFor(t, svc, txn)
	if _, err := svc.OpenDispute(ctx, buyer, txn.ID, "never arrived"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	// One shilling cannot give both parties a whole-shilling leg.
	_, err = svc.ResolveDispute(ctx, admin, txn.ID, "split", "note")
	if !errors.Is(err, ErrSplitTooSmall) {
		t.Fatalf("Expected ErrSplitTooSmall, got %v", err)
	}
	if bridge.sendCount() != 0 {
		t.Errorf("Expected no transfers, got %d", bridge.sendCount())
	}

	// The rejection must not consume the payout claim: a refund still works.
	resolved, err := svc.ResolveDispute(ctx, admin, txn.ID, "refund", "too small to split")
	if err != nil {
		t.Fatalf("ResolveDispute refund after rejected split failed: %v", err)
	}
	if resolved.Status != StatusRefunded {
		t.Errorf("Expected refunded, got %s", resolved.Status)
	}
}

func TestService_ResolveDisputeReship(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	d, err := svc.OpenDispute(ctx, buyer, txn.ID, "wrong colour")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	// Reship settles the dispute row but moves no money; the transaction
	// stays disputed until a later resolution closes it.
	got, err := svc.ResolveDispute(ctx, admin, txn.ID, "reship", "seller sends the right item")
	if err != nil {
		t.Fatalf("ResolveDispute reship failed: %v", err)
	}
	if got.Status != StatusDisputed {
		t.Errorf("Expected transaction to stay disputed, got %s", got.Status)
	}
	if bridge.sendCount() != 0 {
		t.Errorf("Reship must not move money, got %d transfers", bridge.sendCount())
	}
	settled, _ := store.GetDispute(ctx, d.ID)
	if settled.Status != DisputeResolved || settled.Resolution != "reship" {
		t.Errorf("Expected resolved/reship, got %s/%s", settled.Status, settled.Resolution)
	}

	// Reship on a transaction without an open dispute is rejected.
	if _, err := svc.ResolveDispute(ctx, admin, txn.ID, "reship", "again"); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("Expected ErrDisputeNotFound, got %v", err)
	}

	// The buyer can still release once the replacement arrives.
	resolved, err := svc.AdminRelease(ctx, admin, txn.ID, "replacement confirmed delivered")
	if err != nil {
		t.Fatalf("AdminRelease after reship failed: %v", err)
	}
	if resolved.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", resolved.Status)
	}
}

func TestService_ResolveWithoutOpenDispute(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)

	_, err := svc.ResolveDispute(ctx, admin, txn.ID, "refund", "note")
	if !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("Expected ErrDisputeNotFound, got %v", err)
	}
}

func TestService_AdminOverrides(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	// Refund a held transaction by force.
	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	got, err := svc.AdminRefund(ctx, admin, txn.ID, "buyer reported phone theft")
	if err != nil {
		t.Fatalf("AdminRefund failed: %v", err)
	}
	if got.Status != StatusRefunded || got.Resolution != "admin_refund" {
		t.Errorf("Expected refunded/admin_refund, got %s/%q", got.Status, got.Resolution)
	}

	// Release a shipped transaction by force.
	txn2 := createTestEscrow(t, svc)
	payFor(t, svc, txn2)
	if _, err := svc.MarkShipped(ctx, seller, txn2.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	got2, err := svc.AdminRelease(ctx, admin, txn2.ID, "buyer confirmed by phone")
	if err != nil {
		t.Fatalf("AdminRelease failed: %v", err)
	}
	if got2.Status != StatusCompleted || got2.Resolution != "admin_release" {
		t.Errorf("Expected completed/admin_release, got %s/%q", got2.Status, got2.Resolution)
	}

	// Guards.
	txn3 := createTestEscrow(t, svc)
	payFor(t, svc, txn3)
	var authzErr *authz.Error
	if _, err := svc.AdminRelease(ctx, buyer, txn3.ID, "note"); !errors.As(err, &authzErr) {
		t.Errorf("Non-admin override must be denied, got %v", err)
	}
	if _, err := svc.AdminRelease(ctx, admin, txn3.ID, ""); !errors.Is(err, ErrNoteRequired) {
		t.Errorf("Expected ErrNoteRequired, got %v", err)
	}

	// An override on a disputed transaction settles the dispute row too.
	d, err := svc.OpenDispute(ctx, buyer, txn3.ID, "no show")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if _, err := svc.AdminRefund(ctx, admin, txn3.ID, "seller unreachable for a week"); err != nil {
		t.Fatalf("AdminRefund on disputed failed: %v", err)
	}
	settled, _ := store.GetDispute(ctx, d.ID)
	if settled.Status != DisputeResolved || settled.Resolution != "admin_refund" {
		t.Errorf("Expected override to settle the dispute, got %s/%q", settled.Status, settled.Resolution)
	}
}

func TestService_RateSeller(t *testing.T) {
	svc, _, _, dir := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}

	// Rating before completion is a state error.
	var stateErr *StateTransitionError
	if _, err := svc.RateSeller(ctx, buyer, txn.ID, 5); !errors.As(err, &stateErr) {
		t.Errorf("Expected StateTransitionError before completion, got %v", err)
	}

	if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}

	// Bounds.
	if _, err := svc.RateSeller(ctx, buyer, txn.ID, 0); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("Expected ErrInvalidRating for 0, got %v", err)
	}
	if _, err := svc.RateSeller(ctx, buyer, txn.ID, 6); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("Expected ErrInvalidRating for 6, got %v", err)
	}

	// Only the buyer rates.
	var authzErr *authz.Error
	if _, err := svc.RateSeller(ctx, seller, txn.ID, 5); !errors.As(err, &authzErr) {
		t.Errorf("Seller must not rate themselves, got %v", err)
	}

	rated, err := svc.RateSeller(ctx, buyer, txn.ID, 4)
	if err != nil {
		t.Fatalf("RateSeller failed: %v", err)
	}
	if rated.RatingStars != 4 || rated.RatedAt == nil {
		t.Errorf("Expected 4 stars recorded, got %d", rated.RatingStars)
	}
	if len(dir.ratings) != 1 || dir.ratings[0] != 4 {
		t.Errorf("Expected rating forwarded to the directory, got %v", dir.ratings)
	}

	// Exactly once.
	if _, err := svc.RateSeller(ctx, buyer, txn.ID, 1); !errors.Is(err, ErrAlreadyRated) {
		t.Errorf("Expected ErrAlreadyRated, got %v", err)
	}
}

func TestService_PayoutRetryableFailure(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}

	// The rail is down. The money never moved, so the transition must not
	// commit: the error surfaces, the claim and the pending payout stay
	// behind for the retry job.
	bridge.setSendErr(&railDown{temporary: true})
	if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err == nil {
		t.Fatal("ConfirmDelivery must fail when the rail rejects the transfer")
	}
	got, _ := store.GetTxn(ctx, txn.ID)
	if got.Status != StatusShipped {
		t.Errorf("Expected transaction to stay shipped, got %s", got.Status)
	}
	if got.PayoutState != PayoutStaged {
		t.Errorf("Expected payout claim staged, got %q", got.PayoutState)
	}
	if got.ResolvedAt != nil {
		t.Error("Expected no resolution while the payout is outstanding")
	}

	payout, _ := store.GetPayoutByTxn(ctx, txn.ID)
	if payout.State != PayoutPending {
		t.Fatalf("Expected pending payout, got %s", payout.State)
	}
	if payout.Attempts != 1 || payout.LastError == "" {
		t.Errorf("Expected 1 attempt with error recorded, got %d %q", payout.Attempts, payout.LastError)
	}

	// Rail recovers. Backdate the payout past the in-flight grace window.
	bridge.setSendErr(nil)
	payout.UpdatedAt = time.Now().Add(-2 * time.Minute)
	if err := store.UpdatePayout(ctx, payout); err != nil {
		t.Fatalf("UpdatePayout failed: %v", err)
	}

	submitted, err := svc.ProcessPayoutRetries(ctx)
	if err != nil {
		t.Fatalf("ProcessPayoutRetries failed: %v", err)
	}
	if submitted != 1 {
		t.Errorf("Expected 1 submission, got %d", submitted)
	}
	payout, _ = store.GetPayoutByTxn(ctx, txn.ID)
	if payout.State != PayoutSubmitted || payout.Attempts != 2 {
		t.Errorf("Expected submitted after 2 attempts, got %s/%d", payout.State, payout.Attempts)
	}

	// The deferred transition commits once the rail accepts the transfer.
	got, _ = store.GetTxn(ctx, txn.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected completed after retry, got %s", got.Status)
	}
	if got.Resolution != "delivery_confirmed" {
		t.Errorf("Expected resolution delivery_confirmed, got %q", got.Resolution)
	}
	if got.ResolvedAt == nil {
		t.Error("Expected ResolvedAt set by the deferred commit")
	}
}

func TestService_PayoutPermanentFailure(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}

	bridge.setSendErr(&railDown{temporary: false})
	if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err == nil {
		t.Fatal("ConfirmDelivery must fail when the rail rejects the transfer")
	}

	// The rejection is final for the payout row but the transaction never
	// reached completed: it stays shipped for ops to sort out.
	got, _ := store.GetTxn(ctx, txn.ID)
	if got.Status != StatusShipped {
		t.Errorf("Expected transaction to stay shipped, got %s", got.Status)
	}
	payout, _ := store.GetPayoutByTxn(ctx, txn.ID)
	if payout.State != PayoutFailed {
		t.Errorf("Expected failed payout for a permanent rejection, got %s", payout.State)
	}

	events, _ := store.ListEvents(ctx, txn.ID, 50)
	found := false
	for _, evt := range events {
		if evt.Type == EventPayoutFailed {
			found = true
		}
	}
	if !found {
		t.Error("Expected a payout_failed event on the timeline")
	}
}

func TestService_PayoutRetriesExhausted(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	bridge.setSendErr(&railDown{temporary: true})
	if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err == nil {
		t.Fatal("Expected ConfirmDelivery to surface the rail outage")
	}

	// Simulate the retries having burned through the budget.
	payout, _ := store.GetPayoutByTxn(ctx, txn.ID)
	payout.Attempts = maxPayoutAttempts
	payout.UpdatedAt = time.Now().Add(-2 * time.Minute)
	if err := store.UpdatePayout(ctx, payout); err != nil {
		t.Fatalf("UpdatePayout failed: %v", err)
	}

	submitted, err := svc.ProcessPayoutRetries(ctx)
	if err != nil {
		t.Fatalf("ProcessPayoutRetries failed: %v", err)
	}
	if submitted != 0 {
		t.Errorf("Expected 0 submissions, got %d", submitted)
	}
	payout, _ = store.GetPayoutByTxn(ctx, txn.ID)
	if payout.State != PayoutFailed {
		t.Errorf("Expected payout parked as failed, got %s", payout.State)
	}
	got, _ := store.GetTxn(ctx, txn.ID)
	if got.Status != StatusShipped {
		t.Errorf("Expected transaction never committed, got %s", got.Status)
	}
}

func TestService_PayoutRetrySkipsFresh(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	bridge.setSendErr(&railDown{temporary: true})
	if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err == nil {
		t.Fatal("Expected ConfirmDelivery to surface the rail outage")
	}
	bridge.setSendErr(nil)

	// The payout was touched seconds ago; the sweep must not double-submit.
	submitted, err := svc.ProcessPayoutRetries(ctx)
	if err != nil {
		t.Fatalf("ProcessPayoutRetries failed: %v", err)
	}
	if submitted != 0 {
		t.Errorf("Expected fresh payout to be skipped, got %d submissions", submitted)
	}
	payout, _ := store.GetPayoutByTxn(ctx, txn.ID)
	if payout.Attempts != 1 {
		t.Errorf("Expected attempts unchanged, got %d", payout.Attempts)
	}
}

func TestService_PayoutResultSettlesAndCommits(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	bridge.setSendErr(&railDown{temporary: true})
	if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err == nil {
		t.Fatal("Expected ConfirmDelivery to surface the rail outage")
	}

	// The rail actually accepted the transfer before the outage hit the
	// response path: the row says pending, the rail says otherwise. Its
	// result callback is the source of truth.
	payout, _ := store.GetPayoutByTxn(ctx, txn.ID)
	payout.State = PayoutSubmitted
	if err := store.UpdatePayout(ctx, payout); err != nil {
		t.Fatalf("UpdatePayout failed: %v", err)
	}

	p, err := svc.PayoutResult(ctx, payout.Reference, true, "SGR4T1XQ9P", "")
	if err != nil {
		t.Fatalf("PayoutResult failed: %v", err)
	}
	if p.State != PayoutSettled || p.Receipt != "SGR4T1XQ9P" {
		t.Errorf("Expected settled with receipt, got %s/%q", p.State, p.Receipt)
	}

	// Settling the only leg commits the staged transition.
	got, _ := store.GetTxn(ctx, txn.ID)
	if got.Status != StatusCompleted || got.Resolution != "delivery_confirmed" {
		t.Errorf("Expected completed/delivery_confirmed, got %s/%q", got.Status, got.Resolution)
	}

	// Rail redelivers the result until acknowledged.
	if _, err := svc.PayoutResult(ctx, payout.Reference, true, "SGR4T1XQ9P", ""); err != nil {
		t.Fatalf("Redelivered result should absorb: %v", err)
	}
	events, _ := store.ListEvents(ctx, txn.ID, 50)
	settles := 0
	for _, evt := range events {
		if evt.Type == EventPayoutSettled {
			settles++
		}
	}
	if settles != 1 {
		t.Errorf("Expected exactly 1 settle event, got %d", settles)
	}
}

func TestService_PayoutResultRejectionRequeues(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	payout, _ := store.GetPayoutByTxn(ctx, txn.ID)
	if payout.State != PayoutSubmitted {
		t.Fatalf("Expected submitted payout, got %s", payout.State)
	}

	// The rail accepted the transfer but later rejected it; the row goes
	// back in line for the retry job.
	p, err := svc.PayoutResult(ctx, payout.Reference, false, "", "2001: insufficient MMF balance")
	if err != nil {
		t.Fatalf("PayoutResult failed: %v", err)
	}
	if p.State != PayoutPending {
		t.Errorf("Expected payout requeued as pending, got %s", p.State)
	}
	if p.LastError != "2001: insufficient MMF balance" {
		t.Errorf("Expected rail description recorded, got %q", p.LastError)
	}

	if _, err := svc.PayoutResult(ctx, "pay_ghost", true, "RCPT", ""); !errors.Is(err, ErrPayoutNotFound) {
		t.Errorf("Expected ErrPayoutNotFound for unknown reference, got %v", err)
	}
}

func TestService_PayoutTimeout(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	payout, _ := store.GetPayoutByTxn(ctx, txn.ID)

	p, err := svc.PayoutTimeout(ctx, payout.Reference)
	if err != nil {
		t.Fatalf("PayoutTimeout failed: %v", err)
	}
	if p.State != PayoutPending || p.LastError == "" {
		t.Errorf("Expected timed-out payout requeued, got %s/%q", p.State, p.LastError)
	}

	// A timeout for a payout that already settled changes nothing.
	p.State = PayoutSettled
	if err := store.UpdatePayout(ctx, p); err != nil {
		t.Fatalf("UpdatePayout failed: %v", err)
	}
	p, err = svc.PayoutTimeout(ctx, payout.Reference)
	if err != nil {
		t.Fatalf("PayoutTimeout failed: %v", err)
	}
	if p.State != PayoutSettled {
		t.Errorf("Expected settled to survive a late timeout, got %s", p.State)
	}
}

func TestService_ConcurrentConfirmations(t *testing.T) {
	svc, store, bridge, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)
	payFor(t, svc, txn)
	if _, err := svc.MarkShipped(ctx, seller, txn.ID, ""); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}

	var wg sync.WaitGroup
	var okCount int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ConfirmDelivery(ctx, buyer, txn.ID); err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if okCount != 1 {
		t.Errorf("Expected exactly 1 confirmation to win, got %d", okCount)
	}
	if bridge.sendCount() != 1 {
		t.Errorf("Expected exactly 1 transfer, got %d", bridge.sendCount())
	}
	got, _ := store.GetTxn(ctx, txn.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
}

func TestService_GetVisibility(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	txn := createTestEscrow(t, svc)

	if _, err := svc.Get(ctx, buyer, txn.ID); err != nil {
		t.Errorf("Buyer should see own escrow: %v", err)
	}
	if _, err := svc.Get(ctx, seller, txn.ID); err != nil {
		t.Errorf("Seller should see own escrow: %v", err)
	}
	if _, err := svc.Get(ctx, admin, txn.ID); err != nil {
		t.Errorf("Admin should see everything: %v", err)
	}
	var authzErr *authz.Error
	if _, err := svc.Get(ctx, stranger, txn.ID); !errors.As(err, &authzErr) {
		t.Errorf("Stranger must not see the escrow, got %v", err)
	}
	if _, err := svc.Get(ctx, buyer, "ESC_20250101000000_deadbeef"); !errors.Is(err, ErrTxnNotFound) {
		t.Errorf("Expected ErrTxnNotFound, got %v", err)
	}
}

func TestService_AdminOnlyLists(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	createTestEscrow(t, svc)

	var authzErr *authz.Error
	if _, err := svc.ListByStatus(ctx, buyer, StatusPending, 10); !errors.As(err, &authzErr) {
		t.Errorf("ListByStatus must be admin only, got %v", err)
	}
	if _, err := svc.ListDisputes(ctx, buyer, DisputeOpen, 10); !errors.As(err, &authzErr) {
		t.Errorf("ListDisputes must be admin only, got %v", err)
	}
	if _, err := svc.ListPayouts(ctx, buyer, "", 10); !errors.As(err, &authzErr) {
		t.Errorf("ListPayouts must be admin only, got %v", err)
	}

	pending, err := svc.ListByStatus(ctx, admin, StatusPending, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending escrow, got %d", len(pending))
	}
}

func TestService_ListMineSeesBothSides(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	createTestEscrow(t, svc)

	mine, err := svc.ListMine(ctx, seller, 10)
	if err != nil {
		t.Fatalf("ListMine failed: %v", err)
	}
	if len(mine) != 1 {
		t.Errorf("Seller should see escrows where they sell, got %d", len(mine))
	}
}
