package contracts

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeLedger records settlement calls made by the contract service.
type fakeLedger struct {
	mu       sync.Mutex
	releases []string
	refunds  []string
	failWith error
}

func (f *fakeLedger) RecordRelease(ctx context.Context, contractID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.releases = append(f.releases, contractID)
	return nil
}

func (f *fakeLedger) RecordRefund(ctx context.Context, contractID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.refunds = append(f.refunds, contractID)
	return nil
}

// fakeNotifier captures emitted events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Emit(event, contractID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestService() (*Service, *fakeLedger, *fakeNotifier) {
	ledger := &fakeLedger{}
	notifier := &fakeNotifier{}
	svc := NewService(NewMemoryStore(), ledger).WithNotifier(notifier)
	return svc, ledger, notifier
}

func propose(t *testing.T, svc *Service) *Contract {
	t.Helper()
	contract, err := svc.Propose(context.Background(), "usr_freelancer1", ProposeRequest{
		ProjectID:   "prj_abc123def456",
		ClientID:    "usr_client1",
		Title:       "Landing page redesign",
		FinalAmount: 250000,
	})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	return contract
}

func accept(t *testing.T, svc *Service, id string) *Contract {
	t.Helper()
	contract, due, err := svc.ApplyDecision(context.Background(), id, "usr_client1", DecisionAccepted, 1)
	if err != nil {
		t.Fatalf("ApplyDecision(accepted) failed: %v", err)
	}
	if due == nil {
		t.Fatal("Expected PaymentRequired after acceptance")
	}
	return contract
}

func fund(t *testing.T, svc *Service, id string) {
	t.Helper()
	if err := svc.ActivateOnFunding(context.Background(), id, "fund_pay_123"); err != nil {
		t.Fatalf("ActivateOnFunding failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Transition table
// ---------------------------------------------------------------------------

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusProposed, StatusAccepted, true},
		{StatusProposed, StatusRejected, true},
		{StatusProposed, StatusActive, false},
		{StatusProposed, StatusCompleted, false},
		{StatusAccepted, StatusActive, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusAccepted, StatusCompleted, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusAccepted, false},
		{StatusRejected, StatusAccepted, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusActive, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Propose
// ---------------------------------------------------------------------------

func TestPropose(t *testing.T) {
	svc, _, notifier := newTestService()

	contract := propose(t, svc)
	if contract.Status != StatusProposed {
		t.Errorf("Expected proposed, got %s", contract.Status)
	}
	if contract.EscrowStatus != EscrowNone {
		t.Errorf("Expected escrow none, got %s", contract.EscrowStatus)
	}
	if contract.Version != 1 {
		t.Errorf("Expected version 1, got %d", contract.Version)
	}
	if contract.FreelancerID != "usr_freelancer1" {
		t.Errorf("Proposer should be the freelancer, got %s", contract.FreelancerID)
	}
	if !notifier.has("contract.proposed") {
		t.Error("Expected contract.proposed event")
	}
}

func TestPropose_InvalidAmount(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Propose(context.Background(), "usr_freelancer1", ProposeRequest{
		ProjectID:   "prj_abc123def456",
		ClientID:    "usr_client1",
		Title:       "Work",
		FinalAmount: 0,
	})
	if err == nil {
		t.Fatal("Expected error for zero amount")
	}
}

func TestPropose_SelfContract(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Propose(context.Background(), "usr_client1", ProposeRequest{
		ProjectID:   "prj_abc123def456",
		ClientID:    "usr_client1",
		Title:       "Work",
		FinalAmount: 1000,
	})
	if !errors.Is(err, ErrNotParty) {
		t.Fatalf("Expected ErrNotParty, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// ApplyDecision
// ---------------------------------------------------------------------------

func TestApplyDecision_Accept(t *testing.T) {
	svc, _, notifier := newTestService()
	contract := propose(t, svc)

	updated, due, err := svc.ApplyDecision(context.Background(), contract.ID, "usr_client1", DecisionAccepted, 1)
	if err != nil {
		t.Fatalf("ApplyDecision failed: %v", err)
	}
	if updated.Status != StatusAccepted {
		t.Errorf("Expected accepted, got %s", updated.Status)
	}
	if updated.EscrowStatus != EscrowPending {
		t.Errorf("Expected escrow pending, got %s", updated.EscrowStatus)
	}
	if updated.Version != 2 {
		t.Errorf("Expected version 2, got %d", updated.Version)
	}
	if due.Amount != 250000 {
		t.Errorf("Expected payment due 250000, got %d", due.Amount)
	}
	if due.ContractID != contract.ID {
		t.Errorf("Payment due references wrong contract: %s", due.ContractID)
	}
	if !notifier.has("contract.accepted") {
		t.Error("Expected contract.accepted event")
	}
}

func TestApplyDecision_Reject(t *testing.T) {
	svc, _, notifier := newTestService()
	contract := propose(t, svc)

	updated, due, err := svc.ApplyDecision(context.Background(), contract.ID, "usr_client1", DecisionRejected, 1)
	if err != nil {
		t.Fatalf("ApplyDecision failed: %v", err)
	}
	if updated.Status != StatusRejected {
		t.Errorf("Expected rejected, got %s", updated.Status)
	}
	if due != nil {
		t.Error("Rejection must not produce a payment")
	}
	if updated.ResolvedAt == nil {
		t.Error("Expected resolvedAt to be set")
	}
	if !notifier.has("contract.rejected") {
		t.Error("Expected contract.rejected event")
	}
}

func TestApplyDecision_OnlyClient(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)

	_, _, err := svc.ApplyDecision(context.Background(), contract.ID, "usr_freelancer1", DecisionAccepted, 1)
	if !errors.Is(err, ErrNotClient) {
		t.Fatalf("Expected ErrNotClient, got %v", err)
	}
}

func TestApplyDecision_StaleVersion(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)

	_, _, err := svc.ApplyDecision(context.Background(), contract.ID, "usr_client1", DecisionAccepted, 99)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestApplyDecision_AlreadyDecided(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)

	_, _, err := svc.ApplyDecision(context.Background(), contract.ID, "usr_client1", DecisionAccepted, 2)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Expected ErrInvalidStatus, got %v", err)
	}

	// A decision on a rejected contract reports terminal state.
	other := propose(t, svc)
	if _, _, err := svc.ApplyDecision(context.Background(), other.ID, "usr_client1", DecisionRejected, 1); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	_, _, err = svc.ApplyDecision(context.Background(), other.ID, "usr_client1", DecisionAccepted, 2)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Expected ErrAlreadyResolved, got %v", err)
	}
}

func TestApplyDecision_InvalidDecision(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)

	_, _, err := svc.ApplyDecision(context.Background(), contract.ID, "usr_client1", Decision("maybe"), 1)
	if !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("Expected ErrInvalidDecision, got %v", err)
	}
}

func TestApplyDecision_ConcurrentCAS(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)

	// Two racing decisions on the same version: exactly one wins.
	var wg sync.WaitGroup
	results := make([]error, 2)
	decisions := []Decision{DecisionAccepted, DecisionRejected}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = svc.ApplyDecision(context.Background(), contract.ID, "usr_client1", decisions[i], 1)
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("Expected exactly one decision to win, got %d (errors: %v)", wins, results)
	}
}

// ---------------------------------------------------------------------------
// ActivateOnFunding
// ---------------------------------------------------------------------------

func TestActivateOnFunding(t *testing.T) {
	svc, _, notifier := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)

	fund(t, svc, contract.ID)

	got, err := svc.Get(context.Background(), contract.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("Expected active, got %s", got.Status)
	}
	if got.EscrowStatus != EscrowFunded {
		t.Errorf("Expected escrow funded, got %s", got.EscrowStatus)
	}
	if got.FundedAt == nil {
		t.Error("Expected fundedAt to be set")
	}
	if !notifier.has("contract.activated") {
		t.Error("Expected contract.activated event")
	}
}

func TestActivateOnFunding_Idempotent(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)
	fund(t, svc, contract.ID)

	// Duplicate payment delivery must be a no-op success.
	if err := svc.ActivateOnFunding(context.Background(), contract.ID, "fund_pay_123"); err != nil {
		t.Fatalf("Second activation should succeed, got %v", err)
	}

	got, _ := svc.Get(context.Background(), contract.ID)
	if got.Status != StatusActive {
		t.Errorf("Expected still active, got %s", got.Status)
	}
}

func TestActivateOnFunding_NotAccepted(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)

	err := svc.ActivateOnFunding(context.Background(), contract.ID, "fund_pay_123")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Expected ErrInvalidStatus for proposed contract, got %v", err)
	}
}

func TestActivateOnFunding_ResolvedContract(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)

	// Cancelled while the capture was in flight: activation must report
	// the terminal state so the caller can reverse the payment.
	if _, err := svc.Cancel(context.Background(), contract.ID, "usr_client1", "changed my mind"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	err := svc.ActivateOnFunding(context.Background(), contract.ID, "fund_pay_123")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Expected ErrAlreadyResolved for cancelled contract, got %v", err)
	}

	got, _ := svc.Get(context.Background(), contract.ID)
	if got.Status != StatusCancelled {
		t.Errorf("Expected still cancelled, got %s", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Release
// ---------------------------------------------------------------------------

func TestRelease(t *testing.T) {
	svc, ledger, notifier := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)
	fund(t, svc, contract.ID)

	updated, err := svc.Release(context.Background(), contract.ID, "usr_client1", 3)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", updated.Status)
	}
	if updated.EscrowStatus != EscrowReleased {
		t.Errorf("Expected escrow released, got %s", updated.EscrowStatus)
	}
	if len(ledger.releases) != 1 || ledger.releases[0] != contract.ID {
		t.Errorf("Expected one ledger release for %s, got %v", contract.ID, ledger.releases)
	}
	if !notifier.has("contract.completed") {
		t.Error("Expected contract.completed event")
	}
}

func TestRelease_OnlyClient(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)
	fund(t, svc, contract.ID)

	_, err := svc.Release(context.Background(), contract.ID, "usr_freelancer1", 3)
	if !errors.Is(err, ErrNotClient) {
		t.Fatalf("Expected ErrNotClient, got %v", err)
	}
}

func TestRelease_NotActive(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)

	_, err := svc.Release(context.Background(), contract.ID, "usr_client1", 2)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Expected ErrInvalidStatus for unfunded contract, got %v", err)
	}
}

func TestRelease_StaleVersion(t *testing.T) {
	svc, ledger, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)
	fund(t, svc, contract.ID)

	_, err := svc.Release(context.Background(), contract.ID, "usr_client1", 1)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}
	if len(ledger.releases) != 0 {
		t.Error("Ledger must not be touched on a stale version")
	}
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancel_AcceptedByClient(t *testing.T) {
	svc, ledger, notifier := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)

	updated, err := svc.Cancel(context.Background(), contract.ID, "usr_client1", "changed my mind")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", updated.Status)
	}
	if updated.EscrowStatus != EscrowNone {
		t.Errorf("Unfunded cancel should leave escrow none, got %s", updated.EscrowStatus)
	}
	if updated.CancelReason != "changed my mind" {
		t.Errorf("Expected cancel reason, got %q", updated.CancelReason)
	}
	if len(ledger.refunds) != 0 {
		t.Error("No refund expected for unfunded contract")
	}
	if !notifier.has("contract.cancelled") {
		t.Error("Expected contract.cancelled event")
	}
}

func TestCancel_ActiveRefundsEscrow(t *testing.T) {
	svc, ledger, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)
	fund(t, svc, contract.ID)

	updated, err := svc.Cancel(context.Background(), contract.ID, "usr_client1", "project scrapped")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if updated.EscrowStatus != EscrowRefunded {
		t.Errorf("Expected escrow refunded, got %s", updated.EscrowStatus)
	}
	if len(ledger.refunds) != 1 || ledger.refunds[0] != contract.ID {
		t.Errorf("Expected refund recorded for %s, got %v", contract.ID, ledger.refunds)
	}
}

func TestCancel_FreelancerBeforeFunding(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)

	if _, err := svc.Cancel(context.Background(), contract.ID, "usr_freelancer1", "overbooked"); err != nil {
		t.Fatalf("Freelancer should be able to cancel an accepted contract: %v", err)
	}
}

func TestCancel_FreelancerAfterFunding(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)
	fund(t, svc, contract.ID)

	_, err := svc.Cancel(context.Background(), contract.ID, "usr_freelancer1", "overbooked")
	if !errors.Is(err, ErrNotClient) {
		t.Fatalf("Freelancer must not cancel an active contract, got %v", err)
	}
}

func TestCancel_NotParty(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)

	_, err := svc.Cancel(context.Background(), contract.ID, "usr_stranger1", "nope")
	if !errors.Is(err, ErrNotParty) {
		t.Fatalf("Expected ErrNotParty, got %v", err)
	}
}

func TestCancel_Terminal(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)
	if _, err := svc.Cancel(context.Background(), contract.ID, "usr_client1", "first"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	_, err := svc.Cancel(context.Background(), contract.ID, "usr_client1", "again")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Expected ErrAlreadyResolved, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// PaymentDue
// ---------------------------------------------------------------------------

func TestPaymentDue(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)
	accept(t, svc, contract.ID)

	due, clientID, err := svc.PaymentDue(context.Background(), contract.ID)
	if err != nil {
		t.Fatalf("PaymentDue failed: %v", err)
	}
	if due.Amount != 250000 {
		t.Errorf("Expected 250000 due, got %d", due.Amount)
	}
	if clientID != "usr_client1" {
		t.Errorf("Expected client usr_client1, got %s", clientID)
	}
}

func TestPaymentDue_NotAccepted(t *testing.T) {
	svc, _, _ := newTestService()
	contract := propose(t, svc)

	_, _, err := svc.PaymentDue(context.Background(), contract.ID)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Expected ErrInvalidStatus, got %v", err)
	}

	// After funding there is nothing left to pay.
	accept(t, svc, contract.ID)
	fund(t, svc, contract.ID)
	_, _, err = svc.PaymentDue(context.Background(), contract.ID)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Expected ErrInvalidStatus for funded contract, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

func TestListByParty(t *testing.T) {
	svc, _, _ := newTestService()
	first := propose(t, svc)
	propose(t, svc)

	mine, err := svc.ListByParty(context.Background(), "usr_freelancer1", "", nil, 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("Expected 2 contracts, got %d", len(mine))
	}

	accept(t, svc, first.ID)
	accepted, err := svc.ListByParty(context.Background(), "usr_client1", StatusAccepted, nil, 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(accepted) != 1 || accepted[0].ID != first.ID {
		t.Errorf("Expected only %s accepted, got %v", first.ID, accepted)
	}

	none, err := svc.ListByParty(context.Background(), "usr_stranger1", "", nil, 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no contracts for a stranger, got %d", len(none))
	}
}
