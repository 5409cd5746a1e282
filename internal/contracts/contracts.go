// Package contracts owns the work-agreement lifecycle between a client
// and a freelancer.
//
// Flow:
//  1. Freelancer proposes terms → status: proposed
//  2. Client accepts → status: accepted, payment required (escrow pending)
//  3. Escrow funded via the payment gateway → status: active
//  4. Client releases escrow on completion → status: completed
//  5. Either party may cancel per the transition rules → status: cancelled
//
// Every status change is a conditional write on (id, version): a stale
// version is rejected, never silently overwritten. Escrow state on the
// contract is derived from ledger activity and only ever set here as a
// consequence of ledger entries landing.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigvault/gigvault/internal/idgen"
	"github.com/gigvault/gigvault/internal/pagination"
	"github.com/gigvault/gigvault/internal/syncutil"
)

var (
	ErrContractNotFound = errors.New("contract not found")
	ErrInvalidStatus    = errors.New("invalid contract status for this operation")
	ErrVersionConflict  = errors.New("contract was modified concurrently, refetch and retry")
	ErrNotClient        = errors.New("only the contract's client may perform this action")
	ErrNotParty         = errors.New("not a party to this contract")
	ErrAlreadyResolved  = errors.New("contract already resolved")
	ErrInvalidDecision  = errors.New("decision must be accepted or rejected")
)

// Status represents the lifecycle state of a contract.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// EscrowStatus is the escrow state recorded on the contract. It is
// derived from ledger entries; callers never set it directly.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// transitions is the complete legal transition table. Anything not
// listed here is rejected.
var transitions = map[Status]map[Status]bool{
	StatusProposed: {StatusAccepted: true, StatusRejected: true},
	StatusAccepted: {StatusActive: true, StatusCancelled: true},
	StatusActive:   {StatusCompleted: true, StatusCancelled: true},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Details holds the agreed contract terms.
type Details struct {
	Title        string     `json:"title"`
	Scope        string     `json:"scope"`
	FinalAmount  int64      `json:"finalAmount"` // minor currency units
	Duration     string     `json:"duration"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	PaymentTerms string     `json:"paymentTerms"`
	Deliverables []string   `json:"deliverables"`
}

// Contract represents a work agreement between a client and a freelancer.
type Contract struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"projectId"`
	ClientID     string       `json:"clientId"`
	FreelancerID string       `json:"freelancerId"`
	Status       Status       `json:"status"`
	Details      Details      `json:"contractDetails"`
	EscrowStatus EscrowStatus `json:"escrowStatus"`
	Version      int64        `json:"version"`
	CancelReason string       `json:"cancelReason,omitempty"`
	AcceptedAt   *time.Time   `json:"acceptedAt,omitempty"`
	FundedAt     *time.Time   `json:"fundedAt,omitempty"`
	ResolvedAt   *time.Time   `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// IsTerminal returns true if the contract is in a final state.
func (c *Contract) IsTerminal() bool {
	switch c.Status {
	case StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// PartyOf reports whether userID is the client or freelancer on the contract.
func (c *Contract) PartyOf(userID string) bool {
	return c.ClientID == userID || c.FreelancerID == userID
}

// PaymentRequired describes the funding a client owes after accepting.
type PaymentRequired struct {
	ContractID string `json:"contractId"`
	ProjectID  string `json:"projectId"`
	Amount     int64  `json:"amount"`
}

// Store persists contract data.
//
// UpdateIf is the single mutation path: a conditional write that only
// succeeds when the stored version equals expectedVersion, incrementing
// the version as part of the same write. It returns ErrVersionConflict
// on a stale version and ErrContractNotFound for a missing row.
type Store interface {
	Create(ctx context.Context, contract *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	UpdateIf(ctx context.Context, contract *Contract, expectedVersion int64) error
	ListByParty(ctx context.Context, userID string, status Status, cursor *pagination.Cursor, limit int) ([]*Contract, error)
	// ListEscrowStates returns contract id -> stored escrow status for
	// contracts that have touched escrow, newest first.
	ListEscrowStates(ctx context.Context, limit int) (map[string]string, error)
}

// LedgerService abstracts the escrow ledger so contracts doesn't import ledger.
type LedgerService interface {
	RecordRelease(ctx context.Context, contractID string) error
	RecordRefund(ctx context.Context, contractID string) error
}

// Notifier receives fire-and-forget event emissions for status changes.
type Notifier interface {
	Emit(event, contractID string)
}

// Decision is a client's verdict on a proposed contract.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// ProposeRequest contains the parameters for proposing a contract.
type ProposeRequest struct {
	ProjectID    string     `json:"projectId" binding:"required"`
	ClientID     string     `json:"clientId" binding:"required"`
	Title        string     `json:"title" binding:"required"`
	Scope        string     `json:"scope"`
	FinalAmount  int64      `json:"finalAmount" binding:"required"`
	Duration     string     `json:"duration"`
	StartDate    *time.Time `json:"startDate"`
	PaymentTerms string     `json:"paymentTerms"`
	Deliverables []string   `json:"deliverables"`
}

// Service implements the contract state machine.
type Service struct {
	store    Store
	ledger   LedgerService
	notifier Notifier
	locks    syncutil.ShardedMutex // per-contract locks so internal transitions serialize
}

// NewService creates a new contract service.
func NewService(store Store, ledger LedgerService) *Service {
	return &Service{store: store, ledger: ledger}
}

// WithNotifier attaches an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) emit(event, contractID string) {
	if s.notifier != nil {
		s.notifier.Emit(event, contractID)
	}
}

// Propose creates a new contract in the proposed state. Only the
// freelancer side proposes terms; the client decides on them.
func (s *Service) Propose(ctx context.Context, actingUserID string, req ProposeRequest) (*Contract, error) {
	if req.FinalAmount <= 0 {
		return nil, fmt.Errorf("%w: finalAmount must be positive", ErrInvalidStatus)
	}
	if actingUserID == req.ClientID {
		return nil, fmt.Errorf("%w: client and freelancer cannot be the same user", ErrNotParty)
	}

	now := time.Now().UTC()
	contract := &Contract{
		ID:           idgen.WithPrefix("ct_"),
		ProjectID:    req.ProjectID,
		ClientID:     req.ClientID,
		FreelancerID: actingUserID,
		Status:       StatusProposed,
		EscrowStatus: EscrowNone,
		Version:      1,
		Details: Details{
			Title:        strings.TrimSpace(req.Title),
			Scope:        req.Scope,
			FinalAmount:  req.FinalAmount,
			Duration:     req.Duration,
			StartDate:    req.StartDate,
			PaymentTerms: req.PaymentTerms,
			Deliverables: req.Deliverables,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, contract); err != nil {
		return nil, fmt.Errorf("create contract: %w", err)
	}

	recordTransition("", StatusProposed)
	s.emit("contract.proposed", contract.ID)
	return contract, nil
}

// ApplyDecision applies the client's accept/reject verdict to a proposed
// contract. Accepting marks the contract accepted with escrow pending and
// returns the payment the client now owes; it does not activate the
// contract, funding does that. Rejecting is terminal.
func (s *Service) ApplyDecision(ctx context.Context, contractID, actingUserID string, decision Decision, expectedVersion int64) (*Contract, *PaymentRequired, error) {
	if decision != DecisionAccepted && decision != DecisionRejected {
		return nil, nil, ErrInvalidDecision
	}

	contract, err := s.store.Get(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	if contract.ClientID != actingUserID {
		return nil, nil, ErrNotClient
	}
	if contract.IsTerminal() {
		return nil, nil, ErrAlreadyResolved
	}
	if contract.Status != StatusProposed {
		return nil, nil, ErrInvalidStatus
	}

	now := time.Now().UTC()
	from := contract.Status
	var due *PaymentRequired

	if decision == DecisionAccepted {
		contract.Status = StatusAccepted
		contract.EscrowStatus = EscrowPending
		contract.AcceptedAt = &now
		due = &PaymentRequired{
			ContractID: contract.ID,
			ProjectID:  contract.ProjectID,
			Amount:     contract.Details.FinalAmount,
		}
	} else {
		contract.Status = StatusRejected
		contract.ResolvedAt = &now
	}
	contract.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, contract, expectedVersion); err != nil {
		return nil, nil, err
	}

	recordTransition(from, contract.Status)
	s.emit("contract."+string(decision), contract.ID)
	return contract, due, nil
}

// ActivateOnFunding transitions accepted → active after the ledger has
// recorded a deduplicated fund entry. Calling it for an already-active
// contract is a no-op success, which is what makes duplicate payment
// deliveries safe above the ledger's own dedup.
func (s *Service) ActivateOnFunding(ctx context.Context, contractID, fundEntryID string) error {
	unlock := s.locks.Lock(contractID)
	defer unlock()

	// Bounded retry: funding races only with operator cancels, and a
	// version conflict here just means someone else moved the contract
	// between our read and write.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		contract, err := s.store.Get(ctx, contractID)
		if err != nil {
			return err
		}
		if contract.Status == StatusActive {
			return nil
		}
		if contract.IsTerminal() {
			return fmt.Errorf("%w: contract is %s", ErrAlreadyResolved, contract.Status)
		}
		if contract.Status != StatusAccepted {
			return fmt.Errorf("%w: cannot activate contract in status %s", ErrInvalidStatus, contract.Status)
		}

		now := time.Now().UTC()
		from := contract.Status
		contract.Status = StatusActive
		contract.EscrowStatus = EscrowFunded
		contract.FundedAt = &now
		contract.UpdatedAt = now

		lastErr = s.store.UpdateIf(ctx, contract, contract.Version)
		if lastErr == nil {
			recordTransition(from, StatusActive)
			s.emit("contract.activated", contract.ID)
			return nil
		}
		if !errors.Is(lastErr, ErrVersionConflict) {
			return lastErr
		}
	}
	return fmt.Errorf("activate %s (entry %s): %w", contractID, fundEntryID, lastErr)
}

// Release settles a funded, active contract: the escrow is released to
// the freelancer and the contract completes. Client-only.
func (s *Service) Release(ctx context.Context, contractID, actingUserID string, expectedVersion int64) (*Contract, error) {
	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.ClientID != actingUserID {
		return nil, ErrNotClient
	}
	if contract.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if contract.Status != StatusActive {
		return nil, ErrInvalidStatus
	}
	if contract.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	if err := s.ledger.RecordRelease(ctx, contractID); err != nil {
		return nil, fmt.Errorf("record escrow release: %w", err)
	}

	now := time.Now().UTC()
	from := contract.Status
	contract.Status = StatusCompleted
	contract.EscrowStatus = EscrowReleased
	contract.ResolvedAt = &now
	contract.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, contract, expectedVersion); err != nil {
		// The release entry is already in the ledger; the contract record
		// must follow it. Retry once before surfacing for manual review.
		if retryErr := s.store.UpdateIf(ctx, contract, expectedVersion); retryErr != nil {
			return nil, fmt.Errorf("escrow released but contract %s update failed (requires manual resolution): %w", contractID, err)
		}
	}

	recordTransition(from, StatusCompleted)
	s.emit("contract.completed", contract.ID)
	return contract, nil
}

// Cancel terminates a contract before completion. The client may cancel
// from accepted or active; the freelancer only from accepted, before the
// client's money is committed. A funded escrow is refunded first.
func (s *Service) Cancel(ctx context.Context, contractID, actingUserID, reason string) (*Contract, error) {
	unlock := s.locks.Lock(contractID)
	defer unlock()

	contract, err := s.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !contract.PartyOf(actingUserID) {
		return nil, ErrNotParty
	}
	if contract.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if contract.Status != StatusAccepted && contract.Status != StatusActive {
		return nil, ErrInvalidStatus
	}
	if actingUserID == contract.FreelancerID && contract.Status != StatusAccepted {
		return nil, ErrNotClient
	}

	escrowAfter := EscrowNone
	if contract.EscrowStatus == EscrowFunded {
		if err := s.ledger.RecordRefund(ctx, contractID); err != nil {
			return nil, fmt.Errorf("record escrow refund: %w", err)
		}
		escrowAfter = EscrowRefunded
	}

	now := time.Now().UTC()
	from := contract.Status
	contract.Status = StatusCancelled
	contract.EscrowStatus = escrowAfter
	contract.CancelReason = reason
	contract.ResolvedAt = &now
	contract.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, contract, contract.Version); err != nil {
		if escrowAfter == EscrowRefunded {
			if retryErr := s.store.UpdateIf(ctx, contract, contract.Version); retryErr != nil {
				return nil, fmt.Errorf("escrow refunded but contract %s update failed (requires manual resolution): %w", contractID, err)
			}
		} else {
			return nil, err
		}
	}

	recordTransition(from, StatusCancelled)
	s.emit("contract.cancelled", contract.ID)
	return contract, nil
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns contracts where userID is client or freelancer.
func (s *Service) ListByParty(ctx context.Context, userID string, status Status, cursor *pagination.Cursor, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, userID, status, cursor, limit)
}

// PaymentDue returns the outstanding funding descriptor for an accepted,
// unfunded contract. The amount always comes from the stored contract
// record, never from anything a client sent.
func (s *Service) PaymentDue(ctx context.Context, contractID string) (*PaymentRequired, string, error) {
	contract, err := s.store.Get(ctx, contractID)
	if err != nil {
		return nil, "", err
	}
	if contract.Status != StatusAccepted || contract.EscrowStatus != EscrowPending {
		return nil, "", ErrInvalidStatus
	}
	return &PaymentRequired{
		ContractID: contract.ID,
		ProjectID:  contract.ProjectID,
		Amount:     contract.Details.FinalAmount,
	}, contract.ClientID, nil
}

// FundingAmount returns the authoritative amount to fund for a contract.
func (s *Service) FundingAmount(ctx context.Context, contractID string) (int64, error) {
	contract, err := s.store.Get(ctx, contractID)
	if err != nil {
		return 0, err
	}
	return contract.Details.FinalAmount, nil
}

// StoredEscrowState exposes the escrow state recorded on the contract,
// for the ledger audit comparison.
func (s *Service) StoredEscrowState(ctx context.Context, contractID string) (string, error) {
	contract, err := s.store.Get(ctx, contractID)
	if err != nil {
		return "", err
	}
	return string(contract.EscrowStatus), nil
}
