// Package ledger keeps the append-only record of escrow money movement.
//
// Every fund, release, or refund of a contract's escrow is one immutable
// entry. The current balance and escrow state of a contract are derived by
// replaying its entries; nothing in the system sets escrow state directly.
//
// Entry IDs double as idempotency keys: a fund entry's ID is derived from
// the gateway payment id, so a webhook retry or a verify/webhook race
// converges on exactly one entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gigvault/gigvault/internal/syncutil"
)

var (
	ErrEntryNotFound  = errors.New("ledger entry not found")
	ErrDuplicateEntry = errors.New("ledger entry already recorded")
	ErrNotFunded      = errors.New("contract escrow is not funded")
	ErrAlreadyFunded  = errors.New("contract escrow is already funded")
	ErrAlreadySettled = errors.New("contract escrow is already settled")
	ErrInvalidAmount  = errors.New("invalid entry amount")

	// ErrContractNotFundable is returned by an Activator when the
	// contract reached a terminal state before the funding landed. The
	// captured payment is refunded instead of stranded.
	ErrContractNotFundable = errors.New("contract can no longer be funded")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryFund    EntryType = "fund"
	EntryRelease EntryType = "release"
	EntryRefund  EntryType = "refund"
)

// Entry is an immutable record of a single escrow movement.
type Entry struct {
	EntryID          string    `json:"entryId"`
	ContractID       string    `json:"contractId"`
	Type             EntryType `json:"type"`
	Amount           int64     `json:"amount"` // minor currency units
	ResultingBalance int64     `json:"resultingBalance"`
	CreatedAt        time.Time `json:"createdAt"`
}

// EscrowState is the state derived from a contract's entries.
type EscrowState string

const (
	StateNone     EscrowState = "none"
	StateFunded   EscrowState = "funded"
	StateReleased EscrowState = "released"
	StateRefunded EscrowState = "refunded"
)

// FundEntryID returns the dedup entry ID for a funding keyed by the
// gateway payment id.
func FundEntryID(gatewayPaymentID string) string {
	return "fund_" + gatewayPaymentID
}

func releaseEntryID(contractID string) string { return "rel_" + contractID }
func refundEntryID(contractID string) string  { return "ref_" + contractID }

// Store persists ledger entries. Append must be atomic: the duplicate
// check and balance validation happen inside the store's own unit of
// atomicity (a unique constraint plus a per-contract lock in Postgres,
// a single mutex in memory), never as a read-then-write in the service.
type Store interface {
	// Append computes the entry's resulting balance against the
	// contract's current balance and persists it. It returns
	// ErrDuplicateEntry if an entry with the same EntryID exists,
	// ErrAlreadyFunded for a fund entry on a non-zero balance, and
	// ErrNotFunded for a release/refund that would drive the balance
	// negative. The duplicate check takes precedence: a redelivered
	// entry ID reads as ErrDuplicateEntry even while the contract is
	// funded, never as ErrAlreadyFunded.
	Append(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, entryID string) (*Entry, error)
	ListByContract(ctx context.Context, contractID string) ([]*Entry, error)
}

// Activator transitions a contract once a fund entry has landed.
// Implemented by the contract state machine; must be an idempotent
// no-op for an already-active contract, and must report
// ErrContractNotFundable (wrapped) for a contract in a terminal state.
type Activator interface {
	ActivateOnFunding(ctx context.Context, contractID, fundEntryID string) error
}

// Notifier receives fire-and-forget event emissions. Failures inside the
// notifier must never surface here.
type Notifier interface {
	Emit(event, contractID string)
}

// Service implements escrow ledger business logic.
type Service struct {
	store     Store
	activator Activator
	notifier  Notifier
	locks     syncutil.ShardedMutex // per-contract locks so local settle calls serialize
}

// NewService creates a new ledger service.
func NewService(store Store, activator Activator) *Service {
	return &Service{store: store, activator: activator}
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

// RecordFunding appends a fund entry for the given gateway payment and
// activates the contract. Calling it again with the same gatewayPaymentID
// returns the original entry with duplicate=true and appends nothing.
//
// If the contract reached a terminal state before the capture arrived
// (cancelled while the webhook was in flight), the captured amount is
// refunded immediately and the refund entry is returned; the delivery
// is acknowledged rather than failed forever.
func (s *Service) RecordFunding(ctx context.Context, contractID, gatewayPaymentID string, amount int64) (entry *Entry, duplicate bool, err error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if gatewayPaymentID == "" {
		return nil, false, fmt.Errorf("%w: empty gateway payment id", ErrInvalidAmount)
	}

	entryID := FundEntryID(gatewayPaymentID)
	entry = &Entry{
		EntryID:    entryID,
		ContractID: contractID,
		Type:       EntryFund,
		Amount:     amount,
		CreatedAt:  time.Now().UTC(),
	}

	err = s.store.Append(ctx, entry)
	switch {
	case err == nil:
		recordEntryAppended(EntryFund)
		s.emit("escrow.funded", contractID)
	case errors.Is(err, ErrDuplicateEntry):
		// Redelivery of a payment we already applied. Return the
		// original result; activation below still runs so a crash
		// between append and activate self-heals on retry.
		recordDuplicateFunding()
		entry, err = s.store.Get(ctx, entryID)
		if err != nil {
			return nil, false, fmt.Errorf("load existing fund entry: %w", err)
		}
		duplicate = true
	default:
		return nil, false, err
	}

	if err := s.activator.ActivateOnFunding(ctx, contractID, entryID); err != nil {
		if errors.Is(err, ErrContractNotFundable) {
			return s.refundUnusableFunding(ctx, contractID, entry, duplicate)
		}
		return nil, duplicate, fmt.Errorf("activate contract %s after funding: %w", contractID, err)
	}
	return entry, duplicate, nil
}

// refundUnusableFunding reverses a captured payment whose contract can
// no longer activate. Idempotent: a redelivery after the refund landed
// finds the existing refund entry.
func (s *Service) refundUnusableFunding(ctx context.Context, contractID string, fundEntry *Entry, duplicate bool) (*Entry, bool, error) {
	refund, err := s.RecordRefund(ctx, contractID)
	if err == nil {
		return refund, duplicate, nil
	}
	if errors.Is(err, ErrAlreadySettled) {
		if existing, gerr := s.store.Get(ctx, refundEntryID(contractID)); gerr == nil {
			return existing, duplicate, nil
		}
		return fundEntry, duplicate, nil
	}
	return nil, duplicate, fmt.Errorf("refund captured payment for unfundable contract %s: %w", contractID, err)
}

// RecordRelease appends the single release entry for a funded contract,
// zeroing its balance.
func (s *Service) RecordRelease(ctx context.Context, contractID string) (*Entry, error) {
	return s.settle(ctx, contractID, EntryRelease, releaseEntryID(contractID), "escrow.released")
}

// RecordRefund appends the single refund entry for a funded contract,
// zeroing its balance.
func (s *Service) RecordRefund(ctx context.Context, contractID string) (*Entry, error) {
	return s.settle(ctx, contractID, EntryRefund, refundEntryID(contractID), "escrow.refunded")
}

func (s *Service) settle(ctx context.Context, contractID string, typ EntryType, entryID, event string) (*Entry, error) {
	unlock := s.locks.Lock(contractID)
	defer unlock()

	balance, funded, err := s.balance(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !funded {
		return nil, ErrNotFunded
	}
	if balance <= 0 {
		return nil, ErrAlreadySettled
	}

	entry := &Entry{
		EntryID:    entryID,
		ContractID: contractID,
		Type:       typ,
		Amount:     balance,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Append(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			return nil, ErrAlreadySettled
		}
		return nil, err
	}

	recordEntryAppended(typ)
	s.emit(event, contractID)
	return entry, nil
}

// Balance returns the current escrow balance for a contract.
func (s *Service) Balance(ctx context.Context, contractID string) (int64, error) {
	balance, _, err := s.balance(ctx, contractID)
	return balance, err
}

func (s *Service) balance(ctx context.Context, contractID string) (balance int64, funded bool, err error) {
	entries, err := s.store.ListByContract(ctx, contractID)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		switch e.Type {
		case EntryFund:
			balance += e.Amount
			funded = true
		case EntryRelease, EntryRefund:
			balance -= e.Amount
		}
	}
	return balance, funded, nil
}

// Entries returns the full entry history for a contract, oldest first.
func (s *Service) Entries(ctx context.Context, contractID string) ([]*Entry, error) {
	return s.store.ListByContract(ctx, contractID)
}

// DeriveState replays a contract's entries into its escrow state and
// balance. This is the authoritative derivation the audit endpoint
// compares against the stored contract record.
func (s *Service) DeriveState(ctx context.Context, contractID string) (EscrowState, int64, error) {
	entries, err := s.store.ListByContract(ctx, contractID)
	if err != nil {
		return StateNone, 0, err
	}
	return Replay(entries)
}

// Replay folds a sequence of entries into the derived escrow state.
func Replay(entries []*Entry) (EscrowState, int64, error) {
	state := StateNone
	var balance int64
	for _, e := range entries {
		switch e.Type {
		case EntryFund:
			balance += e.Amount
			state = StateFunded
		case EntryRelease:
			balance -= e.Amount
			state = StateReleased
		case EntryRefund:
			balance -= e.Amount
			state = StateRefunded
		default:
			return state, balance, fmt.Errorf("unknown entry type %q in %s", e.Type, e.EntryID)
		}
		if balance < 0 {
			return state, balance, fmt.Errorf("entry %s drives balance negative", e.EntryID)
		}
	}
	return state, balance, nil
}
