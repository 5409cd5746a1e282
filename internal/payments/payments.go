// Package payments integrates with the external checkout gateway.
//
// Flow:
//  1. Client accepts a contract → payment required
//  2. Client asks for an order → we create one at the gateway and persist
//     it under an idempotency key derived from (contract, amount)
//  3. Client's browser completes gateway checkout → confirmation comes
//     back via redirect signature and/or webhook (see reconcile)
//
// Orders are never created twice for the same funding attempt: a repeat
// request resolves to the existing order instead of a new gateway call.
package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gigvault/gigvault/internal/idgen"
)

var (
	ErrOrderNotFound   = errors.New("payment order not found")
	ErrContractUnknown = errors.New("contract not found")
	ErrDuplicateOrder  = errors.New("payment order already exists for this funding attempt")
	ErrNotPayable      = errors.New("contract is not awaiting payment")
	ErrNotPayer        = errors.New("only the contract's client may fund it")
	ErrNotParty        = errors.New("not a party to this order's contract")
	ErrAmountMismatch  = errors.New("request amount does not match the contract amount")
)

// OrderStatus represents the state of a payment order.
type OrderStatus string

const (
	OrderCreated  OrderStatus = "created"
	OrderVerified OrderStatus = "verified"
	OrderFailed   OrderStatus = "failed"
	OrderExpired  OrderStatus = "expired"
)

// Order represents a platform-issued payment order against the gateway.
type Order struct {
	ID             string      `json:"id"`
	GatewayOrderID string      `json:"gatewayOrderId"`
	ContractID     string      `json:"contractId"`
	ProjectID      string      `json:"projectId"`
	Amount         int64       `json:"amount"` // minor currency units
	Currency       string      `json:"currency"`
	Status         OrderStatus `json:"status"`
	IdempotencyKey string      `json:"-"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// IdempotencyKey derives the stable key for one funding attempt.
func IdempotencyKey(contractID string, amount int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d", contractID, amount))
	return hex.EncodeToString(sum[:])
}

// Store persists payment orders. Create must enforce uniqueness of the
// idempotency key at the storage layer and return ErrDuplicateOrder when
// a row already holds it.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*Order, error)
	// UpdateStatus moves an order from one status to another. It returns
	// (false, nil) when the order was not in the expected status, which
	// callers treat as "someone else already moved it".
	UpdateStatus(ctx context.Context, id string, from, to OrderStatus) (bool, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Order, error)
}

// ContractSource exposes the authoritative payment descriptor for a
// contract. Amounts always come from here, never from request bodies.
type ContractSource interface {
	PaymentDue(ctx context.Context, contractID string) (amount int64, projectID, clientID string, err error)
	// IsParty reports whether userID is the client or freelancer on the
	// contract. Unknown contracts report false rather than an error.
	IsParty(ctx context.Context, contractID, userID string) (bool, error)
}

// Service implements payment order business logic.
type Service struct {
	store     Store
	gateway   *Gateway
	contracts ContractSource
	currency  string
}

// NewService creates a new payments service.
func NewService(store Store, gateway *Gateway, contracts ContractSource, currency string) *Service {
	return &Service{store: store, gateway: gateway, contracts: contracts, currency: currency}
}

// CreateOrder creates (or returns the existing) payment order for a
// contract's outstanding funding. The amount is recomputed from the
// contract record; requestedAmount is only checked for agreement so a
// stale client sees an explicit mismatch instead of a silent re-price.
func (s *Service) CreateOrder(ctx context.Context, contractID, actingUserID string, requestedAmount int64) (*Order, error) {
	amount, projectID, clientID, err := s.contracts.PaymentDue(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if actingUserID != clientID {
		return nil, ErrNotPayer
	}
	if requestedAmount != 0 && requestedAmount != amount {
		return nil, fmt.Errorf("%w: contract requires %d", ErrAmountMismatch, amount)
	}

	key := IdempotencyKey(contractID, amount)
	if existing, err := s.store.GetByIdempotencyKey(ctx, key); err == nil {
		if existing.Status == OrderCreated {
			return existing, nil
		}
		// verified/failed/expired orders don't satisfy a new attempt;
		// fall through and let the unique key arbitrate.
	} else if !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}

	gatewayOrderID, err := s.gateway.CreateOrder(ctx, amount, s.currency, contractID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &Order{
		ID:             idgen.WithPrefix("ord_"),
		GatewayOrderID: gatewayOrderID,
		ContractID:     contractID,
		ProjectID:      projectID,
		Amount:         amount,
		Currency:       s.currency,
		Status:         OrderCreated,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, order); err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			// Lost a create race; the winner's order is the real one.
			return s.store.GetByIdempotencyKey(ctx, key)
		}
		return nil, err
	}

	ordersCreated.Inc()
	return order, nil
}

// GetOrder returns an order to one of its contract's parties. Orders
// carry the contract id and amount, so strangers don't get to read them.
func (s *Service) GetOrder(ctx context.Context, orderID, actingUserID string) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	party, err := s.contracts.IsParty(ctx, order.ContractID, actingUserID)
	if err != nil {
		return nil, err
	}
	if !party {
		return nil, ErrNotParty
	}
	return order, nil
}

// GetByGatewayOrderID returns the order for a gateway order id.
func (s *Service) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*Order, error) {
	return s.store.GetByGatewayOrderID(ctx, gatewayOrderID)
}

// MarkVerified moves an order created → verified. Already-verified
// orders are left alone; duplicate confirmations are expected.
func (s *Service) MarkVerified(ctx context.Context, orderID string) error {
	_, err := s.store.UpdateStatus(ctx, orderID, OrderCreated, OrderVerified)
	return err
}

// KeyID returns the public gateway key the browser checkout needs.
func (s *Service) KeyID() string {
	return s.gateway.KeyID()
}

// ExpireStale marks created orders older than cutoff as expired and
// returns how many were swept.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stale, err := s.store.ListStale(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, o := range stale {
		ok, err := s.store.UpdateStatus(ctx, o.ID, OrderCreated, OrderExpired)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
			ordersExpired.Inc()
		}
	}
	return expired, nil
}
