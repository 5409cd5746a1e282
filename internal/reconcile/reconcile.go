// Package reconcile converges payment confirmations onto the escrow ledger.
//
// A completed checkout reaches us on two independent channels: the
// browser redirect (signed with the gateway key secret) and the gateway
// webhook (signed with the webhook secret). Either may arrive first,
// both usually arrive, and webhooks are redelivered. Both paths verify
// their own signature and then converge on a single ledger funding
// entry keyed by the gateway payment id.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gigvault/gigvault/internal/payments"
)

// Verifier checks gateway signatures. Checkout confirmations and
// webhook deliveries are signed with different secrets and verified
// independently; a pass on one path never vouches for the other.
type Verifier interface {
	VerifyConfirmation(gatewayOrderID, gatewayPaymentID, signature string) bool
	VerifyWebhook(body []byte, signature string) bool
}

// Orders looks up and settles payment orders.
type Orders interface {
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*payments.Order, error)
	MarkVerified(ctx context.Context, orderID string) error
}

// Funder records a funding on the escrow ledger. Recording the same
// gateway payment id twice reports duplicate=true without a second
// entry, which is what makes the two confirmation paths converge.
// escrowState is the state the money ended up in: normally "funded",
// or "refunded" when the contract was resolved before the capture
// arrived and the payment bounced straight back.
type Funder interface {
	RecordFunding(ctx context.Context, contractID, gatewayPaymentID string, amount int64) (escrowState string, duplicate bool, err error)
}

// Result describes the outcome of one confirmation.
type Result struct {
	Success      bool   `json:"success"`
	ContractID   string `json:"contractId"`
	OrderID      string `json:"orderId"`
	EscrowStatus string `json:"escrowStatus"`
	// Duplicate is true when this confirmation arrived after the
	// funding was already recorded by the other channel (or a retry).
	Duplicate bool `json:"duplicate"`
}

// Service reconciles checkout and webhook confirmations.
type Service struct {
	verifier Verifier
	orders   Orders
	funder   Funder
	logger   *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(verifier Verifier, orders Orders, funder Funder, logger *slog.Logger) *Service {
	return &Service{verifier: verifier, orders: orders, funder: funder, logger: logger}
}

// VerifyCheckout handles the browser-side confirmation after checkout.
// A signature mismatch is fatal for this confirmation: no ledger entry
// is written and the order is left as created, so a later webhook with
// a valid signature can still fund the contract.
func (s *Service) VerifyCheckout(ctx context.Context, gatewayOrderID, gatewayPaymentID, signature string) (*Result, error) {
	order, err := s.orders.GetByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return nil, err
	}

	if !s.verifier.VerifyConfirmation(gatewayOrderID, gatewayPaymentID, signature) {
		confirmations.WithLabelValues("checkout", "signature_mismatch").Inc()
		s.logger.Warn("checkout confirmation signature mismatch",
			"gatewayOrderId", gatewayOrderID, "contractId", order.ContractID)
		return nil, payments.ErrSignatureMismatch
	}

	return s.settle(ctx, "checkout", order, gatewayPaymentID)
}

// webhookEvent is the envelope the gateway posts to our webhook.
type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		OrderID   string `json:"orderId"`
		PaymentID string `json:"paymentId"`
	} `json:"payload"`
}

// HandleWebhook handles a gateway webhook delivery. The signature is
// checked over the raw body before any parsing. Events other than
// payment capture are acknowledged and dropped.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (*Result, error) {
	if !s.verifier.VerifyWebhook(body, signature) {
		confirmations.WithLabelValues("webhook", "signature_mismatch").Inc()
		s.logger.Warn("webhook signature mismatch", "bodyBytes", len(body))
		return nil, payments.ErrSignatureMismatch
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("malformed webhook body: %w", err)
	}
	if event.Event != "payment.captured" {
		confirmations.WithLabelValues("webhook", "ignored").Inc()
		return nil, nil
	}
	if event.Payload.OrderID == "" || event.Payload.PaymentID == "" {
		return nil, errors.New("webhook payload missing order or payment id")
	}

	order, err := s.orders.GetByGatewayOrderID(ctx, event.Payload.OrderID)
	if err != nil {
		return nil, err
	}

	return s.settle(ctx, "webhook", order, event.Payload.PaymentID)
}

// settle records the funding and settles the order. Both confirmation
// paths end up here; the ledger's payment-id dedup makes the second
// arrival a no-op.
func (s *Service) settle(ctx context.Context, path string, order *payments.Order, gatewayPaymentID string) (*Result, error) {
	escrowState, duplicate, err := s.funder.RecordFunding(ctx, order.ContractID, gatewayPaymentID, order.Amount)
	if err != nil {
		confirmations.WithLabelValues(path, "error").Inc()
		return nil, err
	}

	// Settling the order after the ledger write is safe: if we crash in
	// between, the next confirmation finds the ledger entry (duplicate)
	// and retries this step.
	if err := s.orders.MarkVerified(ctx, order.ID); err != nil {
		s.logger.Warn("failed to mark order verified",
			"orderId", order.ID, "contractId", order.ContractID, "error", err)
	}

	if duplicate {
		confirmations.WithLabelValues(path, "duplicate").Inc()
		s.logger.Info("duplicate payment confirmation",
			"path", path, "contractId", order.ContractID, "gatewayPaymentId", gatewayPaymentID)
	} else {
		confirmations.WithLabelValues(path, escrowState).Inc()
		s.logger.Info("payment confirmation settled",
			"path", path, "contractId", order.ContractID, "escrowState", escrowState,
			"gatewayPaymentId", gatewayPaymentID, "amount", order.Amount)
	}

	return &Result{
		Success:      true,
		ContractID:   order.ContractID,
		OrderID:      order.ID,
		EscrowStatus: escrowState,
		Duplicate:    duplicate,
	}, nil
}
