package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gigvault/gigvault/internal/circuitbreaker"
	"github.com/gigvault/gigvault/internal/retry"
	"github.com/gigvault/gigvault/internal/traces"
)

var (
	// ErrGatewayUnavailable marks transport-level gateway failures.
	// Retryable: nothing was committed on our side.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected marks a definitive gateway refusal (4xx).
	ErrGatewayRejected = errors.New("payment gateway rejected the order")
	// ErrSignatureMismatch marks a failed confirmation verification.
	// Fatal and non-retryable: escrow must never be funded on it.
	ErrSignatureMismatch = errors.New("payment confirmation signature mismatch")
)

// GatewayConfig configures the checkout gateway client.
type GatewayConfig struct {
	BaseURL       string
	KeyID         string        // public key, handed to the browser checkout
	KeySecret     string        // signs checkout confirmations
	WebhookSecret string        // signs webhook deliveries; independent of KeySecret
	Timeout       time.Duration // per-request timeout
	MaxAttempts   int           // transport retries per call
}

// Gateway is the client for the external checkout gateway. It creates
// orders over HTTP and verifies payment confirmations locally via HMAC.
type Gateway struct {
	cfg     GatewayConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewGateway creates a new gateway client.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// KeyID returns the public gateway key id.
func (g *Gateway) KeyID() string { return g.cfg.KeyID }

type gatewayOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type gatewayOrderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// CreateOrder registers an order with the gateway and returns its id.
// Transport failures are retried with backoff; 4xx responses are not.
func (g *Gateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.create_order", traces.Amount(amount))
	defer span.End()

	if !g.breaker.Allow("orders") {
		gatewayCalls.WithLabelValues("create_order", "circuit_open").Inc()
		return "", fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
	}

	body, err := json.Marshal(gatewayOrderRequest{Amount: amount, Currency: currency, Receipt: receipt})
	if err != nil {
		return "", err
	}

	var orderID string
	err = retry.Do(ctx, g.cfg.MaxAttempts, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(g.cfg.KeyID, g.cfg.KeySecret)

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: gateway returned %d", ErrGatewayUnavailable, resp.StatusCode)
		case resp.StatusCode >= 400:
			return retry.Permanent(fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode))
		}

		var parsed gatewayOrderResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
		}
		if parsed.ID == "" {
			return retry.Permanent(fmt.Errorf("%w: response missing order id", ErrGatewayRejected))
		}
		orderID = parsed.ID
		return nil
	})
	if err != nil {
		g.breaker.RecordFailure("orders")
		gatewayCalls.WithLabelValues("create_order", "error").Inc()
		return "", err
	}

	g.breaker.RecordSuccess("orders")
	gatewayCalls.WithLabelValues("create_order", "ok").Inc()
	return orderID, nil
}

// VerifyConfirmation checks a checkout confirmation signature: HMAC-SHA256
// over "<gatewayOrderID>|<gatewayPaymentID>" with the key secret, compared
// in constant time. It returns false on any mismatch and never errors;
// callers treat false as a fatal verification failure.
func (g *Gateway) VerifyConfirmation(gatewayOrderID, gatewayPaymentID, signature string) bool {
	expected := signPayload([]byte(gatewayOrderID+"|"+gatewayPaymentID), g.cfg.KeySecret)
	ok := hmacEqualHex(expected, signature)
	if !ok {
		signatureFailures.WithLabelValues("checkout").Inc()
	}
	return ok
}

// VerifyWebhook checks a webhook delivery signature: HMAC-SHA256 over the
// raw body with the webhook secret. Verified independently of checkout
// confirmations; the two paths never vouch for each other.
func (g *Gateway) VerifyWebhook(body []byte, signature string) bool {
	expected := signPayload(body, g.cfg.WebhookSecret)
	ok := hmacEqualHex(expected, signature)
	if !ok {
		signatureFailures.WithLabelValues("webhook").Inc()
	}
	return ok
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacEqualHex(expectedHex, gotHex string) bool {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(gotHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
