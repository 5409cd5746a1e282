package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeContracts serves the authoritative payment descriptor.
type fakeContracts struct {
	amount       int64
	projectID    string
	clientID     string
	freelancerID string
	err          error
}

func (f *fakeContracts) PaymentDue(ctx context.Context, contractID string) (int64, string, string, error) {
	if f.err != nil {
		return 0, "", "", f.err
	}
	return f.amount, f.projectID, f.clientID, nil
}

func (f *fakeContracts) IsParty(ctx context.Context, contractID, userID string) (bool, error) {
	return userID == f.clientID || (f.freelancerID != "" && userID == f.freelancerID), nil
}

func newGatewayServer(t *testing.T, orderID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if user, _, ok := r.BasicAuth(); !ok || user != "key_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"amount":50000,"currency":"INR"}`, orderID)
	}))
}

func newTestGateway(baseURL string) *Gateway {
	return NewGateway(GatewayConfig{
		BaseURL:       baseURL,
		KeyID:         "key_test",
		KeySecret:     "checkout-secret",
		WebhookSecret: "webhook-secret",
		Timeout:       2 * time.Second,
		MaxAttempts:   3,
	})
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// ---------------------------------------------------------------------------
// Gateway client
// ---------------------------------------------------------------------------

func TestGatewayCreateOrder(t *testing.T) {
	srv := newGatewayServer(t, "order_gw_1")
	defer srv.Close()

	g := newTestGateway(srv.URL)
	orderID, err := g.CreateOrder(context.Background(), 50000, "INR", "ct_1")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if orderID != "order_gw_1" {
		t.Errorf("Expected order_gw_1, got %s", orderID)
	}
}

func TestGatewayCreateOrder_RejectedNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	_, err := g.CreateOrder(context.Background(), 50000, "INR", "ct_1")
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("Expected ErrGatewayRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestGatewayCreateOrder_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":"order_gw_2","amount":50000,"currency":"INR"}`)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL)
	orderID, err := g.CreateOrder(context.Background(), 50000, "INR", "ct_1")
	if err != nil {
		t.Fatalf("Expected recovery after retries, got %v", err)
	}
	if orderID != "order_gw_2" {
		t.Errorf("Expected order_gw_2, got %s", orderID)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

// ---------------------------------------------------------------------------
// Signature verification
// ---------------------------------------------------------------------------

func TestVerifyConfirmation(t *testing.T) {
	g := newTestGateway("http://unused")

	valid := sign("order_gw_1|pay_1", "checkout-secret")
	if !g.VerifyConfirmation("order_gw_1", "pay_1", valid) {
		t.Error("Valid signature must verify")
	}
	if g.VerifyConfirmation("order_gw_1", "pay_2", valid) {
		t.Error("Signature over different payment must fail")
	}
	if g.VerifyConfirmation("order_gw_1", "pay_1", sign("order_gw_1|pay_1", "wrong-secret")) {
		t.Error("Signature with wrong secret must fail")
	}
	if g.VerifyConfirmation("order_gw_1", "pay_1", "not-hex!!") {
		t.Error("Malformed signature must fail, not panic")
	}
	if g.VerifyConfirmation("order_gw_1", "pay_1", "") {
		t.Error("Empty signature must fail")
	}
}

func TestVerifyWebhook(t *testing.T) {
	g := newTestGateway("http://unused")
	body := []byte(`{"event":"payment.captured"}`)

	if !g.VerifyWebhook(body, sign(string(body), "webhook-secret")) {
		t.Error("Valid webhook signature must verify")
	}
	// Webhooks are signed with their own secret; the checkout secret must
	// not vouch for them.
	if g.VerifyWebhook(body, sign(string(body), "checkout-secret")) {
		t.Error("Checkout secret must not verify a webhook")
	}
	if g.VerifyWebhook([]byte(`{"event":"tampered"}`), sign(string(body), "webhook-secret")) {
		t.Error("Tampered body must fail verification")
	}
}

// ---------------------------------------------------------------------------
// Order service
// ---------------------------------------------------------------------------

func TestCreateOrder(t *testing.T) {
	srv := newGatewayServer(t, "order_gw_1")
	defer srv.Close()

	contracts := &fakeContracts{amount: 50000, projectID: "prj_1", clientID: "usr_client1"}
	svc := NewService(NewMemoryStore(), newTestGateway(srv.URL), contracts, "INR")

	order, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 0)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.GatewayOrderID != "order_gw_1" {
		t.Errorf("Expected gateway order id order_gw_1, got %s", order.GatewayOrderID)
	}
	if order.Amount != 50000 {
		t.Errorf("Amount must come from the contract record, got %d", order.Amount)
	}
	if order.Status != OrderCreated {
		t.Errorf("Expected created, got %s", order.Status)
	}
	if order.Currency != "INR" {
		t.Errorf("Expected INR, got %s", order.Currency)
	}
}

func TestCreateOrder_Idempotent(t *testing.T) {
	srv := newGatewayServer(t, "order_gw_1")
	defer srv.Close()

	contracts := &fakeContracts{amount: 50000, projectID: "prj_1", clientID: "usr_client1"}
	svc := NewService(NewMemoryStore(), newTestGateway(srv.URL), contracts, "INR")

	first, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 0)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	second, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 50000)
	if err != nil {
		t.Fatalf("Repeat CreateOrder failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Repeat request must resolve to the existing order, got %s and %s", first.ID, second.ID)
	}
}

func TestCreateOrder_OnlyClient(t *testing.T) {
	contracts := &fakeContracts{amount: 50000, projectID: "prj_1", clientID: "usr_client1"}
	svc := NewService(NewMemoryStore(), newTestGateway("http://unused"), contracts, "INR")

	_, err := svc.CreateOrder(context.Background(), "ct_1", "usr_freelancer1", 0)
	if !errors.Is(err, ErrNotPayer) {
		t.Fatalf("Expected ErrNotPayer, got %v", err)
	}
}

func TestCreateOrder_AmountMismatch(t *testing.T) {
	contracts := &fakeContracts{amount: 50000, projectID: "prj_1", clientID: "usr_client1"}
	svc := NewService(NewMemoryStore(), newTestGateway("http://unused"), contracts, "INR")

	_, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 49999)
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("Expected ErrAmountMismatch, got %v", err)
	}
}

func TestCreateOrder_ContractNotPayable(t *testing.T) {
	contracts := &fakeContracts{err: ErrNotPayable}
	svc := NewService(NewMemoryStore(), newTestGateway("http://unused"), contracts, "INR")

	_, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 0)
	if !errors.Is(err, ErrNotPayable) {
		t.Fatalf("Expected ErrNotPayable, got %v", err)
	}
}

func TestGetOrder_PartiesOnly(t *testing.T) {
	srv := newGatewayServer(t, "order_gw_1")
	defer srv.Close()

	contracts := &fakeContracts{amount: 50000, projectID: "prj_1",
		clientID: "usr_client1", freelancerID: "usr_free1"}
	svc := NewService(NewMemoryStore(), newTestGateway(srv.URL), contracts, "INR")

	order, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 0)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	for _, userID := range []string{"usr_client1", "usr_free1"} {
		got, err := svc.GetOrder(context.Background(), order.ID, userID)
		if err != nil {
			t.Fatalf("GetOrder as %s failed: %v", userID, err)
		}
		if got.ID != order.ID {
			t.Errorf("GetOrder as %s: got %s, want %s", userID, got.ID, order.ID)
		}
	}

	// Authenticated but unrelated user gets nothing.
	_, err = svc.GetOrder(context.Background(), order.ID, "usr_stranger")
	if !errors.Is(err, ErrNotParty) {
		t.Errorf("Expected ErrNotParty for a stranger, got %v", err)
	}

	_, err = svc.GetOrder(context.Background(), "ord_missing", "usr_client1")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestMarkVerified(t *testing.T) {
	srv := newGatewayServer(t, "order_gw_1")
	defer srv.Close()

	contracts := &fakeContracts{amount: 50000, projectID: "prj_1", clientID: "usr_client1"}
	store := NewMemoryStore()
	svc := NewService(store, newTestGateway(srv.URL), contracts, "INR")

	order, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 0)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if err := svc.MarkVerified(context.Background(), order.ID); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	got, _ := store.Get(context.Background(), order.ID)
	if got.Status != OrderVerified {
		t.Errorf("Expected verified, got %s", got.Status)
	}

	// Duplicate confirmation is a quiet no-op.
	if err := svc.MarkVerified(context.Background(), order.ID); err != nil {
		t.Fatalf("Second MarkVerified should not error: %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	srv := newGatewayServer(t, "order_gw_1")
	defer srv.Close()

	contracts := &fakeContracts{amount: 50000, projectID: "prj_1", clientID: "usr_client1"}
	store := NewMemoryStore()
	svc := NewService(store, newTestGateway(srv.URL), contracts, "INR")

	order, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 0)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	// A cutoff in the past sweeps nothing.
	n, err := svc.ExpireStale(context.Background(), time.Now().Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Fresh order must not expire, swept %d", n)
	}

	n, err = svc.ExpireStale(context.Background(), time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected one expired order, got %d", n)
	}
	got, _ := store.Get(context.Background(), order.ID)
	if got.Status != OrderExpired {
		t.Errorf("Expected expired, got %s", got.Status)
	}

	// The idempotency key is released; a fresh attempt gets a new order.
	fresh, err := svc.CreateOrder(context.Background(), "ct_1", "usr_client1", 0)
	if err != nil {
		t.Fatalf("CreateOrder after expiry failed: %v", err)
	}
	if fresh.ID == order.ID {
		t.Error("Expired order must not satisfy a new funding attempt")
	}
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("ct_1", 50000)
	if a != IdempotencyKey("ct_1", 50000) {
		t.Error("Key must be stable for the same funding attempt")
	}
	if a == IdempotencyKey("ct_1", 50001) || a == IdempotencyKey("ct_2", 50000) {
		t.Error("Key must differ across contracts and amounts")
	}
}
