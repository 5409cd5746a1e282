package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gigvault/gigvault/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing. gatewayURL points at a
// stub checkout gateway (httptest server).
func testConfig(gatewayURL string) *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		GatewayBaseURL:       gatewayURL,
		GatewayKeyID:         "key_test",
		GatewayKeySecret:     "checkout-secret",
		GatewayWebhookSecret: "webhook-secret",
		Currency:             "USD",
	}
}

// newTestServer creates a server with in-memory stores and a stub gateway.
func newTestServer(t *testing.T, gatewayURL string) *Server {
	t.Helper()
	s, err := New(testConfig(gatewayURL))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// newStubGateway serves the order-creation endpoint of the checkout gateway.
func newStubGateway(t *testing.T) *httptest.Server {
	t.Helper()
	var n int
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n++
		fmt.Fprintf(w, `{"id":"order_gw_%d","amount":0,"currency":"USD"}`, n)
	}))
}

func doJSON(s *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	s.router.ServeHTTP(w, req)
	return w
}

func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

func registerUser(t *testing.T, s *Server, name string) (userID, apiKey string) {
	t.Helper()
	w := doJSON(s, "POST", "/v1/users/register", "", fmt.Sprintf(`{"name":%q}`, name))
	if w.Code != http.StatusCreated {
		t.Fatalf("Registration failed with %d: %s", w.Code, w.Body.String())
	}
	resp := parseJSON(t, w)
	userID, _ = resp["userId"].(string)
	apiKey, _ = resp["apiKey"].(string)
	if userID == "" || apiKey == "" {
		t.Fatalf("Registration response missing userId or apiKey: %v", resp)
	}
	return userID, apiKey
}

func webhookSign(body []byte) string {
	mac := hmac.New(sha256.New, []byte("webhook-secret"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ---------------------------------------------------------------------------
// Health endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, "http://unused")

	w := doJSON(s, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	resp := parseJSON(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, "http://unused")

	w := doJSON(s, "GET", "/health/live", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, "http://unused")

	w := doJSON(s, "GET", "/health/ready", "", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, "http://unused")

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1/stream",
		"POST:/v1/users/register",
		"GET:/v1/auth/info",
		"POST:/v1/webhooks/gateway",
		"POST:/v1/contracts",
		"GET:/v1/contracts",
		"GET:/v1/contracts/:id",
		"PATCH:/v1/contracts/:id/status",
		"POST:/v1/contracts/:id/release",
		"POST:/v1/contracts/:id/cancel",
		"POST:/v1/payments/create-order",
		"GET:/v1/payments/orders/:id",
		"POST:/v1/payments/verify",
		"GET:/v1/contracts/:id/ledger",
		"POST:/v1/notifications/subscriptions",
		"GET:/v1/auth/me",
		"POST:/v1/admin/reconcile/audit",
		"GET:/v1/admin/contracts/:id/audit",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, "http://unused")

	w := doJSON(s, "GET", "/v1/contracts", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}

	w = doJSON(s, "POST", "/v1/payments/create-order", "", `{"contractId":"ct_x"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// User registration
// ---------------------------------------------------------------------------

func TestUserRegistration(t *testing.T) {
	s := newTestServer(t, "http://unused")

	_, apiKey := registerUser(t, s, "Ada")
	if !strings.HasPrefix(apiKey, "sk_") {
		t.Errorf("Expected sk_ key prefix, got %s", apiKey)
	}

	// The issued key authenticates immediately.
	w := doJSON(s, "GET", "/v1/auth/me", apiKey, "")
	if w.Code != http.StatusOK {
		t.Errorf("Issued key should authenticate, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Full contract lifecycle through the HTTP API
// ---------------------------------------------------------------------------

func TestContractLifecycle(t *testing.T) {
	gw := newStubGateway(t)
	defer gw.Close()
	s := newTestServer(t, gw.URL)

	clientID, clientKey := registerUser(t, s, "Client Inc")
	_, freelancerKey := registerUser(t, s, "Freelancer")

	// Freelancer proposes.
	proposeBody := fmt.Sprintf(`{"projectId":"prj_1","clientId":%q,"title":"API build","finalAmount":120000}`, clientID)
	w := doJSON(s, "POST", "/v1/contracts", freelancerKey, proposeBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("Propose failed with %d: %s", w.Code, w.Body.String())
	}
	contract := parseJSON(t, w)["contract"].(map[string]interface{})
	contractID := contract["id"].(string)
	if contract["status"] != "proposed" {
		t.Fatalf("Expected proposed, got %v", contract["status"])
	}

	// Client accepts and is told to pay.
	w = doJSON(s, "PATCH", "/v1/contracts/"+contractID+"/status", clientKey,
		`{"status":"accepted","expectedVersion":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Accept failed with %d: %s", w.Code, w.Body.String())
	}
	resp := parseJSON(t, w)
	if resp["requiresPayment"] != true {
		t.Fatal("Acceptance must require payment")
	}
	due := resp["paymentDetails"].(map[string]interface{})
	if due["amount"].(float64) != 120000 {
		t.Fatalf("Expected 120000 due, got %v", due["amount"])
	}

	// Client creates a payment order; the amount comes from the contract.
	w = doJSON(s, "POST", "/v1/payments/create-order", clientKey,
		fmt.Sprintf(`{"contractId":%q}`, contractID))
	if w.Code != http.StatusCreated {
		t.Fatalf("CreateOrder failed with %d: %s", w.Code, w.Body.String())
	}
	order := parseJSON(t, w)["order"].(map[string]interface{})
	gatewayOrderID := order["gatewayOrderId"].(string)
	if order["amount"].(float64) != 120000 {
		t.Fatalf("Order amount must match the contract, got %v", order["amount"])
	}

	// Gateway webhook confirms the capture; escrow funds and the contract
	// activates.
	body := []byte(fmt.Sprintf(
		`{"event":"payment.captured","payload":{"orderId":%q,"paymentId":"pay_1"}}`, gatewayOrderID))
	req := httptest.NewRequest("POST", "/v1/webhooks/gateway", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", webhookSign(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Webhook failed with %d: %s", rec.Code, rec.Body.String())
	}
	var webhookResp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &webhookResp); err != nil {
		t.Fatalf("Bad webhook response: %v", err)
	}
	result := webhookResp["result"].(map[string]interface{})
	if result["success"] != true || result["escrowStatus"] != "funded" {
		t.Fatalf("Expected success/funded result, got %v", result)
	}

	w = doJSON(s, "GET", "/v1/contracts/"+contractID, clientKey, "")
	contract = parseJSON(t, w)["contract"].(map[string]interface{})
	if contract["status"] != "active" || contract["escrowStatus"] != "funded" {
		t.Fatalf("Expected active/funded after webhook, got %v/%v",
			contract["status"], contract["escrowStatus"])
	}

	// A redelivered webhook is converged, not double-funded.
	req = httptest.NewRequest("POST", "/v1/webhooks/gateway", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", webhookSign(body))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Webhook redelivery failed with %d: %s", rec.Code, rec.Body.String())
	}

	// Client releases the escrow on completion.
	version := int64(contract["version"].(float64))
	w = doJSON(s, "POST", "/v1/contracts/"+contractID+"/release", clientKey,
		fmt.Sprintf(`{"expectedVersion":%d}`, version))
	if w.Code != http.StatusOK {
		t.Fatalf("Release failed with %d: %s", w.Code, w.Body.String())
	}
	contract = parseJSON(t, w)["contract"].(map[string]interface{})
	if contract["status"] != "completed" || contract["escrowStatus"] != "released" {
		t.Fatalf("Expected completed/released, got %v/%v",
			contract["status"], contract["escrowStatus"])
	}

	// The ledger shows exactly one fund and one release entry.
	w = doJSON(s, "GET", "/v1/contracts/"+contractID+"/ledger", clientKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Ledger fetch failed with %d: %s", w.Code, w.Body.String())
	}
	entries := parseJSON(t, w)["entries"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("Expected 2 ledger entries, got %d", len(entries))
	}
}

func TestCancelledContractCaptureRefunds(t *testing.T) {
	gw := newStubGateway(t)
	defer gw.Close()
	s := newTestServer(t, gw.URL)

	clientID, clientKey := registerUser(t, s, "Client Inc")
	_, freelancerKey := registerUser(t, s, "Freelancer")

	proposeBody := fmt.Sprintf(`{"projectId":"prj_1","clientId":%q,"title":"API build","finalAmount":120000}`, clientID)
	w := doJSON(s, "POST", "/v1/contracts", freelancerKey, proposeBody)
	contractID := parseJSON(t, w)["contract"].(map[string]interface{})["id"].(string)
	doJSON(s, "PATCH", "/v1/contracts/"+contractID+"/status", clientKey,
		`{"status":"accepted","expectedVersion":1}`)
	w = doJSON(s, "POST", "/v1/payments/create-order", clientKey,
		fmt.Sprintf(`{"contractId":%q}`, contractID))
	gatewayOrderID := parseJSON(t, w)["order"].(map[string]interface{})["gatewayOrderId"].(string)

	// Client cancels while the capture is still in flight at the gateway.
	w = doJSON(s, "POST", "/v1/contracts/"+contractID+"/cancel", clientKey,
		`{"reason":"changed my mind"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Cancel failed with %d: %s", w.Code, w.Body.String())
	}

	// The capture webhook lands anyway: acknowledged, money refunded.
	body := []byte(fmt.Sprintf(
		`{"event":"payment.captured","payload":{"orderId":%q,"paymentId":"pay_late"}}`, gatewayOrderID))
	req := httptest.NewRequest("POST", "/v1/webhooks/gateway", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", webhookSign(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Late capture must be acknowledged, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad webhook response: %v", err)
	}
	result := resp["result"].(map[string]interface{})
	if result["escrowStatus"] != "refunded" {
		t.Fatalf("Expected refunded result, got %v", result)
	}

	// Redelivery stays acknowledged.
	req = httptest.NewRequest("POST", "/v1/webhooks/gateway", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", webhookSign(body))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Redelivered late capture must be acknowledged, got %d", rec.Code)
	}

	// Contract stays cancelled; the ledger shows fund then refund.
	w = doJSON(s, "GET", "/v1/contracts/"+contractID, clientKey, "")
	contract := parseJSON(t, w)["contract"].(map[string]interface{})
	if contract["status"] != "cancelled" {
		t.Fatalf("Expected cancelled, got %v", contract["status"])
	}
	w = doJSON(s, "GET", "/v1/contracts/"+contractID+"/ledger", clientKey, "")
	entries := parseJSON(t, w)["entries"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("Expected fund + refund entries, got %d", len(entries))
	}
}

func TestOrderReadRestrictedToParties(t *testing.T) {
	gw := newStubGateway(t)
	defer gw.Close()
	s := newTestServer(t, gw.URL)

	clientID, clientKey := registerUser(t, s, "Client Inc")
	_, freelancerKey := registerUser(t, s, "Freelancer")
	_, strangerKey := registerUser(t, s, "Bystander")

	proposeBody := fmt.Sprintf(`{"projectId":"prj_1","clientId":%q,"title":"API build","finalAmount":120000}`, clientID)
	w := doJSON(s, "POST", "/v1/contracts", freelancerKey, proposeBody)
	contractID := parseJSON(t, w)["contract"].(map[string]interface{})["id"].(string)
	doJSON(s, "PATCH", "/v1/contracts/"+contractID+"/status", clientKey,
		`{"status":"accepted","expectedVersion":1}`)
	w = doJSON(s, "POST", "/v1/payments/create-order", clientKey,
		fmt.Sprintf(`{"contractId":%q}`, contractID))
	orderID := parseJSON(t, w)["order"].(map[string]interface{})["id"].(string)

	for _, key := range []string{clientKey, freelancerKey} {
		if w := doJSON(s, "GET", "/v1/payments/orders/"+orderID, key, ""); w.Code != http.StatusOK {
			t.Fatalf("Party order read failed with %d: %s", w.Code, w.Body.String())
		}
	}
	if w := doJSON(s, "GET", "/v1/payments/orders/"+orderID, strangerKey, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a stranger reading an order, got %d", w.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t, "http://unused")

	body := []byte(`{"event":"payment.captured","payload":{"orderId":"order_gw_x","paymentId":"pay_1"}}`)
	req := httptest.NewRequest("POST", "/v1/webhooks/gateway", strings.NewReader(string(body)))
	req.Header.Set("X-Gateway-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestFreelancerCannotAcceptOwnProposal(t *testing.T) {
	s := newTestServer(t, "http://unused")

	clientID, _ := registerUser(t, s, "Client Inc")
	_, freelancerKey := registerUser(t, s, "Freelancer")

	proposeBody := fmt.Sprintf(`{"projectId":"prj_1","clientId":%q,"title":"Work","finalAmount":1000}`, clientID)
	w := doJSON(s, "POST", "/v1/contracts", freelancerKey, proposeBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("Propose failed with %d: %s", w.Code, w.Body.String())
	}
	contractID := parseJSON(t, w)["contract"].(map[string]interface{})["id"].(string)

	w = doJSON(s, "PATCH", "/v1/contracts/"+contractID+"/status", freelancerKey,
		`{"status":"accepted","expectedVersion":1}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for freelancer decision, got %d: %s", w.Code, w.Body.String())
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, "http://unused")

	w := doJSON(s, "GET", "/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
