package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gigvault/gigvault/internal/payments"
	"github.com/gigvault/gigvault/internal/validation"
)

// SignatureHeader carries the webhook delivery signature.
const SignatureHeader = "X-Gateway-Signature"

const maxWebhookBody = 1 << 20

// Handler provides HTTP endpoints for payment confirmation.
type Handler struct {
	service *Service
	auditor *Auditor
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service, auditor *Auditor) *Handler {
	return &Handler{service: service, auditor: auditor}
}

// RegisterRoutes sets up the protected checkout verification route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/verify", h.VerifyCheckout)
}

// RegisterWebhookRoutes sets up the public gateway webhook route.
// Authentication is the signature itself.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.GatewayWebhook)
}

// RegisterAdminRoutes sets up operator-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile/audit", h.RunAudit)
}

type verifyRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId" binding:"required"`
	GatewayPaymentID string `json:"gatewayPaymentId" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
}

// VerifyCheckout handles POST /v1/payments/verify
func (h *Handler) VerifyCheckout(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "gatewayOrderId, gatewayPaymentId and signature are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("gatewayOrderId", req.GatewayOrderID),
		validation.Required("gatewayPaymentId", req.GatewayPaymentID),
		validation.Required("signature", req.Signature),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.VerifyCheckout(c.Request.Context(), req.GatewayOrderID, req.GatewayPaymentID, req.Signature)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GatewayWebhook handles POST /v1/webhooks/gateway
//
// The gateway redelivers on any non-2xx, so only transient faults get
// an error status. Deliveries for orders we don't know are acknowledged
// and dropped rather than retried forever.
func (h *Handler) GatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	result, err := h.service.HandleWebhook(c.Request.Context(), body, c.GetHeader(SignatureHeader))
	switch {
	case errors.Is(err, payments.ErrSignatureMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature_mismatch", "message": err.Error()})
		return
	case errors.Is(err, payments.ErrOrderNotFound):
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "processing failed"})
		return
	}

	if result == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed", "result": result})
}

// RunAudit handles POST /v1/admin/reconcile/audit
func (h *Handler) RunAudit(c *gin.Context) {
	report, err := h.auditor.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, payments.ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, payments.ErrSignatureMismatch):
		status = http.StatusBadRequest
		code = "signature_mismatch"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
