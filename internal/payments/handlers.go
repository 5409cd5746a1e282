package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gigvault/gigvault/internal/auth"
	"github.com/gigvault/gigvault/internal/validation"
)

// Handler provides HTTP endpoints for payment orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up protected (auth-required) payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/create-order", h.CreateOrder)
	r.GET("/payments/orders/:id", h.GetOrder)
}

type createOrderRequest struct {
	ContractID string `json:"contractId" binding:"required"`
	// Optional client-side echo of the expected amount. The charge is
	// always the contract's recorded amount; a mismatch is rejected so
	// the user never pays a figure they did not see.
	Amount int64 `json:"amount"`
}

// CreateOrder handles POST /v1/payments/create-order
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "contractId is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("contractId", req.ContractID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), req.ContractID, auth.UserID(c), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order": gin.H{
			"id":             order.ID,
			"gatewayOrderId": order.GatewayOrderID,
			"amount":         order.Amount,
			"currency":       order.Currency,
			"status":         order.Status,
		},
		"keyId": h.service.KeyID(),
	})
}

// GetOrder handles GET /v1/payments/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrContractUnknown):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotPayer), errors.Is(err, ErrNotParty):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrNotPayable):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrAmountMismatch):
		status = http.StatusBadRequest
		code = "amount_mismatch"
	case errors.Is(err, ErrGatewayUnavailable):
		status = http.StatusBadGateway
		code = "gateway_unavailable"
	case errors.Is(err, ErrGatewayRejected):
		status = http.StatusBadGateway
		code = "gateway_rejected"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
