package contracts

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gigvault/gigvault/internal/auth"
	"github.com/gigvault/gigvault/internal/pagination"
	"github.com/gigvault/gigvault/internal/validation"
)

// Handler provides HTTP endpoints for contract operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up protected (auth-required) contract routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.Propose)
	r.GET("/contracts", h.ListMine)
	r.GET("/contracts/:id", h.GetContract)
	r.PATCH("/contracts/:id/status", h.UpdateStatus)
	r.POST("/contracts/:id/release", h.Release)
	r.POST("/contracts/:id/cancel", h.Cancel)
}

// decisionRequest is the body of PATCH /v1/contracts/:id/status.
type decisionRequest struct {
	Status          Decision `json:"status" binding:"required"`
	ExpectedVersion int64    `json:"expectedVersion" binding:"required"`
}

type releaseRequest struct {
	ExpectedVersion int64 `json:"expectedVersion" binding:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Propose handles POST /v1/contracts
func (h *Handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("projectId", req.ProjectID),
		validation.Required("clientId", req.ClientID),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("scope", req.Scope, validation.MaxStringLength),
		validation.PositiveAmount("finalAmount", req.FinalAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	contract, err := h.service.Propose(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !contract.PartyOf(auth.UserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": ErrNotParty.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ListMine handles GET /v1/contracts
func (h *Handler) ListMine(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	items, err := h.service.ListByParty(c.Request.Context(), auth.UserID(c), Status(c.Query("status")), cursor, limit+1)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items, next, hasMore := pagination.ComputePage(items, limit, func(ct *Contract) (time.Time, string) {
		return ct.CreatedAt, ct.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"contracts":  items,
		"count":      len(items),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// UpdateStatus handles PATCH /v1/contracts/:id/status.
// Accepting returns the payment the client now owes instead of an active
// contract; the contract only activates once that payment funds escrow.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status and expectedVersion are required",
		})
		return
	}

	contract, due, err := h.service.ApplyDecision(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Status, req.ExpectedVersion)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if due != nil {
		c.JSON(http.StatusOK, gin.H{
			"contract":        contract,
			"requiresPayment": true,
			"paymentDetails":  due,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// Release handles POST /v1/contracts/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "expectedVersion is required",
		})
		return
	}

	contract, err := h.service.Release(c.Request.Context(), c.Param("id"), auth.UserID(c), req.ExpectedVersion)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// Cancel handles POST /v1/contracts/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	contract, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrContractNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotClient), errors.Is(err, ErrNotParty):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
		code = "version_conflict"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidDecision):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
