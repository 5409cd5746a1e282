package ledger

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StoredStateReader reads the escrow state recorded on the contract
// itself, for comparison against the ledger-derived state.
type StoredStateReader interface {
	StoredEscrowState(ctx context.Context, contractID string) (string, error)
}

// Handler provides HTTP endpoints for ledger reads.
type Handler struct {
	service *Service
	stored  StoredStateReader
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, stored StoredStateReader) *Handler {
	return &Handler{service: service, stored: stored}
}

// RegisterRoutes sets up ledger read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/contracts/:id/ledger", h.GetLedger)
}

// RegisterAdminRoutes sets up admin-only audit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/contracts/:id/audit", h.AuditContract)
}

// GetLedger handles GET /v1/contracts/:id/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	contractID := c.Param("id")

	entries, err := h.service.Entries(c.Request.Context(), contractID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	state, balance, err := Replay(entries)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_corrupt",
			"message": err.Error(),
		})
		return
	}

	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":      entries,
		"balance":      balance,
		"escrowStatus": state,
	})
}

// AuditContract handles GET /v1/admin/contracts/:id/audit.
// It replays the ledger and compares the derived escrow state against the
// state stored on the contract record.
func (h *Handler) AuditContract(c *gin.Context) {
	contractID := c.Param("id")
	ctx := c.Request.Context()

	derived, balance, err := h.service.DeriveState(ctx, contractID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	storedState, err := h.stored.StoredEscrowState(ctx, contractID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "contract not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contractId": contractID,
		"derived":    derived,
		"stored":     storedState,
		"balance":    balance,
		"match":      string(derived) == storedState,
	})
}
