package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flotilla-net/flotilla/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations.
type Handler struct {
	ledger  *Ledger
	backend BalanceReader // nil = reconcile endpoint disabled
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, backend BalanceReader, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, backend: backend, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/peers/:address/balance", h.GetBalance)
	r.GET("/peers/:address/ledger", h.GetHistory)
	r.POST("/deposits", h.RecordDeposit)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
}

// GetBalance handles GET /peers/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidPeerAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid peer address (0x + 40 hex chars)",
		})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /peers/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidPeerAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid peer address (0x + 40 hex chars)",
		})
		return
	}

	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DepositRequest records a confirmed backend deposit.
type DepositRequest struct {
	PeerAddress string `json:"peerAddress" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	TxRef       string `json:"txRef" binding:"required"`
}

// RecordDeposit handles POST /deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidPeerAddress(req.PeerAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "peerAddress must be a valid peer address (0x + 40 hex chars)",
		})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive integer of smallest units",
		})
		return
	}

	err := h.ledger.Deposit(c.Request.Context(), req.PeerAddress, req.Amount, req.TxRef)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateDeposit):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_deposit",
				"message": "This transaction has already been credited",
			})
		default:
			h.logger.Error("deposit failed", "peer", req.PeerAddress, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "deposit_error",
				"message": "Failed to record deposit",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "credited"})
}

// Reconcile handles GET /admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	if h.backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "reconcile_unavailable",
			"message": "No backend configured for reconciliation",
		})
		return
	}

	discrepancies, err := h.ledger.Reconcile(c.Request.Context(), h.backend)
	if err != nil {
		h.logger.Error("reconcile failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_error",
			"message": "Reconciliation failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"discrepancies": discrepancies,
		"clean":         len(discrepancies) == 0,
	})
}
