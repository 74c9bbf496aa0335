package tickets

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flotilla-net/flotilla/internal/mint"
	"github.com/flotilla-net/flotilla/internal/validation"
)

// Handler provides HTTP endpoints for ticket operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ticket handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up ticket routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tickets", h.Create)
	r.POST("/tickets/batch", h.CreateBatch)
	r.POST("/tickets/milestones", h.CreateMilestones)
	r.POST("/tickets/performance", h.CreatePerformance)
	r.GET("/tickets/:id", h.Get)
	r.GET("/tickets/:id/receipts", h.GetReceipts)
	r.POST("/tickets/:id/present", h.Present)
	r.POST("/tickets/:id/reclaim", h.Reclaim)
	r.GET("/peers/:address/tickets", h.ListByPeer)
}

// Create handles POST /tickets
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ticket, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.writeCreateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": ticket})
}

// CreateBatch handles POST /tickets/batch
func (h *Handler) CreateBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	created, err := h.service.CreateBatch(c.Request.Context(), req)
	if err != nil {
		h.writeCreateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tickets": created})
}

// CreateMilestones handles POST /tickets/milestones
func (h *Handler) CreateMilestones(c *gin.Context) {
	var req MilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	created, err := h.service.CreateMilestones(c.Request.Context(), req)
	if err != nil {
		h.writeCreateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tickets": created})
}

// CreatePerformance handles POST /tickets/performance
func (h *Handler) CreatePerformance(c *gin.Context) {
	var req PerformanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	base, bonus, err := h.service.CreatePerformancePair(c.Request.Context(), req)
	if err != nil {
		h.writeCreateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"base":  base,
		"bonus": bonus,
		// Surfaced so integrators cannot miss the weaker guarantee.
		"bonusTrustLevel": bonus.TrustLevel,
	})
}

func (h *Handler) writeCreateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidCondition):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_condition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Payer's available balance does not cover the ticket amount",
		})
	case errors.Is(err, mint.ErrBackendUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "backend_unavailable",
			"message": "Settlement backend is unavailable, try again later",
		})
	default:
		h.logger.Error("ticket creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ticket_error",
			"message": "Failed to create ticket",
		})
	}
}

// PresentRequest carries a redemption attempt.
type PresentRequest struct {
	Signatures []string `json:"signatures" binding:"required"`
	Preimage   string   `json:"preimage"`
}

// Present handles POST /tickets/:id/present
func (h *Handler) Present(c *gin.Context) {
	id := c.Param("id")

	var req PresentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Present(c.Request.Context(), id, req.Signatures, req.Preimage)
	if err != nil {
		h.writeRedemptionError(c, result, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "redeemed", "result": result})
}

// ReclaimRequest carries a refund attempt.
type ReclaimRequest struct {
	Signature string `json:"signature" binding:"required"`
}

// Reclaim handles POST /tickets/:id/reclaim
func (h *Handler) Reclaim(c *gin.Context) {
	id := c.Param("id")

	var req ReclaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Reclaim(c.Request.Context(), id, req.Signature)
	if err != nil {
		h.writeRedemptionError(c, result, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refunded", "result": result})
}

func (h *Handler) writeRedemptionError(c *gin.Context, result *RedemptionResult, err error) {
	switch {
	case errors.Is(err, ErrAlreadyFinalized):
		// Idempotent no-op for automated retriers: 200, not an error code.
		c.JSON(http.StatusOK, gin.H{"status": "already_finalized", "result": result})
	case errors.Is(err, ErrTicketNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "ticket_not_found",
			"message": "No ticket with this ID",
		})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "bad_signature",
			"message": "Signature does not satisfy the lock condition",
		})
	case errors.Is(err, ErrBadPreimage):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "bad_preimage",
			"message": "Preimage does not match the hash lock",
		})
	case errors.Is(err, ErrTicketExpired):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "ticket_expired",
			"message": "Timelock has passed, only the refund path is valid",
		})
	case errors.Is(err, ErrNotYetExpired):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_yet_expired",
			"message": "Timelock has not passed, refund path is not yet valid",
		})
	case errors.Is(err, ErrMilestoneOrder):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "milestone_order",
			"message": "Earlier milestone tickets must redeem first",
		})
	case errors.Is(err, mint.ErrBackendUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "backend_unavailable",
			"message": "Settlement backend is unavailable, ticket remains pending",
		})
	default:
		h.logger.Error("redemption failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "redemption_error",
			"message": "Redemption failed, ticket state unchanged",
		})
	}
}

// Get handles GET /tickets/:id
func (h *Handler) Get(c *gin.Context) {
	ticket, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTicketNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "ticket_not_found",
				"message": "No ticket with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ticket_error",
			"message": "Failed to retrieve ticket",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket})
}

// GetReceipts handles GET /tickets/:id/receipts
func (h *Handler) GetReceipts(c *gin.Context) {
	receipts, err := h.service.Receipts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "receipts_error",
			"message": "Failed to retrieve receipt chain",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

// ListByPeer handles GET /peers/:address/tickets
func (h *Handler) ListByPeer(c *gin.Context) {
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

	list, err := h.service.ListByPeer(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ticket_error",
			"message": "Failed to list tickets",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": list})
}
