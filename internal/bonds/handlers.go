package bonds

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flotilla-net/flotilla/internal/validation"
)

// Handler provides HTTP endpoints for bond operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new bond handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up bond routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bonds", h.Post)
	r.GET("/peers/:address/bond", h.Get)
	r.POST("/peers/:address/bond/unlock", h.RequestUnlock)
	r.POST("/peers/:address/bond/refund", h.Refund)
}

// PostRequest is the bond posting payload. The signature covers the
// peer address and amount.
type PostRequest struct {
	PeerAddress string `json:"peerAddress" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
}

// Post handles POST /bonds
func (h *Handler) Post(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !validation.IsValidPeerAddress(req.PeerAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "peerAddress must be a valid peer address",
		})
		return
	}

	b, err := h.service.Post(c.Request.Context(), req.PeerAddress, req.Amount, req.Signature)
	if err != nil {
		status, code := bondErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bond": b})
}

// Get handles GET /peers/:address/bond
func (h *Handler) Get(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidPeerAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid peer address",
		})
		return
	}

	b, err := h.service.Get(c.Request.Context(), address)
	if err != nil {
		if errors.Is(err, ErrBondNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "bond_not_found",
				"message": "Peer has no bond",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "bond_error",
			"message": "Failed to retrieve bond",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bond": b})
}

// RequestUnlock handles POST /peers/:address/bond/unlock
func (h *Handler) RequestUnlock(c *gin.Context) {
	b, err := h.service.RequestUnlock(c.Request.Context(), c.Param("address"))
	if err != nil {
		status, code := bondErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bond": b})
}

// Refund handles POST /peers/:address/bond/refund
func (h *Handler) Refund(c *gin.Context) {
	b, err := h.service.Refund(c.Request.Context(), c.Param("address"))
	if err != nil {
		status, code := bondErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bond": b})
}

func bondErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBondNotFound):
		return http.StatusNotFound, "bond_not_found"
	case errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized, "bad_signature"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrDisputesPending):
		return http.StatusConflict, "disputes_pending"
	case errors.Is(err, ErrUnlockNotRequested), errors.Is(err, ErrCooldownActive):
		return http.StatusConflict, "cooldown"
	case errors.Is(err, ErrSlashExceedsBond):
		return http.StatusConflict, "slash_exceeds_bond"
	default:
		return http.StatusInternalServerError, "bond_error"
	}
}
