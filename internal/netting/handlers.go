package netting

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flotilla-net/flotilla/internal/validation"
)

// Handler provides HTTP endpoints for netting rounds.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new netting handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes sets up netting routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/windows/:id/propose", h.Propose)
	r.GET("/windows/:id/bilateral", h.Bilateral)
	r.GET("/netting/proposals/:id", h.GetProposal)
	r.POST("/netting/proposals/:id/ack", h.Ack)
	r.POST("/netting/proposals/:id/execute", h.Execute)
}

// Propose handles POST /windows/:id/propose
func (h *Handler) Propose(c *gin.Context) {
	p, err := h.engine.Propose(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNothingToNet) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "nothing_to_net",
				"message": "Window has no pending obligations",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "propose_failed",
			"message": "Failed to open netting proposal",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// Bilateral handles GET /windows/:id/bilateral?peerA=..&peerB=..
func (h *Handler) Bilateral(c *gin.Context) {
	a, b := c.Query("peerA"), c.Query("peerB")
	if !validation.IsValidPeerAddress(a) || !validation.IsValidPeerAddress(b) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "peerA and peerB must be valid peer addresses",
		})
		return
	}

	res, err := h.engine.BilateralNet(c.Request.Context(), a, b, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNothingToNet) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "nothing_to_net",
				"message": "No pending obligations between these peers",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "netting_failed",
			"message": "Failed to compute bilateral net",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"net": res})
}

// GetProposal handles GET /netting/proposals/:id
func (h *Handler) GetProposal(c *gin.Context) {
	p, err := h.engine.GetProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "proposal_not_found",
			"message": "No proposal with that ID",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// AckRequest carries a participant's computed digest and its signature
// over the ack message.
type AckRequest struct {
	PeerAddress    string `json:"peerAddress" binding:"required"`
	ComputedDigest string `json:"computedDigest" binding:"required"`
	Signature      string `json:"signature" binding:"required"`
}

// Ack handles POST /netting/proposals/:id/ack
func (h *Handler) Ack(c *gin.Context) {
	var req AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	err := h.engine.Ack(c.Request.Context(), c.Param("id"), req.PeerAddress, req.ComputedDigest, req.Signature)
	if err != nil {
		status, code := ackErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acked"})
}

func ackErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrProposalNotFound):
		return http.StatusNotFound, "proposal_not_found"
	case errors.Is(err, ErrNettingDisagreement):
		return http.StatusConflict, "netting_disagreement"
	case errors.Is(err, ErrAckWindowClosed), errors.Is(err, ErrProposalNotOpen):
		return http.StatusConflict, "ack_window_closed"
	case errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden, "not_participant"
	default:
		return http.StatusUnauthorized, "bad_signature"
	}
}

// Execute handles POST /netting/proposals/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	transfers, err := h.engine.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrProposalNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "proposal_not_found",
				"message": "No proposal with that ID",
			})
		case errors.Is(err, ErrProposalNotOpen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "proposal_not_open",
				"message": "Proposal already executed or parked",
			})
		default:
			h.logger.Error("netting execution failed", "proposal_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "execute_failed",
				"message": "Failed to execute netting round",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers, "count": len(transfers)})
}
