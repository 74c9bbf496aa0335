package arbitration

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flotilla-net/flotilla/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	coordinator *Coordinator
	candidates  CandidateSource
	logger      *slog.Logger
}

// CandidateSource supplies the eligible arbitrator set at filing time.
type CandidateSource interface {
	EligibleCandidates(c *gin.Context) ([]Candidate, error)
}

// NewHandler creates a new arbitration handler.
func NewHandler(coordinator *Coordinator, candidates CandidateSource, logger *slog.Logger) *Handler {
	return &Handler{coordinator: coordinator, candidates: candidates, logger: logger}
}

// RegisterRoutes sets up arbitration routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.File)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/votes", h.CastVote)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// FileRequest opens a dispute over an obligation.
type FileRequest struct {
	ObligationID string `json:"obligationId" binding:"required"`
	Filer        string `json:"filer" binding:"required"`
	Respondent   string `json:"respondent" binding:"required"`
	Evidence     string `json:"evidence" binding:"required"`
	ClaimedSlash int64  `json:"claimedSlash"`
	Seed         string `json:"seed" binding:"required"`
}

// File handles POST /disputes
func (h *Handler) File(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !validation.IsValidPeerAddress(req.Filer) || !validation.IsValidPeerAddress(req.Respondent) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "filer and respondent must be valid peer addresses",
		})
		return
	}

	eligible, err := h.candidates.EligibleCandidates(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "candidate_error",
			"message": "Failed to load eligible arbitrators",
		})
		return
	}

	d, err := h.coordinator.File(c.Request.Context(), req.ObligationID,
		req.Filer, req.Respondent, req.Evidence, req.ClaimedSlash, req.Seed, eligible)
	if err != nil {
		if errors.Is(err, ErrPanelUnavailable) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "panel_unavailable",
				"message": "Not enough eligible arbitrators; negotiate bilaterally",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "file_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "dispute_not_found",
			"message": "No dispute with that ID",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// VoteRequest is one panel member's signed verdict.
type VoteRequest struct {
	Member      string `json:"member" binding:"required"`
	Choice      string `json:"choice" binding:"required"`
	SlashAmount int64  `json:"slashAmount"`
	Signature   string `json:"signature" binding:"required"`
}

// CastVote handles POST /disputes/:id/votes
func (h *Handler) CastVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.coordinator.CastVote(c.Request.Context(), c.Param("id"),
		req.Member, req.Choice, req.SlashAmount, req.Signature)
	if err != nil {
		status, code := voteErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputeId": d.ID,
		"votes":     len(d.Votes),
		"panelSize": len(d.Panel),
	})
}

func voteErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		return http.StatusNotFound, "dispute_not_found"
	case errors.Is(err, ErrDisputeResolved):
		return http.StatusConflict, "dispute_resolved"
	case errors.Is(err, ErrNotPanelMember):
		return http.StatusForbidden, "not_panel_member"
	case errors.Is(err, ErrAlreadyVoted):
		return http.StatusConflict, "already_voted"
	case errors.Is(err, ErrBadVote):
		return http.StatusBadRequest, "invalid_vote"
	case errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized, "bad_signature"
	default:
		return http.StatusInternalServerError, "vote_failed"
	}
}

// Resolve handles POST /disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	d, err := h.coordinator.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "dispute_not_found",
				"message": "No dispute with that ID",
			})
		case errors.Is(err, ErrDisputeResolved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "dispute_resolved",
				"message": "Dispute is already resolved",
			})
		default:
			h.logger.Error("dispute resolution failed", "dispute_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "resolve_failed",
				"message": "Failed to resolve dispute",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
