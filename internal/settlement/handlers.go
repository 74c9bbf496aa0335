package settlement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flotilla-net/flotilla/internal/validation"
)

// Handler provides HTTP endpoints for settlement receipt ingestion and
// obligation queries.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/receipts", h.IngestReceipt)
	r.GET("/obligations/:id", h.GetObligation)
	r.POST("/obligations/:id/realize", h.Realize)
	r.GET("/windows/:id/obligations", h.ListWindow)
	r.GET("/peers/:address/obligations", h.ListPeer)
	r.GET("/settlement/types", h.ListTypes)
}

// ReceiptRequest is the ingestion payload for a signed settlement
// receipt.
type ReceiptRequest struct {
	Type     Type     `json:"type" binding:"required"`
	FromPeer string   `json:"fromPeer" binding:"required"`
	ToPeer   string   `json:"toPeer" binding:"required"`
	WindowID string   `json:"windowId" binding:"required"`
	Events   []Event  `json:"events" binding:"required"`
	Evidence Evidence `json:"evidence" binding:"required"`
}

// IngestReceipt handles POST /receipts
func (h *Handler) IngestReceipt(c *gin.Context) {
	var req ReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !validation.IsValidPeerAddress(req.FromPeer) || !validation.IsValidPeerAddress(req.ToPeer) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "fromPeer and toPeer must be valid peer addresses",
		})
		return
	}

	o, err := h.service.IngestReceipt(c.Request.Context(), req.Type,
		req.FromPeer, req.ToPeer, req.WindowID, req.Events, req.Evidence)
	if err != nil {
		status, code := ingestErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	h.logger.Info("obligation recorded",
		"obligation_id", o.ID,
		"type", o.Type,
		"amount", o.Amount,
		"window_id", o.WindowID)
	c.JSON(http.StatusCreated, gin.H{"obligation": o})
}

func ingestErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnknownType):
		return http.StatusBadRequest, "unknown_settlement_type"
	case errors.Is(err, ErrBadEvidence):
		return http.StatusUnauthorized, "bad_evidence"
	case errors.Is(err, ErrNoEvents), errors.Is(err, ErrNegativeEvent),
		errors.Is(err, ErrAmountOverflow):
		return http.StatusBadRequest, "invalid_events"
	default:
		return http.StatusInternalServerError, "ingest_failed"
	}
}

// GetObligation handles GET /obligations/:id
func (h *Handler) GetObligation(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrObligationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "obligation_not_found",
				"message": "No obligation with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "obligation_error",
			"message": "Failed to retrieve obligation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"obligation": o})
}

// Realize handles POST /obligations/:id/realize
func (h *Handler) Realize(c *gin.Context) {
	t, err := h.service.Realize(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := realizeErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	h.logger.Info("obligation realized",
		"obligation_id", c.Param("id"),
		"ticket_id", t.ID,
		"amount", t.Amount)
	c.JSON(http.StatusCreated, gin.H{"ticket": t})
}

func realizeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrObligationNotFound):
		return http.StatusNotFound, "obligation_not_found"
	case errors.Is(err, ErrObligationFinal):
		return http.StatusConflict, "obligation_settled"
	case errors.Is(err, ErrBadTransition):
		return http.StatusConflict, "obligation_not_pending"
	case errors.Is(err, ErrNoTicketIssuer):
		return http.StatusServiceUnavailable, "realization_unavailable"
	default:
		return http.StatusInternalServerError, "realize_failed"
	}
}

// ListWindow handles GET /windows/:id/obligations
func (h *Handler) ListWindow(c *gin.Context) {
	var statuses []Status
	if s := c.Query("status"); s != "" {
		statuses = append(statuses, Status(s))
	}

	obligations, err := h.service.ListByWindow(c.Request.Context(), c.Param("id"), statuses)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "obligation_error",
			"message": "Failed to list window obligations",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"windowId":    c.Param("id"),
		"obligations": obligations,
		"count":       len(obligations),
	})
}

// ListPeer handles GET /peers/:address/obligations
func (h *Handler) ListPeer(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidPeerAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid peer address (0x + 40 hex chars)",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	obligations, err := h.service.ListByPeer(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "obligation_error",
			"message": "Failed to list peer obligations",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"obligations": obligations, "count": len(obligations)})
}

// ListTypes handles GET /settlement/types
func (h *Handler) ListTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"types": AllTypes()})
}
