package secrets

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the hash-lock secret lifecycle over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a secrets handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up secret routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/secrets", h.Generate)
	r.GET("/secrets/:taskId/hash", h.Hash)
	r.POST("/secrets/:taskId/reveal", h.Reveal)
}

// GenerateRequest asks for a hash-lock preimage bound to a task.
type GenerateRequest struct {
	TaskID string `json:"taskId" binding:"required"`
}

// Generate handles POST /secrets. Only the hash leaves the node.
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "taskId is required",
		})
		return
	}

	hash, err := h.service.Generate(c.Request.Context(), req.TaskID)
	if err != nil {
		h.logger.Error("secret generate failed", "task", req.TaskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "generate_failed",
			"message": "Failed to generate secret",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"taskId": req.TaskID,
		"hash":   hash,
	})
}

// Hash handles GET /secrets/:taskId/hash.
func (h *Handler) Hash(c *gin.Context) {
	taskID := c.Param("taskId")

	hash, err := h.service.Hash(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(secretErrorStatus(err), gin.H{
			"error":   "secret_not_found",
			"message": "No secret exists for this task",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"taskId": taskID,
		"hash":   hash,
	})
}

// Reveal handles POST /secrets/:taskId/reveal. The caller takes the
// preimage to the ticket; revealing twice returns the same value.
func (h *Handler) Reveal(c *gin.Context) {
	taskID := c.Param("taskId")

	preimage, err := h.service.Reveal(c.Request.Context(), taskID)
	if err != nil {
		status := secretErrorStatus(err)
		msg := "No secret exists for this task"
		if status == http.StatusInternalServerError {
			msg = "Failed to reveal secret"
			h.logger.Error("secret reveal failed", "task", taskID, "error", err)
		}
		c.JSON(status, gin.H{
			"error":   "reveal_failed",
			"message": msg,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"taskId":   taskID,
		"preimage": preimage,
	})
}

func secretErrorStatus(err error) int {
	if errors.Is(err, ErrSecretNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
