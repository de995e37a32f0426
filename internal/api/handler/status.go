package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trananhduc/cadforge/internal/api/dto"
	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// GetStatus handles GET /api/v1/cad/status/:user_id
// Returns the reconciled status for a user: live channel record when one
// exists, durable Job Record otherwise.
func (h *CadHandler) GetStatus(c *gin.Context) {
	userID := c.Param("user_id")

	response, err := h.reconciler.Status(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "No job found for this user",
			})
			return
		}
		h.logger.Error("Failed to resolve status",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get status"})
		return
	}

	c.JSON(http.StatusOK, response)
}

// GetWorkersStatus handles GET /api/v1/cad/workers/status
// Dumps the entire in-memory progress map. Operational visibility only; the
// map is per-process and empties on restart.
func (h *CadHandler) GetWorkersStatus(c *gin.Context) {
	snapshot := h.progress.GetAllProgress()

	c.JSON(http.StatusOK, dto.WorkersStatusResponse{
		Workers:      snapshot,
		TotalWorkers: len(snapshot),
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
	})
}
