package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trananhduc/cadforge/internal/api/dto"
	"github.com/trananhduc/cadforge/internal/api/model"
	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// GenerateModel handles POST /api/v1/cad/generate
// Accepts a CAD script upload, records a queued Job Record, dispatches it to
// the worker queue, and returns immediately. CAD jobs can run for up to an
// hour; nothing in this path may wait on the job.
func (h *CadHandler) GenerateModel(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	scriptName := filepath.Base(file.Filename)
	if scriptName == "" || scriptName == "." {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file selected"})
		return
	}

	ext := h.storageCfg.ScriptExtension
	if !strings.HasSuffix(scriptName, ext) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("File must be a CAD script (%s)", ext),
		})
		return
	}

	userID := strings.TrimSpace(c.PostForm("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	autoDownload := truthy(c.PostForm("auto_download"))

	// Persist the script where the worker can reach it. Resubmissions by
	// the same user overwrite; idempotency is the caller's problem.
	scriptPath := filepath.Join(h.storageCfg.Root, fmt.Sprintf("script_%s_%s", userID, scriptName))
	if err := os.MkdirAll(h.storageCfg.Root, 0o755); err != nil {
		h.logger.Error("Failed to create storage root",
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store script"})
		return
	}
	if err := c.SaveUploadedFile(file, scriptPath); err != nil {
		h.logger.Error("Failed to save uploaded script",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store script"})
		return
	}

	now := time.Now().UTC()
	job := &model.Job{
		JobID:      uuid.New().String(),
		UserID:     userID,
		ScriptName: scriptName,
		ScriptPath: scriptPath,
		Status:     domain.JobStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.storage.CreateJob(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to create job record",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	if err := h.dispatch(c.Request.Context(), job.JobID); err != nil {
		h.logger.Error("Failed to dispatch job",
			slog.String("job_id", job.JobID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue job"})
		return
	}

	// Best-effort initial events on the progress channel. Publish failure
	// never fails the submission; the caller just sees the advisory flag.
	progressPublished := true
	if err := h.progress.PublishStatus(userID, domain.ProgressStatusQueued,
		fmt.Sprintf("Job %s queued for script %s", job.JobID, scriptName), ""); err != nil {
		progressPublished = false
		h.logger.Warn("Failed to publish initial status event",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
	if err := h.progress.PublishProgress(userID, 0, domain.ProgressStatusQueued,
		"Job queued. Waiting for worker to start processing...", ""); err != nil {
		progressPublished = false
	}

	statusURL := fmt.Sprintf("/api/v1/cad/status/%s", userID)
	resultURL := fmt.Sprintf("/api/v1/cad/result/%s", userID)
	if autoDownload {
		resultURL += "?auto_download=true"
	}

	c.JSON(http.StatusAccepted, dto.GenerateResponse{
		UserID: userID,
		JobID:  job.JobID,
		Status: domain.JobStatusQueued,
		Message: fmt.Sprintf(
			"Script %s has been queued for processing. Use %s to check progress, or %s to get results when finished.",
			scriptName, statusURL, resultURL,
		),
		CreatedAt:         now.Format(time.RFC3339),
		CheckStatusURL:    statusURL,
		CheckResultURL:    resultURL,
		ProgressPublished: progressPublished,
	})
}

// dispatch publishes the job id to the work queue
func (h *CadHandler) dispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}
	return h.rabbitClient.Publish(ctx, body, "application/json")
}
