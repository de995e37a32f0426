package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trananhduc/cadforge/internal/api/dto"
	"github.com/trananhduc/cadforge/internal/api/model"
	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// GetResult handles GET /api/v1/cad/result/:user_id
// Resolves the user's latest Job Record. While the job is in flight the
// response is 202 with the current lifecycle state; terminal jobs get their
// artifact list (finished) or the failure report (failed).
func (h *CadHandler) GetResult(c *gin.Context) {
	userID := c.Param("user_id")
	autoDownload := truthy(c.Query("auto_download"))

	job, err := h.storage.FindLatestJobByUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "No job found for this user",
			})
			return
		}
		h.logger.Error("Failed to resolve result",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get result"})
		return
	}

	switch job.Status {
	case domain.JobStatusQueued, domain.JobStatusStarted:
		c.JSON(http.StatusAccepted, dto.ResultResponse{
			UserID:  userID,
			JobID:   job.JobID,
			Status:  job.Status,
			Message: fmt.Sprintf("Job is %s. Check back later.", job.Status),
			Files:   []dto.FileInfo{},
		})
		return

	case domain.JobStatusFailed:
		c.JSON(http.StatusOK, dto.ResultResponse{
			UserID:      userID,
			JobID:       job.JobID,
			Status:      job.Status,
			Error:       job.ErrorMessage.String,
			Files:       []dto.FileInfo{},
			CompletedAt: nullTimeRFC3339(job),
		})
		return
	}

	artifacts, err := job.Artifacts()
	if err != nil {
		h.logger.Error("Failed to decode job artifacts",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read job result"})
		return
	}

	files := make([]dto.FileInfo, 0, len(artifacts))
	for _, artifact := range artifacts {
		info := dto.FileInfo{
			Type:     artifact.Type,
			Path:     artifact.Path,
			Filename: artifact.Filename,
		}

		if autoDownload {
			if publicPath, err := h.publishArtifact(artifact); err != nil {
				h.logger.Warn("Failed to stage artifact for download",
					slog.String("filename", artifact.Filename),
					slog.Any("error", err),
				)
			} else {
				info.LocalPath = publicPath
				info.DownloadURL = fmt.Sprintf("%s/api/v1/cad/download/%s/%s",
					h.storageCfg.BaseURL, userID, artifact.Filename)
			}
		}

		files = append(files, info)
	}

	c.JSON(http.StatusOK, dto.ResultResponse{
		UserID:          userID,
		JobID:           job.JobID,
		Status:          job.Status,
		Message:         fmt.Sprintf("Job finished with %d file(s)", len(files)),
		Files:           files,
		OutputDirectory: h.storageCfg.Root,
		CompletedAt:     nullTimeRFC3339(job),
	})
}

// publishArtifact copies a stored artifact into the public download
// directory and returns the staged path
func (h *CadHandler) publishArtifact(artifact domain.Artifact) (string, error) {
	if err := os.MkdirAll(h.storageCfg.PublicDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create public directory: %w", err)
	}

	destination := filepath.Join(h.storageCfg.PublicDir, artifact.Filename)

	source, err := os.Open(artifact.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer source.Close()

	target, err := os.Create(destination)
	if err != nil {
		return "", fmt.Errorf("failed to create download copy: %w", err)
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		return "", fmt.Errorf("failed to copy artifact: %w", err)
	}

	return destination, nil
}

func nullTimeRFC3339(job *model.Job) string {
	if !job.CompletedAt.Valid {
		return ""
	}
	return job.CompletedAt.Time.UTC().Format(time.RFC3339)
}
