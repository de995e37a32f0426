package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trananhduc/cadforge/internal/api/dto"
	"github.com/trananhduc/cadforge/internal/api/model"
	"github.com/trananhduc/cadforge/internal/progress"
	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// Data sources reported in status responses
const (
	SourceChannel  = "channel"
	SourceDatabase = "database"
)

// ProgressSource is the live, in-memory side of the status merge
type ProgressSource interface {
	GetProgress(userID string) (progress.Record, bool)
	IsConnected() bool
}

// JobSource is the durable Job Record side of the status merge
type JobSource interface {
	FindLatestJobByUser(ctx context.Context, userID string) (*model.Job, error)
}

// Reconciler merges the two status channels into one per-user answer. The
// live progress record is preferred when present (richer, fresher); the
// durable Job Record is the fallback when the channel has forgotten the
// user, e.g. after an API restart or broker outage.
type Reconciler struct {
	progress ProgressSource
	jobs     JobSource
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler
func NewReconciler(progressSource ProgressSource, jobs JobSource, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		progress: progressSource,
		jobs:     jobs,
		logger:   logger,
	}
}

// Status resolves the reconciled status for one user. Returns
// domain.ErrJobNotFound when neither source knows the user.
func (r *Reconciler) Status(ctx context.Context, userID string) (*dto.StatusResponse, error) {
	connected := r.progress.IsConnected()

	if record, ok := r.progress.GetProgress(userID); ok {
		response := &dto.StatusResponse{
			UserID:           userID,
			Status:           record.Status,
			Progress:         record.Progress,
			Message:          record.Message,
			Error:            record.Error,
			UpdatedAt:        record.UpdatedAt.UTC().Format(time.RFC3339),
			DataSource:       SourceChannel,
			ChannelConnected: connected,
		}

		// The channel tracks users, not jobs; enrich with the job id from
		// the record store when we can. Failure here is not fatal.
		if job, err := r.jobs.FindLatestJobByUser(ctx, userID); err == nil {
			response.JobID = job.JobID
		} else if !errors.Is(err, domain.ErrJobNotFound) {
			r.logger.Warn("Job id lookup failed during status merge",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
		}

		return response, nil
	}

	job, err := r.jobs.FindLatestJobByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to resolve job for user: %w", err)
	}

	return &dto.StatusResponse{
		UserID:           userID,
		JobID:            job.JobID,
		Status:           job.Status,
		Progress:         coarseProgress(job.Status),
		Message:          fmt.Sprintf("Job %s (from job record)", job.Status),
		Error:            job.ErrorMessage.String,
		UpdatedAt:        recordUpdatedAt(job),
		DataSource:       SourceDatabase,
		ChannelConnected: connected,
	}, nil
}

// coarseProgress derives a progress estimate from lifecycle state alone
func coarseProgress(status string) int {
	switch status {
	case domain.JobStatusStarted:
		return 50
	case domain.JobStatusFinished:
		return 100
	default:
		return 0
	}
}

func recordUpdatedAt(job *model.Job) string {
	if job.CompletedAt.Valid {
		return job.CompletedAt.Time.UTC().Format(time.RFC3339)
	}
	return job.UpdatedAt.UTC().Format(time.RFC3339)
}
