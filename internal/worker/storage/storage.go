package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// Storage handles all Job Record operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimJob atomically moves a queued job to started and assigns it to this
// worker. Returns domain.ErrJobAlreadyClaimed when the job is missing or no
// longer queued, which covers duplicate deliveries.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING job_id, user_id, script_name, script_path
	`

	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusStarted, workerID, jobID, domain.JobStatusQueued).Scan(
		&job.JobID,
		&job.UserID,
		&job.ScriptName,
		&job.ScriptPath,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusStarted
	job.WorkerID = workerID

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("user_id", job.UserID),
		slog.String("worker_id", workerID),
	)

	return &job, nil
}

// MarkFinished records a successful job with its promoted artifact list.
// Terminal states are write-once: a record that already reached finished or
// failed is never overwritten.
func (s *Storage) MarkFinished(ctx context.Context, jobID string, artifacts []domain.Artifact) error {
	result, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	return s.finalize(ctx, jobID, domain.JobStatusFinished, result, "", nil)
}

// MarkFailed records a terminal failure with its diagnostics
func (s *Storage) MarkFailed(ctx context.Context, jobID, errorMsg string, details *domain.FailureDetails) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal failure details: %w", err)
		}
	}

	return s.finalize(ctx, jobID, domain.JobStatusFailed, nil, errorMsg, detailsJSON)
}

func (s *Storage) finalize(ctx context.Context, jobID, status string, result []byte, errorMsg string, details []byte) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    error_message = NULLIF($3, ''),
		    error_details = $4,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $5
		  AND status NOT IN ($6, $7)
	`

	res, err := s.db.ExecContext(ctx, query,
		status, result, errorMsg, details, jobID,
		domain.JobStatusFinished, domain.JobStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Job finalize skipped - record already terminal",
			slog.String("job_id", jobID),
			slog.String("status", status),
		)
		return nil
	}

	s.logger.Info("Job finalized",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	return nil
}

// UpdateJobHeartbeat updates the last_heartbeat_at timestamp for a started job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusStarted)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// DeleteExpiredJobs removes terminal records older than their retention TTL.
// Finished and failed jobs expire independently, matching queue registry
// retention semantics.
func (s *Storage) DeleteExpiredJobs(ctx context.Context, resultTTL, failureTTL time.Duration) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE (status = $1 AND completed_at < NOW() - $2::interval)
		   OR (status = $3 AND completed_at < NOW() - $4::interval)
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusFinished, intervalString(resultTTL),
		domain.JobStatusFailed, intervalString(failureTTL),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

func intervalString(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
