package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// processJob claims and executes one dispatched job. A nil return means the
// message is consumed - including terminal execution failures, which are
// recorded on the Job Record rather than requeued. Errors are returned only
// for claim-level problems, where the requeue decision still matters.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return err
		}
		// Infrastructure error at claim time - nothing has run yet, so the
		// message is safe to retry
		return domain.NewRetryableError(err)
	}

	artifacts, execErr := w.executor.Execute(ctx, job)
	if execErr != nil {
		w.recordFailure(ctx, job, execErr)
		return nil
	}

	if err := w.storage.MarkFinished(ctx, job.JobID, artifacts); err != nil {
		w.logger.Error("Failed to record job success",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	return nil
}

// recordFailure persists a terminal failure report on the Job Record
func (w *Worker) recordFailure(ctx context.Context, job *domain.Job, execErr error) {
	message := execErr.Error()
	var details *domain.FailureDetails

	var executionErr *ExecutionError
	if errors.As(execErr, &executionErr) {
		details = executionErr.Details
	}

	if err := w.storage.MarkFailed(ctx, job.JobID, message, details); err != nil {
		w.logger.Error("Failed to record job failure",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}
