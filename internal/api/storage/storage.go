package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/trananhduc/cadforge/internal/api/model"
	"github.com/trananhduc/cadforge/internal/worker/domain"
	"github.com/trananhduc/cadforge/shared/postgresql"
)

const jobColumns = `
	job_id, user_id, script_name, script_path, status,
	result, error_message, error_details, worker_id,
	created_at, started_at, completed_at, last_heartbeat_at, updated_at
`

// Storage handles Job Record reads and writes for the API service
type Storage struct {
	db *sqlx.DB
}

// NewStorage creates a new Storage instance
func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// CreateJob inserts a new queued Job Record
func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, user_id, script_name, script_path,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.UserID,
		job.ScriptName,
		job.ScriptPath,
		job.Status,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves one Job Record
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var job model.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// FindLatestJobByUser returns the newest Job Record for a user, across all
// lifecycle states. This replaces walking the queued/started/finished
// registries of the original queue: the record store is one table, so the
// scan is one indexed query.
func (s *Storage) FindLatestJobByUser(ctx context.Context, userID string) (*model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC, job_id DESC
		LIMIT 1
	`

	var job model.Job
	err := s.db.GetContext(ctx, &job, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find job for user: %w", err)
	}

	return &job, nil
}
