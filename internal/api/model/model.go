package model

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// Job is the durable Job Record as stored in PostgreSQL
type Job struct {
	JobID           string         `db:"job_id"`
	UserID          string         `db:"user_id"`
	ScriptName      string         `db:"script_name"`
	ScriptPath      string         `db:"script_path"`
	Status          string         `db:"status"`
	Result          []byte         `db:"result"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ErrorDetails    []byte         `db:"error_details"`
	WorkerID        sql.NullString `db:"worker_id"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Artifacts decodes the result payload into artifact descriptors. An empty
// or missing payload yields nil.
func (j *Job) Artifacts() ([]domain.Artifact, error) {
	if len(j.Result) == 0 {
		return nil, nil
	}

	var files []domain.Artifact
	if err := json.Unmarshal(j.Result, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// IsTerminal reports whether the record has reached a terminal state
func (j *Job) IsTerminal() bool {
	return domain.IsTerminal(j.Status)
}
