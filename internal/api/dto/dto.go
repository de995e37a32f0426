package dto

import "github.com/trananhduc/cadforge/internal/progress"

// GenerateResponse is returned by POST /api/v1/cad/generate. Submission is
// always asynchronous; the caller polls the status and result URLs.
type GenerateResponse struct {
	UserID            string `json:"user_id"`
	JobID             string `json:"job_id"`
	Status            string `json:"status"`
	Message           string `json:"message"`
	CreatedAt         string `json:"created_at"`
	CheckStatusURL    string `json:"check_status_url"`
	CheckResultURL    string `json:"check_result_url"`
	ProgressPublished bool   `json:"progress_published"`
}

// StatusResponse is the reconciled job status for one user
type StatusResponse struct {
	UserID           string `json:"user_id"`
	JobID            string `json:"job_id,omitempty"`
	Status           string `json:"status"`
	Progress         int    `json:"progress"`
	Message          string `json:"message"`
	Error            string `json:"error,omitempty"`
	UpdatedAt        string `json:"updated_at"`
	DataSource       string `json:"data_source"`
	ChannelConnected bool   `json:"channel_connected"`
}

// FileInfo describes one generated artifact in a result response
type FileInfo struct {
	Type        string `json:"type"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url,omitempty"`
	LocalPath   string `json:"local_path,omitempty"`
}

// ResultResponse is returned by GET /api/v1/cad/result/:user_id
type ResultResponse struct {
	UserID          string     `json:"user_id"`
	JobID           string     `json:"job_id,omitempty"`
	Status          string     `json:"status"`
	Message         string     `json:"message,omitempty"`
	Error           string     `json:"error,omitempty"`
	Files           []FileInfo `json:"files"`
	OutputDirectory string     `json:"output_directory,omitempty"`
	CompletedAt     string     `json:"completed_at,omitempty"`
}

// WorkersStatusResponse dumps the whole in-memory progress map
type WorkersStatusResponse struct {
	Workers      map[string]progress.Record `json:"workers"`
	TotalWorkers int                        `json:"total_workers"`
	UpdatedAt    string                     `json:"updated_at"`
}
