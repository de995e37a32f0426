package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/trananhduc/cadforge/internal/config"
	"github.com/trananhduc/cadforge/internal/progress"
	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// outputTailLines bounds the diagnostics attached to a failure report
const outputTailLines = 50

// Heartbeat progress creep: while the CAD engine runs we have no real
// progress signal, so the heartbeat nudges the reported value upward within
// a fixed band to show liveness without overclaiming completion.
const (
	heartbeatProgressFloor = 25
	heartbeatProgressStep  = 2
	heartbeatProgressCeil  = 35
)

// statusPublisher is the progress channel surface the executor needs
type statusPublisher interface {
	PublishProgress(userID string, percent int, status, message, errMsg string) error
	PublishStatus(userID, status, message, errMsg string) error
}

// heartbeatStore persists worker liveness on the Job Record
type heartbeatStore interface {
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
}

// ExecutionError is a terminal job failure with its diagnostics. Execution
// failures are never retried; the error exists to carry the failure report
// to the Job Record.
type ExecutionError struct {
	Message string
	Details *domain.FailureDetails
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// Executor runs one claimed job end to end: subprocess, artifact promotion,
// derived-artifact pipeline, and progress reporting on both channels.
type Executor struct {
	logger     *slog.Logger
	workerCfg  *config.WorkerConfig
	storageCfg *config.StorageConfig
	progress   statusPublisher
	heartbeats heartbeatStore
}

// NewExecutor creates an Executor
func NewExecutor(workerCfg *config.WorkerConfig, storageCfg *config.StorageConfig, publisher statusPublisher, heartbeats heartbeatStore, logger *slog.Logger) *Executor {
	return &Executor{
		logger:     logger,
		workerCfg:  workerCfg,
		storageCfg: storageCfg,
		progress:   publisher,
		heartbeats: heartbeats,
	}
}

// Execute runs a claimed job. On success it returns the full promoted
// artifact list; on failure it returns an *ExecutionError carrying the
// failure report. Both terminal paths clean up the scratch directory and the
// persisted script.
func (e *Executor) Execute(ctx context.Context, job *domain.Job) ([]domain.Artifact, error) {
	defer e.cleanupScript(job.ScriptPath)

	e.publishStatus(job.UserID, domain.ProgressStatusStarted, "Starting CAD script execution", "")
	e.publishProgress(job.UserID, 0, domain.ProgressStatusStarted, "Initializing...", "")

	scratchDir := filepath.Join(e.storageCfg.Root, "user_"+job.UserID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, e.fail(job, fmt.Sprintf("Failed to create output directory: %v", err), nil)
	}
	defer os.RemoveAll(scratchDir)

	e.publishProgress(job.UserID, 10, domain.ProgressStatusRunning, "Setting up output directory...", "")
	e.publishProgress(job.UserID, 20, domain.ProgressStatusRunning, "Executing CAD script...", "")

	stdout, stderr, exitErr := e.runEngine(ctx, job, scratchDir)
	if exitErr != nil {
		var execErr *ExecutionError
		if errors.As(exitErr, &execErr) {
			return nil, e.report(job, execErr)
		}
		return nil, e.fail(job, exitErr.Error(), nil)
	}

	e.publishProgress(job.UserID, 40, domain.ProgressStatusRunning,
		"CAD script executed successfully, searching for generated files...", "")
	e.publishProgress(job.UserID, 50, domain.ProgressStatusRunning, "Searching for generated files...", "")

	artifacts, err := promoteArtifacts(scratchDir, e.storageCfg.Root, job.UserID, false, e.logger)
	if err != nil {
		return nil, e.fail(job, fmt.Sprintf("Artifact promotion failed: %v", err), nil)
	}

	if len(artifacts) == 0 && e.storageCfg.FallbackDir != "" {
		e.publishProgress(job.UserID, 60, domain.ProgressStatusRunning,
			"Searching in fallback output directory...", "")
		artifacts, err = promoteArtifacts(e.storageCfg.FallbackDir, e.storageCfg.Root, job.UserID, true, e.logger)
		if err != nil {
			return nil, e.fail(job, fmt.Sprintf("Artifact promotion failed: %v", err), nil)
		}
	}

	if len(artifacts) == 0 {
		details := &domain.FailureDetails{
			ErrorHint:  extractErrorHint(stdout, stderr),
			StdoutTail: tailLines(stdout, outputTailLines),
			StderrTail: tailLines(stderr, outputTailLines),
		}
		return nil, e.fail(job, "No STEP or OBJ files were generated", details)
	}

	e.publishProgress(job.UserID, 70, domain.ProgressStatusRunning,
		fmt.Sprintf("Found %d files, generating PDF and JSON...", len(artifacts)), "")

	derived, derivedErr := e.deriveAll(ctx, job, artifacts)
	if derivedErr != nil {
		return nil, e.report(job, derivedErr)
	}

	all := append(artifacts, derived...)

	e.publishProgress(job.UserID, 100, domain.ProgressStatusFinished,
		fmt.Sprintf("Successfully generated %d files", len(all)), "")
	e.publishStatus(job.UserID, domain.ProgressStatusFinished,
		fmt.Sprintf("Job completed successfully with %d files", len(all)), "")

	return all, nil
}

// runEngine launches the CAD engine subprocess with the hard job timeout and
// a heartbeat goroutine reporting liveness while it runs
func (e *Executor) runEngine(ctx context.Context, job *domain.Job, scratchDir string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.jobTimeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, e.workerCfg.CADCommand, job.ScriptPath)
	cmd.Dir = scratchDir
	cmd.Env = e.commandEnv()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("Executing CAD command",
		slog.String("job_id", job.JobID),
		slog.String("command", e.workerCfg.CADCommand),
		slog.String("script", job.ScriptPath),
	)

	stopHeartbeat := e.startHeartbeat(ctx, job)
	runErr := cmd.Run()
	stopHeartbeat()

	if runCtx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), &ExecutionError{
			Message: fmt.Sprintf("CAD command timed out after %s", e.jobTimeout()),
		}
	}

	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		details := &domain.FailureDetails{
			ErrorHint:  extractErrorHint(stdout.String(), stderr.String()),
			StdoutTail: tailLines(stdout.String(), outputTailLines),
			StderrTail: tailLines(stderr.String(), outputTailLines),
		}
		return stdout.String(), stderr.String(), &ExecutionError{
			Message: fmt.Sprintf("CAD command failed with exit code %d", exitCode),
			Details: details,
		}
	}

	e.logger.Info("CAD command finished",
		slog.String("job_id", job.JobID),
	)

	return stdout.String(), stderr.String(), nil
}

// deriveAll runs the derived-artifact pipeline over every primary STEP
// artifact. PDF failures are logged and skipped; JSON failures fail the job
// unless the fatality toggle is off.
func (e *Executor) deriveAll(ctx context.Context, job *domain.Job, artifacts []domain.Artifact) ([]domain.Artifact, *ExecutionError) {
	var derived []domain.Artifact

	for i, artifact := range artifacts {
		if artifact.Type != domain.ArtifactTypeStep {
			continue
		}

		pct := 70 + (i+1)*20/len(artifacts)
		e.publishProgress(job.UserID, pct, domain.ProgressStatusRunning,
			fmt.Sprintf("Processing file %d/%d: %s", i+1, len(artifacts), artifact.Filename), "")

		if pdfPath, err := e.derivePDF(ctx, artifact.Path); err != nil {
			e.logger.Warn("PDF generation failed",
				slog.String("job_id", job.JobID),
				slog.String("step_file", artifact.Filename),
				slog.Any("error", err),
			)
		} else {
			derived = append(derived, domain.Artifact{
				Type:     domain.ArtifactTypePDF,
				Path:     pdfPath,
				Filename: filepath.Base(pdfPath),
			})
		}

		jsonPath, err := e.deriveJSON(ctx, artifact.Path, job.UserID)
		if err != nil {
			if e.workerCfg.JSONFatal() {
				return nil, &ExecutionError{
					Message: err.Error(),
					Details: &domain.FailureDetails{ErrorHint: "JSON conversion failed for " + artifact.Filename},
				}
			}
			e.logger.Warn("JSON generation failed (non-fatal by configuration)",
				slog.String("job_id", job.JobID),
				slog.String("step_file", artifact.Filename),
				slog.Any("error", err),
			)
			continue
		}

		derived = append(derived, domain.Artifact{
			Type:     domain.ArtifactTypeJSON,
			Path:     jsonPath,
			Filename: filepath.Base(jsonPath),
		})
	}

	return derived, nil
}

// startHeartbeat launches the liveness goroutine for a running engine. Every
// interval it bumps the creeping progress value, publishes it, and stamps the
// Job Record heartbeat. The returned func stops the goroutine and waits for
// it.
func (e *Executor) startHeartbeat(ctx context.Context, job *domain.Job) func() {
	interval := e.workerCfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		value := heartbeatProgressFloor
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if value+heartbeatProgressStep <= heartbeatProgressCeil {
					value += heartbeatProgressStep
				}
				e.publishProgress(job.UserID, value, domain.ProgressStatusRunning,
					fmt.Sprintf("CAD script is running... (progress: %d%%)", value), "")
				if err := e.heartbeats.UpdateJobHeartbeat(ctx, job.JobID); err != nil {
					e.logger.Warn("Failed to record job heartbeat",
						slog.String("job_id", job.JobID),
						slog.Any("error", err),
					)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

// fail builds a failure report and funnels it through report
func (e *Executor) fail(job *domain.Job, message string, details *domain.FailureDetails) error {
	return e.report(job, &ExecutionError{Message: message, Details: details})
}

// report is the single failure funnel: every terminal failure publishes a
// failed status and a zeroed progress event before surfacing the error
func (e *Executor) report(job *domain.Job, execErr *ExecutionError) error {
	detail := ""
	if execErr.Details != nil && execErr.Details.ErrorHint != "" {
		detail = execErr.Details.ErrorHint
	}

	e.publishStatus(job.UserID, domain.ProgressStatusFailed, execErr.Message, detail)
	e.publishProgress(job.UserID, 0, domain.ProgressStatusFailed, execErr.Message, detail)

	return execErr
}

// commandEnv returns the subprocess environment, extending the module search
// path with the CAD engine libraries when configured
func (e *Executor) commandEnv() []string {
	env := os.Environ()
	if e.workerCfg.CADLibraryPath != "" {
		env = append(env, "PYTHONPATH="+e.workerCfg.CADLibraryPath)
	}
	return env
}

func (e *Executor) jobTimeout() time.Duration {
	if e.workerCfg.JobTimeout > 0 {
		return e.workerCfg.JobTimeout
	}
	return time.Hour
}

// cleanupScript removes the persisted script and its parent directory when
// that leaves the directory empty
func (e *Executor) cleanupScript(scriptPath string) {
	if scriptPath == "" {
		return
	}
	if err := os.Remove(scriptPath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("Could not cleanup script file",
			slog.String("script", scriptPath),
			slog.Any("error", err),
		)
		return
	}

	parent := filepath.Dir(scriptPath)
	if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
		_ = os.Remove(parent)
	}
}

// publishProgress sends a best-effort progress event; a disconnected channel
// is routine and only logged at debug
func (e *Executor) publishProgress(userID string, percent int, status, message, errMsg string) {
	if err := e.progress.PublishProgress(userID, percent, status, message, errMsg); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, progress.ErrNotConnected) {
			level = slog.LevelDebug
		}
		e.logger.Log(context.Background(), level, "Progress publish failed",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

func (e *Executor) publishStatus(userID, status, message, errMsg string) {
	if err := e.progress.PublishStatus(userID, status, message, errMsg); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, progress.ErrNotConnected) {
			level = slog.LevelDebug
		}
		e.logger.Log(context.Background(), level, "Status publish failed",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}
