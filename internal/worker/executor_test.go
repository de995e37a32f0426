package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trananhduc/cadforge/internal/config"
	"github.com/trananhduc/cadforge/internal/worker/domain"
	"github.com/trananhduc/cadforge/shared/logger"
)

type publishedEvent struct {
	kind     string // "progress" or "status"
	userID   string
	percent  int
	status   string
	message  string
	errorMsg string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) PublishProgress(userID string, percent int, status, message, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{"progress", userID, percent, status, message, errMsg})
	return nil
}

func (f *fakePublisher) PublishStatus(userID, status, message, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{"status", userID, 0, status, message, errMsg})
	return nil
}

func (f *fakePublisher) lastStatus() (publishedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].kind == "status" {
			return f.events[i], true
		}
	}
	return publishedEvent{}, false
}

func (f *fakePublisher) snapshot() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedEvent(nil), f.events...)
}

type fakeHeartbeats struct {
	mu    sync.Mutex
	count int
}

func (f *fakeHeartbeats) UpdateJobHeartbeat(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *fakeHeartbeats) beats() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// fakeEngine is a stand-in CAD command. When invoked on a conversion script
// it extracts the JSON destination and writes it; otherwise it creates a
// model file in its working directory.
const fakeEngine = `#!/bin/sh
case "$1" in
  *converter_*)
    dest=$(sed -n "s/.*convert('.*', '\(.*\)').*/\1/p" "$1")
    echo '{}' > "$dest"
    ;;
  *)
    printf 'solid box' > box.step
    ;;
esac
`

const failingEngine = `#!/bin/sh
echo "Traceback (most recent call last):" >&2
echo "ModuleNotFoundError: No module named 'Part'" >&2
exit 1
`

const emptyEngine = `#!/bin/sh
echo "script ran, nothing exported"
exit 0
`

const brokenConverterEngine = `#!/bin/sh
case "$1" in
  *converter_*)
    echo "JSON conversion failed!"
    exit 1
    ;;
  *)
    printf 'solid box' > box.step
    ;;
esac
`

func writeCommand(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestExecutor(t *testing.T, engineScript string, mutate func(*config.WorkerConfig, *config.StorageConfig)) (*Executor, *fakePublisher, *fakeHeartbeats, *config.StorageConfig) {
	t.Helper()

	workerCfg := &config.WorkerConfig{
		CADCommand:        writeCommand(t, engineScript),
		JobTimeout:        30 * time.Second,
		ConvertTimeout:    30 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	}
	storageCfg := &config.StorageConfig{
		Root:        t.TempDir(),
		FallbackDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(workerCfg, storageCfg)
	}

	publisher := &fakePublisher{}
	heartbeats := &fakeHeartbeats{}
	executor := NewExecutor(workerCfg, storageCfg, publisher, heartbeats, logger.NewDefault().Logger)
	return executor, publisher, heartbeats, storageCfg
}

func newTestJob(t *testing.T, storageCfg *config.StorageConfig, userID string) *domain.Job {
	t.Helper()
	scriptPath := filepath.Join(storageCfg.Root, "script_"+userID+"_model.py")
	require.NoError(t, os.WriteFile(scriptPath, []byte("# model script"), 0o644))
	return &domain.Job{
		JobID:      "job-1",
		UserID:     userID,
		ScriptName: "model.py",
		ScriptPath: scriptPath,
		Status:     domain.JobStatusStarted,
	}
}

func TestExecute_SuccessPromotesAndDerives(t *testing.T) {
	executor, publisher, _, storageCfg := newTestExecutor(t, fakeEngine, nil)
	job := newTestJob(t, storageCfg, "u1")

	artifacts, err := executor.Execute(context.Background(), job)
	require.NoError(t, err)

	types := map[string]string{}
	for _, artifact := range artifacts {
		types[artifact.Type] = artifact.Filename
	}
	assert.Equal(t, "box_u1.step", types[domain.ArtifactTypeStep])
	assert.Equal(t, "box_u1.json", types[domain.ArtifactTypeJSON])
	assert.NotContains(t, types, domain.ArtifactTypePDF, "no drawing command configured")

	// Promoted copies land in the storage root
	assert.FileExists(t, filepath.Join(storageCfg.Root, "box_u1.step"))
	assert.FileExists(t, filepath.Join(storageCfg.Root, "box_u1.json"))

	// Terminal cleanup: scratch dir and script are gone
	assert.NoDirExists(t, filepath.Join(storageCfg.Root, "user_u1"))
	assert.NoFileExists(t, job.ScriptPath)

	status, ok := publisher.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.ProgressStatusFinished, status.status)

	var sawFull bool
	for _, event := range publisher.snapshot() {
		if event.kind == "progress" && event.percent == 100 {
			sawFull = true
		}
	}
	assert.True(t, sawFull, "expected a 100%% progress event")
}

func TestExecute_EngineFailureClassified(t *testing.T) {
	executor, publisher, _, storageCfg := newTestExecutor(t, failingEngine, nil)
	job := newTestJob(t, storageCfg, "u1")

	_, err := executor.Execute(context.Background(), job)
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "CAD command failed with exit code 1", execErr.Message)
	require.NotNil(t, execErr.Details)
	assert.Contains(t, execErr.Details.ErrorHint, "ImportError")
	assert.NotEmpty(t, execErr.Details.StderrTail)

	status, ok := publisher.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.ProgressStatusFailed, status.status)

	// Script cleanup happens on failure paths too
	assert.NoFileExists(t, job.ScriptPath)
}

func TestExecute_NoArtifactsIsFailure(t *testing.T) {
	executor, _, _, storageCfg := newTestExecutor(t, emptyEngine, nil)
	job := newTestJob(t, storageCfg, "u1")

	_, err := executor.Execute(context.Background(), job)
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "No STEP or OBJ files were generated", execErr.Message)
	require.NotNil(t, execErr.Details)
}

func TestExecute_FallbackDirConsumed(t *testing.T) {
	executor, _, _, storageCfg := newTestExecutor(t, emptyEngine, nil)
	job := newTestJob(t, storageCfg, "u1")

	fallbackFile := filepath.Join(storageCfg.FallbackDir, "plate.obj")
	require.NoError(t, os.WriteFile(fallbackFile, []byte("obj data"), 0o644))

	artifacts, err := executor.Execute(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, artifacts, 1)
	assert.Equal(t, domain.ArtifactTypeObj, artifacts[0].Type)
	assert.Equal(t, "plate_u1.obj", artifacts[0].Filename)

	// Fallback files are consumed, not just copied
	assert.NoFileExists(t, fallbackFile)
	assert.FileExists(t, filepath.Join(storageCfg.Root, "plate_u1.obj"))
}

func TestExecute_JSONFailureFatalByDefault(t *testing.T) {
	executor, publisher, _, storageCfg := newTestExecutor(t, brokenConverterEngine, nil)
	job := newTestJob(t, storageCfg, "u1")

	_, err := executor.Execute(context.Background(), job)
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "JSON conversion")

	status, ok := publisher.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.ProgressStatusFailed, status.status)
}

func TestExecute_JSONFailureTolerableWhenConfigured(t *testing.T) {
	nonFatal := false
	executor, publisher, _, storageCfg := newTestExecutor(t, brokenConverterEngine,
		func(workerCfg *config.WorkerConfig, _ *config.StorageConfig) {
			workerCfg.JSONFailureFatal = &nonFatal
		})
	job := newTestJob(t, storageCfg, "u1")

	artifacts, err := executor.Execute(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, artifacts, 1)
	assert.Equal(t, domain.ArtifactTypeStep, artifacts[0].Type)

	status, ok := publisher.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.ProgressStatusFinished, status.status)
}

// drawingStub stands in for the external drawing generator: it is invoked as
// <cmd> <step> <pdf> and just writes the destination file.
const drawingStub = `#!/bin/sh
echo 'PDF stub' > "$2"
`

func withDrawingCommand(t *testing.T) func(*config.WorkerConfig, *config.StorageConfig) {
	t.Helper()
	stubPath := filepath.Join(t.TempDir(), "drawing.sh")
	require.NoError(t, os.WriteFile(stubPath, []byte(drawingStub), 0o755))
	return func(workerCfg *config.WorkerConfig, _ *config.StorageConfig) {
		workerCfg.DrawingCommand = stubPath
	}
}

func TestExecute_DrawingCommandProducesPDF(t *testing.T) {
	executor, publisher, _, storageCfg := newTestExecutor(t, fakeEngine, withDrawingCommand(t))
	job := newTestJob(t, storageCfg, "u1")

	artifacts, err := executor.Execute(context.Background(), job)
	require.NoError(t, err)

	types := map[string]string{}
	for _, artifact := range artifacts {
		types[artifact.Type] = artifact.Filename
	}
	assert.Equal(t, "box_u1.step", types[domain.ArtifactTypeStep])
	assert.Equal(t, "box_u1.pdf", types[domain.ArtifactTypePDF])
	assert.Equal(t, "box_u1.json", types[domain.ArtifactTypeJSON])
	assert.FileExists(t, filepath.Join(storageCfg.Root, "box_u1.pdf"))

	status, ok := publisher.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.ProgressStatusFinished, status.status)
}

// A PDF that was already derived does not soften a fatal JSON conversion
// failure: the job still fails, but the PDF stays on disk.
func TestExecute_JSONFailureAfterPDFSuccess(t *testing.T) {
	executor, publisher, _, storageCfg := newTestExecutor(t, brokenConverterEngine, withDrawingCommand(t))
	job := newTestJob(t, storageCfg, "u1")

	_, err := executor.Execute(context.Background(), job)
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "JSON conversion")

	status, ok := publisher.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.ProgressStatusFailed, status.status)

	assert.FileExists(t, filepath.Join(storageCfg.Root, "box_u1.pdf"))
	assert.NoFileExists(t, filepath.Join(storageCfg.Root, "box_u1.json"))
}

func TestExecute_TimeoutKillsEngine(t *testing.T) {
	slowEngine := "#!/bin/sh\nsleep 5\n"
	executor, publisher, _, storageCfg := newTestExecutor(t, slowEngine,
		func(workerCfg *config.WorkerConfig, _ *config.StorageConfig) {
			workerCfg.JobTimeout = 100 * time.Millisecond
		})
	job := newTestJob(t, storageCfg, "u1")

	start := time.Now()
	_, err := executor.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "timeout must kill the subprocess")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "timed out")

	status, ok := publisher.lastStatus()
	require.True(t, ok)
	assert.Equal(t, domain.ProgressStatusFailed, status.status)
}

func TestExecute_HeartbeatReportsLiveness(t *testing.T) {
	// Engine slow enough for several heartbeat ticks at 50ms interval
	slowEngine := `#!/bin/sh
case "$1" in
  *converter_*) exit 1 ;;
  *) sleep 0.4; printf 'solid' > box.step ;;
esac
`
	nonFatal := false
	executor, publisher, heartbeats, storageCfg := newTestExecutor(t, slowEngine,
		func(workerCfg *config.WorkerConfig, _ *config.StorageConfig) {
			// Keep the converter out of the way; liveness is the subject here
			workerCfg.JSONFailureFatal = &nonFatal
		})
	job := newTestJob(t, storageCfg, "u1")

	_, err := executor.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Greater(t, heartbeats.beats(), 0, "heartbeat must stamp the job record")

	var creep []int
	for _, event := range publisher.snapshot() {
		if event.kind == "progress" && event.status == domain.ProgressStatusRunning &&
			event.percent >= heartbeatProgressFloor && event.percent <= heartbeatProgressCeil {
			creep = append(creep, event.percent)
		}
	}
	require.NotEmpty(t, creep, "expected heartbeat progress events")
	for _, value := range creep {
		assert.GreaterOrEqual(t, value, heartbeatProgressFloor)
		assert.LessOrEqual(t, value, heartbeatProgressCeil)
	}
}
