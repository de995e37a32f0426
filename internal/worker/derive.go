package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// converterScript is the interchange-JSON conversion program handed to the
// CAD engine. It runs inside the engine's interpreter, the same way the
// user's own scripts do.
const converterScript = `import sys
from step_converter import OnShapeJSONConverter

converter = OnShapeJSONConverter()
success = converter.convert('%s', '%s')
if success:
    print("JSON conversion completed successfully!")
else:
    print("JSON conversion failed!")
    sys.exit(1)
`

// derivePDF runs the external drawing generator against a promoted STEP
// artifact and places <stem>.pdf next to it in the storage root. Any failure
// is reported as a reason string; PDF derivation never fails the job.
func (e *Executor) derivePDF(ctx context.Context, stepPath string) (string, error) {
	command := e.workerCfg.DrawingCommand
	if command == "" {
		return "", fmt.Errorf("PDF generation not available - drawing command not configured")
	}
	if _, err := exec.LookPath(command); err != nil {
		return "", fmt.Errorf("PDF generation not available - %s not found", command)
	}

	pdfPath := filepath.Join(e.storageCfg.Root, artifactStem(stepPath)+".pdf")

	runCtx, cancel := context.WithTimeout(ctx, e.convertTimeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, stepPath, pdfPath)
	output, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("PDF generation timed out after %s", e.convertTimeout())
	}
	if err != nil {
		return "", fmt.Errorf("PDF generation failed: %s", firstLine(string(output), err.Error()))
	}

	if !fileExists(pdfPath) {
		return "", fmt.Errorf("PDF file was not created at %s", pdfPath)
	}

	e.logger.Info("PDF generated",
		slog.String("step_file", stepPath),
		slog.String("pdf_file", pdfPath),
	)

	return pdfPath, nil
}

// deriveJSON runs a second CAD-engine subprocess to convert a promoted STEP
// artifact into interchange JSON. The conversion gets its own independent
// timeout; CAD jobs that took an hour to model can take nearly as long to
// convert.
func (e *Executor) deriveJSON(ctx context.Context, stepPath, userID string) (string, error) {
	jsonPath := filepath.Join(e.storageCfg.Root, artifactStem(stepPath)+".json")
	scriptPath := filepath.Join(e.storageCfg.Root, fmt.Sprintf("converter_%s.py", userID))

	script := fmt.Sprintf(converterScript, stepPath, jsonPath)
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("failed to write converter script: %w", err)
	}
	defer os.Remove(scriptPath)

	runCtx, cancel := context.WithTimeout(ctx, e.convertTimeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.workerCfg.CADCommand, scriptPath)
	cmd.Env = e.commandEnv()
	output, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf(
			"JSON generation timed out after %s. This may happen with very large/complex STEP files.",
			e.convertTimeout(),
		)
	}
	if err != nil {
		return "", fmt.Errorf("CAD command failed during JSON conversion: %s",
			firstLine(string(output), err.Error()))
	}

	if !fileExists(jsonPath) {
		return "", fmt.Errorf("JSON file was not created at %s", jsonPath)
	}

	e.logger.Info("JSON generated",
		slog.String("step_file", stepPath),
		slog.String("json_file", jsonPath),
	)

	return jsonPath, nil
}

func (e *Executor) convertTimeout() time.Duration {
	if e.workerCfg.ConvertTimeout > 0 {
		return e.workerCfg.ConvertTimeout
	}
	return time.Hour
}

// artifactStem returns the filename without its extension
func artifactStem(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func firstLine(output, fallback string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return fallback
	}
	if idx := strings.IndexByte(output, '\n'); idx >= 0 {
		return output[:idx]
	}
	return output
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
