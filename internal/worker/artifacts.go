package worker

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/trananhduc/cadforge/internal/worker/domain"
)

// promoteArtifacts walks dir for model files and promotes each one into
// storageRoot under a name that embeds the owning user id. When consume is
// set the source file is deleted after promotion; that mode is for the shared
// fallback directory, where leftovers would be picked up by the next job.
func promoteArtifacts(dir, storageRoot, userID string, consume bool, logger *slog.Logger) ([]domain.Artifact, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var artifacts []domain.Artifact

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		artifactType, ok := modelArtifactType(d.Name())
		if !ok {
			return nil
		}

		ext := filepath.Ext(d.Name())
		stem := strings.TrimSuffix(d.Name(), ext)
		promotedName := fmt.Sprintf("%s_%s%s", stem, userID, ext)
		promotedPath := filepath.Join(storageRoot, promotedName)

		if err := copyFile(path, promotedPath); err != nil {
			return fmt.Errorf("failed to promote %s: %w", d.Name(), err)
		}

		artifacts = append(artifacts, domain.Artifact{
			Type:     artifactType,
			Path:     promotedPath,
			Filename: promotedName,
		})

		if consume {
			if err := os.Remove(path); err != nil {
				logger.Warn("Failed to remove consumed fallback file",
					slog.String("path", path),
					slog.Any("error", err),
				)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return artifacts, nil
}

// modelArtifactType classifies a filename as a promotable model artifact
func modelArtifactType(name string) (string, bool) {
	switch {
	case strings.HasSuffix(name, ".step"):
		return domain.ArtifactTypeStep, true
	case strings.HasSuffix(name, ".obj"):
		return domain.ArtifactTypeObj, true
	default:
		return "", false
	}
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	target, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		return err
	}
	return target.Sync()
}
