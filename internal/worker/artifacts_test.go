package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trananhduc/cadforge/internal/worker/domain"
	"github.com/trananhduc/cadforge/shared/logger"
)

func TestPromoteArtifacts_RenamesAndCopies(t *testing.T) {
	scratch := t.TempDir()
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(scratch, "box.step"), []byte("step data"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(scratch, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "nested", "mesh.obj"), []byte("obj data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "notes.txt"), []byte("ignored"), 0o644))

	artifacts, err := promoteArtifacts(scratch, root, "u1", false, logger.NewDefault().Logger)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	byName := map[string]domain.Artifact{}
	for _, artifact := range artifacts {
		byName[artifact.Filename] = artifact
	}

	step, ok := byName["box_u1.step"]
	require.True(t, ok)
	assert.Equal(t, domain.ArtifactTypeStep, step.Type)
	content, err := os.ReadFile(step.Path)
	require.NoError(t, err)
	assert.Equal(t, "step data", string(content))

	obj, ok := byName["mesh_u1.obj"]
	require.True(t, ok)
	assert.Equal(t, domain.ArtifactTypeObj, obj.Type)

	// Non-consuming scan leaves the sources in place
	assert.FileExists(t, filepath.Join(scratch, "box.step"))
	assert.FileExists(t, filepath.Join(scratch, "notes.txt"))
}

func TestPromoteArtifacts_ConsumeDeletesSources(t *testing.T) {
	fallback := t.TempDir()
	root := t.TempDir()

	source := filepath.Join(fallback, "plate.step")
	require.NoError(t, os.WriteFile(source, []byte("step data"), 0o644))

	artifacts, err := promoteArtifacts(fallback, root, "u2", true, logger.NewDefault().Logger)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	assert.NoFileExists(t, source)
	assert.FileExists(t, filepath.Join(root, "plate_u2.step"))
	// The directory itself survives consumption
	assert.DirExists(t, fallback)
}

func TestPromoteArtifacts_MissingDirIsEmpty(t *testing.T) {
	artifacts, err := promoteArtifacts(filepath.Join(t.TempDir(), "absent"), t.TempDir(), "u1", false, logger.NewDefault().Logger)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestPromoteArtifacts_EmptyDirIsEmpty(t *testing.T) {
	artifacts, err := promoteArtifacts(t.TempDir(), t.TempDir(), "u1", false, logger.NewDefault().Logger)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}
