package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DirSize(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), make([]byte, 100), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b"), make([]byte, 50), 0o644))

	size, err := dirSize(root)
	require.NoError(t, err)
	assert.Equal(t, int64(150), size)
}

func Test_GhostPathPattern_ExtractsRepoName(t *testing.T) {
	output := "blob unknown: Error deleting blob: Path not found: /docker/registry/v2/repositories/library/ghost-app/_layers"
	matches := ghostPathPattern.FindStringSubmatch(output)
	require.Len(t, matches, 3)
	assert.Equal(t, "library/ghost-app", matches[2])
}

func Test_GhostPathPattern_NoMatchOnCleanOutput(t *testing.T) {
	assert.Nil(t, ghostPathPattern.FindStringSubmatch("blobs marked, 0 blobs and 0 manifests eligible for deletion"))
}

func Test_PurgeGhostRepository_RefusesTraversal(t *testing.T) {
	dataRoot := t.TempDir()
	c := New(dataRoot, filepath.Join(dataRoot, "config.yml"), "registry", nil, nil)

	err := c.PurgeGhostRepository("../../etc")
	assert.Error(t, err)
}

func Test_PurgeGhostRepository_RemovesKnownRepo(t *testing.T) {
	dataRoot := t.TempDir()
	reposRoot := filepath.Join(dataRoot, "docker", "registry", "v2", "repositories")
	target := filepath.Join(reposRoot, "library", "ghost-app")
	require.NoError(t, os.MkdirAll(target, 0o755))

	c := New(dataRoot, filepath.Join(dataRoot, "config.yml"), "registry", nil, nil)
	require.NoError(t, c.PurgeGhostRepository("library/ghost-app"))

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func Test_State_StartsIdle(t *testing.T) {
	c := New(t.TempDir(), "config.yml", "registry", nil, nil)
	assert.Equal(t, "idle", string(c.State().Status))
}
