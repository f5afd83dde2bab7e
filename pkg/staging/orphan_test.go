package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalcrane/portalcrane/pkg/audit"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()
	sink, err := audit.NewSink(filepath.Join(root, "audit.jsonl"), 10)
	require.NoError(t, err)
	e, err := NewEngine(filepath.Join(root, "staging"), "127.0.0.1:5000", Policy{}, sink)
	require.NoError(t, err)
	return e
}

func Test_ListOrphans_FindsUnknownDirectories(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, os.MkdirAll(filepath.Join(e.StagingRoot, "ghost-job"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.StagingRoot, "ghost-job", "index.json"), []byte("{}"), 0o644))

	orphans, err := e.ListOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "ghost-job", orphans[0].JobID)
}

func Test_ListOrphans_ExcludesKnownJobs(t *testing.T) {
	e := newTestEngine(t)
	job, err := e.Pull(context.Background(), PullRequest{Image: "library/alpine", Tag: "latest"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(e.StagingRoot, job.JobID), 0o755))

	orphans, err := e.ListOrphans()
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func Test_PurgeOrphans_RemovesDirectories(t *testing.T) {
	e := newTestEngine(t)
	dir := filepath.Join(e.StagingRoot, "stale-job")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	removed, err := e.PurgeOrphans()
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-job"}, removed)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func Test_DeleteJob_RemovesStagingDirectory(t *testing.T) {
	e := newTestEngine(t)
	job, err := e.Pull(context.Background(), PullRequest{Image: "library/alpine", Tag: "latest"})
	require.NoError(t, err)
	dir := filepath.Join(e.StagingRoot, job.JobID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, e.DeleteJob(job.JobID))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	_, ok := e.GetJob(job.JobID)
	assert.False(t, ok)
}

func Test_Pull_RequiresImageAndTag(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Pull(context.Background(), PullRequest{Image: "", Tag: "latest"})
	assert.Error(t, err)
}
