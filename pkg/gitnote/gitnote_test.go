package gitnote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalcrane/portalcrane/pkg/model"
)

func Test_Open_InitializesRepoWhenMissing(t *testing.T) {
	dir := t.TempDir()

	n, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "gc-history.md", n.FileName)

	_, err = os.Stat(filepath.Join(dir, ".git"))
	assert.NoError(t, err, "Open must git-init the directory when .git is absent")
}

func Test_Open_ReusesExistingRepo(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir)
	require.NoError(t, err)

	n, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, n.RepoDir)
}

func Test_RecordGC_AppendsLineAndCommits(t *testing.T) {
	dir := t.TempDir()
	n, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, n.RecordGC(model.GCState{Status: "done", FreedBytes: 1024}))

	contents, err := os.ReadFile(filepath.Join(dir, "gc-history.md"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "status=done")
	assert.Contains(t, string(contents), "freed_bytes=1024")
}

func Test_RecordGC_RecordsErrorState(t *testing.T) {
	dir := t.TempDir()
	n, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, n.RecordGC(model.GCState{Status: "failed", Error: "supervisor unreachable"}))

	contents, err := os.ReadFile(filepath.Join(dir, "gc-history.md"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), `error="supervisor unreachable"`)
}

func Test_RecordGC_AppendsAcrossMultipleRuns(t *testing.T) {
	dir := t.TempDir()
	n, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, n.RecordGC(model.GCState{Status: "done", FreedBytes: 10}))
	require.NoError(t, n.RecordGC(model.GCState{Status: "done", FreedBytes: 20}))

	contents, err := os.ReadFile(filepath.Join(dir, "gc-history.md"))
	require.NoError(t, err)
	assert.Equal(t, 2, len(splitNonEmptyLines(string(contents))))
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
