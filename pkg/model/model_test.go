package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_JobStatus_Terminal(t *testing.T) {
	assert.True(t, JobDone.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobScanVulnerable.Terminal())
	assert.False(t, JobPulling.Terminal())
	assert.False(t, JobScanClean.Terminal())
}

func Test_JobStatus_Pushable(t *testing.T) {
	assert.True(t, JobScanClean.Pushable())
	assert.True(t, JobScanSkipped.Pushable())
	assert.True(t, JobDone.Pushable())
	assert.False(t, JobPending.Pushable())
	assert.False(t, JobScanVulnerable.Pushable())
}

func Test_SeverityCounts_Get(t *testing.T) {
	c := SeverityCounts{Critical: 1, High: 2, Medium: 3, Low: 4, Unknown: 5}
	assert.Equal(t, 1, c.Get("CRITICAL"))
	assert.Equal(t, 2, c.Get("HIGH"))
	assert.Equal(t, 5, c.Get("anything-else"))
}

func Test_Folder_PermissionFor(t *testing.T) {
	f := Folder{Permissions: []FolderPermission{{Username: "alice", CanPull: true}}}
	perm, ok := f.PermissionFor("alice")
	assert.True(t, ok)
	assert.True(t, perm.CanPull)

	_, ok = f.PermissionFor("bob")
	assert.False(t, ok)
}

func Test_ExternalRegistry_Redacted(t *testing.T) {
	r := ExternalRegistry{Name: "prod-mirror", Password: "s3cr3t"}
	redacted := r.Redacted()
	assert.Equal(t, "••••••••", redacted.Password)
	assert.Equal(t, "s3cr3t", r.Password, "Redacted must not mutate the receiver")

	empty := ExternalRegistry{Name: "no-auth"}
	assert.Empty(t, empty.Redacted().Password)
}
