package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalcrane/portalcrane/pkg/model"
)

func Test_UserStore_CreateAndFind(t *testing.T) {
	s, err := NewUserStore(t.TempDir())
	require.NoError(t, err)

	created, err := s.Create(model.LocalUser{Username: "alice", PasswordHash: "hash"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	found, ok := s.FindUser("alice")
	assert.True(t, ok)
	assert.Equal(t, created.ID, found.ID)

	_, err = s.Create(model.LocalUser{Username: "alice"})
	assert.Error(t, err, "duplicate usernames must be rejected")
}

func Test_UserStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewUserStore(dir)
	require.NoError(t, err)
	_, err = s1.Create(model.LocalUser{Username: "bob", PasswordHash: "hash"})
	require.NoError(t, err)

	s2, err := NewUserStore(dir)
	require.NoError(t, err)
	_, ok := s2.FindUser("bob")
	assert.True(t, ok)
}

func Test_UserStore_Delete(t *testing.T) {
	s, err := NewUserStore(t.TempDir())
	require.NoError(t, err)
	u, err := s.Create(model.LocalUser{Username: "carol"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(u.ID))
	_, ok := s.FindUser("carol")
	assert.False(t, ok)

	assert.Error(t, s.Delete(u.ID), "deleting an already-removed user must error")
}

func Test_FolderStore_FolderForPath(t *testing.T) {
	s, err := NewFolderStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Create(model.Folder{Name: "production"})
	require.NoError(t, err)

	folder, ok := s.FolderForPath("production/my-app")
	assert.True(t, ok)
	assert.Equal(t, "production", folder.Name)

	_, ok = s.FolderForPath("staging/my-app")
	assert.False(t, ok)
}

func Test_FolderStore_SetPermission_UpsertsByUsername(t *testing.T) {
	s, err := NewFolderStore(t.TempDir())
	require.NoError(t, err)
	folder, err := s.Create(model.Folder{Name: "production"})
	require.NoError(t, err)

	require.NoError(t, s.SetPermission(folder.ID, model.FolderPermission{Username: "alice", CanPull: true}))
	require.NoError(t, s.SetPermission(folder.ID, model.FolderPermission{Username: "alice", CanPull: true, CanPush: true}))

	found, _ := s.FolderForPath("production/app")
	require.Len(t, found.Permissions, 1)
	assert.True(t, found.Permissions[0].CanPush)
}

func Test_RegistryStore_ListRedactsPassword(t *testing.T) {
	s, err := NewRegistryStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Create(model.ExternalRegistry{Name: "mirror", Password: "s3cr3t"})
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "••••••••", list[0].Password)

	unredacted, ok := s.Get(list[0].ID)
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", unredacted.Password)
}
