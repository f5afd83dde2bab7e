package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalcrane/portalcrane/pkg/model"
)

func Test_HashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "correct-horse"))
	assert.False(t, VerifyPassword(hash, "wrong-password"))
}

func Test_HashPassword_TruncatesAtBcryptLimit(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	hash, err := HashPassword(string(long))
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, string(long[:bcryptMaxLen])))
}

func Test_IssueAndDecodeBearerToken(t *testing.T) {
	token, err := IssueToken("secret", "alice", time.Hour)
	require.NoError(t, err)

	sub, ok := DecodeBearerUsername("secret", token)
	assert.True(t, ok)
	assert.Equal(t, "alice", sub)

	_, ok = DecodeBearerUsername("wrong-secret", token)
	assert.False(t, ok)
}

func Test_DecodeBearerUsername_Expired(t *testing.T) {
	token, err := IssueToken("secret", "alice", -time.Hour)
	require.NoError(t, err)
	_, ok := DecodeBearerUsername("secret", token)
	assert.False(t, ok)
}

func Test_DecodeBasicAuth(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("alice:hunter2"))
	user, pass, ok := DecodeBasicAuth("Basic " + encoded)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "hunter2", pass)

	_, _, ok = DecodeBasicAuth("Bearer sometoken")
	assert.False(t, ok)

	_, _, ok = DecodeBasicAuth("Basic not-base64!!")
	assert.False(t, ok)
}

type fakeFolderStore struct {
	folders map[string]model.Folder
}

func (f *fakeFolderStore) FolderForPath(imagePath string) (model.Folder, bool) {
	first := imagePath
	for i, r := range imagePath {
		if r == '/' {
			first = imagePath[:i]
			break
		}
	}
	folder, ok := f.folders[first]
	return folder, ok
}

func Test_Authorize(t *testing.T) {
	folders := &fakeFolderStore{folders: map[string]model.Folder{
		"production": {
			Name: "production",
			Permissions: []model.FolderPermission{
				{Username: "alice", CanPull: true, CanPush: true},
				{Username: "bob", CanPull: true, CanPush: false},
			},
		},
	}}

	tests := []struct {
		name      string
		principal model.Principal
		path      string
		class     MethodClass
		wantOK    bool
	}{
		{name: "admin always passes", principal: model.Principal{Username: "root", IsAdmin: true}, path: "anything/image", class: ClassPush, wantOK: true},
		{name: "folder grants push", principal: model.Principal{Username: "alice"}, path: "production/image", class: ClassPush, wantOK: true},
		{name: "folder denies push without permission", principal: model.Principal{Username: "bob"}, path: "production/image", class: ClassPush, wantOK: false},
		{name: "push outside folder denied for non-admin", principal: model.Principal{Username: "alice", CanPushGlobal: true}, path: "unmanaged/image", class: ClassPush, wantOK: false},
		{name: "pull outside folder falls back to global", principal: model.Principal{Username: "carol", CanPullGlobal: true}, path: "unmanaged/image", class: ClassPull, wantOK: true},
		{name: "pull outside folder denied without global", principal: model.Principal{Username: "dave"}, path: "unmanaged/image", class: ClassPull, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Authorize(folders, tt.principal, tt.path, tt.class)
			assert.Equal(t, tt.wantOK, ok, reason)
		})
	}
}

func Test_ExtractImagePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "production/app/manifests/latest", want: "production/app"},
		{in: "production/app/blobs/sha256:abcd", want: "production/app"},
		{in: "production/app/tags/list", want: "production/app"},
		{in: "production/app", want: "production/app"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractImagePath(tt.in))
	}
}

func Test_Resolver_Authenticate_AdminBasic(t *testing.T) {
	r := &Resolver{SecretKey: "secret", AdminUsername: "admin", AdminPassword: "adminpass"}
	encoded := base64.StdEncoding.EncodeToString([]byte("admin:adminpass"))
	p, ok := r.Authenticate("Basic " + encoded)
	require.True(t, ok)
	assert.True(t, p.IsAdmin)

	encoded = base64.StdEncoding.EncodeToString([]byte("admin:wrong"))
	_, ok = r.Authenticate("Basic " + encoded)
	assert.False(t, ok)
}
