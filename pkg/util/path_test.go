package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ValidateFolderPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "empty is allowed", path: "", want: ""},
		{name: "simple segment", path: "production", want: "production"},
		{name: "trims trailing slash", path: "production/", want: "production"},
		{name: "leading slash without trailing", path: "/production", wantErr: true},
		{name: "traversal segment", path: "prod/../etc", wantErr: true},
		{name: "disallowed characters", path: "prod$uction", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateFolderPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_WithinRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "jobs", "abc")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	t.Run("nested path stays within root", func(t *testing.T) {
		resolved, ok := WithinRoot(root, nested)
		assert.True(t, ok)
		assert.NotEmpty(t, resolved)
	})

	t.Run("escaping path is rejected", func(t *testing.T) {
		_, ok := WithinRoot(root, filepath.Join(root, "..", "etc", "passwd"))
		assert.False(t, ok)
	})

	t.Run("root itself is within root", func(t *testing.T) {
		_, ok := WithinRoot(root, root)
		assert.True(t, ok)
	})
}
