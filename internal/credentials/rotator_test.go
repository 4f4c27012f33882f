package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/tokrelay/internal/logging"
)

func TestRotatorScansAndRotates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "ignored.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(" sid="+name+"\n"), 0o644))
	}

	r, err := NewRotator(dir, logging.NewDiscard())
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	first := r.Current()
	assert.Equal(t, filepath.Join(dir, "a.txt"), first.Path)
	assert.Equal(t, "sid=a.txt", first.Cookie)

	second := r.Rotate()
	assert.Equal(t, filepath.Join(dir, "b.txt"), second.Path)
	assert.Equal(t, second, r.Current())

	wrapped := r.Rotate()
	assert.Equal(t, first.Path, wrapped.Path)

	info, err := os.Stat(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRotatorEmpty(t *testing.T) {
	r, err := NewRotator(filepath.Join(t.TempDir(), "missing"), logging.NewDiscard())
	require.NoError(t, err)

	assert.Equal(t, 0, r.Len())
	assert.True(t, r.Current().IsZero())
	assert.True(t, r.Rotate().IsZero())
}
