package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileWAL_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "blocks.log")

	w, err := NewFileWAL(path)
	require.NoError(t, err)
	w.Append("commit height=1")
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	w.Append("dropped")
	require.Equal(t, 1, w.Failed())

	w, err = NewFileWAL(path)
	require.NoError(t, err)
	w.Append("commit height=2")
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "commit height=1\ncommit height=2\n", string(data))
}
