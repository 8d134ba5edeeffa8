package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFolder_OpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	f, err := OpenFolder(root, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	for _, dir := range []string{"segments", "wal"} {
		fi, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestFolder_SecondOpenFails(t *testing.T) {
	root := t.TempDir()
	f, err := OpenFolder(root, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	_, err = OpenFolder(root, testPageSize, zap.NewNop())
	assert.Error(t, err)
}

func TestFolder_SegmentCreateThenReopen(t *testing.T) {
	root := t.TempDir()
	f, err := OpenFolder(root, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	sf, err := f.OpenOrCreateSegment(7)
	require.NoError(t, err)
	require.NoError(t, sf.Close())

	nums, err := f.ExistingSegmentNums()
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, nums)

	sf2, err := f.OpenOrCreateSegment(7)
	require.NoError(t, err)
	assert.NoError(t, sf2.Close())
}

func TestFolder_UnexpectedFileInWALDir(t *testing.T) {
	root := t.TempDir()
	f, err := OpenFolder(root, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "wal", "not-a-number"), []byte("x"), 0o600))

	_, err = f.ExistingWALGenerations()
	assert.ErrorIs(t, err, ErrUnexpectedFile)
}

func TestFolder_WALGenerationLifecycle(t *testing.T) {
	root := t.TempDir()
	f, err := OpenFolder(root, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	wf, err := f.OpenOrCreateWALGeneration(0)
	require.NoError(t, err)
	require.NoError(t, wf.Close())

	gens, err := f.ExistingWALGenerations()
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, gens)

	require.NoError(t, f.RemoveWALGeneration(0))
	gens, err = f.ExistingWALGenerations()
	require.NoError(t, err)
	assert.Empty(t, gens)
}
