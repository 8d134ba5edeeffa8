package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPageSize = 512

func TestSegmentFile_CreateWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	sf, err := CreateSegmentFile(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer sf.Close()

	body := make([]byte, testPageSize-perPageHeaderSize)
	copy(body, []byte("hello page"))
	idx := WALIndex{Generation: 1, Offset: 64}
	sf.Write(1, idx, body)

	var gotIdx WALIndex
	gotBody := make([]byte, testPageSize-perPageHeaderSize)
	sf.Read(1, &gotIdx, gotBody)

	assert.Equal(t, idx, gotIdx)
	assert.Equal(t, body, gotBody)
}

func TestSegmentFile_PageZeroPanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	sf, err := CreateSegmentFile(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer sf.Close()

	assert.Panics(t, func() {
		var idx WALIndex
		sf.Read(0, &idx, make([]byte, testPageSize-perPageHeaderSize))
	})
}

func TestSegmentFile_ReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	sf, err := CreateSegmentFile(path, testPageSize, zap.NewNop())
	require.NoError(t, err)

	body := make([]byte, testPageSize-perPageHeaderSize)
	copy(body, []byte("persisted"))
	idx := WALIndex{Generation: 2, Offset: 128}
	sf.Write(42, idx, body)
	require.NoError(t, sf.Close())

	sf2, err := OpenSegmentFile(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer sf2.Close()

	var gotIdx WALIndex
	gotBody := make([]byte, testPageSize-perPageHeaderSize)
	sf2.Read(42, &gotIdx, gotBody)
	assert.Equal(t, idx, gotIdx)
	assert.Equal(t, body, gotBody)
}

func TestSegmentFile_OpenRejectsWrongPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	sf, err := CreateSegmentFile(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sf.Close())

	_, err = OpenSegmentFile(path, testPageSize*2, zap.NewNop())
	assert.Error(t, err)
}

func TestSegmentFile_Batch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	sf, err := CreateSegmentFile(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer sf.Close()

	bodyA := make([]byte, testPageSize-perPageHeaderSize)
	copy(bodyA, []byte("A"))
	bodyB := make([]byte, testPageSize-perPageHeaderSize)
	copy(bodyB, []byte("B"))

	var outA, outB WALIndex
	readBufA := make([]byte, testPageSize-perPageHeaderSize)
	readBufB := make([]byte, testPageSize-perPageHeaderSize)

	ops := []SegmentOp{
		{PageNum: 1, IsWrite: true, Index: WALIndex{Generation: 1, Offset: 1}, Body: bodyA},
		{PageNum: 2, IsWrite: true, Index: WALIndex{Generation: 1, Offset: 2}, Body: bodyB},
		{PageNum: 1, IsWrite: false, IdxOut: &outA},
		{PageNum: 2, IsWrite: false, IdxOut: &outB},
	}
	// The read ops need their own body slices; Batch mutates in place via
	// the pointers provided, so wire up the remaining fields by hand.
	ops[2].Body = readBufA
	ops[3].Body = readBufB

	require.NoError(t, sf.Batch(ops))
	assert.Equal(t, WALIndex{Generation: 1, Offset: 1}, outA)
	assert.Equal(t, WALIndex{Generation: 1, Offset: 2}, outB)
	assert.Equal(t, bodyA, readBufA)
	assert.Equal(t, bodyB, readBufB)
}
