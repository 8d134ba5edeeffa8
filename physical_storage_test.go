package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPhysicalStorage(t *testing.T, maxOpen int) *PhysicalStorage {
	t.Helper()
	root := t.TempDir()
	folder, err := OpenFolder(root, testPageSize, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { folder.Close() })
	ps := NewPhysicalStorage(folder, testPageSize, maxOpen, zap.NewNop())
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPhysicalStorage_WriteThenReadRoundTrip(t *testing.T) {
	ps := newTestPhysicalStorage(t, 8)
	addr, err := NewPageAddress(1, 1)
	require.NoError(t, err)

	body := make([]byte, ps.bodySize)
	copy(body, []byte("round trip"))
	idx := WALIndex{Generation: 1, Offset: 10}
	require.NoError(t, ps.WritePage(addr, idx, body))

	var gotIdx WALIndex
	gotBody := make([]byte, ps.bodySize)
	require.NoError(t, ps.ReadPage(addr, &gotIdx, gotBody))
	assert.Equal(t, idx, gotIdx)
	assert.Equal(t, body, gotBody)
}

func TestPhysicalStorage_DescriptorCacheEvictsUnpinned(t *testing.T) {
	ps := newTestPhysicalStorage(t, 2)
	addrs := make([]PageAddress, 3)
	for i := range addrs {
		a, err := NewPageAddress(uint32(i), 1)
		require.NoError(t, err)
		addrs[i] = a
	}

	body := make([]byte, ps.bodySize)
	for _, a := range addrs {
		require.NoError(t, ps.WritePage(a, WALIndex{Generation: 1, Offset: 1}, body))
	}

	ps.mu.Lock()
	openCount := len(ps.open)
	ps.mu.Unlock()
	assert.LessOrEqual(t, openCount, 2)
}

func TestPhysicalStorage_BatchWriteRegroupsBySegment(t *testing.T) {
	ps := newTestPhysicalStorage(t, 8)
	addrA, err := NewPageAddress(1, 1)
	require.NoError(t, err)
	addrB, err := NewPageAddress(1, 2)
	require.NoError(t, err)
	addrC, err := NewPageAddress(2, 1)
	require.NoError(t, err)

	bodyA := make([]byte, ps.bodySize)
	copy(bodyA, []byte("A"))
	bodyB := make([]byte, ps.bodySize)
	copy(bodyB, []byte("B"))
	bodyC := make([]byte, ps.bodySize)
	copy(bodyC, []byte("C"))

	writes := []struct {
		Addr PageAddress
		Idx  WALIndex
		Body []byte
	}{
		{addrA, WALIndex{Generation: 1, Offset: 1}, bodyA},
		{addrB, WALIndex{Generation: 1, Offset: 2}, bodyB},
		{addrC, WALIndex{Generation: 1, Offset: 3}, bodyC},
	}
	require.NoError(t, ps.BatchWrite(context.Background(), writes))

	for _, w := range writes {
		var idx WALIndex
		body := make([]byte, ps.bodySize)
		require.NoError(t, ps.ReadPage(w.Addr, &idx, body))
		assert.Equal(t, w.Idx, idx)
		assert.Equal(t, w.Body, body)
	}
}

func TestPhysicalStorage_PersistedIndex(t *testing.T) {
	ps := newTestPhysicalStorage(t, 8)
	addr, err := NewPageAddress(1, 1)
	require.NoError(t, err)
	idx := WALIndex{Generation: 3, Offset: 99}
	require.NoError(t, ps.WritePage(addr, idx, make([]byte, ps.bodySize)))

	got, err := ps.PersistedIndex(addr)
	require.NoError(t, err)
	assert.Equal(t, idx, got)
}
