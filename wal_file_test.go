package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func appendWriteRecord(t *testing.T, wf *WALFile, kind byte, txID uint64, prev WALIndex, addr PageAddress, before, after []byte) int64 {
	t.Helper()
	wb := writeBody{Addr: addr, Offset: 0, Before: before, After: after}
	buf := make([]byte, wb.encodedLen())
	encodeWriteBody(buf, wb)
	h := recordHeader{Kind: kind, TxID: txID, Prev: prev}
	off, err := wf.Append(h, buf)
	require.NoError(t, err)
	return off
}

func TestWALFile_AppendAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	wf, err := CreateWALFile(path, zap.NewNop())
	require.NoError(t, err)
	defer wf.Close()

	addr, err := NewPageAddress(1, 1)
	require.NoError(t, err)
	off := appendWriteRecord(t, wf, recordKindWrite, 1, WALIndex{}, addr, []byte{0, 0}, []byte{9, 9})

	h, body, err := wf.ReadRecordAt(off)
	require.NoError(t, err)
	assert.Equal(t, recordKindWrite, h.Kind)
	assert.Equal(t, uint64(1), h.TxID)

	wb, err := decodeWriteBody(body)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, wb.After)
}

func TestWALFile_ForwardScanOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	wf, err := CreateWALFile(path, zap.NewNop())
	require.NoError(t, err)
	defer wf.Close()

	addr, err := NewPageAddress(1, 1)
	require.NoError(t, err)
	var prev WALIndex
	var offsets []int64
	for i := uint64(0); i < 3; i++ {
		off := appendWriteRecord(t, wf, recordKindWrite, 1, prev, addr, []byte{byte(i)}, []byte{byte(i + 1)})
		offsets = append(offsets, off)
		prev = WALIndex{Offset: uint64(off)}
	}
	commitOff, err := wf.Append(recordHeader{Kind: recordKindCommit, TxID: 1, Prev: prev}, nil)
	require.NoError(t, err)

	var seen []int64
	var kinds []byte
	err = wf.ForwardScan(walHeaderSize, func(offset int64, h recordHeader, body []byte) (bool, error) {
		seen = append(seen, offset)
		kinds = append(kinds, h.Kind)
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 4)
	assert.Equal(t, offsets, seen[:3])
	assert.Equal(t, commitOff, seen[3])
	assert.Equal(t, []byte{recordKindWrite, recordKindWrite, recordKindWrite, recordKindCommit}, kinds)
}

func TestWALFile_ReopenTruncatesPartialTailRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	wf, err := CreateWALFile(path, zap.NewNop())
	require.NoError(t, err)

	addr, err := NewPageAddress(1, 1)
	require.NoError(t, err)
	goodOff := appendWriteRecord(t, wf, recordKindWrite, 1, WALIndex{}, addr, []byte{0}, []byte{1})
	endAfterGood := wf.EndOffset()
	// Append a second record, then chop off its trailer to simulate a torn
	// write that crashed mid-append.
	_ = appendWriteRecord(t, wf, recordKindWrite, 1, WALIndex{Offset: uint64(goodOff)}, addr, []byte{1}, []byte{2})
	require.NoError(t, wf.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(endAfterGood+recordHeaderSize+2))
	require.NoError(t, f.Close())

	wf2, err := OpenWALFile(path, zap.NewNop())
	require.NoError(t, err)
	defer wf2.Close()

	assert.Equal(t, endAfterGood, wf2.EndOffset())

	var seen int
	err = wf2.ForwardScan(walHeaderSize, func(offset int64, h recordHeader, body []byte) (bool, error) {
		seen++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestWALFile_ReopenTruncatesChecksumMismatchTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	wf, err := CreateWALFile(path, zap.NewNop())
	require.NoError(t, err)

	addr, err := NewPageAddress(1, 1)
	require.NoError(t, err)
	goodOff := appendWriteRecord(t, wf, recordKindWrite, 1, WALIndex{}, addr, []byte{0}, []byte{1})
	endAfterGood := wf.EndOffset()
	badOff := appendWriteRecord(t, wf, recordKindWrite, 1, WALIndex{Offset: uint64(goodOff)}, addr, []byte{1}, []byte{2})
	require.NoError(t, wf.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	// Flip a byte inside the second record's after-image so its CRC fails.
	_, err = f.WriteAt([]byte{0xFF}, badOff+recordHeaderSize+writeBodyFixedSize+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	wf2, err := OpenWALFile(path, zap.NewNop())
	require.NoError(t, err)
	defer wf2.Close()

	assert.Equal(t, endAfterGood, wf2.EndOffset())
}
