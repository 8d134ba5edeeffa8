package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// Record kinds.
const (
	recordKindWrite    byte = 1
	recordKindCommit   byte = 2
	recordKindUndo     byte = 3 // compensating record written during rollback
	recordKindTerminator byte = 4 // marks the end of an undo chain
)

// recordHeaderSize is kind(1) + ItemLength(4) + TxID(8) + Seq(8) +
// PrevGeneration(8) + PrevOffset(8). The spec's literal 2-byte item_length
// and implicit prev-link are widened/made explicit here — see DESIGN.md.
const recordHeaderSize = 1 + 4 + 8 + 8 + 8 + 8

// recordTrailerSize mirrors ItemLength so a reverse scan can find the start
// of the previous record without an index.
const recordTrailerSize = 4

// writeBodyFixedSize is SegmentNum(4) + PageNum(2) + Offset(2) +
// DataLength(2) + CRC(4), preceding the variable-length before/after images.
const writeBodyFixedSize = 4 + 2 + 2 + 2 + 4

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// recordHeader is the fixed prefix of every WAL record.
type recordHeader struct {
	Kind       byte
	ItemLength uint32 // length of the record body, excluding header+trailer
	TxID       uint64
	Seq        uint64 // not assigned by WALManager, which writes 0; a tx's records are ordered by Prev
	Prev       WALIndex // back-link to the tx's previous record, zero if none
}

func encodeRecordHeader(buf []byte, h recordHeader) {
	buf[0] = h.Kind
	binary.BigEndian.PutUint32(buf[1:5], h.ItemLength)
	binary.BigEndian.PutUint64(buf[5:13], h.TxID)
	binary.BigEndian.PutUint64(buf[13:21], h.Seq)
	binary.BigEndian.PutUint64(buf[21:29], h.Prev.Generation)
	binary.BigEndian.PutUint64(buf[29:37], h.Prev.Offset)
}

func decodeRecordHeader(buf []byte) recordHeader {
	return recordHeader{
		Kind:       buf[0],
		ItemLength: binary.BigEndian.Uint32(buf[1:5]),
		TxID:       binary.BigEndian.Uint64(buf[5:13]),
		Seq:        binary.BigEndian.Uint64(buf[13:21]),
		Prev: WALIndex{
			Generation: binary.BigEndian.Uint64(buf[21:29]),
			Offset:     binary.BigEndian.Uint64(buf[29:37]),
		},
	}
}

// writeBody is the record body for recordKindWrite and recordKindUndo
// (a compensating write carries the same shape, with before/after swapped).
type writeBody struct {
	Addr   PageAddress
	Offset uint16
	Before []byte
	After  []byte
}

func (b writeBody) encodedLen() int {
	return writeBodyFixedSize + len(b.Before) + len(b.After)
}

func encodeWriteBody(buf []byte, b writeBody) {
	binary.BigEndian.PutUint32(buf[0:4], b.Addr.SegmentNum)
	binary.BigEndian.PutUint16(buf[4:6], b.Addr.PageNum)
	binary.BigEndian.PutUint16(buf[6:8], b.Offset)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(b.After)))
	crc := crc32.Checksum(b.Before, crcTable)
	crc = crc32.Update(crc, crcTable, b.After)
	binary.BigEndian.PutUint32(buf[10:14], crc)
	n := writeBodyFixedSize
	n += copy(buf[n:], b.Before)
	copy(buf[n:], b.After)
}

// decodeWriteBody reads a writeBody from buf, which must be exactly
// encodedLen bytes (determined by the caller from the record header's
// ItemLength). dataLen is len(Before) == len(After).
func decodeWriteBody(buf []byte) (writeBody, error) {
	segNum := binary.BigEndian.Uint32(buf[0:4])
	pageNum := binary.BigEndian.Uint16(buf[4:6])
	offset := binary.BigEndian.Uint16(buf[6:8])
	dataLen := binary.BigEndian.Uint16(buf[8:10])
	wantCRC := binary.BigEndian.Uint32(buf[10:14])

	rest := buf[writeBodyFixedSize:]
	if len(rest) != 2*int(dataLen) {
		return writeBody{}, &CorruptedError{Msg: "wal write record body length mismatch"}
	}
	before := rest[:dataLen]
	after := rest[dataLen:]

	gotCRC := crc32.Checksum(before, crcTable)
	gotCRC = crc32.Update(gotCRC, crcTable, after)
	if gotCRC != wantCRC {
		return writeBody{}, &CorruptedError{Msg: "wal write record checksum mismatch"}
	}

	addr, err := NewPageAddress(segNum, pageNum)
	if err != nil {
		return writeBody{}, err
	}
	return writeBody{Addr: addr, Offset: offset, Before: before, After: after}, nil
}

func encodeTrailer(buf []byte, itemLength uint32) {
	binary.BigEndian.PutUint32(buf, itemLength)
}

func decodeTrailer(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}
