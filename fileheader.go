package storage

import "encoding/binary"

// Every file this engine owns (segment files and WAL generation files)
// opens with the same fixed header: a magic string, a byte-order tag that
// refuses to open on a mismatched host, a file-type tag, a content offset,
// and a format version.
const (
	fileMagic = "ACRN"

	// headerSize is padded past the logical 9 bytes (4+1+1+2+1) for
	// word alignment; the reserved tail is zeroed and ignored on read.
	headerSize = 16

	fileTypeWAL     byte = 0
	fileTypeSegment byte = 1

	segmentFormatVersion byte = 1
	walFormatVersion     byte = 1
)

// nativeByteOrderTag reports which tag this host would need to see to
// consider a file's byte order compatible. 0 = big endian, 1 = little.
func nativeByteOrderTag() byte {
	if binary.NativeEndian.Uint16([]byte{0x01, 0x00}) == 1 {
		return 1
	}
	return 0
}

// writeFileHeader encodes the common header into the first headerSize bytes
// of buf.
func writeFileHeader(buf []byte, fileType byte, contentOffset uint16, version byte) {
	copy(buf[0:4], fileMagic)
	buf[4] = nativeByteOrderTag()
	buf[5] = fileType
	binary.NativeEndian.PutUint16(buf[6:8], contentOffset)
	buf[8] = version
	for i := 9; i < headerSize; i++ {
		buf[i] = 0
	}
}

type fileHeader struct {
	FileType      byte
	ContentOffset uint16
	Version       byte
}

// readFileHeader validates and decodes the common header from the first
// headerSize bytes of buf, checking it against the expected file type and
// version.
func readFileHeader(buf []byte, wantType byte, wantVersion byte) (fileHeader, error) {
	if len(buf) < headerSize || string(buf[0:4]) != fileMagic {
		return fileHeader{}, ErrMissingMagic
	}
	if buf[4] != nativeByteOrderTag() {
		return fileHeader{}, ErrByteOrderMismatch
	}
	if buf[5] != wantType {
		return fileHeader{}, ErrWrongFileType
	}
	contentOffset := binary.NativeEndian.Uint16(buf[6:8])
	version := buf[8]
	if version != wantVersion {
		return fileHeader{}, ErrIncompatibleVersion
	}
	return fileHeader{FileType: wantType, ContentOffset: contentOffset, Version: version}, nil
}
