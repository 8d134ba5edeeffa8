package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlushError_Unwrap(t *testing.T) {
	inner := errors.New("disk full")
	addr := PageAddress{SegmentNum: 1, PageNum: 1}
	fe := &FlushError{Failed: []PageAddress{addr}, Err: inner}

	assert.ErrorIs(t, fe, inner)
	assert.Contains(t, fe.Error(), "1 page(s)")
}

func TestChecksumMismatchError_Message(t *testing.T) {
	err := &ChecksumMismatchError{Generation: 1, Offset: 2, Want: 0xAA, Got: 0xBB}
	assert.Contains(t, err.Error(), "gen=1")
	assert.Contains(t, err.Error(), "off=2")
}

func TestCorruptedError_Message(t *testing.T) {
	err := &CorruptedError{Msg: "bad trailer"}
	assert.Equal(t, "storage: corrupted: bad trailer", err.Error())
}
