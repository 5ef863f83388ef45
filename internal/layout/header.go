// Package layout defines the on-disk format: the file header, the record envelope, the
// free list size classes, the recovery area and the byte offsets used for locking.
//
// Everything here is a pure conversion between byte slices and structs. Callers are
// responsible for holding the right lock while reading and writing the bytes.
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/internal/utils"
)

// Header - Represents the database file header
type Header struct {
	Version        uint32
	HashSize       int64
	FreeClasses    int64
	HashCheck      uint64
	DataEnd        int64
	RecoveryStart  int64
	Sequence       uint64
	FreeListOffset int64
}

// NewHeader - Returns the header of an empty database with hashSize buckets
func NewHeader(hashSize int64, hashCheck uint64) (header Header) {
	header = Header{
		Version:        Version,
		HashSize:       hashSize,
		FreeClasses:    FreeClasses,
		HashCheck:      hashCheck,
		FreeListOffset: FreeListOffset,
	}
	header.DataEnd = header.RecordsStart()

	return
}

// HashSizeFor - Returns the number of buckets to use for a requested initial size
func HashSizeFor(requested int64) int64 {
	if requested <= 0 {
		requested = DefaultHashSize
	}
	if requested > MaxHashSize {
		requested = MaxHashSize
	}

	return utils.RoundUp2(requested)
}

// DirectoryOffset - Returns the offset of the hash directory
func (H Header) DirectoryOffset() int64 {
	return H.FreeListOffset + H.FreeClasses*OffsetLength
}

// BucketOffset - Returns the offset of the chain head pointer of a bucket
func (H Header) BucketOffset(bucket int64) int64 {
	return H.DirectoryOffset() + bucket*OffsetLength
}

// FreeHeadOffset - Returns the offset of the head pointer of a free list size class
func (H Header) FreeHeadOffset(class int64) int64 {
	return H.FreeListOffset + class*OffsetLength
}

// RecordsStart - Returns the offset of the first record block
func (H Header) RecordsStart() int64 {
	return utils.Align(H.DirectoryOffset()+H.HashSize*OffsetLength, BlockAlignment)
}

// ChainLockOffset - Returns the lock offset of a bucket
func (H Header) ChainLockOffset(bucket int64) int64 {
	return ChainLockBase + bucket
}

// Validate - Checks that the header is self-consistent and fits in a file of fileSize bytes
func (H Header) Validate(fileSize int64) (err error) {
	if H.Version != Version {
		err = dberr.FormatError{Msg: fmt.Sprintf("unsupported version %d, expected %d", H.Version, Version)}
		return
	}
	if H.HashSize <= 0 || H.HashSize > MaxHashSize || utils.RoundUp2(H.HashSize) != H.HashSize {
		err = dberr.FormatError{Msg: fmt.Sprintf("invalid hash size %d", H.HashSize)}
		return
	}
	if H.FreeClasses != FreeClasses || H.FreeListOffset != FreeListOffset {
		err = dberr.FormatError{Msg: "unsupported free list layout"}
		return
	}
	if H.DataEnd < H.RecordsStart() || H.DataEnd%BlockAlignment != 0 {
		err = dberr.FormatError{Msg: fmt.Sprintf("invalid data end %d", H.DataEnd)}
		return
	}
	if H.DataEnd > fileSize {
		err = dberr.SizeError{Offset: 0, Length: H.DataEnd, Size: fileSize}
		return
	}
	if H.RecoveryStart != 0 && H.RecoveryStart < H.DataEnd {
		err = dberr.FormatError{Msg: fmt.Sprintf("recovery area at %d inside data ending at %d", H.RecoveryStart, H.DataEnd)}
		return
	}

	return
}

// BytesToHeader - Converts a slice of bytes to a Header struct, checking magic and version
func BytesToHeader(buf []byte) (header Header, err error) {
	if int64(len(buf)) < HeaderLength {
		err = dberr.FormatError{Msg: fmt.Sprintf("header too short (%d bytes)", len(buf))}
		return
	}
	if !utils.IsEqual(buf[:MagicLength], Magic[:]) {
		err = dberr.FormatError{Msg: "bad magic"}
		return
	}

	header = Header{
		Version:        binary.LittleEndian.Uint32(buf[versionOffset:]),
		HashSize:       int64(binary.LittleEndian.Uint32(buf[hashSizeOffset:])),
		FreeClasses:    int64(binary.LittleEndian.Uint32(buf[freeClassesOffset:])),
		HashCheck:      binary.LittleEndian.Uint64(buf[hashCheckOffset:]),
		DataEnd:        int64(binary.LittleEndian.Uint64(buf[dataEndOffset:])),
		RecoveryStart:  int64(binary.LittleEndian.Uint64(buf[RecoveryStartOffset:])),
		Sequence:       binary.LittleEndian.Uint64(buf[sequenceOffset:]),
		FreeListOffset: int64(binary.LittleEndian.Uint64(buf[freeListOffsetOffset:])),
	}

	if header.Version != Version {
		err = dberr.FormatError{Msg: fmt.Sprintf("unsupported version %d, expected %d", header.Version, Version)}
	}

	return
}

// HeaderToBytes - Converts a Header struct to a slice of bytes
func HeaderToBytes(header Header) (buf []byte) {
	buf = make([]byte, HeaderLength)

	_ = copy(buf, Magic[:])
	binary.LittleEndian.PutUint32(buf[versionOffset:], header.Version)
	binary.LittleEndian.PutUint32(buf[hashSizeOffset:], uint32(header.HashSize))
	binary.LittleEndian.PutUint32(buf[freeClassesOffset:], uint32(header.FreeClasses))
	binary.LittleEndian.PutUint64(buf[hashCheckOffset:], header.HashCheck)
	binary.LittleEndian.PutUint64(buf[dataEndOffset:], uint64(header.DataEnd))
	binary.LittleEndian.PutUint64(buf[RecoveryStartOffset:], uint64(header.RecoveryStart))
	binary.LittleEndian.PutUint64(buf[sequenceOffset:], header.Sequence)
	binary.LittleEndian.PutUint64(buf[freeListOffsetOffset:], uint64(header.FreeListOffset))

	return
}

// PutOffset - Encodes a file offset
func PutOffset(offset int64) (buf []byte) {
	buf = make([]byte, OffsetLength)
	binary.LittleEndian.PutUint64(buf, uint64(offset))

	return
}

// GetOffset - Decodes a file offset
func GetOffset(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}
