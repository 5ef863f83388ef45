package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/internal/utils"
)

// Record - Represents one block in the file, either a live record or a free block.
// For free blocks only Offset, Magic, TotalLength and Next are meaningful.
type Record struct {
	Offset      int64
	Magic       uint32
	KeyLength   int64
	ValueLength int64
	Hash        uint64
	TotalLength int64
	Next        int64
	Key         []byte
	Value       []byte
}

// IsFree - Returns true if the block is in a free list
func (R Record) IsFree() bool {
	return R.Magic == FreeMagic
}

// DataLength - Returns the number of key and value bytes the record carries
func (R Record) DataLength() int64 {
	return R.KeyLength + R.ValueLength
}

// End - Returns the offset directly after the block
func (R Record) End() int64 {
	return R.Offset + R.TotalLength
}

// BlockLength - Returns the block length needed for a record with the given key and value lengths
func BlockLength(keyLength, valueLength int64) int64 {
	l := utils.Align(EnvelopeLength+keyLength+valueLength+TailerLength, BlockAlignment)
	if l < MinBlockLength {
		l = MinBlockLength
	}

	return l
}

// Fits - Returns true if a record with the given key and value lengths fits in a block of totalLength
func Fits(totalLength, keyLength, valueLength int64) bool {
	return EnvelopeLength+keyLength+valueLength+TailerLength <= totalLength
}

// TailerOffset - Returns the offset of the tailer of a block
func TailerOffset(offset, totalLength int64) int64 {
	return offset + totalLength - TailerLength
}

// sizeClassLimit - Blocks in class n are shorter than sizeClassLimit(n)
func sizeClassLimit(class int64) int64 {
	return 64 << (2 * class)
}

// SizeClass - Returns the free list size class a block of length belongs to
func SizeClass(length int64) int64 {
	for class := int64(0); class < FreeClasses-1; class++ {
		if length < sizeClassLimit(class) {
			return class
		}
	}

	return FreeClasses - 1
}

// EnvelopeToBytes - Converts the envelope part of a Record to bytes
func EnvelopeToBytes(record Record) (buf []byte) {
	buf = make([]byte, EnvelopeLength)
	binary.LittleEndian.PutUint32(buf[envMagicOffset:], record.Magic)
	binary.LittleEndian.PutUint32(buf[envKeyLengthOffset:], uint32(record.KeyLength))
	binary.LittleEndian.PutUint32(buf[envValueLengthOffset:], uint32(record.ValueLength))
	binary.LittleEndian.PutUint64(buf[envHashOffset:], record.Hash)
	binary.LittleEndian.PutUint64(buf[envTotalLengthOffset:], uint64(record.TotalLength))
	binary.LittleEndian.PutUint64(buf[EnvNextOffset:], uint64(record.Next))

	return
}

// RecordToBytes - Converts a live record to a complete block including key, value and tailer
func RecordToBytes(record Record) (buf []byte) {
	buf = make([]byte, record.TotalLength)
	_ = copy(buf, EnvelopeToBytes(record))
	_ = copy(buf[EnvelopeLength:], record.Key)
	_ = copy(buf[EnvelopeLength+record.KeyLength:], record.Value)
	binary.LittleEndian.PutUint64(buf[record.TotalLength-TailerLength:], uint64(record.TotalLength))

	return
}

// BytesToEnvelope - Converts envelope bytes at offset to a Record struct without key and value
func BytesToEnvelope(buf []byte, offset int64) (record Record, err error) {
	if int64(len(buf)) < EnvelopeLength {
		err = dberr.FormatError{Msg: fmt.Sprintf("envelope at %d too short", offset)}
		return
	}

	record = Record{
		Offset:      offset,
		Magic:       binary.LittleEndian.Uint32(buf[envMagicOffset:]),
		KeyLength:   int64(binary.LittleEndian.Uint32(buf[envKeyLengthOffset:])),
		ValueLength: int64(binary.LittleEndian.Uint32(buf[envValueLengthOffset:])),
		Hash:        binary.LittleEndian.Uint64(buf[envHashOffset:]),
		TotalLength: int64(binary.LittleEndian.Uint64(buf[envTotalLengthOffset:])),
		Next:        int64(binary.LittleEndian.Uint64(buf[EnvNextOffset:])),
	}

	return
}

// ValidateEnvelope - Checks an envelope against the expected magic and the data end of the file
func ValidateEnvelope(record Record, magic uint32, recordsStart, dataEnd int64) (err error) {
	if record.Magic != magic {
		err = dberr.FormatError{Msg: fmt.Sprintf("bad block magic 0x%x at %d", record.Magic, record.Offset)}
		return
	}
	if record.Offset < recordsStart || record.Offset%BlockAlignment != 0 {
		err = dberr.FormatError{Msg: fmt.Sprintf("block offset %d outside record area", record.Offset)}
		return
	}
	if record.TotalLength < MinBlockLength || record.TotalLength%BlockAlignment != 0 {
		err = dberr.FormatError{Msg: fmt.Sprintf("bad block length %d at %d", record.TotalLength, record.Offset)}
		return
	}
	if record.End() > dataEnd {
		err = dberr.SizeError{Offset: record.Offset, Length: record.TotalLength, Size: dataEnd}
		return
	}
	if magic == RecordMagic && !Fits(record.TotalLength, record.KeyLength, record.ValueLength) {
		err = dberr.SizeError{Offset: record.Offset, Length: EnvelopeLength + record.DataLength() + TailerLength, Size: record.TotalLength}
		return
	}
	if record.Next != 0 && (record.Next < recordsStart || record.Next >= dataEnd) {
		err = dberr.FormatError{Msg: fmt.Sprintf("next pointer %d of block at %d outside record area", record.Next, record.Offset)}
		return
	}

	return
}

// FreeBlockToBytes - Returns envelope and tailer of a free block, the caller writes them at both ends of the block
func FreeBlockToBytes(offset, totalLength, next int64) (envelope, tailer []byte) {
	envelope = EnvelopeToBytes(Record{Offset: offset, Magic: FreeMagic, TotalLength: totalLength, Next: next})
	tailer = make([]byte, TailerLength)
	binary.LittleEndian.PutUint64(tailer, uint64(totalLength))

	return
}
