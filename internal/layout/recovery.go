package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/gostonefire/filetdb/dberr"
)

// RecoveryHeader - Represents the header of the recovery area
//   - Magic is RecoveryMagic while the area must be replayed, RecoveryInvalidMagic otherwise
//   - Capacity is the number of payload bytes the area can hold
//   - PayloadLength is the number of payload bytes in use
//   - OldDataEnd is the data end of the database before the transaction
//   - Checksum is xxhash64 over the payload
type RecoveryHeader struct {
	Magic         uint32
	Capacity      int64
	PayloadLength int64
	OldDataEnd    int64
	Checksum      uint64
}

// RecoveryEntry - Old contents of one range of the file
type RecoveryEntry struct {
	Offset int64
	Data   []byte
}

// recoveryEntryHeaderLength - Offset and length preceding the data of each entry
const recoveryEntryHeaderLength int64 = 16

// RecoveryHeaderToBytes - Converts a RecoveryHeader to bytes
func RecoveryHeaderToBytes(header RecoveryHeader) (buf []byte) {
	buf = make([]byte, RecoveryHeaderLength)
	binary.LittleEndian.PutUint32(buf[recMagicOffset:], header.Magic)
	binary.LittleEndian.PutUint64(buf[recCapacityOffset:], uint64(header.Capacity))
	binary.LittleEndian.PutUint64(buf[recPayloadLengthOffset:], uint64(header.PayloadLength))
	binary.LittleEndian.PutUint64(buf[recOldDataEndOffset:], uint64(header.OldDataEnd))
	binary.LittleEndian.PutUint64(buf[recChecksumOffset:], header.Checksum)

	return
}

// BytesToRecoveryHeader - Converts bytes to a RecoveryHeader
func BytesToRecoveryHeader(buf []byte) (header RecoveryHeader, err error) {
	if int64(len(buf)) < RecoveryHeaderLength {
		err = dberr.FormatError{Msg: "recovery header too short"}
		return
	}

	header = RecoveryHeader{
		Magic:         binary.LittleEndian.Uint32(buf[recMagicOffset:]),
		Capacity:      int64(binary.LittleEndian.Uint64(buf[recCapacityOffset:])),
		PayloadLength: int64(binary.LittleEndian.Uint64(buf[recPayloadLengthOffset:])),
		OldDataEnd:    int64(binary.LittleEndian.Uint64(buf[recOldDataEndOffset:])),
		Checksum:      binary.LittleEndian.Uint64(buf[recChecksumOffset:]),
	}

	return
}

// RecoveryMagicBytes - Returns the bytes of a magic as stored first in the recovery area
func RecoveryMagicBytes(magic uint32) (buf []byte) {
	buf = make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, magic)

	return
}

// RecoveryPayloadLength - Returns the payload length needed for entries with the given data lengths
func RecoveryPayloadLength(dataLengths ...int64) (length int64) {
	for _, l := range dataLengths {
		length += recoveryEntryHeaderLength + l
	}

	return
}

// RecoveryEntriesToBytes - Converts entries to a payload and returns it together with its checksum
func RecoveryEntriesToBytes(entries []RecoveryEntry) (buf []byte, checksum uint64) {
	lengths := make([]int64, len(entries))
	for i, e := range entries {
		lengths[i] = int64(len(e.Data))
	}
	buf = make([]byte, RecoveryPayloadLength(lengths...))

	pos := int64(0)
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[pos:], uint64(e.Offset))
		binary.LittleEndian.PutUint64(buf[pos+8:], uint64(len(e.Data)))
		pos += recoveryEntryHeaderLength
		pos += int64(copy(buf[pos:], e.Data))
	}
	checksum = xxhash.Sum64(buf)

	return
}

// BytesToRecoveryEntries - Verifies a payload against its checksum and converts it to entries.
// Entries must lie inside oldDataEnd.
func BytesToRecoveryEntries(buf []byte, checksum uint64, oldDataEnd int64) (entries []RecoveryEntry, err error) {
	if xxhash.Sum64(buf) != checksum {
		err = dberr.FormatError{Msg: "recovery area checksum mismatch"}
		return
	}

	length := int64(len(buf))
	for pos := int64(0); pos < length; {
		if pos+recoveryEntryHeaderLength > length {
			err = dberr.FormatError{Msg: fmt.Sprintf("truncated recovery entry at payload offset %d", pos)}
			return
		}
		offset := int64(binary.LittleEndian.Uint64(buf[pos:]))
		dataLength := int64(binary.LittleEndian.Uint64(buf[pos+8:]))
		pos += recoveryEntryHeaderLength
		if dataLength < 0 || pos+dataLength > length {
			err = dberr.FormatError{Msg: fmt.Sprintf("recovery entry at payload offset %d overruns payload", pos)}
			return
		}
		if offset < 0 || offset+dataLength > oldDataEnd {
			err = dberr.SizeError{Offset: offset, Length: dataLength, Size: oldDataEnd}
			return
		}
		entries = append(entries, RecoveryEntry{Offset: offset, Data: buf[pos : pos+dataLength]})
		pos += dataLength
	}

	return
}
