// Package index implements the hash chains and the free space allocator on top of a Storage.
//
// Chains and free lists are linked through file offsets only, so any handle can walk them
// from the bytes in the file. The package takes no chain locks itself: callers lock the
// chain of a key before calling Lookup, Store or Delete. The allocation lock is taken
// through the function given to NewTable, around every change of the header or the free
// lists.
package index

import (
	"fmt"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/hashfunc"
	"github.com/gostonefire/filetdb/internal/layout"
	"github.com/gostonefire/filetdb/internal/utils"
)

// Storage - Positioned access to the database file or to a transaction's view of it
type Storage interface {
	ReadAt(offset, length int64) ([]byte, error)
	WriteAt(offset int64, buf []byte) error
	Grow(size int64) error
	Size() int64
	Refresh() error
}

// Mode - How Store treats an existing or missing key
type Mode int

const (
	// Insert - Fails with dberr.KeyExists if the key is present
	Insert Mode = iota
	// Replace - Inserts or overwrites
	Replace
	// Modify - Fails with dberr.NotFound if the key is missing
	Modify
)

// growthAlignment - Physical file growth is rounded up to this size
const growthAlignment int64 = 4096

// Table - Hash chains and free lists of one database seen through one Storage
type Table struct {
	st        Storage
	alg       hashfunc.HashAlgorithm
	lockAlloc func() (release func(), err error)
}

// NewTable - Returns a Table over st.
//   - alg is the hash algorithm of the database
//   - lockAlloc acquires the allocation lock and returns its release function, nil means no locking
func NewTable(st Storage, alg hashfunc.HashAlgorithm, lockAlloc func() (func(), error)) *Table {
	if lockAlloc == nil {
		lockAlloc = func() (func(), error) { return func() {}, nil }
	}

	return &Table{st: st, alg: alg, lockAlloc: lockAlloc}
}

// Format - Writes an empty database with hashSize buckets to st, which must be empty
func Format(st Storage, hashSize int64, alg hashfunc.HashAlgorithm) (header layout.Header, err error) {
	header = layout.NewHeader(layout.HashSizeFor(hashSize), hashfunc.CheckValue(alg))

	err = st.Grow(header.RecordsStart())
	if err != nil {
		return
	}
	err = st.WriteAt(0, make([]byte, header.RecordsStart()))
	if err != nil {
		return
	}
	err = st.WriteAt(0, layout.HeaderToBytes(header))

	return
}

// Storage - Returns the storage the table works on
func (T *Table) Storage() Storage {
	return T.st
}

// Hash - Returns the hash of key
func (T *Table) Hash(key []byte) uint64 {
	return T.alg.Hash(key)
}

// ReadHeader - Reads and validates the header.
// The file size is checked first: another handle may have grown the file, or repacked and
// shrunk it, since this one last looked. Every operation reads the header once its lock is
// held, so all later reads, writes and growth work on the real size.
func (T *Table) ReadHeader() (header layout.Header, err error) {
	err = T.st.Refresh()
	if err != nil {
		return
	}

	buf, err := T.st.ReadAt(0, layout.HeaderLength)
	if err != nil {
		return
	}

	header, err = layout.BytesToHeader(buf)
	if err != nil {
		return
	}

	err = header.Validate(T.st.Size())

	return
}

// WriteHeader - Writes the whole header in one write
func (T *Table) WriteHeader(header layout.Header) (err error) {
	return T.st.WriteAt(0, layout.HeaderToBytes(header))
}

// Bucket - Returns the bucket a hash belongs to
func (T *Table) Bucket(header layout.Header, hash uint64) int64 {
	return hashfunc.BucketNumber(hash, header.HashSize)
}

// Lookup - Walks the chain of the key's bucket and returns the matching record.
//
// It returns:
//   - record is the matching record including key and value
//   - link is the offset of the pointer that points at the record, either a bucket slot or the next field of the previous record
//   - err is dberr.NotFound if there is no match, or an error if the chain is corrupt
func (T *Table) Lookup(header layout.Header, key []byte, hash uint64) (record layout.Record, link int64, err error) {
	bucket := T.Bucket(header, hash)
	link = header.BucketOffset(bucket)

	offset, err := T.readOffset(link)
	if err != nil {
		return
	}

	maxSteps := T.maxBlocks(header)
	for steps := int64(0); offset != 0; steps++ {
		if steps > maxSteps {
			err = dberr.FormatError{Msg: fmt.Sprintf("loop in chain of bucket %d", bucket)}
			return
		}

		record, err = T.readEnvelope(header, offset, layout.RecordMagic)
		if err != nil {
			return
		}

		if record.Hash == hash && record.KeyLength == int64(len(key)) {
			var data []byte
			data, err = T.st.ReadAt(offset+layout.EnvelopeLength, record.DataLength())
			if err != nil {
				return
			}
			if utils.IsEqual(data[:record.KeyLength], key) {
				record.Key = data[:record.KeyLength]
				record.Value = data[record.KeyLength:]
				return
			}
		}

		link = offset + layout.EnvNextOffset
		offset = record.Next
	}

	record = layout.Record{}
	link = 0
	err = dberr.NotFound{}

	return
}

// Fetch - Returns the value stored under key
func (T *Table) Fetch(key []byte) (value []byte, err error) {
	header, err := T.ReadHeader()
	if err != nil {
		return
	}

	record, _, err := T.Lookup(header, key, T.Hash(key))
	if err != nil {
		return
	}
	value = record.Value

	return
}

// Store - Writes key and value according to mode.
// A record whose block is big enough is rewritten in place, otherwise it is removed and the
// new record is inserted at the head of the chain.
func (T *Table) Store(key, value []byte, mode Mode) (err error) {
	err = checkLengths(key, value)
	if err != nil {
		return
	}

	header, err := T.ReadHeader()
	if err != nil {
		return
	}

	hash := T.Hash(key)
	record, link, err := T.Lookup(header, key, hash)
	found := err == nil
	if err != nil && !isNotFound(err) {
		return
	}
	err = nil

	if found && mode == Insert {
		err = dberr.NewKeyExists(fmt.Sprintf("key of %d bytes already exists", len(key)))
		return
	}
	if !found && mode == Modify {
		err = dberr.NewNotFound(fmt.Sprintf("key of %d bytes not found for modify", len(key)))
		return
	}

	release, err := T.lockAlloc()
	if err != nil {
		return
	}
	defer release()

	// Re-read under the allocation lock, data end and free lists may have moved
	header, err = T.ReadHeader()
	if err != nil {
		return
	}

	if found && layout.Fits(record.TotalLength, int64(len(key)), int64(len(value))) {
		record.KeyLength = int64(len(key))
		record.ValueLength = int64(len(value))
		record.Key = key
		record.Value = value
		err = T.st.WriteAt(record.Offset, layout.RecordToBytes(record))
		if err != nil {
			return
		}
		return T.bumpSequence(&header)
	}

	if found {
		err = T.unlinkRecord(&header, record, link)
		if err != nil {
			return
		}
	}

	err = T.insert(&header, key, value, hash)
	if err != nil {
		return
	}

	return T.bumpSequence(&header)
}

// Delete - Unlinks the record of key from its chain and returns its block to the free lists.
// A missing key gives dberr.NotFound and leaves the file untouched.
func (T *Table) Delete(key []byte) (err error) {
	header, err := T.ReadHeader()
	if err != nil {
		return
	}

	record, link, err := T.Lookup(header, key, T.Hash(key))
	if err != nil {
		return
	}

	release, err := T.lockAlloc()
	if err != nil {
		return
	}
	defer release()

	header, err = T.ReadHeader()
	if err != nil {
		return
	}

	err = T.unlinkRecord(&header, record, link)
	if err != nil {
		return
	}

	return T.bumpSequence(&header)
}

// Chain - Returns all records of a bucket, including keys and values, in chain order
func (T *Table) Chain(header layout.Header, bucket int64) (records []layout.Record, err error) {
	offset, err := T.readOffset(header.BucketOffset(bucket))
	if err != nil {
		return
	}

	maxSteps := T.maxBlocks(header)
	for steps := int64(0); offset != 0; steps++ {
		if steps > maxSteps {
			err = dberr.FormatError{Msg: fmt.Sprintf("loop in chain of bucket %d", bucket)}
			return
		}

		var record layout.Record
		record, err = T.ReadRecord(header, offset)
		if err != nil {
			return
		}
		records = append(records, record)
		offset = record.Next
	}

	return
}

// ReadRecord - Reads a complete live record at offset
func (T *Table) ReadRecord(header layout.Header, offset int64) (record layout.Record, err error) {
	record, err = T.readEnvelope(header, offset, layout.RecordMagic)
	if err != nil {
		return
	}

	data, err := T.st.ReadAt(offset+layout.EnvelopeLength, record.DataLength())
	if err != nil {
		return
	}
	record.Key = data[:record.KeyLength]
	record.Value = data[record.KeyLength:]

	return
}

// Reset - Empties the database: clears all chains and free lists and moves data end back
// to the start of the record area. The hash directory size is kept.
func (T *Table) Reset() (err error) {
	release, err := T.lockAlloc()
	if err != nil {
		return
	}
	defer release()

	header, err := T.ReadHeader()
	if err != nil {
		return
	}

	err = T.st.WriteAt(header.FreeListOffset, make([]byte, header.RecordsStart()-header.FreeListOffset))
	if err != nil {
		return
	}

	header.DataEnd = header.RecordsStart()
	header.RecoveryStart = 0

	return T.bumpSequence(&header)
}

// insert - Allocates a block, writes the record and links it at the head of its chain.
// The allocation lock must be held.
func (T *Table) insert(header *layout.Header, key, value []byte, hash uint64) (err error) {
	bucketOffset := header.BucketOffset(T.Bucket(*header, hash))
	head, err := T.readOffset(bucketOffset)
	if err != nil {
		return
	}

	offset, length, err := T.alloc(header, layout.BlockLength(int64(len(key)), int64(len(value))))
	if err != nil {
		return
	}

	record := layout.Record{
		Offset:      offset,
		Magic:       layout.RecordMagic,
		KeyLength:   int64(len(key)),
		ValueLength: int64(len(value)),
		Hash:        hash,
		TotalLength: length,
		Next:        head,
		Key:         key,
		Value:       value,
	}

	// The record is complete before anything points at it
	err = T.st.WriteAt(offset, layout.RecordToBytes(record))
	if err != nil {
		return
	}

	return T.writeOffset(bucketOffset, offset)
}

// unlinkRecord - Takes a record out of its chain and frees its block. The allocation lock must be held.
func (T *Table) unlinkRecord(header *layout.Header, record layout.Record, link int64) (err error) {
	err = T.writeOffset(link, record.Next)
	if err != nil {
		return
	}

	return T.free(header, record.Offset, record.TotalLength)
}

// bumpSequence - Increments the sequence number and writes the header
func (T *Table) bumpSequence(header *layout.Header) (err error) {
	header.Sequence++
	return T.WriteHeader(*header)
}

// readEnvelope - Reads and validates the envelope at offset
func (T *Table) readEnvelope(header layout.Header, offset int64, magic uint32) (record layout.Record, err error) {
	if offset < header.RecordsStart() || offset+layout.EnvelopeLength > header.DataEnd {
		err = dberr.SizeError{Offset: offset, Length: layout.EnvelopeLength, Size: header.DataEnd}
		return
	}

	buf, err := T.st.ReadAt(offset, layout.EnvelopeLength)
	if err != nil {
		return
	}

	record, err = layout.BytesToEnvelope(buf, offset)
	if err != nil {
		return
	}

	err = layout.ValidateEnvelope(record, magic, header.RecordsStart(), header.DataEnd)

	return
}

// readOffset - Reads a file offset stored at offset
func (T *Table) readOffset(offset int64) (value int64, err error) {
	buf, err := T.st.ReadAt(offset, layout.OffsetLength)
	if err != nil {
		return
	}
	value = layout.GetOffset(buf)

	return
}

// writeOffset - Writes a file offset at offset
func (T *Table) writeOffset(offset, value int64) (err error) {
	return T.st.WriteAt(offset, layout.PutOffset(value))
}

// maxBlocks - Upper bound of blocks in the record area, used to detect loops
func (T *Table) maxBlocks(header layout.Header) int64 {
	return (header.DataEnd-header.RecordsStart())/layout.MinBlockLength + 1
}

// checkLengths - Refuses keys and values longer than the envelope can describe
func checkLengths(key, value []byte) (err error) {
	if int64(len(key)) > layout.MaxKeyLength {
		err = dberr.InvalidArgument{Msg: fmt.Sprintf("key of %d bytes exceeds maximum %d", len(key), layout.MaxKeyLength)}
		return
	}
	if int64(len(value)) > layout.MaxValueLength {
		err = dberr.InvalidArgument{Msg: fmt.Sprintf("value of %d bytes exceeds maximum %d", len(value), layout.MaxValueLength)}
	}

	return
}
