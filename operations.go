package filetdb

import (
	"errors"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/hashfunc"
	"github.com/gostonefire/filetdb/internal/index"
	"github.com/gostonefire/filetdb/internal/layout"
	"github.com/gostonefire/filetdb/internal/lock"
)

// Stat - Usage figures of a database
//   - Records is the number of live records
//   - LiveBytes and FreeBytes are the bytes taken by live records and by free blocks, including envelopes
//   - FreeBlocks is the number of blocks in the free lists, FreeByClass splits it by size class
//   - EmptyBuckets and LongestChain describe how records spread over the hash directory
//   - ChainDistribution maps a chain length to the number of buckets with that length, only filled on request
type Stat struct {
	HashSize          int64
	Sequence          uint64
	FileSize          int64
	DataEnd           int64
	Records           int64
	LiveBytes         int64
	FreeBlocks        int64
	FreeBytes         int64
	FreeByClass       []int64
	EmptyBuckets      int64
	LongestChain      int64
	ChainDistribution map[int64]int64
}

// CheckReport - Result of Check
//   - Blocks is the number of blocks found walking the record area from start to end
//   - Problems lists every inconsistency found, empty for a sound database
type CheckReport struct {
	Records    int64
	FreeBlocks int64
	Blocks     int64
	Problems   []string
}

// Store - Stores value under key.
//   - key and value may be empty, each may be up to 4 GiB - 1 bytes
//   - mode decides what happens if the key exists or not, see StoreMode
//
// It returns:
//   - err is dberr.KeyExists or dberr.NotFound depending on mode, or any error from the lower layers
func (D *DB) Store(key, value []byte, mode StoreMode) (err error) {
	m, err := toIndexMode(mode)
	if err != nil {
		return
	}

	return D.write(key, func(table *index.Table) error {
		return table.Store(key, value, m)
	})
}

// Fetch - Returns a copy of the value stored under key.
//
// It returns:
//   - value is the stored value, empty but not nil for an empty value
//   - err is dberr.NotFound if there is no such key
func (D *DB) Fetch(key []byte) (value []byte, err error) {
	err = D.read(key, func(table *index.Table) (e error) {
		value, e = table.Fetch(key)
		return
	})

	return
}

// Exists - Returns true if key is stored
func (D *DB) Exists(key []byte) (exists bool, err error) {
	_, err = D.Fetch(key)
	if err == nil {
		exists = true
		return
	}
	if errors.Is(err, dberr.NotFound{}) {
		err = nil
	}

	return
}

// Delete - Removes key. Deleting a missing key gives dberr.NotFound and changes nothing.
func (D *DB) Delete(key []byte) (err error) {
	return D.write(key, func(table *index.Table) error {
		return table.Delete(key)
	})
}

// Append - Adds value to the end of the value stored under key, or stores it if the key is missing
func (D *DB) Append(key, value []byte) (err error) {
	return D.write(key, func(table *index.Table) (e error) {
		old, e := table.Fetch(key)
		if errors.Is(e, dberr.NotFound{}) {
			return table.Store(key, value, index.Insert)
		}
		if e != nil {
			return
		}

		joined := make([]byte, 0, len(old)+len(value))
		joined = append(joined, old...)
		joined = append(joined, value...)

		return table.Store(key, joined, index.Replace)
	})
}

// SequenceNumber - Returns the counter that is incremented by every change to the database
func (D *DB) SequenceNumber() (sequence uint64, err error) {
	err = D.checkOpen()
	if err != nil {
		return
	}

	if D.txn == nil {
		var release func()
		release, err = D.locks.Acquire("allocation", layout.AllocationLockOffset, 1, lock.Shared)
		if err != nil {
			countWouldBlock(err)
			return
		}
		defer release()
	}

	header, err := D.current().ReadHeader()
	if err != nil {
		return
	}
	sequence = header.Sequence

	return
}

// Stat - Returns usage figures of the database, walking every chain and free list.
//   - includeDistribution set to true fills Stat.ChainDistribution
func (D *DB) Stat(includeDistribution bool) (stat *Stat, err error) {
	err = D.whole(func(table *index.Table) (e error) {
		s, e := table.Stats(includeDistribution)
		if e != nil {
			return
		}
		stat = &Stat{
			HashSize:          s.HashSize,
			Sequence:          s.Sequence,
			FileSize:          s.FileSize,
			DataEnd:           s.DataEnd,
			Records:           s.Records,
			LiveBytes:         s.LiveBytes,
			FreeBlocks:        s.FreeBlocks,
			FreeBytes:         s.FreeBytes,
			FreeByClass:       s.FreeByClass,
			EmptyBuckets:      s.EmptyBuckets,
			LongestChain:      s.LongestChain,
			ChainDistribution: s.ChainLengths,
		}
		return
	})

	return
}

// Check - Verifies the whole database: every block in the record area, every chain and every free list.
//
// It returns:
//   - report lists what was checked and every problem found
//   - err is dberr.FormatError if there were problems, so a sound database gives a nil error
func (D *DB) Check() (report *CheckReport, err error) {
	err = D.whole(func(table *index.Table) (e error) {
		r, e := table.Check()
		if e != nil {
			return
		}
		report = &CheckReport{
			Records:    r.Records,
			FreeBlocks: r.FreeBlocks,
			Blocks:     r.Blocks,
			Problems:   r.Problems,
		}
		if !r.OK() {
			e = dberr.FormatError{Msg: r.Problems[0]}
		}
		return
	})

	return
}

// read - Runs fn with the chain of key locked shared, the transaction's view is used without locking
func (D *DB) read(key []byte, fn func(table *index.Table) error) (err error) {
	err = D.checkOpen()
	if err != nil {
		return
	}
	if D.txn != nil {
		return fn(D.txn.table)
	}

	release, err := D.lockChain(D.bucket(key), lock.Shared)
	if err != nil {
		return
	}
	defer release()

	return fn(D.table)
}

// write - Runs fn with the chain of key locked exclusively, in a transaction fn works on the buffer
func (D *DB) write(key []byte, fn func(table *index.Table) error) (err error) {
	err = D.checkWritable()
	if err != nil {
		return
	}
	if D.txn != nil {
		return fn(D.txn.table)
	}

	release, err := D.lockChain(D.bucket(key), lock.Exclusive)
	if err != nil {
		return
	}
	defer release()

	return fn(D.table)
}

// whole - Runs fn with the all-record lock held shared
func (D *DB) whole(fn func(table *index.Table) error) (err error) {
	err = D.checkOpen()
	if err != nil {
		return
	}
	if D.txn != nil {
		return fn(D.txn.table)
	}

	offset, length := D.allRecordRange()
	release, err := D.lockChecked("allrecord", offset, length, lock.Shared)
	if err != nil {
		return
	}
	defer release()

	return fn(D.table)
}

// bucket - Returns the bucket of key
func (D *DB) bucket(key []byte) int64 {
	return hashfunc.BucketNumber(D.conf.HashFunc.Hash(key), D.hashSize)
}
