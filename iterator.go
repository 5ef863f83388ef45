package filetdb

import (
	"errors"

	"github.com/gostonefire/filetdb/internal/layout"
	"github.com/gostonefire/filetdb/internal/lock"
)

// Iterator - Walks all records one chain at a time.
// Each chain is read under its own lock, so records stored or deleted by other handles while the
// iteration runs may or may not be seen, but every record that exists from start to end is seen once.
type Iterator struct {
	db      *DB
	bucket  int64
	pending []layout.Record
	key     []byte
	value   []byte
	err     error
}

// Iterator - Returns an iterator positioned before the first record
func (D *DB) Iterator() *Iterator {
	return &Iterator{db: D}
}

// Next - Moves to the next record and returns true, or returns false when there are no more
// records or an error occurred
func (I *Iterator) Next() bool {
	for len(I.pending) == 0 {
		if I.err != nil || I.bucket >= I.db.hashSize {
			I.key, I.value = nil, nil
			return false
		}
		I.pending, I.err = I.db.chain(I.bucket)
		I.bucket++
	}

	I.key = I.pending[0].Key
	I.value = I.pending[0].Value
	I.pending = I.pending[1:]

	return true
}

// Key - Returns the key of the current record
func (I *Iterator) Key() []byte {
	return I.key
}

// Value - Returns the value of the current record
func (I *Iterator) Value() []byte {
	return I.value
}

// Err - Returns the error that ended the iteration, if any
func (I *Iterator) Err() error {
	return I.err
}

// Reset - Positions the iterator before the first record again
func (I *Iterator) Reset() {
	I.bucket = 0
	I.pending = nil
	I.key, I.value = nil, nil
	I.err = nil
}

// Traverse - Calls visit for every record. visit may store and delete, also the record it is given.
// Returning StopTraverse from visit ends the traversal without an error, any other error ends it
// and is returned.
//
// It returns:
//   - count is the number of records visit was called with
//   - err is the error returned by visit or met while reading
func (D *DB) Traverse(visit func(key, value []byte) error) (count int64, err error) {
	it := D.Iterator()
	for it.Next() {
		count++
		err = visit(it.Key(), it.Value())
		if errors.Is(err, StopTraverse{}) {
			err = nil
			return
		}
		if err != nil {
			return
		}
	}
	err = it.Err()

	return
}

// chain - Reads all records of a bucket under the bucket's lock
func (D *DB) chain(bucket int64) (records []layout.Record, err error) {
	err = D.checkOpen()
	if err != nil {
		return
	}

	if D.txn == nil {
		var release func()
		release, err = D.lockChain(bucket, lock.Shared)
		if err != nil {
			return
		}
		defer release()
	}

	table := D.current()
	header, err := table.ReadHeader()
	if err != nil {
		return
	}

	return table.Chain(header, bucket)
}
