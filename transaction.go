package filetdb

import (
	"time"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/internal/index"
	"github.com/gostonefire/filetdb/internal/layout"
	"github.com/gostonefire/filetdb/internal/lock"
	"github.com/gostonefire/filetdb/internal/transaction"
	"github.com/sirupsen/logrus"
)

// txnState - An active transaction of a handle
type txnState struct {
	buffer  *transaction.Buffer
	table   *index.Table
	started time.Time
}

// TransactionStart - Starts a transaction on the handle.
//
// Until it is committed or cancelled every Store, Delete, Append and Wipe of the handle is only
// buffered and other handles keep seeing the database as it was. Writers of other handles wait
// for the transaction to end, readers only wait while it commits.
//
// It returns:
//   - err is dberr.AlreadyActive if the handle already has a transaction, dberr.WouldBlock if
//     NoLockWait is set and another handle has a transaction, or dberr.ReadOnly
func (D *DB) TransactionStart() (err error) {
	err = D.checkWritable()
	if err != nil {
		return
	}
	if D.txn != nil {
		err = dberr.AlreadyActive{}
		return
	}

	err = D.locks.Lock("transaction", layout.TransactionLockOffset, 1, lock.Exclusive)
	if err != nil {
		countWouldBlock(err)
		return
	}
	offset, length := D.allRecordRange()
	err = D.locks.Lock("allrecord", offset, length, lock.Shared)
	if err != nil {
		countWouldBlock(err)
		_ = D.locks.Unlock(layout.TransactionLockOffset, 1)
		return
	}

	err = D.beginLocked()
	if err != nil {
		D.releaseTransactionLocks()
		return
	}

	D.log.Debug("transaction started")

	return
}

// TransactionCommit - Makes the changes of the active transaction durable and visible to all handles.
// If another handle is reading and NoLockWait is set, dberr.WouldBlock is returned and the
// transaction stays active so the commit can be retried.
func (D *DB) TransactionCommit() (err error) {
	err = D.checkOpen()
	if err != nil {
		return
	}
	if D.txn == nil {
		err = dberr.NoActiveTransaction{}
		return
	}

	err = D.upgradeAllRecord()
	if err != nil {
		return
	}
	defer D.endTransaction()

	_, err = D.commitLocked()

	return
}

// TransactionCancel - Throws away the changes of the active transaction
func (D *DB) TransactionCancel() (err error) {
	err = D.checkOpen()
	if err != nil {
		return
	}
	if D.txn == nil {
		err = dberr.NoActiveTransaction{}
		return
	}

	D.endTransaction()
	cancelsTotal.Inc()
	D.log.Debug("transaction cancelled")

	return
}

// Repack - Rewrites all records back to back from the start of the record area, dropping all
// free space, and shrinks the file. Readers and writers of every handle wait while it runs.
func (D *DB) Repack() (err error) {
	err = D.TransactionStart()
	if err != nil {
		return
	}
	defer D.endTransaction()

	err = D.upgradeAllRecord()
	if err != nil {
		return
	}

	table := D.txn.table
	header, err := table.ReadHeader()
	if err != nil {
		return
	}

	var records []layout.Record
	for bucket := int64(0); bucket < header.HashSize; bucket++ {
		var chain []layout.Record
		chain, err = table.Chain(header, bucket)
		if err != nil {
			return
		}
		records = append(records, chain...)
	}

	err = table.Reset()
	if err != nil {
		return
	}
	// Chains are rebuilt in reverse so that each ends up in its original order
	for i := len(records) - 1; i >= 0; i-- {
		err = table.Store(records[i].Key, records[i].Value, index.Insert)
		if err != nil {
			return
		}
	}

	stats, err := D.commitLocked()
	if err != nil {
		return
	}

	header, err = D.table.ReadHeader()
	if err != nil {
		return
	}
	before := D.file.Size()
	err = D.shrink(header)
	if err != nil {
		return
	}

	D.log.WithFields(logrus.Fields{
		"records":    len(records),
		"size":       D.file.Size(),
		"freed":      before - D.file.Size(),
		"undo_bytes": stats.UndoBytes,
	}).Info("database repacked")

	return
}

// Wipe - Deletes every record. Inside a transaction it becomes part of the transaction, otherwise
// it runs in a transaction of its own.
func (D *DB) Wipe() (err error) {
	err = D.checkWritable()
	if err != nil {
		return
	}
	if D.txn != nil {
		return D.txn.table.Reset()
	}

	err = D.TransactionStart()
	if err != nil {
		return
	}

	err = D.txn.table.Reset()
	if err != nil {
		_ = D.TransactionCancel()
		return
	}

	err = D.TransactionCommit()
	if err == nil {
		D.log.Info("database wiped")
	}

	return
}

// beginLocked - Rolls back any interrupted commit and sets up the transaction buffer, the caller
// holds the transaction lock exclusively and the all-record lock shared
func (D *DB) beginLocked() (err error) {
	needed, err := transaction.NeedsRecovery(D.file)
	if err != nil {
		return
	}
	if needed {
		err = D.upgradeAllRecord()
		if err != nil {
			return
		}
		err = D.recoverLocked()
		if err != nil {
			return
		}
		offset, length := D.allRecordRange()
		err = D.locks.Downgrade(offset, length)
		if err != nil {
			return
		}
	}

	buffer, err := transaction.NewBuffer(D.file)
	if err != nil {
		return
	}
	D.txn = &txnState{
		buffer:  buffer,
		table:   index.NewTable(buffer, D.conf.HashFunc, nil),
		started: time.Now(),
	}

	return
}

// commitLocked - Writes the buffered changes, the caller holds the all-record lock exclusively
func (D *DB) commitLocked() (stats transaction.CommitStats, err error) {
	start := time.Now()
	stats, err = transaction.Commit(D.file, D.txn.buffer, D.commitHook)
	if err != nil {
		D.log.WithError(err).Error("transaction commit failed")
		return
	}
	commitsTotal.Inc()
	commitDuration.UpdateDuration(start)

	D.log.WithFields(logrus.Fields{
		"ranges":         stats.Ranges,
		"bytes":          stats.Bytes,
		"undo_bytes":     stats.UndoBytes,
		"recovery_start": stats.RecoveryStart,
		"reused":         stats.Reused,
		"duration":       time.Since(D.txn.started),
	}).Debug("transaction committed")

	return
}

// shrink - Cuts the file right after the data, dropping the recovery area. The caller holds the
// all-record lock exclusively.
func (D *DB) shrink(header layout.Header) (err error) {
	if header.RecoveryStart != 0 {
		header.RecoveryStart = 0
		err = D.table.WriteHeader(header)
		if err != nil {
			return
		}
		err = D.file.Sync()
		if err != nil {
			return
		}
	}

	err = D.file.Truncate(header.DataEnd)
	if err != nil {
		return
	}

	return D.file.Sync()
}

// upgradeAllRecord - Makes the all-record lock exclusive, waiting for readers of other handles
func (D *DB) upgradeAllRecord() (err error) {
	offset, length := D.allRecordRange()
	err = D.locks.Upgrade(offset, length)
	countWouldBlock(err)

	return
}

// endTransaction - Drops the transaction state and releases its locks
func (D *DB) endTransaction() {
	if D.txn == nil {
		return
	}
	D.dropTransaction()
}

// dropTransaction - Forgets the buffered changes and releases the transaction's locks
func (D *DB) dropTransaction() {
	D.txn = nil
	D.releaseTransactionLocks()
}

// releaseTransactionLocks - Releases the all-record and transaction locks
func (D *DB) releaseTransactionLocks() {
	offset, length := D.allRecordRange()
	if _, ok := D.locks.Holds(offset, length); ok {
		_ = D.locks.Unlock(offset, length)
	}
	if _, ok := D.locks.Holds(layout.TransactionLockOffset, 1); ok {
		_ = D.locks.Unlock(layout.TransactionLockOffset, 1)
	}
}
