// Package filetdb is an embedded key-value store kept in a single file that any number of
// processes can open at the same time.
//
// Processes coordinate through advisory byte-range locks on the file only, there is no
// server and no shared memory besides the file itself. Records are found through a hash
// directory of chains, free space is kept in size-classed free lists, and transactions are
// committed through a recovery area so that a crash never leaves a half-applied
// transaction behind.
//
// A DB handle is meant to be used by one goroutine at a time.
package filetdb

import (
	"errors"
	"fmt"
	"os"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/hashfunc"
	"github.com/gostonefire/filetdb/internal/index"
	"github.com/gostonefire/filetdb/internal/layout"
	"github.com/gostonefire/filetdb/internal/lock"
	"github.com/gostonefire/filetdb/internal/mapped"
	"github.com/gostonefire/filetdb/internal/transaction"
	"github.com/sirupsen/logrus"
)

// Flags - Options of Open
type Flags uint32

const (
	// ClearIfFirst - Wipe the database if no other handle has it open
	ClearIfFirst Flags = 1 << iota
	// NoMmap - Use positioned reads and writes instead of a memory mapping
	NoMmap
	// ReadOnly - Open without write access, every mutating call fails with dberr.ReadOnly
	ReadOnly
	// NoLockWait - Fail with dberr.WouldBlock instead of waiting for a lock
	NoLockWait
)

// StoreMode - How Store treats an existing key
type StoreMode int

const (
	// Insert - Store fails with dberr.KeyExists if the key is present
	Insert StoreMode = iota
	// Replace - Store inserts or overwrites
	Replace
	// Modify - Store fails with dberr.NotFound if the key is missing
	Modify
)

// Config - Options for Open
//   - HashSize is the number of buckets of a new database, rounded up to a power of two. Zero gives the default. Ignored for an existing database.
//   - Flags is a combination of ClearIfFirst, NoMmap, ReadOnly and NoLockWait
//   - OpenFlag is passed to the open system call, O_TRUNC is taken as ClearIfFirst. Zero means os.O_RDWR|os.O_CREATE.
//   - Mode is the permission of a created file. Zero means 0600.
//   - HashFunc must be the same algorithm the database was created with. Nil means hashfunc.Default.
//   - Logger receives the handle's log entries. Nil means logrus.StandardLogger.
type Config struct {
	HashSize int64
	Flags    Flags
	OpenFlag int
	Mode     os.FileMode
	HashFunc hashfunc.HashAlgorithm
	Logger   logrus.FieldLogger
}

// DefaultConfig - Returns the configuration used for a plain read-write open
func DefaultConfig() Config {
	return Config{
		HashSize: layout.DefaultHashSize,
		OpenFlag: os.O_RDWR | os.O_CREATE,
		Mode:     0600,
		HashFunc: hashfunc.Default(),
		Logger:   logrus.StandardLogger(),
	}
}

// DB - An open database
type DB struct {
	path     string
	conf     Config
	readOnly bool
	file     *mapped.File
	locks    *lock.Manager
	log      logrus.FieldLogger
	table    *index.Table
	hashSize int64
	txn      *txnState
	closed   bool
	// commitHook is called by commits at each stage, tests use it to stop a commit half way
	commitHook transaction.Hook
}

// Open - Opens or creates the database in path.
//
// The open lock is held for the whole call, so opens are serialized. If ClearIfFirst is set (or
// O_TRUNC is in OpenFlag) and no other handle has the database open, it is wiped. An empty file is
// initialized. An interrupted commit found in the file is rolled back before Open returns.
//
// It returns:
//   - db is a pointer to the opened DB
//   - err is dberr.FormatError if the file is not a database or was created with another hash function,
//     dberr.WouldBlock if NoLockWait is set and a lock was not free, or dberr.IOError.
func Open(path string, conf Config) (db *DB, err error) {
	if path == "" {
		err = dberr.InvalidArgument{Msg: "path can not be empty"}
		return
	}

	defaults := DefaultConfig()
	if conf.HashFunc == nil {
		conf.HashFunc = defaults.HashFunc
	}
	if conf.Logger == nil {
		conf.Logger = defaults.Logger
	}
	if conf.OpenFlag == 0 {
		conf.OpenFlag = defaults.OpenFlag
	}
	if conf.Mode == 0 {
		conf.Mode = defaults.Mode
	}

	flag := conf.OpenFlag
	readOnly := conf.Flags&ReadOnly != 0 || flag&(os.O_WRONLY|os.O_RDWR) == 0
	truncate := flag&os.O_TRUNC != 0
	flag &^= os.O_TRUNC
	if readOnly {
		flag = os.O_RDONLY
	} else {
		// Writes go through a shared mapping, which needs read access
		flag = flag&^os.O_WRONLY | os.O_RDWR
	}

	f, err := mapped.Open(path, flag, conf.Mode, conf.Flags&NoMmap == 0)
	if err != nil {
		return
	}

	db = &DB{
		path:     path,
		conf:     conf,
		readOnly: readOnly,
		file:     f,
		locks:    lock.NewManager(f.Fd(), conf.Flags&NoLockWait == 0),
		log:      conf.Logger.WithFields(logrus.Fields{"path": path, "pid": os.Getpid()}),
	}
	db.table = index.NewTable(f, conf.HashFunc, db.lockAllocation)

	err = db.open(truncate || conf.Flags&ClearIfFirst != 0)
	if err != nil {
		countWouldBlock(err)
		_ = db.locks.ReleaseAll()
		_ = f.Close()
		db = nil
		return
	}

	db.log.WithFields(logrus.Fields{"buckets": db.hashSize, "mmap": f.Mapped(), "read_only": readOnly}).Debug("database opened")

	return
}

// open - Runs the open protocol under the open lock. A read only handle can not hold write
// locks, it takes the open lock shared and never initializes or wipes anything.
func (D *DB) open(clearIfFirst bool) (err error) {
	openMode := lock.Exclusive
	if D.readOnly {
		openMode = lock.Shared
	}
	release, err := D.locks.Acquire("open", layout.OpenLockOffset, 1, openMode)
	if err != nil {
		return
	}
	defer release()

	first := false
	if clearIfFirst && !D.readOnly {
		err = D.locks.TryLock("active", layout.ActiveLockOffset, 1, lock.Exclusive)
		switch {
		case err == nil:
			first = true
		case errors.Is(err, dberr.WouldBlock{}):
			err = nil
		default:
			return
		}
	}

	if first {
		err = D.file.Truncate(0)
		if err != nil {
			return
		}
		_, err = index.Format(D.file, D.conf.HashSize, D.conf.HashFunc)
		if err != nil {
			return
		}
		err = D.file.Sync()
		if err != nil {
			return
		}
		err = D.locks.Downgrade(layout.ActiveLockOffset, 1)
		if err != nil {
			return
		}
		clearIfFirstTotal.Inc()
		D.log.Info("first opener, database cleared")
	} else {
		if D.file.Size() == 0 {
			if D.readOnly {
				err = dberr.FormatError{Msg: "empty file"}
				return
			}
			_, err = index.Format(D.file, D.conf.HashSize, D.conf.HashFunc)
			if err != nil {
				return
			}
			err = D.file.Sync()
			if err != nil {
				return
			}
			D.log.Debug("empty file initialized")
		}
		err = D.locks.Lock("active", layout.ActiveLockOffset, 1, lock.Shared)
		if err != nil {
			return
		}
	}

	header, err := D.table.ReadHeader()
	if err != nil {
		return
	}
	if header.HashCheck != hashfunc.CheckValue(D.conf.HashFunc) {
		err = dberr.FormatError{Msg: "database was created with another hash function"}
		return
	}
	D.hashSize = header.HashSize

	needed, err := transaction.NeedsRecovery(D.file)
	if err != nil || !needed {
		return
	}

	return D.recover()
}

// Close - Cancels an active transaction, releases every lock and closes the file.
// Calling Close more than once is harmless.
func (D *DB) Close() (err error) {
	if D.closed {
		return
	}

	if D.txn != nil {
		D.dropTransaction()
		cancelsTotal.Inc()
		D.log.Debug("transaction cancelled by close")
	}

	err = D.locks.ReleaseAll()
	e := D.file.Close()
	if err == nil {
		err = e
	}
	D.closed = true

	D.log.Debug("database closed")

	return
}

// Path - Returns the path the database was opened with
func (D *DB) Path() string {
	return D.path
}

// checkOpen - Refuses calls on a closed handle
func (D *DB) checkOpen() (err error) {
	if D.closed {
		err = dberr.InvalidArgument{Msg: "database is closed"}
	}

	return
}

// checkWritable - Refuses mutating calls on a closed or read only handle
func (D *DB) checkWritable() (err error) {
	err = D.checkOpen()
	if err == nil && D.readOnly {
		err = dberr.ReadOnly{}
	}

	return
}

// lockAllocation - Takes the allocation lock, handed to the index of the file
func (D *DB) lockAllocation() (release func(), err error) {
	return D.locks.Acquire("allocation", layout.AllocationLockOffset, 1, lock.Exclusive)
}

// lockChain - Takes the lock of a bucket's chain
func (D *DB) lockChain(bucket int64, mode lock.Mode) (release func(), err error) {
	return D.lockChecked("chain", layout.ChainLockBase+bucket, 1, mode)
}

// lockChecked - Takes a lock on records. If an interrupted commit is found once the lock is held,
// the lock is given up, the commit rolled back and the lock taken again.
func (D *DB) lockChecked(name string, offset, length int64, mode lock.Mode) (release func(), err error) {
	for {
		release, err = D.locks.Acquire(name, offset, length, mode)
		if err != nil {
			countWouldBlock(err)
			return
		}

		var needed bool
		needed, err = transaction.NeedsRecovery(D.file)
		if err == nil && !needed {
			return
		}
		release()
		release = nil
		if err != nil {
			return
		}

		err = D.recover()
		if err != nil {
			return
		}
	}
}

// allRecordRange - Returns the lock range covering every chain lock
func (D *DB) allRecordRange() (offset, length int64) {
	return layout.ChainLockBase, D.hashSize
}

// recover - Rolls back an interrupted commit holding the transaction and all-record locks exclusively
func (D *DB) recover() (err error) {
	if D.readOnly {
		err = dberr.ReadOnly{}
		err = fmt.Errorf("database has an interrupted commit to roll back: %w", err)
		return
	}

	releaseTxn, err := D.locks.Acquire("transaction", layout.TransactionLockOffset, 1, lock.Exclusive)
	if err != nil {
		countWouldBlock(err)
		return
	}
	defer releaseTxn()

	offset, length := D.allRecordRange()
	releaseAll, err := D.locks.Acquire("allrecord", offset, length, lock.Exclusive)
	if err != nil {
		countWouldBlock(err)
		return
	}
	defer releaseAll()

	return D.recoverLocked()
}

// recoverLocked - Rolls back an interrupted commit, the caller holds the transaction and all-record locks exclusively
func (D *DB) recoverLocked() (err error) {
	recovered, err := transaction.Recover(D.file)
	if err != nil {
		err = fmt.Errorf("recovery of interrupted commit failed: %w", err)
		return
	}
	if recovered {
		recoveriesTotal.Inc()
		D.log.Warn("interrupted commit rolled back")
	}

	return
}

// current - Returns the index the handle's operations go through, the transaction's if one is active
func (D *DB) current() *index.Table {
	if D.txn != nil {
		return D.txn.table
	}

	return D.table
}

// toIndexMode - Converts a StoreMode
func toIndexMode(mode StoreMode) (m index.Mode, err error) {
	switch mode {
	case Insert:
		m = index.Insert
	case Replace:
		m = index.Replace
	case Modify:
		m = index.Modify
	default:
		err = dberr.InvalidArgument{Msg: fmt.Sprintf("unknown store mode %d", mode)}
	}

	return
}
