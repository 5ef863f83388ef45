// Package lock wraps advisory byte-range file locks into the logical locks of the database.
//
// Every logical lock is a byte range of the database file. The kernel lock table does the
// arbitration between handles, the Manager only remembers what its own handle holds so
// that nested requests are counted instead of sent to the kernel again, and so Close can
// drop everything at once.
package lock

import (
	"errors"
	"fmt"

	"github.com/gostonefire/filetdb/dberr"
	"golang.org/x/sys/unix"
)

// Mode - Shared or exclusive
type Mode int

const (
	// Shared - Any number of handles may hold the range shared at the same time
	Shared Mode = iota
	// Exclusive - Only one handle may hold the range
	Exclusive
)

// String - Returns the mode name
func (M Mode) String() string {
	if M == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// lockRange - Identifies a held range
type lockRange struct {
	offset int64
	length int64
}

// contains - Returns true if r covers all of o
func (r lockRange) contains(o lockRange) bool {
	return r.offset <= o.offset && o.offset+o.length <= r.offset+r.length
}

// holding - What the handle holds on a range and how many times it was requested.
// A holding granted through a wider range the handle already holds has no kernel lock of its
// own, it keeps a count on the wider range instead so that range stays locked while it is held.
type holding struct {
	name  string
	mode  Mode
	count int
	cover *lockRange
}

// Manager - Keeps track of the locks one handle holds on one file
type Manager struct {
	fd   int
	wait bool
	held map[lockRange]*holding
}

// NewManager - Returns a lock manager for the file descriptor fd.
//   - wait set to true makes requests block until granted, false makes a denied request fail with dberr.WouldBlock
func NewManager(fd uintptr, wait bool) *Manager {
	return &Manager{
		fd:   int(fd),
		wait: wait,
		held: make(map[lockRange]*holding),
	}
}

// Wait - Returns true if requests block until granted
func (M *Manager) Wait() bool {
	return M.wait
}

// Lock - Acquires a range in the given mode using the manager's default wait behaviour.
// A range already held, or lying inside a range held, in the same or a stronger mode is counted
// and granted without a system call.
// Asking for exclusive on a range held shared is refused, use Upgrade for that.
func (M *Manager) Lock(name string, offset, length int64, mode Mode) (err error) {
	return M.lock(name, offset, length, mode, M.wait)
}

// TryLock - Same as Lock but never waits
func (M *Manager) TryLock(name string, offset, length int64, mode Mode) (err error) {
	return M.lock(name, offset, length, mode, false)
}

// lock - Does the bookkeeping of a lock request
func (M *Manager) lock(name string, offset, length int64, mode Mode, wait bool) (err error) {
	r := lockRange{offset: offset, length: length}
	if h, ok := M.held[r]; ok {
		if mode == Exclusive && h.mode == Shared {
			err = dberr.InvalidArgument{Msg: fmt.Sprintf("%s lock is held shared, nested exclusive request refused", name)}
			return
		}
		h.count++
		return
	}

	if cover, ok := M.covering(r, mode); ok {
		M.held[cover].count++
		M.held[r] = &holding{name: name, mode: mode, count: 1, cover: &cover}
		return
	}

	err = M.kernelLock(name, offset, length, mode, wait)
	if err != nil {
		return
	}
	M.held[r] = &holding{name: name, mode: mode, count: 1}

	return
}

// Unlock - Releases one request for a range, the kernel lock is dropped with the last one
func (M *Manager) Unlock(offset, length int64) (err error) {
	r := lockRange{offset: offset, length: length}
	h, ok := M.held[r]
	if !ok {
		err = dberr.InvalidArgument{Msg: fmt.Sprintf("unlock of range %d+%d that is not held", offset, length)}
		return
	}

	h.count--
	if h.count > 0 {
		return
	}
	delete(M.held, r)
	if h.cover != nil {
		return M.Unlock(h.cover.offset, h.cover.length)
	}

	err = fcntl(M.fd, setLock, unix.F_UNLCK, offset, length)
	if err != nil {
		err = dberr.IOError{Op: fmt.Sprintf("unlock %s", h.name), Err: err}
	}

	return
}

// Acquire - Locks a range and returns the function releasing it, meant for defer
func (M *Manager) Acquire(name string, offset, length int64, mode Mode) (release func(), err error) {
	err = M.Lock(name, offset, length, mode)
	if err != nil {
		return
	}
	release = func() { _ = M.Unlock(offset, length) }

	return
}

// Upgrade - Turns a range held shared into exclusive, waiting according to the manager's default.
// If the upgrade is denied the shared lock is still held.
func (M *Manager) Upgrade(offset, length int64) (err error) {
	r := lockRange{offset: offset, length: length}
	h, ok := M.held[r]
	if !ok {
		err = dberr.InvalidArgument{Msg: fmt.Sprintf("upgrade of range %d+%d that is not held", offset, length)}
		return
	}
	if h.mode == Exclusive {
		return
	}
	if h.cover != nil {
		if M.held[*h.cover].mode != Exclusive {
			err = dberr.InvalidArgument{Msg: fmt.Sprintf("%s lock is held through a shared %s lock, upgrade that one", h.name, M.held[*h.cover].name)}
			return
		}
		h.mode = Exclusive
		return
	}

	err = M.kernelLock(h.name, offset, length, Exclusive, M.wait)
	if err != nil {
		return
	}
	h.mode = Exclusive

	return
}

// Downgrade - Turns a range held exclusive into shared
func (M *Manager) Downgrade(offset, length int64) (err error) {
	r := lockRange{offset: offset, length: length}
	h, ok := M.held[r]
	if !ok {
		err = dberr.InvalidArgument{Msg: fmt.Sprintf("downgrade of range %d+%d that is not held", offset, length)}
		return
	}
	if h.mode == Shared {
		return
	}
	if h.cover != nil {
		h.mode = Shared
		return
	}
	for _, inner := range M.held {
		if inner.cover != nil && *inner.cover == r && inner.mode == Exclusive {
			err = dberr.InvalidArgument{Msg: fmt.Sprintf("%s lock is held exclusive inside %s, downgrade refused", inner.name, h.name)}
			return
		}
	}

	err = M.kernelLock(h.name, offset, length, Shared, false)
	if err != nil {
		return
	}
	h.mode = Shared

	return
}

// Holds - Returns the mode a range is held in, ok is false if it is not held
func (M *Manager) Holds(offset, length int64) (mode Mode, ok bool) {
	h, ok := M.held[lockRange{offset: offset, length: length}]
	if ok {
		mode = h.mode
	}

	return
}

// ReleaseAll - Drops every lock the handle holds
func (M *Manager) ReleaseAll() (err error) {
	for r, h := range M.held {
		delete(M.held, r)
		if h.cover != nil {
			continue
		}
		e := fcntl(M.fd, setLock, unix.F_UNLCK, r.offset, r.length)
		if e != nil && err == nil {
			err = dberr.IOError{Op: fmt.Sprintf("unlock %s", h.name), Err: e}
		}
	}

	return
}

// covering - Finds a range held with kernel lock of its own that contains r in a mode at least as strong as mode
func (M *Manager) covering(r lockRange, mode Mode) (cover lockRange, ok bool) {
	for c, h := range M.held {
		if h.cover == nil && c.contains(r) && (h.mode == Exclusive || mode == Shared) {
			return c, true
		}
	}

	return
}

// kernelLock - Sends a lock request to the kernel and maps contention to dberr.WouldBlock
func (M *Manager) kernelLock(name string, offset, length int64, mode Mode, wait bool) (err error) {
	var typ int16 = unix.F_RDLCK
	if mode == Exclusive {
		typ = unix.F_WRLCK
	}
	cmd := setLock
	if wait {
		cmd = setLockWait
	}

	err = fcntl(M.fd, cmd, typ, offset, length)
	if err == nil {
		return
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		err = dberr.WouldBlock{Lock: name}
		return
	}
	err = dberr.IOError{Op: fmt.Sprintf("%s lock %s", mode, name), Err: err}

	return
}

// fcntl - Issues one fcntl lock call, retrying only when interrupted by a signal
func fcntl(fd int, cmd int, typ int16, offset, length int64) (err error) {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: 0,
		Start:  offset,
		Len:    length,
	}
	for {
		err = unix.FcntlFlock(uintptr(fd), cmd, &lk)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}
