//go:build linux

package lock

import "golang.org/x/sys/unix"

// Open file description locks belong to the open file, not the process, so two handles
// in one process contend with each other exactly like two processes do.
const (
	setLock     = unix.F_OFD_SETLK
	setLockWait = unix.F_OFD_SETLKW
)
