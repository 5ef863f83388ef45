//go:build unix && !linux

package lock

import "golang.org/x/sys/unix"

// Classic record locks are owned by the process: two handles on the same file in one
// process do not exclude each other, and closing any descriptor of the file drops all
// of the process' locks on it.
const (
	setLock     = unix.F_SETLK
	setLockWait = unix.F_SETLKW
)
