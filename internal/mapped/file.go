// Package mapped gives positioned read and write access to the database file.
//
// When mapping is enabled the whole file is mapped shared and read and written through
// memory. The mapping always covers exactly the size the file had when it was made: any
// growth is done on the file first and then the file is mapped again, never the other way
// around. Without mapping, or when mapping fails, the same calls use pread and pwrite.
package mapped

import (
	"fmt"
	"os"

	"github.com/gostonefire/filetdb/dberr"
	"golang.org/x/sys/unix"
)

// growChunk - Zeros are written in chunks of this size when the file is extended
const growChunk int64 = 64 * 1024

// File - The database file with its optional mapping
type File struct {
	file     *os.File
	name     string
	data     []byte
	size     int64
	useMmap  bool
	readOnly bool
}

// Open - Opens name and maps it if useMmap is true.
//   - flag and perm are passed to os.OpenFile
//   - useMmap set to false forces positioned I/O
//
// It returns:
//   - file is a pointer to the opened File
//   - err is a dberr.IOError if the file could not be opened
func Open(name string, flag int, perm os.FileMode, useMmap bool) (file *File, err error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		err = dberr.IOError{Op: "open", Err: err}
		return
	}

	file = &File{
		file:     f,
		name:     name,
		useMmap:  useMmap,
		readOnly: flag&(os.O_WRONLY|os.O_RDWR) == 0,
	}

	err = file.Refresh()
	if err != nil {
		_ = f.Close()
		file = nil
	}

	return
}

// Name - Returns the file name
func (F *File) Name() string {
	return F.name
}

// Fd - Returns the file descriptor, used for locking
func (F *File) Fd() uintptr {
	return F.file.Fd()
}

// Size - Returns the file size as last seen by this handle
func (F *File) Size() int64 {
	return F.size
}

// Mapped - Returns true if access goes through a memory mapping
func (F *File) Mapped() bool {
	return F.data != nil
}

// ReadOnly - Returns true if the file was opened without write access
func (F *File) ReadOnly() bool {
	return F.readOnly
}

// ReadAt - Returns a copy of length bytes at offset.
// If the range is beyond the known size the file is checked again, it may have been grown by another handle.
func (F *File) ReadAt(offset, length int64) (buf []byte, err error) {
	err = F.checkBounds(offset, length)
	if err != nil {
		return
	}

	buf = make([]byte, length)
	if F.data != nil {
		_ = copy(buf, F.data[offset:offset+length])
		return
	}

	_, err = F.file.ReadAt(buf, offset)
	if err != nil {
		buf = nil
		err = dberr.IOError{Op: "read", Err: err}
	}

	return
}

// WriteAt - Writes buf at offset, the file must already be big enough
func (F *File) WriteAt(offset int64, buf []byte) (err error) {
	if F.readOnly {
		err = dberr.ReadOnly{}
		return
	}
	err = F.checkBounds(offset, int64(len(buf)))
	if err != nil {
		return
	}

	if F.data != nil {
		_ = copy(F.data[offset:], buf)
		return
	}

	_, err = F.file.WriteAt(buf, offset)
	if err != nil {
		err = dberr.IOError{Op: "write", Err: err}
	}

	return
}

// Grow - Makes sure the file is at least size bytes, writing zeros to extend it, then maps it again
func (F *File) Grow(size int64) (err error) {
	if size <= F.size {
		return
	}
	if F.readOnly {
		err = dberr.ReadOnly{}
		return
	}

	// Someone else may already have grown the file
	err = F.Refresh()
	if err != nil || size <= F.size {
		return
	}

	err = F.unmap()
	if err != nil {
		return
	}

	zeros := make([]byte, growChunk)
	for pos := F.size; pos < size; pos += growChunk {
		n := size - pos
		if n > growChunk {
			n = growChunk
		}
		_, err = F.file.WriteAt(zeros[:n], pos)
		if err != nil {
			err = dberr.IOError{Op: "extend", Err: err}
			_ = F.Refresh()
			return
		}
	}

	err = F.Refresh()

	return
}

// Truncate - Sets the file to exactly size bytes and maps it again
func (F *File) Truncate(size int64) (err error) {
	if F.readOnly {
		err = dberr.ReadOnly{}
		return
	}

	err = F.unmap()
	if err != nil {
		return
	}

	err = F.file.Truncate(size)
	if err != nil {
		err = dberr.IOError{Op: "truncate", Err: err}
		_ = F.Refresh()
		return
	}

	err = F.Refresh()

	return
}

// Refresh - Checks the file size and maps the file again if it changed
func (F *File) Refresh() (err error) {
	stat, err := F.file.Stat()
	if err != nil {
		err = dberr.IOError{Op: "stat", Err: err}
		return
	}

	size := stat.Size()
	if size == F.size && (F.data != nil || !F.useMmap || size == 0) {
		return
	}

	err = F.unmap()
	if err != nil {
		return
	}
	F.size = size

	if F.useMmap && size > 0 {
		prot := unix.PROT_READ
		if !F.readOnly {
			prot |= unix.PROT_WRITE
		}
		data, e := unix.Mmap(int(F.file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
		if e != nil {
			// Fall back to positioned I/O for the rest of the life of the handle
			F.useMmap = false
			return
		}
		F.data = data
	}

	return
}

// Sync - Flushes the mapping and the file to stable storage
func (F *File) Sync() (err error) {
	if F.readOnly {
		return
	}
	if F.data != nil {
		err = unix.Msync(F.data, unix.MS_SYNC)
		if err != nil {
			err = dberr.IOError{Op: "msync", Err: err}
			return
		}
	}

	err = F.file.Sync()
	if err != nil {
		err = dberr.IOError{Op: "fsync", Err: err}
	}

	return
}

// Close - Unmaps and closes the file
func (F *File) Close() (err error) {
	err = F.unmap()
	e := F.file.Close()
	if e != nil && err == nil {
		err = dberr.IOError{Op: "close", Err: e}
	}

	return
}

// checkBounds - Fails with dberr.SizeError if offset and length are outside the file
func (F *File) checkBounds(offset, length int64) (err error) {
	if offset < 0 || length < 0 {
		err = dberr.SizeError{Offset: offset, Length: length, Size: F.size}
		return
	}
	if offset+length <= F.size {
		return
	}

	err = F.Refresh()
	if err != nil {
		return
	}
	if offset+length > F.size {
		err = dberr.SizeError{Offset: offset, Length: length, Size: F.size}
	}

	return
}

// unmap - Drops the mapping if there is one
func (F *File) unmap() (err error) {
	if F.data == nil {
		return
	}

	e := unix.Munmap(F.data)
	F.data = nil
	if e != nil {
		err = dberr.IOError{Op: "munmap", Err: fmt.Errorf("%s: %w", F.name, e)}
	}

	return
}
