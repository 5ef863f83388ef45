// Package dberr holds the error kinds returned by every layer of filetdb.
//
// All kinds are small value types. Each implements Is so that errors.Is matches on the
// kind alone, regardless of the message carried:
//
//	if errors.Is(err, dberr.NotFound{}) { ... }
package dberr

import "fmt"

// FormatError - The file does not carry a valid header, or a record envelope is corrupt
type FormatError struct {
	Msg string
}

// Error - Used to notify that the file format is not recognized
func (E FormatError) Error() string {
	if E.Msg == "" {
		return "invalid database format"
	}
	return fmt.Sprintf("invalid database format: %s", E.Msg)
}

// Is - Matches any FormatError
func (E FormatError) Is(target error) bool {
	_, ok := target.(FormatError)
	return ok
}

// IOError - An underlying read, write, sync, map or lock call failed
type IOError struct {
	Op  string
	Err error
}

// Error - Used to notify that a system call failed
func (E IOError) Error() string {
	if E.Err == nil {
		return fmt.Sprintf("i/o error during %s", E.Op)
	}
	return fmt.Sprintf("i/o error during %s: %s", E.Op, E.Err)
}

// Unwrap - Returns the system error
func (E IOError) Unwrap() error {
	return E.Err
}

// Is - Matches any IOError
func (E IOError) Is(target error) bool {
	_, ok := target.(IOError)
	return ok
}

// KeyExists - A store in insert mode found the key already present
type KeyExists struct {
	msg string
}

// Error - Used to notify that the key exists
func (E KeyExists) Error() string {
	if E.msg == "" {
		return "key already exists"
	}
	return E.msg
}

// Is - Matches any KeyExists
func (E KeyExists) Is(target error) bool {
	_, ok := target.(KeyExists)
	return ok
}

// NotFound - Custom error to inform that no record was found
type NotFound struct {
	msg string
}

// Error - Used to notify that no record was found
func (E NotFound) Error() string {
	if E.msg == "" {
		return "no record found"
	}
	return E.msg
}

// Is - Matches any NotFound
func (E NotFound) Is(target error) bool {
	_, ok := target.(NotFound)
	return ok
}

// WouldBlock - A non-blocking lock request was denied
type WouldBlock struct {
	Lock string
}

// Error - Used to notify that a lock is held by someone else
func (E WouldBlock) Error() string {
	if E.Lock == "" {
		return "lock would block"
	}
	return fmt.Sprintf("%s lock would block", E.Lock)
}

// Is - Matches any WouldBlock
func (E WouldBlock) Is(target error) bool {
	_, ok := target.(WouldBlock)
	return ok
}

// AlreadyActive - A transaction was started on a handle that already has one
type AlreadyActive struct{}

// Error - Used to notify that a transaction is already open
func (E AlreadyActive) Error() string {
	return "transaction already active"
}

// NoActiveTransaction - Commit or cancel without a transaction
type NoActiveTransaction struct{}

// Error - Used to notify that there is no transaction to commit or cancel
func (E NoActiveTransaction) Error() string {
	return "no active transaction"
}

// SizeError - A length or offset would run past the end of the file
type SizeError struct {
	Offset int64
	Length int64
	Size   int64
}

// Error - Used to notify that an access is out of bounds
func (E SizeError) Error() string {
	return fmt.Sprintf("access of %d bytes at offset %d beyond file size %d", E.Length, E.Offset, E.Size)
}

// Is - Matches any SizeError
func (E SizeError) Is(target error) bool {
	_, ok := target.(SizeError)
	return ok
}

// ReadOnly - A mutating operation was attempted on a read only handle
type ReadOnly struct{}

// Error - Used to notify that the database is opened read only
func (E ReadOnly) Error() string {
	return "database opened read only"
}

// InvalidArgument - The caller supplied an argument outside the supported range
type InvalidArgument struct {
	Msg string
}

// Error - Used to notify about a bad argument
func (E InvalidArgument) Error() string {
	if E.Msg == "" {
		return "invalid argument"
	}
	return E.Msg
}

// Is - Matches any InvalidArgument
func (E InvalidArgument) Is(target error) bool {
	_, ok := target.(InvalidArgument)
	return ok
}

// NewNotFound - Returns a NotFound carrying a message
func NewNotFound(msg string) NotFound {
	return NotFound{msg: msg}
}

// NewKeyExists - Returns a KeyExists carrying a message
func NewKeyExists(msg string) KeyExists {
	return KeyExists{msg: msg}
}
