package transaction

import (
	"fmt"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/internal/index"
	"github.com/gostonefire/filetdb/internal/layout"
	"github.com/gostonefire/filetdb/internal/utils"
)

// File - The database file as needed by Commit and Recover
type File interface {
	index.Storage
	Sync() error
}

// Stage - A point in Commit where the file is in a state a crash could leave it in
type Stage int

const (
	// StageRecoveryWritten - The recovery area is valid and nothing has been applied
	StageRecoveryWritten Stage = iota
	// StageApplied - Everything is applied and the recovery area is still valid
	StageApplied
)

// String - Returns the name of the stage
func (S Stage) String() string {
	switch S {
	case StageRecoveryWritten:
		return "recovery written"
	case StageApplied:
		return "applied"
	default:
		return fmt.Sprintf("stage %d", int(S))
	}
}

// Hook - Called by Commit at each Stage, an error stops the commit right there
type Hook func(stage Stage) error

// CommitStats - What a commit wrote
type CommitStats struct {
	Ranges        int
	Bytes         int64
	UndoBytes     int64
	RecoveryStart int64
	Reused        bool
}

// Commit - Writes the contents of b to f.
//
// The old contents of every range about to be overwritten is first saved in the recovery area,
// which sits past the end of both the old and the new data. Only when the area is synced and
// marked valid is the new data written. When that is synced too the area is marked invalid again.
// The area is left in the file and reused by the next commit if it fits.
//
// The caller must hold the transaction lock and the all-record lock exclusively.
// A failure while applying rolls the file back before returning. A failure returned by hook is
// passed on as is and leaves the file exactly as a crash at that stage would.
func Commit(f File, b *Buffer, hook Hook) (stats CommitStats, err error) {
	if !b.Dirty() {
		return
	}
	if hook == nil {
		hook = func(Stage) error { return nil }
	}

	newHeader, err := readHeader(b)
	if err != nil {
		return
	}
	oldHeader, err := readHeader(f)
	if err != nil {
		return
	}

	recoveryStart := oldHeader.DataEnd
	if newHeader.DataEnd > recoveryStart {
		recoveryStart = newHeader.DataEnd
	}
	recoveryStart = utils.Align(recoveryStart, layout.RecoveryAlignment)
	stats.RecoveryStart = recoveryStart

	// The new header keeps pointing at the area
	err = b.WriteAt(layout.RecoveryStartOffset, layout.PutOffset(recoveryStart))
	if err != nil {
		return
	}

	ranges := b.Ranges(newHeader.DataEnd)
	lengths := make([]int64, len(ranges))
	for i, r := range ranges {
		end := r.Offset + int64(len(r.Data))
		if end > oldHeader.DataEnd {
			end = oldHeader.DataEnd
		}
		if end > r.Offset {
			lengths[i] = end - r.Offset
		}
		stats.Bytes += int64(len(r.Data))
	}
	stats.Ranges = len(ranges)
	payloadLength := layout.RecoveryPayloadLength(lengths...)

	capacity, reused, err := prepareArea(f, oldHeader, recoveryStart, payloadLength)
	if err != nil {
		return
	}
	stats.Reused = reused

	if oldHeader.RecoveryStart != recoveryStart {
		err = f.WriteAt(layout.RecoveryStartOffset, layout.PutOffset(recoveryStart))
		if err != nil {
			return
		}
	}

	// Old contents are read after the pointer above is set so that a rollback keeps it
	var entries []layout.RecoveryEntry
	for i, r := range ranges {
		if lengths[i] == 0 {
			continue
		}
		var data []byte
		data, err = f.ReadAt(r.Offset, lengths[i])
		if err != nil {
			return
		}
		entries = append(entries, layout.RecoveryEntry{Offset: r.Offset, Data: data})
		stats.UndoBytes += lengths[i]
	}
	payload, checksum := layout.RecoveryEntriesToBytes(entries)

	area := layout.RecoveryHeader{
		Magic:         layout.RecoveryInvalidMagic,
		Capacity:      capacity,
		PayloadLength: int64(len(payload)),
		OldDataEnd:    oldHeader.DataEnd,
		Checksum:      checksum,
	}
	err = f.WriteAt(recoveryStart, layout.RecoveryHeaderToBytes(area))
	if err != nil {
		return
	}
	err = f.WriteAt(recoveryStart+layout.RecoveryHeaderLength, payload)
	if err != nil {
		return
	}
	err = f.Sync()
	if err != nil {
		return
	}

	err = setMagic(f, recoveryStart, layout.RecoveryMagic)
	if err != nil {
		return
	}

	err = hook(StageRecoveryWritten)
	if err != nil {
		return
	}

	err = apply(f, ranges)
	if err != nil {
		_, _ = Recover(f)
		return
	}

	err = hook(StageApplied)
	if err != nil {
		return
	}

	err = setMagic(f, recoveryStart, layout.RecoveryInvalidMagic)

	return
}

// Recover - Replays a valid recovery area, restoring the file to how it was before the
// interrupted commit.
// A damaged area gives a dberr.FormatError and leaves the file untouched.
// The caller must hold the transaction lock and the all-record lock exclusively.
func Recover(f File) (recovered bool, err error) {
	start, area, active, err := readArea(f)
	if err != nil || !active {
		return
	}

	payload, err := f.ReadAt(start+layout.RecoveryHeaderLength, area.PayloadLength)
	if err != nil {
		return
	}
	entries, err := layout.BytesToRecoveryEntries(payload, area.Checksum, area.OldDataEnd)
	if err != nil {
		return
	}

	for _, e := range entries {
		err = f.WriteAt(e.Offset, e.Data)
		if err != nil {
			return
		}
	}
	err = f.Sync()
	if err != nil {
		return
	}

	err = setMagic(f, start, layout.RecoveryInvalidMagic)
	if err != nil {
		return
	}
	recovered = true

	return
}

// NeedsRecovery - Returns true if the file has a valid recovery area, meaning a commit was interrupted
func NeedsRecovery(f File) (needed bool, err error) {
	_, _, needed, err = readArea(f)
	return
}

// readArea - Finds the recovery area through the header and reads its header
func readArea(f File) (start int64, area layout.RecoveryHeader, active bool, err error) {
	header, err := readHeader(f)
	if err != nil || header.RecoveryStart == 0 {
		return
	}
	start = header.RecoveryStart

	buf, err := f.ReadAt(start, layout.RecoveryHeaderLength)
	if err != nil {
		err = dberr.FormatError{Msg: fmt.Sprintf("recovery area at %d unreadable: %s", start, err)}
		return
	}
	area, err = layout.BytesToRecoveryHeader(buf)
	if err != nil {
		return
	}

	active = area.Magic == layout.RecoveryMagic
	if active && (area.PayloadLength < 0 || area.PayloadLength > area.Capacity) {
		err = dberr.FormatError{Msg: fmt.Sprintf("recovery payload of %d bytes exceeds capacity %d", area.PayloadLength, area.Capacity)}
	}

	return
}

// prepareArea - Makes room for a recovery area at start holding payloadLength bytes, reusing
// the area already there if it is big enough
func prepareArea(f File, oldHeader layout.Header, start, payloadLength int64) (capacity int64, reused bool, err error) {
	if oldHeader.RecoveryStart == start && start+layout.RecoveryHeaderLength <= f.Size() {
		var buf []byte
		buf, err = f.ReadAt(start, layout.RecoveryHeaderLength)
		if err != nil {
			return
		}
		var area layout.RecoveryHeader
		area, err = layout.BytesToRecoveryHeader(buf)
		if err != nil {
			return
		}
		if area.Magic == layout.RecoveryInvalidMagic && area.Capacity >= payloadLength &&
			start+layout.RecoveryHeaderLength+area.Capacity <= f.Size() {
			capacity = area.Capacity
			reused = true
			return
		}
	}

	capacity = utils.Align(layout.RecoveryHeaderLength+payloadLength, layout.RecoveryAlignment) - layout.RecoveryHeaderLength
	err = f.Grow(start + layout.RecoveryHeaderLength + capacity)
	if err != nil {
		return
	}

	// Invalid until filled, in case the header pointer reaches disk first
	err = f.WriteAt(start, layout.RecoveryHeaderToBytes(layout.RecoveryHeader{Magic: layout.RecoveryInvalidMagic, Capacity: capacity}))

	return
}

// apply - Writes the new data and syncs it
func apply(f File, ranges []Range) (err error) {
	for _, r := range ranges {
		err = f.WriteAt(r.Offset, r.Data)
		if err != nil {
			return
		}
	}

	return f.Sync()
}

// setMagic - Writes the magic of the recovery area and syncs it
func setMagic(f File, start int64, magic uint32) (err error) {
	err = f.WriteAt(start, layout.RecoveryMagicBytes(magic))
	if err != nil {
		return
	}

	return f.Sync()
}

// readHeader - Reads the header without checking it against the file size.
// The size is refreshed first, the file may have been shrunk by a repack of another handle.
func readHeader(st index.Storage) (header layout.Header, err error) {
	err = st.Refresh()
	if err != nil {
		return
	}

	buf, err := st.ReadAt(0, layout.HeaderLength)
	if err != nil {
		return
	}

	return layout.BytesToHeader(buf)
}
