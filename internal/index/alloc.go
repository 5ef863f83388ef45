package index

import (
	"errors"
	"fmt"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/internal/layout"
	"github.com/gostonefire/filetdb/internal/utils"
)

// alloc - Finds a block of at least length bytes.
// The own size class is searched for the best fit, then the first block of any larger class is
// taken, and as a last resort the record area is extended. A block found in a free list is split
// when the remainder can stand as a block of its own.
// The allocation lock must be held and the caller writes the header afterwards.
func (T *Table) alloc(header *layout.Header, length int64) (offset, actual int64, err error) {
	class := layout.SizeClass(length)

	block, link, found, err := T.bestFit(*header, class, length)
	if err != nil {
		return
	}
	for c := class + 1; !found && c < header.FreeClasses; c++ {
		link = header.FreeHeadOffset(c)
		var head int64
		head, err = T.readOffset(link)
		if err != nil {
			return
		}
		if head == 0 {
			continue
		}
		block, err = T.readEnvelope(*header, head, layout.FreeMagic)
		if err != nil {
			return
		}
		found = true
	}

	if !found {
		return T.extend(header, length)
	}

	err = T.writeOffset(link, block.Next)
	if err != nil {
		return
	}

	offset = block.Offset
	actual = block.TotalLength
	if remainder := block.TotalLength - length; remainder >= layout.MinBlockLength {
		actual = length
		err = T.insertFree(*header, offset+length, remainder)
	}

	return
}

// bestFit - Returns the smallest block in a size class that holds length bytes, along with the
// offset of the pointer that links it
func (T *Table) bestFit(header layout.Header, class, length int64) (block layout.Record, link int64, found bool, err error) {
	prev := header.FreeHeadOffset(class)
	offset, err := T.readOffset(prev)
	if err != nil {
		return
	}

	maxSteps := T.maxBlocks(header)
	for steps := int64(0); offset != 0; steps++ {
		if steps > maxSteps {
			err = dberr.FormatError{Msg: fmt.Sprintf("loop in free list %d", class)}
			return
		}

		var candidate layout.Record
		candidate, err = T.readEnvelope(header, offset, layout.FreeMagic)
		if err != nil {
			return
		}

		if candidate.TotalLength >= length && (!found || candidate.TotalLength < block.TotalLength) {
			block = candidate
			link = prev
			found = true
			if candidate.TotalLength == length {
				return
			}
		}

		prev = offset + layout.EnvNextOffset
		offset = candidate.Next
	}

	return
}

// extend - Allocates at the end of the record area, growing the file when needed.
// A recovery area the new data runs into is given up, the next commit places a new one.
func (T *Table) extend(header *layout.Header, length int64) (offset, actual int64, err error) {
	offset = header.DataEnd
	actual = length
	end := offset + length

	if size := T.st.Size(); end > size {
		target := size + size/4
		if target < end {
			target = end
		}
		err = T.st.Grow(utils.Align(target, growthAlignment))
		if err != nil {
			return
		}
	}

	if header.RecoveryStart != 0 && header.RecoveryStart < end {
		header.RecoveryStart = 0
	}
	header.DataEnd = end

	return
}

// free - Returns a block to the free lists, merging it with free neighbours on both sides.
// A block ending at data end is given back to the record area instead.
// The allocation lock must be held and the caller writes the header afterwards.
func (T *Table) free(header *layout.Header, offset, length int64) (err error) {
	recordsStart := header.RecordsStart()

	right := offset + length
	if right+layout.EnvelopeLength <= header.DataEnd {
		var neighbour layout.Record
		neighbour, err = T.readEnvelope(*header, right, layout.FreeMagic)
		if err == nil {
			err = T.unlinkFree(*header, neighbour)
			if err != nil {
				return
			}
			length += neighbour.TotalLength
		} else if isCorrupt(err) {
			err = nil
		} else {
			return
		}
	}

	if offset-layout.MinBlockLength >= recordsStart {
		var buf []byte
		buf, err = T.st.ReadAt(offset-layout.TailerLength, layout.TailerLength)
		if err != nil {
			return
		}
		leftLength := layout.GetOffset(buf)
		leftOffset := offset - leftLength
		if leftLength >= layout.MinBlockLength && leftLength%layout.BlockAlignment == 0 && leftOffset >= recordsStart {
			var neighbour layout.Record
			neighbour, err = T.readEnvelope(*header, leftOffset, layout.FreeMagic)
			if err == nil && neighbour.TotalLength == leftLength {
				err = T.unlinkFree(*header, neighbour)
				if err != nil {
					return
				}
				offset = leftOffset
				length += leftLength
			} else if err != nil && !isCorrupt(err) {
				return
			}
			err = nil
		}
	}

	if offset+length == header.DataEnd {
		header.DataEnd = offset
		return
	}

	return T.insertFree(*header, offset, length)
}

// insertFree - Marks a block free and pushes it on the list of its size class
func (T *Table) insertFree(header layout.Header, offset, length int64) (err error) {
	headOffset := header.FreeHeadOffset(layout.SizeClass(length))
	head, err := T.readOffset(headOffset)
	if err != nil {
		return
	}

	envelope, tailer := layout.FreeBlockToBytes(offset, length, head)
	err = T.st.WriteAt(offset, envelope)
	if err != nil {
		return
	}
	err = T.st.WriteAt(layout.TailerOffset(offset, length), tailer)
	if err != nil {
		return
	}

	return T.writeOffset(headOffset, offset)
}

// unlinkFree - Takes a free block out of the list of its size class
func (T *Table) unlinkFree(header layout.Header, block layout.Record) (err error) {
	class := layout.SizeClass(block.TotalLength)
	link := header.FreeHeadOffset(class)
	offset, err := T.readOffset(link)
	if err != nil {
		return
	}

	maxSteps := T.maxBlocks(header)
	for steps := int64(0); offset != 0; steps++ {
		if steps > maxSteps {
			break
		}
		if offset == block.Offset {
			return T.writeOffset(link, block.Next)
		}

		var current layout.Record
		current, err = T.readEnvelope(header, offset, layout.FreeMagic)
		if err != nil {
			return
		}
		link = offset + layout.EnvNextOffset
		offset = current.Next
	}

	err = dberr.FormatError{Msg: fmt.Sprintf("free block at %d missing from free list %d", block.Offset, class)}

	return
}

// FreeList - Returns the blocks of one free list size class in list order
func (T *Table) FreeList(header layout.Header, class int64) (blocks []layout.Record, err error) {
	offset, err := T.readOffset(header.FreeHeadOffset(class))
	if err != nil {
		return
	}

	maxSteps := T.maxBlocks(header)
	for steps := int64(0); offset != 0; steps++ {
		if steps > maxSteps {
			err = dberr.FormatError{Msg: fmt.Sprintf("loop in free list %d", class)}
			return
		}

		var block layout.Record
		block, err = T.readEnvelope(header, offset, layout.FreeMagic)
		if err != nil {
			return
		}
		blocks = append(blocks, block)
		offset = block.Next
	}

	return
}

// isNotFound - Returns true for dberr.NotFound
func isNotFound(err error) bool {
	return errors.Is(err, dberr.NotFound{})
}

// isCorrupt - Returns true for errors describing bad bytes rather than failed I/O
func isCorrupt(err error) bool {
	return errors.Is(err, dberr.FormatError{}) || errors.Is(err, dberr.SizeError{})
}
