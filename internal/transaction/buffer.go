// Package transaction buffers the writes of a transaction and commits them through a
// recovery area, so that a crash at any point leaves either the old or the new contents.
//
// A Buffer presents the same positioned access as the database file. Reads fall through to
// the file for everything the transaction has not written, writes land in private copies of
// fixed size blocks. Nothing reaches the file before Commit.
package transaction

import (
	"sort"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/internal/index"
	"github.com/gostonefire/filetdb/internal/utils"
)

// BlockSize - Granularity of the private copies
const BlockSize int64 = 4096

// Buffer - A transaction's view of the database file
type Buffer struct {
	base     index.Storage
	baseSize int64
	size     int64
	blocks   map[int64][]byte
}

// NewBuffer - Returns a Buffer over base, which must not change underneath it until the buffer is dropped
func NewBuffer(base index.Storage) (buffer *Buffer, err error) {
	err = base.Refresh()
	if err != nil {
		return
	}

	buffer = &Buffer{
		base:     base,
		baseSize: base.Size(),
		size:     base.Size(),
		blocks:   make(map[int64][]byte),
	}

	return
}

// Size - Returns the size of the file as the transaction sees it
func (B *Buffer) Size() int64 {
	return B.size
}

// Refresh - Nothing to do, the file is stable while the transaction runs
func (B *Buffer) Refresh() error {
	return nil
}

// Grow - Extends the transaction's view of the file, the file itself is grown at commit
func (B *Buffer) Grow(size int64) (err error) {
	if size > B.size {
		B.size = size
	}

	return
}

// ReadAt - Returns length bytes at offset, taken from private copies where there are any
func (B *Buffer) ReadAt(offset, length int64) (buf []byte, err error) {
	if offset < 0 || length < 0 || offset+length > B.size {
		err = dberr.SizeError{Offset: offset, Length: length, Size: B.size}
		return
	}

	buf = make([]byte, length)
	for pos := offset; pos < offset+length; {
		n, idx, start := B.span(pos, offset+length)

		if block, ok := B.blocks[idx]; ok {
			_ = copy(buf[pos-offset:], block[start:start+n])
		} else if pos < B.baseSize {
			// Bytes past the original end of the file are zero until written
			m := n
			if pos+m > B.baseSize {
				m = B.baseSize - pos
			}
			var data []byte
			data, err = B.base.ReadAt(pos, m)
			if err != nil {
				buf = nil
				return
			}
			_ = copy(buf[pos-offset:], data)
		}

		pos += n
	}

	return
}

// WriteAt - Writes buf at offset into private copies
func (B *Buffer) WriteAt(offset int64, buf []byte) (err error) {
	length := int64(len(buf))
	if offset < 0 || offset+length > B.size {
		err = dberr.SizeError{Offset: offset, Length: length, Size: B.size}
		return
	}

	for pos := offset; pos < offset+length; {
		n, idx, start := B.span(pos, offset+length)

		var block []byte
		block, err = B.block(idx)
		if err != nil {
			return
		}
		_ = copy(block[start:start+n], buf[pos-offset:])

		pos += n
	}

	return
}

// Dirty - Returns true if the transaction has written anything
func (B *Buffer) Dirty() bool {
	return len(B.blocks) > 0
}

// Range - A contiguous piece of written data
type Range struct {
	Offset int64
	Data   []byte
}

// Ranges - Returns the written data as ranges of adjacent blocks, cut off at limit
func (B *Buffer) Ranges(limit int64) (ranges []Range) {
	indexes := make([]int64, 0, len(B.blocks))
	for i := range B.blocks {
		if i*BlockSize < limit {
			indexes = append(indexes, i)
		}
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })

	for _, i := range indexes {
		data := B.blocks[i]
		if end := (i + 1) * BlockSize; end > limit {
			data = data[:limit-i*BlockSize]
		}

		if n := len(ranges); n > 0 && ranges[n-1].Offset+int64(len(ranges[n-1].Data)) == i*BlockSize {
			ranges[n-1].Data = append(ranges[n-1].Data, data...)
			continue
		}
		ranges = append(ranges, Range{Offset: i * BlockSize, Data: utils.Copy(data)})
	}

	return
}

// span - Returns how many bytes from pos up to end lie in the same block, the block index and
// the position of pos inside the block
func (B *Buffer) span(pos, end int64) (n, idx, start int64) {
	idx = pos / BlockSize
	start = pos - idx*BlockSize
	n = BlockSize - start
	if pos+n > end {
		n = end - pos
	}

	return
}

// block - Returns the private copy of a block, making it from the file on first write
func (B *Buffer) block(idx int64) (block []byte, err error) {
	block, ok := B.blocks[idx]
	if ok {
		return
	}

	block = make([]byte, BlockSize)
	offset := idx * BlockSize
	if offset < B.baseSize {
		n := BlockSize
		if offset+n > B.baseSize {
			n = B.baseSize - offset
		}
		var data []byte
		data, err = B.base.ReadAt(offset, n)
		if err != nil {
			return
		}
		_ = copy(block, data)
	}
	B.blocks[idx] = block

	return
}
