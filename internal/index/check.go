package index

import (
	"fmt"

	"github.com/gostonefire/filetdb/internal/layout"
)

// Stats - Usage figures of a database
type Stats struct {
	HashSize     int64
	Sequence     uint64
	FileSize     int64
	DataEnd      int64
	Records      int64
	LiveBytes    int64
	FreeBlocks   int64
	FreeBytes    int64
	EmptyBuckets int64
	LongestChain int64
	FreeByClass  []int64
	// ChainLengths maps a chain length to the number of buckets having it, only filled on request
	ChainLengths map[int64]int64
}

// Report - Result of a consistency check
type Report struct {
	Records    int64
	FreeBlocks int64
	Blocks     int64
	Problems   []string
}

// OK - Returns true if the check found nothing wrong
func (R *Report) OK() bool {
	return len(R.Problems) == 0
}

func (R *Report) problem(format string, args ...any) {
	R.Problems = append(R.Problems, fmt.Sprintf(format, args...))
}

// Stats - Walks all chains and free lists and returns usage figures.
// The caller must keep writers out, typically by holding the all-record lock shared.
func (T *Table) Stats(distribution bool) (stats Stats, err error) {
	header, err := T.ReadHeader()
	if err != nil {
		return
	}

	stats = Stats{
		HashSize:    header.HashSize,
		Sequence:    header.Sequence,
		FileSize:    T.st.Size(),
		DataEnd:     header.DataEnd,
		FreeByClass: make([]int64, header.FreeClasses),
	}
	if distribution {
		stats.ChainLengths = make(map[int64]int64)
	}

	for bucket := int64(0); bucket < header.HashSize; bucket++ {
		var records []layout.Record
		records, err = T.Chain(header, bucket)
		if err != nil {
			return
		}

		n := int64(len(records))
		stats.Records += n
		if n == 0 {
			stats.EmptyBuckets++
		}
		if n > stats.LongestChain {
			stats.LongestChain = n
		}
		if distribution {
			stats.ChainLengths[n]++
		}
		for _, r := range records {
			stats.LiveBytes += r.TotalLength
		}
	}

	for class := int64(0); class < header.FreeClasses; class++ {
		var blocks []layout.Record
		blocks, err = T.FreeList(header, class)
		if err != nil {
			return
		}
		stats.FreeByClass[class] = int64(len(blocks))
		stats.FreeBlocks += int64(len(blocks))
		for _, b := range blocks {
			stats.FreeBytes += b.TotalLength
		}
	}

	return
}

// Check - Verifies that the record area is tiled by valid blocks, that every live block is on
// exactly one chain under the right bucket with the right hash, and that every free block is on
// the free list of its size class.
// Corruption is reported in the Report, err is only set when the header itself is unreadable or
// I/O fails.
func (T *Table) Check() (report *Report, err error) {
	report = &Report{}

	header, err := T.ReadHeader()
	if err != nil {
		return
	}

	// Physical walk
	live := make(map[int64]bool)
	free := make(map[int64]bool)
	for offset := header.RecordsStart(); offset < header.DataEnd; {
		if offset+layout.EnvelopeLength > header.DataEnd {
			report.problem("truncated block at %d", offset)
			break
		}
		var buf []byte
		buf, err = T.st.ReadAt(offset, layout.EnvelopeLength)
		if err != nil {
			return
		}
		var block layout.Record
		block, _ = layout.BytesToEnvelope(buf, offset)
		if block.Magic != layout.RecordMagic && block.Magic != layout.FreeMagic {
			report.problem("bad block magic 0x%x at %d", block.Magic, offset)
			break
		}
		if errValidate := layout.ValidateEnvelope(block, block.Magic, header.RecordsStart(), header.DataEnd); errValidate != nil {
			report.problem("block at %d: %s", offset, errValidate)
			break
		}

		buf, err = T.st.ReadAt(layout.TailerOffset(offset, block.TotalLength), layout.TailerLength)
		if err != nil {
			return
		}
		if tailer := layout.GetOffset(buf); tailer != block.TotalLength {
			report.problem("block at %d has tailer %d but length %d", offset, tailer, block.TotalLength)
		}

		if block.IsFree() {
			free[offset] = false
		} else {
			live[offset] = false
		}
		report.Blocks++
		offset += block.TotalLength
	}

	// Chains
	for bucket := int64(0); bucket < header.HashSize; bucket++ {
		var records []layout.Record
		records, err = T.Chain(header, bucket)
		if err != nil {
			report.problem("chain %d: %s", bucket, err)
			err = nil
			continue
		}
		for _, r := range records {
			seen, ok := live[r.Offset]
			switch {
			case !ok:
				report.problem("chain %d links %d which is not a live block", bucket, r.Offset)
			case seen:
				report.problem("record at %d linked more than once", r.Offset)
			}
			live[r.Offset] = true
			if T.Bucket(header, r.Hash) != bucket {
				report.problem("record at %d with hash 0x%x is on chain %d", r.Offset, r.Hash, bucket)
			}
			if T.Hash(r.Key) != r.Hash {
				report.problem("record at %d has stale hash", r.Offset)
			}
			report.Records++
		}
	}
	for offset, seen := range live {
		if !seen {
			report.problem("live block at %d is on no chain", offset)
		}
	}

	// Free lists
	for class := int64(0); class < header.FreeClasses; class++ {
		var blocks []layout.Record
		blocks, err = T.FreeList(header, class)
		if err != nil {
			report.problem("free list %d: %s", class, err)
			err = nil
			continue
		}
		for _, b := range blocks {
			seen, ok := free[b.Offset]
			switch {
			case !ok:
				report.problem("free list %d links %d which is not a free block", class, b.Offset)
			case seen:
				report.problem("free block at %d listed more than once", b.Offset)
			}
			free[b.Offset] = true
			if layout.SizeClass(b.TotalLength) != class {
				report.problem("free block at %d of length %d is in class %d", b.Offset, b.TotalLength, class)
			}
			report.FreeBlocks++
		}
	}
	for offset, seen := range free {
		if !seen {
			report.problem("free block at %d is on no free list", offset)
		}
	}

	return
}
