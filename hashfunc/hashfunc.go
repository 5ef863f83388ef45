// Package hashfunc holds the hash algorithms a database can be created with.
//
// The algorithm used when a database is created must be supplied again on every later
// open. A check value computed with the algorithm is stored in the file header and an
// open with a different algorithm fails with a format error instead of silently
// looking in the wrong buckets.
package hashfunc

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// HashAlgorithm - Interface that permits an implementation using filetdb to supply a custom hash
// suited for its particular distribution of keys.
type HashAlgorithm interface {
	// Hash - Given key it generates a 64 bit hash value. Bucket selection uses the low bits, so the
	// low bits must be well distributed.
	Hash(key []byte) uint64
}

// checkKey - Fixed input used to compute the check value stored in the header
var checkKey = []byte("filetdb hash check")

// XXHash - The default hash algorithm, xxhash64 over the key
type XXHash struct{}

// Hash - Returns xxhash64 of key
func (X XXHash) Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// CRC32 - crc32 (IEEE) over the key, kept for databases that want a cheap hash on short keys
type CRC32 struct{}

// Hash - Returns crc32 of key, mixed so that high and low bits both carry entropy
func (C CRC32) Hash(key []byte) uint64 {
	h := uint64(crc32.ChecksumIEEE(key))
	return h | h<<32
}

// Default - Returns the algorithm used when none is configured
func Default() HashAlgorithm {
	return XXHash{}
}

// CheckValue - Returns the value stored in the header to detect a mismatch in hash algorithm
func CheckValue(alg HashAlgorithm) uint64 {
	return alg.Hash(checkKey)
}

// BucketNumber - Returns the bucket that hash falls in given a table size that is a power of 2
func BucketNumber(hash uint64, tableSize int64) int64 {
	return int64(hash & uint64(tableSize-1))
}
