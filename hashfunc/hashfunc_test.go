//go:build unit

package hashfunc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketNumber(t *testing.T) {
	t.Run("bucket is within table size", func(t *testing.T) {
		// Prepare
		alg := Default()
		keys := [][]byte{[]byte(""), []byte("hi"), []byte("world"), make([]byte, 1000)}

		for _, key := range keys {
			// Execute
			bucket := BucketNumber(alg.Hash(key), 1024)

			// Check
			assert.GreaterOrEqual(t, bucket, int64(0))
			assert.Less(t, bucket, int64(1024))
		}
	})

	t.Run("single bucket table always gives zero", func(t *testing.T) {
		assert.Equal(t, int64(0), BucketNumber(Default().Hash([]byte("abc")), 1))
	})
}

func TestCheckValue(t *testing.T) {
	t.Run("different algorithms give different check values", func(t *testing.T) {
		assert.NotEqual(t, CheckValue(XXHash{}), CheckValue(CRC32{}))
		assert.Equal(t, CheckValue(XXHash{}), CheckValue(Default()))
	})
}
