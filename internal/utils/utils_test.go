//go:build unit

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEqual(t *testing.T) {
	t.Run("two byte slices are equal in length and values", func(t *testing.T) {
		// Prepare
		a := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
		b := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

		// Execute
		isEqual := IsEqual(a, b)

		// Check
		assert.True(t, isEqual, "slices equal in length and values")
	})

	t.Run("two byte slices are unequal in length", func(t *testing.T) {
		// Prepare
		a := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
		b := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

		// Execute
		isEqual := IsEqual(a, b)

		// Check
		assert.False(t, isEqual, "slices unequal in length")
	})

	t.Run("two byte slices are unequal in values", func(t *testing.T) {
		// Prepare
		a := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
		b := []byte{0, 1, 5, 3, 4, 5, 6, 7, 8, 9}

		// Execute
		isEqual := IsEqual(a, b)

		// Check
		assert.False(t, isEqual, "slices unequal in values")
	})

	t.Run("empty and nil slices are equal", func(t *testing.T) {
		assert.True(t, IsEqual(nil, []byte{}))
	})
}

func TestRoundUp2(t *testing.T) {
	t.Run("rounds up to nearest power of 2", func(t *testing.T) {
		assert.Equal(t, int64(1), RoundUp2(0))
		assert.Equal(t, int64(1), RoundUp2(1))
		assert.Equal(t, int64(2), RoundUp2(2))
		assert.Equal(t, int64(4), RoundUp2(3))
		assert.Equal(t, int64(1024), RoundUp2(1000))
		assert.Equal(t, int64(1024), RoundUp2(1024))
	})
}

func TestAlign(t *testing.T) {
	t.Run("aligns to multiples", func(t *testing.T) {
		assert.Equal(t, int64(0), Align(0, 8))
		assert.Equal(t, int64(8), Align(1, 8))
		assert.Equal(t, int64(8), Align(8, 8))
		assert.Equal(t, int64(4096), Align(4095, 4096))
	})
}

func TestCopy(t *testing.T) {
	t.Run("copy does not share memory", func(t *testing.T) {
		// Prepare
		a := []byte{1, 2, 3}

		// Execute
		b := Copy(a)
		a[0] = 9

		// Check
		assert.Equal(t, []byte{1, 2, 3}, b)
		assert.Nil(t, Copy(nil))
	})
}
