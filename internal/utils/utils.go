package utils

// IsEqual - Returns true if a and b are equal both in size and contents
func IsEqual(a, b []byte) bool {
	lenA := len(a)
	if lenA != len(b) {
		return false
	}

	for i := 0; i < lenA; i++ {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// RoundUp2 - Returns the smallest power of 2 that is equal to or bigger than a, values below 1 give 1
func RoundUp2(a int64) int64 {
	if a <= 1 {
		return 1
	}

	r := int64(1)
	for r < a {
		r <<= 1
	}

	return r
}

// Align - Rounds a up to the nearest multiple of alignment, alignment must be a power of 2
func Align(a, alignment int64) int64 {
	return (a + alignment - 1) &^ (alignment - 1)
}

// Copy - Returns a copy of b that does not share backing array with it, nil stays nil
func Copy(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	_ = copy(c, b)

	return c
}
