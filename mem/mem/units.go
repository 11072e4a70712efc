package mem

import "math/bits"

// Byte size units.
const (
	KB uint64 = 1 << 10
	MB uint64 = 1 << 20
	GB uint64 = 1 << 30
)

// IsPowerOfTwo returns true if n is a non-zero power of two.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Log2 returns the base-2 logarithm of n. The bool return value is false if n
// is not a power of two.
func Log2(n uint64) (int, bool) {
	if !IsPowerOfTwo(n) {
		return 0, false
	}

	return bits.TrailingZeros64(n), true
}

// Mask returns a mask with the lowest n bits set.
func Mask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}

	return (uint64(1) << n) - 1
}

// FitsIn returns true if addr can be represented with width bits.
func FitsIn(addr uint64, width int) bool {
	if width >= 64 {
		return true
	}

	return addr>>width == 0
}
