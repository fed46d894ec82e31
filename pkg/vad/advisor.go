package vad

import "math/bits"

// AdviseBufferSize returns the effective frame size in samples for the given
// conditions. The result is always a power of two and never smaller than
// base: base is rounded up first, then doubled when low power and adaptive
// sizing coincide, so a low-power host fills half as many frames per second.
//
// The function is pure. Callers re-invoke it on every battery transition and
// apply the result before the next frame is cut.
func AdviseBufferSize(base int, lowPower, adaptive bool) int {
	if base < 1 {
		base = 1
	}
	size := nextPowerOfTwo(base)
	if lowPower && adaptive {
		size *= 2
	}
	return size
}

func nextPowerOfTwo(n int) int {
	if n&(n-1) == 0 {
		return n
	}
	return 1 << bits.Len(uint(n))
}
