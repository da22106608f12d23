// Package bkdutil holds the byte-array helpers shared by the tree writer, the
// radix selector and the reader. All comparisons are unsigned and operate on
// fixed-width windows of larger packed values.
package bkdutil

import "bytes"

// Compare compares a[aOff:aOff+n] and b[bOff:bOff+n] as unsigned byte strings.
func Compare(a []byte, aOff int, b []byte, bOff int, n int) int {
	return bytes.Compare(a[aOff:aOff+n], b[bOff:bOff+n])
}

// Equal reports whether the two windows hold the same bytes.
func Equal(a []byte, aOff int, b []byte, bOff int, n int) bool {
	return bytes.Equal(a[aOff:aOff+n], b[bOff:bOff+n])
}

// Mismatch returns the index of the first differing byte of the two windows,
// or -1 if they are equal.
func Mismatch(a []byte, aOff int, b []byte, bOff int, n int) int {
	x := a[aOff : aOff+n]
	y := b[bOff : bOff+n]
	for i := range x {
		if x[i] != y[i] {
			return i
		}
	}
	return -1
}

// CommonPrefixLength returns the number of leading bytes the two windows
// share.
func CommonPrefixLength(a []byte, aOff int, b []byte, bOff int, n int) int {
	if i := Mismatch(a, aOff, b, bOff, n); i >= 0 {
		return i
	}
	return n
}

// Subtract writes a-b for dimension dim into result[:bytesPerDim], treating
// both as big-endian unsigned integers. It reports false if a < b.
func Subtract(bytesPerDim, dim int, a, b, result []byte) bool {
	start := dim * bytesPerDim
	borrow := 0
	for i := start + bytesPerDim - 1; i >= start; i-- {
		diff := int(a[i]) - int(b[i]) - borrow
		if diff < 0 {
			diff += 256
			borrow = 1
		} else {
			borrow = 0
		}
		result[i-start] = byte(diff)
	}
	return borrow == 0
}

// Sum returns the sum of values.
func Sum(values []int) int {
	s := 0
	for _, v := range values {
		s += v
	}
	return s
}
