package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignmentPadding returns the number of bytes that must be skipped from offset so that the
// result is a multiple of alignment. Alignment does not have to be a power of two, and an
// alignment of 0 means there is no constraint.
func AlignmentPadding(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return 0
	}

	remainder := offset % alignment
	if remainder == 0 {
		return 0
	}

	return alignment - remainder
}

// AddNoWrap adds two unsigned sizes, reporting false if the sum would wrap around
func AddNoWrap(left, right uint64) (uint64, bool) {
	if left > math.MaxUint64-right {
		return 0, false
	}

	return left + right, true
}
