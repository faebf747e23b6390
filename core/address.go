// Package core contains the address abstractions shared by the block graph,
// the PE reader and writer and the decomposers.
package core

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// RelativeAddress is an offset from the image base as loaded (an RVA).
type RelativeAddress uint32

// AbsoluteAddress is an address as it appears in a loaded instruction operand,
// that is image base plus RVA.
type AbsoluteAddress uint32

// FileOffsetAddress is a position in the on-disk image file.
type FileOffsetAddress uint32

// Address is the set of address types an AddressRange or AddressSpace can be
// built over.
type Address interface {
	RelativeAddress | AbsoluteAddress | FileOffsetAddress
}

// InvalidRelativeAddress marks an unset relative address.
const InvalidRelativeAddress = RelativeAddress(^uint32(0))

func (a RelativeAddress) String() string {
	return fmt.Sprintf("RVA(0x%08X)", uint32(a))
}

func (a AbsoluteAddress) String() string {
	return fmt.Sprintf("Absolute(0x%08X)", uint32(a))
}

func (a FileOffsetAddress) String() string {
	return fmt.Sprintf("FileOffset(0x%08X)", uint32(a))
}

// AlignUp returns a RelativeAddress rounded up to the given power of two.
func (a RelativeAddress) AlignUp(alignment uint32) RelativeAddress {
	return RelativeAddress(AlignUp(uint32(a), alignment))
}

// IsAligned reports whether the address is a multiple of alignment.
func (a RelativeAddress) IsAligned(alignment uint32) bool {
	return IsAligned(uint32(a), alignment)
}

// AlignUp rounds value up to the next multiple of alignment. An alignment of
// zero or one leaves the value unchanged.
func AlignUp[T constraints.Unsigned](value, alignment T) T {
	if alignment <= 1 {
		return value
	}
	rem := value % alignment
	if rem == 0 {
		return value
	}
	return value + alignment - rem
}

// IsAligned reports whether value is a multiple of alignment.
func IsAligned[T constraints.Unsigned](value, alignment T) bool {
	if alignment <= 1 {
		return true
	}
	return value%alignment == 0
}

// IsPowerOfTwo reports whether value is a non-zero power of two.
func IsPowerOfTwo[T constraints.Unsigned](value T) bool {
	return value != 0 && value&(value-1) == 0
}
