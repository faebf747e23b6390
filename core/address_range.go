package core

import "fmt"

// AddressRange is a half-open range [Start, Start+Size) of one address type.
type AddressRange[A Address] struct {
	Start A
	Size  uint32
}

// NewAddressRange returns the range [start, start+size).
func NewAddressRange[A Address](start A, size uint32) AddressRange[A] {
	return AddressRange[A]{Start: start, Size: size}
}

// End returns the first address past the range.
func (r AddressRange[A]) End() A {
	return r.Start + A(r.Size)
}

// IsEmpty reports whether the range covers no addresses.
func (r AddressRange[A]) IsEmpty() bool {
	return r.Size == 0
}

// Contains reports whether addr lies inside the range.
func (r AddressRange[A]) Contains(addr A) bool {
	return addr >= r.Start && addr < r.End()
}

// ContainsRange reports whether other lies entirely inside the range. An empty
// range is contained when its start lies inside or at the end of r.
func (r AddressRange[A]) ContainsRange(other AddressRange[A]) bool {
	return other.Start >= r.Start && other.End() <= r.End()
}

// Intersects reports whether the two ranges share at least one address.
func (r AddressRange[A]) Intersects(other AddressRange[A]) bool {
	if r.IsEmpty() || other.IsEmpty() {
		return false
	}
	return r.Start < other.End() && other.Start < r.End()
}

// IsAdjacent reports whether the ranges touch without intersecting.
func (r AddressRange[A]) IsAdjacent(other AddressRange[A]) bool {
	return r.End() == other.Start || other.End() == r.Start
}

// Union returns the smallest range covering both ranges.
func (r AddressRange[A]) Union(other AddressRange[A]) AddressRange[A] {
	start := r.Start
	if other.Start < start {
		start = other.Start
	}
	end := r.End()
	if other.End() > end {
		end = other.End()
	}
	return AddressRange[A]{Start: start, Size: uint32(end - start)}
}

// Offset returns the range moved by delta bytes.
func (r AddressRange[A]) Offset(delta int32) AddressRange[A] {
	return AddressRange[A]{Start: A(int64(r.Start) + int64(delta)), Size: r.Size}
}

// Less orders ranges by start, then by size.
func (r AddressRange[A]) Less(other AddressRange[A]) bool {
	if r.Start != other.Start {
		return r.Start < other.Start
	}
	return r.Size < other.Size
}

func (r AddressRange[A]) String() string {
	return fmt.Sprintf("[0x%08X, 0x%08X)", uint32(r.Start), uint32(r.End()))
}
