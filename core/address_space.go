package core

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrOverlappingRange is returned when a range conflicts with an entry that
// is already present in an AddressSpace.
var ErrOverlappingRange = errors.New("overlapping range")

// Entry is one range of an AddressSpace together with its value.
type Entry[A Address, T comparable] struct {
	Range AddressRange[A]
	Value T
}

// AddressSpace maps disjoint address ranges to values. Entries are kept
// sorted by range start, so iteration is always in address order.
type AddressSpace[A Address, T comparable] struct {
	entries []Entry[A, T]
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace[A Address, T comparable]() *AddressSpace[A, T] {
	return &AddressSpace[A, T]{}
}

// Len returns the number of entries.
func (as *AddressSpace[A, T]) Len() int {
	return len(as.entries)
}

// Entries returns the entries in address order. The returned slice must not
// be modified and is invalidated by any mutation of the address space.
func (as *AddressSpace[A, T]) Entries() []Entry[A, T] {
	return as.entries
}

// lowerBound returns the index of the first entry whose start is >= addr.
func (as *AddressSpace[A, T]) lowerBound(addr A) int {
	return sort.Search(len(as.entries), func(i int) bool {
		return as.entries[i].Range.Start >= addr
	})
}

// Insert adds a range. Inserting a range identical to an existing one leaves
// the address space unchanged; any other intersection fails with
// ErrOverlappingRange.
func (as *AddressSpace[A, T]) Insert(r AddressRange[A], value T) error {
	i := as.lowerBound(r.Start)

	if i < len(as.entries) {
		next := as.entries[i].Range
		if next == r {
			return nil
		}
		if next.Intersects(r) || (r.IsEmpty() && next.Start == r.Start) {
			return errors.Wrapf(ErrOverlappingRange, "%s intersects %s", r, next)
		}
	}
	if i > 0 {
		prev := as.entries[i-1].Range
		if prev.Intersects(r) || (r.IsEmpty() && prev.Contains(r.Start)) {
			return errors.Wrapf(ErrOverlappingRange, "%s intersects %s", r, prev)
		}
	}

	as.entries = append(as.entries, Entry[A, T]{})
	copy(as.entries[i+1:], as.entries[i:])
	as.entries[i] = Entry[A, T]{Range: r, Value: value}
	return nil
}

// Remove deletes the entry with exactly the given range.
func (as *AddressSpace[A, T]) Remove(r AddressRange[A]) bool {
	i := as.lowerBound(r.Start)
	if i >= len(as.entries) || as.entries[i].Range != r {
		return false
	}
	as.entries = append(as.entries[:i], as.entries[i+1:]...)
	return true
}

// FindContaining returns the entry whose range contains addr.
func (as *AddressSpace[A, T]) FindContaining(addr A) (Entry[A, T], bool) {
	i := as.lowerBound(addr + 1)
	if i == 0 {
		return Entry[A, T]{}, false
	}
	e := as.entries[i-1]
	if !e.Range.Contains(addr) {
		return Entry[A, T]{}, false
	}
	return e, true
}

// FindExact returns the entry with exactly the given range.
func (as *AddressSpace[A, T]) FindExact(r AddressRange[A]) (Entry[A, T], bool) {
	i := as.lowerBound(r.Start)
	if i >= len(as.entries) || as.entries[i].Range != r {
		return Entry[A, T]{}, false
	}
	return as.entries[i], true
}

// FindIntersecting returns all entries overlapping r, in address order.
func (as *AddressSpace[A, T]) FindIntersecting(r AddressRange[A]) []Entry[A, T] {
	if r.IsEmpty() {
		return nil
	}
	i := as.lowerBound(r.Start)
	if i > 0 && as.entries[i-1].Range.Intersects(r) {
		i--
	}
	var found []Entry[A, T]
	for ; i < len(as.entries); i++ {
		e := as.entries[i]
		if e.Range.Start >= r.End() {
			break
		}
		if e.Range.Intersects(r) {
			found = append(found, e)
		}
	}
	return found
}

// Intersects reports whether any entry overlaps r.
func (as *AddressSpace[A, T]) Intersects(r AddressRange[A]) bool {
	return len(as.FindIntersecting(r)) > 0
}

// ContainsRange reports whether a single entry covers all of r.
func (as *AddressSpace[A, T]) ContainsRange(r AddressRange[A]) bool {
	e, ok := as.FindContaining(r.Start)
	return ok && e.Range.ContainsRange(r)
}

// MergeAdjacent extends the entries holding value so that r is covered by a
// single entry. Every entry intersecting or abutting r must carry the same
// value, otherwise ErrOverlappingRange is returned and nothing changes.
func (as *AddressSpace[A, T]) MergeAdjacent(r AddressRange[A], value T) (AddressRange[A], error) {
	merged := r
	first, last := -1, -1
	for i, e := range as.entries {
		touches := e.Range.Intersects(r) || e.Range.IsAdjacent(r)
		if !touches {
			continue
		}
		if e.Range.Intersects(r) && e.Value != value {
			return r, errors.Wrapf(ErrOverlappingRange, "%s intersects %s holding another value", r, e.Range)
		}
		if e.Value != value {
			continue
		}
		if first == -1 {
			first = i
		}
		last = i
		merged = merged.Union(e.Range)
	}

	if first == -1 {
		return merged, as.Insert(merged, value)
	}
	// Entries between first and last holding a different value would be
	// swallowed by the union.
	for i := first; i <= last; i++ {
		if as.entries[i].Value != value {
			return r, errors.Wrapf(ErrOverlappingRange, "merge of %s would cover %s", r, as.entries[i].Range)
		}
	}

	as.entries = append(as.entries[:first+1], as.entries[last+1:]...)
	as.entries[first] = Entry[A, T]{Range: merged, Value: value}
	return merged, nil
}
