package blockgraph

import (
	"sort"

	"github.com/wanglei-coder/syzygy/core"
)

// SourceRange maps Size bytes at Offset in a block to a range of the
// original image.
type SourceRange struct {
	Offset int32
	Size   uint32
	Source core.AddressRange[core.RelativeAddress]
}

// SourceRanges is the ordered list of mappings from block offsets to
// original RVA ranges.
type SourceRanges struct {
	ranges []SourceRange
}

// Ranges returns the mappings in offset order.
func (s *SourceRanges) Ranges() []SourceRange {
	return s.ranges
}

// Len returns the number of mappings.
func (s *SourceRanges) Len() int {
	return len(s.ranges)
}

// Clear drops every mapping.
func (s *SourceRanges) Clear() {
	s.ranges = nil
}

// Push adds a mapping. Mappings that continue the previous one in both
// spaces are merged into it.
func (s *SourceRanges) Push(offset int32, size uint32, source core.AddressRange[core.RelativeAddress]) {
	if size == 0 {
		return
	}
	if n := len(s.ranges); n > 0 {
		last := &s.ranges[n-1]
		if last.Offset+int32(last.Size) == offset && last.Size == last.Source.Size &&
			size == source.Size && last.Source.End() == source.Start {
			last.Size += size
			last.Source.Size += source.Size
			return
		}
		if last.Offset > offset {
			s.ranges = append(s.ranges, SourceRange{Offset: offset, Size: size, Source: source})
			sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].Offset < s.ranges[j].Offset })
			return
		}
	}
	s.ranges = append(s.ranges, SourceRange{Offset: offset, Size: size, Source: source})
}

// IsSimple reports whether a single mapping covers the whole block from
// offset zero with an equally sized source range.
func (s *SourceRanges) IsSimple(blockSize uint32) bool {
	if len(s.ranges) != 1 {
		return false
	}
	r := s.ranges[0]
	return r.Offset == 0 && r.Size == blockSize && r.Source.Size == blockSize
}

// Find returns the mapping covering offset.
func (s *SourceRanges) Find(offset int32) (SourceRange, bool) {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Offset+int32(s.ranges[i].Size) > offset
	})
	if i < len(s.ranges) && s.ranges[i].Offset <= offset {
		return s.ranges[i], true
	}
	return SourceRange{}, false
}

// SourceAddress translates an offset in the block to its original RVA. Only
// mappings with equal sizes translate byte for byte.
func (s *SourceRanges) SourceAddress(offset int32) (core.RelativeAddress, bool) {
	r, ok := s.Find(offset)
	if !ok {
		return 0, false
	}
	delta := uint32(offset - r.Offset)
	if r.Size != r.Source.Size {
		if delta != 0 {
			return 0, false
		}
	}
	return r.Source.Start + core.RelativeAddress(delta), true
}

// Slice returns the mappings restricted to [offset, offset+size), rebased to
// start at zero.
func (s *SourceRanges) Slice(offset int32, size uint32) SourceRanges {
	var out SourceRanges
	end := offset + int32(size)
	for _, r := range s.ranges {
		rEnd := r.Offset + int32(r.Size)
		if rEnd <= offset || r.Offset >= end {
			continue
		}
		if r.Size != r.Source.Size {
			// Unequal mappings cannot be cut; keep them whole when they start
			// inside the slice.
			if r.Offset >= offset {
				out.ranges = append(out.ranges, SourceRange{Offset: r.Offset - offset, Size: r.Size, Source: r.Source})
			}
			continue
		}
		start := r.Offset
		if start < offset {
			start = offset
		}
		stop := rEnd
		if stop > end {
			stop = end
		}
		src := core.NewAddressRange(r.Source.Start+core.RelativeAddress(start-r.Offset), uint32(stop-start))
		out.ranges = append(out.ranges, SourceRange{Offset: start - offset, Size: uint32(stop - start), Source: src})
	}
	return out
}

// Shift moves every mapping at or after offset by delta bytes. Mappings that
// straddle offset are split when delta is positive.
func (s *SourceRanges) Shift(offset int32, delta int32) {
	var out []SourceRange
	for _, r := range s.ranges {
		switch {
		case r.Offset >= offset:
			r.Offset += delta
			out = append(out, r)
		case r.Offset+int32(r.Size) > offset && r.Size == r.Source.Size:
			head := uint32(offset - r.Offset)
			out = append(out,
				SourceRange{Offset: r.Offset, Size: head, Source: core.NewAddressRange(r.Source.Start, head)},
				SourceRange{Offset: offset + delta, Size: r.Size - head,
					Source: core.NewAddressRange(r.Source.Start+core.RelativeAddress(head), r.Size-head)})
		default:
			out = append(out, r)
		}
	}
	s.ranges = out
}

// Remove drops the mappings within [offset, offset+size) and shifts those
// after it down by size.
func (s *SourceRanges) Remove(offset int32, size uint32) {
	end := offset + int32(size)
	var out []SourceRange
	for _, r := range s.ranges {
		rEnd := r.Offset + int32(r.Size)
		switch {
		case rEnd <= offset:
			out = append(out, r)
		case r.Offset >= end:
			r.Offset -= int32(size)
			out = append(out, r)
		case r.Size == r.Source.Size:
			if r.Offset < offset {
				head := uint32(offset - r.Offset)
				out = append(out, SourceRange{Offset: r.Offset, Size: head, Source: core.NewAddressRange(r.Source.Start, head)})
			}
			if rEnd > end {
				tail := uint32(rEnd - end)
				skip := uint32(end - r.Offset)
				out = append(out, SourceRange{Offset: offset, Size: tail,
					Source: core.NewAddressRange(r.Source.Start+core.RelativeAddress(skip), tail)})
			}
		}
	}
	s.ranges = out
}

// Append adds other's mappings moved by delta.
func (s *SourceRanges) Append(other *SourceRanges, delta int32) {
	for _, r := range other.ranges {
		s.Push(r.Offset+delta, r.Size, r.Source)
	}
}
