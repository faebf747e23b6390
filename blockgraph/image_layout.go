package blockgraph

import (
	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

// SectionInfo describes one section of an image layout. Size is the virtual
// size and DataSize the number of initialized bytes stored on disk.
type SectionInfo struct {
	Name            string
	Addr            core.RelativeAddress
	Size            uint32
	DataSize        uint32
	Characteristics uint32
}

// Range returns the virtual address range of the section.
func (s SectionInfo) Range() core.AddressRange[core.RelativeAddress] {
	return core.NewAddressRange(s.Addr, s.Size)
}

// ImageLayout places the blocks of a graph at relative addresses inside an
// ordered list of sections. Section i of the layout corresponds to section
// id i of the graph.
type ImageLayout struct {
	Graph    *BlockGraph
	Sections []SectionInfo

	blocks *core.AddressSpace[core.RelativeAddress, *Block]
	addrs  map[BlockID]core.RelativeAddress
}

// NewImageLayout returns an empty layout over g.
func NewImageLayout(g *BlockGraph) *ImageLayout {
	return &ImageLayout{
		Graph:  g,
		blocks: core.NewAddressSpace[core.RelativeAddress, *Block](),
		addrs:  make(map[BlockID]core.RelativeAddress),
	}
}

// AddSection appends a section to the layout and registers it in the graph.
func (l *ImageLayout) AddSection(info SectionInfo) SectionID {
	id := SectionID(len(l.Sections))
	l.Sections = append(l.Sections, info)
	if l.Graph.Section(id) == nil {
		l.Graph.AddSection(info.Name, info.Characteristics)
	}
	return id
}

// Len returns the number of placed blocks.
func (l *ImageLayout) Len() int {
	return l.blocks.Len()
}

// Entries returns the placed blocks in address order.
func (l *ImageLayout) Entries() []core.Entry[core.RelativeAddress, *Block] {
	return l.blocks.Entries()
}

// InsertBlock places b at addr.
func (l *ImageLayout) InsertBlock(addr core.RelativeAddress, b *Block) error {
	if _, ok := l.addrs[b.ID()]; ok {
		return errors.Wrapf(core.ErrOverlappingRange, "block %d already placed", b.ID())
	}
	r := core.NewAddressRange(addr, b.Size())
	if b.Size() == 0 {
		// Empty blocks occupy no address space but still need an address.
		l.addrs[b.ID()] = addr
		return nil
	}
	if err := l.blocks.Insert(r, b); err != nil {
		return errors.WithMessagef(err, "placing block %d", b.ID())
	}
	l.addrs[b.ID()] = addr
	return nil
}

// RemoveBlock takes b out of the layout.
func (l *ImageLayout) RemoveBlock(b *Block) bool {
	addr, ok := l.addrs[b.ID()]
	if !ok {
		return false
	}
	delete(l.addrs, b.ID())
	if b.Size() > 0 {
		l.blocks.Remove(core.NewAddressRange(addr, b.Size()))
	}
	return true
}

// Address returns the address of b.
func (l *ImageLayout) Address(b *Block) (core.RelativeAddress, bool) {
	addr, ok := l.addrs[b.ID()]
	return addr, ok
}

// AddressOf returns the address of the block with the given id.
func (l *ImageLayout) AddressOf(id BlockID) (core.RelativeAddress, bool) {
	addr, ok := l.addrs[id]
	return addr, ok
}

// BlockAt returns the block containing addr and the offset of addr in it.
func (l *ImageLayout) BlockAt(addr core.RelativeAddress) (*Block, int32, bool) {
	e, ok := l.blocks.FindContaining(addr)
	if !ok {
		return nil, 0, false
	}
	return e.Value, int32(addr - e.Range.Start), true
}

// BlockStartingAt returns the block whose first byte is addr.
func (l *ImageLayout) BlockStartingAt(addr core.RelativeAddress) (*Block, bool) {
	b, off, ok := l.BlockAt(addr)
	if !ok || off != 0 {
		return nil, false
	}
	return b, true
}

// BlocksIntersecting returns the placed blocks overlapping r.
func (l *ImageLayout) BlocksIntersecting(r core.AddressRange[core.RelativeAddress]) []core.Entry[core.RelativeAddress, *Block] {
	return l.blocks.FindIntersecting(r)
}

// SectionIndex returns the index of the section containing addr.
func (l *ImageLayout) SectionIndex(addr core.RelativeAddress) (SectionID, bool) {
	for i, s := range l.Sections {
		if s.Range().Contains(addr) {
			return SectionID(i), true
		}
	}
	return InvalidSectionID, false
}

// SectionBlocks returns the blocks placed in section id, in address order.
func (l *ImageLayout) SectionBlocks(id SectionID) []core.Entry[core.RelativeAddress, *Block] {
	if int(id) >= len(l.Sections) {
		return nil
	}
	return l.blocks.FindIntersecting(l.Sections[id].Range())
}

// Validate checks that every placed block lies inside the section its
// section id names. Blocks without a section must lie before the first
// section.
func (l *ImageLayout) Validate() error {
	for _, e := range l.blocks.Entries() {
		b := e.Value
		sid := b.Section()
		if sid == InvalidSectionID {
			if len(l.Sections) > 0 && e.Range.End() > l.Sections[0].Addr {
				return errors.Wrapf(ErrBlockOutsideSection, "headerless block %d at %s", b.ID(), e.Range)
			}
			continue
		}
		if int(sid) >= len(l.Sections) {
			return errors.Wrapf(ErrSectionIndexMismatch, "block %d names section %d", b.ID(), sid)
		}
		if !l.Sections[sid].Range().ContainsRange(e.Range) {
			return errors.Wrapf(ErrBlockOutsideSection, "block %d at %s, section %q at %s",
				b.ID(), e.Range, l.Sections[sid].Name, l.Sections[sid].Range())
		}
	}
	return nil
}

// ValidateCoverage checks that the blocks of every section cover its whole
// address range without gaps.
func (l *ImageLayout) ValidateCoverage() error {
	if err := l.Validate(); err != nil {
		return err
	}
	for i, s := range l.Sections {
		next := s.Addr
		for _, e := range l.SectionBlocks(SectionID(i)) {
			if e.Range.Start != next {
				return errors.Wrapf(ErrLayoutNotContiguous, "section %q has a gap at %s", s.Name, next)
			}
			if e.Value.Section() != SectionID(i) {
				return errors.Wrapf(ErrSectionIndexMismatch, "block %d at %s is in section %d, not %d",
					e.Value.ID(), e.Range.Start, e.Value.Section(), i)
			}
			next = e.Range.End()
		}
		if next != s.Range().End() {
			return errors.Wrapf(ErrLayoutNotContiguous, "section %q ends at %s, blocks end at %s",
				s.Name, s.Range().End(), next)
		}
	}
	return nil
}
