package pe

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
)

// decodeHeader parses the headers stored in the header block of a graph.
func decodeHeader(header *blockgraph.Block) (*File, error) {
	data := make([]byte, header.Size())
	copy(data, header.Data())
	f, err := readHeaders(data)
	if err != nil {
		return nil, errors.WithMessage(err, "decoding header block")
	}
	if _, err := f.OptionalHeader32(); err != nil {
		return nil, err
	}
	return f, nil
}

// FindHeaderBlock returns the block placed at RVA 0 of layout.
func FindHeaderBlock(layout *blockgraph.ImageLayout) (*blockgraph.Block, error) {
	header, ok := layout.BlockStartingAt(0)
	if !ok || header.Section() != blockgraph.InvalidSectionID {
		return nil, errors.Wrap(ErrUnplaceableBlock, "no header block at RVA 0")
	}
	return header, nil
}

// originalAddress orders blocks by the first original RVA they map to.
// Blocks without source ranges sort after every mapped block.
func originalAddress(b *blockgraph.Block) uint64 {
	ranges := b.SourceRanges().Ranges()
	if len(ranges) == 0 {
		return math.MaxUint64
	}
	return uint64(ranges[0].Source.Start)
}

// BuildImageLayout places the blocks of original's graph into a fresh
// layout. Sections keep the order and characteristics they have in
// original; the blocks of a section are laid out contiguously in the order
// of the original addresses they came from, honoring their alignment.
// Section addresses are aligned to the section alignment of the header.
func BuildImageLayout(original *blockgraph.ImageLayout) (*blockgraph.ImageLayout, error) {
	g := original.Graph
	header, err := FindHeaderBlock(original)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	sectionAlignment, _ := hdr.alignments()

	bySection := make(map[blockgraph.SectionID][]*blockgraph.Block)
	for _, b := range g.Blocks() {
		if b == header {
			continue
		}
		sid := b.Section()
		if sid == blockgraph.InvalidSectionID || g.Section(sid) == nil {
			return nil, errors.Wrapf(ErrUnplaceableBlock, "block %d %q belongs to no section", b.ID(), b.Name())
		}
		bySection[sid] = append(bySection[sid], b)
	}

	layout := blockgraph.NewImageLayout(g)
	if err := layout.InsertBlock(0, header); err != nil {
		return nil, err
	}
	next := core.AlignUp(header.Size(), sectionAlignment)

	for _, section := range g.Sections() {
		blocks := bySection[section.ID]
		sort.SliceStable(blocks, func(i, j int) bool {
			ai, aj := originalAddress(blocks[i]), originalAddress(blocks[j])
			if ai != aj {
				return ai < aj
			}
			return blocks[i].ID() < blocks[j].ID()
		})

		start := core.RelativeAddress(next)
		addr := start
		for _, b := range blocks {
			addr = alignBlock(addr, b)
			if err := layout.InsertBlock(addr, b); err != nil {
				return nil, err
			}
			addr += core.RelativeAddress(b.Size())
		}

		info := blockgraph.SectionInfo{
			Name:            section.Name,
			Addr:            start,
			Size:            uint32(addr - start),
			Characteristics: section.Characteristics,
		}
		if int(section.ID) < len(original.Sections) {
			info.Characteristics = original.Sections[section.ID].Characteristics
		}
		info.DataSize = initializedSize(layout, blocks, start)
		if sid := layout.AddSection(info); sid != section.ID {
			return nil, errors.Wrapf(blockgraph.ErrSectionIndexMismatch, "section %q placed as %d", section.Name, sid)
		}
		next = core.AlignUp(uint32(addr), sectionAlignment)
	}
	return layout, layout.Validate()
}

// alignBlock returns the first address at or after addr satisfying the
// alignment of b.
func alignBlock(addr core.RelativeAddress, b *blockgraph.Block) core.RelativeAddress {
	align := b.Alignment()
	if align <= 1 {
		return addr
	}
	// The aligned address is the one where addr+AlignmentOffset is a
	// multiple of the alignment.
	shifted := uint32(int64(addr) + int64(b.AlignmentOffset()))
	return addr + core.RelativeAddress(core.AlignUp(shifted, align)-shifted)
}

// initializedSize returns the extent of the bytes of a section that have
// explicit data.
func initializedSize(layout *blockgraph.ImageLayout, blocks []*blockgraph.Block, start core.RelativeAddress) uint32 {
	var end core.RelativeAddress
	for _, b := range blocks {
		if b.DataSize() == 0 {
			continue
		}
		addr, _ := layout.Address(b)
		if e := addr + core.RelativeAddress(b.DataSize()); e > end {
			end = e
		}
	}
	if end < start {
		return 0
	}
	return uint32(end - start)
}
