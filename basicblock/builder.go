package basicblock

import (
	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/disasm"
)

// branch is the encoding chosen for one successor.
type branch struct {
	succ     *Successor
	cond     disasm.Condition
	internal bool // the target is in the same description
	long     bool
	size     int
}

// placement is a basic block together with its offset in the block being
// built and the branches emitted after it.
type placement struct {
	bb       BasicBlock
	offset   int32
	branches []*branch
}

type location struct {
	block  *blockgraph.Block
	offset int32
}

// Builder turns the descriptions of a subgraph into blocks of a graph and
// replaces the original block with them.
type Builder struct {
	graph  *blockgraph.BlockGraph
	logger *log.Logger

	locations map[BasicBlock]location
}

// NewBuilder returns a builder adding blocks to graph. A nil logger
// discards messages below error level.
func NewBuilder(graph *blockgraph.BlockGraph, logger *log.Logger) *Builder {
	if logger == nil {
		cfg := log.DefaultConfig()
		cfg.Level = log.ErrorLevel
		logger = log.NewWithConfig(cfg)
	}
	return &Builder{graph: graph, logger: logger}
}

// Build creates one block per description of sg. The referrers of the
// original block move to the new blocks holding the basic blocks they
// pointed at, and the original block is removed.
func (b *Builder) Build(sg *SubGraph) ([]*blockgraph.Block, error) {
	if err := sg.Validate(); err != nil {
		return nil, err
	}
	b.locations = make(map[BasicBlock]location)

	layouts := make([][]*placement, len(sg.Descriptions))
	sizes := make([]uint32, len(sg.Descriptions))
	for i, desc := range sg.Descriptions {
		placements, size, err := b.layout(desc)
		if err != nil {
			return nil, errors.WithMessagef(err, "laying out %q", desc.Name)
		}
		layouts[i], sizes[i] = placements, size
	}

	blocks := make([]*blockgraph.Block, len(sg.Descriptions))
	for i, desc := range sg.Descriptions {
		blk, err := b.createBlock(desc, sizes[i])
		if err != nil {
			return nil, err
		}
		blocks[i] = blk
		for _, p := range layouts[i] {
			b.locations[p.bb] = location{block: blk, offset: p.offset}
		}
	}
	for i, desc := range sg.Descriptions {
		if err := b.write(blocks[i], desc, layouts[i]); err != nil {
			return nil, errors.WithMessagef(err, "building %q", desc.Name)
		}
	}

	if original := sg.OriginalBlock(); original != nil && original.Graph() == b.graph {
		if err := b.transferReferrers(sg, original); err != nil {
			return nil, err
		}
		if err := b.graph.RemoveBlock(original); err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// branches returns the branches needed to leave code for its successors
// when next is the basic block laid out after it.
func branches(desc *BlockDescription, code *BasicCodeBlock, next BasicBlock) []*branch {
	inDesc := func(bb BasicBlock) bool {
		for _, x := range desc.BasicBlocks {
			if x == bb {
				return true
			}
		}
		return false
	}
	newBranch := func(s *Successor, c disasm.Condition) *branch {
		internal := s.Target.Basic != nil && inDesc(s.Target.Basic)
		return &branch{succ: s, cond: c, internal: internal, long: !internal}
	}
	fallsTo := func(s *Successor) bool {
		return next != nil && s.Target.Basic == next
	}
	encodable := func(c disasm.Condition) bool {
		return c == disasm.True || c.IsArithmetic() || c >= disasm.CounterIsZero && c <= disasm.LoopIfNotEqual
	}

	succ := code.Successors
	switch len(succ) {
	case 1:
		if fallsTo(succ[0]) {
			return nil
		}
		return []*branch{newBranch(succ[0], disasm.True)}
	case 2:
		taken, other := succ[0], succ[1]
		if !encodable(taken.Condition) {
			taken, other = other, taken
		}
		switch {
		case fallsTo(other):
			return []*branch{newBranch(taken, taken.Condition)}
		case fallsTo(taken) && encodable(other.Condition):
			return []*branch{newBranch(other, other.Condition)}
		default:
			return []*branch{newBranch(taken, taken.Condition), newBranch(other, disasm.True)}
		}
	}
	return nil
}

// layout places the basic blocks of desc, choosing the shortest encoding
// of every branch that reaches its target.
func (b *Builder) layout(desc *BlockDescription) ([]*placement, uint32, error) {
	placements := make([]*placement, len(desc.BasicBlocks))
	index := make(map[BasicBlock]*placement, len(desc.BasicBlocks))
	for i, bb := range desc.BasicBlocks {
		p := &placement{bb: bb}
		if code, ok := bb.(*BasicCodeBlock); ok {
			var next BasicBlock
			if i+1 < len(desc.BasicBlocks) {
				next = desc.BasicBlocks[i+1]
			}
			p.branches = branches(desc, code, next)
		}
		placements[i] = p
		index[bb] = p
	}

	for _, p := range placements {
		for _, br := range p.branches {
			size, err := disasm.BranchSize(br.cond, br.long)
			if err != nil {
				return nil, 0, err
			}
			br.size = size
		}
	}

	// Branches only ever grow, so this terminates.
	for {
		var off int32
		for _, p := range placements {
			off = int32(core.AlignUp(uint32(off), p.bb.Alignment()))
			p.offset = off
			off += int32(p.bb.Size())
			for _, br := range p.branches {
				off += int32(br.size)
			}
		}

		changed := false
		for _, p := range placements {
			pos := p.offset + int32(p.bb.Size())
			for _, br := range p.branches {
				pos += int32(br.size)
				if !br.internal || br.long {
					continue
				}
				if disasm.FitsShort(index[br.succ.Target.Basic].offset - pos) {
					continue
				}
				size, err := disasm.BranchSize(br.cond, true)
				if err != nil {
					return nil, 0, err
				}
				br.long, br.size, changed = true, size, true
			}
		}
		if !changed {
			return placements, uint32(off), nil
		}
	}
}

func (b *Builder) createBlock(desc *BlockDescription, size uint32) (*blockgraph.Block, error) {
	blk := b.graph.AddBlock(desc.Type, size, desc.Name)
	blk.SetSection(desc.Section)
	blk.SetCompilandName(desc.CompilandName)
	blk.SetAttributes(desc.Attributes)
	if size == 0 {
		blk.SetAttribute(blockgraph.BasicEndBlock)
	}
	alignment := desc.Alignment
	if alignment == 0 {
		alignment = 1
	}
	if err := blk.SetAlignment(alignment); err != nil {
		return nil, err
	}
	blk.SetAlignmentOffset(desc.AlignmentOffset)
	return blk, nil
}

// resolve converts a basic block reference into a graph reference.
func (b *Builder) resolve(r Reference) (blockgraph.Reference, error) {
	ref := blockgraph.Reference{Type: r.Type, Size: r.Size, Offset: r.Offset, Base: r.Base}
	switch {
	case r.Basic != nil:
		loc, ok := b.locations[r.Basic]
		if !ok {
			return ref, errors.Wrapf(ErrForeignBasicBlock, "%q is in no description", r.Basic.Name())
		}
		ref.Referenced = loc.block.ID()
		ref.Offset += loc.offset
		ref.Base += loc.offset
	case r.Block != nil:
		ref.Referenced = r.Block.ID()
	default:
		return ref, errors.Wrap(blockgraph.ErrInconsistentGraph, "reference to nothing")
	}
	return ref, nil
}

func (b *Builder) setReference(blk *blockgraph.Block, offset int32, r Reference) error {
	ref, err := b.resolve(r)
	if err != nil {
		return err
	}
	_, _, err = blk.SetReference(offset, ref)
	return err
}

func pushSource(blk *blockgraph.Block, offset int32, size uint32, source core.AddressRange[core.RelativeAddress]) {
	if source.Size > 0 {
		blk.SourceRanges().Push(offset, size, source)
	}
}

func setLabel(blk *blockgraph.Block, offset int32, label *blockgraph.Label) error {
	if label == nil {
		return nil
	}
	return blk.SetLabel(offset, *label)
}

// write fills blk with the bytes, references, labels and source ranges of
// the basic blocks placed in it.
func (b *Builder) write(blk *blockgraph.Block, desc *BlockDescription, placements []*placement) error {
	data := blk.AllocateData(blk.Size())
	fill := byte(0)
	if desc.Type == blockgraph.CodeBlock {
		fill = disasm.PaddingByte
	}
	for i := range data {
		data[i] = fill
	}

	for _, p := range placements {
		label, labelled := p.bb.Label()
		if labelled {
			if err := blk.SetLabel(p.offset, label); err != nil {
				return err
			}
		}
		pos := p.offset

		switch bb := p.bb.(type) {
		case *BasicCodeBlock:
			for _, inst := range bb.Instructions {
				copy(data[pos:], inst.Bytes)
				if pos != p.offset || !labelled {
					if err := setLabel(blk, pos, inst.Label); err != nil {
						return err
					}
				}
				for off, r := range inst.References {
					if err := b.setReference(blk, pos+off, r); err != nil {
						return err
					}
				}
				pushSource(blk, pos, uint32(inst.Len), inst.Source)
				pos += int32(inst.Len)
			}
			for _, br := range p.branches {
				if err := b.writeBranch(blk, data, pos, br); err != nil {
					return err
				}
				pos += int32(br.size)
			}

		case *BasicDataBlock:
			copy(data[pos:], bb.Data)
			for off, r := range bb.References {
				if err := b.setReference(blk, pos+off, r); err != nil {
					return err
				}
			}
			pushSource(blk, pos, uint32(len(bb.Data)), bb.Source)
		}
	}
	return nil
}

// writeBranch encodes br at pos. Branches leaving the block get a
// PC-relative reference that the writer resolves.
func (b *Builder) writeBranch(blk *blockgraph.Block, data []byte, pos int32, br *branch) error {
	end := pos + int32(br.size)
	var disp int32
	if br.internal {
		disp = b.locations[br.succ.Target.Basic].offset - end
	}
	enc, err := disasm.EncodeBranch(br.cond, disp, br.long)
	if err != nil {
		return err
	}
	copy(data[pos:], enc)

	if !br.internal {
		target := br.succ.Target
		target.Type = blockgraph.PCRelativeRef
		target.Size = uint8(disasm.DisplacementSize(br.long))
		if err := b.setReference(blk, end-int32(target.Size), target); err != nil {
			return err
		}
	}
	if err := setLabel(blk, pos, br.succ.Label); err != nil {
		return err
	}
	pushSource(blk, pos, uint32(br.size), br.succ.Source)
	return nil
}

// transferReferrers points the references into original at the new blocks
// holding the basic blocks at their base offsets.
func (b *Builder) transferReferrers(sg *SubGraph, original *blockgraph.Block) error {
	byOffset := make(map[int32]BasicBlock)
	for _, bb := range sg.BasicBlocks() {
		if _, end := bb.(*BasicEndBlock); !end && bb.Offset() != NoOffset {
			byOffset[bb.Offset()] = bb
		}
	}

	for _, r := range original.Referrers() {
		if r.Block == original.ID() {
			continue
		}
		src := b.graph.Block(r.Block)
		ref, _ := src.Reference(r.Offset)
		bb, ok := byOffset[ref.Base]
		if !ok {
			return errors.Wrapf(ErrUnplacedReferrer, "reference at %d of %q to offset %d of %q",
				r.Offset, src.Name(), ref.Base, original.Name())
		}
		loc, ok := b.locations[bb]
		if !ok {
			return errors.Wrapf(ErrUnplacedReferrer, "basic block %q was not built", bb.Name())
		}
		ref.Referenced = loc.block.ID()
		ref.Offset = loc.offset + ref.Offset - ref.Base
		ref.Base = loc.offset
		if _, _, err := src.SetReference(r.Offset, ref); err != nil {
			return err
		}
		b.logger.Debug("Moved referrer",
			log.String("from", src.Name()),
			log.Int("offset", int(r.Offset)),
			log.String("to", loc.block.Name()))
	}
	return nil
}
