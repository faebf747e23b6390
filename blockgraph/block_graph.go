package blockgraph

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// GraphAttributes is a bitmask carried by a block graph and its serialized
// form.
type GraphAttributes uint32

const (
	// PEImageGraph marks graphs decomposed from a PE image.
	PEImageGraph GraphAttributes = 1 << iota
	// BasicBlockTransformed marks graphs that had at least one block rebuilt
	// from a basic-block subgraph.
	BasicBlockTransformed
)

var graphAttributeNames = []string{"PE_IMAGE_GRAPH", "BASIC_BLOCK_TRANSFORMED"}

func (a GraphAttributes) String() string {
	return flagNames(uint32(a), graphAttributeNames)
}

// BlockGraph owns a set of blocks and the sections they belong to. Blocks
// refer to each other by id; all lookups go through the graph.
type BlockGraph struct {
	blocks      map[BlockID]*Block
	nextBlockID BlockID
	sections    []*Section
	attributes  GraphAttributes
}

// New returns an empty block graph.
func New() *BlockGraph {
	return &BlockGraph{
		blocks:      make(map[BlockID]*Block),
		nextBlockID: 1,
	}
}

func (g *BlockGraph) Attributes() GraphAttributes { return g.attributes }
func (g *BlockGraph) SetAttributes(attr GraphAttributes) { g.attributes = attr }
func (g *BlockGraph) AddAttributes(attr GraphAttributes) { g.attributes |= attr }
func (g *BlockGraph) HasAttributes(attr GraphAttributes) bool {
	return g.attributes&attr == attr
}

// AddSection appends a new section.
func (g *BlockGraph) AddSection(name string, characteristics uint32) *Section {
	s := &Section{ID: SectionID(len(g.sections)), Name: name, Characteristics: characteristics}
	g.sections = append(g.sections, s)
	return s
}

// FindOrAddSection returns the first section with the given name, adding it
// when missing. Characteristics of an existing section are merged.
func (g *BlockGraph) FindOrAddSection(name string, characteristics uint32) *Section {
	if s := g.FindSection(name); s != nil {
		s.Characteristics |= characteristics
		return s
	}
	return g.AddSection(name, characteristics)
}

// FindSection returns the first section with the given name.
func (g *BlockGraph) FindSection(name string) *Section {
	for _, s := range g.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Section returns the section with the given id.
func (g *BlockGraph) Section(id SectionID) *Section {
	if int(id) >= len(g.sections) {
		return nil
	}
	return g.sections[id]
}

// Sections returns the sections in id order.
func (g *BlockGraph) Sections() []*Section {
	return g.sections
}

// AddBlock creates a block and assigns it the next unused id.
func (g *BlockGraph) AddBlock(typ BlockType, size uint32, name string) *Block {
	b := newBlock(g, g.nextBlockID, typ, size, name)
	g.blocks[b.id] = b
	g.nextBlockID++
	return b
}

// Block returns the block with the given id, or nil.
func (g *BlockGraph) Block(id BlockID) *Block {
	return g.blocks[id]
}

// Len returns the number of blocks.
func (g *BlockGraph) Len() int {
	return len(g.blocks)
}

// Blocks returns every block in id order.
func (g *BlockGraph) Blocks() []*Block {
	ids := maps.Keys(g.blocks)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Block, len(ids))
	for i, id := range ids {
		out[i] = g.blocks[id]
	}
	return out
}

func (g *BlockGraph) owns(b *Block) bool {
	return b != nil && b.graph == g && g.blocks[b.id] == b
}

// notOwned wraps err for a block the graph does not hold.
func notOwned(err error, b *Block) error {
	if b == nil {
		return errors.Wrap(err, "nil block")
	}
	return errors.Wrapf(err, "block %d", b.id)
}

func (g *BlockGraph) referenceAt(r Referrer) Reference {
	return g.blocks[r.Block].references[r.Offset]
}

// RemoveBlock drops its outgoing references and removes b. It fails when
// another block still refers to b.
func (g *BlockGraph) RemoveBlock(b *Block) error {
	if !g.owns(b) {
		return notOwned(ErrBlockNotFound, b)
	}
	if b.HasExternalReferrers() {
		return errors.Wrapf(ErrBlockHasReferrers, "block %d has %d referrers", b.id, len(b.referrers))
	}
	b.RemoveAllReferences()
	delete(g.blocks, b.id)
	b.graph = nil
	return nil
}

// ForceRemoveBlock removes b together with every reference to it.
func (g *BlockGraph) ForceRemoveBlock(b *Block) error {
	if !g.owns(b) {
		return notOwned(ErrBlockNotFound, b)
	}
	for _, r := range b.Referrers() {
		g.blocks[r.Block].RemoveReference(r.Offset)
	}
	return g.RemoveBlock(b)
}

// CopyBlock deep copies src. References of the copy are registered with
// their targets; references src makes to itself point at the copy. The copy
// has no other referrers.
func (g *BlockGraph) CopyBlock(src *Block, name string) (*Block, error) {
	if !g.owns(src) {
		return nil, notOwned(ErrTargetInOtherGraph, src)
	}
	dst := g.AddBlock(src.typ, src.size, name)
	dst.alignment = src.alignment
	dst.alignmentOffset = src.alignmentOffset
	dst.compilandName = src.compilandName
	dst.section = src.section
	dst.attributes = src.attributes
	if src.data != nil {
		dst.CopyData(src.data)
	}
	for off, l := range src.labels {
		dst.labels[off] = l
	}
	dst.sourceRanges.Append(&src.sourceRanges, 0)
	for _, e := range src.References() {
		ref := e.Reference
		if ref.Referenced == src.id {
			ref.Referenced = dst.id
		}
		if _, _, err := dst.SetReference(e.Offset, ref); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// TransferReferrers moves every referrer of from onto to, adding delta to
// the base and offset of each reference. Nothing is changed unless every
// rewritten base lies inside to.
func (g *BlockGraph) TransferReferrers(from, to *Block, delta int32) error {
	return g.transferReferrers(from, to, delta, false)
}

// TransferExternalReferrers is TransferReferrers that leaves references from
// from to itself untouched.
func (g *BlockGraph) TransferExternalReferrers(from, to *Block, delta int32) error {
	return g.transferReferrers(from, to, delta, true)
}

func (g *BlockGraph) transferReferrers(from, to *Block, delta int32, skipInternal bool) error {
	if !g.owns(from) || !g.owns(to) {
		return errors.Wrap(ErrTargetInOtherGraph, "transfer referrers")
	}
	type update struct {
		src *Block
		off int32
		ref Reference
	}
	var updates []update
	for _, r := range from.Referrers() {
		if skipInternal && r.Block == from.id {
			continue
		}
		src := g.blocks[r.Block]
		ref := src.references[r.Offset]
		ref.Referenced = to.id
		ref.Base += delta
		ref.Offset += delta
		if err := ref.validate(to); err != nil {
			return errors.WithMessagef(err, "referrer %d:%d of block %d", r.Block, r.Offset, from.id)
		}
		updates = append(updates, update{src: src, off: r.Offset, ref: ref})
	}
	for _, u := range updates {
		if _, _, err := u.src.SetReference(u.off, u.ref); err != nil {
			return err
		}
	}
	return nil
}

// MergeBlocks places the contents of from at offset inside into, growing
// into as needed, then removes from. Labels, references and referrers of
// from are carried over.
func (g *BlockGraph) MergeBlocks(into, from *Block, offset int32) error {
	if into == from {
		return errors.Wrapf(ErrCyclicMerge, "block %d", into.id)
	}
	if !g.owns(into) || !g.owns(from) {
		return errors.Wrap(ErrTargetInOtherGraph, "merge blocks")
	}
	if offset < 0 {
		return errors.Wrapf(ErrRefOutOfBounds, "merge offset %d", offset)
	}

	if end := uint32(offset) + from.size; end > into.size {
		into.size = end
	}
	if len(from.data) > 0 {
		data := into.ResizeData(maxUint32(uint32(len(into.data)), uint32(offset)+uint32(len(from.data))))
		copy(data[offset:], from.data)
	}
	for off, l := range from.labels {
		if err := into.AddLabelAttributes(off+offset, l.Name, l.Attributes); err != nil {
			return err
		}
	}
	into.sourceRanges.Append(&from.sourceRanges, offset)

	for _, e := range from.References() {
		ref := e.Reference
		if ref.Referenced == from.id {
			ref.Referenced = into.id
			ref.Base += offset
			ref.Offset += offset
		}
		from.RemoveReference(e.Offset)
		if _, _, err := into.SetReference(e.Offset+offset, ref); err != nil {
			return err
		}
	}
	if err := g.TransferReferrers(from, into, offset); err != nil {
		return err
	}
	into.attributes |= from.attributes &^ (PaddingBlock | GapBlock)
	return g.RemoveBlock(from)
}

// SplitBlock cuts b at offset. Bytes from offset on move to a new block with
// the given name, along with the labels, references and referrers that fall
// there. No reference may straddle the cut.
func (g *BlockGraph) SplitBlock(b *Block, offset int32, name string) (*Block, error) {
	if !g.owns(b) {
		return nil, notOwned(ErrBlockNotFound, b)
	}
	if offset <= 0 || uint32(offset) >= b.size {
		return nil, errors.Wrapf(ErrRefOutOfBounds, "split at %d of block %d with size %d", offset, b.id, b.size)
	}
	for off, ref := range b.references {
		if off < offset && off+int32(ref.Size) > offset {
			return nil, errors.Wrapf(ErrRefOutOfBounds, "reference at %d straddles split at %d", off, offset)
		}
	}

	tail := g.AddBlock(b.typ, b.size-uint32(offset), name)
	tail.section = b.section
	tail.compilandName = b.compilandName
	tail.attributes = b.attributes
	if uint32(len(b.data)) > uint32(offset) {
		tail.CopyData(b.data[offset:])
		b.data = b.data[:offset]
	}
	tail.sourceRanges = b.sourceRanges.Slice(offset, tail.size)
	b.sourceRanges = b.sourceRanges.Slice(0, uint32(offset))

	for off, l := range b.labels {
		if off >= offset {
			tail.labels[off-offset] = l
			delete(b.labels, off)
		}
	}
	for _, e := range b.References() {
		if e.Offset < offset {
			continue
		}
		b.RemoveReference(e.Offset)
		if _, _, err := tail.SetReference(e.Offset-offset, e.Reference); err != nil {
			return nil, err
		}
	}
	for _, r := range b.Referrers() {
		src := g.blocks[r.Block]
		ref := src.references[r.Offset]
		if ref.Base < offset {
			continue
		}
		ref.Referenced = tail.id
		ref.Base -= offset
		ref.Offset -= offset
		if _, _, err := src.SetReference(r.Offset, ref); err != nil {
			return nil, err
		}
	}
	b.size = uint32(offset)
	return tail, nil
}

// Validate checks that ids, references, referrers and labels are mutually
// consistent and in bounds.
func (g *BlockGraph) Validate() error {
	for _, b := range g.Blocks() {
		if b.graph != g {
			return errors.Wrapf(ErrInconsistentGraph, "block %d belongs to another graph", b.id)
		}
		if b.size == 0 && !b.HasAttribute(BasicEndBlock) {
			return errors.Wrapf(ErrInconsistentGraph, "block %d is empty", b.id)
		}
		if uint32(len(b.data)) > b.size {
			return errors.Wrapf(ErrInconsistentGraph, "block %d has %d data bytes but size %d", b.id, len(b.data), b.size)
		}
		for off := range b.labels {
			if off < 0 || (uint32(off) >= b.size && !(b.size == 0 && off == 0)) {
				return errors.Wrapf(ErrLabelOutOfBounds, "label at %d in block %d", off, b.id)
			}
		}
		for off, ref := range b.references {
			if !b.ContainsOffset(off, uint32(ref.Size)) {
				return errors.Wrapf(ErrRefOutOfBounds, "reference at %d in block %d", off, b.id)
			}
			target := g.blocks[ref.Referenced]
			if target == nil {
				return errors.Wrapf(ErrTargetInOtherGraph, "reference at %d in block %d names block %d",
					off, b.id, ref.Referenced)
			}
			if err := ref.validate(target); err != nil {
				return errors.WithMessagef(err, "reference at %d in block %d", off, b.id)
			}
			if _, ok := target.referrers[Referrer{Block: b.id, Offset: off}]; !ok {
				return errors.Wrapf(ErrInconsistentGraph, "block %d lacks referrer %d:%d", target.id, b.id, off)
			}
		}
		for r := range b.referrers {
			src := g.blocks[r.Block]
			if src == nil {
				return errors.Wrapf(ErrInconsistentGraph, "block %d has referrer from missing block %d", b.id, r.Block)
			}
			ref, ok := src.references[r.Offset]
			if !ok || ref.Referenced != b.id {
				return errors.Wrapf(ErrInconsistentGraph, "block %d has stale referrer %d:%d", b.id, r.Block, r.Offset)
			}
		}
	}
	return nil
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
