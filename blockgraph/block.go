package blockgraph

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/wanglei-coder/syzygy/core"
)

// Block is the atomic unit of a BlockGraph: a contiguous run of bytes with a
// type, labels, outgoing references and the set of blocks referring to it.
type Block struct {
	graph *BlockGraph

	id              BlockID
	typ             BlockType
	size            uint32
	alignment       uint32
	alignmentOffset int32
	name            string
	compilandName   string
	section         SectionID
	attributes      BlockAttributes

	// data holds at most size bytes; missing trailing bytes are zero. When
	// ownsData is false the slice is borrowed from the mapped input image.
	data     []byte
	ownsData bool

	labels     map[int32]Label
	references map[int32]Reference
	referrers  map[Referrer]struct{}

	sourceRanges SourceRanges
}

func newBlock(graph *BlockGraph, id BlockID, typ BlockType, size uint32, name string) *Block {
	return &Block{
		graph:      graph,
		id:         id,
		typ:        typ,
		size:       size,
		alignment:  1,
		name:       name,
		section:    InvalidSectionID,
		labels:     make(map[int32]Label),
		references: make(map[int32]Reference),
		referrers:  make(map[Referrer]struct{}),
	}
}

func (b *Block) ID() BlockID { return b.id }
func (b *Block) Graph() *BlockGraph { return b.graph }
func (b *Block) Type() BlockType { return b.typ }
func (b *Block) SetType(t BlockType) { b.typ = t }
func (b *Block) Size() uint32 { return b.size }
func (b *Block) Name() string { return b.name }
func (b *Block) SetName(name string) { b.name = name }
func (b *Block) CompilandName() string { return b.compilandName }
func (b *Block) SetCompilandName(name string) { b.compilandName = name }
func (b *Block) Section() SectionID { return b.section }
func (b *Block) SetSection(id SectionID) { b.section = id }
func (b *Block) Alignment() uint32 { return b.alignment }
func (b *Block) AlignmentOffset() int32 { return b.alignmentOffset }
func (b *Block) Attributes() BlockAttributes { return b.attributes }
func (b *Block) SourceRanges() *SourceRanges { return &b.sourceRanges }

func (b *Block) String() string {
	return fmt.Sprintf("%s %d %q (size %d)", b.typ, b.id, b.name, b.size)
}

// SetAlignment sets the block alignment, which must be a power of two.
func (b *Block) SetAlignment(alignment uint32) error {
	if !core.IsPowerOfTwo(alignment) {
		return errors.Wrapf(ErrInvalidAlignment, "block %d alignment %d", b.id, alignment)
	}
	b.alignment = alignment
	return nil
}

// SetAlignmentOffset sets the offset within the block that must be aligned.
func (b *Block) SetAlignmentOffset(offset int32) {
	b.alignmentOffset = offset
}

// SetAttributes replaces all attributes.
func (b *Block) SetAttributes(attr BlockAttributes) { b.attributes = attr }

// SetAttribute sets the given attribute bits.
func (b *Block) SetAttribute(attr BlockAttributes) { b.attributes |= attr }

// ClearAttribute clears the given attribute bits.
func (b *Block) ClearAttribute(attr BlockAttributes) { b.attributes &^= attr }

// HasAttribute reports whether all the given attribute bits are set.
func (b *Block) HasAttribute(attr BlockAttributes) bool { return b.attributes.Has(attr) }

// HasAnyAttribute reports whether any of the given attribute bits is set.
func (b *Block) HasAnyAttribute(attr BlockAttributes) bool { return b.attributes&attr != 0 }

// Data returns the explicit bytes of the block. It may be shorter than Size.
func (b *Block) Data() []byte { return b.data }

// DataSize returns the number of explicit bytes.
func (b *Block) DataSize() uint32 { return uint32(len(b.data)) }

// OwnsData reports whether the block's data is a private copy.
func (b *Block) OwnsData() bool { return b.ownsData }

// SetData makes the block borrow data without copying it.
func (b *Block) SetData(data []byte) {
	b.data = data
	b.ownsData = false
}

// CopyData replaces the block's data with a private copy of data.
func (b *Block) CopyData(data []byte) {
	b.data = append([]byte(nil), data...)
	b.ownsData = true
}

// AllocateData replaces the block's data with size zero bytes.
func (b *Block) AllocateData(size uint32) []byte {
	b.data = make([]byte, size)
	b.ownsData = true
	return b.data
}

// MutableData returns the block's data, copying borrowed data first.
func (b *Block) MutableData() []byte {
	if !b.ownsData {
		b.CopyData(b.data)
	}
	return b.data
}

// ResizeData changes the number of explicit bytes. Growing pads with zero.
func (b *Block) ResizeData(size uint32) []byte {
	data := b.MutableData()
	if uint32(len(data)) >= size {
		b.data = data[:size]
		return b.data
	}
	grown := make([]byte, size)
	copy(grown, data)
	b.data = grown
	return b.data
}

// SetSize changes the block size. Shrinking fails when labels, references
// or referrers would fall outside the block.
func (b *Block) SetSize(size uint32) error {
	if size < b.size {
		for off := range b.labels {
			if uint32(off) >= size {
				return errors.Wrapf(ErrLabelOutOfBounds, "label at %d in block %d", off, b.id)
			}
		}
		for off, ref := range b.references {
			if uint32(off)+uint32(ref.Size) > size {
				return errors.Wrapf(ErrRefOutOfBounds, "reference at %d in block %d", off, b.id)
			}
		}
		for r := range b.referrers {
			ref := b.graph.referenceAt(r)
			if uint32(ref.Base) >= size {
				return errors.Wrapf(ErrRefOutOfBounds, "referrer %d:%d names base %d", r.Block, r.Offset, ref.Base)
			}
		}
		if uint32(len(b.data)) > size {
			b.data = b.data[:size]
		}
	}
	b.size = size
	return nil
}

// ContainsOffset reports whether [offset, offset+size) lies in the block.
func (b *Block) ContainsOffset(offset int32, size uint32) bool {
	return offset >= 0 && uint64(offset)+uint64(size) <= uint64(b.size)
}

// Labels returns the labels in offset order.
func (b *Block) Labels() []LabelEntry {
	offsets := maps.Keys(b.labels)
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	out := make([]LabelEntry, 0, len(offsets))
	for _, off := range offsets {
		out = append(out, LabelEntry{Offset: off, Label: b.labels[off]})
	}
	return out
}

// NumLabels returns the number of labels.
func (b *Block) NumLabels() int { return len(b.labels) }

// Label returns the label at offset.
func (b *Block) Label(offset int32) (Label, bool) {
	l, ok := b.labels[offset]
	return l, ok
}

// HasLabel reports whether a label exists at offset.
func (b *Block) HasLabel(offset int32) bool {
	_, ok := b.labels[offset]
	return ok
}

// SetLabel adds or replaces the label at offset. Zero-sized blocks accept a
// single label at offset zero.
func (b *Block) SetLabel(offset int32, label Label) error {
	if offset < 0 || (uint32(offset) >= b.size && !(b.size == 0 && offset == 0)) {
		return errors.Wrapf(ErrLabelOutOfBounds, "label %q at %d in block %d of size %d",
			label.Name, offset, b.id, b.size)
	}
	b.labels[offset] = label
	return nil
}

// AddLabelAttributes merges attributes into the label at offset, creating
// the label with the given name when absent.
func (b *Block) AddLabelAttributes(offset int32, name string, attr LabelAttributes) error {
	if l, ok := b.labels[offset]; ok {
		l.Attributes |= attr
		if l.Name == "" {
			l.Name = name
		}
		b.labels[offset] = l
		return nil
	}
	return b.SetLabel(offset, Label{Name: name, Attributes: attr})
}

// RemoveLabel deletes the label at offset.
func (b *Block) RemoveLabel(offset int32) bool {
	if _, ok := b.labels[offset]; !ok {
		return false
	}
	delete(b.labels, offset)
	return true
}

// References returns the outgoing references in offset order.
func (b *Block) References() []ReferenceEntry {
	offsets := maps.Keys(b.references)
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	out := make([]ReferenceEntry, 0, len(offsets))
	for _, off := range offsets {
		out = append(out, ReferenceEntry{Offset: off, Reference: b.references[off]})
	}
	return out
}

// NumReferences returns the number of outgoing references.
func (b *Block) NumReferences() int { return len(b.references) }

// Reference returns the outgoing reference at offset.
func (b *Block) Reference(offset int32) (Reference, bool) {
	r, ok := b.references[offset]
	return r, ok
}

// Referrers returns the (block, offset) pairs referring to this block,
// ordered by block id then offset.
func (b *Block) Referrers() []Referrer {
	out := maps.Keys(b.referrers)
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// NumReferrers returns the number of referrers.
func (b *Block) NumReferrers() int { return len(b.referrers) }

// HasExternalReferrers reports whether a block other than b refers to it.
func (b *Block) HasExternalReferrers() bool {
	for r := range b.referrers {
		if r.Block != b.id {
			return true
		}
	}
	return false
}

// SetReference installs ref at offset, replacing any reference already
// there. The referrer sets of the old and new targets are updated together.
// It returns the replaced reference, if any.
func (b *Block) SetReference(offset int32, ref Reference) (Reference, bool, error) {
	if b.graph == nil {
		return Reference{}, false, errors.Wrapf(ErrBlockNotFound, "block %d has no graph", b.id)
	}
	if !IsValidSize(ref.Size) {
		return Reference{}, false, errors.Wrapf(ErrInvalidRefSize, "size %d at %d in block %d", ref.Size, offset, b.id)
	}
	if !b.ContainsOffset(offset, uint32(ref.Size)) {
		return Reference{}, false, errors.Wrapf(ErrRefOutOfBounds, "reference at %d size %d in block %d of size %d",
			offset, ref.Size, b.id, b.size)
	}
	target := b.graph.Block(ref.Referenced)
	if target == nil {
		return Reference{}, false, errors.Wrapf(ErrTargetInOtherGraph, "block %d not in graph", ref.Referenced)
	}
	if err := ref.validate(target); err != nil {
		return Reference{}, false, err
	}

	old, replaced := b.references[offset]
	if replaced {
		if oldTarget := b.graph.Block(old.Referenced); oldTarget != nil {
			delete(oldTarget.referrers, Referrer{Block: b.id, Offset: offset})
		}
	}
	b.references[offset] = ref
	target.referrers[Referrer{Block: b.id, Offset: offset}] = struct{}{}
	return old, replaced, nil
}

// SetReferenceTo is SetReference for a target given as a block pointer. The
// target must belong to the same graph.
func (b *Block) SetReferenceTo(offset int32, typ ReferenceType, size uint8, target *Block,
	refOffset, base int32) (Reference, bool, error) {
	if target.graph != b.graph || b.graph.Block(target.id) != target {
		return Reference{}, false, errors.Wrapf(ErrTargetInOtherGraph, "block %d", target.id)
	}
	ref, err := NewReference(typ, size, target, refOffset, base)
	if err != nil {
		return Reference{}, false, err
	}
	return b.SetReference(offset, ref)
}

// RemoveReference deletes the reference at offset and its referrer entry.
func (b *Block) RemoveReference(offset int32) bool {
	ref, ok := b.references[offset]
	if !ok {
		return false
	}
	delete(b.references, offset)
	if b.graph != nil {
		if target := b.graph.Block(ref.Referenced); target != nil {
			delete(target.referrers, Referrer{Block: b.id, Offset: offset})
		}
	}
	return true
}

// RemoveAllReferences deletes every outgoing reference.
func (b *Block) RemoveAllReferences() {
	for off := range b.references {
		b.RemoveReference(off)
	}
}

// InsertData inserts size bytes at offset. Labels, references and referrers
// at or after offset are moved up. When the block has explicit data that
// reaches offset, zero bytes are inserted into it.
func (b *Block) InsertData(offset int32, size uint32) error {
	if offset < 0 || uint32(offset) > b.size {
		return errors.Wrapf(ErrRefOutOfBounds, "insert at %d in block %d of size %d", offset, b.id, b.size)
	}
	if size == 0 {
		return nil
	}
	b.shift(offset, int32(size))
	b.size += size
	if uint32(len(b.data)) > uint32(offset) {
		data := b.MutableData()
		grown := make([]byte, uint32(len(data))+size)
		copy(grown, data[:offset])
		copy(grown[uint32(offset)+size:], data[offset:])
		b.data = grown
	}
	b.sourceRanges.Shift(offset, int32(size))
	return nil
}

// RemoveData removes size bytes at offset. The range must hold no labels or
// references and no referrer may point into it.
func (b *Block) RemoveData(offset int32, size uint32) error {
	if !b.ContainsOffset(offset, size) {
		return errors.Wrapf(ErrRefOutOfBounds, "remove [%d, +%d) from block %d of size %d", offset, size, b.id, b.size)
	}
	if size == 0 {
		return nil
	}
	end := offset + int32(size)
	for off := range b.labels {
		if off >= offset && off < end {
			return errors.Wrapf(ErrLabelOutOfBounds, "label at %d in removed range", off)
		}
	}
	for off, ref := range b.references {
		if off+int32(ref.Size) > offset && off < end {
			return errors.Wrapf(ErrRefOutOfBounds, "reference at %d in removed range", off)
		}
	}
	for r := range b.referrers {
		ref := b.graph.referenceAt(r)
		if ref.Base >= offset && ref.Base < end {
			return errors.Wrapf(ErrRefOutOfBounds, "referrer %d:%d into removed range", r.Block, r.Offset)
		}
	}

	b.shift(end, -int32(size))
	b.size -= size
	if uint32(len(b.data)) > uint32(offset) {
		data := b.MutableData()
		stop := uint32(end)
		if stop > uint32(len(data)) {
			stop = uint32(len(data))
		}
		b.data = append(data[:offset:offset], data[stop:]...)
	}
	b.sourceRanges.Remove(offset, size)
	return nil
}

// shift moves labels and references at or after offset by delta, and
// rewrites referrers whose base lies at or after offset.
func (b *Block) shift(offset int32, delta int32) {
	labels := make(map[int32]Label, len(b.labels))
	for off, l := range b.labels {
		if off >= offset {
			off += delta
		}
		labels[off] = l
	}
	b.labels = labels

	var moved []ReferenceEntry
	for off, ref := range b.references {
		if off >= offset {
			moved = append(moved, ReferenceEntry{Offset: off, Reference: ref})
		}
	}
	for _, e := range moved {
		b.RemoveReference(e.Offset)
	}
	for _, e := range moved {
		// Targets are unchanged, so only the bookkeeping can fail here.
		b.references[e.Offset+delta] = e.Reference
		if target := b.graph.Block(e.Reference.Referenced); target != nil {
			target.referrers[Referrer{Block: b.id, Offset: e.Offset + delta}] = struct{}{}
		}
	}

	for _, r := range b.Referrers() {
		src := b.graph.Block(r.Block)
		ref := src.references[r.Offset]
		if ref.Base >= offset {
			ref.Base += delta
			ref.Offset += delta
			src.references[r.Offset] = ref
		}
	}
}
