// Package basicblock breaks code blocks into basic blocks linked by branch
// successors, and builds blocks back from them.
package basicblock

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/disasm"
)

// BlockID identifies a basic block within its subgraph.
type BlockID int

// NoOffset is the offset of basic blocks that did not come from the
// original block.
const NoOffset int32 = -1

// BasicBlock is one of *BasicCodeBlock, *BasicDataBlock or *BasicEndBlock.
type BasicBlock interface {
	ID() BlockID
	Name() string
	// Offset returns the offset of the basic block in the block it was
	// decomposed from, or NoOffset.
	Offset() int32
	// Size returns the number of bytes the basic block holds. Successors of
	// code blocks are not counted; their size depends on the layout.
	Size() int
	Alignment() uint32
	SetAlignment(alignment uint32) error
	Label() (blockgraph.Label, bool)
	SetLabel(label blockgraph.Label)
	ClearLabel()

	basicBlock() *basicBlockBase
}

type basicBlockBase struct {
	id        BlockID
	name      string
	offset    int32
	alignment uint32
	label     *blockgraph.Label
}

func (b *basicBlockBase) ID() BlockID       { return b.id }
func (b *basicBlockBase) Name() string      { return b.name }
func (b *basicBlockBase) Offset() int32     { return b.offset }
func (b *basicBlockBase) Alignment() uint32 { return b.alignment }

func (b *basicBlockBase) SetAlignment(alignment uint32) error {
	if !core.IsPowerOfTwo(alignment) {
		return errors.Wrapf(blockgraph.ErrInvalidAlignment, "basic block %q alignment %d", b.name, alignment)
	}
	b.alignment = alignment
	return nil
}

func (b *basicBlockBase) Label() (blockgraph.Label, bool) {
	if b.label == nil {
		return blockgraph.Label{}, false
	}
	return *b.label, true
}

func (b *basicBlockBase) SetLabel(label blockgraph.Label) { b.label = &label }
func (b *basicBlockBase) ClearLabel()                     { b.label = nil }

func (b *basicBlockBase) basicBlock() *basicBlockBase { return b }

// Reference is a reference held by a basic block. It points either at a
// basic block of the same subgraph, with offsets relative to its start, or
// at a block of the graph.
type Reference struct {
	Type   blockgraph.ReferenceType
	Size   uint8
	Basic  BasicBlock
	Block  *blockgraph.Block
	Offset int32
	Base   int32
}

// IsInternal reports whether r points into the subgraph.
func (r Reference) IsInternal() bool {
	return r.Basic != nil
}

func (r Reference) String() string {
	if r.Basic != nil {
		return fmt.Sprintf("%s ref to basic block %q%+d", r.Type, r.Basic.Name(), r.Offset)
	}
	if r.Block != nil {
		return fmt.Sprintf("%s ref to block %q%+d", r.Type, r.Block.Name(), r.Offset)
	}
	return fmt.Sprintf("%s ref to nothing", r.Type)
}

// Instruction is one non-branching instruction of a basic code block.
type Instruction struct {
	disasm.Instruction
	// References maps offsets within the instruction to what the bytes
	// there point at.
	References map[int32]Reference
	Label      *blockgraph.Label
	// Source is the range of the original image the instruction came from.
	Source core.AddressRange[core.RelativeAddress]
}

// NewInstruction decodes data, which must hold exactly one instruction.
func NewInstruction(data []byte) (*Instruction, error) {
	inst, err := disasm.Decode(data)
	if err != nil {
		return nil, err
	}
	if inst.Len != len(data) {
		return nil, errors.Wrapf(disasm.ErrNotDecodable, "%d trailing bytes", len(data)-inst.Len)
	}
	inst.Bytes = append([]byte(nil), data...)
	return &Instruction{Instruction: inst, References: make(map[int32]Reference)}, nil
}

// SetReference installs r at offset within the instruction.
func (i *Instruction) SetReference(offset int32, r Reference) error {
	if offset < 0 || int(offset)+int(r.Size) > i.Len {
		return errors.Wrapf(blockgraph.ErrRefOutOfBounds, "reference at %d size %d in a %d byte instruction",
			offset, r.Size, i.Len)
	}
	if i.References == nil {
		i.References = make(map[int32]Reference)
	}
	i.References[offset] = r
	return nil
}

// Successor is a branch leaving a basic code block.
type Successor struct {
	Condition disasm.Condition
	// Target is a PC-relative reference. Its size is chosen when the block
	// is built.
	Target Reference
	Label  *blockgraph.Label
	// Source is the range of the original branch instruction, if any.
	Source core.AddressRange[core.RelativeAddress]
}

// BasicCodeBlock is a run of instructions that is entered at its start and
// left through its successors.
type BasicCodeBlock struct {
	basicBlockBase
	Instructions []*Instruction
	Successors   []*Successor
}

// Size returns the size of the instructions.
func (b *BasicCodeBlock) Size() int {
	n := 0
	for _, inst := range b.Instructions {
		n += inst.Len
	}
	return n
}

// AddSuccessor appends a successor under c to target.
func (b *BasicCodeBlock) AddSuccessor(c disasm.Condition, target Reference) *Successor {
	target.Type = blockgraph.PCRelativeRef
	s := &Successor{Condition: c, Target: target}
	b.Successors = append(b.Successors, s)
	return s
}

// DataKind tells what a basic data block holds.
type DataKind int

const (
	// EmbeddedData is data the compiler placed in code, such as jump tables.
	EmbeddedData DataKind = iota
	// Padding is filler between code.
	Padding
	// UnreachableCode is code no control flow reaches.
	UnreachableCode
)

var dataKindNames = map[DataKind]string{
	EmbeddedData:    "embedded-data",
	Padding:         "padding",
	UnreachableCode: "unreachable-code",
}

func (k DataKind) String() string {
	if name, ok := dataKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("DataKind(%d)", int(k))
}

// BasicDataBlock is a contiguous run of bytes that is not executed.
type BasicDataBlock struct {
	basicBlockBase
	Kind       DataKind
	Data       []byte
	References map[int32]Reference
	Source     core.AddressRange[core.RelativeAddress]
}

// Size returns the length of the data.
func (b *BasicDataBlock) Size() int { return len(b.Data) }

// SetReference installs r at offset within the data.
func (b *BasicDataBlock) SetReference(offset int32, r Reference) error {
	if offset < 0 || int(offset)+int(r.Size) > len(b.Data) {
		return errors.Wrapf(blockgraph.ErrRefOutOfBounds, "reference at %d size %d in %d bytes of data",
			offset, r.Size, len(b.Data))
	}
	b.References[offset] = r
	return nil
}

// BasicEndBlock is a zero sized marker at the end of a block. It carries
// the labels that follow the last byte.
type BasicEndBlock struct {
	basicBlockBase
}

// Size is always zero.
func (b *BasicEndBlock) Size() int { return 0 }
