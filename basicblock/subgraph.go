package basicblock

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/disasm"
)

var (
	ErrNotDecomposable      = errors.New("block cannot be decomposed into basic blocks")
	ErrMidInstructionJump   = errors.New("control enters the middle of an instruction")
	ErrUnresolvedBranch     = errors.New("branch target cannot be resolved")
	ErrInvalidSuccessors    = errors.New("invalid successors")
	ErrControlFlow          = errors.New("branch instruction inside a basic block")
	ErrForeignBasicBlock    = errors.New("basic block belongs to another subgraph")
	ErrBasicBlockReferenced = errors.New("basic block is still referenced")
	ErrUnplacedReferrer     = errors.New("referrer points at no basic block")
)

// BlockDescription describes one block to build from a subgraph: the
// attributes of the block and the basic blocks it holds, in order.
type BlockDescription struct {
	Name            string
	CompilandName   string
	Type            blockgraph.BlockType
	Section         blockgraph.SectionID
	Alignment       uint32
	AlignmentOffset int32
	Attributes      blockgraph.BlockAttributes
	BasicBlocks     []BasicBlock
}

// SubGraph holds the basic blocks of one decomposed block and the
// descriptions of the blocks to build from them.
type SubGraph struct {
	original *blockgraph.Block
	blocks   map[BlockID]BasicBlock
	nextID   BlockID

	Descriptions []*BlockDescription
}

// NewSubGraph returns an empty subgraph for original, which may be nil for
// code built from scratch.
func NewSubGraph(original *blockgraph.Block) *SubGraph {
	return &SubGraph{original: original, blocks: make(map[BlockID]BasicBlock)}
}

// OriginalBlock returns the block the subgraph was decomposed from.
func (s *SubGraph) OriginalBlock() *blockgraph.Block {
	return s.original
}

func (s *SubGraph) newBase(name string, offset int32) basicBlockBase {
	id := s.nextID
	s.nextID++
	return basicBlockBase{id: id, name: name, offset: offset, alignment: 1}
}

// AddCodeBlock adds an empty basic code block.
func (s *SubGraph) AddCodeBlock(name string) *BasicCodeBlock {
	return s.addCodeBlock(name, NoOffset)
}

func (s *SubGraph) addCodeBlock(name string, offset int32) *BasicCodeBlock {
	b := &BasicCodeBlock{basicBlockBase: s.newBase(name, offset)}
	s.blocks[b.id] = b
	return b
}

// AddDataBlock adds a basic data block holding data.
func (s *SubGraph) AddDataBlock(name string, kind DataKind, data []byte) *BasicDataBlock {
	return s.addDataBlock(name, NoOffset, kind, data)
}

func (s *SubGraph) addDataBlock(name string, offset int32, kind DataKind, data []byte) *BasicDataBlock {
	b := &BasicDataBlock{
		basicBlockBase: s.newBase(name, offset),
		Kind:           kind,
		Data:           data,
		References:     make(map[int32]Reference),
	}
	s.blocks[b.id] = b
	return b
}

// AddEndBlock adds a basic end block.
func (s *SubGraph) AddEndBlock(name string) *BasicEndBlock {
	return s.addEndBlock(name, NoOffset)
}

func (s *SubGraph) addEndBlock(name string, offset int32) *BasicEndBlock {
	b := &BasicEndBlock{basicBlockBase: s.newBase(name, offset)}
	s.blocks[b.id] = b
	return b
}

// Block returns the basic block with the given id, or nil.
func (s *SubGraph) Block(id BlockID) BasicBlock {
	return s.blocks[id]
}

// Len returns the number of basic blocks.
func (s *SubGraph) Len() int {
	return len(s.blocks)
}

// BasicBlocks returns the basic blocks in id order.
func (s *SubGraph) BasicBlocks() []BasicBlock {
	out := make([]BasicBlock, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *SubGraph) owns(b BasicBlock) bool {
	return b != nil && s.blocks[b.ID()] == b
}

// AddBlockDescription appends a description with the attributes of the
// original block and no basic blocks.
func (s *SubGraph) AddBlockDescription(name string) *BlockDescription {
	d := &BlockDescription{Name: name, Type: blockgraph.CodeBlock, Alignment: 1,
		Section: blockgraph.InvalidSectionID}
	if o := s.original; o != nil {
		d.CompilandName = o.CompilandName()
		d.Type = o.Type()
		d.Section = o.Section()
		d.Alignment = o.Alignment()
		d.AlignmentOffset = o.AlignmentOffset()
		d.Attributes = o.Attributes()
	}
	s.Descriptions = append(s.Descriptions, d)
	return d
}

// references calls fn for every reference and successor target held by
// the basic blocks.
func (s *SubGraph) references(fn func(holder BasicBlock, r Reference)) {
	for _, b := range s.BasicBlocks() {
		switch b := b.(type) {
		case *BasicCodeBlock:
			for _, inst := range b.Instructions {
				for _, r := range inst.References {
					fn(b, r)
				}
			}
			for _, succ := range b.Successors {
				fn(b, succ.Target)
			}
		case *BasicDataBlock:
			for _, r := range b.References {
				fn(b, r)
			}
		}
	}
}

// RemoveBlock removes b. It fails while another basic block refers to b.
func (s *SubGraph) RemoveBlock(b BasicBlock) error {
	if !s.owns(b) {
		return errors.Wrapf(ErrForeignBasicBlock, "%q", b.Name())
	}
	var referrer BasicBlock
	s.references(func(holder BasicBlock, r Reference) {
		if r.Basic == b && holder != b {
			referrer = holder
		}
	})
	if referrer != nil {
		return errors.Wrapf(ErrBasicBlockReferenced, "%q by %q", b.Name(), referrer.Name())
	}

	for _, d := range s.Descriptions {
		for i, x := range d.BasicBlocks {
			if x == b {
				d.BasicBlocks = append(d.BasicBlocks[:i], d.BasicBlocks[i+1:]...)
				break
			}
		}
	}
	delete(s.blocks, b.ID())
	return nil
}

// Validate checks that every basic block is placed at most once, that all
// references stay within the subgraph or the graph, and that code blocks
// follow the successor rules.
func (s *SubGraph) Validate() error {
	placed := make(map[BlockID]bool)
	for _, d := range s.Descriptions {
		for _, b := range d.BasicBlocks {
			if !s.owns(b) {
				return errors.Wrapf(ErrForeignBasicBlock, "%q in description %q", b.Name(), d.Name)
			}
			if placed[b.ID()] {
				return errors.Wrapf(blockgraph.ErrInconsistentGraph, "basic block %q placed twice", b.Name())
			}
			placed[b.ID()] = true
		}
	}

	var err error
	s.references(func(holder BasicBlock, r Reference) {
		switch {
		case err != nil:
		case r.Basic != nil && !s.owns(r.Basic):
			err = errors.Wrapf(ErrForeignBasicBlock, "%q refers to %q", holder.Name(), r.Basic.Name())
		case r.Basic == nil && r.Block == nil:
			err = errors.Wrapf(blockgraph.ErrInconsistentGraph, "%q holds a reference to nothing", holder.Name())
		}
	})
	if err != nil {
		return err
	}

	for _, b := range s.BasicBlocks() {
		if code, ok := b.(*BasicCodeBlock); ok {
			if err := s.validateCodeBlock(code); err != nil {
				return err
			}
		}
	}
	return nil
}

// nonReturning reports whether control does not come back after the
// instructions of b end.
func (s *SubGraph) nonReturning(b *BasicCodeBlock) bool {
	if s.original != nil && s.original.HasAttribute(blockgraph.NonReturnFunction) {
		return true
	}
	if len(b.Instructions) == 0 {
		return false
	}
	last := b.Instructions[len(b.Instructions)-1]
	if last.IsReturn() || last.IsSystemCall() || last.IsIndirectBranch() {
		return true
	}
	if last.IsCall() {
		for _, r := range last.References {
			if r.Block != nil && r.Block.HasAttribute(blockgraph.NonReturnFunction) {
				return true
			}
		}
	}
	return false
}

func (s *SubGraph) validateCodeBlock(b *BasicCodeBlock) error {
	for i, inst := range b.Instructions {
		if inst.IsBranch() && inst.IsDirect() {
			return errors.Wrapf(ErrControlFlow, "%q instruction %d: %s", b.Name(), i, inst)
		}
		if inst.IsIndirectBranch() && i != len(b.Instructions)-1 {
			return errors.Wrapf(ErrControlFlow, "%q instruction %d: %s", b.Name(), i, inst)
		}
	}

	succ := b.Successors
	switch len(succ) {
	case 0:
		if !s.nonReturning(b) {
			return errors.Wrapf(ErrInvalidSuccessors, "%q has no successor but returns", b.Name())
		}
	case 1:
		if succ[0].Condition != disasm.True {
			return errors.Wrapf(ErrInvalidSuccessors, "%q has a single %s successor", b.Name(), succ[0].Condition)
		}
	case 2:
		if !disasm.AreComplementary(succ[0].Condition, succ[1].Condition) {
			return errors.Wrapf(ErrInvalidSuccessors, "%q has successors %s and %s",
				b.Name(), succ[0].Condition, succ[1].Condition)
		}
	default:
		return errors.Wrapf(ErrInvalidSuccessors, "%q has %d successors", b.Name(), len(succ))
	}
	return nil
}

func (s *SubGraph) String() string {
	name := "<new>"
	if s.original != nil {
		name = s.original.Name()
	}
	return fmt.Sprintf("subgraph of %s with %d basic blocks", name, len(s.blocks))
}
