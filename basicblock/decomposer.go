package basicblock

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/disasm"
)

const (
	codeEntryLabels = blockgraph.CodeLabel | blockgraph.JumpTargetLabel
	dataLabels      = blockgraph.DataLabel | blockgraph.JumpTableLabel | blockgraph.CaseTableLabel
)

// Decomposer breaks one code block into a subgraph of basic blocks.
type Decomposer struct {
	block  *blockgraph.Block
	logger *log.Logger

	data       []byte
	insts      map[int32]disasm.Instruction
	offsets    []int32 // sorted keys of insts
	starts     map[int32]bool
	dataStarts map[int32]bool

	sg       *SubGraph
	byOffset map[int32]BasicBlock
	// instAt maps the offset of every instruction kept in a basic block.
	instAt map[int32]*Instruction
	// succAt maps the offset of every branch turned into successors.
	succAt  map[int32][]*Successor
	pending []pendingSuccessor
}

// pendingSuccessor is a successor whose target basic block is only known
// once all of them exist.
type pendingSuccessor struct {
	succ   *Successor
	target int32
}

// NewDecomposer returns a decomposer for block. A nil logger discards
// messages below error level.
func NewDecomposer(block *blockgraph.Block, logger *log.Logger) *Decomposer {
	if logger == nil {
		cfg := log.DefaultConfig()
		cfg.Level = log.ErrorLevel
		logger = log.NewWithConfig(cfg)
	}
	return &Decomposer{block: block, logger: logger}
}

// Decompose is a shorthand for NewDecomposer(block, logger).Decompose().
func Decompose(block *blockgraph.Block, logger *log.Logger) (*SubGraph, error) {
	return NewDecomposer(block, logger).Decompose()
}

// Decompose returns the subgraph of the block. The subgraph holds a single
// description that rebuilds the block.
func (d *Decomposer) Decompose() (*SubGraph, error) {
	b := d.block
	if b.Type() != blockgraph.CodeBlock {
		return nil, errors.Wrapf(ErrNotDecomposable, "%q is a %s block", b.Name(), b.Type())
	}
	if b.HasAnyAttribute(blockgraph.HasInlineAssembly | blockgraph.ErroredDisassembly) {
		return nil, errors.Wrapf(ErrNotDecomposable, "%q holds inline assembly", b.Name())
	}

	d.data = make([]byte, b.Size())
	copy(d.data, b.Data())
	d.insts = make(map[int32]disasm.Instruction)
	d.starts = make(map[int32]bool)
	d.dataStarts = make(map[int32]bool)

	if err := d.walk(); err != nil {
		return nil, err
	}
	if err := d.checkStarts(); err != nil {
		return nil, err
	}

	d.sg = NewSubGraph(b)
	d.byOffset = make(map[int32]BasicBlock)
	d.instAt = make(map[int32]*Instruction)
	d.succAt = make(map[int32][]*Successor)
	desc := d.sg.AddBlockDescription(b.Name())
	if err := d.createBasicBlocks(desc); err != nil {
		return nil, err
	}
	if err := d.resolveSuccessors(); err != nil {
		return nil, err
	}
	if err := d.copyReferences(); err != nil {
		return nil, err
	}
	if err := d.copyLabels(desc); err != nil {
		return nil, err
	}
	if err := d.sg.Validate(); err != nil {
		return nil, err
	}

	d.logger.Debug("Decomposed block into basic blocks",
		log.String("block", b.Name()),
		log.Int("basic_blocks", d.sg.Len()))
	return d.sg, nil
}

// seeds returns the offsets control is known to enter the block at.
func (d *Decomposer) seeds() []int32 {
	b := d.block
	for _, l := range b.Labels() {
		if l.Label.Attributes.HasAny(dataLabels) {
			d.dataStarts[l.Offset] = true
		}
	}

	work := []int32{0}
	for _, l := range b.Labels() {
		if l.Label.Attributes.HasAny(codeEntryLabels) && !d.dataStarts[l.Offset] {
			work = append(work, l.Offset)
		}
	}
	g := b.Graph()
	for _, r := range b.Referrers() {
		ref, _ := g.Block(r.Block).Reference(r.Offset)
		if !d.dataStarts[ref.Base] {
			work = append(work, ref.Base)
		}
	}
	for _, off := range work {
		d.starts[off] = true
	}
	return work
}

// walk decodes every instruction reachable from the seeds.
func (d *Decomposer) walk() error {
	size := int32(len(d.data))
	work := d.seeds()
	for len(work) > 0 {
		off := work[len(work)-1]
		work = work[:len(work)-1]

		for {
			if off >= size {
				return errors.Wrapf(ErrUnresolvedBranch, "control falls off the end of %q", d.block.Name())
			}
			if _, ok := d.insts[off]; ok {
				break
			}
			inst, err := disasm.Decode(d.data[off:])
			if err != nil {
				return errors.WithMessagef(err, "%q at offset %d", d.block.Name(), off)
			}
			d.insts[off] = inst
			end := off + int32(inst.Len)

			if inst.IsBranch() && inst.IsDirect() {
				target, internal, err := d.branchTarget(off, inst)
				if err != nil {
					return err
				}
				if internal {
					d.starts[target] = true
					work = append(work, target)
				}
				if inst.IsConditionalBranch() {
					d.starts[end] = true
					work = append(work, end)
				}
				break
			}
			if d.ends(off, inst) {
				break
			}
			off = end
		}
	}

	for off := range d.insts {
		d.offsets = append(d.offsets, off)
	}
	sort.Slice(d.offsets, func(i, j int) bool { return d.offsets[i] < d.offsets[j] })
	return nil
}

// ends reports whether control does not continue after inst.
func (d *Decomposer) ends(off int32, inst disasm.Instruction) bool {
	if inst.IsTerminator() {
		return true
	}
	if !inst.IsCall() {
		return false
	}
	field, _, ok := inst.DisplacementField()
	if !ok {
		return false
	}
	ref, ok := d.block.Reference(off + int32(field))
	if !ok {
		return false
	}
	return d.block.Graph().Block(ref.Referenced).HasAttribute(blockgraph.NonReturnFunction)
}

// branchTarget returns the offset a direct branch at off jumps to, and
// whether it lies in the block.
func (d *Decomposer) branchTarget(off int32, inst disasm.Instruction) (int32, bool, error) {
	field, _, _ := inst.DisplacementField()
	if ref, ok := d.block.Reference(off + int32(field)); ok {
		if ref.Referenced == d.block.ID() {
			return ref.Base, true, nil
		}
		return 0, false, nil
	}
	disp, _ := inst.Displacement()
	target := off + int32(inst.Len) + disp
	if target < 0 || target >= int32(len(d.data)) {
		return 0, false, errors.Wrapf(ErrUnresolvedBranch, "%s at offset %d of %q leaves the block without a reference",
			inst, off, d.block.Name())
	}
	return target, true, nil
}

// checkStarts verifies that decoded instructions do not overlap and that
// every entry point starts an instruction.
func (d *Decomposer) checkStarts() error {
	for i := 1; i < len(d.offsets); i++ {
		prev := d.offsets[i-1]
		if end := prev + int32(d.insts[prev].Len); end > d.offsets[i] {
			return errors.Wrapf(ErrMidInstructionJump, "offset %d of %q lies inside the instruction at %d",
				d.offsets[i], d.block.Name(), prev)
		}
	}
	for off := range d.starts {
		if _, ok := d.insts[off]; !ok {
			return errors.Wrapf(ErrMidInstructionJump, "entry at offset %d of %q starts no instruction",
				off, d.block.Name())
		}
	}
	return nil
}

// source returns the original range of size bytes at off.
func (d *Decomposer) source(off int32, size int) core.AddressRange[core.RelativeAddress] {
	addr, ok := d.block.SourceRanges().SourceAddress(off)
	if !ok {
		return core.AddressRange[core.RelativeAddress]{}
	}
	return core.NewAddressRange(addr, uint32(size))
}

func (d *Decomposer) name(off int32) string {
	return fmt.Sprintf("%s+0x%X", d.block.Name(), off)
}

// createBasicBlocks cuts the block into basic blocks in offset order and
// adds them to desc.
func (d *Decomposer) createBasicBlocks(desc *BlockDescription) error {
	size := int32(len(d.data))
	for off := int32(0); off < size; {
		var bb BasicBlock
		var end int32
		if _, ok := d.insts[off]; ok && !d.dataStarts[off] {
			bb, end = d.createCodeBlock(off)
		} else {
			bb, end = d.createDataBlock(off)
		}
		d.byOffset[off] = bb
		desc.BasicBlocks = append(desc.BasicBlocks, bb)
		off = end
	}
	return nil
}

func (d *Decomposer) createCodeBlock(start int32) (BasicBlock, int32) {
	bb := d.sg.addCodeBlock(d.name(start), start)
	off := start
	for {
		inst := d.insts[off]
		end := off + int32(inst.Len)

		if inst.IsBranch() && inst.IsDirect() {
			d.addBranchSuccessors(bb, off, inst)
			return bb, end
		}
		kept := &Instruction{
			Instruction: inst,
			References:  make(map[int32]Reference),
			Source:      d.source(off, inst.Len),
		}
		bb.Instructions = append(bb.Instructions, kept)
		d.instAt[off] = kept
		if d.ends(off, inst) {
			return bb, end
		}

		if _, ok := d.insts[end]; !ok || d.starts[end] || d.dataStarts[end] {
			succ := bb.AddSuccessor(disasm.True, Reference{Size: 4})
			d.pending = append(d.pending, pendingSuccessor{succ: succ, target: end})
			return bb, end
		}
		off = end
	}
}

// addBranchSuccessors turns the branch at off into the successors of bb.
func (d *Decomposer) addBranchSuccessors(bb *BasicCodeBlock, off int32, inst disasm.Instruction) {
	end := off + int32(inst.Len)
	field, size, _ := inst.DisplacementField()
	src := d.source(off, inst.Len)

	taken := bb.AddSuccessor(inst.Condition(), Reference{Size: uint8(size)})
	taken.Source = src
	if ref, ok := d.block.Reference(off + int32(field)); ok && ref.Referenced != d.block.ID() {
		taken.Target = Reference{
			Type:   blockgraph.PCRelativeRef,
			Size:   ref.Size,
			Block:  d.block.Graph().Block(ref.Referenced),
			Offset: ref.Offset,
			Base:   ref.Base,
		}
	} else {
		target, _, _ := d.branchTarget(off, inst)
		d.pending = append(d.pending, pendingSuccessor{succ: taken, target: target})
	}
	succs := []*Successor{taken}

	if inst.IsConditionalBranch() {
		fall := bb.AddSuccessor(inst.Condition().FallThrough(), Reference{Size: uint8(size)})
		d.pending = append(d.pending, pendingSuccessor{succ: fall, target: end})
		succs = append(succs, fall)
	}
	d.succAt[off] = succs
}

// createDataBlock covers the bytes from start up to the next instruction,
// label or data start.
func (d *Decomposer) createDataBlock(start int32) (BasicBlock, int32) {
	size := int32(len(d.data))
	end := size
	if i := sort.Search(len(d.offsets), func(i int) bool { return d.offsets[i] > start }); i < len(d.offsets) {
		end = d.offsets[i]
	}
	for _, l := range d.block.Labels() {
		if l.Offset > start && l.Offset < end {
			end = l.Offset
			break
		}
	}

	data := d.data[start:end]
	kind := EmbeddedData
	switch {
	case d.dataStarts[start]:
	case isPadding(data):
		kind = Padding
	default:
		kind = UnreachableCode
	}
	bb := d.sg.addDataBlock(d.name(start), start, kind, append([]byte(nil), data...))
	bb.Source = d.source(start, len(data))
	return bb, end
}

// isPadding reports whether data only holds int3, nop and zero fill.
func isPadding(data []byte) bool {
	for _, c := range data {
		if c != disasm.PaddingByte && c != 0x90 && c != 0x00 {
			return false
		}
	}
	return true
}

func (d *Decomposer) resolveSuccessors() error {
	for _, p := range d.pending {
		bb, ok := d.byOffset[p.target]
		if !ok {
			return errors.Wrapf(ErrMidInstructionJump, "branch to offset %d of %q starts no basic block",
				p.target, d.block.Name())
		}
		p.succ.Target.Type = blockgraph.PCRelativeRef
		p.succ.Target.Basic = bb
	}
	return nil
}

// holder returns the basic block item holding the byte at off.
func (d *Decomposer) holder(off int32) (inst *Instruction, instOff int32, data *BasicDataBlock, ok bool) {
	i := sort.Search(len(d.offsets), func(i int) bool { return d.offsets[i] > off }) - 1
	if i >= 0 {
		start := d.offsets[i]
		if off < start+int32(d.insts[start].Len) {
			if inst, ok := d.instAt[start]; ok {
				return inst, start, nil, true
			}
			if _, ok := d.succAt[start]; ok {
				return nil, start, nil, true
			}
		}
	}
	for start, bb := range d.byOffset {
		if db, ok := bb.(*BasicDataBlock); ok && off >= start && off < start+int32(len(db.Data)) {
			return nil, start, db, true
		}
	}
	return nil, 0, nil, false
}

// translate converts a reference of the block into a basic block reference.
func (d *Decomposer) translate(ref blockgraph.Reference) (Reference, error) {
	r := Reference{Type: ref.Type, Size: ref.Size}
	if ref.Referenced != d.block.ID() {
		r.Block = d.block.Graph().Block(ref.Referenced)
		r.Offset = ref.Offset
		r.Base = ref.Base
		return r, nil
	}
	bb, ok := d.byOffset[ref.Base]
	if !ok {
		return r, errors.Wrapf(ErrMidInstructionJump, "reference to offset %d of %q starts no basic block",
			ref.Base, d.block.Name())
	}
	r.Basic = bb
	r.Offset = ref.Offset - ref.Base
	return r, nil
}

// copyReferences moves the references of the block onto the instructions
// and data blocks holding them. References of branches already became
// successors.
func (d *Decomposer) copyReferences() error {
	for _, e := range d.block.References() {
		inst, start, data, ok := d.holder(e.Offset)
		if !ok {
			return errors.Wrapf(blockgraph.ErrInconsistentGraph, "reference at %d of %q lies in no basic block",
				e.Offset, d.block.Name())
		}
		if inst == nil && data == nil {
			// The displacement of a branch, already a successor.
			continue
		}
		r, err := d.translate(e.Reference)
		if err != nil {
			return err
		}
		if inst != nil {
			err = inst.SetReference(e.Offset-start, r)
		} else {
			err = data.SetReference(e.Offset-start, r)
		}
		if err != nil {
			return errors.WithMessagef(err, "%q", d.block.Name())
		}
	}
	return nil
}

// copyLabels places every label of the block on the basic block,
// instruction or successor starting at its offset.
func (d *Decomposer) copyLabels(desc *BlockDescription) error {
	for _, e := range d.block.Labels() {
		label := e.Label
		if bb, ok := d.byOffset[e.Offset]; ok {
			bb.SetLabel(label)
			continue
		}
		if inst, ok := d.instAt[e.Offset]; ok {
			inst.Label = &label
			continue
		}
		if succs, ok := d.succAt[e.Offset]; ok {
			succs[0].Label = &label
			continue
		}
		if uint32(e.Offset) == d.block.Size() {
			end := d.sg.addEndBlock(d.name(e.Offset), e.Offset)
			end.SetLabel(label)
			desc.BasicBlocks = append(desc.BasicBlocks, end)
			continue
		}
		return errors.Wrapf(ErrMidInstructionJump, "label %q at offset %d of %q", label.Name, e.Offset, d.block.Name())
	}
	return nil
}
