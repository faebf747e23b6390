package decompose

import (
	"fmt"

	"github.com/retroenv/retrogolib/log"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/disasm"
)

// disassemble walks every code block that is neither padding nor known to
// hold inline assembly.
func (d *Decomposer) disassemble() error {
	skip := blockgraph.PaddingBlock | blockgraph.HasInlineAssembly
	for _, b := range d.layout.Graph.Blocks() {
		if b.Type() != blockgraph.CodeBlock || b.HasAnyAttribute(skip) {
			continue
		}
		if err := d.disassembleBlock(b); err != nil {
			return err
		}
	}
	return nil
}

// codeBytes returns the bytes of the image from the start of b to the end
// of its section, so instructions running past b can be recognized.
func (d *Decomposer) codeBytes(b *blockgraph.Block, addr core.RelativeAddress) []byte {
	s := d.file.SectionByRVA(addr)
	if s == nil {
		return b.Data()
	}
	start := uint32(addr) - s.VirtualAddress
	if data := s.Data(); start < uint32(len(data)) {
		return data[start:]
	}
	return nil
}

// dataLabels mark offsets of code blocks that hold data rather than
// instructions.
const dataLabels = blockgraph.DataLabel | blockgraph.JumpTableLabel | blockgraph.CaseTableLabel

// dataOffsets returns the offsets of b labelled as data.
func dataOffsets(b *blockgraph.Block) map[int32]bool {
	data := make(map[int32]bool)
	for _, l := range b.Labels() {
		if l.Label.Attributes.HasAny(dataLabels) {
			data[l.Offset] = true
		}
	}
	return data
}

// entryPoints returns the offsets of b control can enter at: its start and
// every offset another reference names, leaving out offsets labelled as
// data.
func entryPoints(b *blockgraph.Block, data map[int32]bool) []int32 {
	g := b.Graph()
	var work []int32
	if !data[0] {
		work = append(work, 0)
	}
	for _, r := range b.Referrers() {
		ref, _ := g.Block(r.Block).Reference(r.Offset)
		if ref.Base > 0 && !data[ref.Base] {
			work = append(work, ref.Base)
		}
	}
	return work
}

// disassembleBlock decodes the instructions reachable from the entry points
// of b, labels the targets of branches that stay in b, and synthesizes
// references for branches that leave it without a fixup. Decoding stops at
// data labels.
func (d *Decomposer) disassembleBlock(b *blockgraph.Block) error {
	addr, _ := d.layout.Address(b)
	code := d.codeBytes(b, addr)
	size := int32(b.Size())

	data := dataOffsets(b)
	work := entryPoints(b, data)
	var targets []int32
	for _, off := range work {
		if off > 0 {
			targets = append(targets, off)
		}
	}
	visited := make(map[int32]bool)
	for len(work) > 0 {
		off := work[len(work)-1]
		work = work[:len(work)-1]

		for off < size && !visited[off] && !data[off] {
			if int(off) >= len(code) {
				break
			}
			inst, err := disasm.Decode(code[off:])
			if err != nil {
				d.logger.Warn("Disassembly failed, treating block as inline assembly",
					log.String("block", b.Name()),
					log.Hex("rva", addr+core.RelativeAddress(off)),
					log.Err(err))
				b.SetAttribute(blockgraph.HasInlineAssembly)
				return nil
			}
			end := off + int32(inst.Len)
			if end > size {
				if err := d.labelTargets(b, addr, targets, data); err != nil {
					return err
				}
				return d.splitStraddling(b, addr, off)
			}
			visited[off] = true

			next, stop, err := d.followInstruction(b, addr, off, inst)
			if err != nil {
				return err
			}
			for _, t := range next {
				if !data[t] {
					work = append(work, t)
					targets = append(targets, t)
				}
			}
			if stop {
				break
			}
			off = end
		}
	}
	return d.labelTargets(b, addr, targets, data)
}

// followInstruction returns the offsets in b the instruction at off may
// transfer control to, and whether control stops after it.
func (d *Decomposer) followInstruction(b *blockgraph.Block, addr core.RelativeAddress, off int32,
	inst disasm.Instruction) ([]int32, bool, error) {
	stop := inst.IsTerminator()
	field, fieldSize, ok := inst.DisplacementField()
	if !ok {
		return nil, stop, nil
	}
	at := off + int32(field)

	if ref, ok := b.Reference(at); ok {
		target := b.Graph().Block(ref.Referenced)
		if target == b && ref.Type == blockgraph.PCRelativeRef {
			return []int32{ref.Base}, stop, nil
		}
		if inst.IsCall() && target.HasAttribute(blockgraph.NonReturnFunction) {
			stop = true
		}
		return nil, stop, nil
	}

	disp, ok := inst.Displacement()
	if !ok {
		return nil, stop, nil
	}
	t := off + int32(inst.Len) + disp
	if t >= 0 && t < int32(b.Size()) {
		return []int32{t}, stop, nil
	}

	rva := int64(addr) + int64(t)
	if rva < 0 {
		return nil, stop, nil
	}
	target, base, ok := d.layout.BlockAt(core.RelativeAddress(rva))
	if !ok || target.Type() != blockgraph.CodeBlock {
		d.logger.Debug("Branch leaves the code blocks",
			log.String("block", b.Name()),
			log.Hex("rva", addr+core.RelativeAddress(off)),
			log.Hex("target", uint32(rva)))
		return nil, stop, nil
	}
	if _, _, err := b.SetReferenceTo(at, blockgraph.PCRelativeRef, uint8(fieldSize), target, base, base); err != nil {
		return nil, false, err
	}
	if inst.IsCall() && target.HasAttribute(blockgraph.NonReturnFunction) {
		stop = true
	}
	return nil, stop, nil
}

// labelTargets marks the offsets control enters b at.
func (d *Decomposer) labelTargets(b *blockgraph.Block, addr core.RelativeAddress, targets []int32,
	data map[int32]bool) error {
	for _, t := range targets {
		if t <= 0 || t >= int32(b.Size()) || data[t] {
			continue
		}
		name := fmt.Sprintf("loc_%X", uint32(addr)+uint32(t))
		if err := b.AddLabelAttributes(t, name, blockgraph.CodeLabel|blockgraph.JumpTargetLabel); err != nil {
			return err
		}
	}
	return nil
}

// splitStraddling cuts b before the instruction at off, which runs past its
// end. The remainder becomes a code block of its own that is not
// disassembled further.
func (d *Decomposer) splitStraddling(b *blockgraph.Block, addr core.RelativeAddress, off int32) error {
	d.logger.Warn("Instruction straddles the end of its block",
		log.String("block", b.Name()),
		log.Hex("rva", addr+core.RelativeAddress(off)))
	if off == 0 {
		b.SetAttribute(blockgraph.HasInlineAssembly)
		return nil
	}

	d.layout.RemoveBlock(b)
	tail, err := d.layout.Graph.SplitBlock(b, off, fmt.Sprintf("%s+0x%X", b.Name(), off))
	if err != nil {
		return err
	}
	tail.SetAttribute(blockgraph.HasInlineAssembly)
	if err := d.layout.InsertBlock(addr, b); err != nil {
		return err
	}
	return d.layout.InsertBlock(addr+core.RelativeAddress(off), tail)
}
