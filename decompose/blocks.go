package decompose

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
)

// sectionOf returns the section holding all of r.
func (d *Decomposer) sectionOf(r core.AddressRange[core.RelativeAddress], name string) (blockgraph.SectionID, error) {
	sid, ok := d.layout.SectionIndex(r.Start)
	if !ok {
		return 0, errors.Wrapf(ErrBlockStraddlesSection, "%q at %s lies outside every section", name, r)
	}
	if s := d.layout.Sections[sid]; !s.Range().ContainsRange(r) {
		return 0, errors.Wrapf(ErrBlockStraddlesSection, "%q at %s crosses the end of section %q at %s",
			name, r, s.Name, s.Range())
	}
	return sid, nil
}

// createBlock creates a block covering r. A block with exactly the same
// range is reused and a block containing r absorbs it; any other overlap
// is an error. The second result reports whether a new block was made.
func (d *Decomposer) createBlock(r core.AddressRange[core.RelativeAddress], typ blockgraph.BlockType,
	name string) (*blockgraph.Block, bool, error) {
	sid, err := d.sectionOf(r, name)
	if err != nil {
		return nil, false, err
	}

	existing := d.layout.BlocksIntersecting(r)
	switch {
	case len(existing) == 1 && existing[0].Range.ContainsRange(r):
		b := existing[0].Value
		if existing[0].Range == r {
			d.logger.Debug("Aliased symbol",
				log.String("name", name),
				log.String("block", b.Name()))
		}
		return b, false, nil
	case len(existing) > 0:
		return nil, false, errors.Wrapf(ErrOverlappingSymbols, "%q at %s overlaps %q at %s",
			name, r, existing[0].Value.Name(), existing[0].Range)
	}

	b := d.layout.Graph.AddBlock(typ, r.Size, name)
	b.SetSection(sid)
	b.SetData(d.file.RawData(r.Start, r.Size))
	b.SourceRanges().Push(0, r.Size, r)
	if err := d.layout.InsertBlock(r.Start, b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (d *Decomposer) createCodeBlocks() error {
	symbols, err := d.provider.Symbols()
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		if sym.Kind != debuginfo.FunctionSymbol && sym.Kind != debuginfo.ThunkSymbol || sym.Size == 0 {
			continue
		}
		b, created, err := d.createBlock(sym.Range(), blockgraph.CodeBlock, sym.Name)
		if err != nil {
			return err
		}
		if !created && b.Type() != blockgraph.CodeBlock {
			return errors.Wrapf(ErrOverlappingSymbols, "function %q at %s lies in data block %q",
				sym.Name, sym.RVA, b.Name())
		}
		if created {
			b.SetCompilandName(sym.Compiland)
		}
		b.SetAttribute(blockgraph.SectionContribution)
		if sym.NonReturn {
			b.SetAttribute(blockgraph.NonReturnFunction)
		}
		if sym.HasInlineAssembly {
			b.SetAttribute(blockgraph.HasInlineAssembly)
		}
		if sym.HasExceptionHandling {
			b.SetAttribute(blockgraph.HasExceptionHandling)
		}
		if sym.Kind == debuginfo.ThunkSymbol {
			b.SetAttribute(blockgraph.Thunk)
		}
	}
	return nil
}

// dataBlockType returns the type of data blocks in section sid.
func (d *Decomposer) dataBlockType(sid blockgraph.SectionID) blockgraph.BlockType {
	if d.layout.Sections[sid].Characteristics&pe.ImageScnMemWrite != 0 {
		return blockgraph.DataBlock
	}
	return blockgraph.ReadOnlyDataBlock
}

func (d *Decomposer) createDataBlocks() error {
	symbols, err := d.provider.Symbols()
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		if sym.Kind != debuginfo.DataSymbol || sym.Size == 0 {
			continue
		}
		sid, err := d.sectionOf(sym.Range(), sym.Name)
		if err != nil {
			return err
		}
		b, created, err := d.createBlock(sym.Range(), d.dataBlockType(sid), sym.Name)
		if err != nil {
			return err
		}
		if created {
			b.SetCompilandName(sym.Compiland)
		}
	}
	return nil
}

// createContributionBlocks covers the parts of every section contribution
// that no symbol accounted for.
func (d *Decomposer) createContributionBlocks() error {
	contributions, err := d.provider.SectionContributions()
	if err != nil {
		return err
	}
	for _, c := range contributions {
		if c.Size == 0 {
			continue
		}
		name := fmt.Sprintf("%s contribution", c.Compiland)
		sid, err := d.sectionOf(c.Range(), name)
		if err != nil {
			return err
		}
		typ := d.dataBlockType(sid)
		if d.layout.Sections[sid].Characteristics&(pe.ImageScnCntCode|pe.ImageScnMemExecute) != 0 {
			typ = blockgraph.CodeBlock
		}
		for _, gap := range d.uncovered(c.Range()) {
			b, _, err := d.createBlock(gap, typ, name)
			if err != nil {
				return err
			}
			b.SetCompilandName(c.Compiland)
			b.SetAttribute(blockgraph.SectionContribution)
		}
	}
	return nil
}

// uncovered returns the parts of r no block lies on.
func (d *Decomposer) uncovered(r core.AddressRange[core.RelativeAddress]) []core.AddressRange[core.RelativeAddress] {
	var gaps []core.AddressRange[core.RelativeAddress]
	next := r.Start
	for _, e := range d.layout.BlocksIntersecting(r) {
		if e.Range.Start > next {
			gaps = append(gaps, core.NewAddressRange(next, uint32(e.Range.Start-next)))
		}
		if e.Range.End() > next {
			next = e.Range.End()
		}
	}
	if next < r.End() {
		gaps = append(gaps, core.NewAddressRange(next, uint32(r.End()-next)))
	}
	return gaps
}

var labelAttributes = map[debuginfo.LabelKind]blockgraph.LabelAttributes{
	debuginfo.CodeLabel:         blockgraph.CodeLabel,
	debuginfo.LineNumberLabel:   blockgraph.LineNumberLabel,
	debuginfo.CaseTableLabel:    blockgraph.CaseTableLabel,
	debuginfo.JumpTableLabel:    blockgraph.JumpTableLabel,
	debuginfo.DataLabel:         blockgraph.DataLabel,
	debuginfo.DebugStartLabel:   blockgraph.DebugStartLabel,
	debuginfo.DebugEndLabel:     blockgraph.DebugEndLabel,
	debuginfo.ScopeStartLabel:   blockgraph.ScopeStartLabel,
	debuginfo.ScopeEndLabel:     blockgraph.ScopeEndLabel,
	debuginfo.PublicSymbolLabel: blockgraph.PublicSymbolLabel,
	debuginfo.CallSiteLabel:     blockgraph.CallSiteLabel,
}

// createLabels copies the labels of the debug information, and the label
// and public symbols, onto the blocks holding them.
func (d *Decomposer) createLabels() error {
	labels, err := d.provider.Labels()
	if err != nil {
		return err
	}
	symbols, err := d.provider.Symbols()
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		switch sym.Kind {
		case debuginfo.LabelSymbol:
			labels = append(labels, debuginfo.Label{Name: sym.Name, Kind: debuginfo.CodeLabel, RVA: sym.RVA})
		case debuginfo.PublicSymbol:
			labels = append(labels, debuginfo.Label{Name: sym.Name, Kind: debuginfo.PublicSymbolLabel, RVA: sym.RVA})
		}
	}

	for _, l := range labels {
		attr, ok := labelAttributes[l.Kind]
		if !ok {
			return errors.Wrapf(debuginfo.ErrUnknownKind, "label %q of kind %d", l.Name, l.Kind)
		}
		b, off, ok := d.layout.BlockAt(l.RVA)
		if !ok {
			d.logger.Debug("Skipping label outside blocks",
				log.String("name", l.Name),
				log.Hex("rva", l.RVA))
			continue
		}
		if err := b.AddLabelAttributes(off, l.Name, attr); err != nil {
			return err
		}
	}
	return nil
}

// isPadding reports whether data only holds bytes compilers and linkers
// fill alignment gaps with.
func isPadding(data []byte) bool {
	for _, c := range data {
		if c != 0xCC && c != 0x00 && c != 0x90 {
			return false
		}
	}
	return true
}

// createPaddingBlocks covers every byte of every section not yet held by a
// block. Gaps holding anything but fill bytes are also tagged as gap
// blocks.
func (d *Decomposer) createPaddingBlocks() error {
	for i, s := range d.layout.Sections {
		sid := blockgraph.SectionID(i)
		for _, gap := range d.uncovered(s.Range()) {
			name := fmt.Sprintf("Padding %s+0x%X", s.Name, uint32(gap.Start-s.Addr))
			typ := d.dataBlockType(sid)
			if s.Characteristics&(pe.ImageScnCntCode|pe.ImageScnMemExecute) != 0 {
				typ = blockgraph.CodeBlock
			}
			b, _, err := d.createBlock(gap, typ, name)
			if err != nil {
				return err
			}
			b.SetAttribute(blockgraph.PaddingBlock)
			if !isPadding(b.Data()) {
				b.SetAttribute(blockgraph.GapBlock)
			}
			d.logger.Debug("Created padding block",
				log.String("section", s.Name),
				log.Hex("rva", gap.Start),
				log.Hex("size", gap.Size))
		}
	}
	return nil
}
