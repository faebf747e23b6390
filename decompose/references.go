package decompose

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
)

var referenceTypes = map[debuginfo.FixupType]blockgraph.ReferenceType{
	debuginfo.AbsoluteFixup:      blockgraph.AbsoluteRef,
	debuginfo.PCRelative32Fixup:  blockgraph.PCRelativeRef,
	debuginfo.PCRelative16Fixup:  blockgraph.PCRelativeRef,
	debuginfo.PCRelative8Fixup:   blockgraph.PCRelativeRef,
	debuginfo.RelativeFixup:      blockgraph.RelativeRef,
	debuginfo.SectionOffsetFixup: blockgraph.SectionOffsetRef,
	debuginfo.FileOffsetFixup:    blockgraph.FileOffsetRef,
}

func (d *Decomposer) sortedFixups() []*fixup {
	out := make([]*fixup, 0, len(d.fixups))
	for _, f := range d.fixups {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// loadFixups indexes the fixups by location and checks them against the
// base relocations: every relocation needs an absolute fixup and every
// absolute fixup a relocation.
func (d *Decomposer) loadFixups() error {
	fixups, err := d.provider.Fixups()
	if err != nil {
		return err
	}
	d.fixups = make(map[core.RelativeAddress]*fixup, len(fixups))
	for _, f := range fixups {
		if _, ok := d.fixups[f.Location]; ok {
			return errors.Wrapf(debuginfo.ErrDuplicateFixup, "at %s", f.Location)
		}
		d.fixups[f.Location] = &fixup{Fixup: f}
	}

	relocs, err := d.file.ReadRelocations()
	if err != nil {
		return err
	}
	relocated := make(map[core.RelativeAddress]struct{}, len(relocs))
	for _, r := range relocs {
		relocated[r.RVA] = struct{}{}
		f, ok := d.fixups[r.RVA]
		if !ok {
			return errors.Wrapf(ErrRelocFixupMismatch, "relocation at %s has no fixup", r.RVA)
		}
		if f.Type != debuginfo.AbsoluteFixup {
			return errors.Wrapf(ErrRelocFixupMismatch, "relocation at %s has a %s fixup", r.RVA, f.Type)
		}
	}
	for _, f := range d.sortedFixups() {
		if _, ok := relocated[f.Location]; f.Type == debuginfo.AbsoluteFixup && !ok {
			return errors.Wrapf(ErrRelocFixupMismatch, "absolute fixup at %s has no relocation", f.Location)
		}
	}
	return nil
}

// createFixupReferences turns every fixup into a reference. A fixup at the
// location of a reference the PE parser already made must agree with it.
func (d *Decomposer) createFixupReferences() error {
	if err := d.loadFixups(); err != nil {
		return err
	}
	for _, f := range d.sortedFixups() {
		typ, ok := referenceTypes[f.Type]
		if !ok {
			return errors.Wrapf(debuginfo.ErrUnknownKind, "fixup type %d at %s", f.Type, f.Location)
		}
		size := f.Type.Size()

		src, off, ok := d.layout.BlockAt(f.Location)
		if !ok || !src.ContainsOffset(off, uint32(size)) {
			return errors.Wrapf(ErrFixupOutsideBlock, "%s fixup at %s", f.Type, f.Location)
		}
		dst, base, ok := d.layout.BlockAt(f.Target)
		if !ok {
			return errors.Wrapf(ErrFixupOutsideBlock, "%s fixup at %s targets %s", f.Type, f.Location, f.Target)
		}
		ref, err := blockgraph.NewReference(typ, size, dst, base+f.Displacement, base)
		if err != nil {
			return errors.WithMessagef(err, "fixup at %s", f.Location)
		}

		if existing, ok := src.Reference(off); ok {
			if existing != ref {
				return errors.Wrapf(ErrConflictingReference, "fixup at %s is %s, parsed %s", f.Location, ref, existing)
			}
			f.consumed = true
			continue
		}
		if _, _, err := src.SetReference(off, ref); err != nil {
			return errors.WithMessagef(err, "fixup at %s", f.Location)
		}
		f.consumed = true
	}
	return nil
}
