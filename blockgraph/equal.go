package blockgraph

import (
	"bytes"

	"github.com/pkg/errors"
)

// ErrNotEqual is returned by CompareGraphs for graphs that differ.
var ErrNotEqual = errors.New("block graphs differ")

// CompareGraphs reports how a and b differ structurally. Blocks are paired in
// id order, so ids may be renumbered; everything else must match.
func CompareGraphs(a, b *BlockGraph) error {
	if a.attributes != b.attributes {
		return errors.Wrapf(ErrNotEqual, "attributes %s vs %s", a.attributes, b.attributes)
	}
	if len(a.sections) != len(b.sections) {
		return errors.Wrapf(ErrNotEqual, "%d vs %d sections", len(a.sections), len(b.sections))
	}
	for i := range a.sections {
		if *a.sections[i] != *b.sections[i] {
			return errors.Wrapf(ErrNotEqual, "section %d: %+v vs %+v", i, *a.sections[i], *b.sections[i])
		}
	}

	ablocks, bblocks := a.Blocks(), b.Blocks()
	if len(ablocks) != len(bblocks) {
		return errors.Wrapf(ErrNotEqual, "%d vs %d blocks", len(ablocks), len(bblocks))
	}
	ids := make(map[BlockID]BlockID, len(ablocks))
	for i, x := range ablocks {
		ids[x.id] = bblocks[i].id
	}
	for i, x := range ablocks {
		if err := compareBlocks(x, bblocks[i], ids); err != nil {
			return errors.WithMessagef(err, "block %d %q", x.id, x.name)
		}
	}
	return nil
}

// StructurallyEqual reports whether CompareGraphs finds no difference.
func StructurallyEqual(a, b *BlockGraph) bool {
	return CompareGraphs(a, b) == nil
}

func compareBlocks(x, y *Block, ids map[BlockID]BlockID) error {
	switch {
	case x.typ != y.typ:
		return errors.Wrapf(ErrNotEqual, "type %s vs %s", x.typ, y.typ)
	case x.size != y.size:
		return errors.Wrapf(ErrNotEqual, "size %d vs %d", x.size, y.size)
	case x.name != y.name:
		return errors.Wrapf(ErrNotEqual, "name %q vs %q", x.name, y.name)
	case x.compilandName != y.compilandName:
		return errors.Wrapf(ErrNotEqual, "compiland %q vs %q", x.compilandName, y.compilandName)
	case x.attributes != y.attributes:
		return errors.Wrapf(ErrNotEqual, "attributes %s vs %s", x.attributes, y.attributes)
	case x.alignment != y.alignment || x.alignmentOffset != y.alignmentOffset:
		return errors.Wrapf(ErrNotEqual, "alignment %d+%d vs %d+%d",
			x.alignment, x.alignmentOffset, y.alignment, y.alignmentOffset)
	case x.section != y.section:
		return errors.Wrapf(ErrNotEqual, "section %d vs %d", x.section, y.section)
	case !bytes.Equal(x.data, y.data):
		return errors.Wrap(ErrNotEqual, "data")
	}

	if len(x.labels) != len(y.labels) {
		return errors.Wrapf(ErrNotEqual, "%d vs %d labels", len(x.labels), len(y.labels))
	}
	for off, l := range x.labels {
		if y.labels[off] != l {
			return errors.Wrapf(ErrNotEqual, "label at %d", off)
		}
	}

	if len(x.references) != len(y.references) {
		return errors.Wrapf(ErrNotEqual, "%d vs %d references", len(x.references), len(y.references))
	}
	for off, ref := range x.references {
		other, ok := y.references[off]
		ref.Referenced = ids[ref.Referenced]
		if !ok || other != ref {
			return errors.Wrapf(ErrNotEqual, "reference at %d", off)
		}
	}

	xr, yr := x.sourceRanges.Ranges(), y.sourceRanges.Ranges()
	if len(xr) != len(yr) {
		return errors.Wrapf(ErrNotEqual, "%d vs %d source ranges", len(xr), len(yr))
	}
	for i := range xr {
		if xr[i] != yr[i] {
			return errors.Wrapf(ErrNotEqual, "source range %d", i)
		}
	}
	return nil
}
