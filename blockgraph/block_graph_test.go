package blockgraph

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"
)

func TestAddBlockAssignsIncreasingIDs(t *testing.T) {
	g := New()
	a := g.AddBlock(CodeBlock, 10, "a")
	b := g.AddBlock(DataBlock, 20, "b")

	assert.Equal(t, BlockID(1), a.ID())
	assert.Equal(t, BlockID(2), b.ID())
	assert.NoError(t, g.RemoveBlock(b))
	c := g.AddBlock(DataBlock, 4, "c")
	assert.Equal(t, BlockID(3), c.ID())
	assert.Equal(t, 2, g.Len())
}

func TestSetReferenceKeepsReferrersInSync(t *testing.T) {
	g := New()
	code := g.AddBlock(CodeBlock, 16, "code")
	data1 := g.AddBlock(DataBlock, 8, "data1")
	data2 := g.AddBlock(DataBlock, 8, "data2")

	_, replaced, err := code.SetReferenceTo(4, AbsoluteRef, 4, data1, 0, 0)
	assert.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, []Referrer{{Block: code.ID(), Offset: 4}}, data1.Referrers())

	old, replaced, err := code.SetReferenceTo(4, AbsoluteRef, 4, data2, 4, 4)
	assert.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, data1.ID(), old.Referenced)
	assert.Equal(t, 0, data1.NumReferrers())
	assert.Equal(t, 1, data2.NumReferrers())

	assert.True(t, code.RemoveReference(4))
	assert.Equal(t, 0, data2.NumReferrers())
	assert.False(t, code.RemoveReference(4))
	assert.NoError(t, g.Validate())
}

func TestSetReferenceErrors(t *testing.T) {
	g := New()
	code := g.AddBlock(CodeBlock, 8, "code")
	data := g.AddBlock(DataBlock, 8, "data")
	other := New().AddBlock(DataBlock, 8, "foreign")

	tests := []struct {
		name   string
		offset int32
		size   uint8
		target *Block
		base   int32
		want   error
	}{
		{"reference past end", 6, 4, data, 0, ErrRefOutOfBounds},
		{"negative offset", -1, 4, data, 0, ErrRefOutOfBounds},
		{"bad size", 0, 3, data, 0, ErrInvalidRefSize},
		{"base outside target", 0, 4, data, 8, ErrRefOutOfBounds},
		{"target in other graph", 0, 4, other, 0, ErrTargetInOtherGraph},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := code.SetReferenceTo(tt.offset, AbsoluteRef, tt.size, tt.target, tt.base, tt.base)
			assert.True(t, errors.Is(err, tt.want))
		})
	}
	assert.Equal(t, 0, code.NumReferences())
}

func TestReferenceToEmptyBlock(t *testing.T) {
	g := New()
	code := g.AddBlock(CodeBlock, 8, "code")
	end := g.AddBlock(CodeBlock, 0, "end")
	end.SetAttribute(BasicEndBlock)

	_, _, err := code.SetReferenceTo(0, AbsoluteRef, 4, end, 0, 0)
	assert.NoError(t, err)
	_, _, err = code.SetReferenceTo(4, AbsoluteRef, 4, end, 1, 1)
	assert.True(t, errors.Is(err, ErrRefOutOfBounds))
	assert.NoError(t, g.Validate())
}

func TestLabels(t *testing.T) {
	g := New()
	b := g.AddBlock(CodeBlock, 8, "code")

	assert.NoError(t, b.SetLabel(4, Label{Name: "mid", Attributes: CodeLabel}))
	assert.NoError(t, b.SetLabel(0, Label{Name: "entry", Attributes: CodeLabel}))
	assert.True(t, errors.Is(b.SetLabel(8, Label{Name: "end"}), ErrLabelOutOfBounds))

	assert.NoError(t, b.AddLabelAttributes(4, "", JumpTargetLabel))
	labels := b.Labels()
	assert.Len(t, labels, 2)
	assert.Equal(t, int32(0), labels[0].Offset)
	assert.Equal(t, "mid", labels[1].Label.Name)
	assert.True(t, labels[1].Label.Attributes.Has(CodeLabel|JumpTargetLabel))
	assert.True(t, b.RemoveLabel(0))
	assert.False(t, b.HasLabel(0))
}

func TestCopyBlock(t *testing.T) {
	g := New()
	src := g.AddBlock(CodeBlock, 8, "src")
	data := g.AddBlock(DataBlock, 4, "data")
	src.CopyData([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.NoError(t, src.SetLabel(0, Label{Name: "src", Attributes: CodeLabel}))
	_, _, err := src.SetReferenceTo(0, AbsoluteRef, 4, data, 0, 0)
	assert.NoError(t, err)
	_, _, err = src.SetReferenceTo(4, PCRelativeRef, 4, src, 0, 0)
	assert.NoError(t, err)
	_, _, err = data.SetReferenceTo(0, AbsoluteRef, 4, src, 2, 2)
	assert.NoError(t, err)

	dst, err := g.CopyBlock(src, "dst")
	assert.NoError(t, err)
	assert.Equal(t, src.Data(), dst.Data())
	assert.Equal(t, 2, dst.NumReferences())
	assert.Equal(t, 2, data.NumReferrers())

	self, ok := dst.Reference(4)
	assert.True(t, ok)
	assert.Equal(t, dst.ID(), self.Referenced)
	// The only referrer of the copy is its own self reference.
	assert.Equal(t, []Referrer{{Block: dst.ID(), Offset: 4}}, dst.Referrers())

	dst.MutableData()[0] = 0xFF
	assert.Equal(t, byte(1), src.Data()[0])
	assert.NoError(t, g.Validate())
}

func TestTransferReferrers(t *testing.T) {
	g := New()
	old := g.AddBlock(DataBlock, 8, "old")
	replacement := g.AddBlock(DataBlock, 16, "new")
	user := g.AddBlock(CodeBlock, 12, "user")
	_, _, err := user.SetReferenceTo(0, AbsoluteRef, 4, old, 0, 0)
	assert.NoError(t, err)
	_, _, err = user.SetReferenceTo(4, AbsoluteRef, 4, old, 12, 4)
	assert.NoError(t, err)

	assert.NoError(t, g.TransferReferrers(old, replacement, 8))
	assert.Equal(t, 0, old.NumReferrers())
	ref, _ := user.Reference(4)
	assert.Equal(t, replacement.ID(), ref.Referenced)
	assert.Equal(t, int32(12), ref.Base)
	assert.Equal(t, int32(20), ref.Offset)
	assert.NoError(t, g.RemoveBlock(old))
	assert.NoError(t, g.Validate())
}

func TestTransferReferrersIsAtomic(t *testing.T) {
	g := New()
	old := g.AddBlock(DataBlock, 8, "old")
	small := g.AddBlock(DataBlock, 4, "small")
	user := g.AddBlock(CodeBlock, 8, "user")
	_, _, err := user.SetReferenceTo(0, AbsoluteRef, 4, old, 0, 0)
	assert.NoError(t, err)
	_, _, err = user.SetReferenceTo(4, AbsoluteRef, 4, old, 6, 6)
	assert.NoError(t, err)

	err = g.TransferReferrers(old, small, 0)
	assert.True(t, errors.Is(err, ErrRefOutOfBounds))
	assert.Equal(t, 2, old.NumReferrers())
	assert.Equal(t, 0, small.NumReferrers())
}

func TestRemoveBlock(t *testing.T) {
	g := New()
	a := g.AddBlock(CodeBlock, 8, "a")
	b := g.AddBlock(DataBlock, 8, "b")
	_, _, err := a.SetReferenceTo(0, AbsoluteRef, 4, b, 0, 0)
	assert.NoError(t, err)
	_, _, err = b.SetReferenceTo(0, AbsoluteRef, 4, b, 4, 4)
	assert.NoError(t, err)

	assert.True(t, errors.Is(g.RemoveBlock(b), ErrBlockHasReferrers))
	assert.NoError(t, g.ForceRemoveBlock(b))
	assert.Equal(t, 0, a.NumReferences())
	assert.True(t, g.Block(b.ID()) == nil)
	assert.NoError(t, g.Validate())
}

func TestRemoveMissingBlock(t *testing.T) {
	g := New()
	other := New().AddBlock(CodeBlock, 8, "other")
	tests := []struct {
		name  string
		block *Block
	}{
		{"nil", nil},
		{"other graph", other},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.True(t, errors.Is(g.RemoveBlock(test.block), ErrBlockNotFound))
			assert.True(t, errors.Is(g.ForceRemoveBlock(test.block), ErrBlockNotFound))
			_, err := g.SplitBlock(test.block, 4, "tail")
			assert.True(t, errors.Is(err, ErrBlockNotFound))
			_, err = g.CopyBlock(test.block, "copy")
			assert.True(t, errors.Is(err, ErrTargetInOtherGraph))
		})
	}
}

func TestMergeBlocks(t *testing.T) {
	g := New()
	into := g.AddBlock(CodeBlock, 4, "into")
	from := g.AddBlock(CodeBlock, 4, "from")
	user := g.AddBlock(DataBlock, 4, "user")
	into.CopyData([]byte{0x90, 0x90, 0x90, 0x90})
	from.CopyData([]byte{0xC3})
	assert.NoError(t, from.SetLabel(0, Label{Name: "from", Attributes: CodeLabel}))
	_, _, err := from.SetReferenceTo(0, PCRelativeRef, 1, from, 2, 2)
	assert.NoError(t, err)
	_, _, err = user.SetReferenceTo(0, AbsoluteRef, 4, from, 0, 0)
	assert.NoError(t, err)

	assert.True(t, errors.Is(g.MergeBlocks(into, into, 0), ErrCyclicMerge))
	assert.NoError(t, g.MergeBlocks(into, from, 4))

	assert.True(t, g.Block(from.ID()) == nil)
	assert.Equal(t, uint32(8), into.Size())
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0x90, 0xC3}, into.Data())
	l, ok := into.Label(4)
	assert.True(t, ok)
	assert.Equal(t, "from", l.Name)
	self, ok := into.Reference(4)
	assert.True(t, ok)
	assert.Equal(t, into.ID(), self.Referenced)
	assert.Equal(t, int32(6), self.Base)
	ref, _ := user.Reference(0)
	assert.Equal(t, into.ID(), ref.Referenced)
	assert.Equal(t, int32(4), ref.Base)
	assert.NoError(t, g.Validate())
}

func TestSplitBlock(t *testing.T) {
	g := New()
	b := g.AddBlock(CodeBlock, 8, "b")
	user := g.AddBlock(DataBlock, 8, "user")
	b.CopyData([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.NoError(t, b.SetLabel(6, Label{Name: "tail", Attributes: CodeLabel}))
	_, _, err := b.SetReferenceTo(0, PCRelativeRef, 4, b, 6, 6)
	assert.NoError(t, err)
	_, _, err = user.SetReferenceTo(0, AbsoluteRef, 4, b, 1, 1)
	assert.NoError(t, err)
	_, _, err = user.SetReferenceTo(4, AbsoluteRef, 4, b, 5, 5)
	assert.NoError(t, err)

	_, err = g.SplitBlock(b, 2, "bad")
	assert.True(t, errors.Is(err, ErrRefOutOfBounds))

	tail, err := g.SplitBlock(b, 4, "tail")
	assert.NoError(t, err)
	assert.Equal(t, uint32(4), b.Size())
	assert.Equal(t, uint32(4), tail.Size())
	assert.Equal(t, []byte{5, 6, 7, 8}, tail.Data())
	assert.True(t, tail.HasLabel(2))

	self, _ := b.Reference(0)
	assert.Equal(t, tail.ID(), self.Referenced)
	assert.Equal(t, int32(2), self.Base)
	ref, _ := user.Reference(4)
	assert.Equal(t, tail.ID(), ref.Referenced)
	assert.Equal(t, int32(1), ref.Base)
	ref, _ = user.Reference(0)
	assert.Equal(t, b.ID(), ref.Referenced)
	assert.NoError(t, g.Validate())
}

func TestInsertAndRemoveData(t *testing.T) {
	g := New()
	b := g.AddBlock(CodeBlock, 4, "b")
	user := g.AddBlock(DataBlock, 4, "user")
	b.CopyData([]byte{1, 2, 3, 4})
	assert.NoError(t, b.SetLabel(2, Label{Name: "l"}))
	_, _, err := user.SetReferenceTo(0, AbsoluteRef, 4, b, 3, 3)
	assert.NoError(t, err)

	assert.NoError(t, b.InsertData(2, 2))
	assert.Equal(t, uint32(6), b.Size())
	assert.Equal(t, []byte{1, 2, 0, 0, 3, 4}, b.Data())
	assert.True(t, b.HasLabel(4))
	ref, _ := user.Reference(0)
	assert.Equal(t, int32(5), ref.Base)

	assert.NoError(t, b.RemoveData(2, 2))
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Data())
	assert.True(t, b.HasLabel(2))
	ref, _ = user.Reference(0)
	assert.Equal(t, int32(3), ref.Base)

	assert.Error(t, b.RemoveData(2, 1))
	assert.NoError(t, g.Validate())
}

func TestMutableDataCopiesBorrowedBytes(t *testing.T) {
	image := []byte{1, 2, 3, 4}
	g := New()
	b := g.AddBlock(DataBlock, 4, "b")
	b.SetData(image[1:3])
	assert.False(t, b.OwnsData())

	b.MutableData()[0] = 9
	assert.True(t, b.OwnsData())
	assert.Equal(t, byte(2), image[1])
	assert.Equal(t, []byte{9, 3, 0, 0}, b.ResizeData(4))
}

func TestSetAlignment(t *testing.T) {
	b := New().AddBlock(CodeBlock, 4, "b")
	assert.NoError(t, b.SetAlignment(16))
	assert.True(t, errors.Is(b.SetAlignment(12), ErrInvalidAlignment))
	assert.Equal(t, uint32(16), b.Alignment())
}

func TestAttributesString(t *testing.T) {
	assert.Equal(t, "NONE", BlockAttributes(0).String())
	assert.Equal(t, "PE_PARSED|PADDING_BLOCK", (PEParsed | PaddingBlock).String())
	assert.Equal(t, "CODE_LABEL|JUMP_TARGET_LABEL", (CodeLabel | JumpTargetLabel).String())
}
