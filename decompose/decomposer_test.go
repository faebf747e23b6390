package decompose_test

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
	"github.com/wanglei-coder/syzygy/decompose"
	"github.com/wanglei-coder/syzygy/internal/testimage"
)

// Raw data offsets of the sections of the test image.
const (
	textOffset = 0x400
	dataOffset = 0x800
)

func decomposeImage(t *testing.T, image []byte, provider debuginfo.Provider) (*blockgraph.ImageLayout, error) {
	t.Helper()
	f, err := pe.NewBytes(image)
	assert.NoError(t, err)
	return decompose.New(f, provider, log.NewTestLogger(t)).Decompose()
}

func blockAt(t *testing.T, layout *blockgraph.ImageLayout, rva core.RelativeAddress) *blockgraph.Block {
	t.Helper()
	b, ok := layout.BlockStartingAt(rva)
	assert.True(t, ok, "no block at "+rva.String())
	return b
}

func TestDecompose(t *testing.T) {
	layout, err := decomposeImage(t, testimage.Image(), testimage.DebugInfo())
	assert.NoError(t, err)
	assert.True(t, layout.Graph.HasAttributes(blockgraph.PEImageGraph))

	main := blockAt(t, layout, testimage.MainRVA)
	helper := blockAt(t, layout, testimage.HelperRVA)
	thunk := blockAt(t, layout, testimage.ThunkRVA)
	counter := blockAt(t, layout, testimage.CounterRVA)

	assert.Equal(t, "main", main.Name())
	assert.Equal(t, blockgraph.CodeBlock, main.Type())
	assert.Equal(t, uint32(testimage.MainSize), main.Size())
	assert.Equal(t, "main.obj", main.CompilandName())
	assert.True(t, main.HasAttribute(blockgraph.SectionContribution))
	assert.Equal(t, blockgraph.DataBlock, counter.Type())
	assert.Equal(t, blockgraph.ReadOnlyDataBlock, blockAt(t, layout, testimage.TableRVA).Type())
	assert.True(t, thunk.HasAttribute(blockgraph.Thunk|blockgraph.NonReturnFunction))

	ref, ok := main.Reference(4)
	assert.True(t, ok)
	assert.Equal(t, blockgraph.Reference{Type: blockgraph.AbsoluteRef, Size: 4, Referenced: counter.ID()}, ref)
	assert.Equal(t, []blockgraph.Referrer{{Block: main.ID(), Offset: 4}}, counter.Referrers())

	ref, ok = main.Reference(0xD)
	assert.True(t, ok)
	assert.Equal(t, blockgraph.PCRelativeRef, ref.Type)
	assert.Equal(t, helper.ID(), ref.Referenced)

	// The branch target merges with the label from the debug information.
	label, ok := main.Label(0x11)
	assert.True(t, ok)
	assert.Equal(t, "exit", label.Name)
	assert.True(t, label.Attributes.Has(blockgraph.CodeLabel|blockgraph.JumpTargetLabel))
	label, ok = main.Label(0)
	assert.True(t, ok)
	assert.True(t, label.Attributes.Has(blockgraph.PublicSymbolLabel))

	assert.False(t, main.HasAttribute(blockgraph.OrphanedCode))
	assert.False(t, helper.HasAttribute(blockgraph.OrphanedCode))
	assert.True(t, thunk.HasAttribute(blockgraph.OrphanedCode))
}

func TestDecomposePadding(t *testing.T) {
	layout, err := decomposeImage(t, testimage.Image(), testimage.DebugInfo())
	assert.NoError(t, err)

	tests := []struct {
		rva  core.RelativeAddress
		size uint32
		typ  blockgraph.BlockType
	}{
		{testimage.MainPad, testimage.HelperRVA - testimage.MainPad, blockgraph.CodeBlock},
		{testimage.GapRVA, testimage.GapSize, blockgraph.CodeBlock},
		{0x2053, 1, blockgraph.ReadOnlyDataBlock},
		{0x2058, 8, blockgraph.ReadOnlyDataBlock},
	}
	for _, test := range tests {
		b := blockAt(t, layout, test.rva)
		assert.Equal(t, test.size, b.Size(), b.Name())
		assert.Equal(t, test.typ, b.Type(), b.Name())
		assert.True(t, b.HasAttribute(blockgraph.PaddingBlock), b.Name())
		assert.False(t, b.HasAttribute(blockgraph.GapBlock), b.Name())
		assert.Empty(t, b.References())
	}
	assert.NoError(t, layout.ValidateCoverage())
}

func TestDecomposeWriteIdentity(t *testing.T) {
	layout, err := decomposeImage(t, testimage.Image(), testimage.DebugInfo())
	assert.NoError(t, err)

	data, err := pe.NewWriter(layout, log.NewTestLogger(t)).Write()
	assert.NoError(t, err)
	assert.Equal(t, testimage.Image(), data)
}

func TestDecomposeStraddlingInstruction(t *testing.T) {
	image := testimage.Image()
	// Turn the ret of helper into the first byte of a call running into the
	// padding behind it.
	image[textOffset+testimage.HelperRVA-testimage.TextRVA+testimage.HelperSize-1] = 0xE8

	layout, err := decomposeImage(t, image, testimage.DebugInfo())
	assert.NoError(t, err)

	helper := blockAt(t, layout, testimage.HelperRVA)
	assert.Equal(t, uint32(testimage.HelperSize-1), helper.Size())
	assert.False(t, helper.HasAttribute(blockgraph.HasInlineAssembly))

	tail := blockAt(t, layout, testimage.HelperRVA+testimage.HelperSize-1)
	assert.Equal(t, "helper+0x5", tail.Name())
	assert.Equal(t, uint32(1), tail.Size())
	assert.True(t, tail.HasAttribute(blockgraph.HasInlineAssembly))
	assert.NoError(t, layout.ValidateCoverage())
}

func TestDecomposeUndecodableCode(t *testing.T) {
	tests := []struct {
		name  string
		bytes []byte
	}{
		{"reserved two byte opcode", []byte{0x0F, 0x04}},
		{"unassigned two byte opcode", []byte{0x0F, 0x0A}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			image := testimage.Image()
			copy(image[textOffset+testimage.HelperRVA-testimage.TextRVA:], test.bytes)

			layout, err := decomposeImage(t, image, testimage.DebugInfo())
			assert.NoError(t, err)
			helper := blockAt(t, layout, testimage.HelperRVA)
			assert.Equal(t, uint32(testimage.HelperSize), helper.Size())
			assert.True(t, helper.HasAttribute(blockgraph.HasInlineAssembly))
			assert.False(t, blockAt(t, layout, testimage.MainRVA).HasAttribute(blockgraph.HasInlineAssembly))
		})
	}
}

func TestDecomposeJumpTableInCode(t *testing.T) {
	const table = testimage.MainRVA + 0x14

	// A call to helper at the table would be found if it were decoded.
	image := testimage.Image()
	copy(image[textOffset+table-testimage.TextRVA:], []byte{0xE8, 0x07, 0x00, 0x00, 0x00})
	binary.LittleEndian.PutUint32(image[dataOffset+testimage.CounterRVA-testimage.DataRVA:], table)

	s := testimage.DebugInfo()
	for i := range s.SymbolList {
		if s.SymbolList[i].Name == "main" {
			s.SymbolList[i].Size = testimage.HelperRVA - testimage.MainRVA
		}
	}
	s.AddLabel(debuginfo.Label{Name: "table", Kind: debuginfo.JumpTableLabel, RVA: table})
	s.AddFixup(debuginfo.Fixup{Location: testimage.CounterRVA, Type: debuginfo.RelativeFixup, Target: table,
		Data: true})
	s.Sort()

	layout, err := decomposeImage(t, image, s)
	assert.NoError(t, err)
	main := blockAt(t, layout, testimage.MainRVA)
	assert.Equal(t, uint32(testimage.HelperRVA-testimage.MainRVA), main.Size())
	assert.False(t, main.HasAttribute(blockgraph.HasInlineAssembly))

	label, ok := main.Label(0x14)
	assert.True(t, ok)
	assert.Equal(t, "table", label.Name)
	assert.True(t, label.Attributes.Has(blockgraph.JumpTableLabel))
	assert.False(t, label.Attributes.HasAny(blockgraph.CodeLabel|blockgraph.JumpTargetLabel))

	_, ok = main.Reference(0x15)
	assert.False(t, ok)
}

func TestDecomposeLabelInPadding(t *testing.T) {
	s := testimage.DebugInfo()
	s.AddLabel(debuginfo.Label{Name: "main_end", Kind: debuginfo.DebugEndLabel, RVA: testimage.MainPad})
	s.Sort()

	layout, err := decomposeImage(t, testimage.Image(), s)
	assert.NoError(t, err)
	pad := blockAt(t, layout, testimage.MainPad)
	assert.True(t, pad.HasAttribute(blockgraph.PaddingBlock))
	label, ok := pad.Label(0)
	assert.True(t, ok)
	assert.Equal(t, "main_end", label.Name)
	assert.True(t, label.Attributes.Has(blockgraph.DebugEndLabel))
}

func TestDecomposeErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(s *debuginfo.Static)
		err    error
	}{
		{
			name: "relocation without fixup",
			modify: func(s *debuginfo.Static) {
				s.FixupList = s.FixupList[1:]
			},
			err: decompose.ErrRelocFixupMismatch,
		},
		{
			name: "absolute fixup without relocation",
			modify: func(s *debuginfo.Static) {
				s.AddFixup(debuginfo.Fixup{Location: testimage.HelperRVA + 1, Type: debuginfo.AbsoluteFixup,
					Target: testimage.CounterRVA})
			},
			err: decompose.ErrRelocFixupMismatch,
		},
		{
			name: "fixup target outside blocks",
			modify: func(s *debuginfo.Static) {
				s.AddFixup(debuginfo.Fixup{Location: testimage.HelperRVA + 1, Type: debuginfo.PCRelative32Fixup,
					Target: 0x9000})
			},
			err: decompose.ErrFixupOutsideBlock,
		},
		{
			name: "overlapping symbols",
			modify: func(s *debuginfo.Static) {
				s.AddSymbol(debuginfo.Symbol{Name: "bogus", Kind: debuginfo.FunctionSymbol,
					RVA: testimage.MainRVA + 0x10, Size: 0x10})
			},
			err: decompose.ErrOverlappingSymbols,
		},
		{
			name: "symbol straddling a section",
			modify: func(s *debuginfo.Static) {
				s.AddSymbol(debuginfo.Symbol{Name: "bogus", Kind: debuginfo.DataSymbol,
					RVA: testimage.RDataRVA + testimage.RDataSize - 8, Size: 0x20})
			},
			err: decompose.ErrBlockStraddlesSection,
		},
		{
			name: "fixup conflicting with a parsed reference",
			modify: func(s *debuginfo.Static) {
				s.AddFixup(debuginfo.Fixup{Location: testimage.IATRVA, Type: debuginfo.RelativeFixup,
					Target: testimage.DLLNameRVA})
			},
			err: decompose.ErrConflictingReference,
		},
		{
			name: "duplicate fixup",
			modify: func(s *debuginfo.Static) {
				s.AddFixup(s.FixupList[0])
			},
			err: debuginfo.ErrDuplicateFixup,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := testimage.DebugInfo()
			test.modify(s)
			_, err := decomposeImage(t, testimage.Image(), s)
			assert.True(t, errors.Is(err, test.err), "unexpected error: "+errorString(err))
		})
	}
}

func errorString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
