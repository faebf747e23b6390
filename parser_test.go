package pe_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/internal/testimage"
)

// parseTestImage parses the test image into a layout holding its sections.
func parseTestImage(t *testing.T) (*pe.File, *blockgraph.ImageLayout, *pe.ParsedImage) {
	t.Helper()
	f := testFile(t)
	layout := blockgraph.NewImageLayout(blockgraph.New())
	for _, s := range f.Sections {
		layout.AddSection(s.Info())
	}
	parsed, err := pe.NewParser(f, layout, log.NewTestLogger(t)).Parse()
	assert.NoError(t, err)
	return f, layout, parsed
}

func blockAt(t *testing.T, layout *blockgraph.ImageLayout, rva core.RelativeAddress) *blockgraph.Block {
	t.Helper()
	b, ok := layout.BlockStartingAt(rva)
	assert.True(t, ok, "no block at "+rva.String())
	return b
}

func TestParserBlocks(t *testing.T) {
	_, layout, parsed := parseTestImage(t)

	header := blockAt(t, layout, 0)
	assert.Equal(t, pe.HeaderBlockName, header.Name())
	assert.Equal(t, uint32(testimage.SizeOfHeaders), header.Size())
	assert.True(t, header.HasAttribute(blockgraph.PEParsed))
	assert.Equal(t, blockgraph.InvalidSectionID, header.Section())
	assert.True(t, parsed.Header == header)

	tests := []struct {
		rva  core.RelativeAddress
		size uint32
		name string
	}{
		{testimage.IATRVA, 8, "Import Address Table"},
		{testimage.ImportDescRVA, 2 * pe.ImportDescriptorSize, "Import Directory"},
		{testimage.INTRVA, 8, "INT: KERNEL32.dll"},
		{testimage.HintNameRVA, 14, "Import Name Hint: KERNEL32.dll!ExitProcess"},
		{testimage.DLLNameRVA, 13, "Import DLL Name: KERNEL32.dll"},
		{testimage.ExportDirRVA, testimage.ExportDirSize, "Export Directory"},
		{testimage.RelocRVA, testimage.RelocSize, "Base Relocation Directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := blockAt(t, layout, tt.rva)
			assert.Equal(t, tt.size, b.Size())
			assert.Equal(t, tt.name, b.Name())
			assert.Equal(t, blockgraph.ReadOnlyDataBlock, b.Type())
			assert.True(t, b.HasAttribute(blockgraph.PEParsed))
			assert.Equal(t, tt.size, b.DataSize())
		})
	}

	assert.Len(t, parsed.Imports, 1)
	imp := parsed.Imports[0]
	assert.True(t, imp.IAT == parsed.Directories[pe.ImageDirectoryEntryIat])
	assert.Equal(t, []core.RelativeAddress{testimage.MainRVA}, parsed.Exports)
	assert.Equal(t, core.RelativeAddress(testimage.MainRVA), parsed.EntryPoint)
	assert.NoError(t, layout.Validate())
}

func TestParserReferences(t *testing.T) {
	_, layout, parsed := parseTestImage(t)

	// Code is not covered by parsed blocks yet.
	err := parsed.ResolveReferences(layout)
	assert.True(t, errors.Is(err, pe.ErrPointerOutOfImage))

	text := layout.Graph.AddBlock(blockgraph.CodeBlock, testimage.TextSize, "text")
	text.SetSection(0)
	assert.NoError(t, layout.InsertBlock(testimage.TextRVA, text))
	assert.NoError(t, parsed.ResolveReferences(layout))
	assert.NoError(t, layout.Graph.Validate())

	iat := blockAt(t, layout, testimage.IATRVA)
	ref, ok := iat.Reference(0)
	assert.True(t, ok)
	assert.Equal(t, blockgraph.RelativeRef, ref.Type)
	assert.True(t, ref.Referenced == blockAt(t, layout, testimage.HintNameRVA).ID())

	desc := blockAt(t, layout, testimage.ImportDescRVA)
	fields := map[int32]core.RelativeAddress{0: testimage.INTRVA, 12: testimage.DLLNameRVA, 16: testimage.IATRVA}
	for off, target := range fields {
		ref, ok := desc.Reference(off)
		assert.True(t, ok)
		assert.True(t, ref.Referenced == blockAt(t, layout, target).ID())
		assert.Equal(t, int32(0), ref.Base)
	}

	// The EAT slot and the entry point refer to main inside the text block.
	exports := blockAt(t, layout, testimage.ExportDirRVA)
	ref, ok = exports.Reference(testimage.EATRVA - testimage.ExportDirRVA)
	assert.True(t, ok)
	assert.True(t, ref.Referenced == text.ID())
	ref, ok = exports.Reference(testimage.ExportNamesRVA - testimage.ExportDirRVA)
	assert.True(t, ok)
	assert.Equal(t, int32(testimage.MainNameRVA-testimage.ExportDirRVA), ref.Offset)

	header := blockAt(t, layout, 0)
	// Entry point, export, import, base relocation and IAT directories.
	assert.Equal(t, 5, header.NumReferences())
	assert.Equal(t, 2, text.NumReferrers())
}

func TestParserRejectsBadPointers(t *testing.T) {
	data := testimage.Image()
	// Point the import name of the descriptor past the image.
	putLE32(data[0x600+testimage.ImportDescRVA-testimage.RDataRVA+12:], 0x9000)
	f, err := pe.NewBytes(data)
	assert.NoError(t, err)

	layout := blockgraph.NewImageLayout(blockgraph.New())
	for _, s := range f.Sections {
		layout.AddSection(s.Info())
	}
	_, err = pe.NewParser(f, layout, nil).Parse()
	assert.Error(t, err)
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
