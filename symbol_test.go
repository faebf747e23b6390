package pe_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/retroenv/retrogolib/assert"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
	"github.com/wanglei-coder/syzygy/internal/testimage"
)

const functionType = 0x20

func coffSymbol(name string, value uint32, section int16, typ uint16, class, aux uint8) pe.COFFSymbol {
	sym := pe.COFFSymbol{Value: value, SectionNumber: section, Type: typ, StorageClass: class, NumberOfAuxSymbols: aux}
	copy(sym.Name[:], name)
	return sym
}

// imageWithSymbols appends a COFF symbol table and its string table to the
// test image.
func imageWithSymbols(t *testing.T) []byte {
	t.Helper()
	longName := "_ExitProcess@4"
	exitProcess := coffSymbol("", 0x2D, 1, functionType, pe.ImageSymClassExternal, 0)
	binary.LittleEndian.PutUint32(exitProcess.Name[4:], 4)

	symbols := []pe.COFFSymbol{
		coffSymbol(".text", 0, 1, 0, pe.ImageSymClassStatic, 1),
		{},
		coffSymbol("_main", 0, 1, functionType, pe.ImageSymClassExternal, 0),
		coffSymbol("_helper", 0x20, 1, functionType, pe.ImageSymClassExternal, 0),
		exitProcess,
		coffSymbol("_alias", 0x20, 1, functionType, pe.ImageSymClassStatic, 0),
		coffSymbol("_table", 0x54, 2, 0, pe.ImageSymClassStatic, 0),
		coffSymbol("_counter", 0, 3, 0, pe.ImageSymClassExternal, 0),
		coffSymbol("_ptr", 4, 3, 0, pe.ImageSymClassExternal, 0),
		coffSymbol("_abs", 0x1234, -1, 0, pe.ImageSymClassExternal, 0),
	}

	img := testimage.Image()
	var buf bytes.Buffer
	buf.Write(img)
	assert.NoError(t, binary.Write(&buf, binary.LittleEndian, symbols))
	assert.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(4+len(longName)+1)))
	buf.WriteString(longName)
	buf.WriteByte(0)

	out := buf.Bytes()
	fileHeader := testimage.NewHeaderOffset + 4
	binary.LittleEndian.PutUint32(out[fileHeader+8:], uint32(len(img)))
	binary.LittleEndian.PutUint32(out[fileHeader+12:], uint32(len(symbols)))
	return out
}

func TestCOFFSymbols(t *testing.T) {
	f, err := pe.NewBytes(imageWithSymbols(t))
	assert.NoError(t, err)
	assert.Len(t, f.COFFSymbols, 10)
	assert.Len(t, f.Symbols, 9)
	assert.Equal(t, ".text", f.Symbols[0].Name)
	assert.Equal(t, uint8(1), f.Symbols[0].Aux)
	assert.Equal(t, "_main", f.Symbols[1].Name)
	assert.True(t, f.Symbols[1].IsFunction())
	assert.Equal(t, "_ExitProcess@4", f.Symbols[3].Name)
	assert.False(t, f.Symbols[6].IsFunction())
}

func TestCOFFDebugInfo(t *testing.T) {
	f, err := pe.NewBytes(imageWithSymbols(t))
	assert.NoError(t, err)
	info, err := f.COFFDebugInfo()
	assert.NoError(t, err)

	want := []debuginfo.Symbol{
		{Name: "_main", Kind: debuginfo.FunctionSymbol, RVA: testimage.MainRVA, Size: 0x20},
		{Name: "_helper", Kind: debuginfo.FunctionSymbol, RVA: testimage.HelperRVA, Size: 0xD},
		{Name: "_ExitProcess@4", Kind: debuginfo.FunctionSymbol, RVA: testimage.ThunkRVA, Size: testimage.ThunkSize},
		{Name: "_table", Kind: debuginfo.DataSymbol, RVA: testimage.TableRVA,
			Size: testimage.RDataRVA + testimage.RDataSize - testimage.TableRVA},
		{Name: "_counter", Kind: debuginfo.DataSymbol, RVA: testimage.CounterRVA, Size: 4},
		{Name: "_ptr", Kind: debuginfo.DataSymbol, RVA: testimage.PtrRVA, Size: testimage.DataSize - 4},
	}
	assert.Equal(t, want, info.SymbolList)

	var fixups []debuginfo.Fixup
	for _, fixup := range testimage.DebugInfo().FixupList {
		if fixup.Type == debuginfo.AbsoluteFixup {
			fixups = append(fixups, fixup)
		}
	}
	assert.Equal(t, fixups, info.FixupList)
	assert.NoError(t, info.Validate())
}

func TestCOFFDebugInfoWithoutSymbols(t *testing.T) {
	f := testFile(t)
	assert.Empty(t, f.Symbols)
	info, err := f.COFFDebugInfo()
	assert.NoError(t, err)
	assert.True(t, info == nil)
	assert.Equal(t, core.RelativeAddress(testimage.MainRVA), f.EntryPoint())
}
