package pe_test

import (
	"crypto/md5"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/internal/testimage"
)

func testFile(t *testing.T) *pe.File {
	t.Helper()
	f, err := pe.NewBytes(testimage.Image())
	assert.NoError(t, err)
	return f
}

func TestNewBytes(t *testing.T) {
	f := testFile(t)
	assert.True(t, f.Is32)
	assert.Equal(t, uint64(testimage.ImageBase), f.ImageBase())
	assert.Equal(t, core.RelativeAddress(testimage.MainRVA), f.EntryPoint())
	assert.Equal(t, uint32(testimage.SizeOfHeaders), f.SizeOfHeaders())
	assert.Equal(t, uint32(testimage.SizeOfImage), f.SizeOfImage())

	names := make([]string, 0, len(f.Sections))
	for _, s := range f.Sections {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{".text", ".rdata", ".data", ".reloc"}, names)

	text := f.Section(".text")
	assert.NotNil(t, text)
	assert.True(t, text.IsCode())
	assert.Equal(t, "rx", text.Flags())
	assert.Equal(t, testimage.Main, f.RawData(testimage.MainRVA, testimage.MainSize))
	assert.Equal(t, uint32(0), f.OverlayOffset)
	assert.Len(t, f.Overlay(), 0)
}

func TestNewBytesErrors(t *testing.T) {
	truncated := testimage.Image()[:0x100]
	badMagic := testimage.Image()
	badMagic[0] = 'X'

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "tiny", data: []byte("MZ"), want: pe.ErrNotAPEFile},
		{name: "bad magic", data: badMagic, want: pe.ErrNotAPEFile},
		{name: "truncated optional header", data: truncated, want: pe.ErrTruncatedHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pe.NewBytes(tt.data)
			assert.Error(t, err)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewBytes() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestChecksum(t *testing.T) {
	f := testFile(t)
	assert.Equal(t, f.StoredChecksum(), f.CalculateChecksum())
	assert.True(t, f.StoredChecksum() != 0)
	assert.Len(t, f.Authentihash(), 32)
	assert.Len(t, f.AuthentihashSha1(), 20)
}

func TestAddressTranslation(t *testing.T) {
	f := testFile(t)
	tests := []struct {
		rva    core.RelativeAddress
		offset core.FileOffsetAddress
		ok     bool
	}{
		{rva: 0x80, offset: 0x80, ok: true},
		{rva: testimage.HelperRVA, offset: 0x420, ok: true},
		{rva: testimage.PtrRVA, offset: 0x804, ok: true},
		{rva: 0x5000, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.rva.String(), func(t *testing.T) {
			offset, ok := f.RVAToOffset(tt.rva)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.offset, offset)
			rva, ok := f.OffsetToRVA(offset)
			assert.True(t, ok)
			assert.Equal(t, tt.rva, rva)
		})
	}
}

func TestFile_ImpHash(t *testing.T) {
	f := testFile(t)
	got, err := f.ImpHash()
	assert.NoError(t, err)
	want := fmt.Sprintf("%x", md5.Sum([]byte("kernel32.exitprocess")))
	if got != want {
		t.Errorf("File.ImpHash() = %v, want %v", got, want)
	}
}

func TestReadImports(t *testing.T) {
	f := testFile(t)
	imports, err := f.ReadImports()
	assert.NoError(t, err)
	assert.Len(t, imports, 1)

	imp := imports[0]
	assert.Equal(t, "KERNEL32.dll", imp.Name)
	assert.Equal(t, uint32(testimage.ImportDescRVA), imp.Offset)
	assert.Len(t, imp.Functions, 1)
	fn := imp.Functions[0]
	assert.Equal(t, "ExitProcess", fn.Name)
	assert.False(t, fn.ByOrdinal)
	assert.Equal(t, uint32(testimage.IATRVA), fn.ThunkRVA)
	assert.Equal(t, uint32(testimage.INTRVA), fn.OriginalThunkRVA)
	assert.Equal(t, uint32(testimage.HintNameRVA), fn.HintNameRVA)
}

func TestReadExports(t *testing.T) {
	f := testFile(t)
	ed, err := f.ReadExports()
	assert.NoError(t, err)
	assert.Equal(t, "test.exe", ed.DLLName)
	assert.Len(t, ed.Exports, 1)

	e := ed.Exports[0]
	assert.Equal(t, uint32(1), e.Ordinal)
	assert.Equal(t, "main", e.Name)
	assert.Equal(t, core.RelativeAddress(testimage.MainRVA), e.RVA)
	assert.Equal(t, core.RelativeAddress(testimage.EATRVA), e.Slot)
	assert.Equal(t, core.RelativeAddress(testimage.ExportNamesRVA), e.NameSlot)
	assert.False(t, e.IsForwarded())
}

func TestRelocations(t *testing.T) {
	f := testFile(t)
	relocs, err := f.ReadRelocations()
	assert.NoError(t, err)
	rvas := make([]core.RelativeAddress, 0, len(relocs))
	for _, r := range relocs {
		assert.Equal(t, uint8(pe.ImageRelBasedHighLow), r.Type)
		rvas = append(rvas, r.RVA)
	}
	assert.Equal(t, testimage.RelocRVAs, rvas)

	stored, err := f.ImageData(testimage.RelocRVA, testimage.RelocSize)
	assert.NoError(t, err)
	// Encoding is independent of input order and drops duplicates.
	shuffled := []core.RelativeAddress{0x3004, 0x2054, 0x1004, 0x102F, 0x1004}
	assert.Equal(t, stored, pe.BuildRelocations(shuffled))
}

func TestFile_RichHeaderHash(t *testing.T) {
	f := testFile(t)
	assert.NotNil(t, f.RichHeader)
	assert.Equal(t, uint32(testimage.RichXorKey), f.RichHeader.XorKey)
	assert.Equal(t, pe.DOSHeaderSize, f.RichHeader.DansOffset)
	assert.Len(t, f.RichHeader.CompIDs, 2)
	assert.Equal(t, uint16(0x0104), f.RichHeader.CompIDs[0].ProdID)
	assert.Equal(t, uint32(5), f.RichHeader.CompIDs[1].Count)

	want := fmt.Sprintf("%x", md5.Sum(testimage.RichHeaderClear()))
	if got := f.RichHeaderHash(); got != want {
		t.Errorf("File.RichHeaderHash() = %v, want %v", got, want)
	}
}

func TestEntropy(t *testing.T) {
	assert.Equal(t, 0.0, pe.Entropy([]byte{7, 7, 7, 7}))
	assert.Equal(t, 1.0, pe.Entropy([]byte{0, 1, 0, 1}))
	assert.Equal(t, 2.0, pe.Entropy([]byte{0, 1, 2, 3}))
}
