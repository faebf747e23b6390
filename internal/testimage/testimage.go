// Package testimage generates a small PE32 executable together with the
// debug information a linker would have produced for it.
//
// The image has four sections:
//
//	.text  0x1000  main (0x13 bytes), int3 padding, helper (6 bytes),
//	               a 7 byte int3 gap and an import thunk (6 bytes)
//	.rdata 0x2000  IAT, import descriptors, INT, hint/name, DLL name,
//	               a function pointer table and the export directory
//	.data  0x3000  counter and a pointer to helper
//	.reloc 0x4000  base relocations for the four absolute addresses
package testimage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
)

const (
	ImageBase        = 0x400000
	SectionAlignment = 0x1000
	FileAlignment    = 0x200
	SizeOfHeaders    = 0x400
	SizeOfImage      = 0x5000
	NewHeaderOffset  = 0x80
	RichXorKey       = 0x5ca1ab1e
)

// Addresses of the items of the image.
const (
	TextRVA    = 0x1000
	MainRVA    = 0x1000
	MainSize   = 0x13
	MainPad    = 0x1013
	HelperRVA  = 0x1020
	HelperSize = 6
	GapRVA     = 0x1026
	GapSize    = 7
	ThunkRVA   = 0x102D
	ThunkSize  = 6
	TextSize   = 0x33

	RDataRVA       = 0x2000
	IATRVA         = 0x2000
	ImportDescRVA  = 0x2008
	INTRVA         = 0x2030
	HintNameRVA    = 0x2038
	DLLNameRVA     = 0x2046
	TableRVA       = 0x2054
	ExportDirRVA   = 0x2060
	ExportDirSize  = 0x40
	EATRVA         = 0x2088
	ExportNamesRVA = 0x208C
	OrdinalsRVA    = 0x2090
	ExportDLLRVA   = 0x2092
	MainNameRVA    = 0x209B
	RDataSize      = 0xA0

	DataRVA    = 0x3000
	CounterRVA = 0x3000
	PtrRVA     = 0x3004
	DataSize   = 8

	RelocRVA  = 0x4000
	RelocSize = 0x24
)

// Main holds the code of main:
//
//	push ebp
//	mov ebp, esp
//	mov eax, [counter]
//	test eax, eax
//	jz exit
//	call helper
//	exit: pop ebp
//	ret
var Main = []byte{
	0x55,
	0x8B, 0xEC,
	0xA1, 0x00, 0x30, 0x40, 0x00,
	0x85, 0xC0,
	0x74, 0x05,
	0xE8, 0x0F, 0x00, 0x00, 0x00,
	0x5D,
	0xC3,
}

// Helper holds mov eax, 42; ret.
var Helper = []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}

// Thunk holds jmp [__imp_ExitProcess].
var Thunk = []byte{0xFF, 0x25, 0x00, 0x20, 0x40, 0x00}

type section struct {
	name            string
	rva             uint32
	virtualSize     uint32
	offset          uint32
	characteristics uint32
	data            []byte
}

func put32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func put16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }

func text() []byte {
	b := bytes.Repeat([]byte{0xCC}, TextSize)
	copy(b[MainRVA-TextRVA:], Main)
	copy(b[HelperRVA-TextRVA:], Helper)
	copy(b[ThunkRVA-TextRVA:], Thunk)
	return b
}

func rdata() []byte {
	b := make([]byte, RDataSize)
	at := func(rva int) int { return rva - RDataRVA }

	put32(b, at(IATRVA), HintNameRVA)

	put32(b, at(ImportDescRVA), INTRVA)
	put32(b, at(ImportDescRVA)+12, DLLNameRVA)
	put32(b, at(ImportDescRVA)+16, IATRVA)

	put32(b, at(INTRVA), HintNameRVA)
	copy(b[at(HintNameRVA)+2:], "ExitProcess")
	copy(b[at(DLLNameRVA):], "KERNEL32.dll")

	put32(b, at(TableRVA), ImageBase+MainRVA)

	exp := at(ExportDirRVA)
	put32(b, exp+12, ExportDLLRVA)
	put32(b, exp+16, 1)
	put32(b, exp+20, 1)
	put32(b, exp+24, 1)
	put32(b, exp+28, EATRVA)
	put32(b, exp+32, ExportNamesRVA)
	put32(b, exp+36, OrdinalsRVA)
	put32(b, at(EATRVA), MainRVA)
	put32(b, at(ExportNamesRVA), MainNameRVA)
	copy(b[at(ExportDLLRVA):], "test.exe")
	copy(b[at(MainNameRVA):], "main")
	return b
}

func data() []byte {
	b := make([]byte, DataSize)
	put32(b, PtrRVA-DataRVA, ImageBase+HelperRVA)
	return b
}

// RelocRVAs lists the locations of the absolute addresses of the image.
var RelocRVAs = []core.RelativeAddress{0x1004, 0x102F, 0x2054, 0x3004}

func relocs() []byte {
	b := make([]byte, RelocSize)
	pages := []struct {
		page    uint32
		entries []uint16
	}{
		{0x1000, []uint16{0x3004, 0x302F}},
		{0x2000, []uint16{0x3054, 0x0000}},
		{0x3000, []uint16{0x3004, 0x0000}},
	}
	off := 0
	for _, p := range pages {
		put32(b, off, p.page)
		put32(b, off+4, 12)
		put16(b, off+8, p.entries[0])
		put16(b, off+10, p.entries[1])
		off += 12
	}
	return b
}

func sections() []section {
	return []section{
		{".text", TextRVA, TextSize, 0x400, pe.ImageScnCntCode | pe.ImageScnMemExecute | pe.ImageScnMemRead, text()},
		{".rdata", RDataRVA, RDataSize, 0x600, pe.ImageScnCntInitializedData | pe.ImageScnMemRead, rdata()},
		{".data", DataRVA, DataSize, 0x800,
			pe.ImageScnCntInitializedData | pe.ImageScnMemRead | pe.ImageScnMemWrite, data()},
		{".reloc", RelocRVA, RelocSize, 0xA00,
			pe.ImageScnCntInitializedData | pe.ImageScnMemDiscardable | pe.ImageScnMemRead, relocs()},
	}
}

// richHeader returns the masked rich header placed after the DOS header.
func richHeader() []byte {
	words := []uint32{pe.DansSignature, 0, 0, 0, 0x01047809, 3, 0x01057809, 5}
	var b bytes.Buffer
	for _, w := range words {
		_ = binary.Write(&b, binary.LittleEndian, w^RichXorKey)
	}
	b.WriteString(pe.RichSignature)
	_ = binary.Write(&b, binary.LittleEndian, uint32(RichXorKey))
	return b.Bytes()
}

// RichHeaderClear returns the unmasked rich header words from DanS up to
// the Rich marker.
func RichHeaderClear() []byte {
	words := []uint32{pe.DansSignature, 0, 0, 0, 0x01047809, 3, 0x01057809, 5}
	var b bytes.Buffer
	for _, w := range words {
		_ = binary.Write(&b, binary.LittleEndian, w)
	}
	return b.Bytes()
}

// Image returns the bytes of the executable.
func Image() []byte {
	secs := sections()
	size := secs[len(secs)-1].offset + FileAlignment
	img := make([]byte, size)

	dos := pe.DOSHeader{
		Magic:                    pe.ImageDOSSignature,
		BytesOnLastPageOfFile:    0x90,
		PagesInFile:              3,
		SizeOfHeader:             4,
		MaxExtraParagraphsNeeded: 0xFFFF,
		InitialSP:                0xB8,
		AddressOfRelocationTable: 0x40,
		AddressOfNewEXEHeader:    NewHeaderOffset,
	}
	write(img, 0, &dos)
	copy(img[pe.DOSHeaderSize:], richHeader())

	put32(img, NewHeaderOffset, pe.ImageNTHeaderSignature)
	fh := pe.FileHeader{
		Machine:              pe.ImageFileMachineI386,
		NumberOfSections:     uint16(len(secs)),
		SizeOfOptionalHeader: 0xE0,
		Characteristics:      0x0102,
	}
	write(img, NewHeaderOffset+4, &fh)

	oh := pe.OptionalHeader32{
		Magic:                       pe.ImageNtOptionalHeader32Magic,
		MajorLinkerVersion:          14,
		SizeOfCode:                  FileAlignment,
		SizeOfInitializedData:       3 * FileAlignment,
		AddressOfEntryPoint:         MainRVA,
		BaseOfCode:                  TextRVA,
		BaseOfData:                  RDataRVA,
		ImageBase:                   ImageBase,
		SectionAlignment:            SectionAlignment,
		FileAlignment:               FileAlignment,
		MajorOperatingSystemVersion: 6,
		MajorSubsystemVersion:       6,
		SizeOfImage:                 SizeOfImage,
		SizeOfHeaders:               SizeOfHeaders,
		Subsystem:                   3,
		DllCharacteristics:          0x8140,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
		NumberOfRvaAndSizes:         pe.ImageNumberOfDirectoryEntries,
	}
	oh.DataDirectory[pe.ImageDirectoryEntryExport] = pe.DataDirectory{VirtualAddress: ExportDirRVA, Size: ExportDirSize}
	oh.DataDirectory[pe.ImageDirectoryEntryImport] = pe.DataDirectory{VirtualAddress: ImportDescRVA, Size: 40}
	oh.DataDirectory[pe.ImageDirectoryEntryBaseReLoc] = pe.DataDirectory{VirtualAddress: RelocRVA, Size: RelocSize}
	oh.DataDirectory[pe.ImageDirectoryEntryIat] = pe.DataDirectory{VirtualAddress: IATRVA, Size: 8}
	ohOffset := NewHeaderOffset + 4 + pe.FileHeaderSize
	write(img, ohOffset, &oh)

	table := ohOffset + int(fh.SizeOfOptionalHeader)
	for i, s := range secs {
		sh := pe.SectionHeader32{
			VirtualSize:      s.virtualSize,
			VirtualAddress:   s.rva,
			SizeOfRawData:    FileAlignment,
			PointerToRawData: s.offset,
			Characteristics:  s.characteristics,
		}
		sh.SetName(s.name)
		write(img, table+i*pe.SectionHeaderSize, &sh)
		copy(img[s.offset:], s.data)
	}

	checksumAt := uint32(ohOffset + pe.OptionalHeaderCheckSumOffset)
	put32(img, int(checksumAt), pe.Checksum(img, checksumAt))
	return img
}

func write(b []byte, off int, v any) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	copy(b[off:], buf.Bytes())
}

// DebugInfo returns the debug information of the image.
func DebugInfo() *debuginfo.Static {
	s := debuginfo.NewStatic()
	s.Image = "test.exe"

	s.AddSymbol(debuginfo.Symbol{Name: "main", Kind: debuginfo.FunctionSymbol, RVA: MainRVA, Size: MainSize,
		Compiland: "main.obj"})
	s.AddSymbol(debuginfo.Symbol{Name: "helper", Kind: debuginfo.FunctionSymbol, RVA: HelperRVA, Size: HelperSize,
		Compiland: "main.obj"})
	s.AddSymbol(debuginfo.Symbol{Name: "ExitProcess", Kind: debuginfo.ThunkSymbol, RVA: ThunkRVA, Size: ThunkSize,
		Compiland: "kernel32.lib", NonReturn: true})
	s.AddSymbol(debuginfo.Symbol{Name: "table", Kind: debuginfo.DataSymbol, RVA: TableRVA, Size: 4,
		Compiland: "main.obj"})
	s.AddSymbol(debuginfo.Symbol{Name: "counter", Kind: debuginfo.DataSymbol, RVA: CounterRVA, Size: 4,
		Compiland: "main.obj"})
	s.AddSymbol(debuginfo.Symbol{Name: "ptr", Kind: debuginfo.DataSymbol, RVA: PtrRVA, Size: 4,
		Compiland: "main.obj"})

	s.AddLabel(debuginfo.Label{Name: "exit", Kind: debuginfo.CodeLabel, RVA: MainRVA + 0x11})
	s.AddLabel(debuginfo.Label{Name: "main", Kind: debuginfo.PublicSymbolLabel, RVA: MainRVA})

	s.AddSectionContribution(debuginfo.SectionContribution{RVA: MainRVA, Size: MainSize, Compiland: "main.obj",
		Section: 1, Characteristics: pe.ImageScnCntCode | pe.ImageScnMemExecute | pe.ImageScnMemRead})
	s.AddSectionContribution(debuginfo.SectionContribution{RVA: HelperRVA, Size: HelperSize, Compiland: "main.obj",
		Section: 1, Characteristics: pe.ImageScnCntCode | pe.ImageScnMemExecute | pe.ImageScnMemRead})
	s.AddSectionContribution(debuginfo.SectionContribution{RVA: ThunkRVA, Size: ThunkSize, Compiland: "kernel32.lib",
		Section: 1, Characteristics: pe.ImageScnCntCode | pe.ImageScnMemExecute | pe.ImageScnMemRead})
	s.AddSectionContribution(debuginfo.SectionContribution{RVA: TableRVA, Size: 4, Compiland: "main.obj",
		Section: 2, Characteristics: pe.ImageScnCntInitializedData | pe.ImageScnMemRead})
	s.AddSectionContribution(debuginfo.SectionContribution{RVA: DataRVA, Size: DataSize, Compiland: "main.obj",
		Section: 3, Characteristics: pe.ImageScnCntInitializedData | pe.ImageScnMemRead | pe.ImageScnMemWrite})

	s.AddFixup(debuginfo.Fixup{Location: 0x1004, Type: debuginfo.AbsoluteFixup, Target: CounterRVA})
	s.AddFixup(debuginfo.Fixup{Location: 0x100D, Type: debuginfo.PCRelative32Fixup, Target: HelperRVA})
	s.AddFixup(debuginfo.Fixup{Location: 0x102F, Type: debuginfo.AbsoluteFixup, Target: IATRVA})
	s.AddFixup(debuginfo.Fixup{Location: TableRVA, Type: debuginfo.AbsoluteFixup, Target: MainRVA, Data: true})
	s.AddFixup(debuginfo.Fixup{Location: PtrRVA, Type: debuginfo.AbsoluteFixup, Target: HelperRVA, Data: true})
	s.Sort()
	return s
}

// WriteFiles stores the image and its debug information in dir and returns
// their paths.
func WriteFiles(dir string) (image, debug string, err error) {
	image = filepath.Join(dir, "test.exe")
	debug = filepath.Join(dir, "test.json")
	if err := os.WriteFile(image, Image(), 0o644); err != nil {
		return "", "", err
	}
	if err := DebugInfo().Save(debug); err != nil {
		return "", "", err
	}
	return image, debug, nil
}
