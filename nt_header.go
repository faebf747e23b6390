package pe

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

type NtHeader struct {
	Signature      uint32
	FileHeader     FileHeader
	OptionalHeader any // of type *OptionalHeader32 or *OptionalHeader64
}

type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type OptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [ImageNumberOfDirectoryEntries]DataDirectory
}

type OptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [ImageNumberOfDirectoryEntries]DataDirectory
}

// Offsets of the optional header fields the parser and writer refer to.
const (
	optionalHeaderSizeOfCodeOffset              = 4
	optionalHeaderSizeOfInitializedDataOffset   = 8
	optionalHeaderSizeOfUninitializedDataOffset = 12
	OptionalHeaderEntryPointOffset              = 16
	OptionalHeaderSizeOfImageOffset             = 56
	OptionalHeaderCheckSumOffset                = 64
	optionalHeader32DirectoryOffset             = 96
	optionalHeader64DirectoryOffset             = 112
)

func (f *File) readNTHeader() error {
	offset := f.DOSHeader.AddressOfNewEXEHeader
	if err := f.structUnpack(&f.Signature, offset, 4); err != nil {
		return errors.Wrap(ErrTruncatedHeader, "NT signature")
	}
	if f.Signature != ImageNTHeaderSignature {
		return errors.Wrapf(ErrNotAPEFile, "invalid NT signature 0x%08X", f.Signature)
	}
	if err := f.structUnpack(&f.FileHeader, offset+4, FileHeaderSize); err != nil {
		return errors.Wrap(ErrTruncatedHeader, "file header")
	}

	var err error
	f.OptionalHeader, err = f.readOptionalHeader(f.OptionalHeaderOffset())
	return err
}

func (f *File) readOptionalHeader(offset uint32) (any, error) {
	size := uint32(f.FileHeader.SizeOfOptionalHeader)
	if size == 0 {
		return nil, errors.Wrap(ErrNotAPEFile, "image has no optional header")
	}
	if size < 2 {
		return nil, errors.Wrap(ErrTruncatedHeader, "optional header is smaller than its magic")
	}
	raw, err := f.fileSlice(offset, size)
	if err != nil {
		return nil, errors.Wrap(ErrTruncatedHeader, "optional header")
	}

	magic := binary.LittleEndian.Uint16(raw)
	switch magic {
	case ImageNtOptionalHeader32Magic:
		var oh32 OptionalHeader32
		if err := unpackOptionalHeader(raw, &oh32, optionalHeader32DirectoryOffset); err != nil {
			return nil, err
		}
		if err := checkDirectoryCount(size, optionalHeader32DirectoryOffset, oh32.NumberOfRvaAndSizes); err != nil {
			return nil, err
		}
		if oh32.ImageBase%0x10000 != 0 {
			return nil, errors.Wrap(ErrNotAPEFile, "image base not aligned to 64 K")
		}
		f.Is32 = true
		return &oh32, nil

	case ImageNtOptionalHeader64Magic:
		var oh64 OptionalHeader64
		if err := unpackOptionalHeader(raw, &oh64, optionalHeader64DirectoryOffset); err != nil {
			return nil, err
		}
		if err := checkDirectoryCount(size, optionalHeader64DirectoryOffset, oh64.NumberOfRvaAndSizes); err != nil {
			return nil, err
		}
		if oh64.ImageBase%0x10000 != 0 {
			return nil, errors.Wrap(ErrNotAPEFile, "image base not aligned to 64 K")
		}
		f.Is64 = true
		return &oh64, nil
	}
	return nil, errors.Wrapf(ErrNotAPEFile, "optional header has unexpected magic 0x%x", magic)
}

// unpackOptionalHeader decodes raw into oh. Headers may carry fewer than
// sixteen data directories; the missing ones read as zero.
func unpackOptionalHeader(raw []byte, oh any, directoryOffset int) error {
	if len(raw) < directoryOffset {
		return errors.Wrapf(ErrTruncatedHeader, "optional header of %d bytes, need %d", len(raw), directoryOffset)
	}
	full := make([]byte, binary.Size(oh))
	copy(full, raw)
	return errors.Wrap(binary.Read(bytes.NewReader(full), binary.LittleEndian, oh), "decoding optional header")
}

func checkDirectoryCount(size uint32, directoryOffset int, n uint32) error {
	if n > ImageNumberOfDirectoryEntries || size != uint32(directoryOffset)+n*DataDirectorySize {
		return errors.Wrapf(ErrTruncatedHeader, "size of data directories(%d) is inconsistent with "+
			"number of data directories(%d)", size-uint32(directoryOffset), n)
	}
	return nil
}

// OptionalHeaderOffset returns the file offset of the optional header.
func (f *File) OptionalHeaderOffset() uint32 {
	return f.DOSHeader.AddressOfNewEXEHeader + 4 + FileHeaderSize
}

// SectionTableOffset returns the file offset of the first section header.
func (f *File) SectionTableOffset() uint32 {
	return f.OptionalHeaderOffset() + uint32(f.FileHeader.SizeOfOptionalHeader)
}

// DataDirectoryOffset returns the file offset of data directory entry i.
func (f *File) DataDirectoryOffset(i int) uint32 {
	base := uint32(optionalHeader32DirectoryOffset)
	if f.Is64 {
		base = optionalHeader64DirectoryOffset
	}
	return f.OptionalHeaderOffset() + base + uint32(i)*DataDirectorySize
}

// OptionalHeader32 returns the PE32 optional header. PE32+ images fail with
// ErrUnsupportedImage.
func (f *File) OptionalHeader32() (*OptionalHeader32, error) {
	oh, ok := f.OptionalHeader.(*OptionalHeader32)
	if !ok {
		return nil, ErrUnsupportedImage
	}
	return oh, nil
}

// DataDirectory returns data directory entry i, or a zero entry when the
// header does not carry it.
func (f *File) DataDirectory(i int) DataDirectory {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		if uint32(i) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[i]
		}
	case *OptionalHeader64:
		if uint32(i) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[i]
		}
	}
	return DataDirectory{}
}

// ImageBase returns the preferred load address.
func (f *File) ImageBase() uint64 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return uint64(oh.ImageBase)
	case *OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

// EntryPoint returns the RVA of the entry point.
func (f *File) EntryPoint() core.RelativeAddress {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return core.RelativeAddress(oh.AddressOfEntryPoint)
	case *OptionalHeader64:
		return core.RelativeAddress(oh.AddressOfEntryPoint)
	}
	return 0
}

func (f *File) alignments() (section, file uint32) {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return oh.SectionAlignment, oh.FileAlignment
	case *OptionalHeader64:
		return oh.SectionAlignment, oh.FileAlignment
	}
	return 0, 0
}

// SizeOfHeaders returns the size of the headers as declared in the optional
// header.
func (f *File) SizeOfHeaders() uint32 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return oh.SizeOfHeaders
	case *OptionalHeader64:
		return oh.SizeOfHeaders
	}
	return 0
}

// SizeOfImage returns the size of the loaded image.
func (f *File) SizeOfImage() uint32 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		return oh.SizeOfImage
	case *OptionalHeader64:
		return oh.SizeOfImage
	}
	return 0
}
