package pe

import (
	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

type ImageDebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

const (
	DebugDirectorySize = 28
	debugAddressOfRaw  = 20
	debugPointerToRaw  = 24
)

const (
	ImageDebugTypeUnknown  = 0
	ImageDebugTypeCOFF     = 1
	ImageDebugTypeCodeView = 2
	ImageDebugTypeFPO      = 3
	ImageDebugTypeMisc     = 4
	ImageDebugTypeOMAPTo   = 7
	ImageDebugTypeOMAPFrom = 8
)

// ReadDebugDirectories returns the entries of the debug directory.
func (f *File) ReadDebugDirectories() ([]ImageDebugDirectory, error) {
	dir := f.DataDirectory(ImageDirectoryEntryDebug)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	if dir.Size%DebugDirectorySize != 0 {
		return nil, errors.Wrapf(ErrPointerOutOfImage, "debug directory size 0x%X is not a multiple of %d",
			dir.Size, DebugDirectorySize)
	}

	n := dir.Size / DebugDirectorySize
	entries := make([]ImageDebugDirectory, n)
	for i := uint32(0); i < n; i++ {
		rva := core.RelativeAddress(dir.VirtualAddress + i*DebugDirectorySize)
		if err := f.readStruct(rva, &entries[i]); err != nil {
			return nil, errors.WithMessagef(err, "debug directory entry %d", i)
		}
	}
	return entries, nil
}
