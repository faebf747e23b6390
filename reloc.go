package pe

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

// ImageBaseRelocation is the header of one page of base relocations.
type ImageBaseRelocation struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

const (
	baseRelocationHeaderSize = 8
	relocPageSize            = 0x1000
)

// Relocation is one entry of the base relocation directory: the location of
// an absolute address the loader patches when the image is rebased.
type Relocation struct {
	RVA  core.RelativeAddress
	Type uint8
}

// ReadRelocations returns the base relocations of the image in directory
// order. Padding entries are skipped.
func (f *File) ReadRelocations() ([]Relocation, error) {
	dir := f.DataDirectory(ImageDirectoryEntryBaseReLoc)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}
	data, err := f.ImageData(core.RelativeAddress(dir.VirtualAddress), dir.Size)
	if err != nil {
		return nil, errors.WithMessage(err, "base relocation directory")
	}

	var relocs []Relocation
	for len(data) > 0 {
		if len(data) < baseRelocationHeaderSize {
			return nil, errors.Wrapf(ErrInvalidRelocations, "%d trailing bytes", len(data))
		}
		page := binary.LittleEndian.Uint32(data)
		size := binary.LittleEndian.Uint32(data[4:])
		if size < baseRelocationHeaderSize || size%2 != 0 || size > uint32(len(data)) {
			return nil, errors.Wrapf(ErrInvalidRelocations, "block for page 0x%X has size %d", page, size)
		}
		for i := uint32(baseRelocationHeaderSize); i < size; i += 2 {
			entry := binary.LittleEndian.Uint16(data[i:])
			typ := uint8(entry >> 12)
			rva := core.RelativeAddress(page + uint32(entry&0xFFF))
			switch typ {
			case ImageRelBasedAbsolute:
				continue
			case ImageRelBasedHighLow, ImageRelBasedDir64:
			default:
				return nil, errors.Wrapf(ErrInvalidRelocations, "relocation type %d at %s", typ, rva)
			}
			if !f.IsValidRange(rva, 4) {
				return nil, errors.Wrapf(ErrPointerOutOfImage, "relocation at %s", rva)
			}
			relocs = append(relocs, Relocation{RVA: rva, Type: typ})
		}
		data = data[size:]
	}
	return relocs, nil
}

// BuildRelocations encodes a base relocation directory holding a HIGHLOW
// entry for every address in rvas. Entries are sorted and grouped by page;
// pages with an odd number of entries are padded with an ABSOLUTE entry so
// that every block stays 32-bit aligned.
func BuildRelocations(rvas []core.RelativeAddress) []byte {
	sorted := append([]core.RelativeAddress(nil), rvas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []byte
	for i := 0; i < len(sorted); {
		page := uint32(sorted[i]) &^ (relocPageSize - 1)
		var entries []uint16
		for ; i < len(sorted) && uint32(sorted[i])&^(relocPageSize-1) == page; i++ {
			if i > 0 && sorted[i] == sorted[i-1] {
				continue
			}
			entries = append(entries, uint16(ImageRelBasedHighLow)<<12|uint16(uint32(sorted[i])-page))
		}
		if len(entries)%2 != 0 {
			entries = append(entries, ImageRelBasedAbsolute)
		}

		block := make([]byte, baseRelocationHeaderSize+2*len(entries))
		binary.LittleEndian.PutUint32(block, page)
		binary.LittleEndian.PutUint32(block[4:], uint32(len(block)))
		for j, e := range entries {
			binary.LittleEndian.PutUint16(block[baseRelocationHeaderSize+2*j:], e)
		}
		out = append(out, block...)
	}
	return out
}
