package pe

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
)

type SectionHeader32 struct {
	Name                 [8]uint8
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// fullName resolves names of the form "/123" through the string table.
// Unresolvable names are returned as stored.
func (sh *SectionHeader32) fullName(st StringTable) string {
	raw := cString(sh.Name[:])
	if sh.Name[0] != '/' || len(st) == 0 {
		return raw
	}
	i, err := strconv.Atoi(cString(sh.Name[1:]))
	if err != nil {
		return raw
	}
	name, err := st.String(uint32(i))
	if err != nil {
		return raw
	}
	return name
}

// SetName stores name in the header, truncated to eight bytes.
func (sh *SectionHeader32) SetName(name string) {
	sh.Name = [8]uint8{}
	copy(sh.Name[:], name)
}

type SectionHeader struct {
	Name                 string
	VirtualSize          uint32
	VirtualAddress       uint32
	Size                 uint32
	Offset               uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type Section struct {
	SectionHeader
	// Index is the position of the section in the section table.
	Index int

	data []byte
}

// Data returns the bytes of the section stored in the file.
func (s *Section) Data() []byte {
	return s.data
}

// Range returns the virtual address range of the section. Sections with a
// zero virtual size occupy their raw size.
func (s *Section) Range() core.AddressRange[core.RelativeAddress] {
	size := s.VirtualSize
	if size == 0 {
		size = s.Size
	}
	return core.NewAddressRange(core.RelativeAddress(s.VirtualAddress), size)
}

// IsCode reports whether the section holds executable code.
func (s *Section) IsCode() bool {
	return s.Characteristics&(ImageScnCntCode|ImageScnMemExecute) != 0
}

// IsWritable reports whether the section is mapped writable.
func (s *Section) IsWritable() bool {
	return s.Characteristics&ImageScnMemWrite != 0
}

// BlockType returns the type of block that holds data of this section.
func (s *Section) BlockType() blockgraph.BlockType {
	switch {
	case s.IsCode():
		return blockgraph.CodeBlock
	case s.IsWritable():
		return blockgraph.DataBlock
	}
	return blockgraph.ReadOnlyDataBlock
}

// Info returns the image layout description of the section.
func (s *Section) Info() blockgraph.SectionInfo {
	r := s.Range()
	return blockgraph.SectionInfo{
		Name:            s.Name,
		Addr:            r.Start,
		Size:            r.Size,
		DataSize:        s.Size,
		Characteristics: s.Characteristics,
	}
}

func (s *Section) MD5() string {
	return fmt.Sprintf("%x", md5.Sum(s.data))
}

func (s *Section) Entropy() float64 {
	return Entropy(s.data)
}

func (s *Section) Flags() (flags string) {
	if (ImageScnMemRead & s.Characteristics) == ImageScnMemRead {
		flags += "r"
	}
	if (ImageScnMemExecute & s.Characteristics) == ImageScnMemExecute {
		flags += "x"
	}
	if (ImageScnMemWrite & s.Characteristics) == ImageScnMemWrite {
		flags += "w"
	}
	return flags
}

// byVirtualAddress sorts all sections by Virtual Address.
type byVirtualAddress []*Section

func (s byVirtualAddress) Len() int           { return len(s) }
func (s byVirtualAddress) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s byVirtualAddress) Less(i, j int) bool { return s[i].VirtualAddress < s[j].VirtualAddress }

func (f *File) readSections() error {
	offset := f.SectionTableOffset()
	count := uint32(f.FileHeader.NumberOfSections)
	if uint64(offset)+uint64(count)*SectionHeaderSize > uint64(f.size) {
		return errors.Wrapf(ErrTruncatedHeader, "section table of %d entries at 0x%X", count, offset)
	}

	headerSize := f.SizeOfHeaders()
	if headerSize > f.size {
		headerSize = f.size
	}
	if offset+count*SectionHeaderSize > headerSize {
		return errors.Wrapf(ErrTruncatedHeader, "section table ends past SizeOfHeaders 0x%X", headerSize)
	}
	f.Header = f.data[:headerSize]

	f.Sections = make([]*Section, count)
	for i := uint32(0); i < count; i++ {
		var sh SectionHeader32
		if err := f.structUnpack(&sh, offset+i*SectionHeaderSize, SectionHeaderSize); err != nil {
			return errors.Wrap(ErrTruncatedHeader, err.Error())
		}
		s := &Section{
			SectionHeader: SectionHeader{
				Name:                 sh.fullName(f.StringTable),
				VirtualSize:          sh.VirtualSize,
				VirtualAddress:       sh.VirtualAddress,
				Size:                 sh.SizeOfRawData,
				Offset:               sh.PointerToRawData,
				PointerToRelocations: sh.PointerToRelocations,
				PointerToLineNumbers: sh.PointerToLineNumbers,
				NumberOfRelocations:  sh.NumberOfRelocations,
				NumberOfLineNumbers:  sh.NumberOfLineNumbers,
				Characteristics:      sh.Characteristics,
			},
			Index: int(i),
		}
		// .bss has no raw data and reads as zero.
		if sh.PointerToRawData != 0 && sh.PointerToRawData < f.size {
			end := uint64(sh.PointerToRawData) + uint64(sh.SizeOfRawData)
			if end > uint64(f.size) {
				end = uint64(f.size)
			}
			s.data = f.data[sh.PointerToRawData:end]
		}
		f.Sections[i] = s
	}
	sort.Stable(byVirtualAddress(f.Sections))
	return nil
}

// validateSections checks that the section table describes an image that
// can be mapped: raw data inside the file, virtual ranges aligned, after the
// headers and disjoint.
func (f *File) validateSections() error {
	sectionAlignment, _ := f.alignments()
	var prev *Section
	for _, s := range f.Sections {
		if s.Size > 0 && s.Offset != 0 && uint64(s.Offset)+uint64(s.Size) > uint64(f.size) {
			return errors.Wrapf(ErrInvalidSectionTable, "section %q raw data [0x%X, +0x%X) past end of file",
				s.Name, s.Offset, s.Size)
		}
		if s.VirtualAddress < uint32(len(f.Header)) {
			return errors.Wrapf(ErrInvalidSectionTable, "section %q at 0x%X overlaps the headers",
				s.Name, s.VirtualAddress)
		}
		if sectionAlignment != 0 && s.VirtualAddress%sectionAlignment != 0 {
			return errors.Wrapf(ErrInvalidSectionTable, "section %q at 0x%X is not aligned to 0x%X",
				s.Name, s.VirtualAddress, sectionAlignment)
		}
		if prev != nil && prev.Range().Intersects(s.Range()) {
			return errors.Wrapf(ErrOverlappingSections, "%q %s and %q %s",
				prev.Name, prev.Range(), s.Name, s.Range())
		}
		prev = s
	}
	return nil
}
