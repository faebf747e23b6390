package pe

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

// File is a PE image held in memory. Every slice it returns borrows from
// the image bytes and must not be modified.
type File struct {
	DOSHeader
	NtHeader
	Sections    []*Section
	Symbols     []*Symbol
	COFFSymbols []COFFSymbol
	StringTable StringTable

	RichHeader *RichHeader
	Header     []byte

	OverlayOffset uint32

	Is64 bool
	Is32 bool
	size uint32
	data []byte
}

// NewFile reads and parses the image at filename.
func NewFile(filename string) (*File, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "reading image")
	}
	return NewBytes(data)
}

// NewBytes parses an image held in data. The File borrows data.
func NewBytes(data []byte) (*File, error) {
	file, err := readHeaders(data)
	if err != nil {
		return nil, err
	}
	if err := file.validateSections(); err != nil {
		return nil, err
	}
	if err := file.readRichHeader(); err != nil {
		return nil, err
	}
	if err := file.readCOFFSymbols(); err != nil {
		return nil, err
	}
	if err := file.readSymbols(); err != nil {
		return nil, err
	}
	file.OverlayOffset = file.getOverlayDataStartOffset()
	return file, nil
}

// readHeaders parses the DOS header, the NT headers and the section table.
// The section raw data is not checked against the length of data, so it
// also serves to decode a lone header block.
func readHeaders(data []byte) (*File, error) {
	file := &File{data: data, size: uint32(len(data))}
	if file.size < MinFileSize {
		return nil, errors.Wrapf(ErrNotAPEFile, "file of %d bytes is smaller than tiny PE", file.size)
	}
	if err := file.readDOSHeader(); err != nil {
		return nil, err
	}
	if err := file.readNTHeader(); err != nil {
		return nil, err
	}
	file.readStringTable()
	if err := file.readSections(); err != nil {
		return nil, err
	}
	return file, nil
}

// Close releases the image bytes.
func (f *File) Close() error {
	f.data = nil
	return nil
}

// GetSize returns the size of the file in bytes.
func (f *File) GetSize() uint32 {
	return f.size
}

// Bytes returns the whole file.
func (f *File) Bytes() []byte {
	return f.data
}

func (f *File) Section(name string) *Section {
	for _, s := range f.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// fileSlice returns size bytes at a file offset.
func (f *File) fileSlice(offset, size uint32) ([]byte, error) {
	end := uint64(offset) + uint64(size)
	if end > uint64(f.size) {
		return nil, errors.Wrapf(ErrOutsideBoundary, "[0x%X, 0x%X) in file of 0x%X bytes", offset, end, f.size)
	}
	return f.data[offset:end], nil
}

func (f *File) structUnpack(iface any, offset, size uint32) error {
	data, err := f.fileSlice(offset, size)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, iface)
}

// SectionByRVA returns the section whose virtual range contains rva.
func (f *File) SectionByRVA(rva core.RelativeAddress) *Section {
	for _, s := range f.Sections {
		if s.Range().Contains(rva) {
			return s
		}
	}
	return nil
}

// inHeaders reports whether r lies inside the headers.
func (f *File) inHeaders(r core.AddressRange[core.RelativeAddress]) bool {
	return uint64(r.Start)+uint64(r.Size) <= uint64(len(f.Header))
}

// IsValidRange reports whether r lies entirely inside the headers or inside
// a single section.
func (f *File) IsValidRange(rva core.RelativeAddress, size uint32) bool {
	r := core.NewAddressRange(rva, size)
	if f.inHeaders(r) {
		return true
	}
	s := f.SectionByRVA(rva)
	return s != nil && s.Range().ContainsRange(r)
}

// RVAToOffset translates an RVA to the file offset holding its byte. RVAs
// of uninitialized data have no file offset.
func (f *File) RVAToOffset(rva core.RelativeAddress) (core.FileOffsetAddress, bool) {
	if uint32(rva) < uint32(len(f.Header)) {
		return core.FileOffsetAddress(rva), true
	}
	s := f.SectionByRVA(rva)
	if s == nil {
		return 0, false
	}
	delta := uint32(rva) - s.VirtualAddress
	if delta >= s.Size {
		return 0, false
	}
	return core.FileOffsetAddress(s.Offset + delta), true
}

// OffsetToRVA translates a file offset to the RVA it is loaded at.
func (f *File) OffsetToRVA(offset core.FileOffsetAddress) (core.RelativeAddress, bool) {
	if uint32(offset) < uint32(len(f.Header)) {
		return core.RelativeAddress(offset), true
	}
	for _, s := range f.Sections {
		if s.Size > 0 && uint32(offset) >= s.Offset && uint32(offset)-s.Offset < s.Size &&
			uint32(offset)-s.Offset < s.Range().Size {
			return core.RelativeAddress(s.VirtualAddress + uint32(offset) - s.Offset), true
		}
	}
	return 0, false
}

// RawData returns the bytes of [rva, rva+size) that are stored in the file.
// The result is shorter than size when the range runs into uninitialized
// data, and nil when the range is not part of the image.
func (f *File) RawData(rva core.RelativeAddress, size uint32) []byte {
	r := core.NewAddressRange(rva, size)
	if f.inHeaders(r) {
		return f.Header[rva:r.End()]
	}
	s := f.SectionByRVA(rva)
	if s == nil || !s.Range().ContainsRange(r) {
		return nil
	}
	start := uint32(rva) - s.VirtualAddress
	data := s.Data()
	if start >= uint32(len(data)) {
		return nil
	}
	end := start + size
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	return data[start:end]
}

// ImageData returns exactly size bytes of the loaded image at rva. Bytes
// not stored in the file read as zero.
func (f *File) ImageData(rva core.RelativeAddress, size uint32) ([]byte, error) {
	if !f.IsValidRange(rva, size) {
		return nil, errors.Wrapf(ErrPointerOutOfImage, "%s", core.NewAddressRange(rva, size))
	}
	raw := f.RawData(rva, size)
	if uint32(len(raw)) == size {
		return raw, nil
	}
	data := make([]byte, size)
	copy(data, raw)
	return data, nil
}

// ReadUint16 reads a uint16 at rva.
func (f *File) ReadUint16(rva core.RelativeAddress) (uint16, error) {
	data, err := f.ImageData(rva, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ReadUint32 reads a uint32 at rva.
func (f *File) ReadUint32(rva core.RelativeAddress) (uint32, error) {
	data, err := f.ImageData(rva, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// readStruct decodes the fixed size structure v at rva.
func (f *File) readStruct(rva core.RelativeAddress, v any) error {
	data, err := f.ImageData(rva, uint32(binary.Size(v)))
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// CStringAt reads a zero terminated string of at most maxLen bytes at rva.
func (f *File) CStringAt(rva core.RelativeAddress, maxLen uint32) (string, error) {
	if !f.IsValidRange(rva, 1) {
		return "", errors.Wrapf(ErrPointerOutOfImage, "string at %s", rva)
	}
	var limit uint32
	if f.inHeaders(core.NewAddressRange(rva, 1)) {
		limit = uint32(len(f.Header)) - uint32(rva)
	} else {
		s := f.SectionByRVA(rva)
		limit = uint32(s.Range().End() - rva)
	}
	if limit > maxLen {
		limit = maxLen
	}
	data, err := f.ImageData(rva, limit)
	if err != nil {
		return "", err
	}
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return "", errors.Wrapf(ErrMissingSentinel, "string at %s", rva)
	}
	return string(data[:i]), nil
}
