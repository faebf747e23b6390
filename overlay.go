package pe

import (
	"github.com/h2non/filetype"

	"github.com/wanglei-coder/syzygy/core"
)

// getOverlayDataStartOffset returns the file offset past the headers and
// the raw data of every section, or 0 when nothing follows them.
func (f *File) getOverlayDataStartOffset() uint32 {
	if f.OptionalHeader == nil {
		return 0
	}

	largest := uint32(len(f.Header))
	update := func(offset, size uint32) {
		end := uint64(offset) + uint64(size)
		if end <= uint64(f.size) && uint32(end) > largest {
			largest = uint32(end)
		}
	}

	for _, section := range f.Sections {
		if section.Offset != 0 {
			update(section.Offset, section.Size)
		}
	}

	for idx := 0; idx < ImageNumberOfDirectoryEntries; idx++ {
		directory := f.DataDirectory(idx)
		if idx == ImageDirectoryEntrySecurity || directory.VirtualAddress == 0 {
			continue
		}
		if offset, ok := f.RVAToOffset(core.RelativeAddress(directory.VirtualAddress)); ok {
			update(uint32(offset), directory.Size)
		}
	}

	if largest < f.size {
		return largest
	}
	return 0
}

// Overlay returns the bytes appended after the mapped part of the image.
func (f *File) Overlay() []byte {
	if f.OverlayOffset == 0 {
		return nil
	}
	return f.data[f.OverlayOffset:]
}

// OverlayType sniffs the MIME type of the overlay.
func (f *File) OverlayType() string {
	return FileType(f.Overlay())
}

// FileType returns the MIME type of data, or "Data" when unknown.
func FileType(data []byte) string {
	kind, _ := filetype.Match(data)
	if kind == filetype.Unknown {
		return "Data"
	}
	return kind.MIME.Value
}
