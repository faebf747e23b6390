package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// cString converts ASCII byte sequence b to string.
// It stops once it finds 0 or reaches end of b.
func cString(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[:i])
}

// StringTable is a COFF string table.
type StringTable []byte

// readStringTable loads the COFF string table that follows the symbol
// table. Images rarely carry one; a table that does not fit in the file is
// treated as absent.
func (f *File) readStringTable() {
	if f.FileHeader.PointerToSymbolTable == 0 {
		return
	}
	offset := uint64(f.FileHeader.PointerToSymbolTable) + COFFSymbolSize*uint64(f.FileHeader.NumberOfSymbols)
	if offset+4 > uint64(f.size) {
		return
	}
	// string table length includes itself
	l := binary.LittleEndian.Uint32(f.data[offset:])
	if l <= 4 || offset+uint64(l) > uint64(f.size) {
		return
	}
	f.StringTable = f.data[offset+4 : offset+uint64(l)]
}

// String extracts string from COFF string table st at offset start.
func (st StringTable) String(start uint32) (string, error) {
	// start includes 4 bytes of string table length
	if start < 4 {
		return "", fmt.Errorf("offset %d is before the start of string table", start)
	}
	start -= 4
	if int(start) > len(st) {
		return "", fmt.Errorf("offset %d is beyond the end of string table", start)
	}
	return cString(st[start:]), nil
}
