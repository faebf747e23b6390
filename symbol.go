package pe

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
)

const COFFSymbolSize = 18

// Storage classes of COFF symbols.
const (
	ImageSymClassExternal = 2
	ImageSymClassStatic   = 3
)

const imageSymDTypeFunction = 2

// COFFSymbol represents single COFF symbol table record.
type COFFSymbol struct {
	Name               [8]uint8
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
}

func (f *File) readCOFFSymbols() error {
	if f.FileHeader.PointerToSymbolTable == 0 || f.FileHeader.NumberOfSymbols == 0 {
		return nil
	}
	size := uint64(COFFSymbolSize) * uint64(f.FileHeader.NumberOfSymbols)
	if size > uint64(f.size) {
		return errors.Wrapf(ErrOutsideBoundary, "%d COFF symbols", f.FileHeader.NumberOfSymbols)
	}
	symbols := make([]COFFSymbol, f.FileHeader.NumberOfSymbols)
	if err := f.structUnpack(symbols, f.FileHeader.PointerToSymbolTable, uint32(size)); err != nil {
		return errors.WithMessage(err, "COFF symbol table")
	}
	f.COFFSymbols = symbols
	return nil
}

// isSymNameOffset checks symbol name if it is encoded as offset into string table.
func isSymNameOffset(name [8]byte) (bool, uint32) {
	if name[0] == 0 && name[1] == 0 && name[2] == 0 && name[3] == 0 {
		return true, binary.LittleEndian.Uint32(name[4:])
	}
	return false, 0
}

// FullName finds real name of symbol sym. Names longer than 8 characters
// live in the string table st.
func (sym *COFFSymbol) FullName(st StringTable) (string, error) {
	if ok, offset := isSymNameOffset(sym.Name); ok {
		return st.String(offset)
	}
	return cString(sym.Name[:]), nil
}

// Symbol is a COFF symbol with its name resolved and its auxiliary records
// dropped.
type Symbol struct {
	Name          string
	Value         uint32
	SectionNumber int16
	Type          uint16
	StorageClass  uint8
	// Aux is the number of auxiliary records that followed the symbol.
	Aux uint8
}

// IsFunction reports whether the derived type of the symbol is function.
func (s *Symbol) IsFunction() bool {
	return (s.Type>>4)&3 == imageSymDTypeFunction
}

func (f *File) readSymbols() error {
	var symbols []*Symbol
	for i := 0; i < len(f.COFFSymbols); i++ {
		sym := &f.COFFSymbols[i]
		name, err := sym.FullName(f.StringTable)
		if err != nil {
			return errors.Wrapf(ErrOutsideBoundary, "name of COFF symbol %d: %v", i, err)
		}
		symbols = append(symbols, &Symbol{
			Name:          name,
			Value:         sym.Value,
			SectionNumber: sym.SectionNumber,
			Type:          sym.Type,
			StorageClass:  sym.StorageClass,
			Aux:           sym.NumberOfAuxSymbols,
		})
		i += int(sym.NumberOfAuxSymbols)
	}
	f.Symbols = symbols
	return nil
}

// sectionByNumber returns the section a one based COFF section number
// refers to.
func (f *File) sectionByNumber(n int16) *Section {
	for _, s := range f.Sections {
		if s.Index == int(n)-1 {
			return s
		}
	}
	return nil
}

type coffSymbol struct {
	sym     *Symbol
	rva     core.RelativeAddress
	section *Section
}

// placedSymbols returns the external and static symbols that name an
// address inside a section, ordered by address. Section definitions and
// all but the first symbol at one address are skipped.
func (f *File) placedSymbols() []coffSymbol {
	var placed []coffSymbol
	for _, sym := range f.Symbols {
		switch {
		case sym.StorageClass != ImageSymClassExternal && sym.StorageClass != ImageSymClassStatic,
			sym.StorageClass == ImageSymClassStatic && sym.Aux > 0,
			strings.HasPrefix(sym.Name, "."):
			continue
		}
		section := f.sectionByNumber(sym.SectionNumber)
		if section == nil {
			continue
		}
		rva := core.RelativeAddress(section.VirtualAddress + sym.Value)
		if !section.Range().Contains(rva) {
			continue
		}
		placed = append(placed, coffSymbol{sym: sym, rva: rva, section: section})
	}

	sort.SliceStable(placed, func(i, j int) bool { return placed[i].rva < placed[j].rva })
	unique := placed[:0]
	for _, p := range placed {
		if len(unique) > 0 && unique[len(unique)-1].rva == p.rva {
			continue
		}
		unique = append(unique, p)
	}
	return unique
}

// COFFDebugInfo derives debug information from the COFF symbol table and
// the base relocations of the image. A symbol extends up to the next symbol
// of its section. Every base relocation becomes an absolute fixup; PC
// relative references are left to the disassembler. It returns nil when the
// image carries no COFF symbols.
func (f *File) COFFDebugInfo() (*debuginfo.Static, error) {
	placed := f.placedSymbols()
	if len(placed) == 0 {
		return nil, nil
	}

	s := debuginfo.NewStatic()
	for i, p := range placed {
		end := p.section.Range().End()
		if i+1 < len(placed) && placed[i+1].section == p.section {
			end = placed[i+1].rva
		}
		kind := debuginfo.DataSymbol
		if p.sym.IsFunction() || p.section.IsCode() {
			kind = debuginfo.FunctionSymbol
		}
		s.AddSymbol(debuginfo.Symbol{Name: p.sym.Name, Kind: kind, RVA: p.rva, Size: uint32(end - p.rva)})
	}

	relocs, err := f.ReadRelocations()
	if err != nil {
		return nil, err
	}
	base := uint32(f.ImageBase())
	for _, r := range relocs {
		if r.Type != ImageRelBasedHighLow {
			return nil, errors.Wrapf(ErrInvalidRelocations, "relocation type %d at %s", r.Type, r.RVA)
		}
		value, err := f.ReadUint32(r.RVA)
		if err != nil {
			return nil, err
		}
		section := f.SectionByRVA(r.RVA)
		s.AddFixup(debuginfo.Fixup{
			Location: r.RVA,
			Type:     debuginfo.AbsoluteFixup,
			Target:   core.RelativeAddress(value - base),
			Data:     section == nil || !section.IsCode(),
		})
	}
	s.Sort()
	return s, nil
}
