package pe

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

type ImageImportDirectory struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// Offsets of the pointer fields of an import descriptor.
const (
	ImportDescriptorSize               = 20
	importDescriptorOriginalFirstThunk = 0
	importDescriptorName               = 12
	importDescriptorFirstThunk         = 16
)

type ImportFunction struct {
	Name               string
	Hint               uint16
	ByOrdinal          bool
	Ordinal            uint32
	OriginalThunkValue uint64
	ThunkValue         uint64
	ThunkRVA           uint32
	OriginalThunkRVA   uint32
	// HintNameRVA locates the IMAGE_IMPORT_BY_NAME entry of functions
	// imported by name.
	HintNameRVA uint32
}

type Import struct {
	Offset     uint32
	Name       string
	Functions  []*ImportFunction
	Descriptor ImageImportDirectory
}

// thunkSize returns the width of one import thunk.
func (f *File) thunkSize() uint32 {
	if f.Is64 {
		return 8
	}
	return 4
}

func (f *File) isOrdinal(v uint64) bool {
	if f.Is64 {
		return v&imageOrdinalFlag64 != 0
	}
	return uint32(v)&imageOrdinalFlag32 != 0
}

func (f *File) thunkAddress(v uint64) uint32 {
	if f.Is64 {
		return uint32(v & addressMask64)
	}
	return uint32(v) & addressMask32
}

// readThunkTable reads a zero terminated thunk array at rva. The terminator
// is not returned.
func (f *File) readThunkTable(rva uint32) ([]uint64, error) {
	if rva == 0 {
		return nil, nil
	}
	size := f.thunkSize()
	var thunks []uint64
	for i := uint32(0); i < maxAllowedEntries; i++ {
		addr := core.RelativeAddress(rva + i*size)
		data, err := f.ImageData(addr, size)
		if err != nil {
			if len(thunks) > 0 {
				return nil, errors.Wrapf(ErrMissingSentinel, "thunk table at 0x%X", rva)
			}
			return nil, errors.WithMessagef(err, "thunk table at 0x%X", rva)
		}
		var v uint64
		if size == 8 {
			v = binary.LittleEndian.Uint64(data)
		} else {
			v = uint64(binary.LittleEndian.Uint32(data))
		}
		if v == 0 {
			return thunks, nil
		}
		thunks = append(thunks, v)
	}
	return nil, errors.Wrapf(ErrMissingSentinel, "thunk table at 0x%X has more than %d entries", rva, maxAllowedEntries)
}

// readImportFunctions pairs the import name table with the import address
// table. Either may be absent; when both are present they must have the
// same length.
func (f *File) readImportFunctions(intRVA, iatRVA uint32, imageBaseRelative bool) ([]*ImportFunction, error) {
	ilt, err := f.readThunkTable(intRVA)
	if err != nil {
		return nil, err
	}
	iat, err := f.readThunkTable(iatRVA)
	if err != nil {
		return nil, err
	}
	if len(iat) == 0 && len(ilt) == 0 {
		return nil, ErrDamagedImportTable
	}
	if len(ilt) > 0 && len(iat) > 0 && len(ilt) != len(iat) {
		return nil, errors.Wrapf(ErrDamagedImportTable, "%d names but %d address slots", len(ilt), len(iat))
	}

	table := ilt
	if len(table) == 0 {
		table = iat
	}

	size := f.thunkSize()
	functions := make([]*ImportFunction, 0, len(table))
	for idx, v := range table {
		imp := &ImportFunction{}
		if idx < len(ilt) {
			imp.OriginalThunkValue = ilt[idx]
			imp.OriginalThunkRVA = intRVA + uint32(idx)*size
		}
		if idx < len(iat) {
			imp.ThunkValue = iat[idx]
			imp.ThunkRVA = iatRVA + uint32(idx)*size
		}

		if f.isOrdinal(v) {
			imp.ByOrdinal = true
			imp.Ordinal = uint32(v) & 0xffff
			imp.Name = fmt.Sprintf("#%d", imp.Ordinal)
			functions = append(functions, imp)
			continue
		}

		hintName := f.thunkAddress(v)
		if imageBaseRelative {
			hintName -= uint32(f.ImageBase())
		}
		imp.HintNameRVA = hintName
		if imp.Hint, err = f.ReadUint16(core.RelativeAddress(hintName)); err != nil {
			return nil, errors.WithMessagef(err, "hint of import %d", idx)
		}
		if imp.Name, err = f.CStringAt(core.RelativeAddress(hintName+2), maxImportNameLength); err != nil {
			return nil, errors.WithMessagef(err, "name of import %d", idx)
		}
		functions = append(functions, imp)
	}
	return functions, nil
}

// ReadImports walks the import directory. The descriptor array must end
// with an all zero descriptor.
func (f *File) ReadImports() ([]*Import, error) {
	dir := f.DataDirectory(ImageDirectoryEntryImport)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}

	var imports []*Import
	for i := uint32(0); ; i++ {
		rva := dir.VirtualAddress + i*ImportDescriptorSize
		var desc ImageImportDirectory
		if err := f.readStruct(core.RelativeAddress(rva), &desc); err != nil {
			return nil, errors.Wrapf(ErrMissingSentinel, "import descriptor %d at 0x%X", i, rva)
		}
		if desc == (ImageImportDirectory{}) {
			return imports, nil
		}
		if i >= maxAllowedEntries {
			return nil, errors.Wrapf(ErrMissingSentinel, "more than %d import descriptors", maxAllowedEntries)
		}

		name, err := f.CStringAt(core.RelativeAddress(desc.Name), maxDllLength)
		if err != nil {
			return nil, errors.WithMessagef(err, "name of import descriptor %d", i)
		}
		if !IsValidDosFilename(name) {
			return nil, errors.Wrapf(ErrDamagedImportTable, "invalid DLL name %q", name)
		}
		functions, err := f.readImportFunctions(desc.OriginalFirstThunk, desc.FirstThunk, false)
		if err != nil {
			return nil, errors.WithMessagef(err, "imports of %s", name)
		}
		imports = append(imports, &Import{
			Offset:     rva,
			Name:       name,
			Functions:  functions,
			Descriptor: desc,
		})
	}
}

// ImpHash calculates the import hash.
func (f *File) ImpHash() (string, error) {
	imports, err := f.ReadImports()
	if err != nil {
		return "", err
	}
	if len(imports) == 0 {
		return "", errors.New("no imports found")
	}

	extensions := []string{"ocx", "sys", "dll"}
	var normalizedImports []string

	for _, imp := range imports {
		var libName string
		parts := strings.Split(imp.Name, ".")
		if len(parts) == 2 && stringInSlice(strings.ToLower(parts[1]), extensions) {
			libName = parts[0]
		} else {
			libName = imp.Name
		}

		libName = strings.ToLower(libName)

		for _, function := range imp.Functions {
			var funcName string
			if function.ByOrdinal {
				funcName = fmt.Sprintf("ord%d", function.Ordinal)
			} else {
				funcName = function.Name
			}

			if funcName == "" {
				continue
			}

			impStr := fmt.Sprintf("%s.%s", libName, strings.ToLower(funcName))
			normalizedImports = append(normalizedImports, impStr)
		}
	}
	h := md5.New()
	_, _ = io.WriteString(h, strings.Join(normalizedImports, ","))
	return hex.EncodeToString(h.Sum(nil)), nil
}
