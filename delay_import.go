package pe

import (
	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

type ImageDelayImportDirectory struct {
	Attributes                 uint32
	Name                       uint32
	ModuleHandleRVA            uint32
	ImportAddressTableRVA      uint32
	ImportNameTableRVA         uint32
	BoundImportAddressTableRVA uint32
	UnloadInformationTableRVA  uint32
	TimeDateStamp              uint32
}

const (
	DelayImportDescriptorSize = 32
	// delayImportRVABased marks descriptors whose pointers are RVAs rather
	// than virtual addresses.
	delayImportRVABased = 1
)

type DelayImport struct {
	Offset     uint32
	Name       string
	Functions  []*ImportFunction
	Descriptor ImageDelayImportDirectory
}

// IsRVABased reports whether the descriptor's pointers are RVAs.
func (d *ImageDelayImportDirectory) IsRVABased() bool {
	return d.Attributes&delayImportRVABased != 0
}

// toRVA converts a pointer field of a delay import descriptor to an RVA.
func (f *File) delayPointer(d *ImageDelayImportDirectory, v uint32) uint32 {
	if v == 0 || d.IsRVABased() {
		return v
	}
	return v - uint32(f.ImageBase())
}

// ReadDelayImports walks the delay load import directory.
func (f *File) ReadDelayImports() ([]*DelayImport, error) {
	dir := f.DataDirectory(ImageDirectoryEntryDelayImport)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}

	var imports []*DelayImport
	for i := uint32(0); ; i++ {
		rva := dir.VirtualAddress + i*DelayImportDescriptorSize
		var desc ImageDelayImportDirectory
		if err := f.readStruct(core.RelativeAddress(rva), &desc); err != nil {
			return nil, errors.Wrapf(ErrMissingSentinel, "delay import descriptor %d at 0x%X", i, rva)
		}
		if desc == (ImageDelayImportDirectory{}) {
			return imports, nil
		}
		if i >= maxAllowedEntries {
			return nil, errors.Wrapf(ErrMissingSentinel, "more than %d delay import descriptors", maxAllowedEntries)
		}

		name, err := f.CStringAt(core.RelativeAddress(f.delayPointer(&desc, desc.Name)), maxDllLength)
		if err != nil {
			return nil, errors.WithMessagef(err, "name of delay import descriptor %d", i)
		}
		functions, err := f.readImportFunctions(f.delayPointer(&desc, desc.ImportNameTableRVA),
			f.delayPointer(&desc, desc.ImportAddressTableRVA), !desc.IsRVABased())
		if err != nil {
			return nil, errors.WithMessagef(err, "delay imports of %s", name)
		}
		imports = append(imports, &DelayImport{
			Offset:     rva,
			Name:       name,
			Functions:  functions,
			Descriptor: desc,
		})
	}
}
