package pe

import (
	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

type ImageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// Offsets of the pointer fields of the export directory.
const (
	ExportDirectorySize         = 40
	exportDirectoryName         = 12
	exportDirectoryFunctions    = 28
	exportDirectoryNames        = 32
	exportDirectoryNameOrdinals = 36
)

// Export is one entry of the export address table.
type Export struct {
	Ordinal uint32
	// Name is empty for exports by ordinal only.
	Name    string
	NameRVA core.RelativeAddress
	RVA     core.RelativeAddress
	// Forwarder names the symbol of another DLL this export forwards to.
	Forwarder string
	// Slot is the location of the entry in the export address table and
	// NameSlot the location of its entry in the name table.
	Slot     core.RelativeAddress
	NameSlot core.RelativeAddress
}

// IsForwarded reports whether the export resolves in another DLL.
func (e *Export) IsForwarded() bool {
	return e.Forwarder != ""
}

type ExportDirectory struct {
	Struct  ImageExportDirectory
	RVA     core.RelativeAddress
	DLLName string
	Exports []*Export
}

// ReadExports walks the export directory. Unused slots of the export
// address table are skipped.
func (f *File) ReadExports() (*ExportDirectory, error) {
	dir := f.DataDirectory(ImageDirectoryEntryExport)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}

	ed := &ExportDirectory{RVA: core.RelativeAddress(dir.VirtualAddress)}
	if err := f.readStruct(ed.RVA, &ed.Struct); err != nil {
		return nil, errors.WithMessage(err, "export directory")
	}
	exp := &ed.Struct
	if exp.NumberOfFunctions > maxAllowedEntries || exp.NumberOfNames > exp.NumberOfFunctions {
		return nil, errors.Wrapf(ErrPointerOutOfImage, "export directory claims %d functions and %d names",
			exp.NumberOfFunctions, exp.NumberOfNames)
	}

	var err error
	if exp.Name != 0 {
		if ed.DLLName, err = f.CStringAt(core.RelativeAddress(exp.Name), maxDllLength); err != nil {
			return nil, errors.WithMessage(err, "export DLL name")
		}
	}

	eat, err := f.ImageData(core.RelativeAddress(exp.AddressOfFunctions), exp.NumberOfFunctions*4)
	if err != nil {
		return nil, errors.WithMessage(err, "export address table")
	}
	names, err := f.ImageData(core.RelativeAddress(exp.AddressOfNames), exp.NumberOfNames*4)
	if err != nil {
		return nil, errors.WithMessage(err, "export name table")
	}
	ordinals, err := f.ImageData(core.RelativeAddress(exp.AddressOfNameOrdinals), exp.NumberOfNames*2)
	if err != nil {
		return nil, errors.WithMessage(err, "export ordinal table")
	}

	nameOf := make(map[uint32]uint32, exp.NumberOfNames)
	for i := uint32(0); i < exp.NumberOfNames; i++ {
		idx := uint32(ordinals[2*i]) | uint32(ordinals[2*i+1])<<8
		if idx >= exp.NumberOfFunctions {
			return nil, errors.Wrapf(ErrPointerOutOfImage, "export name %d names function %d of %d",
				i, idx, exp.NumberOfFunctions)
		}
		nameOf[idx] = i
	}

	dirRange := core.NewAddressRange(ed.RVA, dir.Size)
	for i := uint32(0); i < exp.NumberOfFunctions; i++ {
		target := core.RelativeAddress(le32(eat[4*i:]))
		if target == 0 {
			continue
		}
		e := &Export{
			Ordinal: exp.Base + i,
			RVA:     target,
			Slot:    core.RelativeAddress(exp.AddressOfFunctions + 4*i),
		}
		if slot, ok := nameOf[i]; ok {
			e.NameRVA = core.RelativeAddress(le32(names[4*slot:]))
			e.NameSlot = core.RelativeAddress(exp.AddressOfNames + 4*slot)
			if e.Name, err = f.CStringAt(e.NameRVA, maxExportNameLength); err != nil {
				return nil, errors.WithMessagef(err, "name of export %d", e.Ordinal)
			}
		}
		if dirRange.Contains(target) {
			if e.Forwarder, err = f.CStringAt(target, maxExportNameLength); err != nil {
				return nil, errors.WithMessagef(err, "forwarder of export %d", e.Ordinal)
			}
		} else if !f.IsValidRange(target, 1) {
			return nil, errors.Wrapf(ErrPointerOutOfImage, "export %d at %s", e.Ordinal, target)
		}
		ed.Exports = append(ed.Exports, e)
	}
	return ed, nil
}
