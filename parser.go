package pe

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
)

// HeaderBlockName names the block holding the DOS and NT headers and the
// section table.
const HeaderBlockName = "Header"

// ParsedReference is a pointer found in a PE structure. Its target is an
// RVA that is only bound to a block once every block of the image exists.
type ParsedReference struct {
	Source *blockgraph.Block
	Offset int32
	Type   blockgraph.ReferenceType
	Size   uint8
	Target core.RelativeAddress
}

// ParsedImport describes the blocks created for one imported DLL.
type ParsedImport struct {
	Name      string
	NameBlock *blockgraph.Block
	IAT       *blockgraph.Block
	INT       *blockgraph.Block
	Functions []*ImportFunction
}

// ParsedImage is the result of parsing the PE structures of an image.
type ParsedImage struct {
	Header       *blockgraph.Block
	Directories  [ImageNumberOfDirectoryEntries]*blockgraph.Block
	Imports      []*ParsedImport
	DelayImports []*ParsedImport
	// Exports holds the targets of exports that resolve in this image.
	Exports    []core.RelativeAddress
	EntryPoint core.RelativeAddress
	// TLSCallbacks holds the RVAs of the TLS callbacks.
	TLSCallbacks []core.RelativeAddress
	References   []ParsedReference
}

// Parser turns the PE structures of a file into blocks of an image layout.
// The layout must already hold the sections of the file.
type Parser struct {
	file   *File
	layout *blockgraph.ImageLayout
	logger *log.Logger

	image *ParsedImage
}

// NewParser returns a parser adding blocks for file to layout. A nil logger
// discards messages below error level.
func NewParser(file *File, layout *blockgraph.ImageLayout, logger *log.Logger) *Parser {
	if logger == nil {
		cfg := log.DefaultConfig()
		cfg.Level = log.ErrorLevel
		logger = log.NewWithConfig(cfg)
	}
	return &Parser{file: file, layout: layout, logger: logger}
}

type directoryParser struct {
	index int
	parse func(p *Parser, dir *blockgraph.Block, entry DataDirectory) error
}

// directoryParsers lists the data directories turned into blocks. The IAT
// is parsed before the imports so import descriptors can point into it.
var directoryParsers = []directoryParser{
	{ImageDirectoryEntryIat, nil},
	{ImageDirectoryEntryExport, (*Parser).parseExports},
	{ImageDirectoryEntryImport, (*Parser).parseImports},
	{ImageDirectoryEntryResource, (*Parser).parseResources},
	{ImageDirectoryEntryBaseReLoc, nil},
	{ImageDirectoryEntryDebug, (*Parser).parseDebug},
	{ImageDirectoryEntryTls, (*Parser).parseTLS},
	{ImageDirectoryEntryLoadConfig, (*Parser).parseLoadConfig},
	{ImageDirectoryEntryBoundImport, nil},
	{ImageDirectoryEntryDelayImport, (*Parser).parseDelayImports},
}

// Parse creates the header block and one block per data directory, plus the
// blocks of the structures the directories point to.
func (p *Parser) Parse() (*ParsedImage, error) {
	if _, err := p.file.OptionalHeader32(); err != nil {
		return nil, err
	}
	p.image = &ParsedImage{EntryPoint: p.file.EntryPoint()}

	header, err := p.parseHeader()
	if err != nil {
		return nil, err
	}
	p.image.Header = header

	for _, dp := range directoryParsers {
		dir := p.file.DataDirectory(dp.index)
		if dir.VirtualAddress == 0 || dir.Size == 0 {
			continue
		}
		size := dir.Size
		if dp.index == ImageDirectoryEntryImport {
			// The descriptor array is sized by its terminator, not by the
			// directory entry.
			if size, err = p.importDescriptorArraySize(dir.VirtualAddress); err != nil {
				return nil, err
			}
		}
		block, _, err := p.findOrCreate(core.RelativeAddress(dir.VirtualAddress), size,
			DirectoryName(dp.index), blockgraph.ReadOnlyDataBlock)
		if err != nil {
			return nil, errors.WithMessage(err, DirectoryName(dp.index))
		}
		p.image.Directories[dp.index] = block
		p.logger.Debug("Parsed data directory",
			log.String("name", DirectoryName(dp.index)),
			log.Hex("rva", dir.VirtualAddress),
			log.Hex("size", size))

		if dp.parse != nil {
			if err := dp.parse(p, block, dir); err != nil {
				return nil, errors.WithMessage(err, DirectoryName(dp.index))
			}
		}
	}
	return p.image, nil
}

// parseHeader creates the header block at RVA 0 and records its pointers
// to the data directories and the entry point.
func (p *Parser) parseHeader() (*blockgraph.Block, error) {
	f := p.file
	size := f.SizeOfHeaders()
	header := p.layout.Graph.AddBlock(blockgraph.DataBlock, size, HeaderBlockName)
	header.SetData(f.Header)
	header.SetAttribute(blockgraph.PEParsed)
	header.SourceRanges().Push(0, size, core.NewAddressRange(core.RelativeAddress(0), size))
	if err := p.layout.InsertBlock(0, header); err != nil {
		return nil, err
	}

	if ep := f.EntryPoint(); ep != 0 {
		p.addReference(header, int32(f.OptionalHeaderOffset()+OptionalHeaderEntryPointOffset),
			blockgraph.RelativeRef, ep)
	}
	for i := 0; i < ImageNumberOfDirectoryEntries; i++ {
		dir := f.DataDirectory(i)
		// The certificate table is addressed by file offset and is not
		// mapped.
		if i == ImageDirectoryEntrySecurity || dir.VirtualAddress == 0 || dir.Size == 0 {
			continue
		}
		p.addReference(header, int32(f.DataDirectoryOffset(i)), blockgraph.RelativeRef,
			core.RelativeAddress(dir.VirtualAddress))
	}
	return header, nil
}

func (p *Parser) addReference(src *blockgraph.Block, offset int32, typ blockgraph.ReferenceType,
	target core.RelativeAddress) {
	p.image.References = append(p.image.References, ParsedReference{
		Source: src,
		Offset: offset,
		Type:   typ,
		Size:   4,
		Target: target,
	})
}

// addPointer records the reference stored in the 32-bit field at offset of
// block b, which lives at rva. Null pointers are skipped.
func (p *Parser) addPointer(b *blockgraph.Block, rva core.RelativeAddress, offset int32,
	typ blockgraph.ReferenceType) error {
	value, err := p.file.ReadUint32(rva + core.RelativeAddress(offset))
	if err != nil {
		return err
	}
	if value == 0 {
		return nil
	}
	target := core.RelativeAddress(value)
	switch typ {
	case blockgraph.AbsoluteRef:
		if target, err = p.file.toRVA(value); err != nil {
			return err
		}
	case blockgraph.FileOffsetRef:
		var ok bool
		if target, ok = p.file.OffsetToRVA(core.FileOffsetAddress(value)); !ok {
			return errors.Wrapf(ErrPointerOutOfImage, "file offset 0x%X", value)
		}
	}
	// Pointers one past the end of a structure are legal.
	if !p.file.IsValidRange(target, 1) && (target == 0 || !p.file.IsValidRange(target-1, 1)) {
		return errors.Wrapf(ErrPointerOutOfImage, "%s at %s+%d points to %s", typ, rva, offset, target)
	}
	p.addReference(b, int32(rva-p.blockAddress(b))+offset, typ, target)
	return nil
}

func (p *Parser) blockAddress(b *blockgraph.Block) core.RelativeAddress {
	addr, _ := p.layout.Address(b)
	return addr
}

// findOrCreate returns the block holding [rva, rva+size) and the offset of
// rva in it. A new read-only data block is created when no block intersects
// the range; a block partially covering it is an error.
func (p *Parser) findOrCreate(rva core.RelativeAddress, size uint32, name string,
	typ blockgraph.BlockType) (*blockgraph.Block, int32, error) {
	if !p.file.IsValidRange(rva, size) {
		return nil, 0, errors.Wrapf(ErrPointerOutOfImage, "%s at %s", name, core.NewAddressRange(rva, size))
	}
	r := core.NewAddressRange(rva, size)
	existing := p.layout.BlocksIntersecting(r)
	switch {
	case len(existing) == 1 && existing[0].Range.ContainsRange(r):
		return existing[0].Value, int32(rva - existing[0].Range.Start), nil
	case len(existing) > 0:
		return nil, 0, errors.Wrapf(ErrConflictingBlock, "%s at %s overlaps block %q at %s",
			name, r, existing[0].Value.Name(), existing[0].Range)
	}

	sid, ok := p.layout.SectionIndex(rva)
	if !ok {
		return nil, 0, errors.Wrapf(ErrPointerOutOfImage, "%s at %s is outside every section", name, r)
	}
	b := p.layout.Graph.AddBlock(typ, size, name)
	b.SetSection(sid)
	b.SetAttribute(blockgraph.PEParsed)
	b.SetData(p.file.RawData(rva, size))
	b.SourceRanges().Push(0, size, r)
	if err := p.layout.InsertBlock(rva, b); err != nil {
		return nil, 0, err
	}
	return b, 0, nil
}

func (p *Parser) importDescriptorArraySize(rva uint32) (uint32, error) {
	for i := uint32(0); i < maxAllowedEntries; i++ {
		var desc ImageImportDirectory
		if err := p.file.readStruct(core.RelativeAddress(rva+i*ImportDescriptorSize), &desc); err != nil {
			return 0, errors.Wrapf(ErrMissingSentinel, "import descriptor %d", i)
		}
		if desc == (ImageImportDirectory{}) {
			return (i + 1) * ImportDescriptorSize, nil
		}
	}
	return 0, errors.Wrap(ErrMissingSentinel, "import descriptors")
}

// thunkTableSize returns the size of a thunk table of n entries including
// its terminator.
func (p *Parser) thunkTableSize(n int) uint32 {
	return uint32(n+1) * p.file.thunkSize()
}

// hintNameBlock creates the block of one IMAGE_IMPORT_BY_NAME entry.
func (p *Parser) hintNameBlock(fn *ImportFunction, dll string) error {
	size := uint32(2 + len(fn.Name) + 1)
	if size%2 != 0 && p.file.IsValidRange(core.RelativeAddress(fn.HintNameRVA), size+1) {
		size++
	}
	_, _, err := p.findOrCreate(core.RelativeAddress(fn.HintNameRVA), size,
		fmt.Sprintf("Import Name Hint: %s!%s", dll, fn.Name), blockgraph.ReadOnlyDataBlock)
	return err
}

// parseThunkTables creates the IAT and INT blocks of one DLL and the
// references of their entries to the hint/name blocks. Bound IAT entries
// hold addresses in the imported DLL and get no reference.
func (p *Parser) parseThunkTables(imp *ParsedImport, intRVA, iatRVA uint32,
	typ blockgraph.ReferenceType) error {
	size := p.thunkTableSize(len(imp.Functions))
	var err error
	if iatRVA != 0 {
		if imp.IAT, _, err = p.findOrCreate(core.RelativeAddress(iatRVA), size,
			"IAT: "+imp.Name, blockgraph.ReadOnlyDataBlock); err != nil {
			return err
		}
	}
	if intRVA != 0 {
		if imp.INT, _, err = p.findOrCreate(core.RelativeAddress(intRVA), size,
			"INT: "+imp.Name, blockgraph.ReadOnlyDataBlock); err != nil {
			return err
		}
	}

	for _, fn := range imp.Functions {
		if fn.ByOrdinal {
			continue
		}
		if err := p.hintNameBlock(fn, imp.Name); err != nil {
			return err
		}
		target := core.RelativeAddress(fn.HintNameRVA)
		if imp.INT != nil {
			p.addThunkReference(imp.INT, fn.OriginalThunkRVA, typ, target)
		}
		if imp.IAT != nil && fn.ThunkValue == fn.OriginalThunkValue || imp.INT == nil {
			p.addThunkReference(imp.IAT, fn.ThunkRVA, typ, target)
		}
	}
	return nil
}

func (p *Parser) addThunkReference(table *blockgraph.Block, slot uint32, typ blockgraph.ReferenceType,
	target core.RelativeAddress) {
	if table == nil {
		return
	}
	p.addReference(table, int32(core.RelativeAddress(slot)-p.blockAddress(table)), typ, target)
}

func (p *Parser) dllNameBlock(rva uint32, name string) (*blockgraph.Block, error) {
	b, _, err := p.findOrCreate(core.RelativeAddress(rva), uint32(len(name)+1),
		"Import DLL Name: "+name, blockgraph.ReadOnlyDataBlock)
	return b, err
}

func (p *Parser) parseImports(dir *blockgraph.Block, entry DataDirectory) error {
	imports, err := p.file.ReadImports()
	if err != nil {
		return err
	}
	for _, imp := range imports {
		parsed := &ParsedImport{Name: imp.Name, Functions: imp.Functions}
		desc := core.RelativeAddress(imp.Offset)
		if parsed.NameBlock, err = p.dllNameBlock(imp.Descriptor.Name, imp.Name); err != nil {
			return err
		}
		if err := p.parseThunkTables(parsed, imp.Descriptor.OriginalFirstThunk, imp.Descriptor.FirstThunk,
			blockgraph.RelativeRef); err != nil {
			return errors.WithMessagef(err, "imports of %s", imp.Name)
		}
		for _, field := range []int32{importDescriptorOriginalFirstThunk, importDescriptorName,
			importDescriptorFirstThunk} {
			if err := p.addPointer(dir, desc, field, blockgraph.RelativeRef); err != nil {
				return err
			}
		}
		p.image.Imports = append(p.image.Imports, parsed)
	}
	return nil
}

func (p *Parser) parseDelayImports(dir *blockgraph.Block, entry DataDirectory) error {
	imports, err := p.file.ReadDelayImports()
	if err != nil {
		return err
	}
	if size := uint32(len(imports)+1) * DelayImportDescriptorSize; size > entry.Size {
		return errors.Wrapf(ErrMissingSentinel, "%d delay import descriptors in 0x%X bytes", len(imports), entry.Size)
	}
	for _, imp := range imports {
		d := &imp.Descriptor
		typ := blockgraph.AbsoluteRef
		if d.IsRVABased() {
			typ = blockgraph.RelativeRef
		}
		parsed := &ParsedImport{Name: imp.Name, Functions: imp.Functions}
		if parsed.NameBlock, err = p.dllNameBlock(p.file.delayPointer(d, d.Name), imp.Name); err != nil {
			return err
		}
		if err := p.parseThunkTables(parsed, p.file.delayPointer(d, d.ImportNameTableRVA),
			p.file.delayPointer(d, d.ImportAddressTableRVA), typ); err != nil {
			return errors.WithMessagef(err, "delay imports of %s", imp.Name)
		}
		// The delay IAT initially points at the load thunks in code.
		if parsed.IAT != nil {
			size := p.file.thunkSize()
			for i, fn := range imp.Functions {
				if fn.ThunkValue == 0 {
					continue
				}
				slot := p.file.delayPointer(d, d.ImportAddressTableRVA) + uint32(i)*size
				if err := p.addPointer(parsed.IAT, core.RelativeAddress(slot), 0, blockgraph.AbsoluteRef); err != nil {
					return err
				}
			}
		}

		desc := core.RelativeAddress(imp.Offset)
		for field := int32(4); field < 28; field += 4 {
			if err := p.addPointer(dir, desc, field, typ); err != nil {
				return err
			}
		}
		p.image.DelayImports = append(p.image.DelayImports, parsed)
	}
	return nil
}

func (p *Parser) parseExports(dir *blockgraph.Block, entry DataDirectory) error {
	ed, err := p.file.ReadExports()
	if err != nil {
		return err
	}
	base := ed.RVA
	for _, field := range []int32{exportDirectoryName, exportDirectoryFunctions, exportDirectoryNames,
		exportDirectoryNameOrdinals} {
		if err := p.addPointer(dir, base, field, blockgraph.RelativeRef); err != nil {
			return err
		}
	}

	tables := []struct {
		rva  uint32
		size uint32
		name string
	}{
		{ed.Struct.AddressOfFunctions, ed.Struct.NumberOfFunctions * 4, "Export Address Table"},
		{ed.Struct.AddressOfNames, ed.Struct.NumberOfNames * 4, "Export Name Table"},
		{ed.Struct.AddressOfNameOrdinals, ed.Struct.NumberOfNames * 2, "Export Ordinal Table"},
	}
	for _, t := range tables {
		if t.size == 0 {
			continue
		}
		if _, _, err := p.findOrCreate(core.RelativeAddress(t.rva), t.size, t.name,
			blockgraph.ReadOnlyDataBlock); err != nil {
			return err
		}
	}

	for _, e := range ed.Exports {
		if err := p.addTableReference(e.Slot, e.RVA); err != nil {
			return err
		}
		if e.Name != "" {
			if err := p.addTableReference(e.NameSlot, e.NameRVA); err != nil {
				return err
			}
		}
		if !e.IsForwarded() {
			p.image.Exports = append(p.image.Exports, e.RVA)
		}
	}
	return nil
}

// addTableReference records the RVA stored in a table slot.
func (p *Parser) addTableReference(slot, target core.RelativeAddress) error {
	tbl, off, ok := p.layout.BlockAt(slot)
	if !ok {
		return errors.Wrapf(ErrPointerOutOfImage, "table slot %s", slot)
	}
	p.addReference(tbl, off, blockgraph.RelativeRef, target)
	return nil
}

func (p *Parser) parseResources(dir *blockgraph.Block, entry DataDirectory) error {
	tree, err := p.file.ReadResources()
	if err != nil {
		return err
	}
	for _, leaf := range tree.DataEntries() {
		if leaf.Struct.OffsetToData == 0 {
			continue
		}
		if err := p.addPointer(p.blockAt(leaf.RVA, dir), leaf.RVA, 0, blockgraph.RelativeRef); err != nil {
			return errors.WithMessage(err, "resource data entry")
		}
	}
	return nil
}

// blockAt returns the block containing rva, or fallback.
func (p *Parser) blockAt(rva core.RelativeAddress, fallback *blockgraph.Block) *blockgraph.Block {
	if b, _, ok := p.layout.BlockAt(rva); ok {
		return b
	}
	return fallback
}

func (p *Parser) parseDebug(dir *blockgraph.Block, entry DataDirectory) error {
	entries, err := p.file.ReadDebugDirectories()
	if err != nil {
		return err
	}
	base := core.RelativeAddress(entry.VirtualAddress)
	for i, e := range entries {
		if e.SizeOfData == 0 {
			continue
		}
		rva := base + core.RelativeAddress(i*DebugDirectorySize)
		if e.AddressOfRawData != 0 {
			if _, _, err := p.findOrCreate(core.RelativeAddress(e.AddressOfRawData), e.SizeOfData,
				fmt.Sprintf("Debug Data %d", i), blockgraph.ReadOnlyDataBlock); err != nil {
				return err
			}
			if err := p.addPointer(dir, rva, debugAddressOfRaw, blockgraph.RelativeRef); err != nil {
				return err
			}
		}
		if e.PointerToRawData != 0 && e.AddressOfRawData != 0 {
			if err := p.addPointer(dir, rva, debugPointerToRaw, blockgraph.FileOffsetRef); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Parser) parseTLS(dir *blockgraph.Block, entry DataDirectory) error {
	tls, err := p.file.ReadTLS()
	if err != nil {
		return err
	}
	for _, field := range []int32{tlsStartAddress, tlsEndAddress, tlsAddressOfIndex, tlsAddressOfCallBack} {
		if err := p.addPointer(dir, tls.RVA, field, blockgraph.AbsoluteRef); err != nil {
			return errors.WithMessage(err, "TLS directory")
		}
	}
	if len(tls.Callbacks) == 0 {
		return nil
	}

	rva, _ := p.file.toRVA(tls.Struct.AddressOfCallBacks)
	callbacks, off, err := p.findOrCreate(rva, uint32(len(tls.Callbacks)+1)*4, "TLS Callbacks",
		blockgraph.ReadOnlyDataBlock)
	if err != nil {
		return err
	}
	for i, cb := range tls.Callbacks {
		target, err := p.file.toRVA(cb)
		if err != nil {
			return errors.WithMessage(err, "TLS callback")
		}
		p.addReference(callbacks, off+int32(4*i), blockgraph.AbsoluteRef, target)
		p.image.TLSCallbacks = append(p.image.TLSCallbacks, target)
	}
	return nil
}

func (p *Parser) parseLoadConfig(dir *blockgraph.Block, entry DataDirectory) error {
	lc, err := p.file.ReadLoadConfig()
	if err != nil {
		return err
	}
	base := core.RelativeAddress(entry.VirtualAddress)
	for _, field := range []int32{loadConfigLockPrefix, loadConfigEditList, loadConfigCookie, loadConfigSEHTable} {
		if uint32(field)+4 > entry.Size {
			break
		}
		if err := p.addPointer(dir, base, field, blockgraph.AbsoluteRef); err != nil {
			return errors.WithMessage(err, "load configuration")
		}
	}
	if lc.SEHandlerTable == 0 || lc.SEHandlerCount == 0 || entry.Size < LoadConfigDirectorySize {
		return nil
	}
	if lc.SEHandlerCount > maxAllowedEntries {
		return errors.Wrapf(ErrPointerOutOfImage, "%d safe exception handlers", lc.SEHandlerCount)
	}

	rva, err := p.file.toRVA(lc.SEHandlerTable)
	if err != nil {
		return err
	}
	table, off, err := p.findOrCreate(rva, lc.SEHandlerCount*4, "Safe SEH Table", blockgraph.ReadOnlyDataBlock)
	if err != nil {
		return err
	}
	tableRVA := rva - core.RelativeAddress(off)
	for i := uint32(0); i < lc.SEHandlerCount; i++ {
		if err := p.addPointer(table, tableRVA, off+int32(4*i), blockgraph.RelativeRef); err != nil {
			return errors.WithMessage(err, "safe exception handler")
		}
	}
	return nil
}

// ResolveReferences binds every parsed reference to the block holding its
// target in layout. A target one past the end of a block is expressed as a
// reference to the last byte of that block with an offset equal to its size.
func (img *ParsedImage) ResolveReferences(layout *blockgraph.ImageLayout) error {
	for _, r := range img.References {
		target, base, ok := layout.BlockAt(r.Target)
		offset := base
		if !ok && r.Target > 0 {
			if target, base, ok = layout.BlockAt(r.Target - 1); ok {
				offset = base + 1
			}
		}
		if !ok {
			return errors.Wrapf(ErrPointerOutOfImage, "%s from block %q+%d to %s",
				r.Type, r.Source.Name(), r.Offset, r.Target)
		}
		if _, _, err := r.Source.SetReferenceTo(r.Offset, r.Type, r.Size, target, offset, base); err != nil {
			return errors.WithMessagef(err, "binding reference from block %q+%d", r.Source.Name(), r.Offset)
		}
	}
	return nil
}
