package pe

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
)

// Writer renders an image layout back into a PE file.
type Writer struct {
	layout *blockgraph.ImageLayout
	logger *log.Logger

	// Overlay is appended after the last section.
	Overlay []byte

	header   *blockgraph.Block
	hdr      *File
	sections []writtenSection
}

type writtenSection struct {
	info   blockgraph.SectionInfo
	offset uint32
	raw    uint32
}

// NewWriter returns a writer for layout. A nil logger discards messages
// below error level.
func NewWriter(layout *blockgraph.ImageLayout, logger *log.Logger) *Writer {
	if logger == nil {
		cfg := log.DefaultConfig()
		cfg.Level = log.ErrorLevel
		logger = log.NewWithConfig(cfg)
	}
	return &Writer{layout: layout, logger: logger}
}

// WriteFile writes the image to path.
func (w *Writer) WriteFile(path string) error {
	data, err := w.Write()
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "writing image")
}

// Write renders the image. The base relocation directory is regenerated
// from the absolute references of the graph and the checksum recomputed.
func (w *Writer) Write() ([]byte, error) {
	var err error
	if w.header, err = FindHeaderBlock(w.layout); err != nil {
		return nil, err
	}
	if w.hdr, err = decodeHeader(w.header); err != nil {
		return nil, err
	}
	if err := w.checkPlacement(); err != nil {
		return nil, err
	}
	if err := UpdateRelocations(w.layout); err != nil {
		return nil, err
	}
	if err := w.layoutSections(); err != nil {
		return nil, err
	}

	size := uint32(len(w.header.Data()))
	if n := len(w.sections); n > 0 {
		last := w.sections[n-1]
		size = last.offset + last.raw
	}
	if fileSize := core.AlignUp(w.header.Size(), w.fileAlignment()); size < fileSize {
		size = fileSize
	}
	buf := make([]byte, size)

	if err := w.writeBlocks(buf); err != nil {
		return nil, err
	}
	if err := w.writeReferences(buf); err != nil {
		return nil, err
	}
	w.writeHeaders(buf)
	buf = append(buf, w.Overlay...)

	checksumAt := w.hdr.OptionalHeaderOffset() + OptionalHeaderCheckSumOffset
	putLE32(buf[checksumAt:], Checksum(buf, checksumAt))

	if _, err := NewBytes(buf); err != nil {
		return nil, errors.Wrap(ErrPEConsistency, err.Error())
	}
	w.logger.Debug("Wrote image",
		log.Int("sections", len(w.sections)),
		log.Hex("size", uint32(len(buf))))
	return buf, nil
}

func (w *Writer) fileAlignment() uint32 {
	_, fa := w.hdr.alignments()
	return fa
}

// checkPlacement requires every block of the graph to be placed, and every
// block but the header to lie in a section.
func (w *Writer) checkPlacement() error {
	for _, b := range w.layout.Graph.Blocks() {
		if _, ok := w.layout.Address(b); !ok {
			return errors.Wrapf(ErrUnplaceableBlock, "block %d %q has no address", b.ID(), b.Name())
		}
		if b != w.header && b.Section() == blockgraph.InvalidSectionID {
			return errors.Wrapf(ErrUnplaceableBlock, "block %d %q belongs to no section", b.ID(), b.Name())
		}
	}
	return errors.WithMessage(w.layout.Validate(), "image layout")
}

// layoutSections assigns file offsets to the sections. Each section stores
// its initialized bytes rounded up to the file alignment.
func (w *Writer) layoutSections() error {
	fa := w.fileAlignment()
	tableEnd := w.hdr.SectionTableOffset() + uint32(len(w.layout.Sections))*SectionHeaderSize
	if tableEnd > w.header.Size() {
		return errors.Wrapf(ErrImageExceedsFileAlignment, "section table of %d entries ends at 0x%X past headers of 0x%X",
			len(w.layout.Sections), tableEnd, w.header.Size())
	}
	headerEnd := core.RelativeAddress(w.header.Size())

	offset := core.AlignUp(w.header.Size(), fa)
	w.sections = w.sections[:0]
	prevEnd := headerEnd
	for i, info := range w.layout.Sections {
		if info.Addr < prevEnd {
			return errors.Wrapf(ErrUnplaceableBlock, "section %q at %s overlaps the previous section",
				info.Name, info.Addr)
		}
		prevEnd = info.Range().End()

		ws := writtenSection{info: info}
		extent := initializedSize(w.layout, sectionBlocks(w.layout, blockgraph.SectionID(i)), info.Addr)
		ws.raw = core.AlignUp(extent, fa)
		if ws.raw > 0 {
			ws.offset = offset
			offset += ws.raw
		}
		w.sections = append(w.sections, ws)
	}
	return nil
}

func sectionBlocks(layout *blockgraph.ImageLayout, sid blockgraph.SectionID) []*blockgraph.Block {
	entries := layout.SectionBlocks(sid)
	blocks := make([]*blockgraph.Block, len(entries))
	for i, e := range entries {
		blocks[i] = e.Value
	}
	return blocks
}

// fileOffset translates an RVA of the new image to its file offset.
func (w *Writer) fileOffset(rva core.RelativeAddress) (uint32, bool) {
	if uint32(rva) < w.header.Size() {
		return uint32(rva), true
	}
	for _, s := range w.sections {
		if s.info.Range().Contains(rva) {
			delta := uint32(rva - s.info.Addr)
			if delta >= s.raw {
				return 0, false
			}
			return s.offset + delta, true
		}
	}
	return 0, false
}

// writeBlocks copies the data of every block into buf. Code sections are
// first filled with int3 so alignment gaps never decode as code.
func (w *Writer) writeBlocks(buf []byte) error {
	for _, s := range w.sections {
		if s.info.Characteristics&(ImageScnCntCode|ImageScnMemExecute) == 0 || s.raw == 0 {
			continue
		}
		fill := s.info.Size
		if fill > s.raw {
			fill = s.raw
		}
		for i := uint32(0); i < fill; i++ {
			buf[s.offset+i] = 0xCC
		}
	}

	for _, e := range w.layout.Entries() {
		data := e.Value.Data()
		if len(data) == 0 {
			continue
		}
		off, ok := w.fileOffset(e.Range.Start)
		if !ok {
			return errors.Wrapf(ErrUnplaceableBlock, "block %d %q at %s has data but no file bytes",
				e.Value.ID(), e.Value.Name(), e.Range.Start)
		}
		end, ok := w.fileOffset(e.Range.Start + core.RelativeAddress(len(data)-1))
		if !ok || end+1-off != uint32(len(data)) {
			return errors.Wrapf(ErrUnplaceableBlock, "data of block %d %q runs past its section's file bytes",
				e.Value.ID(), e.Value.Name())
		}
		copy(buf[off:], data)
	}
	return nil
}

// ReferenceValue returns the value a reference encodes when its host block
// is at src in layout.
func ReferenceValue(layout *blockgraph.ImageLayout, imageBase uint32, src core.RelativeAddress,
	ref blockgraph.Reference, fileOffset func(core.RelativeAddress) (uint32, bool)) (uint32, error) {
	base, ok := layout.AddressOf(ref.Referenced)
	if !ok {
		return 0, errors.Wrapf(ErrUnplaceableBlock, "reference target %d has no address", ref.Referenced)
	}
	target := core.RelativeAddress(int64(base) + int64(ref.Offset))
	switch ref.Type {
	case blockgraph.AbsoluteRef:
		return imageBase + uint32(target), nil
	case blockgraph.RelativeRef:
		return uint32(target), nil
	case blockgraph.PCRelativeRef:
		return uint32(int64(target) - int64(src) - int64(ref.Size)), nil
	case blockgraph.FileOffsetRef:
		off, ok := fileOffset(core.RelativeAddress(int64(base) + int64(ref.Base)))
		if !ok {
			return 0, errors.Wrapf(ErrUnplaceableBlock, "file offset reference to %s", target)
		}
		return uint32(int64(off) + int64(ref.Offset) - int64(ref.Base)), nil
	case blockgraph.SectionOffsetRef:
		sid, ok := layout.SectionIndex(base)
		if !ok {
			return 0, errors.Wrapf(ErrUnplaceableBlock, "section offset reference to %s", target)
		}
		return uint32(target - layout.Sections[sid].Addr), nil
	}
	return 0, errors.Wrapf(blockgraph.ErrInconsistentGraph, "reference type %s", ref.Type)
}

// writeReferences encodes every reference at its location in buf.
func (w *Writer) writeReferences(buf []byte) error {
	oh, _ := w.hdr.OptionalHeader32()
	for _, e := range w.layout.Entries() {
		for _, re := range e.Value.References() {
			src := e.Range.Start + core.RelativeAddress(re.Offset)
			value, err := ReferenceValue(w.layout, oh.ImageBase, src, re.Reference, w.fileOffset)
			if err != nil {
				return errors.WithMessagef(err, "block %d %q+%d", e.Value.ID(), e.Value.Name(), re.Offset)
			}
			off, ok := w.fileOffset(src)
			if !ok {
				return errors.Wrapf(ErrUnplaceableBlock, "reference at %s lies in uninitialized data", src)
			}
			if err := encodeReference(buf[off:], re.Reference, value); err != nil {
				return errors.WithMessagef(err, "block %d %q+%d", e.Value.ID(), e.Value.Name(), re.Offset)
			}
		}
	}
	return nil
}

func encodeReference(dst []byte, ref blockgraph.Reference, value uint32) error {
	signed := ref.Type == blockgraph.PCRelativeRef
	switch ref.Size {
	case 1:
		if signed && (int32(value) < -128 || int32(value) > 127) || !signed && value > 0xFF {
			return errors.Wrapf(ErrReferenceOutOfRange, "value 0x%X in 1 byte", value)
		}
		dst[0] = byte(value)
	case 2:
		if signed && (int32(value) < -32768 || int32(value) > 32767) || !signed && value > 0xFFFF {
			return errors.Wrapf(ErrReferenceOutOfRange, "value 0x%X in 2 bytes", value)
		}
		binary.LittleEndian.PutUint16(dst, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(dst, value)
	default:
		return errors.Wrapf(blockgraph.ErrInvalidRefSize, "size %d", ref.Size)
	}
	return nil
}

// writeHeaders rewrites the section table and the size fields of the
// optional header.
func (w *Writer) writeHeaders(buf []byte) {
	e := w.hdr.DOSHeader.AddressOfNewEXEHeader
	binary.LittleEndian.PutUint16(buf[e+4+2:], uint16(len(w.sections)))

	sectionAlignment, fa := w.hdr.alignments()
	var sizeOfImage, sizeOfCode, sizeOfData, sizeOfBSS uint32
	sizeOfImage = core.AlignUp(w.header.Size(), sectionAlignment)

	table := w.hdr.SectionTableOffset()
	oldTableEnd := table + uint32(w.hdr.FileHeader.NumberOfSections)*SectionHeaderSize
	for i := table; i < oldTableEnd && i < uint32(len(buf)); i++ {
		buf[i] = 0
	}
	for i, s := range w.sections {
		sh := SectionHeader32{
			VirtualSize:      s.info.Size,
			VirtualAddress:   uint32(s.info.Addr),
			SizeOfRawData:    s.raw,
			PointerToRawData: s.offset,
			Characteristics:  s.info.Characteristics,
		}
		sh.SetName(s.info.Name)
		copy(buf[table+uint32(i)*SectionHeaderSize:], packLE(&sh))

		if end := core.AlignUp(uint32(s.info.Range().End()), sectionAlignment); end > sizeOfImage {
			sizeOfImage = end
		}
		switch {
		case s.info.Characteristics&ImageScnCntCode != 0:
			sizeOfCode += s.raw
		case s.info.Characteristics&ImageScnCntInitializedData != 0:
			sizeOfData += s.raw
		case s.info.Characteristics&ImageScnCntUninitializedData != 0:
			sizeOfBSS += core.AlignUp(s.info.Size, fa)
		}
	}

	oh := w.hdr.OptionalHeaderOffset()
	putLE32(buf[oh+optionalHeaderSizeOfCodeOffset:], sizeOfCode)
	putLE32(buf[oh+optionalHeaderSizeOfInitializedDataOffset:], sizeOfData)
	putLE32(buf[oh+optionalHeaderSizeOfUninitializedDataOffset:], sizeOfBSS)
	putLE32(buf[oh+OptionalHeaderSizeOfImageOffset:], sizeOfImage)

	if reloc := relocationBlock(w.header); reloc != nil {
		putLE32(buf[w.hdr.DataDirectoryOffset(ImageDirectoryEntryBaseReLoc)+4:], reloc.Size())
	}
}

// relocationBlock returns the block the header names as base relocation
// directory.
func relocationBlock(header *blockgraph.Block) *blockgraph.Block {
	hdr, err := decodeHeader(header)
	if err != nil {
		return nil
	}
	ref, ok := header.Reference(int32(hdr.DataDirectoryOffset(ImageDirectoryEntryBaseReLoc)))
	if !ok {
		return nil
	}
	return header.Graph().Block(ref.Referenced)
}

// UpdateRelocations regenerates the base relocation block of layout from
// the absolute references of its blocks. The relocation block must be the
// last non-padding block of its section; trailing padding is dropped when
// the directory grows.
func UpdateRelocations(layout *blockgraph.ImageLayout) error {
	header, err := FindHeaderBlock(layout)
	if err != nil {
		return err
	}
	reloc := relocationBlock(header)
	if reloc == nil {
		return nil
	}
	addr, ok := layout.Address(reloc)
	if !ok {
		return errors.Wrap(ErrUnplaceableBlock, "base relocation directory has no address")
	}

	var rvas []core.RelativeAddress
	for _, e := range layout.Entries() {
		if e.Value == reloc {
			continue
		}
		for _, re := range e.Value.References() {
			if re.Reference.Type == blockgraph.AbsoluteRef {
				rvas = append(rvas, e.Range.Start+core.RelativeAddress(re.Offset))
			}
		}
	}
	data := BuildRelocations(rvas)
	size := uint32(len(data))
	if size == reloc.Size() {
		reloc.CopyData(data)
		return nil
	}

	sid := reloc.Section()
	end := addr + core.RelativeAddress(size)
	for _, e := range layout.SectionBlocks(sid) {
		if e.Range.Start <= addr || e.Value == reloc {
			continue
		}
		if !e.Value.HasAttribute(blockgraph.PaddingBlock) || e.Value.NumReferrers() > 0 {
			return errors.Wrapf(ErrUnplaceableBlock, "block %q follows the base relocation directory", e.Value.Name())
		}
		if e.Range.Start < end || size < reloc.Size() {
			layout.RemoveBlock(e.Value)
			if err := layout.Graph.ForceRemoveBlock(e.Value); err != nil {
				return err
			}
		}
	}

	layout.RemoveBlock(reloc)
	if err := reloc.SetSize(size); err != nil {
		return err
	}
	reloc.CopyData(data)
	if err := layout.InsertBlock(addr, reloc); err != nil {
		return err
	}
	if sid != blockgraph.InvalidSectionID && int(sid) < len(layout.Sections) {
		s := &layout.Sections[sid]
		var last core.RelativeAddress
		for _, e := range layout.SectionBlocks(sid) {
			if e.Range.End() > last {
				last = e.Range.End()
			}
		}
		if end > last {
			last = end
		}
		s.Size = uint32(last - s.Addr)
	}
	return nil
}
