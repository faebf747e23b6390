package blockgraph

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

// Magic identifies a serialized block graph stream.
const Magic = "BGRA"

// SerializationVersion is the stream version written by Serialize.
const SerializationVersion = 1

// DataMode selects which block bytes are written to the stream.
type DataMode uint8

const (
	// OmitAllData writes no bytes for blocks that map one to one onto the
	// input image; they are read back from the image on load.
	OmitAllData DataMode = iota
	// EmitOwnedData writes the bytes of blocks that own a private copy.
	EmitOwnedData
	// EmitAllData writes every block's bytes.
	EmitAllData
)

func (m DataMode) String() string {
	switch m {
	case OmitAllData:
		return "omit-all"
	case EmitOwnedData:
		return "emit-owned"
	case EmitAllData:
		return "emit-all"
	default:
		return "unknown"
	}
}

// ParseDataMode parses the String form of a DataMode.
func ParseDataMode(s string) (DataMode, error) {
	switch strings.ToLower(s) {
	case "omit-all", "omit":
		return OmitAllData, nil
	case "emit-owned", "owned":
		return EmitOwnedData, nil
	case "emit-all", "all", "":
		return EmitAllData, nil
	}
	return 0, errors.Errorf("unknown data mode %q", s)
}

// ImageDataSource provides the bytes of the original image so that omitted
// block data can be restored.
type ImageDataSource interface {
	ImageData(addr core.RelativeAddress, size uint32) ([]byte, error)
}

const (
	dataAbsent uint8 = iota
	dataInline
	dataFromImage
)

type streamHeader struct {
	Magic      [4]byte
	Version    uint32
	Attributes uint32
}

type sectionRecord struct {
	ID              uint32
	Characteristics uint32
	NameLen         uint32 `struc:"sizeof=Name"`
	Name            string
}

type blockRecord struct {
	ID              uint32
	Type            uint8
	Size            uint32
	Attributes      uint32
	Alignment       uint32
	AlignmentOffset int32
	Section         uint32
	NameLen         uint32 `struc:"sizeof=Name"`
	Name            string
	CompilandLen    uint32 `struc:"sizeof=Compiland"`
	Compiland       string
	DataPresence    uint8
	DataSize        uint32
}

type labelRecord struct {
	Offset     int32
	Attributes uint32
	NameLen    uint32 `struc:"sizeof=Name"`
	Name       string
}

type referenceRecord struct {
	SrcOffset int32
	Type      uint8
	Size      uint8
	Target    uint32
	Base      int32
	Offset    int32
}

type sourceRangeRecord struct {
	Offset      int32
	Size        uint32
	SourceStart uint32
	SourceSize  uint32
}

type layoutSectionRecord struct {
	Addr            uint32
	Size            uint32
	DataSize        uint32
	Characteristics uint32
	NameLen         uint32 `struc:"sizeof=Name"`
	Name            string
}

type placementRecord struct {
	Block uint32
	Addr  uint32
}

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) pack(v interface{}) {
	if e.err != nil {
		return
	}
	e.err = struc.PackWithOrder(e.w, v, binary.LittleEndian)
}

func (e *encoder) count(n int) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, uint32(n))
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

// Serialize writes g, and layout when not nil, to w.
func Serialize(w io.Writer, g *BlockGraph, layout *ImageLayout, mode DataMode) error {
	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}

	hdr := streamHeader{Version: SerializationVersion, Attributes: uint32(g.attributes)}
	copy(hdr.Magic[:], Magic)
	e.pack(&hdr)

	e.count(len(g.sections))
	for _, s := range g.sections {
		e.pack(&sectionRecord{ID: uint32(s.ID), Characteristics: s.Characteristics, Name: s.Name})
	}

	blocks := g.Blocks()
	e.count(len(blocks))
	for _, b := range blocks {
		writeBlock(e, b, mode)
	}

	if layout == nil {
		e.count(0)
		e.count(0)
	} else {
		e.count(len(layout.Sections))
		for _, s := range layout.Sections {
			e.pack(&layoutSectionRecord{Addr: uint32(s.Addr), Size: s.Size, DataSize: s.DataSize,
				Characteristics: s.Characteristics, Name: s.Name})
		}
		placed := make([]placementRecord, 0, len(layout.addrs))
		for _, b := range blocks {
			if addr, ok := layout.addrs[b.id]; ok {
				placed = append(placed, placementRecord{Block: uint32(b.id), Addr: uint32(addr)})
			}
		}
		e.count(len(placed))
		for i := range placed {
			e.pack(&placed[i])
		}
	}

	if e.err != nil {
		return errors.Wrap(e.err, "writing block graph")
	}
	return errors.Wrap(bw.Flush(), "flushing block graph")
}

func dataPresence(b *Block, mode DataMode) uint8 {
	if len(b.data) == 0 {
		return dataAbsent
	}
	restorable := b.sourceRanges.IsSimple(b.size)
	switch mode {
	case OmitAllData:
		if restorable {
			return dataFromImage
		}
	case EmitOwnedData:
		if restorable && !b.ownsData {
			return dataFromImage
		}
	}
	return dataInline
}

func writeBlock(e *encoder, b *Block, mode DataMode) {
	presence := dataPresence(b, mode)
	e.pack(&blockRecord{
		ID:              uint32(b.id),
		Type:            uint8(b.typ),
		Size:            b.size,
		Attributes:      uint32(b.attributes),
		Alignment:       b.alignment,
		AlignmentOffset: b.alignmentOffset,
		Section:         uint32(b.section),
		Name:            b.name,
		Compiland:       b.compilandName,
		DataPresence:    presence,
		DataSize:        uint32(len(b.data)),
	})
	if presence == dataInline {
		e.bytes(b.data)
	}

	labels := b.Labels()
	e.count(len(labels))
	for _, l := range labels {
		e.pack(&labelRecord{Offset: l.Offset, Attributes: uint32(l.Label.Attributes), Name: l.Label.Name})
	}

	refs := b.References()
	e.count(len(refs))
	for _, r := range refs {
		e.pack(&referenceRecord{
			SrcOffset: r.Offset,
			Type:      uint8(r.Reference.Type),
			Size:      r.Reference.Size,
			Target:    uint32(r.Reference.Referenced),
			Base:      r.Reference.Base,
			Offset:    r.Reference.Offset,
		})
	}

	ranges := b.sourceRanges.Ranges()
	e.count(len(ranges))
	for _, sr := range ranges {
		e.pack(&sourceRangeRecord{Offset: sr.Offset, Size: sr.Size,
			SourceStart: uint32(sr.Source.Start), SourceSize: sr.Source.Size})
	}
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) unpack(v interface{}) bool {
	if d.err != nil {
		return false
	}
	if err := struc.UnpackWithOrder(d.r, v, binary.LittleEndian); err != nil {
		d.err = truncated(err)
		return false
	}
	return true
}

func (d *decoder) count() int {
	if d.err != nil {
		return 0
	}
	var n uint32
	if err := binary.Read(d.r, binary.LittleEndian, &n); err != nil {
		d.err = truncated(err)
		return 0
	}
	return int(n)
}

func (d *decoder) bytes(n uint32) []byte {
	if d.err != nil {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = truncated(err)
		return nil
	}
	return buf
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Wrap(ErrSerializationTruncated, err.Error())
	}
	return err
}

type pendingRef struct {
	src *Block
	rec referenceRecord
}

// Deserialize reads a stream written by Serialize. Block ids are preserved.
// source is required when the stream omits block data and may be nil
// otherwise. The returned layout is nil when the stream carries none.
func Deserialize(r io.Reader, source ImageDataSource) (*BlockGraph, *ImageLayout, error) {
	d := &decoder{r: bufio.NewReader(r)}

	var hdr streamHeader
	if !d.unpack(&hdr) {
		return nil, nil, errors.WithMessage(d.err, "reading header")
	}
	if string(hdr.Magic[:]) != Magic {
		return nil, nil, errors.Wrapf(ErrSerializationMagic, "got %q", hdr.Magic[:])
	}
	if hdr.Version != SerializationVersion {
		return nil, nil, errors.Wrapf(ErrSerializationVersion, "got %d, want %d", hdr.Version, SerializationVersion)
	}

	g := New()
	g.attributes = GraphAttributes(hdr.Attributes)

	for i, n := 0, d.count(); i < n; i++ {
		var rec sectionRecord
		if !d.unpack(&rec) {
			break
		}
		if rec.ID != uint32(len(g.sections)) {
			return nil, nil, errors.Wrapf(ErrSerializationData, "section id %d out of order", rec.ID)
		}
		g.AddSection(rec.Name, rec.Characteristics)
	}

	var refs []pendingRef
	for i, n := 0, d.count(); i < n && d.err == nil; i++ {
		b, blockRefs, err := readBlock(d, g, source)
		if err != nil {
			return nil, nil, err
		}
		refs = append(refs, blockRefs...)
		if b.id >= g.nextBlockID {
			g.nextBlockID = b.id + 1
		}
	}
	if d.err != nil {
		return nil, nil, errors.WithMessage(d.err, "reading blocks")
	}

	for _, p := range refs {
		ref := Reference{
			Type:       ReferenceType(p.rec.Type),
			Size:       p.rec.Size,
			Referenced: BlockID(p.rec.Target),
			Offset:     p.rec.Offset,
			Base:       p.rec.Base,
		}
		if _, _, err := p.src.SetReference(p.rec.SrcOffset, ref); err != nil {
			return nil, nil, errors.WithMessagef(err, "restoring reference at %d in block %d", p.rec.SrcOffset, p.src.id)
		}
	}

	if err := g.Validate(); err != nil {
		return nil, nil, errors.WithMessage(err, "restored graph")
	}
	layout, err := readLayout(d, g)
	if err != nil {
		return nil, nil, err
	}
	return g, layout, nil
}

func readBlock(d *decoder, g *BlockGraph, source ImageDataSource) (*Block, []pendingRef, error) {
	var rec blockRecord
	if !d.unpack(&rec) {
		return nil, nil, errors.WithMessage(d.err, "reading block")
	}
	id := BlockID(rec.ID)
	if _, ok := g.blocks[id]; ok {
		return nil, nil, errors.Wrapf(ErrSerializationData, "duplicate block id %d", id)
	}
	if rec.DataSize > rec.Size {
		return nil, nil, errors.Wrapf(ErrSerializationData, "block %d has %d data bytes but size %d",
			id, rec.DataSize, rec.Size)
	}
	b := newBlock(g, id, BlockType(rec.Type), rec.Size, rec.Name)
	b.attributes = BlockAttributes(rec.Attributes)
	b.alignment = rec.Alignment
	b.alignmentOffset = rec.AlignmentOffset
	b.section = SectionID(rec.Section)
	b.compilandName = rec.Compiland
	g.blocks[id] = b

	if rec.DataPresence == dataInline {
		b.data = d.bytes(rec.DataSize)
		b.ownsData = true
	}

	for i, n := 0, d.count(); i < n; i++ {
		var l labelRecord
		if !d.unpack(&l) {
			break
		}
		b.labels[l.Offset] = Label{Name: l.Name, Attributes: LabelAttributes(l.Attributes)}
	}

	var refs []pendingRef
	for i, n := 0, d.count(); i < n; i++ {
		var r referenceRecord
		if !d.unpack(&r) {
			break
		}
		refs = append(refs, pendingRef{src: b, rec: r})
	}

	for i, n := 0, d.count(); i < n; i++ {
		var sr sourceRangeRecord
		if !d.unpack(&sr) {
			break
		}
		b.sourceRanges.Push(sr.Offset, sr.Size,
			core.NewAddressRange(core.RelativeAddress(sr.SourceStart), sr.SourceSize))
	}
	if d.err != nil {
		return nil, nil, errors.WithMessagef(d.err, "reading block %d", id)
	}

	if rec.DataPresence == dataFromImage {
		if source == nil {
			return nil, nil, errors.Wrapf(ErrSerializationData, "block %d data omitted and no image given", id)
		}
		if !b.sourceRanges.IsSimple(b.size) {
			return nil, nil, errors.Wrapf(ErrSerializationData, "block %d has no simple source range", id)
		}
		data, err := source.ImageData(b.sourceRanges.Ranges()[0].Source.Start, rec.DataSize)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrSerializationData, "block %d: %v", id, err)
		}
		b.SetData(data)
	}
	return b, refs, nil
}

func readLayout(d *decoder, g *BlockGraph) (*ImageLayout, error) {
	nsections := d.count()
	if d.err != nil {
		return nil, errors.WithMessage(d.err, "reading layout")
	}
	layout := NewImageLayout(g)
	for i := 0; i < nsections; i++ {
		var rec layoutSectionRecord
		if !d.unpack(&rec) {
			return nil, errors.WithMessage(d.err, "reading layout section")
		}
		layout.AddSection(SectionInfo{Name: rec.Name, Addr: core.RelativeAddress(rec.Addr), Size: rec.Size,
			DataSize: rec.DataSize, Characteristics: rec.Characteristics})
	}
	nplaced := d.count()
	for i := 0; i < nplaced; i++ {
		var rec placementRecord
		if !d.unpack(&rec) {
			return nil, errors.WithMessage(d.err, "reading placement")
		}
		b := g.Block(BlockID(rec.Block))
		if b == nil {
			return nil, errors.Wrapf(ErrSerializationData, "placement names missing block %d", rec.Block)
		}
		if err := layout.InsertBlock(core.RelativeAddress(rec.Addr), b); err != nil {
			return nil, err
		}
	}
	if d.err != nil {
		return nil, errors.WithMessage(d.err, "reading layout")
	}
	if nsections == 0 && nplaced == 0 {
		return nil, nil
	}
	return layout, nil
}
