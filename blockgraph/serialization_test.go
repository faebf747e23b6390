package blockgraph

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"

	"github.com/wanglei-coder/syzygy/core"
)

type imageBytes []byte

func (b imageBytes) ImageData(addr core.RelativeAddress, size uint32) ([]byte, error) {
	if uint64(addr)+uint64(size) > uint64(len(b)) {
		return nil, errors.New("out of range")
	}
	return b[addr : uint32(addr)+size], nil
}

// buildSampleGraph lays out a code and a data block over image, both
// borrowing their bytes, plus one block with owned bytes.
func buildSampleGraph(t *testing.T, image imageBytes) (*BlockGraph, *ImageLayout) {
	t.Helper()
	g := New()
	g.SetAttributes(PEImageGraph)
	layout := NewImageLayout(g)
	text := layout.AddSection(SectionInfo{Name: ".text", Addr: 0x10, Size: 0x10, DataSize: 0x10, Characteristics: 0x60000020})
	data := layout.AddSection(SectionInfo{Name: ".data", Addr: 0x20, Size: 0x10, DataSize: 0x8, Characteristics: 0xC0000040})

	code := g.AddBlock(CodeBlock, 0x10, "main")
	code.SetSection(text)
	code.SetData(image[0x10:0x20])
	code.SourceRanges().Push(0, 0x10, core.NewAddressRange(core.RelativeAddress(0x10), 0x10))
	assert.NoError(t, code.SetLabel(0, Label{Name: "main", Attributes: CodeLabel}))
	assert.NoError(t, code.SetAlignment(16))

	table := g.AddBlock(DataBlock, 0x8, "table")
	table.SetSection(data)
	table.SetData(image[0x20:0x28])
	table.SourceRanges().Push(0, 0x8, core.NewAddressRange(core.RelativeAddress(0x20), 0x8))
	assert.NoError(t, table.SetLabel(4, Label{Name: "entry", Attributes: DataLabel}))

	bss := g.AddBlock(DataBlock, 0x8, "bss")
	bss.SetSection(data)
	bss.CopyData([]byte{0xAA, 0xBB})
	bss.SetAttribute(BuiltBySyzygy)

	_, _, err := code.SetReferenceTo(1, AbsoluteRef, 4, table, 4, 4)
	assert.NoError(t, err)
	_, _, err = table.SetReferenceTo(0, AbsoluteRef, 4, code, 0, 0)
	assert.NoError(t, err)
	_, _, err = code.SetReferenceTo(8, PCRelativeRef, 4, code, 0, 0)
	assert.NoError(t, err)

	assert.NoError(t, layout.InsertBlock(0x10, code))
	assert.NoError(t, layout.InsertBlock(0x20, table))
	assert.NoError(t, layout.InsertBlock(0x28, bss))
	return g, layout
}

func sampleImage() imageBytes {
	image := make(imageBytes, 0x30)
	for i := range image {
		image[i] = byte(i)
	}
	return image
}

func TestSerializationRoundTrip(t *testing.T) {
	image := sampleImage()
	for _, mode := range []DataMode{OmitAllData, EmitOwnedData, EmitAllData} {
		t.Run(mode.String(), func(t *testing.T) {
			g, layout := buildSampleGraph(t, image)

			var buf bytes.Buffer
			assert.NoError(t, Serialize(&buf, g, layout, mode))
			assert.Equal(t, Magic, string(buf.Bytes()[:4]))

			restored, restoredLayout, err := Deserialize(&buf, image)
			assert.NoError(t, err)
			assert.NoError(t, CompareGraphs(g, restored))
			assert.NoError(t, restored.Validate())
			assert.NotNil(t, restoredLayout)
			assert.Equal(t, layout.Sections, restoredLayout.Sections)
			addr, ok := restoredLayout.AddressOf(2)
			assert.True(t, ok)
			assert.Equal(t, core.RelativeAddress(0x20), addr)
		})
	}
}

func TestSerializationOmittedDataComesFromImage(t *testing.T) {
	image := sampleImage()
	g, layout := buildSampleGraph(t, image)

	var buf bytes.Buffer
	assert.NoError(t, Serialize(&buf, g, layout, OmitAllData))
	restored, _, err := Deserialize(bytes.NewReader(buf.Bytes()), image)
	assert.NoError(t, err)
	for _, b := range restored.Blocks() {
		sr := b.SourceRanges()
		if !sr.IsSimple(b.Size()) {
			continue
		}
		start := sr.Ranges()[0].Source.Start
		assert.Equal(t, []byte(image[start:uint32(start)+b.DataSize()]), b.Data())
		assert.False(t, b.OwnsData())
	}

	_, _, err = Deserialize(bytes.NewReader(buf.Bytes()), nil)
	assert.True(t, errors.Is(err, ErrSerializationData))
}

func TestDeserializeErrors(t *testing.T) {
	g, layout := buildSampleGraph(t, sampleImage())
	var buf bytes.Buffer
	assert.NoError(t, Serialize(&buf, g, layout, EmitAllData))
	stream := buf.Bytes()

	badMagic := append([]byte("XXXX"), stream[4:]...)
	_, _, err := Deserialize(bytes.NewReader(badMagic), nil)
	assert.True(t, errors.Is(err, ErrSerializationMagic))

	badVersion := append([]byte(nil), stream...)
	badVersion[4] = 0x7F
	_, _, err = Deserialize(bytes.NewReader(badVersion), nil)
	assert.True(t, errors.Is(err, ErrSerializationVersion))

	_, _, err = Deserialize(bytes.NewReader(stream[:len(stream)/2]), nil)
	assert.True(t, errors.Is(err, ErrSerializationTruncated))
}

// blockStream encodes a graph holding the single block rec, with the given
// trailing data and labels and no layout.
func blockStream(t *testing.T, rec blockRecord, data []byte, labels []labelRecord) []byte {
	t.Helper()
	var buf bytes.Buffer
	e := &encoder{w: &buf}
	hdr := streamHeader{Version: SerializationVersion}
	copy(hdr.Magic[:], Magic)
	e.pack(&hdr)
	e.count(0)
	e.count(1)
	e.pack(&rec)
	e.bytes(data)
	e.count(len(labels))
	for i := range labels {
		e.pack(&labels[i])
	}
	e.count(0)
	e.count(0)
	e.count(0)
	e.count(0)
	assert.NoError(t, e.err)
	return buf.Bytes()
}

func TestDeserializeRejectsInconsistentBlocks(t *testing.T) {
	tests := []struct {
		name   string
		rec    blockRecord
		data   []byte
		labels []labelRecord
		err    error
	}{
		{
			name: "inline data larger than block",
			rec:  blockRecord{ID: 1, Size: 2, Name: "a", DataPresence: dataInline, DataSize: 0xFFFFFFF0},
			err:  ErrSerializationData,
		},
		{
			name:   "label past the end",
			rec:    blockRecord{ID: 1, Size: 4, Name: "a", DataPresence: dataInline, DataSize: 2},
			data:   []byte{0x90, 0x90},
			labels: []labelRecord{{Offset: 4, Attributes: uint32(CodeLabel), Name: "end"}},
			err:    ErrLabelOutOfBounds,
		},
		{
			name: "empty block",
			rec:  blockRecord{ID: 1, Name: "a"},
			err:  ErrInconsistentGraph,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			stream := blockStream(t, test.rec, test.data, test.labels)
			_, _, err := Deserialize(bytes.NewReader(stream), sampleImage())
			assert.True(t, errors.Is(err, test.err), "unexpected error: "+errString(err))
		})
	}

	stream := blockStream(t, blockRecord{ID: 1, Size: 4, Name: "a", DataPresence: dataInline, DataSize: 2},
		[]byte{0x90, 0x90}, []labelRecord{{Offset: 3, Attributes: uint32(CodeLabel), Name: "last"}})
	g, layout, err := Deserialize(bytes.NewReader(stream), nil)
	assert.NoError(t, err)
	assert.True(t, layout == nil)
	assert.Equal(t, []byte{0x90, 0x90}, g.Block(1).Data())
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

func TestParseDataMode(t *testing.T) {
	mode, err := ParseDataMode("omit-all")
	assert.NoError(t, err)
	assert.Equal(t, OmitAllData, mode)
	_, err = ParseDataMode("bogus")
	assert.Error(t, err)
}

func TestImageLayoutCoverage(t *testing.T) {
	g, layout := buildSampleGraph(t, sampleImage())
	assert.NoError(t, layout.Validate())
	assert.NoError(t, layout.ValidateCoverage())

	b, off, ok := layout.BlockAt(0x25)
	assert.True(t, ok)
	assert.Equal(t, "table", b.Name())
	assert.Equal(t, int32(5), off)

	bss := g.Block(3)
	assert.True(t, layout.RemoveBlock(bss))
	assert.True(t, errors.Is(layout.ValidateCoverage(), ErrLayoutNotContiguous))

	assert.NoError(t, layout.InsertBlock(0x30, bss))
	assert.True(t, errors.Is(layout.Validate(), ErrBlockOutsideSection))

	err := layout.InsertBlock(0x24, g.AddBlock(DataBlock, 4, "overlap"))
	assert.True(t, errors.Is(err, core.ErrOverlappingRange))
}
