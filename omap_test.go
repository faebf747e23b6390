package pe_test

import (
	"testing"

	"github.com/retroenv/retrogolib/assert"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
)

func TestBuildOMAP(t *testing.T) {
	layout := blockgraph.NewImageLayout(blockgraph.New())
	layout.AddSection(blockgraph.SectionInfo{Name: ".text", Addr: 0x1000, Size: 0x1000})

	place := func(addr, source core.RelativeAddress, size uint32, sid blockgraph.SectionID) {
		b := layout.Graph.AddBlock(blockgraph.CodeBlock, size, "")
		b.SetSection(sid)
		b.SourceRanges().Push(0, size, core.NewAddressRange(source, size))
		assert.NoError(t, layout.InsertBlock(addr, b))
	}
	place(0, 0, 0x400, blockgraph.InvalidSectionID)
	// Two blocks swapped relative to their original order.
	place(0x1010, 0x1040, 8, 0)
	place(0x1018, 0x1000, 0x10, 0)

	to, from := pe.BuildOMAP(layout, 0x2000)

	tests := []struct {
		name  string
		table []debuginfo.OMAPEntry
		rva   core.RelativeAddress
		want  core.RelativeAddress
		ok    bool
	}{
		{"to first block", to, 0x1012, 0x1042, true},
		{"to second block", to, 0x101A, 0x1002, true},
		{"to header", to, 0x80, 0, false},
		{"to past end", to, 0x1030, 0, false},
		{"from first block", from, 0x1004, 0x101C, true},
		{"from second block", from, 0x1044, 0x1014, true},
		{"from removed bytes", from, 0x1030, 0, false},
		{"from past end", from, 0x3000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := debuginfo.TranslateAddress(tt.table, tt.rva)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildOMAPIdentity(t *testing.T) {
	layout := flatLayout(t)
	to, from := pe.BuildOMAP(layout, 0x5000)
	for _, rva := range []core.RelativeAddress{0x1000, 0x1032, 0x2055, 0x3004, 0x4010} {
		got, ok := debuginfo.TranslateAddress(to, rva)
		assert.True(t, ok)
		assert.Equal(t, rva, got)
		got, ok = debuginfo.TranslateAddress(from, rva)
		assert.True(t, ok)
		assert.Equal(t, rva, got)
	}
	// Every block boundary maps in both directions.
	for _, e := range layout.Entries() {
		if e.Range.Start < 0x1000 {
			continue
		}
		for _, table := range [][]debuginfo.OMAPEntry{to, from} {
			got, ok := debuginfo.TranslateAddress(table, e.Range.Start)
			assert.True(t, ok, "block at "+e.Range.Start.String())
			assert.Equal(t, e.Range.Start, got)
		}
	}
	// Entries with the same delta collapse.
	assert.Len(t, to, 3)
}

func TestBuildOMAPSharedBoundary(t *testing.T) {
	layout := blockgraph.NewImageLayout(blockgraph.New())
	layout.AddSection(blockgraph.SectionInfo{Name: ".text", Addr: 0x1000, Size: 0x1000})
	for _, addr := range []core.RelativeAddress{0x1000, 0x1008, 0x1010} {
		b := layout.Graph.AddBlock(blockgraph.CodeBlock, 8, "")
		b.SetSection(0)
		b.SourceRanges().Push(0, 8, core.NewAddressRange(addr, 8))
		assert.NoError(t, layout.InsertBlock(addr, b))
	}

	_, from := pe.BuildOMAP(layout, 0x2000)
	assert.Equal(t, []debuginfo.OMAPEntry{{RVA: 0x1000, RVATo: 0x1000}, {RVA: 0x1018}}, from)
}
