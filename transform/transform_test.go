package transform_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/basicblock"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/decompose"
	"github.com/wanglei-coder/syzygy/internal/testimage"
	"github.com/wanglei-coder/syzygy/transform"
)

var errFailing = errors.New("failing transform")

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) TransformBlockGraph(*blockgraph.BlockGraph, *blockgraph.Block) error {
	return errFailing
}

func (failing) TransformBasicBlockSubGraph(*blockgraph.BlockGraph, *basicblock.SubGraph) error {
	return errFailing
}

func decomposeTestImage(t *testing.T) *blockgraph.ImageLayout {
	t.Helper()
	f, err := pe.NewBytes(testimage.Image())
	assert.NoError(t, err)
	layout, err := decompose.New(f, testimage.DebugInfo(), log.NewTestLogger(t)).Decompose()
	assert.NoError(t, err)
	return layout
}

func TestDefaultPolicy(t *testing.T) {
	g := blockgraph.New()
	tests := []struct {
		name string
		typ  blockgraph.BlockType
		size uint32
		attr blockgraph.BlockAttributes
		want bool
	}{
		{"code", blockgraph.CodeBlock, 4, 0, true},
		{"orphaned code", blockgraph.CodeBlock, 4, blockgraph.OrphanedCode, true},
		{"data", blockgraph.DataBlock, 4, 0, false},
		{"empty", blockgraph.CodeBlock, 0, 0, false},
		{"inline assembly", blockgraph.CodeBlock, 4, blockgraph.HasInlineAssembly, false},
		{"padding", blockgraph.CodeBlock, 4, blockgraph.PaddingBlock, false},
		{"exception handling", blockgraph.CodeBlock, 4, blockgraph.HasExceptionHandling, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := g.AddBlock(test.typ, test.size, test.name)
			b.SetAttributes(test.attr)
			assert.Equal(t, test.want, transform.DefaultPolicy{}.IsBlockSafeToBasicBlockDecompose(b))
		})
	}
}

func TestApplyIdentityTransform(t *testing.T) {
	layout := decomposeTestImage(t)
	g := layout.Graph

	built, err := transform.ApplyBasicBlockSubGraphTransform(g, transform.DefaultPolicy{}, transform.Identity{},
		log.NewTestLogger(t))
	assert.NoError(t, err)
	assert.Len(t, built, 3)
	assert.True(t, g.HasAttributes(blockgraph.BasicBlockTransformed))
	assert.Equal(t, testimage.Main, built[0].Data())
	assert.Equal(t, testimage.Helper, built[1].Data())
	assert.Equal(t, testimage.Thunk, built[2].Data())
	assert.NoError(t, g.Validate())

	relaid, err := pe.BuildImageLayout(layout)
	assert.NoError(t, err)
	out, err := pe.NewWriter(relaid, log.NewTestLogger(t)).Write()
	assert.NoError(t, err)
	assert.Equal(t, testimage.Image(), out)
}

func TestApplySkipsUndecomposableBlocks(t *testing.T) {
	g := blockgraph.New()
	b := g.AddBlock(blockgraph.CodeBlock, 8, "overlapping")
	// jz +1 lands in the middle of mov eax, imm32
	b.SetData([]byte{0x74, 0x01, 0xB8, 0x90, 0x90, 0x90, 0x90, 0xC3})

	built, err := transform.ApplyBasicBlockSubGraphTransform(g, transform.DefaultPolicy{}, transform.Identity{}, nil)
	assert.NoError(t, err)
	assert.Empty(t, built)
	assert.True(t, b.HasAttribute(blockgraph.HasInlineAssembly))
	assert.Equal(t, 1, g.Len())
}

func TestPaddingRemoval(t *testing.T) {
	g := blockgraph.New()
	b := g.AddBlock(blockgraph.CodeBlock, 6, "func")
	// jz +3; ret; int3; int3; ret
	b.SetData([]byte{0x74, 0x03, 0xC3, 0xCC, 0xCC, 0xC3})

	removal := &transform.PaddingRemoval{}
	built, err := transform.ApplyBasicBlockSubGraphTransform(g, transform.DefaultPolicy{}, removal, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, removal.Removed)
	assert.Len(t, built, 1)
	assert.Equal(t, []byte{0x74, 0x01, 0xC3, 0xC3}, built[0].Data())
}

func TestOrphanRemoval(t *testing.T) {
	layout := decomposeTestImage(t)
	g := layout.Graph
	header, err := pe.FindHeaderBlock(layout)
	assert.NoError(t, err)
	thunk, ok := layout.BlockStartingAt(testimage.ThunkRVA)
	assert.True(t, ok)
	blocks := g.Len()

	removal := &transform.OrphanRemoval{Logger: log.NewTestLogger(t)}
	err = transform.ApplyBlockGraphTransforms(g, header, []transform.BlockGraphTransform{removal}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, removal.Removed)
	assert.Equal(t, blocks-1, g.Len())
	assert.True(t, g.Block(thunk.ID()) == nil)
	assert.NoError(t, g.Validate())
}

func TestTransformErrors(t *testing.T) {
	layout := decomposeTestImage(t)
	g := layout.Graph

	err := transform.ApplyBlockGraphTransforms(g, nil, []transform.BlockGraphTransform{failing{}}, nil)
	assert.True(t, errors.Is(err, errFailing))
	assert.ErrorContains(t, err, "transform failing")

	_, err = transform.ApplyBasicBlockSubGraphTransform(g, transform.DefaultPolicy{}, failing{}, nil)
	assert.True(t, errors.Is(err, errFailing))
}
