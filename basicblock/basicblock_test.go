package basicblock_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/basicblock"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/decompose"
	"github.com/wanglei-coder/syzygy/disasm"
	"github.com/wanglei-coder/syzygy/internal/testimage"
)

func codeBlock(t *testing.T, data []byte) (*blockgraph.BlockGraph, *blockgraph.Block) {
	t.Helper()
	g := blockgraph.New()
	b := g.AddBlock(blockgraph.CodeBlock, uint32(len(data)), "func")
	b.SetData(data)
	return g, b
}

func buildOne(t *testing.T, g *blockgraph.BlockGraph, sg *basicblock.SubGraph) *blockgraph.Block {
	t.Helper()
	blocks, err := basicblock.NewBuilder(g, log.NewTestLogger(t)).Build(sg)
	assert.NoError(t, err)
	assert.Len(t, blocks, 1)
	return blocks[0]
}

func TestDecomposeTinyBlock(t *testing.T) {
	data := []byte{0x55, 0x8B, 0xEC, 0xC3}
	g, b := codeBlock(t, data)

	sg, err := basicblock.Decompose(b, log.NewTestLogger(t))
	assert.NoError(t, err)
	assert.Equal(t, 1, sg.Len())
	assert.Len(t, sg.Descriptions, 1)

	code, ok := sg.Descriptions[0].BasicBlocks[0].(*basicblock.BasicCodeBlock)
	assert.True(t, ok)
	assert.Len(t, code.Instructions, 3)
	assert.Empty(t, code.Successors)
	assert.True(t, code.Instructions[2].IsReturn())

	built := buildOne(t, g, sg)
	assert.Equal(t, data, built.Data())
	assert.Equal(t, "func", built.Name())
	assert.True(t, g.Block(b.ID()) == nil)
}

func TestDecomposeTwoWayBranch(t *testing.T) {
	// test eax, eax; jz +2; xor eax, eax; ret
	data := []byte{0x85, 0xC0, 0x74, 0x02, 0x33, 0xC0, 0xC3}
	g, b := codeBlock(t, data)

	sg, err := basicblock.Decompose(b, nil)
	assert.NoError(t, err)
	bbs := sg.Descriptions[0].BasicBlocks
	assert.Len(t, bbs, 3)

	first := bbs[0].(*basicblock.BasicCodeBlock)
	assert.Len(t, first.Instructions, 1)
	assert.Len(t, first.Successors, 2)
	taken, fall := first.Successors[0], first.Successors[1]
	assert.Equal(t, disasm.Equal, taken.Condition)
	assert.Equal(t, disasm.NotEqual, fall.Condition)
	assert.Equal(t, taken.Condition, fall.Condition.Invert())
	assert.True(t, taken.Target.Basic == bbs[2])
	assert.True(t, fall.Target.Basic == bbs[1])

	second := bbs[1].(*basicblock.BasicCodeBlock)
	assert.Equal(t, int32(4), second.Offset())
	assert.Len(t, second.Successors, 1)
	assert.Equal(t, disasm.True, second.Successors[0].Condition)

	last := bbs[2].(*basicblock.BasicCodeBlock)
	assert.Empty(t, last.Successors)
	assert.True(t, last.Instructions[0].IsReturn())

	assert.Equal(t, data, buildOne(t, g, sg).Data())
}

func TestBuilderLengthensBranches(t *testing.T) {
	// jz over 0x7F nops; ret
	data := []byte{0x74, 0x7F}
	for i := 0; i < 0x7F; i++ {
		data = append(data, 0x90)
	}
	data = append(data, 0xC3)
	g, b := codeBlock(t, data)

	sg, err := basicblock.Decompose(b, nil)
	assert.NoError(t, err)
	bbs := sg.Descriptions[0].BasicBlocks
	nops := bbs[1].(*basicblock.BasicCodeBlock)
	inst, err := basicblock.NewInstruction([]byte{0x90})
	assert.NoError(t, err)
	nops.Instructions = append(nops.Instructions, inst)

	built := buildOne(t, g, sg)
	assert.Equal(t, uint32(len(data)+1+4), built.Size())
	out := built.Data()
	assert.Equal(t, []byte{0x0F, 0x84, 0x80, 0x00, 0x00, 0x00}, out[:6])
	assert.Equal(t, byte(0xC3), out[len(out)-1])
}

func TestBuilderReordersBlocks(t *testing.T) {
	data := []byte{0x85, 0xC0, 0x74, 0x02, 0x33, 0xC0, 0xC3}
	g, b := codeBlock(t, data)
	sg, err := basicblock.Decompose(b, nil)
	assert.NoError(t, err)

	// Swap the fall-through and the branch target.
	desc := sg.Descriptions[0]
	desc.BasicBlocks[1], desc.BasicBlocks[2] = desc.BasicBlocks[2], desc.BasicBlocks[1]

	built := buildOne(t, g, sg)
	// test eax, eax; jnz xor; ret; xor eax, eax; jmp ret
	assert.Equal(t, []byte{0x85, 0xC0, 0x75, 0x01, 0xC3, 0x33, 0xC0, 0xEB, 0xFB}, built.Data())
}

func TestDecomposeErrors(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		setup func(b *blockgraph.Block)
		err   error
	}{
		{
			name: "inline assembly",
			data: []byte{0xC3},
			setup: func(b *blockgraph.Block) {
				b.SetAttribute(blockgraph.HasInlineAssembly)
			},
			err: basicblock.ErrNotDecomposable,
		},
		{
			name: "data block",
			data: []byte{0xC3},
			setup: func(b *blockgraph.Block) {
				b.SetType(blockgraph.DataBlock)
			},
			err: basicblock.ErrNotDecomposable,
		},
		{
			name: "jump into an instruction",
			// jz +1 lands in the middle of mov eax, imm32
			data: []byte{0x74, 0x01, 0xB8, 0x90, 0x90, 0x90, 0x90, 0xC3},
			err:  basicblock.ErrMidInstructionJump,
		},
		{
			name: "falls off the end",
			data: []byte{0x55, 0x8B, 0xEC},
			err:  basicblock.ErrUnresolvedBranch,
		},
		{
			name: "branch leaving without reference",
			data: []byte{0xEB, 0x10},
			err:  basicblock.ErrUnresolvedBranch,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, b := codeBlock(t, test.data)
			if test.setup != nil {
				test.setup(b)
			}
			_, err := basicblock.Decompose(b, log.NewTestLogger(t))
			assert.True(t, errors.Is(err, test.err), "unexpected error")
		})
	}
}

func TestValidate(t *testing.T) {
	ret, err := basicblock.NewInstruction([]byte{0xC3})
	assert.NoError(t, err)
	nop, err := basicblock.NewInstruction([]byte{0x90})
	assert.NoError(t, err)
	jmp, err := basicblock.NewInstruction([]byte{0xEB, 0x00})
	assert.NoError(t, err)

	sg := basicblock.NewSubGraph(nil)
	a := sg.AddCodeBlock("a")
	c := sg.AddCodeBlock("c")
	c.Instructions = append(c.Instructions, ret)
	desc := sg.AddBlockDescription("new")
	desc.BasicBlocks = append(desc.BasicBlocks, a, c)

	a.Instructions = append(a.Instructions, nop)
	assert.True(t, errors.Is(sg.Validate(), basicblock.ErrInvalidSuccessors))

	a.AddSuccessor(disasm.True, basicblock.Reference{Basic: c})
	assert.NoError(t, sg.Validate())

	a.AddSuccessor(disasm.True, basicblock.Reference{Basic: c})
	assert.True(t, errors.Is(sg.Validate(), basicblock.ErrInvalidSuccessors))
	a.Successors = a.Successors[:1]

	a.Successors[0].Condition = disasm.Equal
	assert.True(t, errors.Is(sg.Validate(), basicblock.ErrInvalidSuccessors))
	a.AddSuccessor(disasm.NotEqual, basicblock.Reference{Basic: c})
	assert.NoError(t, sg.Validate())

	a.Instructions = append(a.Instructions, jmp)
	assert.True(t, errors.Is(sg.Validate(), basicblock.ErrControlFlow))
	a.Instructions = a.Instructions[:1]

	desc.BasicBlocks = append(desc.BasicBlocks, c)
	assert.True(t, errors.Is(sg.Validate(), blockgraph.ErrInconsistentGraph))
	desc.BasicBlocks = desc.BasicBlocks[:2]

	assert.True(t, errors.Is(sg.RemoveBlock(c), basicblock.ErrBasicBlockReferenced))
	a.Successors = nil
	a.Instructions = append(a.Instructions, ret)
	assert.NoError(t, sg.RemoveBlock(c))
	assert.Equal(t, 1, sg.Len())
	assert.Len(t, desc.BasicBlocks, 1)
}

func TestBasicBlockIdentity(t *testing.T) {
	f, err := pe.NewBytes(testimage.Image())
	assert.NoError(t, err)
	layout, err := decompose.New(f, testimage.DebugInfo(), nil).Decompose()
	assert.NoError(t, err)
	g := layout.Graph

	main, ok := layout.BlockStartingAt(testimage.MainRVA)
	assert.True(t, ok)
	counter, ok := layout.BlockStartingAt(testimage.CounterRVA)
	assert.True(t, ok)
	helper, ok := layout.BlockStartingAt(testimage.HelperRVA)
	assert.True(t, ok)
	referrers := main.NumReferrers()

	sg, err := basicblock.Decompose(main, log.NewTestLogger(t))
	assert.NoError(t, err)
	bbs := sg.Descriptions[0].BasicBlocks
	assert.Len(t, bbs, 3)
	assert.Equal(t, []int32{0, 0xC, 0x11}, []int32{bbs[0].Offset(), bbs[1].Offset(), bbs[2].Offset()})

	call := bbs[1].(*basicblock.BasicCodeBlock).Instructions[0]
	assert.True(t, call.IsCall())
	assert.True(t, call.References[1].Block == helper)
	label, ok := bbs[2].Label()
	assert.True(t, ok)
	assert.Equal(t, "exit", label.Name)

	built := buildOne(t, g, sg)
	assert.Equal(t, testimage.Main, built.Data())
	assert.Equal(t, main.Attributes(), built.Attributes())
	assert.Equal(t, referrers, built.NumReferrers())
	assert.Equal(t, []blockgraph.Referrer{{Block: built.ID(), Offset: 4}}, counter.Referrers())
	ref, ok := built.Reference(0xD)
	assert.True(t, ok)
	assert.Equal(t, helper.ID(), ref.Referenced)
	assert.True(t, built.HasLabel(0))
	assert.True(t, built.HasLabel(0x11))
	assert.True(t, built.SourceRanges().IsSimple(built.Size()))

	relaid, err := pe.BuildImageLayout(layout)
	assert.NoError(t, err)
	addr, ok := relaid.Address(built)
	assert.True(t, ok)
	assert.Equal(t, uint32(testimage.MainRVA), uint32(addr))
	out, err := pe.NewWriter(relaid, log.NewTestLogger(t)).Write()
	assert.NoError(t, err)
	assert.Equal(t, testimage.Image(), out)
}
