package transform

import (
	"github.com/retroenv/retrogolib/log"

	"github.com/wanglei-coder/syzygy/basicblock"
	"github.com/wanglei-coder/syzygy/blockgraph"
)

// Identity rebuilds every basic block subgraph unchanged.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) TransformBasicBlockSubGraph(*blockgraph.BlockGraph, *basicblock.SubGraph) error {
	return nil
}

// PaddingRemoval drops the padding basic blocks found inside functions.
type PaddingRemoval struct {
	Removed int
}

func (*PaddingRemoval) Name() string { return "padding-removal" }

func (p *PaddingRemoval) TransformBasicBlockSubGraph(_ *blockgraph.BlockGraph, sg *basicblock.SubGraph) error {
	for _, bb := range sg.BasicBlocks() {
		data, ok := bb.(*basicblock.BasicDataBlock)
		if !ok || data.Kind != basicblock.Padding {
			continue
		}
		if _, labelled := data.Label(); labelled {
			continue
		}
		if err := sg.RemoveBlock(data); err != nil {
			return err
		}
		p.Removed++
	}
	return nil
}

// OrphanRemoval removes orphaned code blocks nothing refers to.
type OrphanRemoval struct {
	Logger  *log.Logger
	Removed int
}

func (*OrphanRemoval) Name() string { return "orphan-removal" }

func (o *OrphanRemoval) TransformBlockGraph(g *blockgraph.BlockGraph, header *blockgraph.Block) error {
	logger := quietLogger(o.Logger)
	for _, b := range g.Blocks() {
		if b == header || !b.HasAttribute(blockgraph.OrphanedCode) || b.HasExternalReferrers() {
			continue
		}
		logger.Debug("Removing orphaned block", log.String("block", b.Name()))
		if err := g.RemoveBlock(b); err != nil {
			return err
		}
		o.Removed++
	}
	return nil
}
