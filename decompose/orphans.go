package decompose

import (
	"github.com/retroenv/retrogolib/log"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
)

// markOrphans tags the code blocks no reference path reaches from the
// entry point, the exports, the TLS callbacks or the PE structures.
func (d *Decomposer) markOrphans() error {
	g := d.layout.Graph
	seen := make(map[blockgraph.BlockID]bool)
	var queue []*blockgraph.Block
	push := func(b *blockgraph.Block) {
		if b != nil && !seen[b.ID()] {
			seen[b.ID()] = true
			queue = append(queue, b)
		}
	}
	pushRVA := func(rva core.RelativeAddress) {
		if b, _, ok := d.layout.BlockAt(rva); ok {
			push(b)
		}
	}

	if d.parsed.EntryPoint != 0 {
		pushRVA(d.parsed.EntryPoint)
	}
	for _, rva := range d.parsed.Exports {
		pushRVA(rva)
	}
	for _, rva := range d.parsed.TLSCallbacks {
		pushRVA(rva)
	}
	for _, b := range g.Blocks() {
		if b.HasAttribute(blockgraph.PEParsed) {
			push(b)
		}
	}

	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		for _, e := range b.References() {
			push(g.Block(e.Reference.Referenced))
		}
	}

	for _, b := range g.Blocks() {
		if b.Type() != blockgraph.CodeBlock || b.HasAttribute(blockgraph.PaddingBlock) || seen[b.ID()] {
			continue
		}
		b.SetAttribute(blockgraph.OrphanedCode)
		d.logger.Debug("Orphaned code block", log.String("block", b.Name()))
	}
	return nil
}
