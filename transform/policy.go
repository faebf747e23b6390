package transform

import "github.com/wanglei-coder/syzygy/blockgraph"

// unsafeAttributes mark code whose bytes or offsets other data depends on
// in ways the graph does not describe.
const unsafeAttributes = blockgraph.HasInlineAssembly | blockgraph.ErroredDisassembly |
	blockgraph.PaddingBlock | blockgraph.GapBlock | blockgraph.HasExceptionHandling |
	blockgraph.BuiltBySyzygy

// DefaultPolicy allows code blocks that were fully disassembled and carry
// no exception handling.
type DefaultPolicy struct{}

func (DefaultPolicy) IsBlockSafeToBasicBlockDecompose(b *blockgraph.Block) bool {
	return b.Type() == blockgraph.CodeBlock && b.Size() > 0 && !b.HasAnyAttribute(unsafeAttributes)
}
