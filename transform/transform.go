// Package transform defines the contracts of block graph and basic block
// transformations and applies them to decomposed images.
package transform

import (
	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	"github.com/wanglei-coder/syzygy/basicblock"
	"github.com/wanglei-coder/syzygy/blockgraph"
)

// BlockGraphTransform mutates a whole block graph. The header block holds
// the PE headers of the image.
type BlockGraphTransform interface {
	Name() string
	TransformBlockGraph(g *blockgraph.BlockGraph, header *blockgraph.Block) error
}

// BasicBlockSubGraphTransform mutates the basic blocks of one code block at
// a time.
type BasicBlockSubGraphTransform interface {
	Name() string
	TransformBasicBlockSubGraph(g *blockgraph.BlockGraph, sg *basicblock.SubGraph) error
}

// Policy decides which blocks may be decomposed into basic blocks.
type Policy interface {
	IsBlockSafeToBasicBlockDecompose(b *blockgraph.Block) bool
}

func quietLogger(logger *log.Logger) *log.Logger {
	if logger != nil {
		return logger
	}
	cfg := log.DefaultConfig()
	cfg.Level = log.ErrorLevel
	return log.NewWithConfig(cfg)
}

// ApplyBlockGraphTransforms runs the transforms in order and stops at the
// first failure.
func ApplyBlockGraphTransforms(g *blockgraph.BlockGraph, header *blockgraph.Block,
	transforms []BlockGraphTransform, logger *log.Logger) error {
	logger = quietLogger(logger)
	for _, t := range transforms {
		logger.Debug("Applying block graph transform", log.String("transform", t.Name()))
		if err := t.TransformBlockGraph(g, header); err != nil {
			return errors.WithMessagef(err, "transform %s", t.Name())
		}
	}
	return nil
}

// ApplyBasicBlockSubGraphTransform decomposes every code block the policy
// allows, hands its subgraph to t and rebuilds it. Blocks that turn out not
// to be decomposable are marked as holding inline assembly and left alone.
// It returns the blocks built.
func ApplyBasicBlockSubGraphTransform(g *blockgraph.BlockGraph, policy Policy, t BasicBlockSubGraphTransform,
	logger *log.Logger) ([]*blockgraph.Block, error) {
	logger = quietLogger(logger)
	builder := basicblock.NewBuilder(g, logger)

	var built []*blockgraph.Block
	for _, b := range g.Blocks() {
		if !policy.IsBlockSafeToBasicBlockDecompose(b) {
			continue
		}
		sg, err := basicblock.Decompose(b, logger)
		if err != nil {
			if errors.Is(err, basicblock.ErrMidInstructionJump) || errors.Is(err, basicblock.ErrUnresolvedBranch) {
				logger.Warn("Skipping block that cannot be split into basic blocks",
					log.String("block", b.Name()),
					log.Err(err))
				b.SetAttribute(blockgraph.HasInlineAssembly)
				continue
			}
			return nil, errors.WithMessagef(err, "decomposing %q", b.Name())
		}
		if err := t.TransformBasicBlockSubGraph(g, sg); err != nil {
			return nil, errors.WithMessagef(err, "transform %s on %q", t.Name(), b.Name())
		}
		blocks, err := builder.Build(sg)
		if err != nil {
			return nil, errors.WithMessagef(err, "building %q", b.Name())
		}
		built = append(built, blocks...)
	}

	g.AddAttributes(blockgraph.BasicBlockTransformed)
	logger.Debug("Applied basic block transform",
		log.String("transform", t.Name()),
		log.Int("blocks", len(built)))
	return built, nil
}
