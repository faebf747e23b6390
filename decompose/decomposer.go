// Package decompose turns a PE image and its debug information into a block
// graph and the image layout placing its blocks.
package decompose

import (
	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
)

var (
	ErrRelocFixupMismatch    = errors.New("base relocation and fixup tables disagree")
	ErrFixupOutsideBlock     = errors.New("fixup lies outside every block")
	ErrDanglingFixup         = errors.New("fixup was not turned into a reference")
	ErrOverlappingSymbols    = errors.New("symbol range overlaps another block")
	ErrBlockStraddlesSection = errors.New("block straddles a section boundary")
	ErrConflictingReference  = errors.New("fixup disagrees with a parsed reference")
)

// Decomposer builds the block graph of one image. A Decomposer is used for
// a single call to Decompose.
type Decomposer struct {
	file     *pe.File
	provider debuginfo.Provider
	logger   *log.Logger

	layout *blockgraph.ImageLayout
	parsed *pe.ParsedImage
	fixups map[core.RelativeAddress]*fixup
}

type fixup struct {
	debuginfo.Fixup
	consumed bool
}

// New returns a decomposer for file described by provider. A nil logger
// discards messages below error level.
func New(file *pe.File, provider debuginfo.Provider, logger *log.Logger) *Decomposer {
	if logger == nil {
		cfg := log.DefaultConfig()
		cfg.Level = log.ErrorLevel
		logger = log.NewWithConfig(cfg)
	}
	return &Decomposer{file: file, provider: provider, logger: logger}
}

// Decompose builds the block graph and returns the layout of its blocks. On
// error the partially built graph must be discarded.
func (d *Decomposer) Decompose() (*blockgraph.ImageLayout, error) {
	g := blockgraph.New()
	g.AddAttributes(blockgraph.PEImageGraph)
	d.layout = blockgraph.NewImageLayout(g)

	for _, s := range d.file.Sections {
		d.layout.AddSection(s.Info())
	}

	var err error
	if d.parsed, err = pe.NewParser(d.file, d.layout, d.logger).Parse(); err != nil {
		return nil, errors.WithMessage(err, "parsing PE structures")
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"code blocks", d.createCodeBlocks},
		{"data blocks", d.createDataBlocks},
		{"section contributions", d.createContributionBlocks},
		{"padding", d.createPaddingBlocks},
		{"labels", d.createLabels},
		{"parsed references", func() error { return d.parsed.ResolveReferences(d.layout) }},
		{"fixups", d.createFixupReferences},
		{"disassembly", d.disassemble},
		{"orphans", d.markOrphans},
		{"consistency", d.validate},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return nil, errors.WithMessage(err, step.name)
		}
	}

	d.logger.Debug("Decomposed image",
		log.Int("blocks", g.Len()),
		log.Int("sections", len(d.layout.Sections)))
	return d.layout, nil
}

// ParsedImage returns the PE structures found during Decompose.
func (d *Decomposer) ParsedImage() *pe.ParsedImage {
	return d.parsed
}

// validate checks the invariants of the finished graph and that every fixup
// became a reference.
func (d *Decomposer) validate() error {
	if err := d.layout.ValidateCoverage(); err != nil {
		return err
	}
	g := d.layout.Graph
	if err := g.Validate(); err != nil {
		return err
	}
	for _, b := range g.Blocks() {
		for _, e := range b.References() {
			size := int64(g.Block(e.Reference.Referenced).Size())
			if off := int64(e.Reference.Offset); off < -size || off >= 2*size && size > 0 {
				return errors.Wrapf(blockgraph.ErrRefOutOfBounds, "reference at %d in block %q has offset %d",
					e.Offset, b.Name(), off)
			}
		}
	}
	for _, f := range d.sortedFixups() {
		if !f.consumed {
			return errors.Wrapf(ErrDanglingFixup, "%s fixup at %s", f.Type, f.Location)
		}
	}
	return nil
}
