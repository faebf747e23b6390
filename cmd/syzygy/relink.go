package main

import (
	"io"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/transform"
)

func relink(opts options, logger *log.Logger, _ io.Writer) error {
	if opts.OutputImage == "" {
		return errors.Wrap(errUsage, "missing --output-image")
	}
	if opts.OutputPDB == "" {
		opts.OutputPDB = replaceExt(opts.OutputImage, ".json")
	}
	for _, path := range []string{opts.OutputImage, opts.OutputPDB} {
		if err := opts.checkOutput(path); err != nil {
			return err
		}
	}

	d, err := load(&opts, logger)
	if err != nil {
		return err
	}
	g := d.layout.Graph
	header, err := pe.FindHeaderBlock(d.layout)
	if err != nil {
		return err
	}

	var blockTransforms []transform.BlockGraphTransform
	if opts.StripOrphans {
		blockTransforms = append(blockTransforms, &transform.OrphanRemoval{Logger: logger})
	}
	if err := transform.ApplyBlockGraphTransforms(g, header, blockTransforms, logger); err != nil {
		return err
	}

	var bbTransform transform.BasicBlockSubGraphTransform
	switch {
	case opts.StripPadding:
		bbTransform = &transform.PaddingRemoval{}
	case opts.BasicBlocks:
		bbTransform = transform.Identity{}
	}
	if bbTransform != nil {
		built, err := transform.ApplyBasicBlockSubGraphTransform(g, transform.DefaultPolicy{}, bbTransform, logger)
		if err != nil {
			return err
		}
		logger.Info("Rebuilt functions", log.Int("blocks", len(built)))
	}

	relaid, err := pe.BuildImageLayout(d.layout)
	if err != nil {
		return err
	}
	w := pe.NewWriter(relaid, logger)
	w.Overlay = d.file.Overlay()
	if err := w.WriteFile(opts.OutputImage); err != nil {
		return err
	}

	out := *d.debug
	out.Image = opts.OutputImage
	out.OMAPTo, out.OMAPFrom = pe.BuildOMAP(relaid, d.file.SizeOfImage())
	if err := out.Save(opts.OutputPDB); err != nil {
		return err
	}

	logger.Info("Relinked image",
		log.String("image", opts.OutputImage),
		log.String("debug", opts.OutputPDB),
		log.Int("blocks", g.Len()))
	return nil
}
