package main

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/debuginfo"
	"github.com/wanglei-coder/syzygy/decompose"
)

var errMissingDebugInfo = errors.New("no debug information for image")

type decomposed struct {
	file   *pe.File
	debug  *debuginfo.Static
	layout *blockgraph.ImageLayout
}

// load reads the input image and its debug information and decomposes it.
// Images without a debug information dump fall back to their COFF symbol
// table.
func load(opts *options, logger *log.Logger) (*decomposed, error) {
	f, err := pe.NewFile(opts.InputImage)
	if err != nil {
		return nil, err
	}

	opts.inferInputPDB()
	var debug *debuginfo.Static
	source := opts.InputPDB
	if opts.InputPDB != "" {
		debug, err = debuginfo.Load(opts.InputPDB)
	} else {
		source = "COFF symbols"
		debug, err = f.COFFDebugInfo()
	}
	if err != nil {
		return nil, err
	}
	if debug == nil {
		return nil, errors.Wrap(errMissingDebugInfo, opts.InputImage)
	}
	logger.Info("Decomposing image",
		log.String("image", opts.InputImage),
		log.String("debug", source))

	layout, err := decompose.New(f, debug, logger).Decompose()
	if err != nil {
		return nil, errors.WithMessagef(err, "decomposing %s", opts.InputImage)
	}
	return &decomposed{file: f, debug: debug, layout: layout}, nil
}

func decomposeImage(opts options, logger *log.Logger, _ io.Writer) error {
	mode, err := blockgraph.ParseDataMode(opts.Mode)
	if err != nil {
		return err
	}
	if opts.Output == "" {
		opts.Output = replaceExt(opts.InputImage, ".bg")
	}
	if err := opts.checkOutput(opts.Output); err != nil {
		return err
	}

	d, err := load(&opts, logger)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := blockgraph.Serialize(&buf, d.layout.Graph, d.layout, mode); err != nil {
		return err
	}
	if err := os.WriteFile(opts.Output, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "writing block graph")
	}
	logger.Info("Wrote block graph",
		log.String("file", opts.Output),
		log.String("mode", mode.String()),
		log.Int("blocks", d.layout.Graph.Len()))
	return nil
}
