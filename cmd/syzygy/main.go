// Package main implements syzygy, a tool to inspect, decompose and relink
// 32-bit PE images.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"
)

var errUsage = errors.New("usage")

const usage = `usage: syzygy <command> [options]

commands:
  info       print a summary of an image as JSON
  decompose  decompose an image and store its block graph
  relink     decompose an image, transform it and write it back
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(1)
		}
		logger := createLogger(false, false)
		logger.Error("Command failed", log.Err(err))
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	opts := defaultOptions()
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	flags.StringVar(&opts.InputImage, "input-image", "", "image to read")
	flags.StringVar(&opts.InputPDB, "input-pdb", "", "debug information dump of the input image")
	flags.BoolVar(&opts.Debug, "debug", opts.Debug, "enable debug logging")
	flags.BoolVar(&opts.Quiet, "quiet", opts.Quiet, "only log errors")

	var cmd func(opts options, logger *log.Logger, stdout io.Writer) error
	switch args[0] {
	case "info":
		cmd = info
	case "decompose":
		flags.StringVar(&opts.Output, "output", "", "block graph file to write")
		flags.StringVar(&opts.Mode, "mode", opts.Mode, "block data to store: omit-all, emit-owned or emit-all")
		flags.BoolVar(&opts.Overwrite, "overwrite", false, "replace existing outputs")
		cmd = decomposeImage
	case "relink":
		flags.StringVar(&opts.OutputImage, "output-image", "", "image to write")
		flags.StringVar(&opts.OutputPDB, "output-pdb", "", "debug information dump of the output image")
		flags.BoolVar(&opts.Overwrite, "overwrite", false, "replace existing outputs")
		flags.BoolVar(&opts.BasicBlocks, "basic-blocks", false, "rebuild every function from its basic blocks")
		flags.BoolVar(&opts.StripOrphans, "strip-orphans", false, "remove unreachable functions")
		flags.BoolVar(&opts.StripPadding, "strip-padding", false, "remove padding inside functions")
		cmd = relink
	default:
		return errors.Wrapf(errUsage, "unknown command %q", args[0])
	}

	if err := flags.Parse(args[1:]); err != nil {
		return errors.Wrap(errUsage, err.Error())
	}
	if opts.InputImage == "" {
		return errors.Wrap(errUsage, "missing --input-image")
	}
	return cmd(opts, createLogger(opts.Debug, opts.Quiet), stdout)
}
