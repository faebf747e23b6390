package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"
	"github.com/xyproto/env/v2"

	"github.com/wanglei-coder/syzygy/blockgraph"
)

var errOutputExists = errors.New("output file exists")

type options struct {
	InputImage  string
	OutputImage string
	InputPDB    string
	OutputPDB   string
	Output      string
	Overwrite   bool

	BasicBlocks  bool
	StripOrphans bool
	StripPadding bool

	Mode  string
	Debug bool
	Quiet bool
}

// defaultOptions returns the options whose defaults come from the
// environment.
func defaultOptions() options {
	return options{
		Debug: env.Bool("SYZYGY_DEBUG"),
		Quiet: env.Bool("SYZYGY_QUIET"),
		Mode:  env.Str("SYZYGY_SERIALIZE_MODE", blockgraph.EmitAllData.String()),
	}
}

func createLogger(debug, quiet bool) *log.Logger {
	cfg := log.DefaultConfig()
	if debug {
		cfg.Level = log.DebugLevel
	} else if quiet {
		cfg.Level = log.ErrorLevel
	}
	return log.NewWithConfig(cfg)
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// inferInputPDB picks the debug information dump next to the image when
// none was named.
func (o *options) inferInputPDB() {
	if o.InputPDB != "" {
		return
	}
	candidate := replaceExt(o.InputImage, ".json")
	if _, err := os.Stat(candidate); err == nil {
		o.InputPDB = candidate
	}
}

// checkOutput refuses to replace an existing file or the input image.
func (o *options) checkOutput(path string) error {
	if path == "" {
		return nil
	}
	if filepath.Clean(path) == filepath.Clean(o.InputImage) {
		return errors.Errorf("output %s is the input image", path)
	}
	if o.Overwrite {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return errors.Wrap(errOutputExists, path)
	}
	return nil
}
