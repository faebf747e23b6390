package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/debuginfo"
	"github.com/wanglei-coder/syzygy/internal/testimage"
)

func testFiles(t *testing.T) (dir, image string) {
	t.Helper()
	dir = t.TempDir()
	image, _, err := testimage.WriteFiles(dir)
	assert.NoError(t, err)
	return dir, image
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"missing input", []string{"info"}},
		{"unknown flag", []string{"info", "--no-such-flag"}},
		{"missing output", []string{"relink", "--input-image=test.exe"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := run(test.args, &bytes.Buffer{})
			assert.True(t, errors.Is(err, errUsage), "expected usage error")
		})
	}
}

func TestInfo(t *testing.T) {
	_, image := testFiles(t)

	var out bytes.Buffer
	assert.NoError(t, run([]string{"info", "--quiet", "--input-image=" + image}, &out))

	var info Info
	assert.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, uint32(testimage.MainRVA), info.EntryPoint)
	assert.Equal(t, uint16(pe.ImageFileMachineI386), info.MachineType)
	assert.Len(t, info.Sections, 4)
	assert.Equal(t, ".text", info.Sections[0].Name)
	assert.Equal(t, "rx", info.Sections[0].Flags)
	assert.NotEmpty(t, info.Authentihash)
	assert.True(t, info.Overlay == nil)
}

func TestDecomposeCommand(t *testing.T) {
	dir, image := testFiles(t)
	output := filepath.Join(dir, "graph.bg")

	args := []string{"decompose", "--quiet", "--input-image=" + image, "--output=" + output, "--mode=omit-all"}
	assert.NoError(t, run(args, &bytes.Buffer{}))

	stream, err := os.ReadFile(output)
	assert.NoError(t, err)
	assert.Equal(t, []byte(blockgraph.Magic), stream[:4])

	f, err := pe.NewBytes(testimage.Image())
	assert.NoError(t, err)
	g, layout, err := blockgraph.Deserialize(bytes.NewReader(stream), f)
	assert.NoError(t, err)
	assert.True(t, g.HasAttributes(blockgraph.PEImageGraph))
	block, ok := layout.BlockStartingAt(testimage.MainRVA)
	assert.True(t, ok)
	assert.Equal(t, testimage.Main, block.Data())

	err = run(args, &bytes.Buffer{})
	assert.True(t, errors.Is(err, errOutputExists), "expected existing output error")
	assert.NoError(t, run(append(args, "--overwrite"), &bytes.Buffer{}))
}

func TestRelink(t *testing.T) {
	tests := []struct {
		name     string
		flags    []string
		identity bool
	}{
		{"plain", nil, true},
		{"basic blocks", []string{"--basic-blocks"}, true},
		{"strip padding", []string{"--strip-padding"}, true},
		{"strip orphans", []string{"--strip-orphans"}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dir, image := testFiles(t)
			output := filepath.Join(dir, "out.exe")
			args := append([]string{"relink", "--quiet", "--input-image=" + image, "--output-image=" + output},
				test.flags...)
			assert.NoError(t, run(args, &bytes.Buffer{}))

			data, err := os.ReadFile(output)
			assert.NoError(t, err)
			if test.identity {
				assert.Equal(t, testimage.Image(), data)
			}
			_, err = pe.NewBytes(data)
			assert.NoError(t, err)

			debug, err := debuginfo.Load(filepath.Join(dir, "out.json"))
			assert.NoError(t, err)
			assert.Equal(t, output, debug.Image)
			assert.NotEmpty(t, debug.OMAPTo)
			assert.NotEmpty(t, debug.OMAPFrom)
			addr, ok := debuginfo.TranslateAddress(debug.OMAPTo, testimage.MainRVA)
			assert.True(t, ok)
			assert.Equal(t, uint32(testimage.MainRVA), uint32(addr))
		})
	}
}

func TestRelinkErrors(t *testing.T) {
	dir, image := testFiles(t)

	err := run([]string{"relink", "--quiet", "--input-image=" + image, "--output-image=" + image}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "is the input image")

	lone := filepath.Join(t.TempDir(), "lone.exe")
	assert.NoError(t, os.WriteFile(lone, testimage.Image(), 0o644))
	output := filepath.Join(dir, "out.exe")
	err = run([]string{"relink", "--quiet", "--input-image=" + lone, "--output-image=" + output}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, errMissingDebugInfo), "expected missing debug information")

	err = run([]string{"decompose", "--quiet", "--input-image=" + image, "--mode=sometimes"}, &bytes.Buffer{})
	assert.Error(t, err)
}
