package main

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/retroenv/retrogolib/log"

	pe "github.com/wanglei-coder/syzygy"
	"github.com/wanglei-coder/syzygy/core"
)

type Info struct {
	MachineType     uint16
	EntryPoint      uint32
	CompilationTime uint32
	Checksum        uint32
	ImpHash         string
	RichHeaderHash  string
	Authentihash    string
	Exports         []string
	Imports         []string
	Overlay         *Overlay
	Sections        []*Section
	ResourceDetails []*ResourceDetail
}

type Overlay struct {
	MD5      string
	FileType string
	Offset   uint64
	Size     int64
	Entropy  float64
}

type Section struct {
	Name           string
	MD5            string
	Flags          string
	RawSize        uint32
	VirtualAddress uint32
	VirtualSize    uint32
	Entropy        float64
}

type ResourceDetail struct {
	Language string
	Type     string
	FileType string
	SHA256   string
	Entropy  float64
}

func getSections(f *pe.File) []*Section {
	sections := make([]*Section, 0, f.FileHeader.NumberOfSections)
	for _, s := range f.Sections {
		sections = append(sections, &Section{
			Name:           s.Name,
			RawSize:        s.Size,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			Flags:          s.Flags(),
			MD5:            s.MD5(),
			Entropy:        s.Entropy(),
		})
	}
	return sections
}

func getResourceDetails(f *pe.File, logger *log.Logger) []*ResourceDetail {
	resources, err := f.ReadResources()
	if err != nil {
		logger.Warn("Reading resources failed", log.Err(err))
		return nil
	}
	if resources == nil {
		return nil
	}

	var details []*ResourceDetail
	for _, resourceType := range resources.Entries {
		typeName := pe.GetResourceTypeName(resourceType)
		for _, entry := range resourceType.Directory.DataEntries() {
			rd := &ResourceDetail{
				Language: fmt.Sprintf("%d/%d", entry.Lang, entry.SubLang),
				Type:     typeName,
			}
			details = append(details, rd)
			data, err := f.ImageData(core.RelativeAddress(entry.Struct.OffsetToData), entry.Struct.Size)
			if err != nil {
				continue
			}
			rd.SHA256 = fmt.Sprintf("%x", sha256.Sum256(data))
			rd.Entropy = pe.Entropy(data)
			rd.FileType = pe.FileType(data)
		}
	}
	return details
}

func getOverlay(f *pe.File) *Overlay {
	data := f.Overlay()
	if data == nil {
		return nil
	}

	overlay := Overlay{
		Offset: uint64(f.OverlayOffset),
		Size:   int64(len(data)),
	}

	hasher := md5.New()
	var entropyCalculator pe.EntropyCalculator
	ws := io.MultiWriter(hasher, &entropyCalculator)
	_, _ = ws.Write(data)
	overlay.MD5 = hex.EncodeToString(hasher.Sum(nil))
	overlay.Entropy = entropyCalculator.Sum()
	overlay.FileType = f.OverlayType()
	return &overlay
}

func getExports(f *pe.File, logger *log.Logger) []string {
	dir, err := f.ReadExports()
	if err != nil {
		logger.Warn("Reading exports failed", log.Err(err))
		return nil
	}
	if dir == nil {
		return nil
	}
	names := make([]string, 0, len(dir.Exports))
	for _, e := range dir.Exports {
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("#%d", e.Ordinal)
		}
		names = append(names, name)
	}
	return names
}

func getImports(f *pe.File, logger *log.Logger) []string {
	imports, err := f.ReadImports()
	if err != nil {
		logger.Warn("Reading imports failed", log.Err(err))
		return nil
	}
	var names []string
	for _, imp := range imports {
		for _, fn := range imp.Functions {
			name := fn.Name
			if fn.ByOrdinal {
				name = fmt.Sprintf("#%d", fn.Ordinal)
			}
			names = append(names, imp.Name+"!"+name)
		}
	}
	return names
}

func info(opts options, logger *log.Logger, stdout io.Writer) error {
	f, err := pe.NewFile(opts.InputImage)
	if err != nil {
		return err
	}
	defer f.Close()

	info := Info{
		CompilationTime: f.FileHeader.TimeDateStamp,
		MachineType:     f.FileHeader.Machine,
		EntryPoint:      uint32(f.EntryPoint()),
		Checksum:        f.StoredChecksum(),
		RichHeaderHash:  f.RichHeaderHash(),
		Authentihash:    hex.EncodeToString(f.Authentihash()),
		Exports:         getExports(f, logger),
		Imports:         getImports(f, logger),
		Sections:        getSections(f),
		ResourceDetails: getResourceDetails(f, logger),
		Overlay:         getOverlay(f),
	}
	if info.ImpHash, err = f.ImpHash(); err != nil {
		logger.Warn("Computing import hash failed", log.Err(err))
	}

	data, err := json.MarshalIndent(&info, "", "    ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", data)
	return err
}
