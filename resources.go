package pe

import (
	"fmt"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

type (
	ImageResourceDirectory struct {
		Characteristics      uint32
		TimeDateStamp        uint32
		MajorVersion         uint16
		MinorVersion         uint16
		NumberOfNamedEntries uint16
		NumberOfIDEntries    uint16
	}

	ImageResourceDirectoryEntry struct {
		Name         uint32
		OffsetToData uint32
	}

	ImageResourceDataEntry struct {
		OffsetToData uint32
		Size         uint32
		CodePage     uint32
		Reserved     uint32
	}

	ResourceDirectory struct {
		Struct  ImageResourceDirectory
		Entries []ResourceDirectoryEntry
	}

	ResourceDirectoryEntry struct {
		Struct    ImageResourceDirectoryEntry
		Name      string
		ID        uint32
		Directory ResourceDirectory
		Data      *ResourceDataEntry
	}

	ResourceDataEntry struct {
		Struct  ImageResourceDataEntry
		Lang    uint32
		SubLang uint32
		// RVA locates the IMAGE_RESOURCE_DATA_ENTRY itself.
		RVA core.RelativeAddress
	}
)

const (
	resourceDirectorySize      = 16
	resourceDirectoryEntrySize = 8
	resourceNameIsString       = 0x80000000
	resourceDataIsDirectory    = 0x80000000
	maxResourceDepth           = 8
)

// ResourceType is the id of a top level resource directory entry.
type ResourceType uint32

const (
	RTCursor       ResourceType = 1
	RTBitmap       ResourceType = 2
	RTIcon         ResourceType = 3
	RTMenu         ResourceType = 4
	RTDialog       ResourceType = 5
	RTString       ResourceType = 6
	RTFontDir      ResourceType = 7
	RTFont         ResourceType = 8
	RTAccelerator  ResourceType = 9
	RTRCData       ResourceType = 10
	RTMessageTable ResourceType = 11
	RTGroupCursor  ResourceType = 12
	RTGroupIcon    ResourceType = 14
	RTVersion      ResourceType = 16
	RTManifest     ResourceType = 24
)

var resourceTypeNames = map[ResourceType]string{
	RTCursor:       "RT_CURSOR",
	RTBitmap:       "RT_BITMAP",
	RTIcon:         "RT_ICON",
	RTMenu:         "RT_MENU",
	RTDialog:       "RT_DIALOG",
	RTString:       "RT_STRING",
	RTFontDir:      "RT_FONTDIR",
	RTFont:         "RT_FONT",
	RTAccelerator:  "RT_ACCELERATOR",
	RTRCData:       "RT_RCDATA",
	RTMessageTable: "RT_MESSAGETABLE",
	RTGroupCursor:  "RT_GROUP_CURSOR",
	RTGroupIcon:    "RT_GROUP_ICON",
	RTVersion:      "RT_VERSION",
	RTManifest:     "RT_MANIFEST",
}

func (t ResourceType) String() string {
	if name, ok := resourceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%d", uint32(t))
}

func GetResourceTypeName(resourceType ResourceDirectoryEntry) string {
	if resourceType.Name != "" {
		return resourceType.Name
	}
	return ResourceType(resourceType.ID).String()
}

// readUnicodeString reads a length prefixed UTF-16 string at rva.
func (f *File) readUnicodeString(rva core.RelativeAddress) (string, error) {
	n, err := f.ReadUint16(rva)
	if err != nil {
		return "", err
	}
	raw, err := f.ImageData(rva+2, uint32(n)*2)
	if err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

func (f *File) parseResourceDirectory(rva, baseRVA core.RelativeAddress, level int,
	seen map[core.RelativeAddress]struct{}) (ResourceDirectory, error) {
	var dir ResourceDirectory
	if level > maxResourceDepth {
		return dir, errors.Wrapf(ErrPointerOutOfImage, "resource tree deeper than %d", maxResourceDepth)
	}
	if _, ok := seen[rva]; ok {
		return dir, errors.Wrapf(ErrPointerOutOfImage, "resource directory loop at %s", rva)
	}
	seen[rva] = struct{}{}

	if err := f.readStruct(rva, &dir.Struct); err != nil {
		return dir, errors.WithMessage(err, "resource directory")
	}
	n := uint32(dir.Struct.NumberOfNamedEntries) + uint32(dir.Struct.NumberOfIDEntries)
	if n > maxAllowedEntries {
		return dir, errors.Wrapf(ErrPointerOutOfImage, "resource directory at %s has %d entries", rva, n)
	}

	for i := uint32(0); i < n; i++ {
		entryRVA := rva + core.RelativeAddress(resourceDirectorySize+i*resourceDirectoryEntrySize)
		var entry ResourceDirectoryEntry
		if err := f.readStruct(entryRVA, &entry.Struct); err != nil {
			return dir, errors.WithMessagef(err, "resource directory entry %d", i)
		}

		var err error
		if entry.Struct.Name&resourceNameIsString != 0 {
			nameRVA := baseRVA + core.RelativeAddress(entry.Struct.Name&^resourceNameIsString)
			if entry.Name, err = f.readUnicodeString(nameRVA); err != nil {
				return dir, errors.WithMessagef(err, "name of resource entry %d", i)
			}
		} else {
			entry.ID = entry.Struct.Name
		}

		target := baseRVA + core.RelativeAddress(entry.Struct.OffsetToData&^resourceDataIsDirectory)
		if entry.Struct.OffsetToData&resourceDataIsDirectory != 0 {
			if entry.Directory, err = f.parseResourceDirectory(target, baseRVA, level+1, seen); err != nil {
				return dir, err
			}
		} else {
			data := &ResourceDataEntry{
				Lang:    entry.Struct.Name & 0x3ff,
				SubLang: entry.Struct.Name >> 10,
				RVA:     target,
			}
			if err := f.readStruct(target, &data.Struct); err != nil {
				return dir, errors.WithMessagef(err, "resource data entry %d", i)
			}
			entry.Data = data
		}
		dir.Entries = append(dir.Entries, entry)
	}
	return dir, nil
}

// ReadResources parses the resource tree.
func (f *File) ReadResources() (*ResourceDirectory, error) {
	rva := core.RelativeAddress(f.DataDirectory(ImageDirectoryEntryResource).VirtualAddress)
	if rva == 0 {
		return nil, nil
	}
	dir, err := f.parseResourceDirectory(rva, rva, 0, make(map[core.RelativeAddress]struct{}))
	if err != nil {
		return nil, err
	}
	return &dir, nil
}

// DataEntries returns the leaves of the tree in depth first order.
func (d *ResourceDirectory) DataEntries() []*ResourceDataEntry {
	var leaves []*ResourceDataEntry
	for i := range d.Entries {
		e := &d.Entries[i]
		if e.Data != nil {
			leaves = append(leaves, e.Data)
			continue
		}
		leaves = append(leaves, e.Directory.DataEntries()...)
	}
	return leaves
}
