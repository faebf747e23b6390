package pe

// MinFileSize On Windows XP (x32) the smallest PE executable is 97 bytes.
const MinFileSize = 97

const (
	ImageDOSSignature   = 0x5A4D // MZ
	ImageDOSZMSignature = 0x4D5A // ZM
)

const ImageNTHeaderSignature = 0x00004550

const (
	ImageNtOptionalHeader32Magic = 0x10b
	ImageNtOptionalHeader64Magic = 0x20b
)

const ImageFileMachineI386 = 0x14c

// IMAGE_DIRECTORY_ENTRY constants
const (
	ImageDirectoryEntryExport        = 0
	ImageDirectoryEntryImport        = 1
	ImageDirectoryEntryResource      = 2
	ImageDirectoryEntryException     = 3
	ImageDirectoryEntrySecurity      = 4
	ImageDirectoryEntryBaseReLoc     = 5
	ImageDirectoryEntryDebug         = 6
	ImageDirectoryEntryArchitecture  = 7
	ImageDirectoryEntryGlobalPtr     = 8
	ImageDirectoryEntryTls           = 9
	ImageDirectoryEntryLoadConfig    = 10
	ImageDirectoryEntryBoundImport   = 11
	ImageDirectoryEntryIat           = 12
	ImageDirectoryEntryDelayImport   = 13
	ImageDirectoryEntryComDescriptor = 14

	ImageNumberOfDirectoryEntries = 16
)

var directoryNames = [ImageNumberOfDirectoryEntries]string{
	"Export Directory",
	"Import Directory",
	"Resource Directory",
	"Exception Directory",
	"Security Directory",
	"Base Relocation Directory",
	"Debug Directory",
	"Architecture Directory",
	"Global Pointer Directory",
	"TLS Directory",
	"Load Configuration Directory",
	"Bound Import Directory",
	"Import Address Table",
	"Delay Import Directory",
	"COM Descriptor Directory",
	"Reserved Directory",
}

// DirectoryName returns a readable name of data directory i.
func DirectoryName(i int) string {
	if i < 0 || i >= len(directoryNames) {
		return "Unknown Directory"
	}
	return directoryNames[i]
}

const (
	ImageScnCntCode              = 0x00000020
	ImageScnCntInitializedData   = 0x00000040
	ImageScnCntUninitializedData = 0x00000080
	ImageScnMemDiscardable       = 0x02000000
	ImageScnMemExecute           = 0x20000000
	ImageScnMemRead              = 0x40000000
	ImageScnMemWrite             = 0x80000000
)

// Base relocation types.
const (
	ImageRelBasedAbsolute = 0
	ImageRelBasedHighLow  = 3
	ImageRelBasedDir64    = 10
)

const FileAlignmentHardcodedValue = 0x200
const maxAllowedEntries = 0x1000

const (
	DansSignature = 0x536E6144
	RichSignature = "Rich"
)

const (
	imageOrdinalFlag32  = uint32(0x80000000)
	imageOrdinalFlag64  = uint64(0x8000000000000000)
	addressMask32       = uint32(0x7fffffff)
	addressMask64       = uint64(0x7fffffffffffffff)
	maxDllLength        = 0x200
	maxImportNameLength = 0x200
	maxExportNameLength = 0x200
)

const (
	DOSHeaderSize     = 64
	FileHeaderSize    = 20
	SectionHeaderSize = 40
	DataDirectorySize = 8
)
