package pe

import (
	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

type ImageTLSDirectory32 struct {
	StartAddressOfRawData uint32
	EndAddressOfRawData   uint32
	AddressOfIndex        uint32
	AddressOfCallBacks    uint32
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

// Offsets of the absolute pointers of the TLS directory.
const (
	TLSDirectorySize     = 24
	tlsStartAddress      = 0
	tlsEndAddress        = 4
	tlsAddressOfIndex    = 8
	tlsAddressOfCallBack = 12
)

// ImageLoadConfigDirectory32 holds the leading fields of the load
// configuration that carry pointers.
type ImageLoadConfigDirectory32 struct {
	Size                          uint32
	TimeDateStamp                 uint32
	MajorVersion                  uint16
	MinorVersion                  uint16
	GlobalFlagsClear              uint32
	GlobalFlagsSet                uint32
	CriticalSectionDefaultTimeout uint32
	DeCommitFreeBlockThreshold    uint32
	DeCommitTotalFreeThreshold    uint32
	LockPrefixTable               uint32
	MaximumAllocationSize         uint32
	VirtualMemoryThreshold        uint32
	ProcessHeapFlags              uint32
	ProcessAffinityMask           uint32
	CSDVersion                    uint16
	DependentLoadFlags            uint16
	EditList                      uint32
	SecurityCookie                uint32
	SEHandlerTable                uint32
	SEHandlerCount                uint32
}

const (
	LoadConfigDirectorySize = 72
	loadConfigLockPrefix    = 32
	loadConfigEditList      = 56
	loadConfigCookie        = 60
	loadConfigSEHTable      = 64
)

// TLSDirectory is the TLS directory together with its callback array.
type TLSDirectory struct {
	Struct    ImageTLSDirectory32
	RVA       core.RelativeAddress
	Callbacks []uint32
}

// toRVA converts an absolute address of the image to an RVA.
func (f *File) toRVA(va uint32) (core.RelativeAddress, error) {
	base := uint32(f.ImageBase())
	if va < base {
		return 0, errors.Wrapf(ErrPointerOutOfImage, "address 0x%X below image base 0x%X", va, base)
	}
	return core.RelativeAddress(va - base), nil
}

// ReadTLS reads the TLS directory of a PE32 image. The callback array must
// end with a null pointer.
func (f *File) ReadTLS() (*TLSDirectory, error) {
	dir := f.DataDirectory(ImageDirectoryEntryTls)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	if _, err := f.OptionalHeader32(); err != nil {
		return nil, err
	}

	tls := &TLSDirectory{RVA: core.RelativeAddress(dir.VirtualAddress)}
	if err := f.readStruct(tls.RVA, &tls.Struct); err != nil {
		return nil, errors.WithMessage(err, "TLS directory")
	}
	if tls.Struct.AddressOfCallBacks == 0 {
		return tls, nil
	}
	rva, err := f.toRVA(tls.Struct.AddressOfCallBacks)
	if err != nil {
		return nil, errors.WithMessage(err, "TLS callbacks")
	}
	for i := uint32(0); ; i++ {
		if i >= maxAllowedEntries {
			return nil, errors.Wrap(ErrMissingSentinel, "TLS callbacks")
		}
		cb, err := f.ReadUint32(rva + core.RelativeAddress(4*i))
		if err != nil {
			return nil, errors.Wrap(ErrMissingSentinel, "TLS callbacks")
		}
		if cb == 0 {
			return tls, nil
		}
		tls.Callbacks = append(tls.Callbacks, cb)
	}
}

// ReadLoadConfig reads the load configuration directory of a PE32 image.
// Fields beyond the size the directory declares read as zero.
func (f *File) ReadLoadConfig() (*ImageLoadConfigDirectory32, error) {
	dir := f.DataDirectory(ImageDirectoryEntryLoadConfig)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	if _, err := f.OptionalHeader32(); err != nil {
		return nil, err
	}
	size := dir.Size
	if size > LoadConfigDirectorySize {
		size = LoadConfigDirectorySize
	}
	raw, err := f.ImageData(core.RelativeAddress(dir.VirtualAddress), size)
	if err != nil {
		return nil, errors.WithMessage(err, "load configuration directory")
	}
	buf := make([]byte, LoadConfigDirectorySize)
	copy(buf, raw)
	lc := &ImageLoadConfigDirectory32{}
	if err := unpackLE(buf, lc); err != nil {
		return nil, err
	}
	return lc, nil
}
