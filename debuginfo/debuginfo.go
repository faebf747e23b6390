// Package debuginfo describes the symbol, label, section contribution and
// fixup streams the decomposer consumes, and provides a provider backed by
// a JSON dump of them.
package debuginfo

import (
	"github.com/pkg/errors"

	"github.com/wanglei-coder/syzygy/core"
)

var (
	ErrUnknownKind    = errors.New("unknown debug information kind")
	ErrInvalidDump    = errors.New("invalid debug information dump")
	ErrDuplicateFixup = errors.New("two fixups share a location")
)

// Provider exposes the debug information of one image. Implementations are
// consulted read-only during decomposition.
type Provider interface {
	Symbols() ([]Symbol, error)
	Labels() ([]Label, error)
	SectionContributions() ([]SectionContribution, error)
	Fixups() ([]Fixup, error)
}

// SymbolKind classifies a symbol of the global scope.
type SymbolKind uint8

const (
	FunctionSymbol SymbolKind = iota
	ThunkSymbol
	DataSymbol
	LabelSymbol
	PublicSymbol
	CompilandSymbol
)

var symbolKindNames = []string{"function", "thunk", "data", "label", "public", "compiland"}

func (k SymbolKind) String() string { return kindName(uint8(k), symbolKindNames) }

func (k SymbolKind) MarshalText() ([]byte, error) { return marshalKind(uint8(k), symbolKindNames) }

func (k *SymbolKind) UnmarshalText(text []byte) error {
	v, err := unmarshalKind(text, symbolKindNames)
	*k = SymbolKind(v)
	return err
}

// Symbol is a named range of the image.
type Symbol struct {
	Name      string               `json:"name"`
	Kind      SymbolKind           `json:"kind"`
	RVA       core.RelativeAddress `json:"rva"`
	Size      uint32               `json:"size"`
	Compiland string               `json:"compiland,omitempty"`
	NonReturn bool                 `json:"non_return,omitempty"`
	// HasInlineAssembly marks functions the compiler reports as containing
	// hand written assembly.
	HasInlineAssembly bool `json:"has_inline_assembly,omitempty"`
	// HasExceptionHandling marks functions with structured exception
	// handling frames.
	HasExceptionHandling bool `json:"has_exception_handling,omitempty"`
}

// Range returns the address range covered by the symbol.
func (s Symbol) Range() core.AddressRange[core.RelativeAddress] {
	return core.NewAddressRange(s.RVA, s.Size)
}

// LabelKind classifies a label record.
type LabelKind uint8

const (
	CodeLabel LabelKind = iota
	LineNumberLabel
	CaseTableLabel
	JumpTableLabel
	DataLabel
	DebugStartLabel
	DebugEndLabel
	ScopeStartLabel
	ScopeEndLabel
	PublicSymbolLabel
	CallSiteLabel
)

var labelKindNames = []string{
	"code", "line-number", "case-table", "jump-table", "data", "debug-start",
	"debug-end", "scope-start", "scope-end", "public-symbol", "call-site",
}

func (k LabelKind) String() string { return kindName(uint8(k), labelKindNames) }

func (k LabelKind) MarshalText() ([]byte, error) { return marshalKind(uint8(k), labelKindNames) }

func (k *LabelKind) UnmarshalText(text []byte) error {
	v, err := unmarshalKind(text, labelKindNames)
	*k = LabelKind(v)
	return err
}

// Label names one address of the image.
type Label struct {
	Name string               `json:"name"`
	Kind LabelKind            `json:"kind"`
	RVA  core.RelativeAddress `json:"rva"`
}

// SectionContribution states that a range of a section came from one
// compiland.
type SectionContribution struct {
	RVA             core.RelativeAddress `json:"rva"`
	Size            uint32               `json:"size"`
	Compiland       string               `json:"compiland"`
	Section         uint16               `json:"section"`
	Characteristics uint32               `json:"characteristics"`
}

// Range returns the address range of the contribution.
func (c SectionContribution) Range() core.AddressRange[core.RelativeAddress] {
	return core.NewAddressRange(c.RVA, c.Size)
}

// FixupType is the encoding of the reference a fixup describes.
type FixupType uint8

const (
	AbsoluteFixup FixupType = iota
	PCRelative32Fixup
	PCRelative16Fixup
	PCRelative8Fixup
	RelativeFixup
	SectionOffsetFixup
	FileOffsetFixup
)

var fixupTypeNames = []string{"absolute", "pc-relative", "pc-relative-16", "pc-relative-8", "relative",
	"section-offset", "file-offset"}

func (t FixupType) String() string { return kindName(uint8(t), fixupTypeNames) }

func (t FixupType) MarshalText() ([]byte, error) { return marshalKind(uint8(t), fixupTypeNames) }

func (t *FixupType) UnmarshalText(text []byte) error {
	v, err := unmarshalKind(text, fixupTypeNames)
	*t = FixupType(v)
	return err
}

// Size returns the width in bytes of the encoded reference.
func (t FixupType) Size() uint8 {
	switch t {
	case PCRelative8Fixup:
		return 1
	case PCRelative16Fixup:
		return 2
	}
	return 4
}

// Fixup describes one location the linker wrote an address into, and the
// address it intended.
type Fixup struct {
	Location     core.RelativeAddress `json:"location"`
	Type         FixupType            `json:"type"`
	Target       core.RelativeAddress `json:"target"`
	Displacement int32                `json:"displacement,omitempty"`
	// Data marks fixups in data rather than in instruction operands.
	Data bool `json:"data,omitempty"`
}

func kindName(v uint8, names []string) string {
	if int(v) < len(names) {
		return names[v]
	}
	return "unknown"
}

func marshalKind(v uint8, names []string) ([]byte, error) {
	if int(v) >= len(names) {
		return nil, errors.Wrapf(ErrUnknownKind, "value %d", v)
	}
	return []byte(names[v]), nil
}

func unmarshalKind(text []byte, names []string) (uint8, error) {
	for i, name := range names {
		if name == string(text) {
			return uint8(i), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownKind, "%q", text)
}
