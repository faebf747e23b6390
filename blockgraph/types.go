package blockgraph

import (
	"fmt"
	"strings"
)

// BlockID identifies a block within its graph. IDs are assigned in
// increasing order and never reused.
type BlockID uint32

// SectionID indexes the sections of a block graph.
type SectionID uint32

// InvalidSectionID marks blocks that belong to no section, such as the
// image headers.
const InvalidSectionID = SectionID(^uint32(0))

// BlockType is the kind of content a block holds.
type BlockType uint8

const (
	CodeBlock BlockType = iota
	DataBlock
	ReadOnlyDataBlock
)

func (t BlockType) String() string {
	switch t {
	case CodeBlock:
		return "CODE_BLOCK"
	case DataBlock:
		return "DATA_BLOCK"
	case ReadOnlyDataBlock:
		return "READONLY_DATA_BLOCK"
	default:
		return fmt.Sprintf("BlockType(%d)", uint8(t))
	}
}

// BlockAttributes is a set of flags describing a block.
type BlockAttributes uint32

const (
	// SectionContribution marks blocks that were derived from a linker
	// section contribution.
	SectionContribution BlockAttributes = 1 << iota
	// PEParsed marks blocks created by parsing the PE container.
	PEParsed
	// PaddingBlock marks blocks synthesized for unreferenced gaps.
	PaddingBlock
	// OrphanedCode marks code not reachable from the entry point, exports or
	// PE structures.
	OrphanedCode
	NonReturnFunction
	HasInlineAssembly
	Thunk
	BuiltBySyzygy
	GapBlock
	ErroredDisassembly
	HasExceptionHandling
	// BasicEndBlock tags zero-sized blocks that mark the end of a basic block
	// decomposition.
	BasicEndBlock
)

var blockAttributeNames = []string{
	"SECTION_CONTRIBUTION",
	"PE_PARSED",
	"PADDING_BLOCK",
	"ORPHANED_CODE",
	"NON_RETURN_FUNCTION",
	"HAS_INLINE_ASSEMBLY",
	"THUNK",
	"BUILT_BY_SYZYGY",
	"GAP_BLOCK",
	"ERRORED_DISASSEMBLY",
	"HAS_EXCEPTION_HANDLING",
	"BASIC_END_BLOCK",
}

// Has reports whether all bits of attr are set.
func (a BlockAttributes) Has(attr BlockAttributes) bool {
	return a&attr == attr
}

func (a BlockAttributes) String() string {
	return flagNames(uint32(a), blockAttributeNames)
}

// LabelAttributes is a set of flags describing a label.
type LabelAttributes uint32

const (
	CodeLabel LabelAttributes = 1 << iota
	CallSiteLabel
	JumpTableLabel
	CaseTableLabel
	DataLabel
	DebugStartLabel
	DebugEndLabel
	ScopeStartLabel
	ScopeEndLabel
	PublicSymbolLabel
	LineNumberLabel
	JumpTargetLabel
)

var labelAttributeNames = []string{
	"CODE_LABEL",
	"CALL_SITE_LABEL",
	"JUMP_TABLE_LABEL",
	"CASE_TABLE_LABEL",
	"DATA_LABEL",
	"DEBUG_START_LABEL",
	"DEBUG_END_LABEL",
	"SCOPE_START_LABEL",
	"SCOPE_END_LABEL",
	"PUBLIC_SYMBOL_LABEL",
	"LINE_NUMBER_LABEL",
	"JUMP_TARGET_LABEL",
}

// Has reports whether all bits of attr are set.
func (a LabelAttributes) Has(attr LabelAttributes) bool {
	return a&attr == attr
}

// HasAny reports whether any bit of attr is set.
func (a LabelAttributes) HasAny(attr LabelAttributes) bool {
	return a&attr != 0
}

func (a LabelAttributes) String() string {
	return flagNames(uint32(a), labelAttributeNames)
}

// Label names an interesting offset within a block.
type Label struct {
	Name       string
	Attributes LabelAttributes
}

// LabelEntry is a label together with its offset, as returned by iteration.
type LabelEntry struct {
	Offset int32
	Label  Label
}

// Section is a named section of a block graph.
type Section struct {
	ID              SectionID
	Name            string
	Characteristics uint32
}

func flagNames(v uint32, names []string) string {
	if v == 0 {
		return "NONE"
	}
	var parts []string
	for i, name := range names {
		if v&(1<<uint(i)) != 0 {
			parts = append(parts, name)
			v &^= 1 << uint(i)
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", v))
	}
	return strings.Join(parts, "|")
}
