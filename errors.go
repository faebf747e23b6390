package pe

import "github.com/pkg/errors"

var (
	ErrNotAPEFile          = errors.New("not a PE file")
	ErrTruncatedHeader     = errors.New("PE header is truncated")
	ErrInvalidSectionTable = errors.New("invalid section table")
	ErrOverlappingSections = errors.New("sections overlap")
	ErrUnsupportedImage    = errors.New("only PE32 images are supported")
)

var (
	ErrOutsideBoundary    = errors.New("reading data outside boundary")
	ErrPointerOutOfImage  = errors.New("pointer lies outside the image")
	ErrMissingSentinel    = errors.New("array is missing its terminating entry")
	ErrInvalidRelocations = errors.New("malformed base relocation directory")
	ErrDamagedImportTable = errors.New(
		"damaged Import Table information. ILT and/or IAT appear to be broken")
	ErrConflictingBlock = errors.New("PE structure overlaps an existing block")
)

var (
	ErrImageExceedsFileAlignment = errors.New("image headers exceed their file alignment")
	ErrUnplaceableBlock          = errors.New("block cannot be placed in the image")
	ErrPEConsistency             = errors.New("written image is not a consistent PE file")
	ErrReferenceOutOfRange       = errors.New("reference value does not fit its size")
)
