package blockgraph

import "github.com/pkg/errors"

var (
	ErrRefOutOfBounds     = errors.New("reference out of bounds")
	ErrInvalidRefSize     = errors.New("reference size must be 1, 2 or 4")
	ErrTargetInOtherGraph = errors.New("reference target belongs to another block graph")
	ErrCyclicMerge        = errors.New("cannot merge a block into itself")
	ErrBlockHasReferrers  = errors.New("block still has referrers")
	ErrBlockNotFound      = errors.New("block not found")
	ErrLabelOutOfBounds   = errors.New("label offset outside block")
	ErrInvalidAlignment   = errors.New("alignment must be a power of two")
	ErrInconsistentGraph  = errors.New("block graph is inconsistent")
)

var (
	ErrSerializationMagic     = errors.New("block graph stream has a bad magic")
	ErrSerializationVersion   = errors.New("block graph stream has an unsupported version")
	ErrSerializationTruncated = errors.New("block graph stream is truncated")
	ErrSerializationData      = errors.New("block data cannot be restored")
)

var (
	ErrBlockNotInLayout     = errors.New("block is not part of the image layout")
	ErrBlockOutsideSection  = errors.New("block lies outside its section")
	ErrLayoutNotContiguous  = errors.New("section is not covered contiguously by blocks")
	ErrSectionIndexMismatch = errors.New("block section index does not match its address")
)
