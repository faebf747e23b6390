package blockgraph

import (
	"fmt"

	"github.com/pkg/errors"
)

// ReferenceType describes how a reference is encoded in its host block.
type ReferenceType uint8

const (
	// PCRelativeRef is a displacement from the end of the reference.
	PCRelativeRef ReferenceType = iota
	// AbsoluteRef is an absolute virtual address, subject to base relocation.
	AbsoluteRef
	// RelativeRef is an RVA.
	RelativeRef
	// FileOffsetRef is an offset into the on-disk image.
	FileOffsetRef
	// SectionOffsetRef is an offset from the start of the target's section.
	SectionOffsetRef
)

func (t ReferenceType) String() string {
	switch t {
	case PCRelativeRef:
		return "PC_RELATIVE_REF"
	case AbsoluteRef:
		return "ABSOLUTE_REF"
	case RelativeRef:
		return "RELATIVE_REF"
	case FileOffsetRef:
		return "FILE_OFFSET_REF"
	case SectionOffsetRef:
		return "SECTION_OFFSET_REF"
	default:
		return fmt.Sprintf("ReferenceType(%d)", uint8(t))
	}
}

// Reference is an outgoing edge from a block to a target block.
//
// Base is the offset into the target the reference conceptually names and
// must lie inside the target. Offset is the value actually encoded, which
// differs from Base for pointer arithmetic such as &array[10].
type Reference struct {
	Type       ReferenceType
	Size       uint8
	Referenced BlockID
	Offset     int32
	Base       int32
}

// NewReference returns a reference to target, checking its size and base.
func NewReference(typ ReferenceType, size uint8, target *Block, offset, base int32) (Reference, error) {
	ref := Reference{Type: typ, Size: size, Referenced: target.ID(), Offset: offset, Base: base}
	if err := ref.validate(target); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// NewDirectReference returns a reference whose offset equals its base.
func NewDirectReference(typ ReferenceType, size uint8, target *Block, offset int32) (Reference, error) {
	return NewReference(typ, size, target, offset, offset)
}

// IsDirect reports whether the encoded offset equals the base.
func (r Reference) IsDirect() bool {
	return r.Offset == r.Base
}

// IsValidSize reports whether size is a supported reference width.
func IsValidSize(size uint8) bool {
	return size == 1 || size == 2 || size == 4
}

func (r Reference) validate(target *Block) error {
	if !IsValidSize(r.Size) {
		return errors.Wrapf(ErrInvalidRefSize, "size %d", r.Size)
	}
	// Zero-sized blocks can only be referred to at offset zero.
	if target.Size() == 0 {
		if r.Base != 0 {
			return errors.Wrapf(ErrRefOutOfBounds, "base %d into empty block %d", r.Base, target.ID())
		}
		return nil
	}
	if r.Base < 0 || uint32(r.Base) >= target.Size() {
		return errors.Wrapf(ErrRefOutOfBounds, "base %d outside block %d of size %d",
			r.Base, target.ID(), target.Size())
	}
	return nil
}

func (r Reference) String() string {
	return fmt.Sprintf("%s(size=%d, block=%d, offset=%d, base=%d)",
		r.Type, r.Size, r.Referenced, r.Offset, r.Base)
}

// ReferenceEntry is a reference together with its offset in the host block.
type ReferenceEntry struct {
	Offset    int32
	Reference Reference
}

// Referrer is the inverse of a reference, stored on the target block.
type Referrer struct {
	Block  BlockID
	Offset int32
}

func (r Referrer) less(other Referrer) bool {
	if r.Block != other.Block {
		return r.Block < other.Block
	}
	return r.Offset < other.Offset
}
