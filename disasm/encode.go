package disasm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrNotEncodable is returned for branches that have no encoding in the
// requested form.
var ErrNotEncodable = errors.New("branch cannot be encoded")

// Encoded branch sizes.
const (
	ShortBranchSize       = 2
	LongUnconditionalSize = 5
	LongConditionalSize   = 6
	ShortDisplacementSize = 1
	LongDisplacementSize  = 4
)

// PaddingByte fills unused bytes in code.
const PaddingByte byte = 0xCC

const (
	opJmpShort byte = 0xEB
	opJmpLong  byte = 0xE9
	opJccShort byte = 0x70
	opTwoByte  byte = 0x0F
	opJccLong  byte = 0x80
	opLoopNE   byte = 0xE0
	opLoopE    byte = 0xE1
	opLoop     byte = 0xE2
	opJecxz    byte = 0xE3
)

// BranchSize returns the encoded size of a branch under c. Counter branches
// only exist in short form.
func BranchSize(c Condition, long bool) (int, error) {
	switch {
	case c == True && long:
		return LongUnconditionalSize, nil
	case c.IsArithmetic() && long:
		return LongConditionalSize, nil
	case c == True || c.IsArithmetic():
		return ShortBranchSize, nil
	case c >= CounterIsZero && c <= LoopIfNotEqual:
		if long {
			return 0, errors.Wrapf(ErrNotEncodable, "%s has no long form", c)
		}
		return ShortBranchSize, nil
	}
	return 0, errors.Wrapf(ErrNotEncodable, "condition %s", c)
}

// DisplacementSize returns the width of the displacement of a branch.
func DisplacementSize(long bool) int {
	if long {
		return LongDisplacementSize
	}
	return ShortDisplacementSize
}

// FitsShort reports whether disp can be encoded in a rel8 field.
func FitsShort(disp int32) bool {
	return disp >= -128 && disp <= 127
}

// EncodeBranch encodes a branch under c with displacement disp measured from
// the end of the branch.
func EncodeBranch(c Condition, disp int32, long bool) ([]byte, error) {
	size, err := BranchSize(c, long)
	if err != nil {
		return nil, err
	}
	if !long && !FitsShort(disp) {
		return nil, errors.Wrapf(ErrNotEncodable, "displacement %d does not fit rel8", disp)
	}

	buf := make([]byte, size)
	switch {
	case c == True && long:
		buf[0] = opJmpLong
	case c == True:
		buf[0] = opJmpShort
	case c.IsArithmetic() && long:
		buf[0] = opTwoByte
		buf[1] = opJccLong + byte(c)
	case c.IsArithmetic():
		buf[0] = opJccShort + byte(c)
	case c == CounterIsZero:
		buf[0] = opJecxz
	case c == Loop:
		buf[0] = opLoop
	case c == LoopIfEqual:
		buf[0] = opLoopE
	case c == LoopIfNotEqual:
		buf[0] = opLoopNE
	}

	if long {
		binary.LittleEndian.PutUint32(buf[size-LongDisplacementSize:], uint32(disp))
	} else {
		buf[size-1] = byte(int8(disp))
	}
	return buf, nil
}
