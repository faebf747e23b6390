package disasm

import "fmt"

// Condition is the condition under which a branch is taken. The first
// sixteen values match the x86 condition code encoding, so that a numeric
// condition and its inverse differ only in the lowest bit.
type Condition uint8

const (
	Overflow Condition = iota
	NoOverflow
	Below
	AboveOrEqual
	Equal
	NotEqual
	BelowOrEqual
	Above
	Signed
	NotSigned
	Parity
	NoParity
	Less
	GreaterOrEqual
	LessOrEqual
	Greater

	CounterIsZero
	Loop
	LoopIfEqual
	LoopIfNotEqual

	// The inverse counter conditions only exist to label the fall-through
	// successor of a counter branch. No instruction encodes them.
	InverseCounterIsZero
	InverseLoop
	InverseLoopIfEqual
	InverseLoopIfNotEqual

	// True is the condition of an unconditional branch.
	True
	Invalid
)

// MinArithmeticCondition and MaxArithmeticCondition bound the conditions
// that have a real inverse.
const (
	MinArithmeticCondition = Overflow
	MaxArithmeticCondition = Greater
)

var conditionNames = map[Condition]string{
	Overflow:              "overflow",
	NoOverflow:            "no-overflow",
	Below:                 "below",
	AboveOrEqual:          "above-or-equal",
	Equal:                 "equal",
	NotEqual:              "not-equal",
	BelowOrEqual:          "below-or-equal",
	Above:                 "above",
	Signed:                "signed",
	NotSigned:             "not-signed",
	Parity:                "parity",
	NoParity:              "no-parity",
	Less:                  "less",
	GreaterOrEqual:        "greater-or-equal",
	LessOrEqual:           "less-or-equal",
	Greater:               "greater",
	CounterIsZero:         "counter-is-zero",
	Loop:                  "loop",
	LoopIfEqual:           "loop-if-equal",
	LoopIfNotEqual:        "loop-if-not-equal",
	InverseCounterIsZero:  "inverse-counter-is-zero",
	InverseLoop:           "inverse-loop",
	InverseLoopIfEqual:    "inverse-loop-if-equal",
	InverseLoopIfNotEqual: "inverse-loop-if-not-equal",
	True:                  "true",
	Invalid:               "invalid",
}

func (c Condition) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Condition(%d)", uint8(c))
}

// IsArithmetic reports whether c is one of the sixteen flag conditions.
func (c Condition) IsArithmetic() bool {
	return c <= MaxArithmeticCondition
}

// IsCounter reports whether c belongs to the counter and loop family,
// including the synthetic inverses.
func (c Condition) IsCounter() bool {
	return c >= CounterIsZero && c <= InverseLoopIfNotEqual
}

// Invert returns the condition that holds exactly when c does not. Only
// arithmetic conditions are invertible; everything else yields Invalid.
func (c Condition) Invert() Condition {
	if c.IsArithmetic() {
		return c ^ 1
	}
	return Invalid
}

// FallThrough returns the condition labelling the not-taken successor of a
// branch taken under c. Counter branches get their synthetic inverse.
func (c Condition) FallThrough() Condition {
	switch {
	case c.IsArithmetic():
		return c ^ 1
	case c >= CounterIsZero && c <= LoopIfNotEqual:
		return c + (InverseCounterIsZero - CounterIsZero)
	case c >= InverseCounterIsZero && c <= InverseLoopIfNotEqual:
		return c - (InverseCounterIsZero - CounterIsZero)
	}
	return Invalid
}

// AreComplementary reports whether a and b can label the two successors of
// one basic block.
func AreComplementary(a, b Condition) bool {
	return a != Invalid && a != True && a.FallThrough() == b
}
