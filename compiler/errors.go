package compiler

import "github.com/pkg/errors"

// Sentinel compile errors, per spec.md §7. Call sites wrap these with
// errors.Wrapf to add context (the offending name; for an undefined
// identifier in an expression, also its line and column) before returning,
// so callers can still match on identity with errors.Is.
var (
	ErrOutOfRegisters  = errors.New("compiler: out of registers")
	ErrOutOfConstants  = errors.New("compiler: out of constants")
	ErrInvalidJmpTarget = errors.New("compiler: invalid jump target")
	ErrUndefinedVariable = errors.New("compiler: undefined variable")
	ErrUndefinedObject  = errors.New("compiler: undefined object")
	ErrConstAssignment  = errors.New("compiler: assignment to immutable variable")
	ErrEvaluationFailed = errors.New("compiler: evaluation failed")
)

const maxRegisters = 256

// maxFrameBody is 1<<16 (65536): a u16 jump target can address offsets
// 0..65535, so a body occupying all of [0, 65536) has no valid offset
// left for a jump to its end. Bodies must stay strictly below this per
// spec.md §4.4, hence the >= comparison at call sites.
const maxFrameBody = 1 << 16
