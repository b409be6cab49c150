package vm

import "github.com/pkg/errors"

// Sentinel runtime errors, per spec.md §7. Call sites wrap these with
// errors.Wrap/Wrapf to add a message describing the failed operation (no
// frame or ip is attached), so callers can still match on identity with
// errors.Is.
var (
	ErrMismatchedTypes      = errors.New("vm: mismatched types")
	ErrInvalidParameter     = errors.New("vm: invalid parameter")
	ErrUnsupportedOperation = errors.New("vm: unsupported operation")
	ErrUnknownField         = errors.New("vm: unknown field")
	ErrStackOverflow        = errors.New("vm: stack overflow")
)

// Run's normal-completion signal is a nil error: the program ran off the end
// of its top-level (main) frame's body and the final value is returned
// directly, matching spec.md §7's EndOfStream distinguishing completion
// from error rather than introducing a separate sentinel type for it.
