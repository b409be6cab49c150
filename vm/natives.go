package vm

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/AI-nsley69/zscript/heap"
	"github.com/AI-nsley69/zscript/value"
)

// nativeFunc is the Go-side implementation of one entry in the fixed
// native registry (spec.md §6 "Native function ABI"). args arrive in
// declaration order, already popped off the parameter stack.
type nativeFunc func(h *heap.Heap, args []value.Value) (value.Value, error)

// natives is indexed the same way as compiler.DefaultNatives: print=0,
// len=1, clock=2.
var natives = []nativeFunc{
	nativePrint,
	nativeLen,
	nativeClock,
}

// nativeArity gives each entry's fixed parameter count, so native_call
// knows how many values to pop off the parameter stack before invoking it.
var nativeArity = []int{1, 1, 0}

// nativePrint implements the one native spec.md names explicitly: it
// writes asString(arg) to stdout via the heap's Format (the same
// conversion the CLI uses to print a program's result), and leaves r0
// untouched per the native ABI ("if the native has no return, r0 is left
// untouched").
func nativePrint(h *heap.Heap, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Value{}, errors.Wrap(ErrInvalidParameter, "print wants 1 argument")
	}
	fmt.Println(h.Format(args[0]))
	return value.Value{}, nil
}

// nativeLen is this implementation's enrichment (SPEC_FULL.md §2): string
// length in bytes, or an array's element count.
func nativeLen(h *heap.Heap, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Value{}, errors.Wrap(ErrInvalidParameter, "len wants 1 argument")
	}
	v := args[0]
	if !v.IsBoxed() {
		return value.Value{}, errors.Wrap(ErrUnsupportedOperation, "len on a non-boxed value")
	}
	switch h.Kind(v.Offset()) {
	case heap.KindString:
		return value.IntVal(int64(len(h.StringAt(v.Offset())))), nil
	case heap.KindArray:
		return value.IntVal(int64(h.FieldCountAt(v.Offset()))), nil
	default:
		return value.Value{}, errors.Wrap(ErrUnsupportedOperation, "len on an unsupported boxed kind")
	}
}

// nativeClock is this implementation's enrichment, for the benchmark
// parity SPEC_FULL.md calls out: wall-clock seconds as a float.
func nativeClock(h *heap.Heap, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Value{}, errors.Wrap(ErrInvalidParameter, "clock wants 0 arguments")
	}
	return value.FloatVal(float64(time.Now().UnixNano()) / 1e9), nil
}
