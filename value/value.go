// Package value defines zScript's runtime value representation: a tagged
// union of inline scalars plus a reference into the managed heap.
package value

import (
	"fmt"
	"math"
)

// Kind tags the variant held by a Value.
type Kind byte

const (
	Int Kind = iota
	Float
	Bool
	Boxed
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Boxed:
		return "boxed"
	default:
		return "unknown"
	}
}

// Value is a tagged union: Int/Float/Bool are stored entirely inline and
// never touch the heap; Boxed carries a reference (a byte offset) into the
// heap region where a BoxedHeader and its payload live.
type Value struct {
	Kind Kind
	bits uint64 // Int: i64 bit pattern. Float: f64 bits. Bool: 0/1. Boxed: heap offset.
}

func IntVal(i int64) Value   { return Value{Kind: Int, bits: uint64(i)} }
func FloatVal(f float64) Value { return Value{Kind: Float, bits: math.Float64bits(f)} }
func BoolVal(b bool) Value {
	v := Value{Kind: Bool}
	if b {
		v.bits = 1
	}
	return v
}

// BoxedVal builds a Value that references a heap object at the given
// offset. offset is an index into the heap's byte region, not a raw
// pointer, so it stays valid across the copying collector's rewrite pass.
func BoxedVal(offset uint64) Value { return Value{Kind: Boxed, bits: offset} }

func (v Value) Int() int64     { return int64(v.bits) }
func (v Value) Float() float64 { return math.Float64frombits(v.bits) }
func (v Value) Bool() bool     { return v.bits != 0 }
func (v Value) Offset() uint64 { return v.bits }

// IsBoxed reports whether this value references the heap.
func (v Value) IsBoxed() bool { return v.Kind == Boxed }

// GoString is a debug representation distinct from the language-level
// String() formatting produced by (*heap.Heap).Format, which needs heap
// access to read Boxed strings and so cannot live on Value itself.
func (v Value) GoString() string {
	switch v.Kind {
	case Int:
		return fmt.Sprintf("Int(%d)", v.Int())
	case Float:
		return fmt.Sprintf("Float(%g)", v.Float())
	case Bool:
		return fmt.Sprintf("Bool(%t)", v.Bool())
	case Boxed:
		return fmt.Sprintf("Boxed(@%d)", v.Offset())
	default:
		return "Value(?)"
	}
}
