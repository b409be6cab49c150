package compiler

import "github.com/AI-nsley69/zscript/heap"

// CompileConfig controls the heap the compiler allocates string and object
// prototype constants onto (SPEC_FULL.md's ambient configuration layer).
type CompileConfig struct {
	InitialHeapSize uint64
	MaxHeapSize     uint64
}

// DefaultCompileConfig matches spec.md §4.2's defaults: 1 MiB initial, 2 GiB
// ceiling.
func DefaultCompileConfig() CompileConfig {
	return CompileConfig{
		InitialHeapSize: heap.InitialSize,
		MaxHeapSize:     heap.MaxSize,
	}
}
