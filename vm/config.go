package vm

// RunConfig controls the VM's call-depth ceiling and trace logging
// (SPEC_FULL.md's ambient configuration layer). Heap sizing is controlled
// separately by compiler.CompileConfig, since the VM reuses the compiler's
// heap rather than constructing its own (see New).
type RunConfig struct {
	MaxCallDepth int
	Trace        bool
}

// DefaultRunConfig matches spec.md §4.5's default: a maximum call depth of
// 65,535 frames, tracing off.
func DefaultRunConfig() RunConfig {
	return RunConfig{MaxCallDepth: 65535}
}
