// Package bytecode defines the artifact the compiler emits and the VM
// consumes: function frames, a constants table, and an object-schema
// registry (spec.md §3, §4.3, §6).
package bytecode

import (
	"github.com/samber/lo"

	"github.com/AI-nsley69/zscript/value"
)

// Function is frame metadata: a compiled body plus the register-file size
// the frame needs for spill/restore sizing (spec.md §3 "Function").
type Function struct {
	Name    string
	Body    []byte
	RegSize uint16
}

// Schema is the immutable, shared shape description for every instance of
// one object type: field names, method names, and their compiled bodies
// (spec.md §3 "Schema"). Field and method lookup by name return an index
// or "not found", exactly as specified.
type Schema struct {
	Name        string
	FieldNames  []string
	MethodNames []string
	Methods     []*Function
}

// FieldIndex resolves a field name to its slot index, or -1 if the schema
// has no such field.
func (s *Schema) FieldIndex(name string) int {
	return lo.IndexOf(s.FieldNames, name)
}

// MethodIndex resolves a method name to its index in Methods, or -1.
func (s *Schema) MethodIndex(name string) int {
	return lo.IndexOf(s.MethodNames, name)
}

func (s *Schema) FieldCount() int { return len(s.FieldNames) }

// Module is the wire format handed from the compiler to the VM: an
// ordered list of function frames, a flat constants table, and the
// program's object schemas, addressable both by name (for the compiler)
// and by index (for the heap's BoxedHeader.Object payload).
type Module struct {
	Functions []*Function
	Constants []value.Value

	Schemas      []*Schema
	SchemaByName map[string]int

	// NumGlobals sizes the VM's globals slice (SPEC_FULL.md §2 "Global
	// variables" — an enrichment with no spec.md equivalent).
	NumGlobals int
}

// NewModule returns an empty, ready-to-populate Module.
func NewModule() *Module {
	return &Module{SchemaByName: make(map[string]int)}
}

// AddSchema registers a schema and returns its index.
func (m *Module) AddSchema(s *Schema) int {
	idx := len(m.Schemas)
	m.Schemas = append(m.Schemas, s)
	m.SchemaByName[s.Name] = idx
	return idx
}

// FieldCount implements heap.SchemaTable.
func (m *Module) FieldCount(schemaIndex uint32) int {
	if int(schemaIndex) >= len(m.Schemas) {
		return 0
	}
	return m.Schemas[schemaIndex].FieldCount()
}

// FunctionByName finds a compiled function by name. The compiler resolves
// call targets through its own name-to-index table instead; a `call`
// operand is an index into Functions.
func (m *Module) FunctionByName(name string) (*Function, bool) {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return nil, false
}
