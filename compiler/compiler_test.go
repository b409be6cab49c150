package compiler

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kr/pretty"

	"github.com/AI-nsley69/zscript/ast"
	"github.com/AI-nsley69/zscript/lexer"
	"github.com/AI-nsley69/zscript/parser"
)

func parse(t *testing.T, src string) *ast.Program {
	t.Helper()
	l := lexer.New(src)
	p := parser.New(l)
	program := p.ParseProgram()
	if errs := p.Errors(); len(errs) > 0 {
		t.Fatalf("parser errors for %q: %v", src, errs)
	}
	return program
}

func TestCompileArithmeticConstantFolding(t *testing.T) {
	// Compilation must succeed and produce a main frame for every
	// constant-foldable expression scenario (spec.md §8).
	tests := []string{
		"1 + 1 + 1;",
		"1 * 2 - 4 / 2 + 1;",
		"1.5 + 1.5;",
	}
	for _, src := range tests {
		program := parse(t, src)
		c := New()
		module, err := c.Compile(program)
		if err != nil {
			t.Fatalf("compile(%q): %v", src, err)
		}
		if len(module.Functions) == 0 || module.Functions[0].Name != "main" {
			t.Fatalf("compile(%q): main frame missing or misplaced", src)
		}
	}
}

func TestCompileRecursiveFunction(t *testing.T) {
	src := `
func f(n: int): int {
	if n <= 1 {
		return n;
	}
	return f(n - 1) + f(n - 2);
}
f(3);
`
	program := parse(t, src)
	c := New()
	module, err := c.Compile(program)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(module.Functions) != 2 {
		t.Fatalf("want 2 functions (main, f), got %d", len(module.Functions))
	}
	if module.Functions[0].Name != "main" {
		t.Fatalf("main must be reserved at index 0, got %q", module.Functions[0].Name)
	}
}

func TestCompileImmutableAssignmentFails(t *testing.T) {
	src := `
const x: int = 1;
x = 2;
`
	program := parse(t, src)
	c := New()
	_, err := c.Compile(program)
	if err == nil {
		t.Fatal("expected a compile error assigning to an immutable variable")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "immutable") {
		t.Fatalf("error %q does not mention immutability", err)
	}
}

func TestCompileUndefinedIdentifierFails(t *testing.T) {
	src := "y + 1;"
	program := parse(t, src)
	c := New()
	_, err := c.Compile(program)
	if err == nil {
		t.Fatal("expected a compile error referencing an undefined identifier")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "undefined variable") {
		t.Fatalf("error %q does not mention an undefined variable", err)
	}
}

func TestCompileGlobalVariable(t *testing.T) {
	src := `
var counter: int = 0;
counter = counter + 1;
`
	program := parse(t, src)
	c := New()
	module, err := c.Compile(program)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if module.NumGlobals != 1 {
		t.Fatalf("want 1 global, got %d", module.NumGlobals)
	}
}

// TestDebugSymbolsSorted checks the -v diagnostic symbol dump is complete
// and stably sorted; on mismatch it pretty-prints both sides via kr/pretty
// for a readable diff instead of Go's default %v formatting.
func TestDebugSymbolsSorted(t *testing.T) {
	src := `
var total: int = 0;
func double(n: int): int {
	return n * 2;
}
double(total);
`
	program := parse(t, src)
	c := New()
	if _, err := c.Compile(program); err != nil {
		t.Fatalf("compile: %v", err)
	}

	want := []string{"double", "total"}
	got := c.DebugSymbols()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("DebugSymbols mismatch (-want +got):\n%s\nwant: %s\ngot:  %s", diff, pretty.Sprint(want), pretty.Sprint(got))
	}
}

func TestCompileObjectAndMethod(t *testing.T) {
	src := `
object Counter {
	count: int,

	method bump(): int {
		return self.count + 1;
	}
}
var c: Counter = new Counter;
c.bump();
`
	program := parse(t, src)
	comp := New()
	module, err := comp.Compile(program)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(module.Schemas) != 1 {
		t.Fatalf("want 1 schema, got %d", len(module.Schemas))
	}
	if module.Schemas[0].FieldCount() != 1 {
		t.Fatalf("want 1 field on Counter, got %d", module.Schemas[0].FieldCount())
	}
}
