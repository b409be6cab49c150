package vm

import (
	"fmt"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"

	"github.com/AI-nsley69/zscript/ast"
	"github.com/AI-nsley69/zscript/compiler"
	"github.com/AI-nsley69/zscript/lexer"
	"github.com/AI-nsley69/zscript/parser"
	"github.com/AI-nsley69/zscript/value"
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

func runSource(t *testing.T, src string) value.Value {
	t.Helper()
	program := parse(t, src)
	c := compiler.New()
	module, err := c.Compile(program)
	if err != nil {
		t.Fatalf("compile(%q): %v", src, err)
	}
	machine := New(module, c.Heap(), DefaultRunConfig())
	result, err := machine.Run()
	if err != nil {
		t.Fatalf("run(%q): %v", src, err)
	}
	return result
}

func TestEndToEndArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		kind value.Kind
		i    int64
		f    float64
	}{
		{"1 + 1 + 1;", value.Int, 3, 0},
		{"1 * 2 - 4 / 2 + 1;", value.Int, 1, 0},
		{"1.5 + 1.5;", value.Float, 0, 3.0},
	}
	for _, tt := range tests {
		got := runSource(t, tt.src)
		if got.Kind != tt.kind {
			t.Fatalf("%q: want kind %v, got %v", tt.src, tt.kind, got.Kind)
		}
		switch tt.kind {
		case value.Int:
			if got.Int() != tt.i {
				t.Fatalf("%q: want Int(%d), got Int(%d)", tt.src, tt.i, got.Int())
			}
		case value.Float:
			if got.Float() != tt.f {
				t.Fatalf("%q: want Float(%g), got Float(%g)", tt.src, tt.f, got.Float())
			}
		}
	}
}

func TestEndToEndRecursiveFibonacciLike(t *testing.T) {
	src := `
func f(n: int): int {
	if n <= 1 {
		return n;
	}
	return f(n - 1) + f(n - 2);
}
f(3);
`
	got := runSource(t, src)
	if got.Kind != value.Int || got.Int() != 2 {
		t.Fatalf("f(3): want Int(2), got %#v", got)
	}
}

func TestEndToEndStringConcatenation(t *testing.T) {
	got := runSource(t, `"foo" + "bar";`)
	if got.Kind != value.Boxed {
		t.Fatalf("want a boxed string result, got %#v", got)
	}
}

func TestEndToEndArray(t *testing.T) {
	src := `
var a = [1, 2, 3];
a[1];
`
	got := runSource(t, src)
	if got.Kind != value.Int || got.Int() != 2 {
		t.Fatalf("a[1]: want Int(2), got %#v", got)
	}
}

// TestEndToEndArrayContents reads every element back out of a multi-element
// array and compares the whole sequence at once with go-cmp, dumping the
// full register/heap-backed result with go-spew if it ever disagrees (a
// richer failure message than a per-index t.Fatalf would give).
func TestEndToEndArrayContents(t *testing.T) {
	elements := []int64{10, 20, 30}
	got := make([]int64, len(elements))
	for i := range elements {
		src := fmt.Sprintf("var a = [10, 20, 30];\na[%d];", i)
		v := runSource(t, src)
		if v.Kind != value.Int {
			t.Fatalf("a[%d]: want an Int, got %s", i, spew.Sdump(v))
		}
		got[i] = v.Int()
	}
	if diff := cmp.Diff(elements, got); diff != "" {
		t.Fatalf("array contents mismatch (-want +got):\n%s\nfull dump: %s", diff, spew.Sdump(got))
	}
}

func TestEndToEndGlobalMutation(t *testing.T) {
	src := `
var counter = 0;
counter = counter + 1;
counter = counter + 1;
counter;
`
	got := runSource(t, src)
	if got.Kind != value.Int || got.Int() != 2 {
		t.Fatalf("counter: want Int(2), got %#v", got)
	}
}

func TestIntegerDivisionByZero(t *testing.T) {
	program := parse(t, "1 / 0;")
	c := compiler.New()
	module, err := c.Compile(program)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	machine := New(module, c.Heap(), DefaultRunConfig())
	_, err = machine.Run()
	if err == nil {
		t.Fatal("want an error dividing by zero")
	}
}

func TestMixedIntFloatArithmeticPromotes(t *testing.T) {
	got := runSource(t, "1 + 1.5;")
	if got.Kind != value.Float || got.Float() != 2.5 {
		t.Fatalf("want Float(2.5), got %#v", got)
	}
}

func TestCrossTagEqualityIsFalseBothWays(t *testing.T) {
	eq := runSource(t, "1 == true;")
	neq := runSource(t, "1 != true;")
	if eq.Kind != value.Bool || eq.Bool() != false {
		t.Fatalf("1 == true: want Bool(false), got %#v", eq)
	}
	if neq.Kind != value.Bool || neq.Bool() != false {
		t.Fatalf("1 != true: want Bool(false), got %#v (documents the observed-behavior decision, not a 'fixed' asymmetry)", neq)
	}
}

// TestCrossTagEquality_AlternativeInterpretation documents the rejected
// "symmetric fix" reading of cross-tag equality (DESIGN.md decision 1):
// under that reading `1 != true` would be true rather than false. Skipped
// because the implementation deliberately preserves the documented
// (if surprising) behavior instead.
func TestCrossTagEquality_AlternativeInterpretation(t *testing.T) {
	t.Skip("documents a rejected interpretation; see DESIGN.md decision 1")
	neq := runSource(t, "1 != true;")
	if neq.Kind != value.Bool || neq.Bool() != true {
		t.Fatalf("under the symmetric-fix reading, 1 != true would be Bool(true), got %#v", neq)
	}
}
