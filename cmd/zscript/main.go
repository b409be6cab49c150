// Command zscript is the CLI surface spec.md §6 documents: compile and run
// a source file, or inspect its AST/disassembly, or parse-check it without
// running. Grounded on cmd/minlang/main.go's flag handling and
// stderr/os.Exit error-reporting style.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/AI-nsley69/zscript/ast"
	"github.com/AI-nsley69/zscript/bytecode"
	"github.com/AI-nsley69/zscript/compiler"
	"github.com/AI-nsley69/zscript/lexer"
	"github.com/AI-nsley69/zscript/parser"
	"github.com/AI-nsley69/zscript/vm"
)

// version is the package manifest version spec.md §6's `version`/`v`
// surfaces. No build-info injection machinery in this tree, so it's a
// plain constant — bump alongside go.mod's module changes.
const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	switch args[0] {
	case "version", "v":
		fmt.Println("zscript", version)
		return 0
	case "check":
		return runCheck(args[1:])
	default:
		return runMain(args)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: zscript [--ast] [--asm] [-v] <source>")
	fmt.Fprintln(os.Stderr, "       zscript check <source>")
	fmt.Fprintln(os.Stderr, "       zscript version")
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		usage()
		return 1
	}
	_, err := parseFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runMain(args []string) int {
	fs := flag.NewFlagSet("zscript", flag.ContinueOnError)
	printAST := fs.Bool("ast", false, "print the parsed AST and exit")
	printAsm := fs.Bool("asm", false, "print the compiled disassembly and exit")
	verbose := fs.Bool("v", false, "trace VM execution")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		usage()
		return 1
	}

	program, err := parseFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *printAST {
		fmt.Println(program.String())
		return 0
	}

	c := compiler.New()
	module, err := c.Compile(program)
	if err != nil {
		fmt.Fprintln(os.Stderr, "compile error:", err)
		return 1
	}
	if *verbose {
		fmt.Fprintln(os.Stderr, "symbols:", c.DebugSymbols())
	}

	if *printAsm {
		fmt.Println(bytecode.Disassemble(module))
		return 0
	}

	cfg := vm.DefaultRunConfig()
	cfg.Trace = *verbose
	machine := vm.New(module, c.Heap(), cfg)
	result, err := machine.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "runtime error:", err)
		return 1
	}

	fmt.Println(c.Heap().Format(result))
	return 0
}

func parseFile(path string) (*ast.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	l := lexer.New(string(data))
	p := parser.New(l)
	program := p.ParseProgram()
	if errs := p.Errors(); len(errs) > 0 {
		msg := "parse errors:\n"
		for _, e := range errs {
			msg += "\t" + e + "\n"
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return program, nil
}
