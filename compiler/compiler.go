// Package compiler lowers a validated AST into a bytecode.Module: one
// Function per source function (plus a synthetic "main" for top-level
// statements), a constants table, and the program's object schemas.
// Grounded on compiler/register_compiler.go's frame-based register
// allocator, retargeted from the teacher's 32-bit ABC word format to the
// spec's variable-width byte stream and from its unsafe.Pointer value
// model to the heap-offset based one (spec.md §4.4).
package compiler

import (
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"github.com/AI-nsley69/zscript/ast"
	"github.com/AI-nsley69/zscript/bytecode"
	"github.com/AI-nsley69/zscript/heap"
	"github.com/AI-nsley69/zscript/value"
)

// NativeFunction describes one entry in the fixed native registry (spec.md
// §4.4 "Native calls", §6 "Native function ABI").
type NativeFunction struct {
	Name   string
	Arity  int
	Index  uint8
}

// DefaultNatives is the registry wired at index 0.. as SPEC_FULL.md §1
// [VM] describes: print is native 0 exactly as specified; len and clock
// are this implementation's enrichment (Non-goals exclude concurrency/
// JIT/etc, not "more than one native").
var DefaultNatives = []NativeFunction{
	{Name: "print", Arity: 1, Index: 0},
	{Name: "len", Arity: 1, Index: 1},
	{Name: "clock", Arity: 0, Index: 2},
}

type global struct {
	index   uint16
	mutable bool
}

type objectInfo struct {
	schemaIndex int
	fieldIndex  map[string]int
	methodIndex map[string]int
	fieldNames  []string
}

type variable struct {
	reg     uint8
	mutable bool
}

type loopCtx struct {
	breakPatches    []int
	continuePatches []int
}

// frame is the per-function compiler state: its own instruction buffer,
// register allocator, and block-scope stack (spec.md §4.4 step 1).
type frame struct {
	name       string
	buf        []byte
	nextReg    uint8 // 0 reserved for returns; next free register starts at 1
	maxReg     uint8
	scopes     []map[string]*variable
	loops      []*loopCtx
}

func newFrame(name string) *frame {
	return &frame{name: name, nextReg: 1, maxReg: 0, scopes: []map[string]*variable{{}}}
}

func (f *frame) pushScope()         { f.scopes = append(f.scopes, map[string]*variable{}) }
func (f *frame) popScope()          { f.scopes = f.scopes[:len(f.scopes)-1] }
func (f *frame) define(name string, reg uint8, mutable bool) {
	f.scopes[len(f.scopes)-1][name] = &variable{reg: reg, mutable: mutable}
}

func (f *frame) resolve(name string) (*variable, bool) {
	for i := len(f.scopes) - 1; i >= 0; i-- {
		if v, ok := f.scopes[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (f *frame) alloc() (uint8, error) {
	// nextReg is a uint8: once register 255 (maxRegisters-1) has been
	// handed out it wraps to 0, which is never a valid next register.
	if f.nextReg == 0 {
		return 0, ErrOutOfRegisters
	}
	r := f.nextReg
	f.nextReg++
	if r > f.maxReg {
		f.maxReg = r
	}
	return r, nil
}

func (f *frame) emit(ins bytecode.Instr) int {
	var pos int
	f.buf, pos = bytecode.Emit(f.buf, ins)
	return pos
}

func (f *frame) here() int { return len(f.buf) }

// patchJump backpatches a plain `jump` (ShapeImm16: opcode byte then the
// u16 target) emitted at pos.
func patchJump(f *frame, pos int, target int) {
	bytecode.Patch16(f.buf, pos, 1, uint16(target))
}

// patchCondJump backpatches a `jump_eql`/`jump_neq` (Shape1RegImm16: opcode
// byte, register byte, then the u16 target) emitted at pos.
func patchCondJump(f *frame, pos int, target int) {
	bytecode.Patch16(f.buf, pos, 2, uint16(target))
}

// Compiler drives one frame per nested function body, a synthetic "main"
// frame at the bottom, and the schema/global tables shared across all of
// them (spec.md §9 "global parser/compiler state" — kept as fields owned
// by one Compiler instance, not package-level maps).
type Compiler struct {
	module      *bytecode.Module
	h           *heap.Heap
	frames      []*frame // stack; top is current
	globals     map[string]*global
	nextGlobal  uint16
	objects     map[string]*objectInfo
	funcIndex   map[string]int
	natives     map[string]NativeFunction
	stringConst map[string]int
	// objectPrototypeConst maps an object type name to the constants-table
	// index of its shared heap-allocated prototype (spec.md §4.4 "new").
	objectPrototypeConst map[string]int
	// varObjectType maps a variable/parameter name to its declared object
	// type, so method_call's index can be resolved at compile time (see
	// the Open Question decision in DESIGN.md). Overwritten per-frame as
	// compilation proceeds; only ever consulted while that frame is active.
	varObjectType map[string]string
	logger        zerolog.Logger
}

// compileRoots lets the compiler's throwaway heap trace the
// constants table while it is being built, even though no VM exists yet.
type compileRoots struct{ constants *[]value.Value }

func (r compileRoots) Roots(visit func(v *value.Value)) {
	for i := range *r.constants {
		visit(&(*r.constants)[i])
	}
}

// New returns a Compiler ready to compile one Program, using the spec's
// default heap sizing (SPEC_FULL.md's CompileConfig).
func New() *Compiler {
	return NewWithConfig(DefaultCompileConfig())
}

// NewWithConfig returns a Compiler whose prototype/string heap is sized per
// cfg rather than the package defaults.
func NewWithConfig(cfg CompileConfig) *Compiler {
	m := bytecode.NewModule()
	c := &Compiler{
		module:               m,
		globals:              map[string]*global{},
		objects:              map[string]*objectInfo{},
		funcIndex:            map[string]int{},
		natives:              map[string]NativeFunction{},
		stringConst:          map[string]int{},
		objectPrototypeConst: map[string]int{},
		varObjectType:        map[string]string{},
		logger:               log.With().Str("component", "compiler").Logger(),
	}
	c.h = heap.NewWithLimits(m, cfg.InitialHeapSize, cfg.MaxHeapSize)
	for _, n := range DefaultNatives {
		c.natives[n.Name] = n
	}
	return c
}

func (c *Compiler) cur() *frame { return c.frames[len(c.frames)-1] }

func (c *Compiler) roots() heap.RootSet { return compileRoots{constants: &c.module.Constants} }

// Heap returns the heap the compiler allocated string and object-prototype
// constants onto. The VM must reuse this same instance (not construct its
// own) so the offsets baked into the compiled module's constants table stay
// valid at runtime.
func (c *Compiler) Heap() *heap.Heap { return c.h }

// DebugSymbols returns every top-level function, global, and object-type
// name the compiler has registered so far, sorted for stable diagnostic
// output (CLI -v). Safe to call after Compile returns.
func (c *Compiler) DebugSymbols() []string {
	names := make([]string, 0, len(c.funcIndex)+len(c.globals)+len(c.objects))
	for name := range c.funcIndex {
		names = append(names, name)
	}
	for name := range c.globals {
		names = append(names, name)
	}
	for name := range c.objects {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Compile lowers program into a bytecode.Module using default settings. For
// access to the heap the compiler allocated constants onto (needed to
// construct a vm.VM), build a *Compiler directly via New/NewWithConfig and
// call its Compile method instead.
func Compile(program *ast.Program) (*bytecode.Module, error) {
	c := New()
	return c.Compile(program)
}

// Compile lowers program into a bytecode.Module, walking the AST once per
// spec.md §4.4.
func (c *Compiler) Compile(program *ast.Program) (*bytecode.Module, error) {
	// main always takes Function index 0, reserved before anything else so
	// every other function's index is stable for the rest of compilation
	// (no post-hoc renumbering of already-emitted call operands).
	c.module.Functions = append(c.module.Functions, &bytecode.Function{Name: "main"})

	// Pass 1: register every top-level function and object name so forward
	// references (mutual recursion, objects referencing each other's
	// methods) resolve regardless of declaration order.
	var topLevel []ast.Statement
	for _, stmt := range program.Statements {
		switch s := stmt.(type) {
		case *ast.FunctionStatement:
			c.reserveFunction(s.Name.Value)
			topLevel = append(topLevel, s)
		case *ast.ObjectStatement:
			if err := c.reserveObject(s); err != nil {
				return nil, err
			}
			topLevel = append(topLevel, s)
		default:
			topLevel = append(topLevel, s)
		}
	}

	// Pass 2: compile object method bodies now that every object/function
	// name is resolvable.
	for _, stmt := range topLevel {
		if obj, ok := stmt.(*ast.ObjectStatement); ok {
			if err := c.compileObjectMethods(obj); err != nil {
				return nil, err
			}
		}
	}

	// Pass 3: compile top-level function bodies.
	for _, stmt := range topLevel {
		if fn, ok := stmt.(*ast.FunctionStatement); ok {
			if err := c.compileFunctionDecl(fn); err != nil {
				return nil, err
			}
		}
	}

	// Pass 4: compile the synthetic main frame from the remaining
	// statements (spec.md §4.4 "A synthetic main frame wraps top-level
	// statements").
	main := newFrame("main")
	c.frames = append(c.frames, main)
	var lastReg uint8
	var haveLast bool
	for _, stmt := range topLevel {
		switch stmt.(type) {
		case *ast.FunctionStatement, *ast.ObjectStatement:
			continue
		default:
			reg, hasValue, err := c.compileTopLevelStatement(stmt)
			if err != nil {
				return nil, err
			}
			lastReg, haveLast = reg, hasValue
		}
	}
	// The final destination register of the last top-level expression
	// statement becomes main's implicit return (spec.md §4.4 step 3):
	// copy it into r0 so falling off the end leaves it where EndOfStream
	// expects the program's result.
	if haveLast {
		main.emit(bytecode.Instr{Op: bytecode.Copy, A: 0, B: lastReg})
	}
	main.emit(bytecode.Instr{Op: bytecode.Halt})
	c.frames = c.frames[:len(c.frames)-1]

	c.module.Functions[0].Body = main.buf
	c.module.Functions[0].RegSize = uint16(main.maxReg) + 1
	c.module.NumGlobals = int(c.nextGlobal)

	c.logger.Debug().Int("functions", len(c.module.Functions)).Int("globals", int(c.nextGlobal)).Msg("compiled module")
	return c.module, nil
}

func (c *Compiler) reserveFunction(name string) int {
	idx := len(c.module.Functions)
	c.module.Functions = append(c.module.Functions, &bytecode.Function{Name: name})
	c.funcIndex[name] = idx
	return idx
}

// reserveObject registers one object type's schema and allocates its
// shared prototype on the compiler's heap, before any method body is
// compiled, so mutually-referencing objects and `new T` forward references
// both resolve (spec.md §3 "Schema", §4.4 "new").
func (c *Compiler) reserveObject(obj *ast.ObjectStatement) error {
	if _, exists := c.objects[obj.Name.Value]; exists {
		return errors.Wrapf(ErrUndefinedObject, "object %s redeclared", obj.Name.Value)
	}

	fieldNames := make([]string, len(obj.Fields))
	fieldIndex := make(map[string]int, len(obj.Fields))
	for i, f := range obj.Fields {
		fieldNames[i] = f.Name.Value
		fieldIndex[f.Name.Value] = i
	}

	methodNames := make([]string, len(obj.Methods))
	methodIndex := make(map[string]int, len(obj.Methods))
	methods := make([]*bytecode.Function, len(obj.Methods))
	for i, m := range obj.Methods {
		methodNames[i] = m.Name.Value
		methodIndex[m.Name.Value] = i
		methods[i] = &bytecode.Function{Name: obj.Name.Value + "." + m.Name.Value}
	}

	schema := &bytecode.Schema{
		Name:        obj.Name.Value,
		FieldNames:  fieldNames,
		MethodNames: methodNames,
		Methods:     methods,
	}
	schemaIndex := c.module.AddSchema(schema)

	c.objects[obj.Name.Value] = &objectInfo{
		schemaIndex: schemaIndex,
		fieldIndex:  fieldIndex,
		methodIndex: methodIndex,
		fieldNames:  fieldNames,
	}

	proto, err := c.h.AllocObject(uint32(schemaIndex), c.roots())
	if err != nil {
		return errors.Wrapf(err, "allocating prototype for object %s", obj.Name.Value)
	}
	constIdx := len(c.module.Constants)
	if constIdx >= 256 {
		return ErrOutOfConstants
	}
	c.module.Constants = append(c.module.Constants, proto)
	c.objectPrototypeConst[obj.Name.Value] = constIdx

	return nil
}

// compileObjectMethods fills in the Function bodies reserved by
// reserveObject, now that every object/function name in the program is
// resolvable regardless of declaration order.
func (c *Compiler) compileObjectMethods(obj *ast.ObjectStatement) error {
	info := c.objects[obj.Name.Value]
	schema := c.module.Schemas[info.schemaIndex]
	for i, m := range obj.Methods {
		body, regSize, err := c.compileMethodBody(obj.Name.Value, m)
		if err != nil {
			return errors.Wrapf(err, "method %s.%s", obj.Name.Value, m.Name.Value)
		}
		schema.Methods[i].Body = body
		schema.Methods[i].RegSize = regSize
	}
	return nil
}

// compileMethodBody compiles one method, binding an implicit "self" as the
// first parameter ahead of the method's own declared parameters (spec.md
// §4.4 "receiver is auto-pushed as first parameter" for method_call).
func (c *Compiler) compileMethodBody(objType string, m *ast.FunctionStatement) ([]byte, uint16, error) {
	f := newFrame(objType + "." + m.Name.Value)
	c.frames = append(c.frames, f)
	defer func() { c.frames = c.frames[:len(c.frames)-1] }()

	selfReg, err := f.alloc()
	if err != nil {
		return nil, 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.LoadParam, A: selfReg})
	f.define("self", selfReg, true)
	c.varObjectType["self"] = objType

	for _, p := range m.Parameters {
		reg, err := f.alloc()
		if err != nil {
			return nil, 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadParam, A: reg})
		f.define(p.Name.Value, reg, true)
		c.bindObjectType(p.Name.Value, p.Type)
	}

	if err := c.compileBlock(m.Body); err != nil {
		return nil, 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.Return, A: 0})

	if f.here() >= maxFrameBody {
		return nil, 0, errors.Wrapf(ErrInvalidJmpTarget, "method %s.%s body exceeds 65535 bytes", objType, m.Name.Value)
	}

	return f.buf, uint16(f.maxReg) + 1, nil
}

// bindObjectType records name's static object type when t names a declared
// object, so later method_call compilation on that variable can resolve
// its method index. A no-op for scalar/array/unknown types.
func (c *Compiler) bindObjectType(name string, t *ast.TypeAnnotation) {
	if t == nil {
		return
	}
	if _, ok := c.objects[t.Name]; ok {
		c.varObjectType[name] = t.Name
	}
}

// compileFunctionDecl compiles a previously-reserved top-level function's
// body into its Function slot.
func (c *Compiler) compileFunctionDecl(fn *ast.FunctionStatement) error {
	idx := c.funcIndex[fn.Name.Value]
	body, regSize, err := c.compileFunctionBody(fn.Name.Value, fn.Parameters, fn.Body)
	if err != nil {
		return errors.Wrapf(err, "function %s", fn.Name.Value)
	}
	c.module.Functions[idx].Body = body
	c.module.Functions[idx].RegSize = regSize
	return nil
}

// compileFunctionBody compiles one top-level function body (methods go
// through compileMethodBody): allocates
// parameter registers via load_param (spec.md §4.4 step 2), compiles the
// block, and returns the encoded body plus its register-file size.
func (c *Compiler) compileFunctionBody(name string, params []*ast.FunctionParameter, body *ast.BlockStatement) ([]byte, uint16, error) {
	f := newFrame(name)
	c.frames = append(c.frames, f)
	defer func() { c.frames = c.frames[:len(c.frames)-1] }()

	for _, p := range params {
		reg, err := f.alloc()
		if err != nil {
			return nil, 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadParam, A: reg})
		f.define(p.Name.Value, reg, true)
		c.bindObjectType(p.Name.Value, p.Type)
	}

	if err := c.compileBlock(body); err != nil {
		return nil, 0, err
	}

	// A function falling off the end without an explicit return leaves
	// r0 untouched (initialized to Int(0) by the VM's register bank).
	f.emit(bytecode.Instr{Op: bytecode.Return, A: 0})

	if f.here() >= maxFrameBody {
		return nil, 0, errors.Wrapf(ErrInvalidJmpTarget, "function %s body exceeds 65535 bytes", name)
	}

	return f.buf, uint16(f.maxReg) + 1, nil
}

// compileTopLevelStatement handles the one place top-level and nested
// statements differ: a bare var/const at program scope becomes a global
// (SPEC_FULL.md §2 "Global variables"), not a main-frame-local register,
// so nested functions can still reach it without closures.
// compileTopLevelStatement compiles one statement of the synthetic main
// frame. In addition to compiling it, it reports the register holding the
// statement's value (and whether it has one at all) so Compile can wire
// the last such register into r0 as main's implicit return.
func (c *Compiler) compileTopLevelStatement(stmt ast.Statement) (uint8, bool, error) {
	if vs, ok := stmt.(*ast.VarStatement); ok {
		return 0, false, c.compileGlobalVar(vs)
	}
	if es, ok := stmt.(*ast.ExpressionStatement); ok {
		if es.Expression == nil {
			return 0, false, nil
		}
		reg, err := c.compileExpression(es.Expression, 0)
		if err != nil {
			return 0, false, err
		}
		return reg, true, nil
	}
	return 0, false, c.compileStatement(stmt)
}

func (c *Compiler) compileGlobalVar(vs *ast.VarStatement) error {
	if _, exists := c.globals[vs.Name.Value]; exists {
		return errors.Wrapf(ErrEvaluationFailed, "global %s redeclared", vs.Name.Value)
	}
	idx := c.nextGlobal
	c.nextGlobal++
	c.globals[vs.Name.Value] = &global{index: idx, mutable: vs.IsMutable}

	if vs.Value != nil {
		src, err := c.compileExpression(vs.Value, 0)
		if err != nil {
			return err
		}
		c.cur().emit(bytecode.Instr{Op: bytecode.StoreGlobal, A: src, Imm16: idx})
	}
	if vs.Type != nil {
		c.bindObjectType(vs.Name.Value, vs.Type)
	} else if ne, ok := vs.Value.(*ast.NewExpression); ok {
		c.varObjectType[vs.Name.Value] = ne.Type.Value
	}
	return nil
}

// compileBlock compiles a block in its own nested scope.
func (c *Compiler) compileBlock(block *ast.BlockStatement) error {
	f := c.cur()
	f.pushScope()
	defer f.popScope()
	for _, stmt := range block.Statements {
		if err := c.compileStatement(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileStatement(stmt ast.Statement) error {
	switch s := stmt.(type) {
	case *ast.VarStatement:
		return c.compileVarStatement(s)
	case *ast.AssignmentStatement:
		return c.compileAssignment(s)
	case *ast.ExpressionStatement:
		if s.Expression == nil {
			return nil
		}
		_, err := c.compileExpression(s.Expression, 0)
		return err
	case *ast.BlockStatement:
		return c.compileBlock(s)
	case *ast.IfStatement:
		return c.compileIf(s)
	case *ast.ForStatement:
		return c.compileFor(s)
	case *ast.ReturnStatement:
		return c.compileReturn(s)
	case *ast.BreakStatement:
		return c.compileBreak()
	case *ast.ContinueStatement:
		return c.compileContinue()
	case *ast.FunctionStatement, *ast.ObjectStatement:
		// Declarations are only legal at program scope; reaching one here
		// means the parser accepted something the compiler doesn't place
		// inside a nested block. Nothing to emit.
		return nil
	default:
		return errors.Wrapf(ErrEvaluationFailed, "unsupported statement %T", stmt)
	}
}

func (c *Compiler) compileVarStatement(vs *ast.VarStatement) error {
	f := c.cur()
	var reg uint8
	var err error
	if vs.Value != nil {
		reg, err = c.compileExpression(vs.Value, 0)
		if err != nil {
			return err
		}
	} else {
		reg, err = f.alloc()
		if err != nil {
			return err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadInt, A: reg, Imm64: 0})
	}
	f.define(vs.Name.Value, reg, vs.IsMutable)
	if vs.Type != nil {
		c.bindObjectType(vs.Name.Value, vs.Type)
	} else if ne, ok := vs.Value.(*ast.NewExpression); ok {
		c.varObjectType[vs.Name.Value] = ne.Type.Value
	}
	return nil
}

func (c *Compiler) compileAssignment(as *ast.AssignmentStatement) error {
	switch target := as.Left.(type) {
	case *ast.Identifier:
		if v, ok := c.cur().resolve(target.Value); ok {
			if !v.mutable {
				return errors.Wrapf(ErrConstAssignment, "assignment to immutable variable %s", target.Value)
			}
			_, err := c.compileExpression(as.Value, v.reg)
			return err
		}
		if g, ok := c.globals[target.Value]; ok {
			if !g.mutable {
				return errors.Wrapf(ErrConstAssignment, "assignment to immutable variable %s", target.Value)
			}
			src, err := c.compileExpression(as.Value, 0)
			if err != nil {
				return err
			}
			c.cur().emit(bytecode.Instr{Op: bytecode.StoreGlobal, A: src, Imm16: g.index})
			return nil
		}
		return errors.Wrapf(ErrUndefinedVariable, "undefined variable %s", target.Value)

	case *ast.FieldAccessExpression:
		return c.compileFieldAssignment(target, as.Value)

	case *ast.IndexExpression:
		return c.compileIndexAssignment(target, as.Value)

	default:
		return errors.Wrapf(ErrEvaluationFailed, "invalid assignment target %T", as.Left)
	}
}

func (c *Compiler) compileFieldAssignment(target *ast.FieldAccessExpression, val ast.Expression) error {
	f := c.cur()
	root, err := c.compileExpression(target.Left, 0)
	if err != nil {
		return err
	}
	idxReg, err := c.emitFieldID(root, target.Field.Value)
	if err != nil {
		return err
	}
	src, err := c.compileExpression(val, 0)
	if err != nil {
		return err
	}
	f.emit(bytecode.Instr{Op: bytecode.ObjectSet, A: root, B: idxReg, C: src})
	return nil
}

func (c *Compiler) compileIndexAssignment(target *ast.IndexExpression, val ast.Expression) error {
	f := c.cur()
	root, err := c.compileExpression(target.Left, 0)
	if err != nil {
		return err
	}
	idxReg, err := c.compileExpression(target.Index, 0)
	if err != nil {
		return err
	}
	src, err := c.compileExpression(val, 0)
	if err != nil {
		return err
	}
	f.emit(bytecode.Instr{Op: bytecode.ObjectSet, A: root, B: idxReg, C: src})
	return nil
}

// compileIf lowers `if (cond) body [else alt]` per spec.md §4.4.
func (c *Compiler) compileIf(is *ast.IfStatement) error {
	f := c.cur()
	cond, err := c.compileExpression(is.Condition, 0)
	if err != nil {
		return err
	}
	falsePatch := f.emit(bytecode.Instr{Op: bytecode.JumpNeq, A: cond, Imm16: 0})

	if err := c.compileAsBlock(is.Consequence); err != nil {
		return err
	}

	if is.Alternative != nil {
		endPatch := f.emit(bytecode.Instr{Op: bytecode.Jump, Imm16: 0})
		patchCondJump(f, falsePatch, f.here())
		if err := c.compileStatement(is.Alternative); err != nil {
			return err
		}
		patchJump(f, endPatch, f.here())
	} else {
		patchCondJump(f, falsePatch, f.here())
	}
	return nil
}

func (c *Compiler) compileAsBlock(stmt ast.Statement) error {
	if block, ok := stmt.(*ast.BlockStatement); ok {
		return c.compileBlock(block)
	}
	return c.compileStatement(stmt)
}

// compileFor lowers both the while-style (`for cond {}`) and C-style
// (`for init; cond; post {}`) loop forms per spec.md §4.4.
func (c *Compiler) compileFor(fs *ast.ForStatement) error {
	f := c.cur()
	f.pushScope()
	defer f.popScope()

	if fs.Init != nil {
		if err := c.compileStatement(fs.Init); err != nil {
			return err
		}
	}

	loopTop := f.here()
	f.loops = append(f.loops, &loopCtx{})

	cond, err := c.compileExpression(fs.Condition, 0)
	if err != nil {
		return err
	}
	endPatch := f.emit(bytecode.Instr{Op: bytecode.JumpNeq, A: cond, Imm16: 0})

	if err := c.compileBlock(fs.Body); err != nil {
		return err
	}

	loop := f.loops[len(f.loops)-1]
	continueTarget := f.here()
	if fs.Post != nil {
		if err := c.compileStatement(fs.Post); err != nil {
			return err
		}
	}
	f.emit(bytecode.Instr{Op: bytecode.Jump, Imm16: uint16(loopTop)})
	endLabel := f.here()

	patchCondJump(f, endPatch, endLabel)
	for _, p := range loop.breakPatches {
		patchJump(f, p, endLabel)
	}
	for _, p := range loop.continuePatches {
		target := continueTarget
		if fs.Post == nil {
			target = loopTop
		}
		patchJump(f, p, target)
	}

	f.loops = f.loops[:len(f.loops)-1]
	return nil
}

func (c *Compiler) compileBreak() error {
	f := c.cur()
	if len(f.loops) == 0 {
		return errors.Wrap(ErrEvaluationFailed, "break outside a loop")
	}
	loop := f.loops[len(f.loops)-1]
	pos := f.emit(bytecode.Instr{Op: bytecode.Jump, Imm16: 0})
	loop.breakPatches = append(loop.breakPatches, pos)
	return nil
}

func (c *Compiler) compileContinue() error {
	f := c.cur()
	if len(f.loops) == 0 {
		return errors.Wrap(ErrEvaluationFailed, "continue outside a loop")
	}
	loop := f.loops[len(f.loops)-1]
	pos := f.emit(bytecode.Instr{Op: bytecode.Jump, Imm16: 0})
	loop.continuePatches = append(loop.continuePatches, pos)
	return nil
}

func (c *Compiler) compileReturn(rs *ast.ReturnStatement) error {
	f := c.cur()
	var reg uint8
	var err error
	if rs.ReturnValue != nil {
		reg, err = c.compileExpression(rs.ReturnValue, 0)
		if err != nil {
			return err
		}
	} else {
		reg, err = f.alloc()
		if err != nil {
			return err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadInt, A: reg, Imm64: 0})
	}
	f.emit(bytecode.Instr{Op: bytecode.Return, A: reg})
	return nil
}

// compileExpression compiles e, returning the register holding its value.
// If want != 0, the compiler emits the result directly into that register
// when the expression shape allows it (spec.md §4.4 "assignments reuse the
// destination of the lvalue"); otherwise it allocates a fresh register.
func (c *Compiler) compileExpression(e ast.Expression, want uint8) (uint8, error) {
	f := c.cur()

	switch ex := e.(type) {
	case *ast.IntegerLiteral:
		dst, err := c.dest(want)
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadInt, A: dst, Imm64: uint64(ex.Value)})
		return dst, nil

	case *ast.FloatLiteral:
		dst, err := c.dest(want)
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadFloat, A: dst, Imm64: math.Float64bits(ex.Value)})
		return dst, nil

	case *ast.BooleanLiteral:
		dst, err := c.dest(want)
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadBool, A: dst, Bool: ex.Value})
		return dst, nil

	case *ast.NilLiteral:
		dst, err := c.dest(want)
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadInt, A: dst, Imm64: 0})
		return dst, nil

	case *ast.StringLiteral:
		dst, err := c.dest(want)
		if err != nil {
			return 0, err
		}
		idx, err := c.constStringIndex(ex.Value)
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadConst, A: dst, B: uint8(idx)})
		return dst, nil

	case *ast.Identifier:
		return c.compileIdentifier(ex, want)

	case *ast.PrefixExpression:
		return c.compilePrefix(ex, want)

	case *ast.InfixExpression:
		return c.compileInfix(ex, want)

	case *ast.CallExpression:
		return c.compileCall(ex, want)

	case *ast.MethodCallExpression:
		return c.compileMethodCall(ex, want)

	case *ast.FieldAccessExpression:
		return c.compileFieldAccess(ex, want)

	case *ast.IndexExpression:
		return c.compileIndex(ex, want)

	case *ast.ArrayLiteral:
		return c.compileArrayLiteral(ex, want)

	case *ast.NewExpression:
		return c.compileNew(ex, want)

	default:
		return 0, errors.Wrapf(ErrEvaluationFailed, "unsupported expression %T", e)
	}
}

// dest returns want if it is non-zero, otherwise allocates a fresh
// register; register 0 is never handed out as a destination here.
func (c *Compiler) dest(want uint8) (uint8, error) {
	if want != 0 {
		return want, nil
	}
	return c.cur().alloc()
}

func (c *Compiler) compileIdentifier(id *ast.Identifier, want uint8) (uint8, error) {
	f := c.cur()
	if v, ok := f.resolve(id.Value); ok {
		if want == 0 || want == v.reg {
			return v.reg, nil
		}
		f.emit(bytecode.Instr{Op: bytecode.Copy, A: want, B: v.reg})
		return want, nil
	}
	if g, ok := c.globals[id.Value]; ok {
		dst, err := c.dest(want)
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadGlobal, A: dst, Imm16: g.index})
		return dst, nil
	}
	if idx, ok := c.objectPrototypeConst[id.Value]; ok {
		dst, err := c.dest(want)
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadConst, A: dst, B: uint8(idx)})
		return dst, nil
	}
	return 0, errors.Wrapf(ErrUndefinedVariable, "undefined variable %s at line %d, column %d", id.Value, id.Token.Line, id.Token.Column)
}

func (c *Compiler) compilePrefix(pe *ast.PrefixExpression, want uint8) (uint8, error) {
	f := c.cur()
	right, err := c.compileExpression(pe.Right, 0)
	if err != nil {
		return 0, err
	}
	dst, err := c.dest(want)
	if err != nil {
		return 0, err
	}
	switch pe.Operator {
	case "-":
		zero, err := f.alloc()
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadInt, A: zero, Imm64: 0})
		f.emit(bytecode.Instr{Op: bytecode.Sub, A: dst, B: zero, C: right})
	case "!":
		// spec.md §4.3 encodes not as d, _, s: source in the third slot.
			f.emit(bytecode.Instr{Op: bytecode.Not, A: dst, C: right})
	default:
		return 0, errors.Wrapf(ErrEvaluationFailed, "unsupported prefix operator %s", pe.Operator)
	}
	return dst, nil
}

var infixOpcodes = map[string]bytecode.OpCode{
	"+":  bytecode.Add,
	"-":  bytecode.Sub,
	"*":  bytecode.Mult,
	"/":  bytecode.Divide,
	"==": bytecode.Eql,
	"!=": bytecode.Neq,
	"<":  bytecode.LessThan,
	"<=": bytecode.Lte,
	">":  bytecode.GreaterThan,
	">=": bytecode.Gte,
	"&&": bytecode.And,
	"||": bytecode.Or,
}

func (c *Compiler) compileInfix(ie *ast.InfixExpression, want uint8) (uint8, error) {
	f := c.cur()
	left, err := c.compileExpression(ie.Left, 0)
	if err != nil {
		return 0, err
	}
	right, err := c.compileExpression(ie.Right, 0)
	if err != nil {
		return 0, err
	}
	op, ok := infixOpcodes[ie.Operator]
	if !ok {
		return 0, errors.Wrapf(ErrEvaluationFailed, "unsupported operator %s", ie.Operator)
	}
	dst, err := c.dest(want)
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: op, A: dst, B: left, C: right})
	return dst, nil
}

// compileCall lowers a plain function call (native or user): each argument
// is pushed via store_param in reverse declaration order, since the
// parameter stack is LIFO but callees pop in declaration order (spec.md
// §4.4, §6 "Native function ABI").
func (c *Compiler) compileCall(ce *ast.CallExpression, want uint8) (uint8, error) {
	f := c.cur()
	name, ok := calleeName(ce.Function)
	if !ok {
		return 0, errors.Wrapf(ErrEvaluationFailed, "unsupported call target %T", ce.Function)
	}

	if err := c.pushArgsReversed(ce.Arguments); err != nil {
		return 0, err
	}

	if n, ok := c.natives[name]; ok {
		f.emit(bytecode.Instr{Op: bytecode.NativeCall, A: n.Index})
	} else if idx, ok := c.funcIndex[name]; ok {
		f.emit(bytecode.Instr{Op: bytecode.Call, A: uint8(idx)})
	} else {
		return 0, errors.Wrapf(ErrUndefinedVariable, "undefined function %s", name)
	}

	dst, err := c.dest(want)
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.Copy, A: dst, B: 0})
	return dst, nil
}

func (c *Compiler) pushArgsReversed(args []ast.Expression) error {
	regs := make([]uint8, len(args))
	for i, a := range args {
		reg, err := c.compileExpression(a, 0)
		if err != nil {
			return err
		}
		regs[i] = reg
	}
	for i := len(regs) - 1; i >= 0; i-- {
		c.cur().emit(bytecode.Instr{Op: bytecode.StoreParam, A: regs[i]})
	}
	return nil
}

func calleeName(e ast.Expression) (string, bool) {
	if id, ok := e.(*ast.Identifier); ok {
		return id.Value, true
	}
	return "", false
}

// compileMethodCall lowers `receiver.method(args)`. Per the Open Question
// decision recorded in DESIGN.md, the method index is resolved here at
// compile time against the receiver's static object type.
func (c *Compiler) compileMethodCall(mc *ast.MethodCallExpression, want uint8) (uint8, error) {
	f := c.cur()
	recvType, ok := c.staticObjectType(mc.Receiver)
	if !ok {
		return 0, errors.Wrapf(ErrUndefinedObject, "cannot resolve static type of method receiver")
	}
	obj, ok := c.objects[recvType]
	if !ok {
		return 0, errors.Wrapf(ErrUndefinedObject, "undefined object type %s", recvType)
	}
	mIdx, ok := obj.methodIndex[mc.Method.Value]
	if !ok {
		return 0, errors.Wrapf(ErrUndefinedObject, "object %s has no method %s", recvType, mc.Method.Value)
	}

	receiver, err := c.compileExpression(mc.Receiver, 0)
	if err != nil {
		return 0, err
	}
	if err := c.pushArgsReversed(mc.Arguments); err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.MethodCall, A: receiver, B: uint8(mIdx)})

	dst, err := c.dest(want)
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.Copy, A: dst, B: 0})
	return dst, nil
}

// staticObjectType gives the best-effort static object-type name of an
// expression used as a method receiver: a direct `new T` use, or a
// variable, parameter or `self` whose object type was recorded from its
// type annotation or its `new T` initializer.
func (c *Compiler) staticObjectType(e ast.Expression) (string, bool) {
	switch ex := e.(type) {
	case *ast.NewExpression:
		return ex.Type.Value, true
	case *ast.Identifier:
		if t, ok := c.varObjectType[ex.Value]; ok {
			return t, true
		}
	}
	return "", false
}

func (c *Compiler) compileFieldAccess(fae *ast.FieldAccessExpression, want uint8) (uint8, error) {
	f := c.cur()
	root, err := c.compileExpression(fae.Left, 0)
	if err != nil {
		return 0, err
	}
	idxReg, err := c.emitFieldID(root, fae.Field.Value)
	if err != nil {
		return 0, err
	}
	dst, err := c.dest(want)
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.ObjectGet, A: root, B: idxReg, C: dst})
	return dst, nil
}

// emitFieldID lowers a statically-known field name to the object_field_id
// + (runtime lookup) sequence spec.md §4.4 mandates unconditionally.
func (c *Compiler) emitFieldID(root uint8, fieldName string) (uint8, error) {
	f := c.cur()
	nameIdx, err := c.constStringIndex(fieldName)
	if err != nil {
		return 0, err
	}
	nameReg, err := f.alloc()
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.LoadConst, A: nameReg, B: uint8(nameIdx)})
	idxReg, err := f.alloc()
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.ObjectFieldID, A: root, B: nameReg, C: idxReg})
	return idxReg, nil
}

func (c *Compiler) compileIndex(ix *ast.IndexExpression, want uint8) (uint8, error) {
	f := c.cur()
	root, err := c.compileExpression(ix.Left, 0)
	if err != nil {
		return 0, err
	}
	idxReg, err := c.compileExpression(ix.Index, 0)
	if err != nil {
		return 0, err
	}
	dst, err := c.dest(want)
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.ObjectGet, A: root, B: idxReg, C: dst})
	return dst, nil
}

// compileArrayLiteral lowers to new_array followed by one object_set per
// element, using the element's numeric index directly as the field-id
// operand (SPEC_FULL.md §2 "Arrays" — no object_field_id name lookup for
// numeric indices).
func (c *Compiler) compileArrayLiteral(al *ast.ArrayLiteral, want uint8) (uint8, error) {
	f := c.cur()
	dst, err := c.dest(want)
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.NewArray, A: dst, Imm16: uint16(len(al.Elements))})
	for i, elem := range al.Elements {
		val, err := c.compileExpression(elem, 0)
		if err != nil {
			return 0, err
		}
		idxReg, err := f.alloc()
		if err != nil {
			return 0, err
		}
		f.emit(bytecode.Instr{Op: bytecode.LoadInt, A: idxReg, Imm64: uint64(i)})
		f.emit(bytecode.Instr{Op: bytecode.ObjectSet, A: dst, B: idxReg, C: val})
	}
	return dst, nil
}

// compileNew lowers `new T` to a load_const of the object's shared
// prototype, exactly as spec.md §4.4 specifies — this implementation does
// not invent a clone opcode absent from §4.3's table, so every `new T`
// yields the same shared prototype object.
func (c *Compiler) compileNew(ne *ast.NewExpression, want uint8) (uint8, error) {
	f := c.cur()
	idx, ok := c.objectPrototypeConst[ne.Type.Value]
	if !ok {
		return 0, errors.Wrapf(ErrUndefinedObject, "undefined object type %s", ne.Type.Value)
	}
	dst, err := c.dest(want)
	if err != nil {
		return 0, err
	}
	f.emit(bytecode.Instr{Op: bytecode.LoadConst, A: dst, B: uint8(idx)})
	return dst, nil
}

func (c *Compiler) constStringIndex(s string) (int, error) {
	if idx, ok := c.stringConst[s]; ok {
		return idx, nil
	}
	v, err := c.h.AllocString(s, c.roots())
	if err != nil {
		return 0, errors.Wrap(err, "allocating string constant")
	}
	idx := len(c.module.Constants)
	if idx >= 256 {
		return 0, ErrOutOfConstants
	}
	c.module.Constants = append(c.module.Constants, v)
	c.stringConst[s] = idx
	return idx, nil
}
