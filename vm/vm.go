// Package vm implements zScript's register virtual machine: a fetch/
// decode/dispatch loop executing bytecode.Module frames over a call stack,
// a register-spill stack, and a parameter stack (spec.md §4.5). Grounded on
// vm/register_vm.go's dispatch-loop shape (cached frame/body/ip locals,
// reload-after-call pattern) but rebuilt around the spec's flat 256-slot
// register bank plus register-stack spill instead of the teacher's single
// growable register file per call.
package vm

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AI-nsley69/zscript/bytecode"
	"github.com/AI-nsley69/zscript/heap"
	"github.com/AI-nsley69/zscript/value"
)

// callFrame is the runtime activation record spec.md's glossary describes:
// an instruction pointer into the compiled body plus a reference to the
// Function it belongs to (spec.md §3 "Frame (runtime)").
type callFrame struct {
	fn *bytecode.Function
	ip int
}

// VM executes one bytecode.Module to completion or to error. Not reentrant,
// not safe for concurrent use — spec.md §5 "single-threaded, cooperative".
type VM struct {
	module *bytecode.Module
	h      *heap.Heap

	globals []value.Value

	// registers is the flat 256-slot register file spec.md §4.3 describes;
	// only one frame's window is live at a time, the rest saved on
	// registerStack across calls.
	registers     [256]value.Value
	registerStack []value.Value
	paramStack    []value.Value

	callStack []callFrame

	cfg    RunConfig
	logger zerolog.Logger
}

// New constructs a VM for module, reusing h (the same heap instance the
// compiler allocated string and object-prototype constants onto, so those
// constants' Boxed offsets remain valid — see compiler.Compiler.Heap).
func New(module *bytecode.Module, h *heap.Heap, cfg RunConfig) *VM {
	h.SetSchemaTable(module)
	return &VM{
		module:  module,
		h:       h,
		globals: make([]value.Value, module.NumGlobals),
		cfg:     cfg,
		logger:  log.With().Str("component", "vm").Logger(),
	}
}

// Roots implements heap.RootSet: every Value slot that might hold a Boxed
// reference (spec.md §4.2 "Walk the VM roots").
func (vm *VM) Roots(visit func(v *value.Value)) {
	for i := range vm.registers {
		visit(&vm.registers[i])
	}
	for i := range vm.registerStack {
		visit(&vm.registerStack[i])
	}
	for i := range vm.paramStack {
		visit(&vm.paramStack[i])
	}
	for i := range vm.globals {
		visit(&vm.globals[i])
	}
	for i := range vm.module.Constants {
		visit(&vm.module.Constants[i])
	}
}

func (vm *VM) cur() *callFrame { return &vm.callStack[len(vm.callStack)-1] }

// pushCall saves the calling frame's live register window to registerStack
// and pushes a fresh frame for fn (spec.md §4.5 "Call sequence").
func (vm *VM) pushCall(fn *bytecode.Function) error {
	if len(vm.callStack) >= vm.cfg.MaxCallDepth {
		return errors.Wrapf(ErrStackOverflow, "call depth exceeds %d", vm.cfg.MaxCallDepth)
	}
	if len(vm.callStack) > 0 {
		caller := vm.cur()
		n := int(caller.fn.RegSize) - 1
		saved := make([]value.Value, n)
		copy(saved, vm.registers[1:caller.fn.RegSize])
		vm.registerStack = append(vm.registerStack, saved...)
	}
	vm.callStack = append(vm.callStack, callFrame{fn: fn, ip: 0})
	return nil
}

// popCall implements spec.md §4.5's "Return sequence": capture the result,
// pop the frame, restore the caller's register window from the tail of
// registerStack, and leave the result in r0 for the caller's `copy d, 0`.
// The second return value is true once the call stack empties (program
// completion, i.e. spec.md §7's EndOfStream).
func (vm *VM) popCall(resultReg uint8) (value.Value, bool) {
	res := vm.registers[resultReg]
	vm.callStack = vm.callStack[:len(vm.callStack)-1]
	if len(vm.callStack) == 0 {
		return res, true
	}
	caller := vm.cur()
	n := int(caller.fn.RegSize) - 1
	start := len(vm.registerStack) - n
	copy(vm.registers[1:caller.fn.RegSize], vm.registerStack[start:])
	vm.registerStack = vm.registerStack[:start]
	vm.registers[0] = res
	return res, false
}

// Run executes the module's main frame (Functions[0]) to completion,
// returning the program's final value per spec.md §7's EndOfStream, or the
// first runtime error encountered.
func (vm *VM) Run() (value.Value, error) {
	if len(vm.module.Functions) == 0 {
		return value.Value{}, errors.New("vm: module has no main function")
	}
	vm.callStack = append(vm.callStack, callFrame{fn: vm.module.Functions[0], ip: 0})

	for {
		frame := vm.cur()
		body := frame.fn.Body

		if frame.ip >= len(body) {
			if len(vm.callStack) == 1 {
				return vm.registers[0], nil
			}
			return value.Value{}, errors.Errorf("vm: frame %q fell off its body without a return", frame.fn.Name)
		}

		ins, next := bytecode.Decode(body, frame.ip)
		frame.ip = next

		if vm.cfg.Trace {
			vm.logger.Debug().Str("op", ins.Op.String()).Int("ip", frame.ip).Int("depth", len(vm.callStack)).Msg("trace")
		}

		switch ins.Op {
		case bytecode.Halt:
			return vm.registers[0], nil

		case bytecode.Noop:
			// nothing

		case bytecode.Copy:
			vm.registers[ins.A] = vm.registers[ins.B]

		case bytecode.LoadConst:
			if int(ins.B) >= len(vm.module.Constants) {
				return value.Value{}, errors.Errorf("vm: load_const index %d out of range", ins.B)
			}
			vm.registers[ins.A] = vm.module.Constants[ins.B]

		case bytecode.LoadInt:
			vm.registers[ins.A] = value.IntVal(int64(ins.Imm64))

		case bytecode.LoadFloat:
			vm.registers[ins.A] = value.FloatVal(bitsToFloat(ins.Imm64))

		case bytecode.LoadBool:
			vm.registers[ins.A] = value.BoolVal(ins.Bool)

		case bytecode.LoadParam:
			if len(vm.paramStack) == 0 {
				return value.Value{}, errors.Wrap(ErrInvalidParameter, "load_param on an empty parameter stack")
			}
			top := len(vm.paramStack) - 1
			vm.registers[ins.A] = vm.paramStack[top]
			vm.paramStack = vm.paramStack[:top]

		case bytecode.StoreParam:
			vm.paramStack = append(vm.paramStack, vm.registers[ins.A])

		case bytecode.Call:
			if int(ins.A) >= len(vm.module.Functions) {
				return value.Value{}, errors.Errorf("vm: call target %d out of range", ins.A)
			}
			if err := vm.pushCall(vm.module.Functions[ins.A]); err != nil {
				return value.Value{}, err
			}

		case bytecode.NativeCall:
			res, err := vm.runNative(int(ins.A))
			if err != nil {
				// Natives must not raise: §7 requires their errors be
				// suppressed and logged at most, leaving r0 untouched.
				vm.logger.Error().Err(err).Int("native", int(ins.A)).Msg("native call failed")
				continue
			}
			// print (native 0) has no result and leaves r0 untouched.
			if ins.A != 0 {
				vm.registers[0] = res
			}

		case bytecode.MethodCall:
			if err := vm.dispatchMethodCall(ins.A, ins.B); err != nil {
				return value.Value{}, err
			}

		case bytecode.Return:
			res, done := vm.popCall(ins.A)
			if done {
				return res, nil
			}

		case bytecode.Add, bytecode.Sub, bytecode.Mult, bytecode.Divide:
			res, err := vm.arith(ins.Op, vm.registers[ins.B], vm.registers[ins.C])
			if err != nil {
				return value.Value{}, err
			}
			vm.registers[ins.A] = res

		case bytecode.Xor, bytecode.And, bytecode.Or:
			res, err := vm.logical(ins.Op, vm.registers[ins.B], vm.registers[ins.C])
			if err != nil {
				return value.Value{}, err
			}
			vm.registers[ins.A] = res

		case bytecode.Not:
			// spec.md §4.3 encodes not as d, _, s: source in the third slot.
			v := vm.registers[ins.C]
			if v.Kind != value.Bool {
				return value.Value{}, errors.Wrap(ErrMismatchedTypes, "not on a non-bool operand")
			}
			vm.registers[ins.A] = value.BoolVal(!v.Bool())

		case bytecode.Eql, bytecode.Neq:
			eq, comparable := vm.rawEqual(vm.registers[ins.B], vm.registers[ins.C])
			var result bool
			if ins.Op == bytecode.Eql {
				result = comparable && eq
			} else {
				result = comparable && !eq
			}
			vm.registers[ins.A] = value.BoolVal(result)

		case bytecode.LessThan, bytecode.Lte, bytecode.GreaterThan, bytecode.Gte:
			res, err := vm.order(ins.Op, vm.registers[ins.B], vm.registers[ins.C])
			if err != nil {
				return value.Value{}, err
			}
			vm.registers[ins.A] = res

		case bytecode.ObjectGet:
			res, err := vm.objectGet(vm.registers[ins.A], vm.registers[ins.B])
			if err != nil {
				return value.Value{}, err
			}
			vm.registers[ins.C] = res

		case bytecode.ObjectSet:
			if err := vm.objectSet(vm.registers[ins.A], vm.registers[ins.B], vm.registers[ins.C]); err != nil {
				return value.Value{}, err
			}

		case bytecode.ObjectFieldID:
			res, err := vm.fieldID(vm.registers[ins.A], vm.registers[ins.B])
			if err != nil {
				return value.Value{}, err
			}
			vm.registers[ins.C] = res

		case bytecode.ObjectMethodID:
			res, err := vm.methodID(vm.registers[ins.A], vm.registers[ins.B])
			if err != nil {
				return value.Value{}, err
			}
			vm.registers[ins.C] = res

		case bytecode.Jump:
			frame.ip = int(ins.Imm16)

		case bytecode.JumpEql:
			c := vm.registers[ins.A]
			if c.Kind == value.Bool && c.Bool() {
				frame.ip = int(ins.Imm16)
			}

		case bytecode.JumpNeq:
			c := vm.registers[ins.A]
			if c.Kind == value.Bool && !c.Bool() {
				frame.ip = int(ins.Imm16)
			}

		case bytecode.LoadGlobal:
			if int(ins.Imm16) >= len(vm.globals) {
				return value.Value{}, errors.Errorf("vm: load_global index %d out of range", ins.Imm16)
			}
			vm.registers[ins.A] = vm.globals[ins.Imm16]

		case bytecode.StoreGlobal:
			if int(ins.Imm16) >= len(vm.globals) {
				return value.Value{}, errors.Errorf("vm: store_global index %d out of range", ins.Imm16)
			}
			vm.globals[ins.Imm16] = vm.registers[ins.A]

		case bytecode.NewArray:
			v, err := vm.h.AllocArray(int(ins.Imm16), vm)
			if err != nil {
				return value.Value{}, errors.Wrap(err, "new_array")
			}
			vm.registers[ins.A] = v

		default:
			return value.Value{}, errors.Errorf("vm: unknown opcode %d", ins.Op)
		}
	}
}

func bitsToFloat(bits uint64) float64 {
	return math.Float64frombits(bits)
}

// runNative pops the native's fixed arity off the parameter stack (top to
// bottom, which is declaration order since the compiler pushes arguments
// reversed — spec.md §6 "Native function ABI") and invokes it.
func (vm *VM) runNative(idx int) (value.Value, error) {
	if idx < 0 || idx >= len(natives) || idx >= len(nativeArity) {
		return value.Value{}, errors.Errorf("vm: unknown native %d", idx)
	}
	n := nativeArity[idx]
	if len(vm.paramStack) < n {
		return value.Value{}, errors.Wrap(ErrInvalidParameter, "native call with too few arguments on the parameter stack")
	}
	args := make([]value.Value, n)
	for i := 0; i < n; i++ {
		top := len(vm.paramStack) - 1
		args[i] = vm.paramStack[top]
		vm.paramStack = vm.paramStack[:top]
	}
	return natives[idx](vm.h, args)
}

// dispatchMethodCall auto-pushes the receiver as the method's first
// parameter (spec.md §4.3 `method_call`'s effect column), then calls it
// exactly like a plain function call.
func (vm *VM) dispatchMethodCall(receiverReg, methodIdx uint8) error {
	recv := vm.registers[receiverReg]
	if !recv.IsBoxed() || vm.h.Kind(recv.Offset()) != heap.KindObject {
		return errors.Wrap(ErrMismatchedTypes, "method_call on a non-object receiver")
	}
	schemaIdx := vm.h.ObjectSchema(recv.Offset())
	if int(schemaIdx) >= len(vm.module.Schemas) {
		return errors.Errorf("vm: object references unknown schema %d", schemaIdx)
	}
	schema := vm.module.Schemas[schemaIdx]
	if int(methodIdx) >= len(schema.Methods) {
		return errors.Wrapf(ErrUnknownField, "schema %s has no method index %d", schema.Name, methodIdx)
	}
	vm.paramStack = append(vm.paramStack, recv)
	return vm.pushCall(schema.Methods[methodIdx])
}

func (vm *VM) fieldID(root, nameVal value.Value) (value.Value, error) {
	if !root.IsBoxed() || vm.h.Kind(root.Offset()) != heap.KindObject {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "object_field_id on a non-object")
	}
	if !nameVal.IsBoxed() || vm.h.Kind(nameVal.Offset()) != heap.KindString {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "object_field_id with a non-string name")
	}
	name := vm.h.StringAt(nameVal.Offset())
	schema := vm.module.Schemas[vm.h.ObjectSchema(root.Offset())]
	idx := schema.FieldIndex(name)
	if idx < 0 {
		return value.Value{}, errors.Wrapf(ErrUnknownField, "no field %q on %s", name, schema.Name)
	}
	return value.IntVal(int64(idx)), nil
}

func (vm *VM) methodID(root, nameVal value.Value) (value.Value, error) {
	if !root.IsBoxed() || vm.h.Kind(root.Offset()) != heap.KindObject {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "object_method_id on a non-object")
	}
	if !nameVal.IsBoxed() || vm.h.Kind(nameVal.Offset()) != heap.KindString {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "object_method_id with a non-string name")
	}
	name := vm.h.StringAt(nameVal.Offset())
	schema := vm.module.Schemas[vm.h.ObjectSchema(root.Offset())]
	idx := schema.MethodIndex(name)
	if idx < 0 {
		return value.Value{}, errors.Wrapf(ErrUnknownField, "no method %q on %s", name, schema.Name)
	}
	return value.IntVal(int64(idx)), nil
}

func (vm *VM) objectGet(root, idxVal value.Value) (value.Value, error) {
	if !root.IsBoxed() {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "object_get on a non-boxed root")
	}
	kind := vm.h.Kind(root.Offset())
	if kind != heap.KindObject && kind != heap.KindArray {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "object_get on a root with no fields")
	}
	if idxVal.Kind != value.Int {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "object_get index must be an int")
	}
	i := int(idxVal.Int())
	if i < 0 || i >= vm.h.FieldCountAt(root.Offset()) {
		return value.Value{}, errors.Wrapf(ErrUnknownField, "index %d out of range", i)
	}
	return vm.h.GetField(root.Offset(), i), nil
}

func (vm *VM) objectSet(root, idxVal, val value.Value) error {
	if !root.IsBoxed() {
		return errors.Wrap(ErrMismatchedTypes, "object_set on a non-boxed root")
	}
	kind := vm.h.Kind(root.Offset())
	if kind != heap.KindObject && kind != heap.KindArray {
		return errors.Wrap(ErrMismatchedTypes, "object_set on a root with no fields")
	}
	if idxVal.Kind != value.Int {
		return errors.Wrap(ErrMismatchedTypes, "object_set index must be an int")
	}
	i := int(idxVal.Int())
	if i < 0 || i >= vm.h.FieldCountAt(root.Offset()) {
		return errors.Wrapf(ErrUnknownField, "index %d out of range", i)
	}
	vm.h.SetField(root.Offset(), i, val)
	return nil
}

// rawEqual reports equality and whether the two values were comparable at
// all. Cross-tag pairs (and cross-sub-kind Boxed pairs, e.g. a string vs an
// object) are "not comparable" — both `eql` and `neq` read that as false,
// per spec.md §4.1's deliberately asymmetric rule (see DESIGN.md's Open
// Question decision).
func (vm *VM) rawEqual(a, b value.Value) (eq, comparable bool) {
	if a.Kind != b.Kind {
		return false, false
	}
	switch a.Kind {
	case value.Int:
		return a.Int() == b.Int(), true
	case value.Float:
		return a.Float() == b.Float(), true
	case value.Bool:
		return a.Bool() == b.Bool(), true
	case value.Boxed:
		ak, bk := vm.h.Kind(a.Offset()), vm.h.Kind(b.Offset())
		if ak != bk {
			return false, false
		}
		if ak == heap.KindString {
			return vm.h.StringAt(a.Offset()) == vm.h.StringAt(b.Offset()), true
		}
		return a.Offset() == b.Offset(), true
	default:
		return false, false
	}
}

func (vm *VM) order(op bytecode.OpCode, a, b value.Value) (value.Value, error) {
	if !isNumeric(a) || !isNumeric(b) {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "ordering requires numeric operands")
	}
	var r bool
	if a.Kind == value.Int && b.Kind == value.Int {
		ai, bi := a.Int(), b.Int()
		switch op {
		case bytecode.LessThan:
			r = ai < bi
		case bytecode.Lte:
			r = ai <= bi
		case bytecode.GreaterThan:
			r = ai > bi
		case bytecode.Gte:
			r = ai >= bi
		}
		return value.BoolVal(r), nil
	}
	af, bf := asFloat(a), asFloat(b)
	switch op {
	case bytecode.LessThan:
		r = af < bf
	case bytecode.Lte:
		r = af <= bf
	case bytecode.GreaterThan:
		r = af > bf
	case bytecode.Gte:
		r = af >= bf
	}
	return value.BoolVal(r), nil
}

func (vm *VM) logical(op bytecode.OpCode, a, b value.Value) (value.Value, error) {
	if a.Kind != value.Bool || b.Kind != value.Bool {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "logical operator requires bool operands")
	}
	switch op {
	case bytecode.And:
		return value.BoolVal(a.Bool() && b.Bool()), nil
	case bytecode.Or:
		return value.BoolVal(a.Bool() || b.Bool()), nil
	case bytecode.Xor:
		return value.BoolVal(a.Bool() != b.Bool()), nil
	default:
		return value.Value{}, errors.Errorf("vm: unknown logical op %v", op)
	}
}

// arith implements spec.md §4.1's arithmetic dispatch: string `+`
// concatenates (coercing a non-string operand via asString), and Int/Float
// operands of the SAME tag compute directly. A mixed Int/Float pair is
// promoted to Float rather than raising MismatchedTypes — see DESIGN.md's
// Open Question decision: the spec's literal text says differing numeric
// tags should fail, but that would make unary negation of a float
// (compiled as `0 - x` with a literal Int zero) impossible to express, and
// the teacher's own VM promotes mixed int/float arithmetic the same way.
func (vm *VM) arith(op bytecode.OpCode, a, b value.Value) (value.Value, error) {
	if vm.isString(a) || vm.isString(b) {
		if op != bytecode.Add {
			return value.Value{}, errors.Wrap(ErrUnsupportedOperation, "strings only support +")
		}
		return vm.concat(a, b)
	}
	if a.Kind == value.Bool || b.Kind == value.Bool || a.Kind == value.Boxed || b.Kind == value.Boxed {
		return value.Value{}, errors.Wrap(ErrUnsupportedOperation, "arithmetic on a non-numeric operand")
	}
	if a.Kind != value.Int && a.Kind != value.Float {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "arithmetic on a non-numeric operand")
	}
	if b.Kind != value.Int && b.Kind != value.Float {
		return value.Value{}, errors.Wrap(ErrMismatchedTypes, "arithmetic on a non-numeric operand")
	}
	if a.Kind == value.Int && b.Kind == value.Int {
		return vm.intArith(op, a.Int(), b.Int())
	}
	return vm.floatArith(op, asFloat(a), asFloat(b))
}

func (vm *VM) intArith(op bytecode.OpCode, a, b int64) (value.Value, error) {
	switch op {
	case bytecode.Add:
		return value.IntVal(a + b), nil
	case bytecode.Sub:
		return value.IntVal(a - b), nil
	case bytecode.Mult:
		return value.IntVal(a * b), nil
	case bytecode.Divide:
		if b == 0 {
			return value.Value{}, errors.Wrap(ErrUnsupportedOperation, "integer division by zero")
		}
		return value.IntVal(floorDiv(a, b)), nil
	default:
		return value.Value{}, errors.Errorf("vm: unknown arithmetic op %v", op)
	}
}

// floorDiv implements spec.md §4.1's "integer-floor" division, since Go's
// native `/` truncates toward zero.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func (vm *VM) floatArith(op bytecode.OpCode, a, b float64) (value.Value, error) {
	switch op {
	case bytecode.Add:
		return value.FloatVal(a + b), nil
	case bytecode.Sub:
		return value.FloatVal(a - b), nil
	case bytecode.Mult:
		return value.FloatVal(a * b), nil
	case bytecode.Divide:
		if b == 0 {
			return value.Value{}, errors.Wrap(ErrUnsupportedOperation, "float division by zero")
		}
		return value.FloatVal(a / b), nil
	default:
		return value.Value{}, errors.Errorf("vm: unknown arithmetic op %v", op)
	}
}

func (vm *VM) isString(v value.Value) bool {
	return v.Kind == value.Boxed && vm.h.Kind(v.Offset()) == heap.KindString
}

func (vm *VM) concat(a, b value.Value) (value.Value, error) {
	as, err := vm.asString(a)
	if err != nil {
		return value.Value{}, err
	}
	bs, err := vm.asString(b)
	if err != nil {
		return value.Value{}, err
	}
	v, err := vm.h.AllocString(as+bs, vm)
	if err != nil {
		return value.Value{}, errors.Wrap(err, "string concatenation")
	}
	return v, nil
}

// asString implements spec.md §4.1's asString coercion.
func (vm *VM) asString(v value.Value) (string, error) {
	switch v.Kind {
	case value.Int:
		return strconv.FormatInt(v.Int(), 10), nil
	case value.Float:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case value.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case value.Boxed:
		if vm.h.Kind(v.Offset()) == heap.KindString {
			return vm.h.StringAt(v.Offset()), nil
		}
		return "", errors.Wrap(ErrUnsupportedOperation, "cannot convert an object to a string")
	default:
		return "", errors.Wrap(ErrUnsupportedOperation, "cannot convert value to a string")
	}
}

func isNumeric(v value.Value) bool { return v.Kind == value.Int || v.Kind == value.Float }

func asFloat(v value.Value) float64 {
	if v.Kind == value.Float {
		return v.Float()
	}
	return float64(v.Int())
}
