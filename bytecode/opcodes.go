package bytecode

// OpCode is a single zScript bytecode instruction tag. See spec.md §4.3 for
// the full encoding table; opcodes marked "(ext)" are supplemented features
// with no spec.md equivalent (see SPEC_FULL.md §2) but reuse one of the
// spec's operand shapes so the decoder has no special cases.
type OpCode byte

const (
	Halt OpCode = iota
	Noop

	Copy
	LoadConst

	LoadInt
	LoadFloat
	LoadBool

	LoadParam
	StoreParam

	Call
	NativeCall
	MethodCall
	Return

	Add
	Sub
	Mult
	Divide
	Xor
	And
	Or
	Not
	Eql
	Neq
	LessThan
	Lte
	GreaterThan
	Gte

	ObjectGet
	ObjectSet
	ObjectFieldID
	ObjectMethodID

	Jump
	JumpEql
	JumpNeq

	LoadGlobal  // (ext) d, u16 global index
	StoreGlobal // (ext) s, u16 global index
	NewArray    // (ext) d, u16 length
)

// Shape describes an opcode's operand layout, used by the shared decoder.
type Shape byte

const (
	ShapeNone       Shape = iota // no operands: 1 byte total
	Shape1Reg                    // 1 register: 2 bytes total
	Shape2Reg                    // 2 registers: 3 bytes total
	Shape3Reg                    // 3 registers: 4 bytes total
	Shape1RegImm16               // 1 register + big-endian u16: 4 bytes total
	ShapeImm16                   // big-endian u16 only: 3 bytes total
	Shape1RegBool                // 1 register + bool byte: 3 bytes total
	Shape1RegImm64                // 1 register + big-endian u64: 10 bytes total
)

// opShapes is the authoritative table mapping each opcode to its operand
// shape; Size and the shared Emit/Decode helpers are both derived from it.
var opShapes = map[OpCode]Shape{
	Halt: ShapeNone,
	Noop: ShapeNone,

	Copy:      Shape2Reg,
	LoadConst: Shape2Reg,

	LoadInt:   Shape1RegImm64,
	LoadFloat: Shape1RegImm64,
	LoadBool:  Shape1RegBool,

	LoadParam:  Shape1Reg,
	StoreParam: Shape1Reg,

	Call:       Shape1Reg,
	NativeCall: Shape1Reg,
	MethodCall: Shape2Reg,
	Return:     Shape1Reg,

	Add:    Shape3Reg,
	Sub:    Shape3Reg,
	Mult:   Shape3Reg,
	Divide: Shape3Reg,
	Xor:    Shape3Reg,
	And:    Shape3Reg,
	Or:     Shape3Reg,
	Not:    Shape3Reg,

	Eql:         Shape3Reg,
	Neq:         Shape3Reg,
	LessThan:    Shape3Reg,
	Lte:         Shape3Reg,
	GreaterThan: Shape3Reg,
	Gte:         Shape3Reg,

	ObjectGet:      Shape3Reg,
	ObjectSet:      Shape3Reg,
	ObjectFieldID:  Shape3Reg,
	ObjectMethodID: Shape3Reg,

	Jump:    ShapeImm16,
	JumpEql: Shape1RegImm16,
	JumpNeq: Shape1RegImm16,

	LoadGlobal:  Shape1RegImm16,
	StoreGlobal: Shape1RegImm16,
	NewArray:    Shape1RegImm16,
}

// Size returns the total encoded size (opcode byte included) of op.
func (op OpCode) Size() int {
	switch opShapes[op] {
	case ShapeNone:
		return 1
	case Shape1Reg:
		return 2
	case Shape2Reg:
		return 3
	case Shape3Reg:
		return 4
	case Shape1RegImm16:
		return 4
	case ShapeImm16:
		return 3
	case Shape1RegBool:
		return 3
	case Shape1RegImm64:
		return 10
	default:
		return 1
	}
}

// String names an opcode the way the disassembler prints it (spec.md §4.6).
func (op OpCode) String() string {
	switch op {
	case Halt:
		return "halt"
	case Noop:
		return "noop"
	case Copy:
		return "copy"
	case LoadConst:
		return "load_const"
	case LoadInt:
		return "load_int"
	case LoadFloat:
		return "load_float"
	case LoadBool:
		return "load_bool"
	case LoadParam:
		return "load_param"
	case StoreParam:
		return "store_param"
	case Call:
		return "call"
	case NativeCall:
		return "native_call"
	case MethodCall:
		return "method_call"
	case Return:
		return "return"
	case Add:
		return "add"
	case Sub:
		return "sub"
	case Mult:
		return "mult"
	case Divide:
		return "divide"
	case Xor:
		return "xor"
	case And:
		return "and"
	case Or:
		return "or"
	case Not:
		return "not"
	case Eql:
		return "eql"
	case Neq:
		return "neq"
	case LessThan:
		return "less_than"
	case Lte:
		return "lte"
	case GreaterThan:
		return "greater_than"
	case Gte:
		return "gte"
	case ObjectGet:
		return "object_get"
	case ObjectSet:
		return "object_set"
	case ObjectFieldID:
		return "object_field_id"
	case ObjectMethodID:
		return "object_method_id"
	case Jump:
		return "jump"
	case JumpEql:
		return "jump_eql"
	case JumpNeq:
		return "jump_neq"
	case LoadGlobal:
		return "load_global"
	case StoreGlobal:
		return "store_global"
	case NewArray:
		return "new_array"
	default:
		return "?unknown?"
	}
}
