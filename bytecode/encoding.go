package bytecode

import "encoding/binary"

// Instr is the decoded form of one instruction: every operand field a
// shape might use, only the relevant ones populated. The VM's fetch loop
// and the disassembler both consume this via Decode so they can never
// disagree about what a byte stream means (spec.md §4.3, §4.6).
type Instr struct {
	Op    OpCode
	A, B, C uint8
	Imm16 uint16
	Imm64 uint64
	Bool  bool
}

// Emit encodes an instruction to its byte-stream form and appends it to
// buf, returning the updated buffer and the offset the instruction starts
// at (useful for backpatching jump targets).
func Emit(buf []byte, ins Instr) ([]byte, int) {
	pos := len(buf)
	buf = append(buf, byte(ins.Op))

	switch opShapes[ins.Op] {
	case ShapeNone:
		// nothing further

	case Shape1Reg:
		buf = append(buf, ins.A)

	case Shape2Reg:
		buf = append(buf, ins.A, ins.B)

	case Shape3Reg:
		buf = append(buf, ins.A, ins.B, ins.C)

	case Shape1RegImm16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], ins.Imm16)
		buf = append(buf, ins.A, b[0], b[1])

	case ShapeImm16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], ins.Imm16)
		buf = append(buf, b[0], b[1])

	case Shape1RegBool:
		boolByte := byte(0)
		if ins.Bool {
			boolByte = 1
		}
		buf = append(buf, ins.A, boolByte)

	case Shape1RegImm64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], ins.Imm64)
		buf = append(buf, ins.A)
		buf = append(buf, b[:]...)
	}

	return buf, pos
}

// Decode reads one instruction starting at ip, returning the decoded form
// and the offset immediately after it. It does no bounds checking: a
// stream truncated mid-instruction makes it panic. Callers fetching
// past the end of a frame's body should treat that as EndOfStream
// (spec.md §4.5), not call Decode in the first place.
func Decode(body []byte, ip int) (Instr, int) {
	op := OpCode(body[ip])
	ins := Instr{Op: op}
	ip++

	switch opShapes[op] {
	case ShapeNone:
		// nothing to read

	case Shape1Reg:
		ins.A = body[ip]
		ip++

	case Shape2Reg:
		ins.A = body[ip]
		ins.B = body[ip+1]
		ip += 2

	case Shape3Reg:
		ins.A = body[ip]
		ins.B = body[ip+1]
		ins.C = body[ip+2]
		ip += 3

	case Shape1RegImm16:
		ins.A = body[ip]
		ins.Imm16 = binary.BigEndian.Uint16(body[ip+1:])
		ip += 3

	case ShapeImm16:
		ins.Imm16 = binary.BigEndian.Uint16(body[ip:])
		ip += 2

	case Shape1RegBool:
		ins.A = body[ip]
		ins.Bool = body[ip+1] != 0
		ip++
		ip++

	case Shape1RegImm64:
		ins.A = body[ip]
		ins.Imm64 = binary.BigEndian.Uint64(body[ip+1:])
		ip += 9
	}

	return ins, ip
}

// Patch16 overwrites the big-endian u16 immediate embedded in the
// instruction starting at pos (used for jump-target backpatching). offset
// is where within the encoded instruction the u16 begins.
func Patch16(body []byte, pos int, offset int, value uint16) {
	binary.BigEndian.PutUint16(body[pos+offset:], value)
}
