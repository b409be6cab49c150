package bytecode

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// disassembleFunction renders one function's body as a sequence of lines,
// one instruction per line, in the format spec.md §4.6 prescribes:
// "  [<hex offset>] <MNEMONIC> $<reg>|#<imm>|...".
func disassembleFunction(fn *Function) string {
	var ins []Instr
	var offsets []int
	for ip := 0; ip < len(fn.Body); {
		offsets = append(offsets, ip)
		decoded, next := Decode(fn.Body, ip)
		ins = append(ins, decoded)
		ip = next
	}

	lines := lo.Map(ins, func(in Instr, i int) string {
		return fmt.Sprintf("  [%04x] %s", offsets[i], formatOperands(in))
	})

	header := fmt.Sprintf("func %s (regs=%d):", fn.Name, fn.RegSize)
	return header + "\n" + strings.Join(lines, "\n")
}

// formatOperands renders the mnemonic plus its operands according to the
// instruction's shape.
func formatOperands(in Instr) string {
	mnemonic := in.Op.String()
	switch opShapes[in.Op] {
	case ShapeNone:
		return mnemonic
	case Shape1Reg:
		return fmt.Sprintf("%s $%d", mnemonic, in.A)
	case Shape2Reg:
		return fmt.Sprintf("%s $%d, $%d", mnemonic, in.A, in.B)
	case Shape3Reg:
		return fmt.Sprintf("%s $%d, $%d, $%d", mnemonic, in.A, in.B, in.C)
	case Shape1RegImm16:
		return fmt.Sprintf("%s $%d, #%d", mnemonic, in.A, in.Imm16)
	case ShapeImm16:
		return fmt.Sprintf("%s #%d", mnemonic, in.Imm16)
	case Shape1RegBool:
		return fmt.Sprintf("%s $%d, #%t", mnemonic, in.A, in.Bool)
	case Shape1RegImm64:
		return fmt.Sprintf("%s $%d, #%d", mnemonic, in.A, in.Imm64)
	default:
		return mnemonic
	}
}

// Disassemble renders every function in a module, in declaration order,
// followed by the constants table, matching spec.md §4.6's requirement that
// the disassembler "consume exactly the encoding produced by §4.3" with no
// separate decode path from the VM's fetch loop.
func Disassemble(m *Module) string {
	sections := lo.Map(m.Functions, func(fn *Function, _ int) string {
		return disassembleFunction(fn)
	})

	var b strings.Builder
	b.WriteString(strings.Join(sections, "\n\n"))

	if len(m.Constants) > 0 {
		b.WriteString("\n\nconstants:\n")
		for i, c := range m.Constants {
			b.WriteString(fmt.Sprintf("  [%d] %s\n", i, c.GoString()))
		}
	}

	return b.String()
}
