package wasm

import (
	"bytes"
	"fmt"
)

// Instruction represents a decoded WebAssembly instruction.
type Instruction struct {
	Imm    interface{}
	Opcode byte
}

// BlockImm holds the block type for block, loop, and if instructions.
type BlockImm struct {
	Type int32 // BlockTypeVoid, a negated value type, or a type index >= 0
}

// BranchImm holds the label index for br and br_if instructions.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// TableImm holds the table index for table.get and table.set.
type TableImm struct {
	TableIdx uint32
}

// MemoryImm holds memory access parameters for load and store instructions.
type MemoryImm struct {
	Offset uint32
	Align  uint32
}

// MemoryIdxImm holds the memory index for memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant value for i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant value for i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm holds the constant value for f32.const.
type F32Imm struct {
	Value float32
}

// F64Imm holds the constant value for f64.const.
type F64Imm struct {
	Value float64
}

// SelectTypeImm holds value types for typed select.
type SelectTypeImm struct {
	Types []ValType
}

// RefNullImm holds the heap type byte for ref.null.
type RefNullImm struct {
	HeapType byte
}

// RefFuncImm holds the function index for ref.func.
type RefFuncImm struct {
	FuncIdx uint32
}

// MiscImm holds the sub-opcode and immediates for 0xFC prefix instructions.
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// GetCallTarget returns the call target if this is a call instruction.
func (i Instruction) GetCallTarget() (uint32, bool) {
	if i.Opcode == OpCall {
		if imm, ok := i.Imm.(CallImm); ok {
			return imm.FuncIdx, true
		}
	}
	return 0, false
}

// DecodeInstructions decodes a sequence of instructions from raw bytes.
// Instructions from proposals the protocol forbids (SIMD, threads, GC,
// exception handling, tail calls) are rejected.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := bytes.NewReader(code)
	// Roughly 2 bytes per instruction on average
	instrs := make([]Instruction, 0, len(code)/2)

	for r.Len() > 0 {
		op, err := r.ReadByte()
		if err != nil {
			break
		}

		instr := Instruction{Opcode: op}

		switch {
		case op == OpBlock || op == OpLoop || op == OpIf:
			bt, err := ReadLEB128s(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = BlockImm{Type: bt}

		case op == OpBr || op == OpBrIf:
			idx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = BranchImm{LabelIdx: idx}

		case op == OpBrTable:
			count, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			if uint64(count) > uint64(r.Len()) {
				return nil, fmt.Errorf("br_table label count %d exceeds remaining input", count)
			}
			labels := make([]uint32, count)
			for i := uint32(0); i < count; i++ {
				labels[i], err = ReadLEB128u(r)
				if err != nil {
					return nil, err
				}
			}
			def, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = BrTableImm{Labels: labels, Default: def}

		case op == OpCall:
			idx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = CallImm{FuncIdx: idx}

		case op == OpCallIndirect:
			typeIdx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			tableIdx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

		case op == OpReturnCall || op == OpReturnCallIndirect:
			return nil, fmt.Errorf("tail call opcode 0x%02x is not supported", op)

		case op == OpLocalGet || op == OpLocalSet || op == OpLocalTee:
			idx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = LocalImm{LocalIdx: idx}

		case op == OpGlobalGet || op == OpGlobalSet:
			idx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = GlobalImm{GlobalIdx: idx}

		case op == OpTableGet || op == OpTableSet:
			idx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = TableImm{TableIdx: idx}

		case op >= OpI32Load && op <= OpI64Store32:
			align, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			offset, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = MemoryImm{Align: align, Offset: offset}

		case op == OpMemorySize || op == OpMemoryGrow:
			memIdx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = MemoryIdxImm{MemIdx: memIdx}

		case op == OpI32Const:
			val, err := ReadLEB128s(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = I32Imm{Value: val}

		case op == OpI64Const:
			val, err := ReadLEB128s64(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = I64Imm{Value: val}

		case op == OpF32Const:
			val, err := ReadFloat32(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = F32Imm{Value: val}

		case op == OpF64Const:
			val, err := ReadFloat64(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = F64Imm{Value: val}

		case op == OpSelectType:
			count, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			if uint64(count) > uint64(r.Len()) {
				return nil, fmt.Errorf("select type count %d exceeds remaining input", count)
			}
			types := make([]ValType, count)
			for i := range types {
				b, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				if !IsValType(b) {
					return nil, fmt.Errorf("select: unsupported value type 0x%02x", b)
				}
				types[i] = ValType(b)
			}
			instr.Imm = SelectTypeImm{Types: types}

		case op == OpRefNull:
			ht, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			instr.Imm = RefNullImm{HeapType: ht}

		case op == OpRefFunc:
			idx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = RefFuncImm{FuncIdx: idx}

		case op == PrefixMisc:
			imm, err := decodeMiscImmediate(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = imm

		case op == PrefixGC || op == PrefixSIMD || op == PrefixAtomic:
			return nil, fmt.Errorf("opcode prefix 0x%02x is not supported", op)

		default:
			if !isPlainOpcode(op) {
				return nil, fmt.Errorf("unknown opcode 0x%02x", op)
			}
			// No immediates
		}

		instrs = append(instrs, instr)
	}

	return instrs, nil
}

// isPlainOpcode reports whether op is a valid single-byte opcode carrying
// no immediates.
func isPlainOpcode(op byte) bool {
	switch op {
	case OpUnreachable, OpNop, OpElse, OpEnd, OpReturn,
		OpDrop, OpSelect, OpRefIsNull:
		return true
	}
	// Compares, arithmetic, conversions, sign extensions
	return op >= OpI32Eqz && op <= OpI64Extend32S
}

func decodeMiscImmediate(r *bytes.Reader) (MiscImm, error) {
	sub, err := ReadLEB128u(r)
	if err != nil {
		return MiscImm{}, err
	}
	imm := MiscImm{SubOpcode: sub}

	var noperands int
	switch {
	case sub <= MiscI64TruncSatF64U:
		noperands = 0
	case sub == MiscDataDrop || sub == MiscElemDrop ||
		sub == MiscMemoryFill || sub == MiscTableGrow ||
		sub == MiscTableSize || sub == MiscTableFill:
		noperands = 1
	case sub == MiscMemoryInit || sub == MiscMemoryCopy ||
		sub == MiscTableInit || sub == MiscTableCopy:
		noperands = 2
	default:
		return MiscImm{}, fmt.Errorf("unknown 0xFC sub-opcode %d", sub)
	}

	if noperands > 0 {
		imm.Operands = make([]uint32, noperands)
		for i := range imm.Operands {
			imm.Operands[i], err = ReadLEB128u(r)
			if err != nil {
				return MiscImm{}, err
			}
		}
	}
	return imm, nil
}

// EncodeInstructionsTo appends the binary encoding of instrs to buf.
func EncodeInstructionsTo(buf *bytes.Buffer, instrs []Instruction) {
	for _, instr := range instrs {
		buf.WriteByte(instr.Opcode)

		switch imm := instr.Imm.(type) {
		case BlockImm:
			WriteLEB128s(buf, imm.Type)
		case BranchImm:
			WriteLEB128u(buf, imm.LabelIdx)
		case BrTableImm:
			WriteLEB128u(buf, uint32(len(imm.Labels)))
			for _, l := range imm.Labels {
				WriteLEB128u(buf, l)
			}
			WriteLEB128u(buf, imm.Default)
		case CallImm:
			WriteLEB128u(buf, imm.FuncIdx)
		case CallIndirectImm:
			WriteLEB128u(buf, imm.TypeIdx)
			WriteLEB128u(buf, imm.TableIdx)
		case LocalImm:
			WriteLEB128u(buf, imm.LocalIdx)
		case GlobalImm:
			WriteLEB128u(buf, imm.GlobalIdx)
		case TableImm:
			WriteLEB128u(buf, imm.TableIdx)
		case MemoryImm:
			WriteLEB128u(buf, imm.Align)
			WriteLEB128u(buf, imm.Offset)
		case MemoryIdxImm:
			WriteLEB128u(buf, imm.MemIdx)
		case I32Imm:
			WriteLEB128s(buf, imm.Value)
		case I64Imm:
			WriteLEB128s64(buf, imm.Value)
		case F32Imm:
			WriteFloat32(buf, imm.Value)
		case F64Imm:
			WriteFloat64(buf, imm.Value)
		case SelectTypeImm:
			WriteLEB128u(buf, uint32(len(imm.Types)))
			for _, t := range imm.Types {
				buf.WriteByte(byte(t))
			}
		case RefNullImm:
			buf.WriteByte(imm.HeapType)
		case RefFuncImm:
			WriteLEB128u(buf, imm.FuncIdx)
		case MiscImm:
			WriteLEB128u(buf, imm.SubOpcode)
			for _, operand := range imm.Operands {
				WriteLEB128u(buf, operand)
			}
		}
	}
}

// EncodeInstructions encodes a sequence of instructions to raw bytes.
func EncodeInstructions(instrs []Instruction) []byte {
	var buf bytes.Buffer
	EncodeInstructionsTo(&buf, instrs)
	return buf.Bytes()
}
