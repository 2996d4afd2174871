package wasm

// Magic is the WASM binary magic number "\0asm".
const Magic uint32 = 0x6D736100

// Version is the supported WASM binary version.
const Version uint32 = 0x1

// Section IDs
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
)

// Import/export kinds
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
)

// Value types
const (
	ValI32     ValType = 0x7F
	ValI64     ValType = 0x7E
	ValF32     ValType = 0x7D
	ValF64     ValType = 0x7C
	ValFuncRef ValType = 0x70
	ValExtern  ValType = 0x6F
)

// FuncTypeByte prefixes a function type in the type section.
const FuncTypeByte byte = 0x60

// BlockTypeVoid is the empty block type encoding.
const BlockTypeVoid int32 = -64 // 0x40 as s33

// Limits flags
const (
	LimitsHasMax byte = 0x01
	LimitsShared byte = 0x02
)

// Control instructions
const (
	OpUnreachable  byte = 0x00
	OpNop          byte = 0x01
	OpBlock        byte = 0x02
	OpLoop         byte = 0x03
	OpIf           byte = 0x04
	OpElse         byte = 0x05
	OpEnd          byte = 0x0B
	OpBr           byte = 0x0C
	OpBrIf         byte = 0x0D
	OpBrTable      byte = 0x0E
	OpReturn       byte = 0x0F
	OpCall         byte = 0x10
	OpCallIndirect byte = 0x11
)

// Tail-call proposal opcodes. Decoded never, listed so rejections can name
// them.
const (
	OpReturnCall         byte = 0x12
	OpReturnCallIndirect byte = 0x13
)

// Parametric instructions
const (
	OpDrop       byte = 0x1A
	OpSelect     byte = 0x1B
	OpSelectType byte = 0x1C
)

// Variable instructions
const (
	OpLocalGet  byte = 0x20
	OpLocalSet  byte = 0x21
	OpLocalTee  byte = 0x22
	OpGlobalGet byte = 0x23
	OpGlobalSet byte = 0x24
	OpTableGet  byte = 0x25
	OpTableSet  byte = 0x26
)

// Memory instructions
const (
	OpI32Load    byte = 0x28
	OpI64Load    byte = 0x29
	OpF32Load    byte = 0x2A
	OpF64Load    byte = 0x2B
	OpI32Load8S  byte = 0x2C
	OpI32Load8U  byte = 0x2D
	OpI32Load16S byte = 0x2E
	OpI32Load16U byte = 0x2F
	OpI64Load8S  byte = 0x30
	OpI64Load8U  byte = 0x31
	OpI64Load16S byte = 0x32
	OpI64Load16U byte = 0x33
	OpI64Load32S byte = 0x34
	OpI64Load32U byte = 0x35
	OpI32Store   byte = 0x36
	OpI64Store   byte = 0x37
	OpF32Store   byte = 0x38
	OpF64Store   byte = 0x39
	OpI32Store8  byte = 0x3A
	OpI32Store16 byte = 0x3B
	OpI64Store8  byte = 0x3C
	OpI64Store16 byte = 0x3D
	OpI64Store32 byte = 0x3E
	OpMemorySize byte = 0x3F
	OpMemoryGrow byte = 0x40
)

// Constant instructions
const (
	OpI32Const byte = 0x41
	OpI64Const byte = 0x42
	OpF32Const byte = 0x43
	OpF64Const byte = 0x44
)

// Numeric instruction ranges (no immediates). The exact opcodes in between
// are not enumerated individually; the decoder treats the whole range
// uniformly.
const (
	OpI32Eqz byte = 0x45 // first compare/test opcode
	OpF64Ge  byte = 0x66 // last compare opcode

	OpI32GtU byte = 0x4B

	OpI32Clz      byte = 0x67 // first arithmetic opcode
	OpI32Add      byte = 0x6A
	OpI32Sub      byte = 0x6B
	OpI32DivS     byte = 0x6D
	OpI32DivU     byte = 0x6E
	OpI32RemS     byte = 0x6F
	OpI32RemU     byte = 0x70
	OpI64DivS     byte = 0x7F
	OpI64DivU     byte = 0x80
	OpI64RemS     byte = 0x81
	OpI64RemU     byte = 0x82
	OpF64Copysign byte = 0xA6

	OpI32WrapI64        byte = 0xA7 // first conversion opcode
	OpF64ReinterpretI64 byte = 0xBF

	OpI32Extend8S  byte = 0xC0 // sign-extension operators
	OpI64Extend32S byte = 0xC4
)

// Reference instructions
const (
	OpRefNull   byte = 0xD0
	OpRefIsNull byte = 0xD1
	OpRefFunc   byte = 0xD2
)

// Opcode prefixes
const (
	PrefixGC     byte = 0xFB
	PrefixMisc   byte = 0xFC
	PrefixSIMD   byte = 0xFD
	PrefixAtomic byte = 0xFE
)

// 0xFC sub-opcodes
const (
	MiscI32TruncSatF32S uint32 = 0
	MiscI64TruncSatF64U uint32 = 7
	MiscMemoryInit      uint32 = 8
	MiscDataDrop        uint32 = 9
	MiscMemoryCopy      uint32 = 10
	MiscMemoryFill      uint32 = 11
	MiscTableInit       uint32 = 12
	MiscElemDrop        uint32 = 13
	MiscTableCopy       uint32 = 14
	MiscTableGrow       uint32 = 15
	MiscTableSize       uint32 = 16
	MiscTableFill       uint32 = 17
)

// IsValType reports whether b encodes a value type the protocol can
// represent.
func IsValType(b byte) bool {
	switch ValType(b) {
	case ValI32, ValI64, ValF32, ValF64, ValFuncRef, ValExtern:
		return true
	}
	return false
}

// IsFloatValType reports whether t is f32 or f64.
func IsFloatValType(t ValType) bool {
	return t == ValF32 || t == ValF64
}

// IsFloatOpcode reports whether op is a single-byte floating-point
// instruction: float loads/stores/consts, float compares and arithmetic,
// and every conversion with a float source or destination.
func IsFloatOpcode(op byte) bool {
	switch {
	case op == OpF32Load || op == OpF64Load || op == OpF32Store || op == OpF64Store:
		return true
	case op == OpF32Const || op == OpF64Const:
		return true
	case op >= 0x5B && op <= 0x66: // f32/f64 compares
		return true
	case op >= 0x8B && op <= OpF64Copysign: // f32/f64 arithmetic
		return true
	case op >= 0xA8 && op <= 0xB1 && op != 0xAC && op != 0xAD: // i32/i64 trunc_f*, skipping i64.extend_i32_*
		return true
	case op >= 0xB2 && op <= 0xBF: // convert/demote/promote/reinterpret
		return true
	}
	return false
}
