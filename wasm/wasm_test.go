package wasm_test

import (
	"bytes"
	"testing"

	"github.com/forgechain/contractvm/wasm"
)

// buildAddModule returns a module exporting "add": (i32, i32) -> i32.
func buildAddModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs: []uint32{0},
		Code: []wasm.FuncBody{
			{Code: []byte{
				wasm.OpLocalGet, 0x00,
				wasm.OpLocalGet, 0x01,
				0x6A, // i32.add
				wasm.OpEnd,
			}},
		},
		Exports: []wasm.Export{{Name: "add", Kind: wasm.KindFunc, Idx: 0}},
	}
}

func TestEncodeEmptyModule(t *testing.T) {
	m := &wasm.Module{}
	data := m.Encode()

	if len(data) != 8 {
		t.Errorf("expected 8 bytes for empty module, got %d", len(data))
	}
	if !bytes.Equal(data[:4], []byte{0x00, 0x61, 0x73, 0x6D}) {
		t.Error("invalid magic number")
	}
	if !bytes.Equal(data[4:8], []byte{0x01, 0x00, 0x00, 0x00}) {
		t.Error("invalid version")
	}
}

func TestParseInvalidHeader(t *testing.T) {
	if _, err := wasm.ParseModule([]byte{0x00, 0x61, 0x73}); err == nil {
		t.Error("expected error for truncated header")
	}
	if _, err := wasm.ParseModule([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x00, 0x00, 0x00}); err != wasm.ErrInvalidMagic {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}
	if _, err := wasm.ParseModule([]byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}); err != wasm.ErrInvalidVersion {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	m := buildAddModule()
	data := m.Encode()

	parsed, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	if len(parsed.Types) != 1 || len(parsed.Funcs) != 1 || len(parsed.Code) != 1 {
		t.Fatalf("unexpected section counts: %d types, %d funcs, %d bodies",
			len(parsed.Types), len(parsed.Funcs), len(parsed.Code))
	}
	if parsed.Exports[0].Name != "add" {
		t.Errorf("export name = %q, want add", parsed.Exports[0].Name)
	}

	// Re-encoding a parsed module is byte-identical.
	if !bytes.Equal(parsed.Encode(), data) {
		t.Error("re-encoded module differs from original")
	}
}

func TestRoundTripImportsGlobalsData(t *testing.T) {
	maxPages := uint32(16)
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI64}},
			{},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "gas", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: "env", Name: "memory", Desc: wasm.ImportDesc{
				Kind:   wasm.KindMemory,
				Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 1, Max: &maxPages}},
			}},
		},
		Funcs: []uint32{1},
		Globals: []wasm.Global{
			{
				Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
				Init: []byte{wasm.OpI32Const, 0x00, wasm.OpEnd},
			},
		},
		Code: []wasm.FuncBody{
			{
				Locals: []wasm.LocalEntry{{Count: 2, ValType: wasm.ValI64}},
				Code:   []byte{wasm.OpEnd},
			},
		},
		Data: []wasm.DataSegment{
			{Flags: 0, Offset: []byte{wasm.OpI32Const, 0x00, wasm.OpEnd}, Init: []byte("hello")},
		},
	}

	data := m.Encode()
	parsed, err := wasm.ParseModuleValidate(data)
	if err != nil {
		t.Fatalf("ParseModuleValidate: %v", err)
	}
	if parsed.NumImportedFuncs() != 1 || parsed.NumImportedMemories() != 1 {
		t.Error("import counts wrong")
	}
	if got := parsed.Code[0].NumLocals(); got != 2 {
		t.Errorf("NumLocals = %d, want 2", got)
	}
	if !bytes.Equal(parsed.Data[0].Init, []byte("hello")) {
		t.Error("data segment mismatch")
	}
	if !bytes.Equal(parsed.Encode(), data) {
		t.Error("re-encoded module differs from original")
	}
}

func TestParseRejectsOversizedCounts(t *testing.T) {
	// A type section claiming 2^28 entries in a 5-byte body.
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})
	buf.WriteByte(wasm.SectionType)
	buf.Write([]byte{0x05, 0xFF, 0xFF, 0xFF, 0x7F, 0x60})

	if _, err := wasm.ParseModule(buf.Bytes()); err == nil {
		t.Error("expected error for oversized vector count")
	}
}

func TestParseRejectsSectionOutOfOrder(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})
	// Function section before type section
	buf.Write([]byte{wasm.SectionFunction, 0x01, 0x00})
	buf.Write([]byte{wasm.SectionType, 0x01, 0x00})

	if _, err := wasm.ParseModule(buf.Bytes()); err == nil {
		t.Error("expected error for out-of-order sections")
	}
}

func TestValidateCatchesBadIndices(t *testing.T) {
	tests := []struct {
		name string
		mod  *wasm.Module
	}{
		{
			name: "function type index out of range",
			mod: &wasm.Module{
				Funcs: []uint32{5},
				Code:  []wasm.FuncBody{{Code: []byte{wasm.OpEnd}}},
			},
		},
		{
			name: "export index out of range",
			mod: &wasm.Module{
				Exports: []wasm.Export{{Name: "f", Kind: wasm.KindFunc, Idx: 0}},
			},
		},
		{
			name: "duplicate export name",
			mod: &wasm.Module{
				Types: []wasm.FuncType{{}},
				Funcs: []uint32{0, 0},
				Code: []wasm.FuncBody{
					{Code: []byte{wasm.OpEnd}},
					{Code: []byte{wasm.OpEnd}},
				},
				Exports: []wasm.Export{
					{Name: "f", Kind: wasm.KindFunc, Idx: 0},
					{Name: "f", Kind: wasm.KindFunc, Idx: 1},
				},
			},
		},
		{
			name: "code count mismatch",
			mod: &wasm.Module{
				Types: []wasm.FuncType{{}},
				Funcs: []uint32{0},
			},
		},
		{
			name: "two memories",
			mod: &wasm.Module{
				Memories: []wasm.MemoryType{
					{Limits: wasm.Limits{Min: 1}},
					{Limits: wasm.Limits{Min: 1}},
				},
			},
		},
		{
			name: "body references undeclared global",
			mod: &wasm.Module{
				Types: []wasm.FuncType{{}},
				Funcs: []uint32{0},
				Code: []wasm.FuncBody{{Code: []byte{
					wasm.OpI32Const, 0x01, wasm.OpGlobalSet, 0x00, wasm.OpEnd,
				}}},
			},
		},
		{
			name: "body call target out of range",
			mod: &wasm.Module{
				Types: []wasm.FuncType{{}},
				Funcs: []uint32{0},
				Code: []wasm.FuncBody{{Code: []byte{
					wasm.OpCall, 0x01, wasm.OpEnd,
				}}},
			},
		},
		{
			name: "body call_indirect type out of range",
			mod: &wasm.Module{
				Types:  []wasm.FuncType{{}},
				Funcs:  []uint32{0},
				Tables: []wasm.TableType{{ElemType: byte(wasm.ValFuncRef), Limits: wasm.Limits{Min: 1}}},
				Code: []wasm.FuncBody{{Code: []byte{
					wasm.OpI32Const, 0x00, wasm.OpCallIndirect, 0x05, 0x00, wasm.OpEnd,
				}}},
			},
		},
		{
			name: "start function with params",
			mod: &wasm.Module{
				Types: []wasm.FuncType{{Params: []wasm.ValType{wasm.ValI32}}},
				Funcs: []uint32{0},
				Code:  []wasm.FuncBody{{Code: []byte{wasm.OpEnd}}},
				Start: func() *uint32 { v := uint32(0); return &v }(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.mod.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDecodeInstructions(t *testing.T) {
	code := []byte{
		wasm.OpI32Const, 0x2A,
		wasm.OpLocalSet, 0x00,
		wasm.OpBlock, 0x40,
		wasm.OpLocalGet, 0x00,
		wasm.OpBrIf, 0x00,
		wasm.OpEnd,
		wasm.OpCall, 0x01,
		wasm.OpEnd,
	}

	instrs, err := wasm.DecodeInstructions(code)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}
	if len(instrs) != 8 {
		t.Fatalf("expected 8 instructions, got %d", len(instrs))
	}
	if imm, ok := instrs[0].Imm.(wasm.I32Imm); !ok || imm.Value != 42 {
		t.Errorf("instr 0: want i32.const 42, got %+v", instrs[0])
	}
	if target, ok := instrs[6].GetCallTarget(); !ok || target != 1 {
		t.Errorf("instr 6: want call 1, got %+v", instrs[6])
	}

	// Round trip
	if !bytes.Equal(wasm.EncodeInstructions(instrs), code) {
		t.Error("re-encoded instructions differ from original")
	}
}

func TestDecodeInstructionsRejectsForbiddenOpcodes(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"simd prefix", []byte{wasm.PrefixSIMD, 0x00, wasm.OpEnd}},
		{"atomic prefix", []byte{wasm.PrefixAtomic, 0x00, wasm.OpEnd}},
		{"gc prefix", []byte{wasm.PrefixGC, 0x00, wasm.OpEnd}},
		{"tail call", []byte{wasm.OpReturnCall, 0x00, wasm.OpEnd}},
		{"unknown opcode", []byte{0x27, wasm.OpEnd}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := wasm.DecodeInstructions(tt.code); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestDecodeMiscInstructions(t *testing.T) {
	code := []byte{
		wasm.PrefixMisc, 0x00, // i32.trunc_sat_f32_s
		wasm.PrefixMisc, 0x0A, 0x00, 0x00, // memory.copy
		wasm.PrefixMisc, 0x0B, 0x00, // memory.fill
		wasm.OpEnd,
	}
	instrs, err := wasm.DecodeInstructions(code)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}
	if len(instrs) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(instrs))
	}
	if imm := instrs[1].Imm.(wasm.MiscImm); imm.SubOpcode != wasm.MiscMemoryCopy || len(imm.Operands) != 2 {
		t.Errorf("memory.copy decoded wrong: %+v", imm)
	}
	if !bytes.Equal(wasm.EncodeInstructions(instrs), code) {
		t.Error("re-encoded instructions differ from original")
	}
}

func TestLEB128RoundTrip(t *testing.T) {
	uvalues := []uint32{0, 1, 127, 128, 300, 1<<31 - 1}
	for _, v := range uvalues {
		var buf bytes.Buffer
		wasm.WriteLEB128u(&buf, v)
		got, err := wasm.ReadLEB128u(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadLEB128u(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("u32 round trip: got %d, want %d", got, v)
		}
	}

	svalues := []int32{0, -1, 63, -64, 64, -65, 1<<30 - 1, -(1 << 30)}
	for _, v := range svalues {
		var buf bytes.Buffer
		wasm.WriteLEB128s(&buf, v)
		got, err := wasm.ReadLEB128s(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadLEB128s(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("s32 round trip: got %d, want %d", got, v)
		}
	}
}

func TestIsFloatOpcode(t *testing.T) {
	floats := []byte{wasm.OpF32Load, wasm.OpF64Store, wasm.OpF32Const, 0x63 /* f32.lt */, 0x92 /* f32.add */, 0xB2 /* f32.convert_i32_s */}
	for _, op := range floats {
		if !wasm.IsFloatOpcode(op) {
			t.Errorf("IsFloatOpcode(0x%02x) = false, want true", op)
		}
	}
	ints := []byte{wasm.OpI32Load, wasm.OpI64Const, 0x6A /* i32.add */, wasm.OpI32Extend8S, 0xA7 /* i32.wrap_i64 */}
	for _, op := range ints {
		if wasm.IsFloatOpcode(op) {
			t.Errorf("IsFloatOpcode(0x%02x) = true, want false", op)
		}
	}
}
