package prepare

import (
	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/wasm"
)

// DepthGlobalExport is the export name of the injected call-depth counter.
// The outcome mapper reads it after a trap: a value above the configured
// limit identifies a stack overflow regardless of how the engine reported
// the trap.
const DepthGlobalExport = ReservedPrefix + "depth"

// injectDepthLimit appends the exported depth global and instruments every
// call site: increment and bounds-check before the call, decrement after it
// returns. Bookkeeping lives in the caller, so it holds for every way a
// callee can exit; after a trap the counter stays elevated by design.
//
// Runs after gas injection. Calls to imported functions, including the
// injected gas function, don't open a wasm frame and are left alone.
func injectDepthLimit(m *wasm.Module, cfg *config.RuntimeConfig) error {
	depthIdx := uint32(m.NumImportedGlobals()) + uint32(len(m.Globals))

	m.Globals = append(m.Globals, wasm.Global{
		Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
		Init: []byte{wasm.OpI32Const, 0x00, wasm.OpEnd},
	})
	m.Exports = append(m.Exports, wasm.Export{
		Name: DepthGlobalExport,
		Kind: wasm.KindGlobal,
		Idx:  depthIdx,
	})

	numImported := uint32(m.NumImportedFuncs())
	maxDepth := int32(cfg.Limits.MaxStackDepth)

	for i := range m.Code {
		instrs, err := wasm.DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return instrumentErr("function %d: %v", i, err)
		}
		m.Code[i].Code = wasm.EncodeInstructions(
			wrapCallSites(instrs, depthIdx, maxDepth, numImported))
	}
	return nil
}

func wrapCallSites(instrs []wasm.Instruction, depthIdx uint32, maxDepth int32, numImported uint32) []wasm.Instruction {
	out := make([]wasm.Instruction, 0, len(instrs)+len(instrs)/4)

	for _, in := range instrs {
		wrap := false
		switch imm := in.Imm.(type) {
		case wasm.CallImm:
			wrap = in.Opcode == wasm.OpCall && imm.FuncIdx >= numImported
		case wasm.CallIndirectImm:
			wrap = true
		}
		if !wrap {
			out = append(out, in)
			continue
		}

		// depth += 1; if depth > max { unreachable }
		out = append(out,
			wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: depthIdx}},
			wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
			wasm.Instruction{Opcode: wasm.OpI32Add},
			wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: depthIdx}},
			wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: depthIdx}},
			wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: maxDepth}},
			wasm.Instruction{Opcode: wasm.OpI32GtU},
			wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
			wasm.Instruction{Opcode: wasm.OpUnreachable},
			wasm.Instruction{Opcode: wasm.OpEnd},
		)
		out = append(out, in)
		// depth -= 1
		out = append(out,
			wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: depthIdx}},
			wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
			wasm.Instruction{Opcode: wasm.OpI32Sub},
			wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: depthIdx}},
		)
	}
	return out
}
