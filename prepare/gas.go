package prepare

import (
	"fmt"

	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/vmerror"
	"github.com/forgechain/contractvm/wasm"
)

// Import identity of the injected gas function. The node registers the
// implementation under this name when instantiating the host module.
const (
	GasImportModule = "env"
	GasImportName   = "gas"
)

func instrumentErr(format string, args ...interface{}) error {
	return vmerror.New(vmerror.PhasePrepare, vmerror.KindInstrument).
		Detail(fmt.Sprintf(format, args...)).Build()
}

// injectGasMetering adds the env.gas import and rewrites every function body
// to charge gas according to the config's metering strategy. It returns the
// function index of the injected import.
//
// The import is appended after the module's own imports, so imported
// function indices are unchanged and every defined function index shifts up
// by one. All references into the defined range are remapped: call
// immediates, ref.func, element segments, exports, and global initializers.
func injectGasMetering(m *wasm.Module, cfg *config.RuntimeConfig) (uint32, error) {
	oldImported := uint32(m.NumImportedFuncs())
	gasIdx := oldImported

	typeIdx := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}})
	m.Imports = append(m.Imports, wasm.Import{
		Module: GasImportModule,
		Name:   GasImportName,
		Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: typeIdx},
	})

	remap := func(idx uint32) uint32 {
		if idx >= oldImported {
			return idx + 1
		}
		return idx
	}

	for i := range m.Exports {
		if m.Exports[i].Kind == wasm.KindFunc {
			m.Exports[i].Idx = remap(m.Exports[i].Idx)
		}
	}
	for i := range m.Elements {
		for j := range m.Elements[i].FuncIdxs {
			m.Elements[i].FuncIdxs[j] = remap(m.Elements[i].FuncIdxs[j])
		}
	}
	if m.Start != nil {
		idx := remap(*m.Start)
		m.Start = &idx
	}
	for i := range m.Globals {
		init, err := remapInitExpr(m.Globals[i].Init, remap)
		if err != nil {
			return 0, instrumentErr("global %d init: %v", i, err)
		}
		m.Globals[i].Init = init
	}

	for i := range m.Code {
		instrs, err := wasm.DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return 0, instrumentErr("function %d: %v", i, err)
		}
		for j := range instrs {
			switch imm := instrs[j].Imm.(type) {
			case wasm.CallImm:
				instrs[j].Imm = wasm.CallImm{FuncIdx: remap(imm.FuncIdx)}
			case wasm.RefFuncImm:
				instrs[j].Imm = wasm.RefFuncImm{FuncIdx: remap(imm.FuncIdx)}
			}
		}

		switch cfg.Metering {
		case config.MeteringPerInstruction:
			instrs = meterPerInstruction(instrs, &cfg.Costs, gasIdx)
		case config.MeteringPerSegment:
			instrs = meterPerSegment(instrs, &cfg.Costs, gasIdx)
		default:
			return 0, instrumentErr("unknown metering strategy %d", cfg.Metering)
		}

		m.Code[i].Code = wasm.EncodeInstructions(instrs)
	}

	return gasIdx, nil
}

// remapInitExpr rewrites ref.func indices inside a constant expression.
// Numeric constant expressions pass through byte-identical.
func remapInitExpr(init []byte, remap func(uint32) uint32) ([]byte, error) {
	instrs, err := wasm.DecodeInstructions(init)
	if err != nil {
		return nil, err
	}
	changed := false
	for i := range instrs {
		if imm, ok := instrs[i].Imm.(wasm.RefFuncImm); ok {
			instrs[i].Imm = wasm.RefFuncImm{FuncIdx: remap(imm.FuncIdx)}
			changed = true
		}
	}
	if !changed {
		return init, nil
	}
	return wasm.EncodeInstructions(instrs), nil
}

func chargeInstrs(cost uint64, gasIdx uint32) [2]wasm.Instruction {
	return [2]wasm.Instruction{
		{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: int64(cost)}},
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: gasIdx}},
	}
}

// meterPerInstruction charges each instruction individually, immediately
// before it executes. Kept for replaying calls made under the launch
// protocol; later versions use segment metering.
func meterPerInstruction(instrs []wasm.Instruction, costs *config.GasCosts, gasIdx uint32) []wasm.Instruction {
	out := make([]wasm.Instruction, 0, len(instrs)*3)
	for _, in := range instrs {
		charge := chargeInstrs(costs.InstructionCost(in.Opcode), gasIdx)
		out = append(out, charge[0], charge[1], in)
	}
	return out
}

// isSegmentBoundary reports whether op ends a straight-line segment. Block
// starts count because their bodies are branch targets; calls count because
// the callee charges for itself and may not return.
func isSegmentBoundary(op byte) bool {
	switch op {
	case wasm.OpUnreachable, wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse,
		wasm.OpEnd, wasm.OpBr, wasm.OpBrIf, wasm.OpBrTable, wasm.OpReturn,
		wasm.OpCall, wasm.OpCallIndirect:
		return true
	}
	return false
}

// meterPerSegment pre-charges each straight-line segment as a whole at its
// start. A segment runs up to and including the next boundary instruction,
// so the full cost of the run is charged before any of it executes; partial
// execution of a segment is impossible to observe through the meter.
func meterPerSegment(instrs []wasm.Instruction, costs *config.GasCosts, gasIdx uint32) []wasm.Instruction {
	out := make([]wasm.Instruction, 0, len(instrs)+len(instrs)/4)
	var seg []wasm.Instruction
	var segCost uint64

	flush := func() {
		if segCost > 0 {
			charge := chargeInstrs(segCost, gasIdx)
			out = append(out, charge[0], charge[1])
		}
		out = append(out, seg...)
		seg = seg[:0]
		segCost = 0
	}

	for _, in := range instrs {
		seg = append(seg, in)
		segCost += costs.InstructionCost(in.Opcode)
		if isSegmentBoundary(in.Opcode) {
			flush()
		}
	}
	flush()
	return out
}
