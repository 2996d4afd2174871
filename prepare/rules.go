package prepare

import (
	"fmt"

	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/vmerror"
	"github.com/forgechain/contractvm/wasm"
)

func ruleErr(format string, args ...interface{}) error {
	return vmerror.New(vmerror.PhaseValidate, vmerror.KindDisallowed).
		Detail(fmt.Sprintf(format, args...)).Build()
}

// checkRules enforces the per-version determinism rules: the float ban and
// the gated post-MVP operator sets. It scans every place a type or
// instruction can appear so a forbidden construct cannot hide in an unused
// function or global.
func checkRules(m *wasm.Module, cfg *config.RuntimeConfig) error {
	if cfg.DisallowFloats {
		if err := checkNoFloatTypes(m); err != nil {
			return err
		}
	}

	for i := range m.Code {
		instrs, err := wasm.DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return vmerror.New(vmerror.PhaseValidate, vmerror.KindMalformed).
				Detail(fmt.Sprintf("function %d: %v", i, err)).Cause(err).Build()
		}
		if err := checkInstrRules(instrs, cfg, i); err != nil {
			return err
		}
	}
	return nil
}

func checkNoFloatTypes(m *wasm.Module) error {
	for i := range m.Types {
		t := &m.Types[i]
		for _, p := range t.Params {
			if wasm.IsFloatValType(p) {
				return ruleErr("type %d uses floating point", i)
			}
		}
		for _, r := range t.Results {
			if wasm.IsFloatValType(r) {
				return ruleErr("type %d uses floating point", i)
			}
		}
	}
	for i := range m.Globals {
		if wasm.IsFloatValType(m.Globals[i].Type.ValType) {
			return ruleErr("global %d uses floating point", i)
		}
	}
	for i := range m.Imports {
		if g := m.Imports[i].Desc.Global; g != nil && wasm.IsFloatValType(g.ValType) {
			return ruleErr("imported global %d uses floating point", i)
		}
	}
	for i := range m.Code {
		for _, l := range m.Code[i].Locals {
			if wasm.IsFloatValType(l.ValType) {
				return ruleErr("function %d declares floating-point locals", i)
			}
		}
	}
	return nil
}

func checkInstrRules(instrs []wasm.Instruction, cfg *config.RuntimeConfig, fn int) error {
	for _, in := range instrs {
		op := in.Opcode

		if cfg.DisallowFloats && wasm.IsFloatOpcode(op) {
			return ruleErr("function %d uses floating-point instruction 0x%02x", fn, op)
		}
		if cfg.DisallowFloats {
			if bt, ok := in.Imm.(wasm.BlockImm); ok && (bt.Type == -3 || bt.Type == -4) {
				return ruleErr("function %d declares a floating-point block type", fn)
			}
		}

		if op >= wasm.OpI32Extend8S && op <= wasm.OpI64Extend32S && !cfg.AllowSignExt {
			return ruleErr("function %d uses sign-extension operator 0x%02x", fn, op)
		}

		// Reference types ship with bulk memory in this protocol.
		if (op == wasm.OpRefNull || op == wasm.OpRefIsNull || op == wasm.OpRefFunc ||
			op == wasm.OpTableGet || op == wasm.OpTableSet || op == wasm.OpSelectType) &&
			!cfg.AllowBulkMemory {
			return ruleErr("function %d uses reference-type instruction 0x%02x", fn, op)
		}

		if op == wasm.PrefixMisc {
			imm := in.Imm.(wasm.MiscImm)
			sat := imm.SubOpcode <= wasm.MiscI64TruncSatF64U
			switch {
			case sat && !cfg.AllowSatTrunc:
				return ruleErr("function %d uses saturating truncation", fn)
			case sat && cfg.DisallowFloats:
				// All eight saturating forms truncate from a float source.
				return ruleErr("function %d uses floating-point instruction", fn)
			case !sat && !cfg.AllowBulkMemory:
				return ruleErr("function %d uses bulk memory operator %d", fn, imm.SubOpcode)
			}
		}
	}
	return nil
}
