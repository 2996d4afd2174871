package wasm

import (
	"fmt"
)

// Validate performs structural validation of the module: every index
// references an existing item, exports are unique, and section counts are
// mutually consistent. Function bodies are decoded and their function,
// global, and type indices bounds-checked; full type-checking is left to
// the execution backend during compilation.
func (m *Module) Validate() error {
	if err := m.validateTypeIndices(); err != nil {
		return err
	}
	if err := m.validateCodeCount(); err != nil {
		return err
	}
	if err := m.validateMemories(); err != nil {
		return err
	}
	if err := m.validateTables(); err != nil {
		return err
	}
	if err := m.validateGlobalIndices(); err != nil {
		return err
	}
	if err := m.validateExports(); err != nil {
		return err
	}
	if err := m.validateStart(); err != nil {
		return err
	}
	if err := m.validateElements(); err != nil {
		return err
	}
	if err := m.validateBodyIndices(); err != nil {
		return err
	}
	return m.validateDataCount()
}

// ParseModuleValidate parses and structurally validates a module.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return fmt.Errorf("import %d: type index %d out of range (%d types)",
				i, imp.Desc.TypeIdx, numTypes)
		}
	}
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return fmt.Errorf("function %d: type index %d out of range (%d types)",
				i, typeIdx, numTypes)
		}
	}
	return nil
}

func (m *Module) validateCodeCount() error {
	if len(m.Funcs) != len(m.Code) {
		return fmt.Errorf("function section declares %d functions but code section has %d bodies",
			len(m.Funcs), len(m.Code))
	}
	return nil
}

func (m *Module) validateMemories() error {
	total := m.NumImportedMemories() + len(m.Memories)
	if total > 1 {
		return fmt.Errorf("at most one memory is allowed, found %d", total)
	}
	check := func(limits Limits, what string) error {
		if limits.Max != nil && *limits.Max < limits.Min {
			return fmt.Errorf("%s: max %d below min %d", what, *limits.Max, limits.Min)
		}
		return nil
	}
	for i, mem := range m.Memories {
		if err := check(mem.Limits, fmt.Sprintf("memory %d", i)); err != nil {
			return err
		}
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindMemory && imp.Desc.Memory != nil {
			if err := check(imp.Desc.Memory.Limits, fmt.Sprintf("import %d memory", i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Module) validateTables() error {
	total := m.NumImportedTables() + len(m.Tables)
	if total > 1 {
		return fmt.Errorf("at most one table is allowed, found %d", total)
	}
	for i, t := range m.Tables {
		if t.Limits.Max != nil && *t.Limits.Max < t.Limits.Min {
			return fmt.Errorf("table %d: max %d below min %d", i, *t.Limits.Max, t.Limits.Min)
		}
	}
	return nil
}

func (m *Module) validateGlobalIndices() error {
	// Global init expressions may only reference imported globals.
	numImported := uint32(m.NumImportedGlobals())
	for i, g := range m.Globals {
		instrs, err := DecodeInstructions(g.Init)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		for _, instr := range instrs {
			if imm, ok := instr.Imm.(GlobalImm); ok {
				if imm.GlobalIdx >= numImported {
					return fmt.Errorf("global %d init references non-imported global %d",
						i, imm.GlobalIdx)
				}
			}
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	numFuncs := uint32(m.NumImportedFuncs() + len(m.Funcs))
	numTables := uint32(m.NumImportedTables() + len(m.Tables))
	numMemories := uint32(m.NumImportedMemories() + len(m.Memories))
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))

	seen := make(map[string]struct{}, len(m.Exports))
	for i, exp := range m.Exports {
		if _, dup := seen[exp.Name]; dup {
			return fmt.Errorf("duplicate export name %q", exp.Name)
		}
		seen[exp.Name] = struct{}{}

		var limit uint32
		switch exp.Kind {
		case KindFunc:
			limit = numFuncs
		case KindTable:
			limit = numTables
		case KindMemory:
			limit = numMemories
		case KindGlobal:
			limit = numGlobals
		default:
			return fmt.Errorf("export %d: unknown kind 0x%02x", i, exp.Kind)
		}
		if exp.Idx >= limit {
			return fmt.Errorf("export %q: index %d out of range (%d available)",
				exp.Name, exp.Idx, limit)
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	ft := m.GetFuncType(*m.Start)
	if ft == nil {
		return fmt.Errorf("start function index %d out of range", *m.Start)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return fmt.Errorf("start function must have type [] -> [], got %d params and %d results",
			len(ft.Params), len(ft.Results))
	}
	return nil
}

func (m *Module) validateElements() error {
	numFuncs := uint32(m.NumImportedFuncs() + len(m.Funcs))
	numTables := uint32(m.NumImportedTables() + len(m.Tables))
	for i, elem := range m.Elements {
		if (elem.Flags == 0 || elem.Flags == 2) && elem.TableIdx >= numTables {
			return fmt.Errorf("element %d: table index %d out of range", i, elem.TableIdx)
		}
		for _, idx := range elem.FuncIdxs {
			if idx >= numFuncs {
				return fmt.Errorf("element %d: function index %d out of range", i, idx)
			}
		}
	}
	return nil
}

// validateBodyIndices bounds-checks the index immediates inside every
// function body. Instrumentation appends to the global and function index
// spaces, so an out-of-range index that slipped through here would alias an
// injected item instead of being rejected.
func (m *Module) validateBodyIndices() error {
	numFuncs := uint32(m.NumImportedFuncs() + len(m.Funcs))
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))
	numTypes := uint32(len(m.Types))

	for i := range m.Code {
		instrs, err := DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return fmt.Errorf("function %d body: %w", i, err)
		}
		for _, instr := range instrs {
			switch imm := instr.Imm.(type) {
			case GlobalImm:
				if imm.GlobalIdx >= numGlobals {
					return fmt.Errorf("function %d: global index %d out of range (%d globals)",
						i, imm.GlobalIdx, numGlobals)
				}
			case CallImm:
				if imm.FuncIdx >= numFuncs {
					return fmt.Errorf("function %d: call target %d out of range (%d functions)",
						i, imm.FuncIdx, numFuncs)
				}
			case CallIndirectImm:
				if imm.TypeIdx >= numTypes {
					return fmt.Errorf("function %d: call_indirect type index %d out of range (%d types)",
						i, imm.TypeIdx, numTypes)
				}
			case RefFuncImm:
				if imm.FuncIdx >= numFuncs {
					return fmt.Errorf("function %d: ref.func index %d out of range (%d functions)",
						i, imm.FuncIdx, numFuncs)
				}
			}
		}
	}
	return nil
}

func (m *Module) validateDataCount() error {
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		return fmt.Errorf("data count section declares %d segments but data section has %d",
			*m.DataCount, len(m.Data))
	}
	return nil
}
