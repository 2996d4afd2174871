package prepare

import (
	"fmt"
	"strings"

	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/vmerror"
	"github.com/forgechain/contractvm/wasm"
)

// ReservedPrefix marks export names owned by the instrumentation passes.
// Contracts may not export names under it.
const ReservedPrefix = "__cvm_"

func limitErr(format string, args ...interface{}) error {
	return vmerror.New(vmerror.PhaseValidate, vmerror.KindLimitExceeded).
		Detail(fmt.Sprintf(format, args...)).Build()
}

func disallowedErr(format string, args ...interface{}) error {
	return vmerror.New(vmerror.PhaseValidate, vmerror.KindDisallowed).
		Detail(fmt.Sprintf(format, args...)).Build()
}

// checkLimits enforces the static module-shape limits. Runs after structural
// validation and before any instrumentation, so every rejection here happens
// at a fixed point of the pipeline on every node.
func checkLimits(m *wasm.Module, lim *config.Limits) error {
	if n := uint32(len(m.Funcs)); n > lim.MaxFunctions {
		return limitErr("%d functions exceeds limit %d", n, lim.MaxFunctions)
	}
	if n := uint32(len(m.Imports)); n > lim.MaxImports {
		return limitErr("%d imports exceeds limit %d", n, lim.MaxImports)
	}
	if n := uint32(len(m.Exports)); n > lim.MaxExports {
		return limitErr("%d exports exceeds limit %d", n, lim.MaxExports)
	}
	if n := uint32(len(m.Globals)); n > lim.MaxGlobals {
		return limitErr("%d globals exceeds limit %d", n, lim.MaxGlobals)
	}

	for i := range m.Code {
		body := &m.Code[i]
		if n := body.NumLocals(); n > lim.MaxLocalsPerFunc {
			return limitErr("function %d declares %d locals, limit %d", i, n, lim.MaxLocalsPerFunc)
		}
		if n := uint32(len(body.Code)); n > lim.MaxFunctionBody {
			return limitErr("function %d body is %d bytes, limit %d", i, n, lim.MaxFunctionBody)
		}
	}

	var tableEntries uint32
	for i := range m.Elements {
		tableEntries += uint32(len(m.Elements[i].FuncIdxs))
	}
	if tableEntries > lim.MaxTableEntries {
		return limitErr("%d table entries exceeds limit %d", tableEntries, lim.MaxTableEntries)
	}
	for i := range m.Tables {
		if m.Tables[i].Limits.Min > lim.MaxTableEntries {
			return limitErr("table %d declares %d entries, limit %d",
				i, m.Tables[i].Limits.Min, lim.MaxTableEntries)
		}
	}

	for i := range m.Exports {
		name := m.Exports[i].Name
		if uint32(len(name)) > lim.MaxExportNameLen {
			return limitErr("export %d name is %d bytes, limit %d", i, len(name), lim.MaxExportNameLen)
		}
		if strings.HasPrefix(name, ReservedPrefix) {
			return disallowedErr("export %q uses reserved prefix %q", name, ReservedPrefix)
		}
	}

	// The gas import is injected by instrumentation; a contract supplying
	// its own would alias the metering function.
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Module == GasImportModule && imp.Name == GasImportName {
			return disallowedErr("import %s.%s is reserved", GasImportModule, GasImportName)
		}
	}

	for i := range m.Memories {
		if m.Memories[i].Limits.Min > lim.MaxMemoryPages {
			return limitErr("memory declares %d initial pages, limit %d",
				m.Memories[i].Limits.Min, lim.MaxMemoryPages)
		}
	}
	for i := range m.Imports {
		if mem := m.Imports[i].Desc.Memory; mem != nil && mem.Limits.Min > lim.MaxMemoryPages {
			return limitErr("imported memory declares %d initial pages, limit %d",
				mem.Limits.Min, lim.MaxMemoryPages)
		}
	}

	if m.Start != nil {
		return disallowedErr("start section is not allowed")
	}

	return nil
}

// clampMemory caps the declared maximum of every defined memory so the
// engine never grows past the protocol limit, regardless of what the module
// asked for.
func clampMemory(m *wasm.Module, lim *config.Limits) {
	for i := range m.Memories {
		max := m.Memories[i].Limits.Max
		if max == nil || *max > lim.MaxMemoryPages {
			capped := lim.MaxMemoryPages
			m.Memories[i].Limits.Max = &capped
		}
	}
}
