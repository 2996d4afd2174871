package config

import "fmt"

// defaultLimits are shared by every version so far. Versions may diverge by
// overriding fields in their table entry.
func defaultLimits() Limits {
	return Limits{
		MaxCodeSize:      4 << 20, // 4 MiB of raw bytecode
		MaxFunctions:     10_000,
		MaxImports:       100,
		MaxExports:       100,
		MaxGlobals:       1_000,
		MaxLocalsPerFunc: 512,
		MaxFunctionBody:  128 << 10,
		MaxTableEntries:  10_000,
		MaxExportNameLen: 256,
		InitialMemPages:  1,
		MaxMemoryPages:   2048, // 128 MiB
		MaxStackDepth:    1024,
	}
}

func defaultCosts() GasCosts {
	return GasCosts{
		Regular:                1,
		Flow:                   1,
		Local:                  1,
		Global:                 2,
		Load:                   3,
		Store:                  3,
		Call:                   5,
		CallIndirect:           10,
		MemoryGrow:             100,
		ContractLoadingBase:    1_000,
		ContractLoadingPerByte: 1,
	}
}

// versionTable enumerates every supported protocol version. Adding a new
// version adds a row; existing rows are frozen so historical calls replay
// with their original semantics.
var versionTable = map[ProtocolVersion]func(Features) *RuntimeConfig{
	V1: func(f Features) *RuntimeConfig {
		return &RuntimeConfig{
			Version:        V1,
			Features:       f,
			Costs:          defaultCosts(),
			Limits:         defaultLimits(),
			Metering:       MeteringPerInstruction,
			DisallowFloats: false,
			LegalBackends:  []BackendKind{BackendLegacy},
		}
	},
	V2: func(f Features) *RuntimeConfig {
		return &RuntimeConfig{
			Version:        V2,
			Features:       f,
			Costs:          defaultCosts(),
			Limits:         defaultLimits(),
			Metering:       MeteringPerSegment,
			DisallowFloats: true,
			AllowSignExt:   true,
			AllowSatTrunc:  true,
			LegalBackends:  []BackendKind{BackendSinglePass, BackendGeneral},
		}
	},
	V3: func(f Features) *RuntimeConfig {
		return &RuntimeConfig{
			Version:         V3,
			Features:        f,
			Costs:           defaultCosts(),
			Limits:          defaultLimits(),
			Metering:        MeteringPerSegment,
			DisallowFloats:  true,
			AllowSignExt:    true,
			AllowSatTrunc:   true,
			AllowBulkMemory: true,
			LegalBackends:   []BackendKind{BackendGeneral, BackendSinglePass},
		}
	},
}

// ForVersion constructs the RuntimeConfig for a protocol version with the
// given feature flags. Returns an error for unknown versions; the caller
// must treat that as a configuration fault, not a contract fault.
func ForVersion(v ProtocolVersion, features Features) (*RuntimeConfig, error) {
	build, ok := versionTable[v]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol version %d", v)
	}
	return build(features), nil
}
