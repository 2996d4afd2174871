// Package config defines the protocol-versioned runtime configuration: gas
// cost tables, static and dynamic limits, feature flags, and the set of
// execution backends legal for each protocol version.
//
// A RuntimeConfig is immutable once constructed. Distinct protocol versions
// produce distinct configs that are never merged; the config identity
// (derived from every semantics-affecting field) is part of the
// compiled-artifact cache key.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ProtocolVersion is a discrete, ordered configuration epoch. It fixes gas
// costs, limits, instrumentation strategy, and the legal backend set for
// every call processed under it.
type ProtocolVersion uint32

// Supported protocol versions.
const (
	// V1 is the launch protocol: per-instruction gas charging, floats
	// allowed, legacy backend only. Kept selectable forever so historical
	// calls replay with their original semantics.
	V1 ProtocolVersion = 1
	// V2 tightened determinism rules: segment-granular gas charging,
	// floating point forbidden, sign-extension and saturating-truncation
	// operators accepted.
	V2 ProtocolVersion = 2
	// V3 is the current protocol: V2 rules plus bulk memory operations and
	// the ahead-of-time compiling backend as the canonical engine.
	V3 ProtocolVersion = 3

	// Latest is the most recent supported protocol version.
	Latest = V3
)

// BackendKind identifies one of the closed set of execution engines. The
// legal set is protocol-pinned and finite; it is never extended at runtime.
type BackendKind byte

const (
	// BackendGeneral is the general-purpose ahead-of-time compiling engine:
	// highest startup cost, fastest execution.
	BackendGeneral BackendKind = iota + 1
	// BackendSinglePass trades peak execution speed for near-zero
	// compilation cost; preferred for cold-cache, latency-sensitive calls.
	BackendSinglePass
	// BackendLegacy is preserved solely for protocol versions validated
	// against it historically. Its observable behavior must never change.
	BackendLegacy
)

func (k BackendKind) String() string {
	switch k {
	case BackendGeneral:
		return "general"
	case BackendSinglePass:
		return "single-pass"
	case BackendLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("backend(%d)", byte(k))
	}
}

// MeteringStrategy selects how gas charges are injected during
// instrumentation.
type MeteringStrategy byte

const (
	// MeteringPerInstruction charges before every instruction. Expensive,
	// kept for V1 replay.
	MeteringPerInstruction MeteringStrategy = iota + 1
	// MeteringPerSegment pre-charges each straight-line segment as a whole.
	MeteringPerSegment
)

// Features is the enumerated set of per-version feature flags. Flags are
// declared exhaustively by the protocol tables, never inferred at runtime
// from the environment.
type Features struct {
	// FixContractLoadingCost charges code-size-proportional gas for
	// loading a contract before execution.
	FixContractLoadingCost bool
	// ExtSignatureVerification enables the extended export-signature check:
	// callable methods must have type [] -> [].
	ExtSignatureVerification bool
	// SandboxMode permits operator backend overrides and other testing
	// affordances. Never enabled for consensus-critical execution.
	SandboxMode bool
	// IOTracing logs host-boundary traffic for debugging.
	IOTracing bool
}

// GasCosts is the per-instruction-class gas cost table.
type GasCosts struct {
	// Regular is the cost of ordinary arithmetic, comparison, parametric
	// and constant instructions.
	Regular uint64
	// Flow is the cost of control-flow instructions (blocks, branches).
	Flow uint64
	// Local is the cost of local variable access.
	Local uint64
	// Global is the cost of global variable access.
	Global uint64
	// Load and Store are the costs of linear-memory access.
	Load  uint64
	Store uint64
	// Call covers the fixed overhead of a direct call; CallIndirect of an
	// indirect one.
	Call         uint64
	CallIndirect uint64
	// MemoryGrow is charged per memory.grow instruction, on top of the
	// per-page cost the host interface applies.
	MemoryGrow uint64
	// ContractLoadingBase and ContractLoadingPerByte price the initial
	// load of contract code when FixContractLoadingCost is enabled.
	ContractLoadingBase    uint64
	ContractLoadingPerByte uint64
}

// InstructionCost returns the charge for a single-byte opcode.
func (g *GasCosts) InstructionCost(op byte) uint64 {
	switch {
	case op >= 0x02 && op <= 0x0F: // block..return
		return g.Flow
	case op == 0x10:
		return g.Call
	case op == 0x11:
		return g.CallIndirect
	case op >= 0x20 && op <= 0x22:
		return g.Local
	case op == 0x23 || op == 0x24:
		return g.Global
	case op >= 0x28 && op <= 0x35:
		return g.Load
	case op >= 0x36 && op <= 0x3E:
		return g.Store
	case op == 0x40:
		return g.MemoryGrow
	default:
		return g.Regular
	}
}

// Limits bounds the static shape of accepted modules and the dynamic
// resources of a call.
type Limits struct {
	// Static module-shape limits, checked before instrumentation.
	MaxCodeSize       uint32
	MaxFunctions      uint32
	MaxImports        uint32
	MaxExports        uint32
	MaxGlobals        uint32
	MaxLocalsPerFunc  uint32
	MaxFunctionBody   uint32
	MaxTableEntries   uint32
	MaxExportNameLen  uint32
	InitialMemPages   uint32
	MaxMemoryPages    uint32

	// MaxStackDepth is the logical call-depth limit enforced by
	// instrumentation, counted per nested call.
	MaxStackDepth uint32
}

// RuntimeConfig is the complete set of protocol-version-dependent parameters
// affecting execution semantics. Construct via ForVersion; treat as
// immutable afterwards.
type RuntimeConfig struct {
	Version  ProtocolVersion
	Features Features
	Costs    GasCosts
	Limits   Limits

	// Metering selects the instrumentation strategy version.
	Metering MeteringStrategy

	// DisallowFloats rejects any module mentioning f32/f64 when set.
	DisallowFloats bool
	// AllowSignExt accepts the sign-extension operators (0xC0..0xC4).
	AllowSignExt bool
	// AllowSatTrunc accepts saturating float-to-int truncation (0xFC 0..7).
	AllowSatTrunc bool
	// AllowBulkMemory accepts memory.copy/memory.fill and friends.
	AllowBulkMemory bool

	// LegalBackends lists every backend allowed for this version, canonical
	// first.
	LegalBackends []BackendKind
}

// ID is the stable identity of a RuntimeConfig, derived from every
// semantics-affecting field.
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// CanonicalBackend returns the backend consensus-critical execution must
// use under this config.
func (c *RuntimeConfig) CanonicalBackend() BackendKind {
	return c.LegalBackends[0]
}

// BackendLegal reports whether kind may execute calls under this config.
func (c *RuntimeConfig) BackendLegal(kind BackendKind) bool {
	for _, k := range c.LegalBackends {
		if k == kind {
			return true
		}
	}
	return false
}

// ID returns the config identity hash. Two configs with the same identity
// are guaranteed to produce identical prepared modules and gas charges.
func (c *RuntimeConfig) ID() ID {
	var buf bytes.Buffer
	le := binary.LittleEndian

	var scratch [8]byte
	writeU32 := func(v uint32) {
		le.PutUint32(scratch[:4], v)
		buf.Write(scratch[:4])
	}
	writeU64 := func(v uint64) {
		le.PutUint64(scratch[:8], v)
		buf.Write(scratch[:8])
	}
	writeBool := func(v bool) {
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	writeU32(uint32(c.Version))
	writeBool(c.Features.FixContractLoadingCost)
	writeBool(c.Features.ExtSignatureVerification)
	writeBool(c.Features.SandboxMode)
	writeBool(c.Features.IOTracing)

	writeU64(c.Costs.Regular)
	writeU64(c.Costs.Flow)
	writeU64(c.Costs.Local)
	writeU64(c.Costs.Global)
	writeU64(c.Costs.Load)
	writeU64(c.Costs.Store)
	writeU64(c.Costs.Call)
	writeU64(c.Costs.CallIndirect)
	writeU64(c.Costs.MemoryGrow)
	writeU64(c.Costs.ContractLoadingBase)
	writeU64(c.Costs.ContractLoadingPerByte)

	writeU32(c.Limits.MaxCodeSize)
	writeU32(c.Limits.MaxFunctions)
	writeU32(c.Limits.MaxImports)
	writeU32(c.Limits.MaxExports)
	writeU32(c.Limits.MaxGlobals)
	writeU32(c.Limits.MaxLocalsPerFunc)
	writeU32(c.Limits.MaxFunctionBody)
	writeU32(c.Limits.MaxTableEntries)
	writeU32(c.Limits.MaxExportNameLen)
	writeU32(c.Limits.InitialMemPages)
	writeU32(c.Limits.MaxMemoryPages)
	writeU32(c.Limits.MaxStackDepth)

	buf.WriteByte(byte(c.Metering))
	writeBool(c.DisallowFloats)
	writeBool(c.AllowSignExt)
	writeBool(c.AllowSatTrunc)
	writeBool(c.AllowBulkMemory)

	buf.WriteByte(byte(len(c.LegalBackends)))
	for _, k := range c.LegalBackends {
		buf.WriteByte(byte(k))
	}

	return sha256.Sum256(buf.Bytes())
}
