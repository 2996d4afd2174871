package vmerror

import (
	"strings"
)

// Phase indicates where in the call pipeline the error occurred.
type Phase string

const (
	PhaseValidate Phase = "validate" // bytecode parsing and limits
	PhasePrepare  Phase = "prepare"  // instrumentation
	PhaseCompile  Phase = "compile"  // backend compilation
	PhaseLink     Phase = "link"     // host import resolution
	PhaseRun      Phase = "run"      // execution
	PhaseCache    Phase = "cache"    // artifact cache tiers
	PhaseConfig   Phase = "config"   // runtime configuration
)

// Kind categorizes the error.
type Kind string

const (
	// Preparation kinds: deterministic rejections before any gas charge.
	KindMalformed     Kind = "malformed"
	KindDisallowed    Kind = "disallowed"
	KindLimitExceeded Kind = "limit_exceeded"
	KindInstrument    Kind = "instrument"

	// KindCompileFailed is a backend compilation failure. Deterministic for
	// a given key unless the environment is corrupt.
	KindCompileFailed Kind = "compile_failed"

	// Link kinds: fatal configuration errors, never contract faults.
	KindImportMismatch Kind = "import_mismatch"
	KindMethodNotFound Kind = "method_not_found"

	// Execution trap kinds: billable contract-level failures.
	KindOutOfGas           Kind = "out_of_gas"
	KindStackOverflow      Kind = "stack_overflow"
	KindMemoryFault        Kind = "memory_fault"
	KindIllegalInstruction Kind = "illegal_instruction"
	KindAbort              Kind = "abort"
	KindHostError          Kind = "host_error"

	// Operational kinds: node-local anomalies, recovered where possible.
	KindCacheUnavailable Kind = "cache_unavailable"
	KindConfigMismatch   Kind = "config_mismatch"
)

// Error is the structured error type used throughout the runtime.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Method string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Method != "" {
		b.WriteString(" in ")
		b.WriteString(e.Method)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by phase and kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsTrap reports whether the error is a billable execution trap.
func (e *Error) IsTrap() bool {
	switch e.Kind {
	case KindOutOfGas, KindStackOverflow, KindMemoryFault,
		KindIllegalInstruction, KindAbort, KindHostError:
		return true
	}
	return false
}

// IsContractFault reports whether the error is attributable to the contract
// (and therefore part of the deterministic, billable outcome space) rather
// than to the node or its configuration.
func (e *Error) IsContractFault() bool {
	if e.IsTrap() {
		return true
	}
	switch e.Kind {
	case KindMalformed, KindDisallowed, KindLimitExceeded, KindInstrument,
		KindMethodNotFound:
		return true
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

// Detail sets a human-readable description.
func (b *Builder) Detail(detail string) *Builder {
	b.err.Detail = detail
	return b
}

// Method sets the contract method being called.
func (b *Builder) Method(method string) *Builder {
	b.err.Method = method
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	e := b.err
	return &e
}
