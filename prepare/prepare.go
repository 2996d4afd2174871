package prepare

import (
	"fmt"

	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/vmerror"
	"github.com/forgechain/contractvm/wasm"
)

// PreparedModule is the instrumented form of a contract, ready for backend
// compilation. Bytes are deterministically encoded: the same (code, config)
// pair yields byte-identical output on every node.
type PreparedModule struct {
	// Bytes is the instrumented module in binary form.
	Bytes []byte
	// OriginalSize is the raw bytecode size before instrumentation, used
	// for size-proportional loading charges.
	OriginalSize uint32
	// Methods lists the exported function names callable on this module,
	// in export order.
	Methods []string
}

// Prepare validates raw bytecode against the config's limits and
// determinism rules and injects gas metering and the call-depth limiter.
//
// Every rejection is a *vmerror.Error: PhaseValidate for malformed or
// disallowed input, PhasePrepare for instrumentation failures. Rejections
// are pure functions of (code, cfg), never of node state.
func Prepare(code []byte, cfg *config.RuntimeConfig) (*PreparedModule, error) {
	if n := uint32(len(code)); n > cfg.Limits.MaxCodeSize {
		return nil, limitErr("code size %d exceeds limit %d", n, cfg.Limits.MaxCodeSize)
	}

	m, err := wasm.ParseModuleValidate(code)
	if err != nil {
		return nil, vmerror.New(vmerror.PhaseValidate, vmerror.KindMalformed).
			Detail(err.Error()).Cause(err).Build()
	}

	if err := checkLimits(m, &cfg.Limits); err != nil {
		return nil, err
	}
	if err := checkRules(m, cfg); err != nil {
		return nil, err
	}

	if _, err := injectGasMetering(m, cfg); err != nil {
		return nil, err
	}
	if err := injectDepthLimit(m, cfg); err != nil {
		return nil, err
	}
	clampMemory(m, &cfg.Limits)

	return &PreparedModule{
		Bytes:        m.Encode(),
		OriginalSize: uint32(len(code)),
		Methods:      callableMethods(m, cfg),
	}, nil
}

// Reload reconstructs a PreparedModule from previously instrumented bytes,
// as stored by the persistent artifact cache. The bytes are trusted to have
// come from Prepare under the same config; only the method table is
// recomputed.
func Reload(instrumented []byte, cfg *config.RuntimeConfig) (*PreparedModule, error) {
	m, err := wasm.ParseModule(instrumented)
	if err != nil {
		return nil, vmerror.New(vmerror.PhaseCache, vmerror.KindCacheUnavailable).
			Detail("cached module does not parse").Cause(err).Build()
	}
	return &PreparedModule{
		Bytes:   instrumented,
		Methods: callableMethods(m, cfg),
	}, nil
}

// callableMethods returns the exported functions a caller may invoke. Under
// extended signature verification only [] -> [] exports qualify; otherwise
// every exported function does.
func callableMethods(m *wasm.Module, cfg *config.RuntimeConfig) []string {
	var methods []string
	for i := range m.Exports {
		exp := &m.Exports[i]
		if exp.Kind != wasm.KindFunc {
			continue
		}
		if cfg.Features.ExtSignatureVerification {
			ft := m.GetFuncType(exp.Idx)
			if ft == nil || len(ft.Params) != 0 || len(ft.Results) != 0 {
				continue
			}
		}
		methods = append(methods, exp.Name)
	}
	return methods
}

// MethodCallable reports whether method is in the prepared module's callable
// set.
func (p *PreparedModule) MethodCallable(method string) bool {
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for logging.
func (p *PreparedModule) String() string {
	return fmt.Sprintf("prepared{%d->%d bytes, %d methods}",
		p.OriginalSize, len(p.Bytes), len(p.Methods))
}
