package vm

import (
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/host"
	"github.com/forgechain/contractvm/prepare"
	"github.com/forgechain/contractvm/vmerror"
)

// Outcome is the deterministic result of one contract call. It is identical
// for every legal backend under the same config: same return data, same gas
// charge, same trap kind.
type Outcome struct {
	// ReturnData is the contract's output. Nil when the call trapped.
	ReturnData []byte
	// Logs are kept even for failed calls.
	Logs []string
	// GasUsed is read from the meter, never from the engine.
	GasUsed uint64
	// Trap is nil on success.
	Trap *vmerror.Error
}

// Ok reports whether the call completed without a trap.
func (o *Outcome) Ok() bool {
	return o.Trap == nil
}

// mapOutcome normalizes an engine call result into the shared taxonomy.
//
// Attribution order matters and is fixed: the meter's exhausted flag wins
// over every raw trap shape (an exhausted call may surface as an exit, a
// cancellation, or a trap depending on backend timing), then explicit abort,
// then host boundary failures, then the depth counter, and only then the
// engine's own trap message.
func mapOutcome(callErr error, cc *host.CallContext, mod api.Module, cfg *config.RuntimeConfig, method string) *Outcome {
	out := &Outcome{
		Logs:    cc.Logs,
		GasUsed: cc.Meter.Consumed(),
	}
	if callErr == nil {
		out.ReturnData = cc.ReturnData
		return out
	}

	trap := func(kind vmerror.Kind) *vmerror.Builder {
		return vmerror.New(vmerror.PhaseRun, kind).Method(method)
	}

	switch {
	case cc.Meter.Exhausted():
		out.Trap = trap(vmerror.KindOutOfGas).Build()
	case cc.Aborted:
		out.Trap = trap(vmerror.KindAbort).Detail(cc.AbortMessage).Build()
	case cc.HostErr != nil:
		out.Trap = trap(vmerror.KindHostError).Cause(cc.HostErr).Build()
	case depthValue(mod) > uint64(cfg.Limits.MaxStackDepth):
		out.Trap = trap(vmerror.KindStackOverflow).Build()
	case strings.Contains(callErr.Error(), "out of bounds memory access"):
		out.Trap = trap(vmerror.KindMemoryFault).Cause(callErr).Build()
	default:
		// Unreachable, division by zero, bad integer conversion, indirect
		// call mismatches, table faults.
		out.Trap = trap(vmerror.KindIllegalInstruction).Cause(callErr).Build()
	}
	return out
}

// depthValue reads the injected call-depth counter. A trapped call leaves
// the counter at its value at trap time, so a reading above the limit is a
// deterministic overflow signal on every backend.
func depthValue(mod api.Module) uint64 {
	g := mod.ExportedGlobal(prepare.DepthGlobalExport)
	if g == nil {
		return 0
	}
	return g.Get()
}
