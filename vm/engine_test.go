package vm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/host"
	"github.com/forgechain/contractvm/prepare"
	"github.com/forgechain/contractvm/vm"
	"github.com/forgechain/contractvm/vmerror"
	"github.com/forgechain/contractvm/wasm"
)

func v2Config(t *testing.T) *config.RuntimeConfig {
	t.Helper()
	cfg, err := config.ForVersion(config.V2, config.Features{})
	require.NoError(t, err)
	return cfg
}

// contract builds a module with one exported [] -> [] function "run" and a
// one-page memory.
func contract(body []wasm.Instruction) *wasm.Module {
	m := &wasm.Module{}
	typeIdx := m.AddType(wasm.FuncType{})
	m.Funcs = []uint32{typeIdx}
	m.Code = []wasm.FuncBody{{Code: wasm.EncodeInstructions(body)}}
	m.Exports = []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}}
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	return m
}

func run(t *testing.T, kind config.BackendKind, cfg *config.RuntimeConfig, code []byte, gas uint64) (*vm.Outcome, *host.CallContext) {
	t.Helper()
	ctx := context.Background()

	engine, err := vm.NewEngine(ctx, kind, cfg, host.NewEnv(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(ctx) })

	prep, err := prepare.Prepare(code, cfg)
	require.NoError(t, err)

	art, err := engine.Compile(ctx, prep)
	require.NoError(t, err)

	cc := &host.CallContext{Method: "run", Meter: host.NewGasMeter(gas)}
	out, err := engine.Invoke(ctx, art, "run", cc, cfg)
	require.NoError(t, err)
	return out, cc
}

func TestInvokeArithmetic(t *testing.T) {
	cfg := v2Config(t)
	code := contract([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 20}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 22}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	}).Encode()

	for _, kind := range cfg.LegalBackends {
		t.Run(kind.String(), func(t *testing.T) {
			out, _ := run(t, kind, cfg, code, 1_000_000)
			require.True(t, out.Ok(), "trap: %v", out.Trap)
			assert.Positive(t, out.GasUsed, "metered code must burn gas")
		})
	}
}

func TestGasUsedIdenticalAcrossBackends(t *testing.T) {
	cfg := v2Config(t)
	code := contract([]wasm.Instruction{
		{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: 0}},
		{Opcode: wasm.OpUnreachable},
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpEnd},
	}).Encode()

	used := make(map[uint64]bool)
	for _, kind := range cfg.LegalBackends {
		out, _ := run(t, kind, cfg, code, 1_000_000)
		require.True(t, out.Ok(), "%s trap: %v", kind, out.Trap)
		used[out.GasUsed] = true
	}
	assert.Len(t, used, 1, "gas charge must be backend-independent")
}

func TestOutOfGas(t *testing.T) {
	cfg := v2Config(t)
	// Spin forever; the per-iteration charge inside the loop exhausts the
	// meter.
	code := contract([]wasm.Instruction{
		{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: 0}},
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpEnd},
	}).Encode()

	for _, kind := range cfg.LegalBackends {
		t.Run(kind.String(), func(t *testing.T) {
			out, cc := run(t, kind, cfg, code, 10_000)
			require.NotNil(t, out.Trap)
			assert.Equal(t, vmerror.KindOutOfGas, out.Trap.Kind)
			assert.True(t, cc.Meter.Exhausted())
			assert.Equal(t, uint64(10_000), out.GasUsed, "exhausted call consumes the whole budget")
		})
	}
}

func TestStackOverflow(t *testing.T) {
	cfg := v2Config(t)
	// Unbounded recursion trips the injected depth check long before the
	// engine's own stack would.
	code := contract([]wasm.Instruction{
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 0}},
		{Opcode: wasm.OpEnd},
	}).Encode()

	for _, kind := range cfg.LegalBackends {
		t.Run(kind.String(), func(t *testing.T) {
			out, _ := run(t, kind, cfg, code, 100_000_000)
			require.NotNil(t, out.Trap)
			assert.Equal(t, vmerror.KindStackOverflow, out.Trap.Kind)
		})
	}
}

func TestMemoryFault(t *testing.T) {
	cfg := v2Config(t)
	// One page of memory; load far past it.
	code := contract([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1 << 20}},
		{Opcode: wasm.OpI32Load, Imm: wasm.MemoryImm{Align: 2, Offset: 0}},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	}).Encode()

	// The mapper recognizes the fault by wazero's trap message, so this
	// classification check on every backend is what pins that message
	// across dependency upgrades.
	for _, kind := range cfg.LegalBackends {
		t.Run(kind.String(), func(t *testing.T) {
			out, _ := run(t, kind, cfg, code, 1_000_000)
			require.NotNil(t, out.Trap)
			assert.Equal(t, vmerror.KindMemoryFault, out.Trap.Kind)
		})
	}
}

func TestIllegalInstruction(t *testing.T) {
	cfg := v2Config(t)
	code := contract([]wasm.Instruction{
		{Opcode: wasm.OpUnreachable},
		{Opcode: wasm.OpEnd},
	}).Encode()

	out, _ := run(t, config.BackendSinglePass, cfg, code, 1_000_000)
	require.NotNil(t, out.Trap)
	assert.Equal(t, vmerror.KindIllegalInstruction, out.Trap.Kind)
}

func TestAbort(t *testing.T) {
	cfg := v2Config(t)

	m := &wasm.Module{}
	abortType := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}})
	voidType := m.AddType(wasm.FuncType{})
	m.Imports = []wasm.Import{{
		Module: "env", Name: "abort",
		Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: abortType},
	}}
	m.Funcs = []uint32{voidType}
	m.Code = []wasm.FuncBody{{Code: wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 0}},
		{Opcode: wasm.OpEnd},
	})}}
	m.Exports = []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 1}}
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}

	out, _ := run(t, config.BackendSinglePass, cfg, m.Encode(), 1_000_000)
	require.NotNil(t, out.Trap)
	assert.Equal(t, vmerror.KindAbort, out.Trap.Kind)
}

func TestReturnData(t *testing.T) {
	cfg := v2Config(t)

	m := &wasm.Module{}
	outputType := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}})
	voidType := m.AddType(wasm.FuncType{})
	m.Imports = []wasm.Import{{
		Module: "env", Name: "output",
		Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: outputType},
	}}
	m.Funcs = []uint32{voidType}
	m.Code = []wasm.FuncBody{{Code: wasm.EncodeInstructions([]wasm.Instruction{
		// mem[0..4] = 0x01020304 (little endian), then output(0, 4)
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0x01020304}},
		{Opcode: wasm.OpI32Store, Imm: wasm.MemoryImm{Align: 2, Offset: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 4}},
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 0}},
		{Opcode: wasm.OpEnd},
	})}}
	m.Exports = []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 1}}
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}

	out, _ := run(t, config.BackendSinglePass, cfg, m.Encode(), 1_000_000)
	require.True(t, out.Ok(), "trap: %v", out.Trap)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, out.ReturnData)
}

func TestMethodNotFound(t *testing.T) {
	cfg := v2Config(t)
	ctx := context.Background()

	engine, err := vm.NewEngine(ctx, config.BackendSinglePass, cfg, host.NewEnv(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(ctx) })

	code := contract([]wasm.Instruction{{Opcode: wasm.OpEnd}}).Encode()
	prep, err := prepare.Prepare(code, cfg)
	require.NoError(t, err)
	art, err := engine.Compile(ctx, prep)
	require.NoError(t, err)

	cc := &host.CallContext{Method: "missing", Meter: host.NewGasMeter(1000)}
	out, err := engine.Invoke(ctx, art, "missing", cc, cfg)
	require.NoError(t, err)
	require.NotNil(t, out.Trap)
	assert.Equal(t, vmerror.KindMethodNotFound, out.Trap.Kind)
}

func TestImportMismatch(t *testing.T) {
	cfg := v2Config(t)
	ctx := context.Background()

	engine, err := vm.NewEngine(ctx, config.BackendSinglePass, cfg, host.NewEnv(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(ctx) })

	m := contract([]wasm.Instruction{{Opcode: wasm.OpEnd}})
	unknownType := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	m.Imports = []wasm.Import{{
		Module: "env", Name: "no_such_function",
		Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: unknownType},
	}}
	// The export index must account for the import.
	m.Exports[0].Idx = 1

	prep, err := prepare.Prepare(m.Encode(), cfg)
	require.NoError(t, err)

	_, err = engine.Compile(ctx, prep)
	require.Error(t, err)
	assert.True(t, errors.Is(err,
		vmerror.New(vmerror.PhaseLink, vmerror.KindImportMismatch).Build()))
}

// blockingHost exposes one env function that parks until released, keeping
// an invocation in flight for as long as the test needs.
type blockingHost struct {
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHost) Functions() []host.Function {
	return []host.Function{{
		Module: "env", Name: "block",
		Fn: api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			close(h.entered)
			<-h.release
		}),
	}}
}

func TestArtifactCloseDefersUntilInvokeReturns(t *testing.T) {
	cfg := v2Config(t)
	ctx := context.Background()

	h := &blockingHost{entered: make(chan struct{}), release: make(chan struct{})}
	engine, err := vm.NewEngine(ctx, config.BackendSinglePass, cfg, h, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(ctx) })

	m := &wasm.Module{}
	voidType := m.AddType(wasm.FuncType{})
	m.Imports = []wasm.Import{{
		Module: "env", Name: "block",
		Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: voidType},
	}}
	m.Funcs = []uint32{voidType}
	m.Code = []wasm.FuncBody{{Code: wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 0}},
		{Opcode: wasm.OpEnd},
	})}}
	m.Exports = []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 1}}

	prep, err := prepare.Prepare(m.Encode(), cfg)
	require.NoError(t, err)
	art, err := engine.Compile(ctx, prep)
	require.NoError(t, err)

	type result struct {
		out *vm.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		cc := &host.CallContext{Method: "run", Meter: host.NewGasMeter(1_000_000)}
		out, err := engine.Invoke(ctx, art, "run", cc, cfg)
		done <- result{out, err}
	}()

	// Evict the artifact while the call is parked inside the host function.
	<-h.entered
	require.NoError(t, art.Close(ctx))
	close(h.release)

	res := <-done
	require.NoError(t, res.err)
	require.True(t, res.out.Ok(), "trap: %v", res.out.Trap)

	// Later calls see the closed artifact.
	cc := &host.CallContext{Method: "run", Meter: host.NewGasMeter(1_000)}
	_, err = engine.Invoke(ctx, art, "run", cc, cfg)
	require.Error(t, err)
}

func TestLegacyBackendRunsV1Contracts(t *testing.T) {
	cfg, err := config.ForVersion(config.V1, config.Features{})
	require.NoError(t, err)

	// V1 allows floats; the legacy backend must execute them.
	code := contract([]wasm.Instruction{
		{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Value: 2.5}},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	}).Encode()

	out, _ := run(t, config.BackendLegacy, cfg, code, 1_000_000)
	require.True(t, out.Ok(), "trap: %v", out.Trap)
	assert.Positive(t, out.GasUsed)
}
