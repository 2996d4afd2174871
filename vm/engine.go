package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/host"
	"github.com/forgechain/contractvm/prepare"
	"github.com/forgechain/contractvm/vmerror"
	"github.com/forgechain/contractvm/wasm"
)

// Artifact is a contract compiled for one backend. Artifacts are immutable
// and safe for concurrent instantiation; Close releases engine resources.
type Artifact struct {
	compiled wazero.CompiledModule

	mu       sync.Mutex
	inflight int
	closed   bool

	// Bytes is the instrumented module the artifact was compiled from. It
	// is the artifact's serialized representation: deterministic, and
	// sufficient to recompile on any node.
	Bytes   []byte
	Methods []string
	Backend config.BackendKind
}

// Close marks the artifact released. The compiled module is freed once no
// invocation holds it, so a cache eviction racing an in-flight call never
// pulls the module out from under the call.
func (a *Artifact) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	busy := a.inflight > 0
	a.mu.Unlock()

	if busy {
		// The last release frees the module.
		return nil
	}
	return a.closeCompiled(ctx)
}

// acquire pins the compiled module for one invocation. Reports false when
// the artifact has already been closed.
func (a *Artifact) acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.inflight++
	return true
}

func (a *Artifact) release(ctx context.Context) {
	a.mu.Lock()
	a.inflight--
	last := a.closed && a.inflight == 0
	a.mu.Unlock()

	if last {
		_ = a.closeCompiled(ctx)
	}
}

func (a *Artifact) closeCompiled(ctx context.Context) error {
	if a.compiled == nil {
		return nil
	}
	return a.compiled.Close(ctx)
}

// MethodCallable reports whether method may be invoked on this artifact.
func (a *Artifact) MethodCallable(method string) bool {
	for _, m := range a.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Engine executes prepared modules on one backend. An Engine owns its
// runtime and host module; it is safe for concurrent Compile and Invoke.
type Engine struct {
	rt     wazero.Runtime
	hostFn map[string]hostSig
	logger *zap.Logger
	kind   config.BackendKind
}

type hostSig struct {
	params  []api.ValueType
	results []api.ValueType
}

// NewEngine creates an engine for the given backend kind, registering the
// gas function and every function of env under the "env" module.
func NewEngine(ctx context.Context, kind config.BackendKind, cfg *config.RuntimeConfig, env host.Interface, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var rc wazero.RuntimeConfig
	switch kind {
	case config.BackendGeneral:
		rc = wazero.NewRuntimeConfigCompiler()
	case config.BackendSinglePass:
		rc = wazero.NewRuntimeConfigInterpreter()
	case config.BackendLegacy:
		rc = wazero.NewRuntimeConfigInterpreter().
			WithCoreFeatures(api.CoreFeaturesV1)
	default:
		return nil, vmerror.New(vmerror.PhaseConfig, vmerror.KindConfigMismatch).
			Detail(fmt.Sprintf("unknown backend %d", byte(kind))).Build()
	}
	rc = rc.
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.Limits.MaxMemoryPages)

	e := &Engine{
		rt:     wazero.NewRuntimeWithConfig(ctx, rc),
		hostFn: make(map[string]hostSig),
		logger: logger,
		kind:   kind,
	}

	builder := e.rt.NewHostModuleBuilder(prepare.GasImportModule)

	gasParams := []api.ValueType{api.ValueTypeI64}
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(burnGas), gasParams, nil).
		Export(prepare.GasImportName)
	e.hostFn[prepare.GasImportName] = hostSig{params: gasParams}

	for _, fn := range env.Functions() {
		if fn.Module != prepare.GasImportModule || fn.Name == prepare.GasImportName {
			continue
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(fn.Fn, fn.Params, fn.Results).
			Export(fn.Name)
		e.hostFn[fn.Name] = hostSig{params: fn.Params, results: fn.Results}
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		_ = e.rt.Close(ctx)
		return nil, vmerror.New(vmerror.PhaseLink, vmerror.KindImportMismatch).
			Detail("host module instantiation failed").Cause(err).Build()
	}

	e.logger.Debug("engine ready", zap.Stringer("backend", kind))
	return e, nil
}

// Kind returns the backend this engine implements.
func (e *Engine) Kind() config.BackendKind {
	return e.kind
}

// Close releases the engine and every artifact compiled by it.
func (e *Engine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

// burnGas is the injected metering function. Exhaustion interrupts the call
// immediately; the exhausted meter flag, not the exit code, is what the
// outcome mapper trusts.
func burnGas(ctx context.Context, mod api.Module, stack []uint64) {
	cc := host.FromContext(ctx)
	if !cc.Meter.Burn(stack[0]) {
		_ = mod.CloseWithExitCode(ctx, host.ExitOutOfGas)
	}
}

// Compile compiles a prepared module for this backend. Imports are resolved
// against the registered host set before compilation so a mismatch surfaces
// as a link error on every backend, never as an engine-specific compile
// failure.
func (e *Engine) Compile(ctx context.Context, prep *prepare.PreparedModule) (*Artifact, error) {
	if err := e.checkImports(prep.Bytes); err != nil {
		return nil, err
	}

	compiled, err := e.rt.CompileModule(ctx, prep.Bytes)
	if err != nil {
		return nil, vmerror.New(vmerror.PhaseCompile, vmerror.KindCompileFailed).
			Detail(fmt.Sprintf("backend %s", e.kind)).Cause(err).Build()
	}

	return &Artifact{
		compiled: compiled,
		Bytes:    prep.Bytes,
		Methods:  prep.Methods,
		Backend:  e.kind,
	}, nil
}

// checkImports verifies every import of the instrumented module against the
// host set.
func (e *Engine) checkImports(code []byte) error {
	m, err := wasm.ParseModule(code)
	if err != nil {
		return vmerror.New(vmerror.PhaseCompile, vmerror.KindCompileFailed).
			Detail("instrumented module does not parse").Cause(err).Build()
	}

	linkErr := func(format string, args ...interface{}) error {
		return vmerror.New(vmerror.PhaseLink, vmerror.KindImportMismatch).
			Detail(fmt.Sprintf(format, args...)).Build()
	}

	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != wasm.KindFunc {
			return linkErr("import %s.%s: only function imports are provided", imp.Module, imp.Name)
		}
		if imp.Module != prepare.GasImportModule {
			return linkErr("import module %q is not provided", imp.Module)
		}
		sig, ok := e.hostFn[imp.Name]
		if !ok {
			return linkErr("host function %s.%s is not provided", imp.Module, imp.Name)
		}
		if int(imp.Desc.TypeIdx) >= len(m.Types) {
			return linkErr("import %s.%s: type index out of range", imp.Module, imp.Name)
		}
		ft := m.Types[imp.Desc.TypeIdx]
		if !sigMatches(ft, sig) {
			return linkErr("host function %s.%s signature mismatch", imp.Module, imp.Name)
		}
	}
	return nil
}

func sigMatches(ft wasm.FuncType, sig hostSig) bool {
	if len(ft.Params) != len(sig.params) || len(ft.Results) != len(sig.results) {
		return false
	}
	for i, p := range ft.Params {
		if byte(p) != byte(sig.params[i]) {
			return false
		}
	}
	for i, r := range ft.Results {
		if byte(r) != byte(sig.results[i]) {
			return false
		}
	}
	return true
}

// Invoke instantiates the artifact and calls method under the given call
// context. The returned Outcome carries the deterministic result, including
// traps; the error return is reserved for node-local failures such as
// instantiation faults or context cancellation.
func (e *Engine) Invoke(ctx context.Context, art *Artifact, method string, cc *host.CallContext, cfg *config.RuntimeConfig) (*Outcome, error) {
	if !art.MethodCallable(method) {
		return &Outcome{
			GasUsed: cc.Meter.Consumed(),
			Trap: vmerror.New(vmerror.PhaseRun, vmerror.KindMethodNotFound).
				Method(method).Build(),
		}, nil
	}

	if !art.acquire() {
		return nil, vmerror.New(vmerror.PhaseRun, vmerror.KindCacheUnavailable).
			Detail("artifact closed").Method(method).Build()
	}
	defer art.release(ctx)

	ctx = host.WithCallContext(ctx, cc)

	// Anonymous instance: no name registration, so concurrent calls to the
	// same artifact never collide.
	mod, err := e.rt.InstantiateModule(ctx, art.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, vmerror.New(vmerror.PhaseRun, vmerror.KindCompileFailed).
			Detail("instantiation failed").Cause(err).Build()
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(method)
	if fn == nil {
		return &Outcome{
			GasUsed: cc.Meter.Consumed(),
			Trap: vmerror.New(vmerror.PhaseRun, vmerror.KindMethodNotFound).
				Method(method).Build(),
		}, nil
	}

	_, callErr := fn.Call(ctx)
	if callErr != nil && ctx.Err() != nil {
		// Cancellation is a node decision, never a contract outcome.
		return nil, ctx.Err()
	}

	return mapOutcome(callErr, cc, mod, cfg, method), nil
}
