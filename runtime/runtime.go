package runtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	contractvm "github.com/forgechain/contractvm"
	"github.com/forgechain/contractvm/cache"
	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/host"
	"github.com/forgechain/contractvm/prepare"
	"github.com/forgechain/contractvm/vm"
	"github.com/forgechain/contractvm/vmerror"
)

// Runtime executes contract calls. Create one per process and share it.
type Runtime struct {
	env      host.Interface
	store    *cache.Store
	logger   *zap.Logger
	override *config.BackendKind

	mu      sync.Mutex
	engines map[engineKey]*vm.Engine
}

// engineKey identifies a shared engine: the backend plus the only config
// field baked into engine construction.
type engineKey struct {
	kind     config.BackendKind
	maxPages uint32
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithCache attaches an artifact cache. The runtime closes it on Close.
func WithCache(store *cache.Store) Option {
	return func(r *Runtime) { r.store = store }
}

// WithHost replaces the standard host environment.
func WithHost(env host.Interface) Option {
	return func(r *Runtime) { r.env = env }
}

// WithBackendOverride requests a specific backend for every call. Honored
// only when the call's config enables SandboxMode and lists the backend as
// legal; otherwise the canonical backend runs and the override is logged.
func WithBackendOverride(kind config.BackendKind) Option {
	return func(r *Runtime) { r.override = &kind }
}

// New creates a Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		logger:  zap.NewNop(),
		engines: make(map[engineKey]*vm.Engine),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.env == nil {
		r.env = host.NewEnv(host.WithLogger(r.logger))
	}
	return r
}

// Close releases every engine and the attached cache. In-flight calls must
// have completed.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if r.store != nil {
		// Cached artifacts reference engine memory; drop them first.
		if err := r.store.Close(); err != nil {
			firstErr = err
		}
		r.store = nil
	}
	for k, e := range r.engines {
		if err := e.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.engines, k)
	}
	return firstErr
}

// Run executes method on the given contract under cfg with the given gas
// budget. The Outcome is deterministic for (code, cfg, method, input,
// gasLimit); the error return carries pipeline rejections and node-local
// failures.
func (r *Runtime) Run(ctx context.Context, code *contractvm.ContractCode, method string, input []byte, cfg *config.RuntimeConfig, gasLimit uint64) (*vm.Outcome, error) {
	kind := r.pickBackend(cfg)

	engine, err := r.engine(ctx, kind, cfg)
	if err != nil {
		return nil, err
	}

	meter := host.NewGasMeter(gasLimit)

	if cfg.Features.FixContractLoadingCost {
		loading := cfg.Costs.ContractLoadingBase +
			cfg.Costs.ContractLoadingPerByte*uint64(len(code.Bytes()))
		if !meter.Burn(loading) {
			return &vm.Outcome{
				GasUsed: meter.Consumed(),
				Trap: vmerror.New(vmerror.PhaseRun, vmerror.KindOutOfGas).
					Method(method).Detail("contract loading cost exceeds budget").Build(),
			}, nil
		}
	}

	art, err := r.artifact(ctx, engine, code, cfg, kind)
	if err != nil {
		// Deterministic rejections (bad bytecode, disallowed constructs,
		// import mismatches) are part of the outcome space: every node
		// reaches the same verdict. Operational failures are not.
		if verr := deterministicReject(err); verr != nil {
			return &vm.Outcome{GasUsed: meter.Consumed(), Trap: verr}, nil
		}
		return nil, err
	}

	cc := &host.CallContext{Method: method, Input: input, Meter: meter}
	out, err := engine.Invoke(ctx, art, method, cc, cfg)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("call finished",
		zap.String("code", code.Hash().String()),
		zap.String("method", method),
		zap.Stringer("backend", kind),
		zap.Uint64("gas_used", out.GasUsed),
		zap.Bool("ok", out.Ok()))
	return out, nil
}

// Precompile runs the pipeline up to compilation and warms the cache. Used
// at deployment time to reject invalid contracts before any call pays for
// discovering them.
func (r *Runtime) Precompile(ctx context.Context, code *contractvm.ContractCode, cfg *config.RuntimeConfig) error {
	kind := r.pickBackend(cfg)
	engine, err := r.engine(ctx, kind, cfg)
	if err != nil {
		return err
	}
	_, err = r.artifact(ctx, engine, code, cfg, kind)
	return err
}

// deterministicReject returns the error as an outcome trap when it is a
// pure function of (code, config): validation, instrumentation, and link
// rejections. Compile and cache faults return nil and stay operational.
func deterministicReject(err error) *vmerror.Error {
	var verr *vmerror.Error
	if !errors.As(err, &verr) {
		return nil
	}
	switch verr.Phase {
	case vmerror.PhaseValidate, vmerror.PhasePrepare, vmerror.PhaseLink:
		return verr
	}
	return nil
}

// pickBackend resolves the backend for a call: canonical, unless a sandbox
// override applies.
func (r *Runtime) pickBackend(cfg *config.RuntimeConfig) config.BackendKind {
	kind := cfg.CanonicalBackend()
	if r.override == nil {
		return kind
	}
	if !cfg.Features.SandboxMode {
		r.logger.Warn("backend override ignored outside sandbox mode",
			zap.Stringer("requested", *r.override))
		return kind
	}
	if !cfg.BackendLegal(*r.override) {
		r.logger.Warn("backend override not legal for this version",
			zap.Stringer("requested", *r.override),
			zap.Uint32("version", uint32(cfg.Version)))
		return kind
	}
	return *r.override
}

// engine returns the shared engine for kind, creating it on first use.
func (r *Runtime) engine(ctx context.Context, kind config.BackendKind, cfg *config.RuntimeConfig) (*vm.Engine, error) {
	key := engineKey{kind: kind, maxPages: cfg.Limits.MaxMemoryPages}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[key]; ok {
		return e, nil
	}
	e, err := vm.NewEngine(ctx, kind, cfg, r.env, r.logger)
	if err != nil {
		return nil, err
	}
	r.engines[key] = e
	return e, nil
}

// artifact obtains the compiled artifact for a call, through the cache when
// one is attached.
func (r *Runtime) artifact(ctx context.Context, engine *vm.Engine, code *contractvm.ContractCode, cfg *config.RuntimeConfig, kind config.BackendKind) (*vm.Artifact, error) {
	compile := func(ctx context.Context) (*vm.Artifact, error) {
		prep, err := prepare.Prepare(code.Bytes(), cfg)
		if err != nil {
			return nil, err
		}
		return engine.Compile(ctx, prep)
	}

	if r.store == nil {
		return compile(ctx)
	}

	key := cache.Key{CodeHash: code.Hash(), ConfigID: cfg.ID(), Backend: kind}
	recompile := func(ctx context.Context, instrumented []byte) (*vm.Artifact, error) {
		prep, err := prepare.Reload(instrumented, cfg)
		if err != nil {
			return nil, err
		}
		return engine.Compile(ctx, prep)
	}
	return r.store.GetOrCompile(ctx, key, compile, recompile)
}
