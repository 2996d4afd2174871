package host

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Module exit codes used to interrupt execution from host functions. The
// outcome mapper does not trust exit codes alone; it cross-checks the
// CallContext flags so engines that rewrite exit reasons cannot change the
// attributed outcome.
const (
	ExitOutOfGas  uint32 = 0xF0
	ExitAbort     uint32 = 0xF1
	ExitHostError uint32 = 0xF2
)

// Function describes one host function exported to contracts.
type Function struct {
	// Module is the import module name, normally "env".
	Module string
	// Name is the import field name.
	Name string
	// Params and Results describe the wasm-level signature.
	Params  []api.ValueType
	Results []api.ValueType
	// Fn is the implementation. It must be stateless: per-call state comes
	// from the CallContext in ctx.
	Fn api.GoModuleFunc
}

// Interface is implemented by host environments that expose functions to
// contract code.
type Interface interface {
	Functions() []Function
}

// CallContext holds the per-call state shared between the runtime and host
// functions. One CallContext serves exactly one invocation.
type CallContext struct {
	// Method is the exported function being called.
	Method string
	// Input is the opaque call payload readable by the contract.
	Input []byte
	// Meter is the gas meter for this call.
	Meter *GasMeter

	// ReturnData is set by the contract through the output host function.
	ReturnData []byte
	// Logs collects log_utf8 lines in emission order.
	Logs []string

	// Aborted and AbortMessage record a contract-requested abort.
	Aborted      bool
	AbortMessage string

	// HostErr records a failure inside a host function, such as an
	// out-of-range memory access by the contract.
	HostErr error
}

type callContextKey struct{}

// WithCallContext returns a context carrying cc.
func WithCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// FromContext returns the CallContext carried by ctx, or nil.
func FromContext(ctx context.Context) *CallContext {
	cc, _ := ctx.Value(callContextKey{}).(*CallContext)
	return cc
}

// Env is the standard host environment. It exposes the minimal contract ABI:
// reading the call input, writing return data, logging, and aborting.
type Env struct {
	logger  *zap.Logger
	tracing bool
}

// EnvOption configures an Env.
type EnvOption func(*Env)

// WithLogger sets the logger used for IO tracing.
func WithLogger(logger *zap.Logger) EnvOption {
	return func(e *Env) { e.logger = logger }
}

// WithIOTracing enables per-call host-boundary logging.
func WithIOTracing(enabled bool) EnvOption {
	return func(e *Env) { e.tracing = enabled }
}

// NewEnv creates the standard host environment.
func NewEnv(opts ...EnvOption) *Env {
	e := &Env{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Functions returns the "env" function set.
func (e *Env) Functions() []Function {
	i32 := api.ValueTypeI32
	return []Function{
		{
			Module: "env", Name: "input_len",
			Results: []api.ValueType{i32},
			Fn:      e.inputLen,
		},
		{
			Module: "env", Name: "input_read",
			Params: []api.ValueType{i32},
			Fn:     e.inputRead,
		},
		{
			Module: "env", Name: "output",
			Params: []api.ValueType{i32, i32},
			Fn:     e.output,
		},
		{
			Module: "env", Name: "log_utf8",
			Params: []api.ValueType{i32, i32},
			Fn:     e.logUTF8,
		},
		{
			Module: "env", Name: "abort",
			Params: []api.ValueType{i32, i32},
			Fn:     e.abort,
		},
	}
}

func (e *Env) inputLen(ctx context.Context, mod api.Module, stack []uint64) {
	cc := FromContext(ctx)
	stack[0] = uint64(uint32(len(cc.Input)))
}

func (e *Env) inputRead(ctx context.Context, mod api.Module, stack []uint64) {
	cc := FromContext(ctx)
	ptr := uint32(stack[0])
	if len(cc.Input) > 0 && !mod.Memory().Write(ptr, cc.Input) {
		e.fail(ctx, cc, mod, "input_read: write out of range")
	}
}

func (e *Env) output(ctx context.Context, mod api.Module, stack []uint64) {
	cc := FromContext(ctx)
	ptr, length := uint32(stack[0]), uint32(stack[1])
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		e.fail(ctx, cc, mod, "output: read out of range")
		return
	}
	cc.ReturnData = append([]byte(nil), data...)
	if e.tracing {
		e.logger.Debug("contract output",
			zap.String("method", cc.Method),
			zap.Int("bytes", len(cc.ReturnData)))
	}
}

func (e *Env) logUTF8(ctx context.Context, mod api.Module, stack []uint64) {
	cc := FromContext(ctx)
	ptr, length := uint32(stack[0]), uint32(stack[1])
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		e.fail(ctx, cc, mod, "log_utf8: read out of range")
		return
	}
	cc.Logs = append(cc.Logs, string(data))
	if e.tracing {
		e.logger.Debug("contract log",
			zap.String("method", cc.Method),
			zap.String("message", string(data)))
	}
}

func (e *Env) abort(ctx context.Context, mod api.Module, stack []uint64) {
	cc := FromContext(ctx)
	ptr, length := uint32(stack[0]), uint32(stack[1])
	if data, ok := mod.Memory().Read(ptr, length); ok {
		cc.AbortMessage = string(data)
	}
	cc.Aborted = true
	_ = mod.CloseWithExitCode(ctx, ExitAbort)
}

func (e *Env) fail(ctx context.Context, cc *CallContext, mod api.Module, msg string) {
	cc.HostErr = &BoundaryError{Op: msg}
	_ = mod.CloseWithExitCode(ctx, ExitHostError)
}

// BoundaryError describes a contract-side misuse of a host function, such as
// passing a pointer outside linear memory.
type BoundaryError struct {
	Op string
}

func (e *BoundaryError) Error() string {
	return "host boundary: " + e.Op
}
