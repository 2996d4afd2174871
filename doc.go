// Package contractvm is a deterministic, resource-bounded WebAssembly
// contract runtime for blockchain validators.
//
// The runtime guarantees that every node executing the same contract call on
// the same inputs produces the exact same result, gas charge, and outcome
// kind, regardless of host CPU, selected execution backend, or
// protocol-version skew over time.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	contractvm/          Root package with contract code identity
//	├── runtime/         High-level API: Run a contract call end to end
//	├── vm/              Backend abstraction over three execution engines
//	├── prepare/         Bytecode validation and instrumentation pipeline
//	├── cache/           Two-tier compiled-artifact cache
//	├── config/          Protocol-versioned runtime configuration
//	├── host/            Host-function interface and gas metering seam
//	├── vmerror/         Structured error taxonomy
//	└── wasm/            Core WASM binary manipulation primitives
//
// # Execution Pipeline
//
// A call flows through validate, instrument, compile-or-fetch, instantiate,
// and invoke, in that order:
//
//	rt := runtime.New(runtime.WithCache(c))
//	outcome, err := rt.Run(ctx, code, "transfer", input, cfg, gasLimit)
//
// Validation rejects malformed modules and static-limit violations before
// any instrumentation. Instrumentation rewrites the module to charge gas
// per straight-line segment and to enforce a counted call-stack depth
// limit. The cache amortizes compilation across repeated invocations of
// the same code under the same configuration and backend.
//
// # Determinism
//
// For a fixed RuntimeConfig, every legal backend must produce the same
// outcome kind and the same gas charge for the same inputs. Failing
// contract calls (out of gas, stack overflow, traps) are ordinary,
// billable outcomes, never process faults.
//
// # Thread Safety
//
// Runtime and the cache are safe for concurrent use. Every invocation runs
// on its own module instance; compiled artifacts are immutable and shared
// read-only.
package contractvm
