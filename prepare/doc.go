// Package prepare turns raw contract bytecode into an instrumented module
// ready for compilation: it enforces the protocol's static limits and
// determinism rules, injects gas metering, and injects the logical
// call-depth limiter.
//
// Preparation is a pure function of (bytecode, config). The output bytes are
// deterministically encoded, so every node preparing the same contract under
// the same protocol version produces byte-identical results; the compiled
// artifact cache relies on this.
//
// Pipeline order is fixed: parse, validate, shape limits, determinism rules,
// gas injection, depth injection, memory clamping, encode. Gas charges never
// cover the injected depth bookkeeping, and the depth bookkeeping never
// wraps the injected gas calls.
package prepare
