// Package runtime ties the pipeline together: it prepares contract
// bytecode, compiles it on the backend the config selects, caches the
// result, and executes calls under a gas budget.
//
// A Runtime is long-lived and safe for concurrent calls. Engines are
// created lazily per backend and shared across calls; per-call state lives
// entirely in the call context, so two calls to the same contract never
// contend on anything but the artifact cache.
package runtime
