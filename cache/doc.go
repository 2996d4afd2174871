// Package cache stores compiled contract artifacts across calls.
//
// Two tiers: an in-process LRU of live compiled modules, and an optional
// persistent tier holding the instrumented bytecode each artifact was
// compiled from. The persistent representation is deterministic, so a
// populated cache directory can be shipped between nodes; loading recompiles
// the stored bytes on the local engine.
//
// The cache is strictly an accelerator. Tier faults are logged and the call
// falls back to compiling from source; a broken cache never changes the
// outcome of a call. Concurrent requests for the same key are collapsed so
// each contract compiles at most once per process, however many calls race
// on a cold key.
package cache
