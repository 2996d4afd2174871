// Package wasm provides WebAssembly binary format primitives: parsing,
// encoding, LEB128 utilities, and an instruction-level iterator.
//
// The package covers the deterministic MVP subset the contract protocol
// accepts: core sections, sign-extension and saturating-truncation
// operators, and bulk memory operations. Post-MVP proposals that the
// protocol forbids (SIMD, threads, GC, exception handling, tail calls)
// are rejected at parse time so that no later pipeline stage ever sees
// them.
//
// Parsing is linear in the size of the input. Every vector count read
// from the binary is checked against the number of bytes remaining, so a
// small input cannot make the parser allocate large structures.
package wasm
