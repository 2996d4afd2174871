// Package vmerror defines the structured error taxonomy shared by every
// stage of the contract execution pipeline.
//
// Errors carry a Phase (where in the pipeline they occurred) and a Kind
// (what went wrong). The taxonomy is deterministic by construction: two
// nodes rejecting the same bytecode under the same configuration produce
// errors with the same Phase and Kind, regardless of execution backend.
//
// Kinds split into two families. Contract-attributable kinds (malformed
// bytecode, exceeded limits, traps) are ordinary, billable outcomes and are
// returned to callers as part of the outcome space. Operational kinds
// (cache faults, environment-corruption compile failures) are node-local
// anomalies that must never change the deterministic result of a call.
package vmerror
