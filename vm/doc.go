// Package vm executes prepared contract modules on one of the closed set of
// execution backends.
//
// All three backends run on the same underlying engine family with different
// configurations: the general backend compiles ahead of time, the
// single-pass backend interprets with near-zero startup cost, and the legacy
// backend pins the feature set the launch protocol was validated against.
// Because gas metering and depth limiting are injected into the bytecode
// before compilation, every backend observes identical charges and traps;
// the outcome mapper normalizes the engine-specific trap shapes into the
// shared taxonomy.
package vm
