// Package host defines the boundary between contracts and the node: the gas
// meter, the per-call context, and the registration surface for host
// functions exposed to contract code under the "env" module.
//
// Host functions are registered once per engine and must therefore be
// stateless; all per-call state (method name, input, gas meter, output and
// abort registers) travels in a CallContext carried through the
// context.Context of the invocation. This lets a single compiled host module
// serve concurrent calls without locking.
package host
