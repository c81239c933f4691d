package ipc

import "context"

// Transferable marks a value handed alongside a request as arriving
// "out of band" of the argument list -- the Go stand-in for a structured-clone
// transferable. Concrete Targets decide how (or whether) they actually move
// ownership; over the transports this module ships, a Transferable is just a
// tag inspected via GetTransfer inside a handler body.
type Transferable any

// Target is a message target per SPEC_FULL.md/spec.md §4.A: any endpoint that
// can send and receive framed messages. It unifies the browser's
// {Window, Port, Worker} union for this reimplementation.
type Target interface {
	// Send posts a frame, optionally tagged with transferables the receiving
	// handler can read back via GetTransfer.
	Send(ctx context.Context, f Frame, transfer ...Transferable) error
	// Recv blocks for the next inbound frame.
	Recv(ctx context.Context) (Frame, error)
	// Close tears down the underlying transport. Idempotent.
	Close() error
}

// Terminator is implemented by Targets backed by a killable process (the
// Worker variant). Targets that don't support hard termination simply don't
// implement it; callers type-assert.
type Terminator interface {
	Terminate() error
}

// IsMessageTarget is the Go stand-in for spec.md §4.A's duck-typed
// is-message-target predicate: a type switch that accepts any value
// implementing the Target interface.
func IsMessageTarget(x any) bool {
	switch x.(type) {
	case Target:
		return true
	default:
		return false
	}
}
