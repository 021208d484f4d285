package api

import "context"

// Broker resolves a logical name to a descriptor opened by a management layer.
// A successful Resolve hands ownership of the descriptor to the caller.
type Broker interface {
	Resolve(name string) (fd int, ok bool)
}

// Connector is the framework entry point that takes over an outgoing handle
// once a transport is installed. It owns negotiation and state progression,
// so failures are reported through the handle state rather than returned.
type Connector interface {
	Establish(ctx context.Context, h *Handle, kind TransportKind)
}

// Applier restores VM state from an incoming stream. It owns the stream and
// its descriptor from the moment it is called.
type Applier interface {
	Apply(ctx context.Context, s Stream) error
}

// Serializer performs a one-shot, non-live export of VM state.
type Serializer interface {
	// ExportNonLive writes the full VM state to s. suspend pauses guest
	// execution for the export; print enables per-section accounting output.
	// It returns the number of RAM pages written.
	ExportNonLive(ctx context.Context, s Stream, suspend, print bool) (uint64, error)
}

// Readiness is the host event loop's descriptor-readiness registration.
type Readiness interface {
	// RegisterRead invokes cb on the loop thread whenever fd is readable.
	RegisterRead(fd int, cb func()) error
	// Deregister removes every handler installed for fd.
	Deregister(fd int) error
}
