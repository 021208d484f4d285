// Package api defines the contracts between the raw-descriptor migration
// backend and the migration framework that drives it.
package api

// TransportKind tags a stream with the transport implementation behind it so
// the framework can tell descriptor-backed streams from other transports.
type TransportKind string

const (
	// KindRaw marks a stream carried over a raw file descriptor.
	KindRaw TransportKind = "raw"
	// KindRawSuspended marks a raw stream produced while the VM was paused.
	KindRawSuspended TransportKind = "raw-suspended"
)

// Transport is the installable I/O endpoint of a migration attempt.
// One implementation exists per transport kind.
type Transport interface {
	// Write writes p to the underlying endpoint and returns the number of
	// bytes accepted. Short writes are possible.
	Write(p []byte) (int, error)
	// LastError returns the most recent platform error seen by the transport.
	LastError() error
	// Close releases the endpoint. Calling Close more than once is safe.
	Close() error
	// Kind reports which transport implementation this is.
	Kind() TransportKind
}

// Handle is one migration attempt's I/O endpoint. It is owned by the caller
// and passed into every operation; nothing in this module keeps one globally.
type Handle struct {
	Transport Transport
	State     State
	File      Stream
}
