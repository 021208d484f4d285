// Package fdio contains the raw descriptor helpers used by the migration
// transport: open, create-exclusive, offset and file-type queries.
package fdio

// Closed is the descriptor value of an unbound or released endpoint.
const Closed = -1

// Function implementations are provided in platform-specific files (fdio_linux.go).
