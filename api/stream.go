package api

import "io"

// Stream is the buffered, seekable framing layer the serializer and
// deserializer work on. The logical cursor is tracked independently of the
// descriptor offset.
type Stream interface {
	io.Reader
	io.Writer
	// Seek moves the logical cursor to offset without touching the descriptor.
	Seek(offset int64)
	// Tell returns the logical cursor.
	Tell() int64
	SetKind(kind TransportKind)
	Kind() TransportKind
	// Fd returns the descriptor the stream is layered over.
	Fd() int
	Close() error
}

// StreamFactory opens streams over descriptors and handles.
type StreamFactory interface {
	// OpenReader wraps an open, readable descriptor. The stream takes
	// ownership of fd only on success.
	OpenReader(fd int) (Stream, error)
	// OpenWriter wraps the handle's installed transport and stores the
	// resulting stream in h.File.
	OpenWriter(h *Handle) (Stream, error)
}
