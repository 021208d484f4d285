/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package stream provides the default framed stream layered over a migration
// transport (for writing) or a raw descriptor (for reading).
package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/fdio"
)

// DefaultBufferSize is the write buffer flushed to the transport in one go
// and the read-ahead size.
const DefaultBufferSize = 32 << 10

var (
	ErrNoTransport = errors.New("stream: handle has no transport installed")
	ErrNotActive   = errors.New("stream: migration cancelled or failed")
	ErrReadOnly    = errors.New("stream: opened for reading")
	ErrWriteOnly   = errors.New("stream: opened for writing")
	ErrClosed      = errors.New("stream: closed")
)

// File is a buffered stream with a logical cursor. The cursor counts bytes
// moved through the stream and can be repositioned with Seek without touching
// the descriptor.
type File struct {
	h     *api.Handle
	fd    int
	limit int

	wbuf *bytebufferpool.ByteBuffer

	rbuf       []byte
	rpos, rend int

	pos    int64
	kind   api.TransportKind
	closed bool
}

var _ api.Stream = (*File)(nil)

// Factory opens Files. The zero value uses DefaultBufferSize.
type Factory struct {
	BufferSize int
}

var _ api.StreamFactory = Factory{}

func (f Factory) bufferSize() int {
	if f.BufferSize > 0 {
		return f.BufferSize
	}
	return DefaultBufferSize
}

// OpenReader wraps an open readable descriptor.
func (f Factory) OpenReader(fd int) (api.Stream, error) {
	if err := fdio.Check(fd); err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	return &File{
		fd:    fd,
		limit: f.bufferSize(),
		rbuf:  make([]byte, f.bufferSize()),
	}, nil
}

// OpenWriter wraps the handle's transport and stores the stream in h.File.
func (f Factory) OpenWriter(h *api.Handle) (api.Stream, error) {
	if h == nil || h.Transport == nil {
		return nil, ErrNoTransport
	}
	file := &File{
		h:     h,
		fd:    transportFd(h.Transport),
		limit: f.bufferSize(),
		wbuf:  bytebufferpool.Get(),
		kind:  h.Transport.Kind(),
	}
	h.File = file
	return file, nil
}

func transportFd(t api.Transport) int {
	if d, ok := t.(interface{ Fd() int }); ok {
		return d.Fd()
	}
	return fdio.Closed
}

func (f *File) Fd() int { return f.fd }

func (f *File) SetKind(kind api.TransportKind) { f.kind = kind }

func (f *File) Kind() api.TransportKind { return f.kind }

func (f *File) Seek(offset int64) { f.pos = offset }

func (f *File) Tell() int64 { return f.pos }

// Write buffers p and flushes to the transport whenever the buffer fills.
func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.h == nil {
		return 0, ErrReadOnly
	}
	if err := f.checkState(); err != nil {
		return 0, err
	}
	n, _ := f.wbuf.Write(p)
	f.pos += int64(n)
	if f.wbuf.Len() >= f.limit {
		if err := f.Flush(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Flush pushes buffered bytes to the transport, retrying short writes.
func (f *File) Flush() error {
	if f.h == nil || f.wbuf == nil {
		return nil
	}
	if err := f.checkState(); err != nil {
		return err
	}
	b := f.wbuf.B
	for len(b) > 0 {
		n, err := f.h.Transport.Write(b)
		if err != nil {
			f.wbuf.B = append(f.wbuf.B[:0], b...)
			return err
		}
		if n == 0 {
			f.wbuf.B = append(f.wbuf.B[:0], b...)
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	f.wbuf.Reset()
	return nil
}

func (f *File) checkState() error {
	switch f.h.State {
	case api.StateCancelled, api.StateError:
		return fmt.Errorf("%w (state %s)", ErrNotActive, f.h.State)
	}
	return nil
}

// Read fills p from the read-ahead buffer, refilling it from the descriptor.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.h != nil {
		return 0, ErrWriteOnly
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.rpos == f.rend {
		if len(p) >= len(f.rbuf) {
			n, err := f.readFd(p)
			f.pos += int64(n)
			return n, err
		}
		n, err := f.readFd(f.rbuf)
		if n == 0 {
			return 0, err
		}
		f.rpos, f.rend = 0, n
	}
	n := copy(p, f.rbuf[f.rpos:f.rend])
	f.rpos += n
	f.pos += int64(n)
	return n, nil
}

func (f *File) readFd(p []byte) (int, error) {
	for {
		n, err := unix.Read(f.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read fd %d: %w", f.fd, err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Close flushes pending writes and closes the transport, or closes the read
// descriptor. A failed Close may be retried.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	if f.h == nil {
		f.closed = true
		if err := unix.Close(f.fd); err != nil {
			return fmt.Errorf("close fd %d: %w", f.fd, err)
		}
		return nil
	}
	flushErr := f.Flush()
	if err := f.h.Transport.Close(); err != nil {
		return errors.Join(flushErr, err)
	}
	f.closed = true
	bytebufferpool.Put(f.wbuf)
	f.wbuf = nil
	return flushErr
}
