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

// Package transport provides the raw file descriptor implementation of api.Transport.
package transport

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/debuglog"
	"github.com/srediag/rawmig/internal/fdio"
	"github.com/srediag/rawmig/internal/metrics"
)

// ErrClosed is returned by Write once the descriptor has been released.
var ErrClosed = errors.New("transport: descriptor closed")

var logger = debuglog.New("transport", os.Stdout)

// syscalls is the slice of the OS surface FD depends on.
type syscalls interface {
	Write(fd int, p []byte) (int, error)
	IsRegular(fd int) (bool, error)
	Fsync(fd int) error
	Close(fd int) error
}

type unixSyscalls struct{}

func (unixSyscalls) Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }
func (unixSyscalls) IsRegular(fd int) (bool, error)      { return fdio.IsRegular(fd) }
func (unixSyscalls) Fsync(fd int) error                  { return unix.Fsync(fd) }
func (unixSyscalls) Close(fd int) error                  { return unix.Close(fd) }

// FD is a migration transport over one OS descriptor. Once installed in a
// handle it owns the descriptor exclusively.
type FD struct {
	fd      int
	lastErr error
	sys     syscalls
	stats   *metrics.Collectors
}

// Option customizes an FD.
type Option func(*FD)

// WithMetrics makes the transport account into c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(t *FD) {
		if c != nil {
			t.stats = c
		}
	}
}

// New wraps an already open descriptor.
func New(fd int, opts ...Option) *FD {
	t := &FD{fd: fd, sys: unixSyscalls{}, stats: metrics.Discard()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ api.Transport = (*FD)(nil)

// Fd returns the descriptor, or fdio.Closed after a successful Close.
func (t *FD) Fd() int {
	return t.fd
}

// Kind implements api.Transport.
func (t *FD) Kind() api.TransportKind {
	return api.KindRaw
}

// Write issues a single write(2). Short writes are returned as is.
func (t *FD) Write(p []byte) (int, error) {
	if t.fd == fdio.Closed {
		return 0, ErrClosed
	}
	n, err := t.sys.Write(t.fd, p)
	if err != nil {
		t.lastErr = err
		return 0, fmt.Errorf("write fd %d: %w", t.fd, err)
	}
	t.stats.BytesWritten.Add(float64(n))
	return n, nil
}

// LastError returns the most recent platform error, or nil.
func (t *FD) LastError() error {
	return t.lastErr
}

// Close flushes regular files to stable storage and releases the descriptor.
// If the flush fails the descriptor stays open and the error is returned, so
// the caller may retry Close or give up with Abort. Close on a released
// descriptor is a no-op.
func (t *FD) Close() error {
	if t.fd == fdio.Closed {
		return nil
	}
	regular, err := t.sys.IsRegular(t.fd)
	if err == nil && regular {
		if err := t.sys.Fsync(t.fd); err != nil {
			t.lastErr = err
			t.stats.CloseErrors.Inc()
			logger.Errorf("fsync fd %d: %v", t.fd, err)
			return fmt.Errorf("fsync fd %d: %w", t.fd, err)
		}
	}
	return t.release()
}

// Abort releases the descriptor without flushing it.
func (t *FD) Abort() error {
	if t.fd == fdio.Closed {
		return nil
	}
	return t.release()
}

func (t *FD) release() error {
	fd := t.fd
	// Linux frees the descriptor even when close reports an error.
	t.fd = fdio.Closed
	if err := t.sys.Close(fd); err != nil {
		t.lastErr = err
		t.stats.CloseErrors.Inc()
		logger.Errorf("close fd %d: %v", fd, err)
		return fmt.Errorf("close fd %d: %w", fd, err)
	}
	return nil
}
