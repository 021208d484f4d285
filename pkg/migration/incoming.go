package migration

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/fdio"
)

// StartIncoming resolves src to a readable descriptor, wraps it in a stream
// aligned to the descriptor's current offset and waits for it to become
// readable. The first readiness event hands the stream to the applier and
// removes the registration; StartIncoming itself returns right after
// registering.
//
// src is a descriptor number when it parses to a non-zero integer that fits
// an int32, and a path otherwise. In particular "0" is a path, not stdin.
func (b *Backend) StartIncoming(ctx context.Context, src string, kind api.TransportKind) (err error) {
	if b.deps.Readiness == nil || b.deps.Applier == nil {
		return fmt.Errorf("%w: readiness and applier", ErrNoCollaborator)
	}
	ctx, span := b.tel.Tracer.Start(ctx, "rawmig.incoming", trace.WithAttributes(
		attribute.String("rawmig.src", src),
		attribute.String("rawmig.kind", string(kind)),
	))
	defer func() { endSpan(span, err) }()

	b.stats.Attempts.WithLabelValues(dirIncoming).Inc()
	defer func() {
		if err != nil {
			b.failed(dirIncoming, err)
		}
	}()

	fd, opened, err := resolveIncoming(src)
	if err != nil {
		return err
	}
	logger.Debugf("start incoming migration from %s (fd %d)", src, fd)

	// the stream owns fd from here on
	f, err := b.deps.Streams.OpenReader(fd)
	if err != nil {
		if opened {
			_ = unix.Close(fd)
		}
		return fmt.Errorf("%w: %w", ErrWrapStream, err)
	}

	// bytes already consumed below the stream, e.g. a management-layer
	// header, must not be counted again above it
	off, err := fdio.CurrentOffset(fd)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %w", ErrWrapStream, err)
	}
	f.Seek(off)
	f.SetKind(kind)

	applyCtx := context.WithoutCancel(ctx)
	var once sync.Once
	err = b.deps.Readiness.RegisterRead(fd, func() {
		once.Do(func() { b.accept(applyCtx, fd, f) })
	})
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %w", ErrRegister, err)
	}
	return nil
}

// accept runs once, on the event loop, when the incoming descriptor first
// becomes readable.
func (b *Backend) accept(ctx context.Context, fd int, f api.Stream) {
	logger.Infof("incoming migration on fd %d ready, applying", fd)
	if err := b.deps.Applier.Apply(ctx, f); err != nil {
		b.failed(dirIncoming, err)
	}
	if err := b.deps.Readiness.Deregister(fd); err != nil {
		logger.Warnf("deregister fd %d: %v", fd, err)
	}
}

// resolveIncoming returns the descriptor named by src and whether it was
// opened here.
func resolveIncoming(src string) (fd int, opened bool, err error) {
	if n, ok := parseDescriptor(src); ok {
		return n, false, nil
	}
	fd, err = fdio.OpenRead(src)
	if err != nil {
		return fdio.Closed, false, fmt.Errorf("%w: %w", ErrResolveDescriptor, err)
	}
	return fd, true, nil
}

// parseDescriptor applies the descriptor-number policy to s.
func parseDescriptor(s string) (int, bool) {
	v, overflow := parseLong(s)
	if overflow || v == 0 {
		return 0, false
	}
	return int(v), true
}

// parseLong parses the longest integer prefix of s the way strtol with base
// 0 does: leading whitespace, an optional sign, and a 0x (hex) or 0 (octal)
// prefix. It reports overflow when the value does not fit an int32.
func parseLong(s string) (v int64, overflow bool) {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	base := int64(10)
	if i < len(s) && s[i] == '0' {
		base = 8
		if i+2 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X') && digitVal(s[i+2]) < 16 {
			base = 16
			i += 2
		}
	}
	limit := int64(math.MaxInt32)
	if neg {
		limit++
	}
	for ; i < len(s); i++ {
		d := digitVal(s[i])
		if d >= base {
			break
		}
		if !overflow {
			v = v*base + d
			if v > limit {
				overflow = true
			}
		}
	}
	if neg {
		v = -v
	}
	return v, overflow
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func digitVal(c byte) int64 {
	switch {
	case c >= '0' && c <= '9':
		return int64(c - '0')
	case c >= 'a' && c <= 'z':
		return int64(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return int64(c-'A') + 10
	}
	return 36
}
