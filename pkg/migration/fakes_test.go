package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/srediag/rawmig/api"
)

type brokerStub map[string]int

func (b brokerStub) Resolve(name string) (int, bool) {
	fd, ok := b[name]
	if ok {
		delete(b, name)
	}
	return fd, ok
}

type establishCall struct {
	h    *api.Handle
	kind api.TransportKind
}

type connectorStub struct {
	calls []establishCall
	// payload, when set, is written and the handle closed like a framework would
	payload []byte
	streams api.StreamFactory
	err     error
}

func (c *connectorStub) Establish(ctx context.Context, h *api.Handle, kind api.TransportKind) {
	c.calls = append(c.calls, establishCall{h: h, kind: kind})
	if c.payload == nil {
		return
	}
	h.State = api.StateActive
	f, err := c.streams.OpenWriter(h)
	if err != nil {
		c.err = err
		return
	}
	if _, err := f.Write(c.payload); err != nil {
		c.err = err
	}
	if err := f.Close(); err != nil && c.err == nil {
		c.err = err
	}
}

type readinessStub struct {
	mu           sync.Mutex
	callbacks    map[int]func()
	registered   []int
	deregistered []int
	failRegister error
}

func newReadinessStub() *readinessStub {
	return &readinessStub{callbacks: make(map[int]func())}
}

func (r *readinessStub) RegisterRead(fd int, cb func()) error {
	if r.failRegister != nil {
		return r.failRegister
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[fd] = cb
	r.registered = append(r.registered, fd)
	return nil
}

func (r *readinessStub) Deregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, fd)
	return nil
}

// fire delivers a readiness event for fd whether or not the handler was
// deregistered, the way a stale event already queued by the host would.
func (r *readinessStub) fire(fd int) {
	r.mu.Lock()
	cb := r.callbacks[fd]
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type applierStub struct {
	calls   int
	offset  int64
	kind    api.TransportKind
	data    []byte
	readErr error
}

func (a *applierStub) Apply(ctx context.Context, s api.Stream) error {
	a.calls++
	a.offset = s.Tell()
	a.kind = s.Kind()
	a.data, a.readErr = io.ReadAll(s)
	return s.Close()
}

// serializerStub writes pages marker bytes and reports pages. It records the
// spill file it wrote into.
type serializerStub struct {
	pages     uint64
	err       error
	suspend   bool
	print     bool
	spillPath string
}

func (s *serializerStub) ExportNonLive(ctx context.Context, st api.Stream, suspend, print bool) (uint64, error) {
	s.suspend, s.print = suspend, print
	if path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", st.Fd())); err == nil {
		s.spillPath = path
	}
	for i := uint64(0); i < s.pages; i++ {
		if _, err := st.Write([]byte{byte(i)}); err != nil {
			return i, err
		}
	}
	return s.pages, s.err
}

// recordingFactory wraps a StreamFactory and remembers writer handles.
type recordingFactory struct {
	api.StreamFactory
	handles  []*api.Handle
	states   []api.State
	closeErr error
}

func (r *recordingFactory) OpenWriter(h *api.Handle) (api.Stream, error) {
	r.handles = append(r.handles, h)
	r.states = append(r.states, h.State)
	s, err := r.StreamFactory.OpenWriter(h)
	if err != nil || r.closeErr == nil {
		return s, err
	}
	return &failingClose{Stream: s, err: r.closeErr}, nil
}

type failingClose struct {
	api.Stream
	err error
}

func (f *failingClose) Close() error { return f.err }
