//go:build linux

package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"golang.org/x/sys/unix"

	"github.com/srediag/rawmig/api"
)

const maxEvents = 64

// Loop is an epoll-backed api.Readiness. Handlers are level-triggered: a
// callback keeps firing while its descriptor is readable until it is
// deregistered. Descriptors epoll refuses, such as regular files, are
// treated as always readable the way poll(2) reports them.
type Loop struct {
	epfd   int
	wakefd int

	mu       sync.Mutex
	handlers map[int]func()
	always   map[int]struct{}

	tasks   *queue.Queue
	running atomic.Bool
	closed  atomic.Bool
}

var _ api.Readiness = (*Loop)(nil)

// New creates a loop. Call Run to start dispatching and Close to release it.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wakefd: %w", err)
	}
	return &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]func()),
		always:   make(map[int]struct{}),
		tasks:    queue.New(16),
	}, nil
}

// RegisterRead installs cb for read-readiness of fd, replacing any previous
// handler for that descriptor.
func (l *Loop) RegisterRead(fd int, cb func()) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if cb == nil {
		return errors.New("eventloop: nil callback")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.always[fd]; ok {
		l.handlers[fd] = cb
		return nil
	}
	op := unix.EPOLL_CTL_ADD
	if _, ok := l.handlers[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	err := unix.EpollCtl(l.epfd, op, fd, &ev)
	switch {
	case err == nil:
	case op == unix.EPOLL_CTL_ADD && errors.Is(err, unix.EPERM):
		l.always[fd] = struct{}{}
		logger.Debugf("fd %d cannot be polled, treating as always readable", fd)
		defer l.wake() //nolint:errcheck
	default:
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	l.handlers[fd] = cb
	logger.Debugf("registered read handler for fd %d", fd)
	return nil
}

// Deregister removes every handler for fd. Unknown descriptors are ignored.
func (l *Loop) Deregister(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return nil
	}
	delete(l.handlers, fd)
	if _, ok := l.always[fd]; ok {
		delete(l.always, fd)
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil &&
		!errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	logger.Debugf("deregistered fd %d", fd)
	return nil
}

// Registered returns the number of descriptors with a handler.
func (l *Loop) Registered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// Post schedules fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := l.tasks.Put(fn); err != nil {
		return fmt.Errorf("eventloop: post: %w", err)
	}
	return l.wake()
}

func (l *Loop) wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(l.wakefd, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventloop: wake: %w", err)
	}
	return nil
}

// Alive reports ErrNotRunning unless Run is dispatching.
func (l *Loop) Alive() error {
	if l.closed.Load() {
		return ErrClosed
	}
	if !l.running.Load() {
		return ErrNotRunning
	}
	return nil
}

// Run dispatches readiness events and posted tasks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	stop := context.AfterFunc(ctx, func() { _ = l.wake() })
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.closed.Load() {
			return ErrClosed
		}
		ready := l.alwaysReady()
		timeout := -1
		if len(ready) > 0 {
			timeout = 0
		}
		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				l.runTasks()
				continue
			}
			l.dispatch(fd)
		}
		for _, fd := range ready {
			l.dispatch(fd)
		}
	}
}

func (l *Loop) alwaysReady() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.always) == 0 {
		return nil
	}
	fds := make([]int, 0, len(l.always))
	for fd := range l.always {
		fds = append(fds, fd)
	}
	return fds
}

func (l *Loop) dispatch(fd int) {
	l.mu.Lock()
	cb, ok := l.handlers[fd]
	l.mu.Unlock()
	// an earlier callback in the same batch may have deregistered fd
	if !ok {
		return
	}
	logger.Tracef("fd %d readable", fd)
	cb()
}

func (l *Loop) drainWake() {
	var b [8]byte
	_, _ = unix.Read(l.wakefd, b[:])
}

func (l *Loop) runTasks() {
	n := l.tasks.Len()
	if n == 0 {
		return
	}
	items, err := l.tasks.Get(n)
	if err != nil {
		return
	}
	for _, item := range items {
		if fn, ok := item.(func()); ok {
			fn()
		}
	}
}

// Close releases the loop and makes a running Run return ErrClosed.
// Pending posted tasks are dropped.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if dropped := l.tasks.Dispose(); len(dropped) > 0 {
		logger.Warnf("dropping %d posted tasks on close", len(dropped))
	}
	l.mu.Lock()
	l.handlers = make(map[int]func())
	l.always = make(map[int]struct{})
	l.mu.Unlock()
	_ = l.wake()
	return errors.Join(unix.Close(l.wakefd), unix.Close(l.epfd))
}
