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

// Package migrator is a small migration framework driving the raw backend:
// it takes over outgoing handles (api.Connector), moves them through
// setup, active and a terminal state on a worker pool, and restores incoming
// streams into a target (api.Applier).
package migrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/debuglog"
	"github.com/srediag/rawmig/internal/metrics"
	"github.com/srediag/rawmig/pkg/stream"
)

const (
	defaultWorkers      = 4
	defaultCloseRetries = 3
	defaultCloseBackoff = 10 * time.Millisecond
	appliedBacklog      = 16
)

var logger = debuglog.New("migrator", os.Stdout)

var (
	ErrUnknownHandle = errors.New("migrator: handle not established here")
	ErrCancelled     = errors.New("migrator: migration cancelled")
)

// Poster runs fn on the host event loop.
type Poster interface {
	Post(fn func()) error
}

// CompletionFunc observes an outgoing attempt reaching a terminal state.
type CompletionFunc func(h *api.Handle, err error)

// Option configures a Migrator.
type Option func(*Migrator)

// WithWorkers sets how many outgoing migrations may run at once.
func WithWorkers(n int) Option {
	return func(m *Migrator) { m.workers = n }
}

// WithStreams replaces the default stream.Factory.
func WithStreams(f api.StreamFactory) Option {
	return func(m *Migrator) { m.streams = f }
}

// WithCloseRetries sets how often a failed durable close is retried and the
// initial delay between retries.
func WithCloseRetries(n uint64, initial time.Duration) Option {
	return func(m *Migrator) {
		m.closeRetries = n
		m.closeBackoff = initial
	}
}

// WithPoster delivers completions through p instead of the worker goroutine.
func WithPoster(p Poster) Option {
	return func(m *Migrator) { m.poster = p }
}

// WithCompletion installs fn to observe finished outgoing attempts.
func WithCompletion(fn CompletionFunc) Option {
	return func(m *Migrator) { m.onDone = fn }
}

// WithTarget sets the applier incoming streams are restored into.
func WithTarget(a api.Applier) Option {
	return func(m *Migrator) { m.target = a }
}

// WithMetrics counts active migrations in c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Migrator) { m.stats = c }
}

type attempt struct {
	h      *api.Handle
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Migrator implements api.Connector and api.Applier.
type Migrator struct {
	source  api.Serializer
	target  api.Applier
	streams api.StreamFactory
	poster  Poster
	onDone  CompletionFunc
	stats   *metrics.Collectors

	workers      int
	closeRetries uint64
	closeBackoff time.Duration

	pool     *ants.Pool
	mu       sync.Mutex
	attempts map[*api.Handle]*attempt
	wg       sync.WaitGroup
	applied  chan error
}

var (
	_ api.Connector = (*Migrator)(nil)
	_ api.Applier   = (*Migrator)(nil)
)

// New returns a Migrator exporting outgoing state from source. source may be
// nil for a Migrator that only receives.
func New(source api.Serializer, opts ...Option) (*Migrator, error) {
	m := &Migrator{
		source:       source,
		streams:      stream.Factory{},
		workers:      defaultWorkers,
		closeRetries: defaultCloseRetries,
		closeBackoff: defaultCloseBackoff,
		attempts:     make(map[*api.Handle]*attempt),
		applied:      make(chan error, appliedBacklog),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.stats == nil {
		m.stats = metrics.Discard()
	}
	if m.workers <= 0 {
		return nil, fmt.Errorf("migrator: workers must be positive, got %d", m.workers)
	}
	pool, err := ants.NewPool(m.workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("migrator: worker pool: %w", err)
	}
	m.pool = pool
	return m, nil
}

// Establish moves h to setup, opens its stream and queues the export. Failures
// end in StateError and are reported through Wait and the completion hook.
func (m *Migrator) Establish(ctx context.Context, h *api.Handle, kind api.TransportKind) {
	m.mu.Lock()
	if m.attempts == nil {
		m.mu.Unlock()
		logger.Errorf("establish on a closed migrator, failing handle")
		m.abort(h)
		h.State = api.StateError
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &attempt{h: h, cancel: cancel, done: make(chan struct{})}
	m.attempts[h] = a
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	h.State = api.StateSetup
	if m.source == nil {
		m.finish(a, errors.New("migrator: no serializer to export from"))
		return
	}
	f, err := m.streams.OpenWriter(h)
	if err != nil {
		m.finish(a, fmt.Errorf("migrator: open stream: %w", err))
		return
	}
	f.SetKind(kind)

	m.wg.Add(1)
	m.stats.MigrationsActive.Inc()
	err = m.pool.Submit(func() {
		defer m.wg.Done()
		defer m.stats.MigrationsActive.Dec()
		m.finish(a, m.run(ctx, h, f))
	})
	if err != nil {
		m.stats.MigrationsActive.Dec()
		m.wg.Done()
		m.finish(a, fmt.Errorf("migrator: submit: %w", err))
	}
}

func (m *Migrator) run(ctx context.Context, h *api.Handle, f api.Stream) error {
	h.State = api.StateActive
	pages, err := m.source.ExportNonLive(ctx, f, false, false)
	if err == nil && ctx.Err() != nil {
		err = ErrCancelled
	}
	if err != nil {
		if ctx.Err() != nil {
			h.State = api.StateCancelled
		}
		_ = f.Close()
		return err
	}
	if err := m.closeDurably(f); err != nil {
		return err
	}
	logger.Infof("outgoing migration on fd %d done, %d pages", f.Fd(), pages)
	return nil
}

// closeDurably retries a failed close, which keeps the descriptor open, a
// bounded number of times.
func (m *Migrator) closeDurably(f api.Stream) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.closeBackoff
	try := 0
	return backoff.Retry(func() error {
		try++
		err := f.Close()
		if err != nil {
			logger.Warnf("close attempt %d: %v", try, err)
		}
		return err
	}, backoff.WithMaxRetries(b, m.closeRetries))
}

func (m *Migrator) finish(a *attempt, err error) {
	h := a.h
	switch {
	case err == nil:
		h.State = api.StateCompleted
	case h.State == api.StateCancelled:
		m.abort(h)
	default:
		h.State = api.StateError
		m.abort(h)
	}
	if err != nil {
		logger.Errorf("outgoing migration failed in state %s: %v", h.State, err)
	}
	a.err = err
	a.cancel()

	var once sync.Once
	notify := func() {
		once.Do(func() {
			if m.onDone != nil {
				m.onDone(h, err)
			}
			close(a.done)
		})
	}
	if m.poster == nil || m.poster.Post(notify) != nil {
		notify()
	}
}

type aborter interface {
	Abort() error
}

func (m *Migrator) abort(h *api.Handle) {
	if t, ok := h.Transport.(aborter); ok {
		_ = t.Abort()
	}
}

func (m *Migrator) lookup(h *api.Handle) (*attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return a, nil
}

// Cancel asks the export running for h to stop.
func (m *Migrator) Cancel(h *api.Handle) error {
	a, err := m.lookup(h)
	if err != nil {
		return err
	}
	a.cancel()
	return nil
}

// Wait blocks until h reaches a terminal state or ctx is done, and returns the
// attempt's error. Finished attempts are forgotten.
func (m *Migrator) Wait(ctx context.Context, h *api.Handle) error {
	a, err := m.lookup(h)
	if err != nil {
		return err
	}
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	delete(m.attempts, h)
	m.mu.Unlock()
	return a.err
}

// Apply restores s into the target and reports the result on Applied.
func (m *Migrator) Apply(ctx context.Context, s api.Stream) error {
	var err error
	if m.target == nil {
		_ = s.Close()
		err = errors.New("migrator: no target to apply into")
	} else {
		m.stats.MigrationsActive.Inc()
		err = m.target.Apply(ctx, s)
		m.stats.MigrationsActive.Dec()
	}
	if err != nil {
		logger.Errorf("incoming migration failed: %v", err)
	} else {
		logger.Infof("incoming migration applied")
	}
	select {
	case m.applied <- err:
	default:
		logger.Warnf("applied backlog full, dropping result")
	}
	return err
}

// Applied delivers the result of every incoming migration.
func (m *Migrator) Applied() <-chan error {
	return m.applied
}

// Close cancels running exports, waits for them and releases the pool.
func (m *Migrator) Close() error {
	m.mu.Lock()
	for _, a := range m.attempts {
		a.cancel()
	}
	m.attempts = nil
	m.mu.Unlock()
	m.wg.Wait()
	m.pool.Release()
	return nil
}
