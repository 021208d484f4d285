package migrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/eventloop"
	"github.com/srediag/rawmig/internal/fdio"
	"github.com/srediag/rawmig/pkg/broker"
	"github.com/srediag/rawmig/pkg/migration"
	"github.com/srediag/rawmig/pkg/stream"
	"github.com/srediag/rawmig/pkg/vmstate"
)

// blockingSource exports nothing until its context is cancelled.
type blockingSource struct {
	started chan struct{}
}

func (b *blockingSource) ExportNonLive(ctx context.Context, s api.Stream, suspend, print bool) (uint64, error) {
	close(b.started)
	<-ctx.Done()
	return 0, ctx.Err()
}

// flakyFactory hands out writers whose Close fails the first failures times.
type flakyFactory struct {
	stream.Factory
	failures int32
	closes   atomic.Int32
}

func (f *flakyFactory) OpenWriter(h *api.Handle) (api.Stream, error) {
	s, err := f.Factory.OpenWriter(h)
	if err != nil {
		return nil, err
	}
	return &flakyStream{Stream: s, f: f}, nil
}

type flakyStream struct {
	api.Stream
	f *flakyFactory
}

func (s *flakyStream) Close() error {
	if s.f.closes.Add(1) <= s.f.failures {
		return errors.New("fsync: input/output error")
	}
	return s.Stream.Close()
}

type MigratorTestSuite struct {
	suite.Suite
	dir string
	src *vmstate.Machine
}

func (s *MigratorTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.src = vmstate.NewMachine(8)
	s.src.Out = io.Discard
	s.Require().NoError(s.src.WritePage(2, []byte("page two")))
	s.Require().NoError(s.src.WritePage(5, []byte("page five")))
	s.src.SetDevice("uart", []byte{0x3f, 0x8})
}

func (s *MigratorTestSuite) backend(m *Migrator, r api.Readiness) *migration.Backend {
	b, err := migration.New(nil, migration.Deps{Connector: m, Applier: m, Readiness: r})
	s.Require().NoError(err)
	return b
}

func (s *MigratorTestSuite) waitCtx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *MigratorTestSuite) TestOutgoingCompletes() {
	var done atomic.Int32
	m, err := New(s.src, WithCompletion(func(h *api.Handle, err error) {
		if err == nil {
			done.Add(1)
		}
	}))
	s.Require().NoError(err)
	defer m.Close() //nolint:errcheck // test cleanup

	dest := filepath.Join(s.dir, "vm.state")
	h := &api.Handle{}
	s.Require().NoError(s.backend(m, nil).StartOutgoing(context.Background(), h, dest, api.KindRaw))
	s.Require().NoError(m.Wait(s.waitCtx(), h))
	s.Equal(api.StateCompleted, h.State)
	s.Equal(int32(1), done.Load())

	fd, err := fdio.OpenRead(dest)
	s.Require().NoError(err)
	rs, err := stream.Factory{}.OpenReader(fd)
	s.Require().NoError(err)
	dst := vmstate.NewMachine(8)
	s.Require().NoError(dst.Apply(context.Background(), rs))
	s.Equal(s.src.Page(5), dst.Page(5))

	s.ErrorIs(m.Wait(s.waitCtx(), h), ErrUnknownHandle, "finished attempts are forgotten")
}

func (s *MigratorTestSuite) TestCancel() {
	src := &blockingSource{started: make(chan struct{})}
	m, err := New(src)
	s.Require().NoError(err)
	defer m.Close() //nolint:errcheck // test cleanup

	h := &api.Handle{}
	s.Require().NoError(s.backend(m, nil).StartOutgoing(context.Background(), h, filepath.Join(s.dir, "vm.state"), api.KindRaw))
	<-src.started
	s.Require().NoError(m.Cancel(h))
	s.ErrorIs(m.Wait(s.waitCtx(), h), context.Canceled)
	s.Equal(api.StateCancelled, h.State)
}

func (s *MigratorTestSuite) TestCloseIsRetried() {
	streams := &flakyFactory{failures: 2}
	m, err := New(s.src, WithStreams(streams), WithCloseRetries(3, time.Millisecond))
	s.Require().NoError(err)
	defer m.Close() //nolint:errcheck // test cleanup

	h := &api.Handle{}
	s.Require().NoError(s.backend(m, nil).StartOutgoing(context.Background(), h, filepath.Join(s.dir, "vm.state"), api.KindRaw))
	s.Require().NoError(m.Wait(s.waitCtx(), h))
	s.Equal(api.StateCompleted, h.State)
	s.Equal(int32(3), streams.closes.Load())
}

func (s *MigratorTestSuite) TestCloseGivesUp() {
	streams := &flakyFactory{failures: 100}
	m, err := New(s.src, WithStreams(streams), WithCloseRetries(2, time.Millisecond))
	s.Require().NoError(err)
	defer m.Close() //nolint:errcheck // test cleanup

	h := &api.Handle{}
	s.Require().NoError(s.backend(m, nil).StartOutgoing(context.Background(), h, filepath.Join(s.dir, "vm.state"), api.KindRaw))
	s.Error(m.Wait(s.waitCtx(), h))
	s.Equal(api.StateError, h.State)
	s.Equal(int32(3), streams.closes.Load())
}

func (s *MigratorTestSuite) TestNoSource() {
	m, err := New(nil)
	s.Require().NoError(err)
	defer m.Close() //nolint:errcheck // test cleanup

	h := &api.Handle{}
	s.Require().NoError(s.backend(m, nil).StartOutgoing(context.Background(), h, filepath.Join(s.dir, "vm.state"), api.KindRaw))
	s.Error(m.Wait(s.waitCtx(), h))
	s.Equal(api.StateError, h.State)
}

func (s *MigratorTestSuite) TestEstablishAfterClose() {
	m, err := New(s.src)
	s.Require().NoError(err)
	s.Require().NoError(m.Close())

	h := &api.Handle{}
	s.Require().NoError(s.backend(m, nil).StartOutgoing(context.Background(), h, filepath.Join(s.dir, "vm.state"), api.KindRaw))
	s.Equal(api.StateError, h.State)
}

func (s *MigratorTestSuite) TestRoundTripThroughEventLoop() {
	loop, err := eventloop.New()
	s.Require().NoError(err)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
		_ = loop.Close()
	}()

	var onLoop atomic.Bool
	out, err := New(s.src, WithPoster(loop), WithCompletion(func(*api.Handle, error) { onLoop.Store(true) }))
	s.Require().NoError(err)
	defer out.Close() //nolint:errcheck // test cleanup

	var p [2]int
	s.Require().NoError(unix.Pipe2(p[:], unix.O_CLOEXEC))
	fds := broker.New()
	defer fds.Close() //nolint:errcheck // test cleanup
	s.Require().NoError(fds.Add("migration-pipe", p[1]))

	sender, err := migration.New(nil, migration.Deps{Broker: fds, Connector: out})
	s.Require().NoError(err)
	h := &api.Handle{}
	s.Require().NoError(sender.StartOutgoing(context.Background(), h, "migration-pipe", api.KindRaw))
	s.Require().NoError(out.Wait(s.waitCtx(), h))
	s.True(onLoop.Load())
	s.Zero(fds.Len())

	dst := vmstate.NewMachine(8)
	dst.Pause()
	in, err := New(nil, WithTarget(dst))
	s.Require().NoError(err)
	defer in.Close() //nolint:errcheck // test cleanup

	s.Require().NoError(s.backend(in, loop).StartIncoming(context.Background(), strconv.Itoa(p[0]), api.KindRaw))
	select {
	case err := <-in.Applied():
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("incoming migration not applied")
	}
	s.True(dst.Running())
	s.Equal(s.src.Page(2), dst.Page(2))
	state, ok := dst.Device("uart")
	s.True(ok)
	s.Equal([]byte{0x3f, 0x8}, state)
	s.Eventually(func() bool { return loop.Registered() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMigratorTestSuite(t *testing.T) {
	suite.Run(t, new(MigratorTestSuite))
}
