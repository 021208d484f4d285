package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/fdio"
	"github.com/srediag/rawmig/internal/metrics"
	"github.com/srediag/rawmig/pkg/stream"
	"github.com/srediag/rawmig/pkg/transport"
)

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

type OutgoingTestSuite struct {
	suite.Suite
	dir       string
	stats     *metrics.Collectors
	connector *connectorStub
	broker    brokerStub
	backend   *Backend
}

func (s *OutgoingTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.stats = metrics.Discard()
	s.connector = &connectorStub{streams: stream.Factory{}}
	s.broker = brokerStub{}
	b, err := New(nil, Deps{Broker: s.broker, Connector: s.connector, Metrics: s.stats})
	s.Require().NoError(err)
	s.backend = b
}

func (s *OutgoingTestSuite) TestPathIsCreatedAndHandedOver() {
	dest := filepath.Join(s.dir, "vm.state")
	s.Require().NoError(os.WriteFile(dest, []byte("stale contents that must be truncated"), 0o600))
	s.connector.payload = []byte("fresh")

	h := &api.Handle{}
	s.Require().NoError(s.backend.StartOutgoing(context.Background(), h, dest, api.KindRaw))

	s.Require().Len(s.connector.calls, 1)
	s.Same(h, s.connector.calls[0].h)
	s.Equal(api.KindRaw, s.connector.calls[0].kind)
	s.Require().NoError(s.connector.err)
	s.IsType(&transport.FD{}, h.Transport)

	data, err := os.ReadFile(dest)
	s.Require().NoError(err)
	s.Equal("fresh", string(data))
	s.Equal(float64(1), counterValue(s.stats.Attempts.WithLabelValues(dirOutgoing)))
}

func (s *OutgoingTestSuite) TestNewFileMode() {
	old := unix.Umask(0)
	defer unix.Umask(old)

	dest := filepath.Join(s.dir, "new.state")
	h := &api.Handle{}
	s.Require().NoError(s.backend.StartOutgoing(context.Background(), h, dest, api.KindRaw))
	defer h.Transport.Close() //nolint:errcheck // test cleanup

	st, err := os.Stat(dest)
	s.Require().NoError(err)
	s.Equal(os.FileMode(0o644), st.Mode().Perm())
}

func (s *OutgoingTestSuite) TestBrokerDescriptorWins() {
	var p [2]int
	s.Require().NoError(unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0]) //nolint:errcheck // test cleanup
	s.broker["migfd"] = p[1]
	s.connector.payload = []byte("over the pipe")

	cwd, err := os.Getwd()
	s.Require().NoError(err)
	h := &api.Handle{}
	s.Require().NoError(s.backend.StartOutgoing(context.Background(), h, "migfd", api.KindRaw))
	s.Require().NoError(s.connector.err)

	buf := make([]byte, 64)
	n, err := unix.Read(p[0], buf)
	s.Require().NoError(err)
	s.Equal("over the pipe", string(buf[:n]))
	_, err = os.Stat(filepath.Join(cwd, "migfd"))
	s.True(os.IsNotExist(err), "broker hit must not create a file")
	s.Empty(s.broker)
}

func (s *OutgoingTestSuite) TestUnwritableDestination() {
	h := &api.Handle{}
	err := s.backend.StartOutgoing(context.Background(), h, filepath.Join(s.dir, "missing", "vm.state"), api.KindRaw)
	s.Require().ErrorIs(err, ErrResolveDescriptor)
	s.ErrorIs(err, unix.ENOENT)
	s.Equal(-int(unix.ENOENT), Code(err))
	s.Nil(h.Transport)
	s.Empty(s.connector.calls)

	err = s.backend.StartOutgoing(context.Background(), h, s.dir, api.KindRaw)
	s.Require().ErrorIs(err, unix.EISDIR)
	s.Empty(s.connector.calls)
	s.Equal(float64(2), counterValue(s.stats.Failures.WithLabelValues(dirOutgoing)))
}

func (s *OutgoingTestSuite) TestNilHandle() {
	s.ErrorIs(s.backend.StartOutgoing(context.Background(), nil, filepath.Join(s.dir, "x"), api.KindRaw), ErrNilHandle)
	_, err := os.Stat(filepath.Join(s.dir, "x"))
	s.True(os.IsNotExist(err))
}

func (s *OutgoingTestSuite) TestNoConnector() {
	b, err := New(nil, Deps{})
	s.Require().NoError(err)
	s.ErrorIs(b.StartOutgoing(context.Background(), &api.Handle{}, filepath.Join(s.dir, "x"), api.KindRaw), ErrNoCollaborator)
}

func TestOutgoingTestSuite(t *testing.T) {
	suite.Run(t, new(OutgoingTestSuite))
}

type IncomingTestSuite struct {
	suite.Suite
	dir       string
	readiness *readinessStub
	applier   *applierStub
	backend   *Backend
}

func (s *IncomingTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.readiness = newReadinessStub()
	s.applier = &applierStub{}
	b, err := New(nil, Deps{Readiness: s.readiness, Applier: s.applier})
	s.Require().NoError(err)
	s.backend = b
}

func (s *IncomingTestSuite) writeFile(name, content string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (s *IncomingTestSuite) TestNumericDescriptorIsUsedAsIs() {
	fd, err := fdio.OpenRead(s.writeFile("state", "payload"))
	s.Require().NoError(err)

	s.Require().NoError(s.backend.StartIncoming(context.Background(), strconv.Itoa(fd), api.KindRaw))
	s.Equal([]int{fd}, s.readiness.registered)

	s.readiness.fire(fd)
	s.Equal(1, s.applier.calls)
	s.Equal("payload", string(s.applier.data))
	s.Equal(api.KindRaw, s.applier.kind)
}

func (s *IncomingTestSuite) TestDescriptorPolicy() {
	fd, ok := parseDescriptor("5")
	s.True(ok)
	s.Equal(5, fd)

	fd, opened, err := resolveIncoming("5")
	s.Require().NoError(err)
	s.False(opened, "a descriptor number must not be opened")
	s.Equal(5, fd)

	// "0" parses to zero and is therefore a path, not descriptor 0
	_, ok = parseDescriptor("0")
	s.False(ok)
	_, ok = parseDescriptor("/tmp/x")
	s.False(ok)
}

func (s *IncomingTestSuite) TestZeroIsTreatedAsPath() {
	wd, wdErr := os.Getwd()
	s.Require().NoError(wdErr)
	s.Require().NoError(os.Chdir(s.dir))
	s.T().Cleanup(func() { _ = os.Chdir(wd) })

	err := s.backend.StartIncoming(context.Background(), "0", api.KindRaw)
	s.Require().ErrorIs(err, ErrResolveDescriptor)
	s.ErrorIs(err, unix.ENOENT, "a read-only open of a file named 0 must be attempted")

	s.writeFile("0", "zero")
	s.Require().NoError(s.backend.StartIncoming(context.Background(), "0", api.KindRaw))
	s.Require().Len(s.readiness.registered, 1)
	s.NotZero(s.readiness.registered[0])
	s.readiness.fire(s.readiness.registered[0])
	s.Equal("zero", string(s.applier.data))
}

func (s *IncomingTestSuite) TestPathIsOpenedReadOnly() {
	path := s.writeFile("x", "from path")
	s.Require().NoError(s.backend.StartIncoming(context.Background(), path, api.KindRawSuspended))
	s.Require().Len(s.readiness.registered, 1)
	fd := s.readiness.registered[0]

	_, err := unix.Write(fd, []byte("nope"))
	s.ErrorIs(err, unix.EBADF)

	s.readiness.fire(fd)
	s.Equal("from path", string(s.applier.data))
	s.Equal(api.KindRawSuspended, s.applier.kind)
}

func (s *IncomingTestSuite) TestHeaderAlignment() {
	fd, err := fdio.OpenRead(s.writeFile("state", "LIBVIRT-HEADER|state bytes"))
	s.Require().NoError(err)
	hdr := make([]byte, len("LIBVIRT-HEADER|"))
	_, err = unix.Read(fd, hdr)
	s.Require().NoError(err)

	s.Require().NoError(s.backend.StartIncoming(context.Background(), strconv.Itoa(fd), api.KindRaw))
	s.readiness.fire(fd)

	s.Equal(int64(len(hdr)), s.applier.offset)
	s.Equal("state bytes", string(s.applier.data))
}

func (s *IncomingTestSuite) TestApplyRunsOnce() {
	fd, err := fdio.OpenRead(s.writeFile("state", "once"))
	s.Require().NoError(err)
	s.Require().NoError(s.backend.StartIncoming(context.Background(), strconv.Itoa(fd), api.KindRaw))

	s.readiness.fire(fd)
	s.readiness.fire(fd)
	s.Equal(1, s.applier.calls)
	s.Equal([]int{fd}, s.readiness.deregistered)
}

func (s *IncomingTestSuite) TestWrapFailure() {
	fd, err := fdio.OpenRead(s.writeFile("state", ""))
	s.Require().NoError(err)
	s.Require().NoError(unix.Close(fd))

	err = s.backend.StartIncoming(context.Background(), strconv.Itoa(fd), api.KindRaw)
	s.Require().ErrorIs(err, ErrWrapStream)
	s.Equal(-int(unix.EBADF), Code(err))
	s.Empty(s.readiness.registered)
}

func (s *IncomingTestSuite) TestRegisterFailureClosesStream() {
	s.readiness.failRegister = errors.New("loop gone")
	path := s.writeFile("state", "x")
	err := s.backend.StartIncoming(context.Background(), path, api.KindRaw)
	s.Require().ErrorIs(err, ErrRegister)
	s.Equal(-int(unix.EIO), Code(err))
}

func (s *IncomingTestSuite) TestMissingCollaborators() {
	b, err := New(nil, Deps{Applier: s.applier})
	s.Require().NoError(err)
	s.ErrorIs(b.StartIncoming(context.Background(), "/dev/null", api.KindRaw), ErrNoCollaborator)
}

func TestIncomingTestSuite(t *testing.T) {
	suite.Run(t, new(IncomingTestSuite))
}

func TestParseLong(t *testing.T) {
	cases := []struct {
		in       string
		want     int64
		overflow bool
	}{
		{"5", 5, false},
		{"  12", 12, false},
		{"+7", 7, false},
		{"-3", -3, false},
		{"0x1f", 31, false},
		{"0X10", 16, false},
		{"010", 8, false},
		{"09", 0, false},
		{"0x", 0, false},
		{"5abc", 5, false},
		{"abc", 0, false},
		{"", 0, false},
		{"/tmp/x", 0, false},
		{"2147483647", 2147483647, false},
		{"2147483648", 0, true},
		{"-2147483648", -2147483648, false},
		{"99999999999999999999", 0, true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%q", c.in), func(t *testing.T) {
			v, overflow := parseLong(c.in)
			if overflow != c.overflow {
				t.Fatalf("overflow = %v, want %v", overflow, c.overflow)
			}
			if !overflow && v != c.want {
				t.Fatalf("value = %d, want %d", v, c.want)
			}
		})
	}
}

func TestCode(t *testing.T) {
	if Code(nil) != 0 {
		t.Fatal("nil error must map to 0")
	}
	if got := Code(fmt.Errorf("wrapped: %w", unix.ENOSPC)); got != -int(unix.ENOSPC) {
		t.Fatalf("Code = %d", got)
	}
	if got := Code(errors.New("plain")); got != -int(unix.EIO) {
		t.Fatalf("Code = %d", got)
	}
}
