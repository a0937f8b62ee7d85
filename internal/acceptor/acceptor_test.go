package acceptor

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoripc/safeipc-core/internal/interfaces"
	"github.com/vectoripc/safeipc-core/internal/reactor"
	"github.com/vectoripc/safeipc-core/internal/wire"
)

type fakeRegion struct {
	id       [16]byte
	fd       int
	size     uint32
	data     []byte
	unlinked atomic.Bool
}

func (r *fakeRegion) ID() [16]byte { return r.id }
func (r *fakeRegion) Size() uint32 { return r.size }
func (r *fakeRegion) FD() int      { return r.fd }
func (r *fakeRegion) Bytes() []byte {
	if r.data == nil {
		r.data = make([]byte, r.size)
	}
	return r.data
}
func (r *fakeRegion) Unlink() error {
	if !r.unlinked.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(r.fd)
}

type fakeProvisioner struct{}

func (fakeProvisioner) Provision(size uint32) (interfaces.ShmRegion, error) {
	fd, err := unix.MemfdCreate("fake-region", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &fakeRegion{id: wire.NewRegionID(), fd: fd, size: size}, nil
}

func newTestDispatcher(t *testing.T) *reactor.Dispatcher {
	t.Helper()
	d, err := reactor.NewEpollDispatcher(nil, 64)
	require.NoError(t, err)
	stop := make(chan struct{})
	go d.Run(stop)
	t.Cleanup(func() { close(stop); d.Close() })
	return d
}

func dialUnix(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
	require.NoError(t, err)
	return fd
}

func readExactly(t *testing.T, fd int, n int) []byte {
	t.Helper()
	buf := make([]byte, 0, n)
	deadline := time.Now().Add(2 * time.Second)
	for len(buf) < n {
		tmp := make([]byte, n-len(buf))
		k, err := unix.Read(fd, tmp)
		if err != nil {
			if err == unix.EAGAIN {
				if time.Now().After(deadline) {
					t.Fatalf("timed out reading %d bytes", n)
				}
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("read: %v", err)
		}
		buf = append(buf, tmp[:k]...)
	}
	return buf
}

func TestAcceptEstablishesThroughBacklog(t *testing.T) {
	d := newTestDispatcher(t)
	sockPath := fmt.Sprintf("%s/safeipc-test-%d.sock", t.TempDir(), time.Now().UnixNano())

	s := New(Config{
		SocketPath:    sockPath,
		Dispatcher:    d,
		Provisioner:   fakeProvisioner{},
		MaxS2CBuffer:  1 << 20,
		TimeoutNanos:  uint64(2 * time.Second),
		ExpectedMajor: 1,
		BacklogSize:   2,
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	clientFD := dialUnix(t, sockPath)
	defer unix.Close(clientFD)

	c2s1 := &wire.C2S1{ProtocolMajor: 1, ProtocolMinor: 0, RequestedS2CBuffer: 4096, ClientToServerID: wire.NewRegionID()}
	_, err := unix.Write(clientFD, c2s1.Marshal())
	require.NoError(t, err)

	s2c1Buf := readExactly(t, clientFD, 1+8+16+16)
	_, err = wire.UnmarshalS2C1(s2c1Buf)
	require.NoError(t, err)

	_, err = unix.Write(clientFD, (&wire.C2S2{}).Marshal())
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for !s.HasEstablished() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for established connection")
		}
		time.Sleep(time.Millisecond)
	}

	extracted, ok := s.InitNext()
	require.True(t, ok)
	assert.Equal(t, c2s1.ClientToServerID, extracted.ClientToServerID)
	assert.False(t, s.HasEstablished())
}

func TestAcceptRejectsBeyondBacklogCapacity(t *testing.T) {
	d := newTestDispatcher(t)
	sockPath := fmt.Sprintf("%s/safeipc-test-%d.sock", t.TempDir(), time.Now().UnixNano())

	s := New(Config{
		SocketPath:    sockPath,
		Dispatcher:    d,
		Provisioner:   fakeProvisioner{},
		MaxS2CBuffer:  1 << 20,
		TimeoutNanos:  uint64(2 * time.Second),
		ExpectedMajor: 1,
		BacklogSize:   1,
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	first := dialUnix(t, sockPath)
	defer unix.Close(first)

	// Give the reactor a moment to accept the first connection and fill
	// the single-slot backlog before dialing the second.
	time.Sleep(50 * time.Millisecond)

	second := dialUnix(t, sockPath)
	defer unix.Close(second)

	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, s.Status())
	assert.Equal(t, 1, s.backlog.Occupied())
}

func TestStopTearsDownInFlightHandshakes(t *testing.T) {
	d := newTestDispatcher(t)
	sockPath := fmt.Sprintf("%s/safeipc-test-%d.sock", t.TempDir(), time.Now().UnixNano())

	s := New(Config{
		SocketPath:    sockPath,
		Dispatcher:    d,
		Provisioner:   fakeProvisioner{},
		MaxS2CBuffer:  1 << 20,
		TimeoutNanos:  uint64(2 * time.Second),
		ExpectedMajor: 1,
		BacklogSize:   4,
	})
	require.NoError(t, s.Start())

	clientFD := dialUnix(t, sockPath)
	defer unix.Close(clientFD)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, s.backlog.Occupied())
	// Stop is idempotent.
	require.NoError(t, s.Stop())
}
