package backlog

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoripc/safeipc-core/internal/handshake"
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

func (r *fakeRegion) ID() [16]byte  { return r.id }
func (r *fakeRegion) Size() uint32  { return r.size }
func (r *fakeRegion) FD() int       { return r.fd }
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

func newHarness(t *testing.T) (*reactor.Dispatcher, func()) {
	t.Helper()
	d, err := reactor.NewEpollDispatcher(nil, 64)
	require.NoError(t, err)
	stop := make(chan struct{})
	go d.Run(stop)
	return d, func() { close(stop); d.Close() }
}

func acceptConnection(t *testing.T, b *Backlog, d *reactor.Dispatcher) (clientFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)

	conn := handshake.New(fds[1], handshake.Config{
		Dispatcher:    d,
		Provisioner:   fakeProvisioner{},
		MaxS2CBuffer:  1 << 20,
		Timeout:       2 * time.Second,
		ExpectedMajor: 1,
		OnEstablished: b.NotifyEstablished,
		OnError:       b.NotifyError,
	})
	require.NoError(t, b.AddIncoming(conn))
	return fds[0]
}

func TestAddIncomingRejectsWhenFull(t *testing.T) {
	d, cleanup := newHarness(t)
	defer cleanup()

	notifyID, err := d.RegisterSW(func(reactor.EventMask) {})
	require.NoError(t, err)
	b := New(2, d, notifyID, nil, nil)

	acceptConnection(t, b, d)
	acceptConnection(t, b, d)
	assert.True(t, b.IsFull())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	conn := handshake.New(fds[1], handshake.Config{Dispatcher: d, Provisioner: fakeProvisioner{}, MaxS2CBuffer: 1 << 20, Timeout: time.Second, ExpectedMajor: 1})
	err = b.AddIncoming(conn)
	assert.ErrorIs(t, err, ErrBacklogFull)
}

func TestEstablishmentFlowThroughBacklog(t *testing.T) {
	d, cleanup := newHarness(t)
	defer cleanup()

	established := make(chan struct{}, 1)
	notifyID, err := d.RegisterSW(func(reactor.EventMask) { established <- struct{}{} })
	require.NoError(t, err)
	b := New(4, d, notifyID, nil, nil)

	clientFD := acceptConnection(t, b, d)
	defer unix.Close(clientFD)
	assert.Equal(t, 1, b.Occupied())

	c2s1 := &wire.C2S1{ProtocolMajor: 1, ProtocolMinor: 0, RequestedS2CBuffer: 4096, ClientToServerID: wire.NewRegionID()}
	_, err = unix.Write(clientFD, c2s1.Marshal())
	require.NoError(t, err)

	buf := readExactly(t, clientFD, 1+8+16+16)
	_, err = wire.UnmarshalS2C1(buf)
	require.NoError(t, err)

	_, err = unix.Write(clientFD, (&wire.C2S2{}).Marshal())
	require.NoError(t, err)

	select {
	case <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for established notification")
	}

	assert.True(t, b.HasEstablished())
	conn := b.NextEstablished()
	require.NotNil(t, conn)
	assert.Equal(t, handshake.StateEstablished, conn.State())

	b.RemoveLast()
	assert.Equal(t, 0, b.Occupied())
	assert.False(t, b.HasEstablished())
}

func TestHandleErrorsSweepsErroredSlots(t *testing.T) {
	d, cleanup := newHarness(t)
	defer cleanup()

	errored := make(chan struct{}, 1)
	notifyID, err := d.RegisterSW(func(reactor.EventMask) { errored <- struct{}{} })
	require.NoError(t, err)

	freedCalls := 0
	b := New(4, d, notifyID, nil, func() { freedCalls++ })

	clientFD := acceptConnection(t, b, d)
	defer unix.Close(clientFD)

	_, err = unix.Write(clientFD, append([]byte{0xFF}, make([]byte, 26)...))
	require.NoError(t, err)

	select {
	case <-errored:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error notification")
	}

	assert.Equal(t, 1, b.Occupied())
	b.HandleErrors()
	assert.Equal(t, 0, b.Occupied())
	assert.Equal(t, 1, freedCalls)
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
