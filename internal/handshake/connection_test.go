package handshake

import (
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

type fakeProvisioner struct {
	fail      bool
	failAfter int
	created   []*fakeRegion
}

func (p *fakeProvisioner) Provision(size uint32) (interfaces.ShmRegion, error) {
	if p.fail && len(p.created) >= p.failAfter {
		return nil, assertErr
	}
	fd, err := unix.MemfdCreate("fake-region", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	id := wire.NewRegionID()
	r := &fakeRegion{id: id, fd: fd, size: size}
	p.created = append(p.created, r)
	return r, nil
}

var assertErr = &provisionError{"provisioning failed"}

type provisionError struct{ msg string }

func (e *provisionError) Error() string { return e.msg }

func newSocketPair(t *testing.T) (clientFD, serverFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func newTestDispatcher(t *testing.T) *reactor.Dispatcher {
	t.Helper()
	d, err := reactor.NewEpollDispatcher(nil, 32)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func runDispatcherFor(t *testing.T, d *reactor.Dispatcher, done <-chan struct{}) {
	t.Helper()
	go func() {
		d.Run(done)
	}()
}

func TestHappyPathHandshake(t *testing.T) {
	clientFD, serverFD := newSocketPair(t)
	defer unix.Close(clientFD)

	d := newTestDispatcher(t)
	stop := make(chan struct{})
	defer close(stop)
	runDispatcherFor(t, d, stop)

	prov := &fakeProvisioner{}
	established := make(chan Extracted, 1)
	failed := make(chan struct{}, 1)

	conn := New(serverFD, Config{
		Dispatcher:    d,
		Provisioner:   prov,
		MaxS2CBuffer:  1 << 20,
		Timeout:       2 * time.Second,
		ExpectedMajor: 1,
		OnEstablished: func(c *Connection) { established <- c.Extracted() },
		OnError:       func(c *Connection) { failed <- struct{}{} },
	})
	require.NoError(t, conn.Start())

	c2s1 := &wire.C2S1{
		ProtocolMajor:      1,
		ProtocolMinor:      0,
		RequestedS2CBuffer: 4096,
		ClientToServerID:   wire.NewRegionID(),
	}
	_, err := unix.Write(clientFD, c2s1.Marshal())
	require.NoError(t, err)

	s2c1Buf, rights := recvmsgExactly(t, clientFD, 1+8+16+16)
	s2c1, err := wire.UnmarshalS2C1(s2c1Buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), s2c1.AgreedS2CBuffer)
	require.Len(t, rights, 2, "S2C1 must carry the server-to-client and notification region fds via SCM_RIGHTS")
	for _, fd := range rights {
		unix.Close(fd)
	}

	_, err = unix.Write(clientFD, (&wire.C2S2{}).Marshal())
	require.NoError(t, err)

	var ex Extracted
	select {
	case ex = <-established:
		assert.Equal(t, uint8(1), ex.ProtocolMajor)
		assert.Equal(t, uint64(4096), ex.AgreedS2CBuffer)
		assert.Equal(t, c2s1.ClientToServerID, ex.ClientToServerID)
	case <-failed:
		t.Fatal("handshake unexpectedly failed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for establishment")
	}

	assert.Equal(t, StateEstablished, conn.State())
	assert.Len(t, prov.created, 2)
	for _, r := range prov.created {
		assert.False(t, r.unlinked.Load(), "established connection must keep its regions until the caller extracts and closes them")
	}

	require.NotNil(t, ex.ServerToClient, "Extracted must carry the live server-to-client region")
	require.NotNil(t, ex.Notification, "Extracted must carry the live notification region")
	assert.Equal(t, ex.ServerToClientID, ex.ServerToClient.ID())
	assert.Equal(t, ex.NotificationID, ex.Notification.ID())

	require.NoError(t, ex.Close())
	for _, r := range prov.created {
		assert.True(t, r.unlinked.Load(), "Extracted.Close must unlink both regions once the caller is done")
	}
}

func TestMalformedC2S1FailsHandshake(t *testing.T) {
	clientFD, serverFD := newSocketPair(t)
	defer unix.Close(clientFD)

	d := newTestDispatcher(t)
	stop := make(chan struct{})
	defer close(stop)
	runDispatcherFor(t, d, stop)

	prov := &fakeProvisioner{}
	failed := make(chan struct{}, 1)

	conn := New(serverFD, Config{
		Dispatcher:    d,
		Provisioner:   prov,
		MaxS2CBuffer:  1 << 20,
		Timeout:       2 * time.Second,
		ExpectedMajor: 1,
		OnError:       func(c *Connection) { failed <- struct{}{} },
	})
	require.NoError(t, conn.Start())

	// Wrong tag byte on a full-length (27-byte) C2S1 frame: garbage that
	// will never parse as C2S1.
	_, err := unix.Write(clientFD, append([]byte{0xFF}, make([]byte, 26)...))
	require.NoError(t, err)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected handshake failure")
	}
	assert.Equal(t, StateError, conn.State())
}

func TestProtocolVersionMismatchFails(t *testing.T) {
	clientFD, serverFD := newSocketPair(t)
	defer unix.Close(clientFD)

	d := newTestDispatcher(t)
	stop := make(chan struct{})
	defer close(stop)
	runDispatcherFor(t, d, stop)

	prov := &fakeProvisioner{}
	failed := make(chan struct{}, 1)

	conn := New(serverFD, Config{
		Dispatcher:    d,
		Provisioner:   prov,
		MaxS2CBuffer:  1 << 20,
		Timeout:       2 * time.Second,
		ExpectedMajor: 1,
		OnError:       func(c *Connection) { failed <- struct{}{} },
	})
	require.NoError(t, conn.Start())

	c2s1 := &wire.C2S1{ProtocolMajor: 2, ProtocolMinor: 0, RequestedS2CBuffer: 4096, ClientToServerID: wire.NewRegionID()}
	_, err := unix.Write(clientFD, c2s1.Marshal())
	require.NoError(t, err)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected handshake failure")
	}
	assert.Equal(t, StateError, conn.State())
}

func TestHandshakeTimeoutFailsConnection(t *testing.T) {
	clientFD, serverFD := newSocketPair(t)
	defer unix.Close(clientFD)

	d := newTestDispatcher(t)
	stop := make(chan struct{})
	defer close(stop)
	runDispatcherFor(t, d, stop)

	prov := &fakeProvisioner{}
	failed := make(chan struct{}, 1)

	conn := New(serverFD, Config{
		Dispatcher:    d,
		Provisioner:   prov,
		MaxS2CBuffer:  1 << 20,
		Timeout:       50 * time.Millisecond,
		ExpectedMajor: 1,
		OnError:       func(c *Connection) { failed <- struct{}{} },
	})
	require.NoError(t, conn.Start())

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected handshake timeout")
	}
	assert.Equal(t, StateError, conn.State())
}

func TestFailedProvisioningUnlinksFirstRegion(t *testing.T) {
	clientFD, serverFD := newSocketPair(t)
	defer unix.Close(clientFD)

	d := newTestDispatcher(t)
	stop := make(chan struct{})
	defer close(stop)
	runDispatcherFor(t, d, stop)

	prov := &fakeProvisioner{fail: true, failAfter: 1}
	failed := make(chan struct{}, 1)

	conn := New(serverFD, Config{
		Dispatcher:    d,
		Provisioner:   prov,
		MaxS2CBuffer:  1 << 20,
		Timeout:       2 * time.Second,
		ExpectedMajor: 1,
		OnError:       func(c *Connection) { failed <- struct{}{} },
	})
	require.NoError(t, conn.Start())

	c2s1 := &wire.C2S1{ProtocolMajor: 1, ProtocolMinor: 0, RequestedS2CBuffer: 4096, ClientToServerID: wire.NewRegionID()}
	_, err := unix.Write(clientFD, c2s1.Marshal())
	require.NoError(t, err)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected handshake failure")
	}
	require.Len(t, prov.created, 1)
	assert.True(t, prov.created[0].unlinked.Load())
}

// recvmsgExactly reads exactly n bytes from fd, collecting any SCM_RIGHTS
// fds delivered alongside the first segment received.
func recvmsgExactly(t *testing.T, fd int, n int) ([]byte, []int) {
	t.Helper()
	buf := make([]byte, 0, n)
	var rights []int
	oob := make([]byte, unix.CmsgSpace(4*8)) // generous room for several fds
	deadline := time.Now().Add(2 * time.Second)
	for len(buf) < n {
		tmp := make([]byte, n-len(buf))
		k, oobn, _, _, err := unix.Recvmsg(fd, tmp, oob, 0)
		if err != nil {
			if err == unix.EAGAIN {
				if time.Now().After(deadline) {
					t.Fatalf("timed out reading %d bytes", n)
				}
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("recvmsg: %v", err)
		}
		buf = append(buf, tmp[:k]...)
		if oobn > 0 {
			cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			require.NoError(t, err)
			for _, cmsg := range cmsgs {
				fds, err := unix.ParseUnixRights(&cmsg)
				require.NoError(t, err)
				rights = append(rights, fds...)
			}
		}
	}
	return buf, rights
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
