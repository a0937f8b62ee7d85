// Package shm provisions the named, shareable shared-memory regions the
// handshake hands to a connecting client: memfd_create + ftruncate + mmap,
// generalized from the teacher's mmapQueues (which mapped a block-device
// descriptor array plus an anonymous I/O buffer) into a single named
// region that can be passed to an unrelated process by sending its fd over
// SCM_RIGHTS on the handshake socket.
package shm

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/vectoripc/safeipc-core/internal/interfaces"
)

// Region is one memfd-backed shared-memory region.
type Region struct {
	id       [16]byte
	fd       int
	size     uint32
	data     []byte
	unlinked atomic.Bool
}

// ID returns the region's 16-byte identifier, the same bytes stamped onto
// the handshake wire messages.
func (r *Region) ID() [16]byte { return r.id }

// Size returns the region's byte length.
func (r *Region) Size() uint32 { return r.size }

// FD returns the region's memfd, for passing to the peer via SCM_RIGHTS.
// Valid until Unlink is called.
func (r *Region) FD() int { return r.fd }

// Bytes returns the mapped region, valid until Unlink is called. The
// server writes sample payloads directly into this slice.
func (r *Region) Bytes() []byte { return r.data }

// Unlink munmaps and closes the region. Idempotent: a second call is a
// no-op, since both the handshake's error path and a later connection
// teardown may race to release the same region.
func (r *Region) Unlink() error {
	if !r.unlinked.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if cerr := unix.Close(r.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Allocator provisions Regions on demand, implementing
// interfaces.ShmProvisioner.
type Allocator struct {
	namePrefix string
	seq        atomic.Uint64
}

// NewAllocator constructs an Allocator. namePrefix is used only for the
// memfd's debug name (visible in /proc/<pid>/fd), not for addressing —
// regions are handed to peers by fd, never by path.
func NewAllocator(namePrefix string) *Allocator {
	return &Allocator{namePrefix: namePrefix}
}

// Provision creates a new anonymous, shareable region of the given size.
func (a *Allocator) Provision(size uint32) (interfaces.ShmRegion, error) {
	seq := a.seq.Add(1)
	name := fmt.Sprintf("%s-%d", a.namePrefix, seq)

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	return &Region{id: [16]byte(uuid.New()), fd: fd, size: size, data: data}, nil
}
