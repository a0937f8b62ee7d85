// Package interfaces provides the small boundary interfaces shared across
// SafeIPC's internal packages. These are kept separate from the public
// package to avoid circular imports between the root package and
// internal/*, mirroring the teacher's internal/interfaces split.
package interfaces

import "net"

// Logger is the optional logging sink every component accepts. A nil Logger
// means "no logging" throughout the tree.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives point-in-time counters. The slot server and the event
// manager call ObserveSlotAcquire, ObserveSlotSend and
// ObserveReceiverFault; nothing in the admission path (acceptor, backlog,
// handshake) calls ObserveBacklogOccupancy or ObserveHandshakeOutcome.
// Implementations must be safe to call from the reactor
// thread; they are never called concurrently by this package, but an
// Observer shared across multiple servers must protect its own state.
type Observer interface {
	ObserveBacklogOccupancy(occupied, established int)
	ObserveHandshakeOutcome(established bool)
	ObserveSlotAcquire(ok bool)
	ObserveSlotSend(droppedClasses int)
	ObserveReceiverFault(corrupted bool)
}

// IntegrityLevel is the ASIL classification of a receiver or of the server
// itself (spec.md §3, GLOSSARY). The zero value is QM, the lowest level.
type IntegrityLevel uint8

const (
	IntegrityQM IntegrityLevel = iota
	IntegrityASILA
	IntegrityASILB
	IntegrityASILC
	IntegrityASILD
	integrityLevelCount
)

// Valid reports whether l is one of the five defined integrity levels.
func (l IntegrityLevel) Valid() bool {
	return l < integrityLevelCount
}

func (l IntegrityLevel) String() string {
	switch l {
	case IntegrityQM:
		return "QM"
	case IntegrityASILA:
		return "ASIL-A"
	case IntegrityASILB:
		return "ASIL-B"
	case IntegrityASILC:
		return "ASIL-C"
	case IntegrityASILD:
		return "ASIL-D"
	default:
		return "unknown"
	}
}

// PeerCredentials is the minimal identity information the access-control
// boundary needs about a connecting peer. Populated from SO_PEERCRED on
// the accepted Unix socket.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

// AccessControl is the subscribe-admission boundary delegated to the
// application (spec.md §4.6). The general-purpose SOME/IP daemon that owns
// the real policy is out of scope for this repository; this interface is
// the collaborator boundary.
type AccessControl interface {
	CheckSubscribeRx(service, instance, event uint32, peer PeerCredentials) bool
}

// ShmRegion is a provisioned shared-memory region handed to a connecting
// client during the handshake (server-to-client ring, notification
// region). ID is the raw 16-byte identifier stamped onto the wire; ID is
// typed as [16]byte rather than uuid.UUID so this package stays
// dependency-free.
type ShmRegion interface {
	ID() [16]byte
	Size() uint32
	// FD returns the region's memfd, for passing to the peer over the
	// handshake socket via SCM_RIGHTS ancillary data. Valid until Unlink.
	FD() int
	// Bytes returns the mapped region. The slot server writes and reads
	// slot headers and payloads directly into this slice.
	Bytes() []byte
	// Unlink releases the region. Called when a connection that created
	// the region never reaches Established (the client never got to map
	// it) or when the connection is later torn down.
	Unlink() error
}

// ShmProvisioner creates shared-memory regions of the given size on
// demand. Implemented by internal/shm.Allocator; the handshake state
// machine only depends on this boundary so it can be tested without a
// real memfd.
type ShmProvisioner interface {
	Provision(size uint32) (ShmRegion, error)
}

// SideChannel is the out-of-band connection a receiver uses to exchange
// control messages (corruption notification, connect acknowledgement)
// independent of the zero-copy ring itself.
type SideChannel interface {
	net.Conn
	// IsInUse reports whether any asynchronous work on this side channel
	// is still outstanding; add_receiver must only return once a denied
	// subscription's side channel reports false here (spec.md §8 scenario 6).
	IsInUse() bool
}
