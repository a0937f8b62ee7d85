package safeipc

import (
	"time"

	"github.com/vectoripc/safeipc-core/internal/eventmgr"
	"github.com/vectoripc/safeipc-core/internal/handshake"
	"github.com/vectoripc/safeipc-core/internal/interfaces"
	"github.com/vectoripc/safeipc-core/internal/slotserver"
)

// ReceiverClassConfig associates one slot-server class with the integrity
// level that resolves to it, and its slot/connection quota. Aliased from
// internal/eventmgr so callers never import an internal package.
type ReceiverClassConfig = eventmgr.ReceiverClassConfig

// InitMode selects how Allocate prepares a freshly acquired slot's payload.
type InitMode = eventmgr.InitMode

const (
	InitUninitialized = eventmgr.InitUninitialized
	InitZero          = eventmgr.InitZero
)

// MemoryTechnology selects the shared-memory backing for the slot ring.
type MemoryTechnology = slotserver.MemoryTechnology

const (
	MemoryPlain                = slotserver.MemoryPlain
	MemoryPhysicallyContiguous = slotserver.MemoryPhysicallyContiguous
)

// ServerConfig bundles every setting needed to construct a Server: the
// acceptor's listening socket and handshake parameters, and the single
// event's slot-server and admission parameters. A production deployment
// with more than one event constructs one Server per event, each on its
// own socket path, sharing nothing but a process-wide sequence counter.
type ServerConfig struct {
	// Connection establishment (C4/C2/C3).
	SocketPath            string
	BacklogSize           int
	MaxS2CBuffer          uint64
	HandshakeTimeout      time.Duration
	ExpectedProtocolMajor uint8
	ShmNamePrefix         string
	DrainInterval         time.Duration

	// Zero-copy slot server and event manager (C5/C6).
	Classes              []ReceiverClassConfig
	PayloadSize          uint32
	SlotAlignment        uint32
	MemoryTechnology     MemoryTechnology
	TracingEnabled       bool
	InitMode             InitMode
	ServerIntegrityLevel interfaces.IntegrityLevel
	AccessControl        interfaces.AccessControl

	// Ambient.
	Logger   interfaces.Logger
	Observer interfaces.Observer

	// OnConnectionEstablished is invoked on the reactor thread for every
	// handshake that reaches Established, once InitNext has promoted it
	// out of the backlog. The application is expected to turn the
	// extracted fd into a side channel and call Server.AddReceiver from
	// inside this callback (or queue it for later — the fd stays open
	// either way). extracted's server-to-client and notification regions
	// are not released automatically: AddReceiver takes them over and
	// Server.RemoveReceiver releases them later, or the callback must call
	// extracted.Close() itself if this connection is never added.
	OnConnectionEstablished func(handshake.Extracted)
}

// DefaultServerConfig returns a ServerConfig with every ambient field at
// its package default, a single QM receiver class, and no tracing. Callers
// override Classes, AccessControl and OnConnectionEstablished, at minimum.
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:            socketPath,
		BacklogSize:           BacklogSize,
		MaxS2CBuffer:          DefaultMaxS2CBufferSize,
		HandshakeTimeout:      HandshakeTimeout,
		ExpectedProtocolMajor: ProtocolMajorVersion,
		ShmNamePrefix:         "safeipc",
		DrainInterval:         5 * time.Millisecond,
		Classes: []ReceiverClassConfig{
			{Name: "qm", Level: interfaces.IntegrityQM, MaxSlots: 16, MaxConnections: 8},
		},
		PayloadSize:          4096,
		SlotAlignment:        SlotContentAlignment,
		MemoryTechnology:     MemoryPlain,
		ServerIntegrityLevel: interfaces.IntegrityQM,
		InitMode:             InitUninitialized,
	}
}
