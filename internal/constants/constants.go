// Package constants holds protocol and sizing constants shared across the
// SafeIPC admission path.
package constants

import "time"

// Backlog and protocol constants (spec.md §4.3, §6).
const (
	// BacklogSize is the maximum number of parallel in-flight handshakes
	// a single acceptor will admit.
	BacklogSize = 32

	// ProtocolMajorVersion is the major IPC protocol version this server
	// implements. A client reporting a different major version aborts the
	// handshake with Error.
	ProtocolMajorVersion = 1

	// ProtocolMinorVersion is the minor IPC protocol version.
	ProtocolMinorVersion = 0

	// MinBufferSize is the protocol minimum server-to-client buffer size
	// every negotiated size is clamped to from below.
	MinBufferSize uint64 = 4096

	// DefaultMaxS2CBufferSize is the default server-to-client buffer
	// ceiling, used as ServerConfig.MaxS2CBuffer by DefaultServerConfig.
	DefaultMaxS2CBufferSize uint64 = 1 << 20

	// RegionIDSize is the on-wire width of an opaque shared-memory region
	// id.
	RegionIDSize = 16
)

// Timing constants.
const (
	// HandshakeTimeout is the default per-connection establishment
	// timeout armed on entry to S0 and rearmed on every transition.
	HandshakeTimeout = 2 * time.Second

	// ReaperInterval is not read by any package. The reactor dispatcher's
	// tombstone reaper runs after every dispatch, not on a timer.
	ReaperInterval = 50 * time.Millisecond
)

// Zero-copy slot constants (spec.md §3, §4.5, §6).
const (
	// TracingSlotBudget is the constant tracing budget added on top of the
	// per-class max_slots sum when sizing a C5 ring.
	TracingSlotBudget = 4

	// SlotContentAlignment is the default alignment, in bytes, samples are
	// packed to inside a slot.
	SlotContentAlignment = 64

	// SlotHeaderSize is the fixed size, in bytes, of the per-slot header
	// (timestamp, sequence counter, payload offset, payload size; all
	// 8-byte fields).
	SlotHeaderSize = 32
)
