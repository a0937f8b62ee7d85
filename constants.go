package safeipc

import "github.com/vectoripc/safeipc-core/internal/constants"

// Re-exported protocol and sizing constants. internal/constants is the
// source of truth; these exist so callers configuring a Server never need
// to import an internal package.
const (
	BacklogSize             = constants.BacklogSize
	ProtocolMajorVersion    = constants.ProtocolMajorVersion
	ProtocolMinorVersion    = constants.ProtocolMinorVersion
	MinBufferSize           = constants.MinBufferSize
	DefaultMaxS2CBufferSize = constants.DefaultMaxS2CBufferSize
	RegionIDSize            = constants.RegionIDSize

	HandshakeTimeout = constants.HandshakeTimeout
	ReaperInterval   = constants.ReaperInterval

	TracingSlotBudget     = constants.TracingSlotBudget
	SlotContentAlignment  = constants.SlotContentAlignment
	SlotHeaderSize        = constants.SlotHeaderSize
)
