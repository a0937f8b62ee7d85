// Package wire implements manual marshalling for the three SafeIPC
// handshake messages (C2S1, S2C1, C2S2). Messages carry no length prefix:
// each one starts with a one-byte message tag and has a fixed total size,
// so a reader knows how many bytes to wait for from the tag it expects.
// Multi-byte fields are big-endian. Each message is marshalled field-by-field with
// encoding/binary rather than an unsafe struct cast, grounded on the
// teacher's internal/uapi marshal style.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"

	"github.com/vectoripc/safeipc-core/internal/constants"
)

// ErrInsufficientData is returned when a buffer is shorter than a
// message's fixed wire size.
var ErrInsufficientData = errors.New("wire: insufficient data")

// ErrMalformed is returned when a decoded field fails validation (unknown
// message tag, region id of the wrong length, and similar framing
// violations) — these all collapse to the handshake's Error state.
var ErrMalformed = errors.New("wire: malformed message")

// RegionID is a 16-byte shared-memory region identifier, carried on the
// wire as raw bytes and modelled in Go as a uuid.UUID for construction and
// string-formatting convenience.
type RegionID = uuid.UUID

// NewRegionID generates a fresh random region identifier.
func NewRegionID() RegionID {
	return uuid.New()
}

const (
	tagC2S1 uint8 = 1
	tagS2C1 uint8 = 2
	tagC2S2 uint8 = 3
)

// c2s1Size is 1 (tag) + 1 (major) + 1 (minor) + 8 (requested buffer size,
// 64-bit per spec.md §6) + 16 (client->server region id).
const c2s1Size = 1 + 1 + 1 + 8 + constants.RegionIDSize

// s2c1Size is 1 (tag) + 8 (agreed buffer size) + 16*2 (two region ids).
const s2c1Size = 1 + 8 + 2*constants.RegionIDSize

// c2s2Size is 1 (tag) only; acknowledgement carries no negotiated fields.
const c2s2Size = 1

// C2S1 is the client's opening handshake message.
type C2S1 struct {
	ProtocolMajor      uint8
	ProtocolMinor      uint8
	RequestedS2CBuffer uint64
	ClientToServerID   RegionID
}

// Marshal encodes m as its fixed-size wire representation.
func (m *C2S1) Marshal() []byte {
	buf := make([]byte, c2s1Size)
	buf[0] = tagC2S1
	buf[1] = m.ProtocolMajor
	buf[2] = m.ProtocolMinor
	binary.BigEndian.PutUint64(buf[3:11], m.RequestedS2CBuffer)
	copy(buf[11:11+constants.RegionIDSize], m.ClientToServerID[:])
	return buf
}

// UnmarshalC2S1 decodes a C2S1 message, validating the tag byte.
func UnmarshalC2S1(data []byte) (*C2S1, error) {
	if len(data) < c2s1Size {
		return nil, ErrInsufficientData
	}
	if data[0] != tagC2S1 {
		return nil, ErrMalformed
	}
	var id RegionID
	copy(id[:], data[11:11+constants.RegionIDSize])
	return &C2S1{
		ProtocolMajor:      data[1],
		ProtocolMinor:      data[2],
		RequestedS2CBuffer: binary.BigEndian.Uint64(data[3:11]),
		ClientToServerID:   id,
	}, nil
}

// S2C1 is the server's response, carrying the agreed buffer size and the
// two server-provisioned shared-memory region ids.
type S2C1 struct {
	AgreedS2CBuffer  uint64
	ServerToClientID RegionID
	NotificationID   RegionID
}

// Marshal encodes m as its fixed-size wire representation.
func (m *S2C1) Marshal() []byte {
	buf := make([]byte, s2c1Size)
	buf[0] = tagS2C1
	binary.BigEndian.PutUint64(buf[1:9], m.AgreedS2CBuffer)
	off := 9
	copy(buf[off:off+constants.RegionIDSize], m.ServerToClientID[:])
	off += constants.RegionIDSize
	copy(buf[off:off+constants.RegionIDSize], m.NotificationID[:])
	return buf
}

// UnmarshalS2C1 decodes an S2C1 message, validating the tag byte. The
// client side of this protocol is out of scope for this repository, but
// the decoder is kept symmetric with Marshal for testability.
func UnmarshalS2C1(data []byte) (*S2C1, error) {
	if len(data) < s2c1Size {
		return nil, ErrInsufficientData
	}
	if data[0] != tagS2C1 {
		return nil, ErrMalformed
	}
	var s2c, notif RegionID
	off := 9
	copy(s2c[:], data[off:off+constants.RegionIDSize])
	off += constants.RegionIDSize
	copy(notif[:], data[off:off+constants.RegionIDSize])
	return &S2C1{
		AgreedS2CBuffer:  binary.BigEndian.Uint64(data[1:9]),
		ServerToClientID: s2c,
		NotificationID:   notif,
	}, nil
}

// C2S2 is the client's acknowledgement that it has opened both
// server-provided shared regions. It carries no negotiated fields; receipt
// alone advances the handshake to Established.
type C2S2 struct{}

// Marshal encodes m as its fixed-size wire representation.
func (m *C2S2) Marshal() []byte {
	return []byte{tagC2S2}
}

// UnmarshalC2S2 decodes a C2S2 message, validating the tag byte.
func UnmarshalC2S2(data []byte) (*C2S2, error) {
	if len(data) < c2s2Size {
		return nil, ErrInsufficientData
	}
	if data[0] != tagC2S2 {
		return nil, ErrMalformed
	}
	return &C2S2{}, nil
}

// ClampS2CBufferSize bounds a client's requested buffer size by the
// server-configured maximum and a hard protocol minimum, per §4.2: "if the
// request is below minimum, minimum is used."
func ClampS2CBufferSize(requested, max uint64) uint64 {
	if requested < constants.MinBufferSize {
		return constants.MinBufferSize
	}
	if requested > max {
		return max
	}
	return requested
}
