// Package slotserver implements the zero-copy slot ring (spec.md §4.5,
// §6): a fixed array of fixed-stride slots inside one shared-memory
// region, each holding a small binary header (timestamp, sequence,
// payload offset, payload size) followed by an aligned payload. Grounded
// on the teacher's mmapQueues layout (a header array plus a flat payload
// area inside one mapping), generalized from block-device descriptors to
// SafeIPC slot headers, marshalled field-by-field like internal/wire
// rather than cast through an unsafe pointer.
package slotserver

import (
	"encoding/binary"

	"github.com/vectoripc/safeipc-core/internal/constants"
)

// header is the fixed 32-byte per-slot header laid out on the wire of
// shared memory exactly as spec.md §6 describes it.
type header struct {
	TimestampNanos uint64
	Sequence       uint64
	PayloadOffset  uint64
	PayloadSize    uint64
}

func (h header) marshalInto(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], h.TimestampNanos)
	binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
	binary.BigEndian.PutUint64(buf[16:24], h.PayloadOffset)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadSize)
}

func unmarshalHeader(buf []byte) header {
	return header{
		TimestampNanos: binary.BigEndian.Uint64(buf[0:8]),
		Sequence:       binary.BigEndian.Uint64(buf[8:16]),
		PayloadOffset:  binary.BigEndian.Uint64(buf[16:24]),
		PayloadSize:    binary.BigEndian.Uint64(buf[24:32]),
	}
}

// alignUp rounds n up to the next multiple of align (align must be a
// power of two).
func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// slotStride computes the fixed byte distance between consecutive slots:
// the fixed header plus the payload, padded up to alignment.
func slotStride(payloadSize, alignment uint32) uint32 {
	return uint32(constants.SlotHeaderSize) + alignUp(payloadSize, alignment)
}

// ring is the thin layout helper over one mapped shared-memory region: it
// knows how to find a slot's header and payload bytes, but holds no state
// of its own beyond the geometry.
type ring struct {
	data        []byte
	slotCount   int
	payloadSize uint32
	stride      uint32
}

func newRing(data []byte, slotCount int, payloadSize, alignment uint32) *ring {
	return &ring{
		data:        data,
		slotCount:   slotCount,
		payloadSize: payloadSize,
		stride:      slotStride(payloadSize, alignment),
	}
}

func (r *ring) slotBytes(index int) []byte {
	off := uint32(index) * r.stride
	return r.data[off : off+r.stride]
}

func (r *ring) readHeader(index int) header {
	return unmarshalHeader(r.slotBytes(index)[:constants.SlotHeaderSize])
}

func (r *ring) writeHeader(index int, h header) {
	h.marshalInto(r.slotBytes(index)[:constants.SlotHeaderSize])
}

func (r *ring) payload(index int) []byte {
	b := r.slotBytes(index)
	return b[constants.SlotHeaderSize : constants.SlotHeaderSize+int(r.payloadSize)]
}

// byteSize returns the total region size this ring geometry requires.
func (r *ring) byteSize() uint32 {
	return uint32(r.slotCount) * r.stride
}
