package safeipc

import (
	"sync/atomic"
	"time"

	"github.com/vectoripc/safeipc-core/internal/interfaces"
)

// Metrics tracks admission and slot-server statistics for one running
// server instance.
type Metrics struct {
	// Backlog gauges (last-observed, not cumulative).
	BacklogOccupied    atomic.Uint32
	BacklogEstablished atomic.Uint32

	// Handshake outcomes.
	HandshakesEstablished atomic.Uint64
	HandshakesFailed      atomic.Uint64

	// Slot server acquisition and send.
	SlotAcquireOK      atomic.Uint64
	SlotAcquireFailed  atomic.Uint64
	SlotSendOK         atomic.Uint64
	SlotSendDropped    atomic.Uint64 // sum of per-send dropped-class counts

	// Receiver faults.
	ReceiverFaultsCorrupted atomic.Uint64
	ReceiverFaultsOther     atomic.Uint64

	// Lifecycle.
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordBacklogOccupancy updates the backlog occupancy gauges.
func (m *Metrics) RecordBacklogOccupancy(occupied, established int) {
	m.BacklogOccupied.Store(uint32(occupied))
	m.BacklogEstablished.Store(uint32(established))
}

// RecordHandshakeOutcome records one handshake reaching a terminal state.
func (m *Metrics) RecordHandshakeOutcome(established bool) {
	if established {
		m.HandshakesEstablished.Add(1)
	} else {
		m.HandshakesFailed.Add(1)
	}
}

// RecordSlotAcquire records the outcome of one acquire_slot call.
func (m *Metrics) RecordSlotAcquire(ok bool) {
	if ok {
		m.SlotAcquireOK.Add(1)
	} else {
		m.SlotAcquireFailed.Add(1)
	}
}

// RecordSlotSend records one send, and how many classes it evicted a slot
// from to stay within quota.
func (m *Metrics) RecordSlotSend(droppedClasses int) {
	m.SlotSendOK.Add(1)
	if droppedClasses > 0 {
		m.SlotSendDropped.Add(uint64(droppedClasses))
	}
}

// RecordReceiverFault records a receiver-fault notification, split by
// whether it was payload corruption or something else (e.g. a side-channel
// write failure).
func (m *Metrics) RecordReceiverFault(corrupted bool) {
	if corrupted {
		m.ReceiverFaultsCorrupted.Add(1)
	} else {
		m.ReceiverFaultsOther.Add(1)
	}
}

// Stop marks the server as stopped for uptime purposes.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read without
// further synchronization.
type MetricsSnapshot struct {
	BacklogOccupied    uint32
	BacklogEstablished uint32

	HandshakesEstablished uint64
	HandshakesFailed      uint64

	SlotAcquireOK     uint64
	SlotAcquireFailed uint64
	SlotSendOK        uint64
	SlotSendDropped   uint64

	ReceiverFaultsCorrupted uint64
	ReceiverFaultsOther     uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BacklogOccupied:         m.BacklogOccupied.Load(),
		BacklogEstablished:      m.BacklogEstablished.Load(),
		HandshakesEstablished:   m.HandshakesEstablished.Load(),
		HandshakesFailed:        m.HandshakesFailed.Load(),
		SlotAcquireOK:           m.SlotAcquireOK.Load(),
		SlotAcquireFailed:       m.SlotAcquireFailed.Load(),
		SlotSendOK:              m.SlotSendOK.Load(),
		SlotSendDropped:         m.SlotSendDropped.Load(),
		ReceiverFaultsCorrupted: m.ReceiverFaultsCorrupted.Load(),
		ReceiverFaultsOther:     m.ReceiverFaultsOther.Load(),
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	return snap
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.BacklogOccupied.Store(0)
	m.BacklogEstablished.Store(0)
	m.HandshakesEstablished.Store(0)
	m.HandshakesFailed.Store(0)
	m.SlotAcquireOK.Store(0)
	m.SlotAcquireFailed.Store(0)
	m.SlotSendOK.Store(0)
	m.SlotSendDropped.Store(0)
	m.ReceiverFaultsCorrupted.Store(0)
	m.ReceiverFaultsOther.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver is a no-op implementation of interfaces.Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveBacklogOccupancy(occupied, established int) {}
func (NoOpObserver) ObserveHandshakeOutcome(established bool)          {}
func (NoOpObserver) ObserveSlotAcquire(ok bool)                        {}
func (NoOpObserver) ObserveSlotSend(droppedClasses int)                {}
func (NoOpObserver) ObserveReceiverFault(corrupted bool)               {}

// MetricsObserver implements interfaces.Observer using the built-in
// Metrics type.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveBacklogOccupancy(occupied, established int) {
	o.metrics.RecordBacklogOccupancy(occupied, established)
}

func (o *MetricsObserver) ObserveHandshakeOutcome(established bool) {
	o.metrics.RecordHandshakeOutcome(established)
}

func (o *MetricsObserver) ObserveSlotAcquire(ok bool) {
	o.metrics.RecordSlotAcquire(ok)
}

func (o *MetricsObserver) ObserveSlotSend(droppedClasses int) {
	o.metrics.RecordSlotSend(droppedClasses)
}

func (o *MetricsObserver) ObserveReceiverFault(corrupted bool) {
	o.metrics.RecordReceiverFault(corrupted)
}

var (
	_ interfaces.Observer = (*MetricsObserver)(nil)
	_ interfaces.Observer = NoOpObserver{}
)
