// Package telemetry exposes a *safeipc.Metrics snapshot as Prometheus
// metrics. Grounded on the pack's own promauto-vector usage
// (Generativebots-ocx-backend-go-svc/internal/escrow/metrics.go) but
// shaped as a custom prometheus.Collector instead: safeipc.Metrics already
// owns the canonical atomic counters, so Collect reads that state directly
// on each scrape rather than keeping a second, parallel set of
// promauto-registered instruments in sync with it.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSource is the subset of safeipc.Metrics' snapshot this collector
// depends on. Declared locally to avoid an import cycle back into the root
// package.
type MetricsSource interface {
	Snapshot() Snapshot
}

// Snapshot mirrors safeipc.MetricsSnapshot's fields. The root package's
// MetricsSnapshot is structurally identical; the root package passes
// (*safeipc.Metrics) wrapped in a thin adapter (its telemetrySource type).
type Snapshot struct {
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

var (
	backlogOccupiedDesc = prometheus.NewDesc(
		"safeipc_backlog_occupied", "Connections currently occupying a backlog slot.", nil, nil)
	backlogEstablishedDesc = prometheus.NewDesc(
		"safeipc_backlog_established", "Backlog slots holding a completed handshake awaiting promotion.", nil, nil)
	handshakesTotalDesc = prometheus.NewDesc(
		"safeipc_handshakes_total", "Handshakes that reached a terminal state.", []string{"outcome"}, nil)
	slotAcquireTotalDesc = prometheus.NewDesc(
		"safeipc_slot_acquire_total", "acquire_slot calls by outcome.", []string{"outcome"}, nil)
	slotSendTotalDesc = prometheus.NewDesc(
		"safeipc_slot_send_total", "Successful send calls.", nil, nil)
	slotSendDroppedTotalDesc = prometheus.NewDesc(
		"safeipc_slot_send_dropped_total", "Slots evicted across all sends to stay within a class's quota.", nil, nil)
	receiverFaultsTotalDesc = prometheus.NewDesc(
		"safeipc_receiver_faults_total", "Receiver faults observed by the slot server.", []string{"kind"}, nil)
	uptimeSecondsDesc = prometheus.NewDesc(
		"safeipc_uptime_seconds", "Seconds since the server started (or its total runtime, once stopped).", nil, nil)
)

// Collector implements prometheus.Collector over a MetricsSource.
type Collector struct {
	source MetricsSource
}

// NewCollector wraps source for registration with a prometheus.Registerer.
func NewCollector(source MetricsSource) *Collector {
	return &Collector{source: source}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- backlogOccupiedDesc
	ch <- backlogEstablishedDesc
	ch <- handshakesTotalDesc
	ch <- slotAcquireTotalDesc
	ch <- slotSendTotalDesc
	ch <- slotSendDroppedTotalDesc
	ch <- receiverFaultsTotalDesc
	ch <- uptimeSecondsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	ch <- prometheus.MustNewConstMetric(backlogOccupiedDesc, prometheus.GaugeValue, float64(snap.BacklogOccupied))
	ch <- prometheus.MustNewConstMetric(backlogEstablishedDesc, prometheus.GaugeValue, float64(snap.BacklogEstablished))

	ch <- prometheus.MustNewConstMetric(handshakesTotalDesc, prometheus.CounterValue, float64(snap.HandshakesEstablished), "established")
	ch <- prometheus.MustNewConstMetric(handshakesTotalDesc, prometheus.CounterValue, float64(snap.HandshakesFailed), "failed")

	ch <- prometheus.MustNewConstMetric(slotAcquireTotalDesc, prometheus.CounterValue, float64(snap.SlotAcquireOK), "ok")
	ch <- prometheus.MustNewConstMetric(slotAcquireTotalDesc, prometheus.CounterValue, float64(snap.SlotAcquireFailed), "failed")

	ch <- prometheus.MustNewConstMetric(slotSendTotalDesc, prometheus.CounterValue, float64(snap.SlotSendOK))
	ch <- prometheus.MustNewConstMetric(slotSendDroppedTotalDesc, prometheus.CounterValue, float64(snap.SlotSendDropped))

	ch <- prometheus.MustNewConstMetric(receiverFaultsTotalDesc, prometheus.CounterValue, float64(snap.ReceiverFaultsCorrupted), "corrupted")
	ch <- prometheus.MustNewConstMetric(receiverFaultsTotalDesc, prometheus.CounterValue, float64(snap.ReceiverFaultsOther), "other")

	ch <- prometheus.MustNewConstMetric(uptimeSecondsDesc, prometheus.GaugeValue, float64(snap.UptimeNs)/1e9)
}

var _ prometheus.Collector = (*Collector)(nil)
