package safeipc

import "github.com/vectoripc/safeipc-core/internal/telemetry"

// telemetrySource adapts *Metrics to internal/telemetry.MetricsSource.
type telemetrySource struct {
	metrics *Metrics
}

func (s telemetrySource) Snapshot() telemetry.Snapshot {
	snap := s.metrics.Snapshot()
	return telemetry.Snapshot{
		BacklogOccupied:         snap.BacklogOccupied,
		BacklogEstablished:      snap.BacklogEstablished,
		HandshakesEstablished:   snap.HandshakesEstablished,
		HandshakesFailed:        snap.HandshakesFailed,
		SlotAcquireOK:           snap.SlotAcquireOK,
		SlotAcquireFailed:       snap.SlotAcquireFailed,
		SlotSendOK:              snap.SlotSendOK,
		SlotSendDropped:         snap.SlotSendDropped,
		ReceiverFaultsCorrupted: snap.ReceiverFaultsCorrupted,
		ReceiverFaultsOther:     snap.ReceiverFaultsOther,
		UptimeNs:                snap.UptimeNs,
	}
}

// PrometheusCollector returns a prometheus.Collector exposing this
// server's metrics, ready to pass to a prometheus.Registerer.
func (s *Server) PrometheusCollector() *telemetry.Collector {
	return telemetry.NewCollector(telemetrySource{metrics: s.metrics})
}
