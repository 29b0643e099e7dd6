package session

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// Metrics of a session. Storage metrics are registered in Registry by the storage service.
type Metrics struct {
	Registry metrics.Registry

	SpeedDownload  metrics.Meter
	SpeedUpload    metrics.Meter
	Uptime         metrics.Gauge
	PeersKnown     metrics.Gauge
	PeersConnected metrics.Gauge
	PiecesHave     metrics.Gauge
	BytesRemaining metrics.Gauge
	HashFailures   metrics.Counter
	RequestRetries metrics.Counter
}

func newMetrics(s *Session) *Metrics {
	r := metrics.NewRegistry()
	return &Metrics{
		Registry: r,

		SpeedDownload: metrics.NewRegisteredMeter("speed_download", r),
		SpeedUpload:   metrics.NewRegisteredMeter("speed_upload", r),
		Uptime: metrics.NewRegisteredFunctionalGauge("uptime", r, func() int64 {
			return int64(time.Since(s.createdAt) / time.Second)
		}),
		PeersKnown:     metrics.NewRegisteredFunctionalGauge("peers_known", r, func() int64 { return int64(s.NumKnown()) }),
		PeersConnected: metrics.NewRegisteredFunctionalGauge("peers_connected", r, func() int64 { return int64(s.NumConnected()) }),
		PiecesHave: metrics.NewRegisteredFunctionalGauge("pieces_have", r, func() int64 {
			if s.PieceManager == nil {
				return 0
			}
			return int64(s.PieceManager.CompletedCount())
		}),
		BytesRemaining: metrics.NewRegisteredFunctionalGauge("bytes_remaining", r, func() int64 { return s.BytesRemaining() }),
		HashFailures:   metrics.NewRegisteredCounter("hash_failures", r),
		RequestRetries: metrics.NewRegisteredCounter("request_retries", r),
	}
}

func (m *Metrics) stop() {
	m.Registry.Each(func(_ string, i interface{}) {
		if s, ok := i.(interface{ Stop() }); ok {
			s.Stop()
		}
	})
	m.Registry.UnregisterAll()
}
