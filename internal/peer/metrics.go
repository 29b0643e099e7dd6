package peer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Rates is a snapshot of rolling transfer metrics taken by Refresh.
type Rates struct {
	DownloadRate        float64 // bytes per second received from the peer
	UploadRate          float64 // bytes per second sent to the peer
	AverageResponseTime time.Duration
	Responses           int64
}

// Metrics collects transfer statistics of a peer.
type Metrics struct {
	downloadSpeed metrics.Meter
	uploadSpeed   metrics.Meter
	responseTime  metrics.Timer

	bytesDownloaded atomic.Int64
	bytesUploaded   atomic.Int64

	m     sync.Mutex
	rates Rates
}

// NewMetrics returns empty metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		downloadSpeed: metrics.NewMeter(),
		uploadSpeed:   metrics.NewMeter(),
		responseTime:  metrics.NewTimer(),
	}
}

// RecordDownload counts n bytes of block data received from the peer.
func (m *Metrics) RecordDownload(n int) {
	m.bytesDownloaded.Add(int64(n))
	m.downloadSpeed.Mark(int64(n))
}

// RecordUpload counts n bytes of block data sent to the peer.
func (m *Metrics) RecordUpload(n int) {
	m.bytesUploaded.Add(int64(n))
	m.uploadSpeed.Mark(int64(n))
}

// RecordResponse adds the time between a request and its piece response.
func (m *Metrics) RecordResponse(d time.Duration) {
	m.responseTime.Update(d)
}

// BytesDownloaded returns the total block bytes received from the peer.
func (m *Metrics) BytesDownloaded() int64 { return m.bytesDownloaded.Load() }

// BytesUploaded returns the total block bytes sent to the peer.
func (m *Metrics) BytesUploaded() int64 { return m.bytesUploaded.Load() }

// Refresh takes a new snapshot of the rolling rates.
func (m *Metrics) Refresh() {
	r := Rates{
		DownloadRate:        m.downloadSpeed.Rate1(),
		UploadRate:          m.uploadSpeed.Rate1(),
		AverageResponseTime: time.Duration(m.responseTime.Mean()),
		Responses:           m.responseTime.Count(),
	}
	m.m.Lock()
	m.rates = r
	m.m.Unlock()
}

// Rates returns the snapshot taken by the last Refresh.
func (m *Metrics) Rates() Rates {
	m.m.Lock()
	defer m.m.Unlock()
	return m.rates
}

// Stop the meters. Metrics must not be used after Stop.
func (m *Metrics) Stop() {
	m.downloadSpeed.Stop()
	m.uploadSpeed.Stop()
	m.responseTime.Stop()
}
