package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the transfer-domain Prometheus collectors. Unlike a
// package-global promauto registration, each Metrics owns its own
// registry: cmd/xferctl builds one per Manager (and another for the serve
// command's debug server), and tests construct many Managers, each needing
// metrics that don't collide on re-registration.
type Metrics struct {
	registry *prometheus.Registry

	transfersStarted  *prometheus.CounterVec
	transfersFinished *prometheus.CounterVec
	activeTransfers   *prometheus.GaugeVec
	chunksSent        *prometheus.CounterVec
	chunksReceived    *prometheus.CounterVec
	bytesTransferred  *prometheus.CounterVec
	retriesIssued     *prometheus.CounterVec
	streamsReopened   *prometheus.CounterVec
	chunkLatency      *prometheus.HistogramVec
}

// NewMetrics builds a fresh set of collectors on their own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transfersStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulktransfer_transfers_started_total",
			Help: "Total number of transfers started, by direction.",
		}, []string{"direction"}),
		transfersFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulktransfer_transfers_finished_total",
			Help: "Total number of transfers finished, by direction and final status.",
		}, []string{"direction", "status"}),
		activeTransfers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bulktransfer_active_transfers",
			Help: "Number of transfers currently in flight, by direction.",
		}, []string{"direction"}),
		chunksSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulktransfer_chunks_sent_total",
			Help: "Total number of chunks sent, by direction.",
		}, []string{"direction"}),
		chunksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulktransfer_chunks_received_total",
			Help: "Total number of chunks received, by direction.",
		}, []string{"direction"}),
		bytesTransferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulktransfer_bytes_transferred_total",
			Help: "Total payload bytes transferred, by direction.",
		}, []string{"direction"}),
		retriesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulktransfer_retries_total",
			Help: "Total number of parameter-resend retries issued after a response timeout.",
		}, []string{"direction"}),
		streamsReopened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulktransfer_stream_reopens_total",
			Help: "Total number of times a stream was reopened after FAILED_PRECONDITION.",
		}, []string{"direction"}),
		chunkLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulktransfer_chunk_round_trip_seconds",
			Help:    "Time between sending a chunk and the scheduler processing the next event for that transfer.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"direction"}),
	}
}

// Registry exposes the underlying registry so a debug server can serve it
// over /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) TransferStarted(direction string) {
	m.transfersStarted.WithLabelValues(direction).Inc()
	m.activeTransfers.WithLabelValues(direction).Inc()
}

func (m *Metrics) TransferFinished(direction, status string) {
	m.transfersFinished.WithLabelValues(direction, status).Inc()
	m.activeTransfers.WithLabelValues(direction).Dec()
}

func (m *Metrics) ChunkSent(direction string) {
	m.chunksSent.WithLabelValues(direction).Inc()
}

func (m *Metrics) ChunkReceived(direction string) {
	m.chunksReceived.WithLabelValues(direction).Inc()
}

func (m *Metrics) BytesTransferred(direction string, n int) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RetryIssued(direction string) {
	m.retriesIssued.WithLabelValues(direction).Inc()
}

func (m *Metrics) StreamReopened(direction string) {
	m.streamsReopened.WithLabelValues(direction).Inc()
}

func (m *Metrics) ObserveChunkRoundTrip(direction string, seconds float64) {
	m.chunkLatency.WithLabelValues(direction).Observe(seconds)
}
