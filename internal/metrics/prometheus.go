package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush results
const (
	FlushWritten = "written"
	FlushFailed  = "failed"
	FlushSkipped = "skipped"
	FlushPartial = "partial" // stored by some sinks only
)

// Metrics contains all Prometheus metrics for the USRP recorder
type Metrics struct {
	// UDP datagram metrics
	DatagramsReceived prometheus.Counter
	ShortReads        prometheus.Counter
	DecodeErrors      prometheus.Counter
	BadMagic          prometheus.Counter
	FramesByType      *prometheus.CounterVec

	// Transmission metrics
	TransmissionsStarted prometheus.Counter
	TransmissionDuration prometheus.Histogram
	CurrentAudioBytes    prometheus.Gauge

	// Storage metrics
	Flushes      *prometheus.CounterVec
	FlushedBytes prometheus.Histogram
	QueueSize    prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// New creates all metrics and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP datagram metrics
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "usrp_datagrams_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		ShortReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "usrp_short_reads_total",
			Help: "Total number of datagrams too small to hold a magic",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "usrp_decode_errors_total",
			Help: "Total number of datagrams dropped by the frame decoder",
		}),
		BadMagic: factory.NewCounter(prometheus.CounterOpts{
			Name: "usrp_bad_magic_total",
			Help: "Total number of frames processed despite a non-USRP magic",
		}),
		FramesByType: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usrp_frames_total",
			Help: "Total number of decoded frames by type",
		}, []string{"type"}),

		// Transmission metrics
		TransmissionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "usrp_transmissions_started_total",
			Help: "Total number of transmissions started",
		}),
		TransmissionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "usrp_transmission_duration_seconds",
			Help:    "Duration of ended transmissions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		CurrentAudioBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "usrp_current_audio_bytes",
			Help: "Audio bytes accumulated by the current transmission",
		}),

		// Storage metrics
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usrp_flushes_total",
			Help: "Total number of flushed transmissions by result",
		}, []string{"result"}),
		FlushedBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "usrp_flushed_bytes",
			Help:    "Audio size of flushed transmissions in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~8MB
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "usrp_storage_queue_size",
			Help: "Current number of flushes waiting in the storage queue",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usrp_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usrp_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usrp_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDatagram increments the datagrams received counter
func (m *Metrics) RecordDatagram() {
	m.DatagramsReceived.Inc()
}

// RecordShortRead increments the short reads counter
func (m *Metrics) RecordShortRead() {
	m.ShortReads.Inc()
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordBadMagic increments the bad magic counter
func (m *Metrics) RecordBadMagic() {
	m.BadMagic.Inc()
}

// RecordFrame counts a decoded frame by its type name
func (m *Metrics) RecordFrame(frameType string) {
	m.FramesByType.WithLabelValues(frameType).Inc()
}

// RecordTransmissionStarted increments the transmissions started counter
func (m *Metrics) RecordTransmissionStarted() {
	m.TransmissionsStarted.Inc()
}

// RecordTransmissionEnded records the duration of an ended transmission
func (m *Metrics) RecordTransmissionEnded(durationSeconds float64) {
	m.TransmissionDuration.Observe(durationSeconds)
}

// SetCurrentAudioBytes sets the size of the in-progress audio buffer
func (m *Metrics) SetCurrentAudioBytes(n int) {
	m.CurrentAudioBytes.Set(float64(n))
}

// RecordFlush records the outcome of storing a transmission
func (m *Metrics) RecordFlush(result string, sizeBytes int) {
	m.Flushes.WithLabelValues(result).Inc()
	if result == FlushWritten || result == FlushPartial {
		m.FlushedBytes.Observe(float64(sizeBytes))
	}
}

// SetQueueSize sets the current storage queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
