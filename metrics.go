package relay

import (
	"sync/atomic"
	"time"

	"github.com/maxbolgarin/lang"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultSubsystem = "relay"

	metricsResultOK = "ok"
)

var (
	// TransferDurationBuckets are buckets for download and upload durations (0.1s to 30m).
	TransferDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800}
	// FileSizeBuckets are buckets for sizes of downloaded files (64KB to 2GB).
	FileSizeBuckets = prometheus.ExponentialBuckets(64<<10, 4, 9)
)

// MetricsConfig contains configuration of relay metrics. Metrics are disabled if Registry is nil.
type MetricsConfig struct {
	// Registry is used to register metrics.
	Registry prometheus.Registerer
	// Namespace is the namespace of metrics.
	Namespace string
	// Subsystem is the subsystem of metrics. Default: "relay".
	Subsystem string
	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels
}

// metrics holds Prometheus metrics of the relay. Nil or disabled metrics ignore all calls.
type metrics struct {
	MetricsConfig

	eventsTotal        *prometheus.CounterVec   // Inbound events by kind
	downloadsTotal     *prometheus.CounterVec   // Finished downloads by result
	downloadBytesTotal prometheus.Counter       // Downloaded bytes
	downloadSizeBytes  prometheus.Histogram     // Sizes of downloaded files
	downloadDuration   prometheus.Histogram     // Download durations
	uploadsTotal       *prometheus.CounterVec   // Finished uploads by mode and result
	uploadDuration     *prometheus.HistogramVec // Upload durations by mode
	transfersActive    prometheus.Gauge         // Running transfers
	transfersRejected  *prometheus.CounterVec   // Rejected transfers by reason
	sessionsCount      prometheus.Gauge         // Sessions in store
	panicsTotal        prometheus.Counter       // Recovered panics

	activeTransfers int64 // Atomic counter for running transfers
	disabled        bool
}

func newMetrics(config MetricsConfig) *metrics {
	if config.Registry == nil {
		return &metrics{disabled: true}
	}

	m := &metrics{MetricsConfig: config}

	m.eventsTotal = m.newCounter("events_total", "Total number of inbound events by kind", "kind")
	m.downloadsTotal = m.newCounter("downloads_total", "Total number of finished downloads by result", "result")
	m.downloadBytesTotal = m.newSimpleCounter("download_bytes_total", "Total number of downloaded bytes")
	m.downloadSizeBytes = m.newSimpleHistogram("download_size_bytes", "Sizes of downloaded files in bytes", FileSizeBuckets)
	m.downloadDuration = m.newSimpleHistogram("download_duration_seconds", "Download duration in seconds", TransferDurationBuckets)
	m.uploadsTotal = m.newCounter("uploads_total", "Total number of finished uploads by mode and result", "mode", "result")
	m.uploadDuration = m.newHistogram("upload_duration_seconds", "Upload duration in seconds by mode", TransferDurationBuckets, "mode")
	m.transfersActive = m.newSimpleGauge("transfers_active", "Number of running transfers")
	m.transfersRejected = m.newCounter("transfers_rejected_total", "Total number of rejected transfers by reason", "reason")
	m.sessionsCount = m.newSimpleGauge("sessions", "Number of sessions in store")
	m.panicsTotal = m.newSimpleCounter("panics_total", "Total number of recovered panics")

	return m
}

func (m *metrics) incEvent(kind EventKind) {
	if m == nil || m.disabled {
		return
	}
	m.eventsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *metrics) observeDownload(kind ErrorKind, size int64, d time.Duration) {
	if m == nil || m.disabled {
		return
	}
	m.downloadsTotal.WithLabelValues(resultLabel(kind)).Inc()
	if kind == "" {
		m.downloadBytesTotal.Add(float64(size))
		m.downloadSizeBytes.Observe(float64(size))
		m.downloadDuration.Observe(d.Seconds())
	}
}

func (m *metrics) observeUpload(mode UploadMode, kind ErrorKind) {
	if m == nil || m.disabled {
		return
	}
	m.uploadsTotal.WithLabelValues(lang.Check(mode.String(), "unknown"), resultLabel(kind)).Inc()
}

func (m *metrics) observeUploadDuration(mode UploadMode, d time.Duration) {
	if m == nil || m.disabled {
		return
	}
	m.uploadDuration.WithLabelValues(mode.String()).Observe(d.Seconds())
}

func (m *metrics) incActiveTransfers() {
	if m == nil || m.disabled {
		return
	}
	m.transfersActive.Set(float64(atomic.AddInt64(&m.activeTransfers, 1)))
}

func (m *metrics) decActiveTransfers() {
	if m == nil || m.disabled {
		return
	}
	m.transfersActive.Set(float64(max(atomic.AddInt64(&m.activeTransfers, -1), 0)))
}

func (m *metrics) incRejected(reason string) {
	if m == nil || m.disabled {
		return
	}
	m.transfersRejected.WithLabelValues(reason).Inc()
}

func (m *metrics) setSessions(n int) {
	if m == nil || m.disabled {
		return
	}
	m.sessionsCount.Set(float64(n))
}

func (m *metrics) incPanic() {
	if m == nil || m.disabled {
		return
	}
	m.panicsTotal.Inc()
}

func resultLabel(kind ErrorKind) string {
	return lang.Check(kind.String(), metricsResultOK)
}

func (m *metrics) newCounter(name, help string, labelNames ...string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.Namespace,
		Subsystem:   lang.Check(m.Subsystem, defaultSubsystem),
		Name:        name,
		Help:        help,
		ConstLabels: m.ConstLabels,
	}, labelNames)
	m.Registry.MustRegister(counter)
	return counter
}

func (m *metrics) newHistogram(name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.Namespace,
		Subsystem:   lang.Check(m.Subsystem, defaultSubsystem),
		Name:        name,
		Help:        help,
		ConstLabels: m.ConstLabels,
		Buckets:     buckets,
	}, labelNames)
	m.Registry.MustRegister(histogram)
	return histogram
}

func (m *metrics) newSimpleCounter(name, help string) prometheus.Counter {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   m.Namespace,
		Subsystem:   lang.Check(m.Subsystem, defaultSubsystem),
		Name:        name,
		Help:        help,
		ConstLabels: m.ConstLabels,
	})
	m.Registry.MustRegister(counter)
	return counter
}

func (m *metrics) newSimpleGauge(name, help string) prometheus.Gauge {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.Namespace,
		Subsystem:   lang.Check(m.Subsystem, defaultSubsystem),
		Name:        name,
		Help:        help,
		ConstLabels: m.ConstLabels,
	})
	m.Registry.MustRegister(gauge)
	return gauge
}

func (m *metrics) newSimpleHistogram(name, help string, buckets []float64) prometheus.Histogram {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.Namespace,
		Subsystem:   lang.Check(m.Subsystem, defaultSubsystem),
		Name:        name,
		Help:        help,
		ConstLabels: m.ConstLabels,
		Buckets:     buckets,
	})
	m.Registry.MustRegister(histogram)
	return histogram
}
