// Package metrics exposes pipeline counters to Prometheus. Collectors live on
// a private registry so several instances can coexist in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robot-voice-lab/internal/capture"
)

const namespace = "voicecapture"

// Metrics implements capture.Stats.
type Metrics struct {
	reg *prometheus.Registry

	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	segments        *prometheus.CounterVec
	emptyFinalized  *prometheus.CounterVec
	segmentBytes    prometheus.Histogram
	segmentDuration prometheus.Histogram
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	ingressSessions prometheus.Gauge
}

// New creates the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames accepted by the VAD state machine.",
		}, []string{"channel", "marker"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames rejected before reaching the state machine.",
		}, []string{"reason"}),
		segments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_finalized_total",
			Help:      "Non-empty segments handed to the emitter.",
		}, []string{"channel", "trigger"}),
		emptyFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_finalizations_total",
			Help:      "Finalizations that found an empty buffer and emitted nothing.",
		}, []string{"channel", "trigger"}),
		segmentBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_size_bytes",
			Help:      "Size of finalized segments.",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 12),
		}),
		segmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Audio duration of finalized segments.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Segment delivery attempts by outcome.",
		}, []string{"channel", "outcome"}),
		deliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one segment.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ingressSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingress_sessions",
			Help:      "Open frame ingress connections.",
		}),
	}
}

func channelLabel(id int) string { return strconv.Itoa(id) }

func (m *Metrics) FrameReceived(channelID int, mk capture.Marker) {
	m.framesReceived.WithLabelValues(channelLabel(channelID), mk.String()).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SegmentFinalized(seg capture.Segment) {
	m.segments.WithLabelValues(channelLabel(seg.ChannelID), string(seg.Trigger)).Inc()
	m.segmentBytes.Observe(float64(len(seg.Audio)))
	m.segmentDuration.Observe(seg.Duration().Seconds())
}

func (m *Metrics) EmptyFinalization(channelID int, t capture.Trigger) {
	m.emptyFinalized.WithLabelValues(channelLabel(channelID), string(t)).Inc()
}

func (m *Metrics) DeliveryDone(seg capture.Segment, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(channelLabel(seg.ChannelID), outcome).Inc()
	m.deliveryLatency.Observe(elapsed.Seconds())
}

// SessionOpened and SessionClosed track ingress connections.
func (m *Metrics) SessionOpened() { m.ingressSessions.Inc() }
func (m *Metrics) SessionClosed() { m.ingressSessions.Dec() }

// ObserveRegistry exports channel and recording counts read from reg at
// scrape time.
func (m *Metrics) ObserveRegistry(reg *capture.Registry) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels",
		Help:      "Channels known to the registry.",
	}, func() float64 { return float64(reg.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels_recording",
		Help:      "Channels currently inside an utterance.",
	}, func() float64 {
		n := 0
		for _, info := range reg.Snapshot() {
			if info.Recording {
				n++
			}
		}
		return float64(n)
	})
}

// ObservePending exports the number of segments waiting for delivery.
func (m *Metrics) ObservePending(pending func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deliveries_pending",
		Help:      "Segments queued and not yet handed to the sink.",
	}, func() float64 { return float64(pending()) })
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

var _ capture.Stats = (*Metrics)(nil)
