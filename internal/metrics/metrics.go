// Package metrics exports ingest events as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ftlbridge/pkg/ftl"
)

const namespace = "ftlbridge"

// Metrics holds all Prometheus metrics and implements ftl.Observer.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	Connections        prometheus.Counter
	ConnectionsClosed  *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
	AuthFailures       prometheus.Counter

	// Stream metrics
	ActiveStreams  prometheus.Gauge
	StreamsStarted prometheus.Counter
	StreamsEnded   prometheus.Counter

	// Packet metrics
	PacketsReceived  *prometheus.CounterVec
	BytesReceived    *prometheus.CounterVec
	PacketsLostTotal *prometheus.CounterVec
	PacketsMalformed prometheus.Counter
	NacksSentTotal   *prometheus.CounterVec
	KeyframesCached  prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open FTL control connections",
		}),
		Connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted FTL control connections",
		}),
		ConnectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total number of closed control connections by reason",
			},
			[]string{"reason"},
		),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of control connections",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3d
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of failed CONNECT attempts",
		}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of streams currently ingesting media",
		}),
		StreamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Total number of streams started",
		}),
		StreamsEnded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_ended_total",
			Help:      "Total number of streams ended",
		}),

		PacketsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rtp_packets_received_total",
				Help:      "Total number of RTP packets accepted",
			},
			[]string{"kind"}, // video or audio
		),
		BytesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rtp_bytes_received_total",
				Help:      "Total RTP bytes accepted, headers included",
			},
			[]string{"kind"},
		),
		PacketsLostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rtp_packets_lost_total",
				Help:      "Total number of RTP packets detected missing",
			},
			[]string{"kind"},
		),
		PacketsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_packets_malformed_total",
			Help:      "Total number of datagrams that failed RTP validation",
		}),
		NacksSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nacks_sent_total",
				Help:      "Total number of sequence numbers requested for retransmission",
			},
			[]string{"kind"},
		),
		KeyframesCached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyframes_cached_total",
			Help:      "Total number of complete keyframes cached",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	m.Connections.Inc()
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed(reason string, lifetime time.Duration) {
	m.ActiveConnections.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
	m.ConnectionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) AuthenticationFailed() {
	m.AuthFailures.Inc()
}

func (m *Metrics) StreamStarted(ftl.ChannelID) {
	m.StreamsStarted.Inc()
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamEnded(ftl.ChannelID) {
	m.StreamsEnded.Inc()
	m.ActiveStreams.Dec()
}

func (m *Metrics) PacketReceived(kind ftl.TrackKind, bytes int) {
	label := kind.String()
	m.PacketsReceived.WithLabelValues(label).Inc()
	m.BytesReceived.WithLabelValues(label).Add(float64(bytes))
}

func (m *Metrics) PacketsLost(kind ftl.TrackKind, n int) {
	m.PacketsLostTotal.WithLabelValues(kind.String()).Add(float64(n))
}

func (m *Metrics) PacketMalformed() {
	m.PacketsMalformed.Inc()
}

func (m *Metrics) NacksSent(kind ftl.TrackKind, n int) {
	m.NacksSentTotal.WithLabelValues(kind.String()).Add(float64(n))
}

func (m *Metrics) KeyframeCached(ftl.ChannelID) {
	m.KeyframesCached.Inc()
}
