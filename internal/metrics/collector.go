// Package metrics exposes bridge counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Audio directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Collector holds the bridge metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	sessionsStarted  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	audioChunks      *prometheus.CounterVec
	audioConversion  *prometheus.HistogramVec
	envelopes        *prometheus.CounterVec
	handoffs         *prometheus.CounterVec
	dataPoints       *prometheus.CounterVec
	errors           *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	archiveWrites    *prometheus.CounterVec
	leadPushes       *prometheus.CounterVec
	callLegsAccepted prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the bridge metrics with reg
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.sessionsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Total number of bridged sessions started",
	})

	c.sessionsEnded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended",
		},
		[]string{"reason"},
	)

	c.activeSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live sessions",
	})

	c.audioChunks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks relayed",
		},
		[]string{"direction"},
	)

	c.audioConversion = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_conversion_duration_seconds",
			Help:      "Time spent converting one audio chunk",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"direction"},
	)

	c.envelopes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Backend envelopes by type and direction",
		},
		[]string{"type", "direction"},
	)

	c.handoffs = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_handoffs_total",
			Help:      "Agent handoffs by receiving agent",
		},
		[]string{"to"},
	)

	c.dataPoints = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_points_total",
			Help:      "Collected data points by type",
		},
		[]string{"type"},
	)

	c.errors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind",
		},
		[]string{"kind"},
	)

	c.reconnects = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_reconnects_total",
			Help:      "Backend reconnect outcomes",
		},
		[]string{"outcome"}, // outcome: success, exhausted
	)

	c.archiveWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Ended sessions written to the archive",
		},
		[]string{"status"},
	)

	c.leadPushes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lead_pushes_total",
			Help:      "Leads pushed to the lead-management service",
		},
		[]string{"status"},
	)

	c.callLegsAccepted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "call_legs_accepted_total",
		Help:      "Call-leg websocket connections accepted",
	})

	c.logger.Debug("Metrics collector initialized", zap.String("namespace", namespace))
	return c
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Inc()
	c.activeSessions.Inc()
}

func (c *Collector) SessionEnded(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
	c.activeSessions.Dec()
}

// AudioChunk records one relayed chunk and how long its conversion took.
func (c *Collector) AudioChunk(direction string, conversion time.Duration) {
	if c == nil {
		return
	}
	c.audioChunks.WithLabelValues(direction).Inc()
	c.audioConversion.WithLabelValues(direction).Observe(conversion.Seconds())
}

func (c *Collector) Envelope(msgType, direction string) {
	if c == nil {
		return
	}
	c.envelopes.WithLabelValues(msgType, direction).Inc()
}

func (c *Collector) Handoff(to string) {
	if c == nil {
		return
	}
	c.handoffs.WithLabelValues(to).Inc()
}

func (c *Collector) DataPoint(pointType string) {
	if c == nil {
		return
	}
	c.dataPoints.WithLabelValues(pointType).Inc()
}

// Error counts one error; kind is a short label such as "protocol" or "not_connected".
func (c *Collector) Error(kind string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(kind).Inc()
}

func (c *Collector) Reconnect(outcome string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(outcome).Inc()
}

func (c *Collector) ArchiveWrite(err error) {
	if c == nil {
		return
	}
	c.archiveWrites.WithLabelValues(status(err)).Inc()
}

func (c *Collector) LeadPush(err error) {
	if c == nil {
		return
	}
	c.leadPushes.WithLabelValues(status(err)).Inc()
}

func (c *Collector) CallLegAccepted() {
	if c == nil {
		return
	}
	c.callLegsAccepted.Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
