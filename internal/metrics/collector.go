// Package metrics exposes prometheus instrumentation for sessions, the
// render loop and the control plane.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups every voxmod metric. A nil *Collector is valid and
// records nothing.
type Collector struct {
	sessionsActive   prometheus.Gauge
	renderCycles     prometheus.Counter
	renderDuration   prometheus.Histogram
	processingFaults *prometheus.CounterVec
	shutdownTimeouts prometheus.Counter
	messages         *prometheus.CounterVec
	ttsRequests      *prometheus.CounterVec
}

// NewCollector registers the metrics on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected control sessions",
		}),
		renderCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_cycles_total",
			Help:      "Render cycles completed across all sessions",
		}),
		renderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Time spent rendering one frame",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05},
		}),
		processingFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_faults_total",
			Help:      "Effect stages bypassed after an internal error",
		}, []string{"stage"}),
		shutdownTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdown_timeouts_total",
			Help:      "Stops that exceeded their bound and forced teardown",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages handled, by type and outcome",
		}, []string{"type", "outcome"}),
		ttsRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_requests_total",
			Help:      "Speech synthesis requests, by outcome",
		}, []string{"outcome"}),
	}
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.sessionsActive.Inc()
	}
}

func (c *Collector) SessionClosed() {
	if c != nil {
		c.sessionsActive.Dec()
	}
}

func (c *Collector) ObserveRender(d time.Duration) {
	if c != nil {
		c.renderCycles.Inc()
		c.renderDuration.Observe(d.Seconds())
	}
}

func (c *Collector) IncFault(stage string) {
	if c != nil {
		c.processingFaults.WithLabelValues(stage).Inc()
	}
}

func (c *Collector) IncShutdownTimeout() {
	if c != nil {
		c.shutdownTimeouts.Inc()
	}
}

func (c *Collector) IncMessage(msgType, outcome string) {
	if c != nil {
		c.messages.WithLabelValues(msgType, outcome).Inc()
	}
}

func (c *Collector) IncTTS(outcome string) {
	if c != nil {
		c.ttsRequests.WithLabelValues(outcome).Inc()
	}
}
