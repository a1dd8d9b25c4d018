package messenger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "privcomm"

// Metrics holds the messenger collectors. A nil *Metrics records nothing.
type Metrics struct {
	sent     prometheus.Counter
	dropped  prometheus.Counter
	received prometheus.Counter
	failures *prometheus.CounterVec
	delay    prometheus.Histogram
}

// NewMetrics registers the messenger collectors on reg. Collectors already
// registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport and delivered.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Messages lost by the simulated transport.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Envelopes decrypted and accepted by a receiver.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failures_total",
			Help:      "Send and receive failures by operation and reason.",
		}, []string{"operation", "reason"}),
		delay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "transmission_delay_seconds",
			Help:      "Simulated network delay applied to delivered messages.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.5},
		}),
	}

	var err error
	if m.sent, err = registerCollector(reg, m.sent); err != nil {
		return nil, err
	}
	if m.dropped, err = registerCollector(reg, m.dropped); err != nil {
		return nil, err
	}
	if m.received, err = registerCollector(reg, m.received); err != nil {
		return nil, err
	}
	if m.failures, err = registerCollector(reg, m.failures); err != nil {
		return nil, err
	}
	if m.delay, err = registerCollector(reg, m.delay); err != nil {
		return nil, err
	}
	return m, nil
}

func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) recordSent(delaySeconds float64) {
	if m == nil {
		return
	}
	m.sent.Inc()
	m.delay.Observe(delaySeconds)
}

func (m *Metrics) recordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) recordReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) recordFailure(operation, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, reason).Inc()
}
