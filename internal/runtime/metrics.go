package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the collectors below.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeAck         = "ack"
	OutcomeNack        = "nack"
	OutcomeDecodeError = "decode_error"
	OutcomeUnroutable  = "unroutable"
	OutcomeCreated     = "created"
	OutcomeRejected    = "rejected"
	OutcomeCompensated = "compensated"
)

// Metrics tracks publish, submission and consumption statistics. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.RWMutex

	routingKeys          map[string]*RoutingKeyMetrics
	connectFailureCount  uint64
	compensationFailures uint64
	ordersCreated        uint64
	ordersCompensated    uint64

	publishAttempts     *prometheus.CounterVec
	publishFailures     *prometheus.CounterVec
	publishDuration     *prometheus.HistogramVec
	connectFailures     prometheus.Counter
	ordersSubmitted     *prometheus.CounterVec
	compensationsFailed prometheus.Counter
	messagesConsumed    *prometheus.CounterVec
	handlerDuration     *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// RoutingKeyMetrics holds the in-process counters for one routing key.
type RoutingKeyMetrics struct {
	PublishAttempts uint64    `json:"publish_attempts"`
	Published       uint64    `json:"published"`
	PublishFailures uint64    `json:"publish_failures"`
	Acked           uint64    `json:"acked"`
	Nacked          uint64    `json:"nacked"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// MetricsSnapshot provides a point-in-time view of the counters.
type MetricsSnapshot struct {
	ConnectFailures      uint64                        `json:"connect_failures"`
	CompensationFailures uint64                        `json:"compensation_failures"`
	OrdersCreated        uint64                        `json:"orders_created"`
	OrdersCompensated    uint64                        `json:"orders_compensated"`
	RoutingKeys          map[string]*RoutingKeyMetrics `json:"routing_keys"`
	CollectedAt          time.Time                     `json:"collected_at"`
}

var durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orderflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   durationBuckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer means the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		routingKeys:     make(map[string]*RoutingKeyMetrics),
		registerer:      registerer,
		publishAttempts: newCounterVec("publisher", "attempts_total", "Publish attempts by routing key and outcome", []string{"routing_key", "outcome"}),
		publishFailures: newCounterVec("publisher", "failures_total", "Publishes that exhausted every attempt", []string{"routing_key"}),
		publishDuration: newHistogramVec("publisher", "duration_seconds", "Time spent in a publish call, retries included", []string{"routing_key"}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "broker",
			Name:      "connect_failures_total",
			Help:      "Failed broker connection attempts",
		}),
		ordersSubmitted: newCounterVec("pipeline", "orders_total", "Order submissions by outcome", []string{"outcome"}),
		compensationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "pipeline",
			Name:      "compensation_failures_total",
			Help:      "Orders that could be neither announced nor removed",
		}),
		messagesConsumed: newCounterVec("consumer", "messages_total", "Consumed messages by queue and outcome", []string{"queue", "outcome"}),
		handlerDuration:  newHistogramVec("consumer", "handler_duration_seconds", "Handler execution time", []string{"routing_key"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishAttempts,
		m.publishFailures,
		m.publishDuration,
		m.connectFailures,
		m.ordersSubmitted,
		m.compensationsFailed,
		m.messagesConsumed,
		m.handlerDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublishAttempt counts one send.
func (m *Metrics) RecordPublishAttempt(routingKey string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateRoutingKey(routingKey)
	metrics.PublishAttempts++
	metrics.LastUpdatedAt = time.Now()
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	} else {
		metrics.Published++
	}
	m.publishAttempts.WithLabelValues(routingKey, outcome).Inc()
}

// RecordPublish records the end of a publish call.
func (m *Metrics) RecordPublish(routingKey string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.getOrCreateRoutingKey(routingKey).PublishFailures++
		m.publishFailures.WithLabelValues(routingKey).Inc()
	}
	m.publishDuration.WithLabelValues(routingKey).Observe(elapsed.Seconds())
}

// RecordConnectFailure counts a failed acquire attempt.
func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectFailureCount++
	m.connectFailures.Inc()
}

// RecordSubmission counts a pipeline run by outcome.
func (m *Metrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch outcome {
	case OutcomeCreated:
		m.ordersCreated++
	case OutcomeCompensated:
		m.ordersCompensated++
	}
	m.ordersSubmitted.WithLabelValues(outcome).Inc()
}

// RecordCompensationFailure counts an order left behind after a failed publish.
func (m *Metrics) RecordCompensationFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensationFailures++
	m.compensationsFailed.Inc()
}

// RecordConsumed counts a settled delivery.
func (m *Metrics) RecordConsumed(queue, routingKey, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateRoutingKey(routingKey)
	if outcome == OutcomeAck {
		metrics.Acked++
	} else {
		metrics.Nacked++
	}
	metrics.LastUpdatedAt = time.Now()
	m.messagesConsumed.WithLabelValues(queue, outcome).Inc()
}

// ObserveHandler records handler execution time.
func (m *Metrics) ObserveHandler(routingKey string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(routingKey).Observe(elapsed.Seconds())
}

// Snapshot returns a point-in-time copy of the in-process counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		RoutingKeys: make(map[string]*RoutingKeyMetrics),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, metrics := range m.routingKeys {
		metricsCopy := *metrics
		snapshot.RoutingKeys[key] = &metricsCopy
	}
	snapshot.ConnectFailures = m.connectFailureCount
	snapshot.CompensationFailures = m.compensationFailures
	snapshot.OrdersCreated = m.ordersCreated
	snapshot.OrdersCompensated = m.ordersCompensated
	return snapshot
}

func (m *Metrics) getOrCreateRoutingKey(routingKey string) *RoutingKeyMetrics {
	if metrics, ok := m.routingKeys[routingKey]; ok {
		return metrics
	}
	metrics := &RoutingKeyMetrics{}
	m.routingKeys[routingKey] = metrics
	return metrics
}
