package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shogotsuneto/go-simple-messagestore/consumer"
)

// consumerMetrics implements consumer.Metrics using Prometheus.
type consumerMetrics struct {
	dispatchDuration *prometheus.HistogramVec
	messages         *prometheus.CounterVec
	position         *prometheus.GaugeVec
	readRetries      *prometheus.CounterVec
	checkpoints      *prometheus.CounterVec
}

// NewConsumerMetrics creates consumer metrics and registers them with reg.
func NewConsumerMetrics(reg prometheus.Registerer) consumer.Metrics {
	m := &consumerMetrics{
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messagestore_consumer_dispatch_duration_seconds",
			Help:    "Handler dispatch latency in seconds, including retries",
			Buckets: defaultBuckets,
		}, []string{"message_type", "live"}),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messagestore_consumer_messages_total",
			Help: "Total number of messages dispatched",
		}, []string{"message_type", "live", "success"}),

		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "messagestore_consumer_position",
			Help: "Global position of the last message handled",
		}, []string{"category"}),

		readRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messagestore_consumer_read_retries_total",
			Help: "Total number of retried category reads",
		}, []string{"category"}),

		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messagestore_consumer_checkpoints_total",
			Help: "Total number of position checkpoint writes",
		}, []string{"category", "success"}),
	}

	reg.MustRegister(
		m.dispatchDuration,
		m.messages,
		m.position,
		m.readRetries,
		m.checkpoints,
	)

	return m
}

func (m *consumerMetrics) DispatchDuration(messageType string, live bool) consumer.Timer {
	return newTimer(m.dispatchDuration.WithLabelValues(messageType, boolToStr(live)))
}

func (m *consumerMetrics) MessageProcessed(messageType string, live bool, success bool) {
	m.messages.WithLabelValues(messageType, boolToStr(live), boolToStr(success)).Inc()
}

func (m *consumerMetrics) Position(category string, position int64) {
	m.position.WithLabelValues(category).Set(float64(position))
}

func (m *consumerMetrics) ReadRetried(category string) {
	m.readRetries.WithLabelValues(category).Inc()
}

func (m *consumerMetrics) Checkpointed(category string, success bool) {
	m.checkpoints.WithLabelValues(category, boolToStr(success)).Inc()
}

var _ consumer.Metrics = (*consumerMetrics)(nil)
