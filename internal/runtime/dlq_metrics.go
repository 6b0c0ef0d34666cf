package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks messages moved to the dead-letter topic.
type DLQMetrics struct {
	mu sync.RWMutex

	topicCounts map[string]*DLQTopicMetrics

	messagesTotal  *prometheus.CounterVec
	ageSecondsHist *prometheus.HistogramVec
	retryCountHist *prometheus.HistogramVec
}

// DLQTopicMetrics holds the dead-letter counts of one original topic.
type DLQTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastError        string    `json:"last_error,omitempty"`
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TopicMetrics  map[string]*DLQTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

func newDLQHistogramVec(name, help string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcflow",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		[]string{"topic"},
	)
}

// NewDLQMetrics creates the dead-letter collectors and registers them with reg.
func NewDLQMetrics(reg prometheus.Registerer) *DLQMetrics {
	return &DLQMetrics{
		topicCounts: make(map[string]*DLQTopicMetrics),
		messagesTotal: registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "svcflow",
			Subsystem: "dlq",
			Name:      "messages_total",
			Help:      "Messages sent to the dead letter topic",
		}, []string{"topic", "entrypoint"})),
		ageSecondsHist: registerCollector(reg, newDLQHistogramVec("message_age_seconds",
			"Time between the first failed attempt and dead-lettering", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600})),
		retryCountHist: registerCollector(reg, newDLQHistogramVec("retry_count",
			"Failed attempts before a message was dead-lettered", []float64{1, 2, 3, 5, 10, 20})),
	}
}

// RecordMessageToDLQ records a message being dead-lettered.
func (m *DLQMetrics) RecordMessageToDLQ(topic, entrypoint string, attempts int, age time.Duration, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	metrics, ok := m.topicCounts[topic]
	if !ok {
		metrics = &DLQTopicMetrics{OldestMessageAt: now}
		m.topicCounts[topic] = metrics
	}
	metrics.MessagesReceived++
	metrics.NewestMessageAt = now
	total := float64(metrics.MessagesReceived)
	metrics.AvgRetryCount = (metrics.AvgRetryCount*(total-1) + float64(attempts)) / total
	if cause != nil {
		metrics.LastError = cause.Error()
	}

	m.messagesTotal.WithLabelValues(topic, entrypoint).Inc()
	m.ageSecondsHist.WithLabelValues(topic).Observe(age.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(attempts))
}

// GetSnapshot returns a copy of the per-topic counts.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		TopicMetrics: make(map[string]*DLQTopicMetrics, len(m.topicCounts)),
		CollectedAt:  time.Now().UTC(),
	}
	for topic, metrics := range m.topicCounts {
		c := *metrics
		snapshot.TopicMetrics[topic] = &c
		snapshot.TotalMessages += metrics.MessagesReceived
	}
	return snapshot
}
