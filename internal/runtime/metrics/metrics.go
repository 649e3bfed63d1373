package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Session close outcomes.
const (
	OutcomeStopped = "stopped"
	OutcomeFailed  = "failed"
)

// StreamMetrics tracks streaming session and one-shot operation statistics.
// A nil *StreamMetrics is valid and records nothing.
type StreamMetrics struct {
	mu sync.RWMutex

	queueCounts map[string]*QueueStats
	started     uint64
	active      int64

	// Prometheus collectors
	sessionsStarted   *prometheus.CounterVec
	sessionsClosed    *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	messagesDelivered *prometheus.CounterVec
	messageErrors     *prometheus.CounterVec
	setupSeconds      *prometheus.HistogramVec
	oneShotTotal      *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// QueueStats holds streaming counters for one vhost/queue pair.
type QueueStats struct {
	Vhost             string    `json:"vhost"`
	Queue             string    `json:"queue"`
	MessagesDelivered uint64    `json:"messages_delivered"`
	MessageErrors     uint64    `json:"message_errors"`
	LastMessageAt     time.Time `json:"last_message_at,omitempty"`
}

// Snapshot provides a point-in-time view of the stream metrics.
type Snapshot struct {
	SessionsStarted uint64                 `json:"sessions_started"`
	SessionsActive  int64                  `json:"sessions_active"`
	Queues          map[string]*QueueStats `json:"queues"`
	CollectedAt     time.Time              `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rabbitscope",
			Subsystem: "stream",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rabbitscope",
			Subsystem: "stream",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewStreamMetrics creates a new collector set. A nil registerer selects the
// Prometheus default registerer.
func NewStreamMetrics(registerer prometheus.Registerer) *StreamMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StreamMetrics{
		queueCounts:       make(map[string]*QueueStats),
		registerer:        registerer,
		sessionsStarted:   newCounterVec("sessions_started_total", "Total number of streaming sessions started", []string{"vhost"}),
		sessionsClosed:    newCounterVec("sessions_closed_total", "Total number of streaming sessions closed, by outcome", []string{"outcome"}),
		messagesDelivered: newCounterVec("messages_delivered_total", "Total number of messages handed to stream clients", []string{"vhost", "queue"}),
		messageErrors:     newCounterVec("message_errors_total", "Total number of per-message processing errors", []string{"vhost", "queue"}),
		oneShotTotal:      newCounterVec("oneshot_operations_total", "Total number of one-shot broker operations, by operation and outcome", []string{"operation", "outcome"}),
		setupSeconds:      newHistogramVec("setup_duration_seconds", "Time from session start to consuming or failure", []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}, []string{"outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rabbitscope",
			Subsystem: "stream",
			Name:      "sessions_active",
			Help:      "Current number of live streaming sessions",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *StreamMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.sessionsStarted,
		m.sessionsClosed,
		m.sessionsActive,
		m.messagesDelivered,
		m.messageErrors,
		m.setupSeconds,
		m.oneShotTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// SessionStarted records a new session entering the registry.
func (m *StreamMetrics) SessionStarted(vhost string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started++
	m.active++
	m.sessionsStarted.WithLabelValues(vhost).Inc()
	m.sessionsActive.Set(float64(m.active))
}

// SessionClosed records a session leaving the registry.
func (m *StreamMetrics) SessionClosed(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active > 0 {
		m.active--
	}
	m.sessionsClosed.WithLabelValues(outcome).Inc()
	m.sessionsActive.Set(float64(m.active))
}

// SetupFinished observes how long session setup took.
func (m *StreamMetrics) SetupFinished(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.setupSeconds.WithLabelValues(outcome).Observe(took.Seconds())
}

// MessageDelivered records one message handed to a stream client.
func (m *StreamMetrics) MessageDelivered(vhost, queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateQueueStats(vhost, queue)
	stats.MessagesDelivered++
	stats.LastMessageAt = time.Now()
	m.messagesDelivered.WithLabelValues(vhost, queue).Inc()
}

// MessageFailed records a per-message processing error.
func (m *StreamMetrics) MessageFailed(vhost, queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateQueueStats(vhost, queue).MessageErrors++
	m.messageErrors.WithLabelValues(vhost, queue).Inc()
}

// OneShot records the outcome of a consume, browse, publish or validate call.
func (m *StreamMetrics) OneShot(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.oneShotTotal.WithLabelValues(operation, outcome).Inc()
}

// GetSnapshot returns a point-in-time snapshot of the stream metrics.
func (m *StreamMetrics) GetSnapshot() Snapshot {
	snapshot := Snapshot{
		Queues:      make(map[string]*QueueStats),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot.SessionsStarted = m.started
	snapshot.SessionsActive = m.active
	for key, stats := range m.queueCounts {
		statsCopy := *stats
		snapshot.Queues[key] = &statsCopy
	}
	return snapshot
}

func (m *StreamMetrics) getOrCreateQueueStats(vhost, queue string) *QueueStats {
	key := vhost + "|" + queue
	if stats, ok := m.queueCounts[key]; ok {
		return stats
	}
	stats := &QueueStats{Vhost: vhost, Queue: queue}
	m.queueCounts[key] = stats
	return stats
}

// Reset resets all metrics (useful for testing).
func (m *StreamMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queueCounts = make(map[string]*QueueStats)
	m.started = 0
	m.active = 0
	m.sessionsStarted.Reset()
	m.sessionsClosed.Reset()
	m.sessionsActive.Set(0)
	m.messagesDelivered.Reset()
	m.messageErrors.Reset()
	m.setupSeconds.Reset()
	m.oneShotTotal.Reset()
}
