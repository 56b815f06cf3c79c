package runtime

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// PoisonMetrics tracks tasks the worker gave up on.
type PoisonMetrics struct {
	mu     sync.RWMutex
	queues map[string]*PoisonQueueMetrics

	tasksTotal   *prometheus.CounterVec
	attemptsHist *prometheus.HistogramVec
	ageHist      *prometheus.HistogramVec
}

// PoisonQueueMetrics holds the counters for tasks poisoned from one queue.
type PoisonQueueMetrics struct {
	TasksReceived uint64    `json:"tasks_received"`
	OldestTaskAt  time.Time `json:"oldest_task_at,omitempty"`
	NewestTaskAt  time.Time `json:"newest_task_at,omitempty"`
	AvgAttempts   float64   `json:"avg_attempts"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// PoisonMetricsSnapshot is a point-in-time view of PoisonMetrics.
type PoisonMetricsSnapshot struct {
	TotalTasks  uint64                         `json:"total_tasks"`
	Queues      map[string]*PoisonQueueMetrics `json:"queues"`
	CollectedAt time.Time                      `json:"collected_at"`
}

// NewPoisonMetrics registers the poison collectors on registerer, reusing
// collectors that are already registered.
func NewPoisonMetrics(registerer prometheus.Registerer) (*PoisonMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	total, err := registerCollector(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventflow",
		Subsystem: "poison",
		Name:      "tasks_total",
		Help:      "Tasks moved to the poison queue.",
	}, []string{"queue", "handler"}))
	if err != nil {
		return nil, err
	}
	attempts, err := registerCollector(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventflow",
		Subsystem: "poison",
		Name:      "task_attempts",
		Help:      "Delivery attempt recorded on the task when it was poisoned.",
		Buckets:   []float64{1, 2, 3, 5, 10, 20},
	}, []string{"queue"}))
	if err != nil {
		return nil, err
	}
	age, err := registerCollector(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventflow",
		Subsystem: "poison",
		Name:      "task_age_seconds",
		Help:      "Time between enqueue and poisoning.",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"queue"}))
	if err != nil {
		return nil, err
	}

	return &PoisonMetrics{
		queues:       make(map[string]*PoisonQueueMetrics),
		tasksTotal:   total,
		attemptsHist: attempts,
		ageHist:      age,
	}, nil
}

// Record counts one poisoned task.
func (m *PoisonMetrics) Record(queue, handler string, attempts int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	qm, ok := m.queues[queue]
	if !ok {
		qm = &PoisonQueueMetrics{OldestTaskAt: now}
		m.queues[queue] = qm
	}
	qm.TasksReceived++
	qm.NewestTaskAt = now
	qm.LastUpdatedAt = now
	qm.AvgAttempts += (float64(attempts) - qm.AvgAttempts) / float64(qm.TasksReceived)

	m.tasksTotal.WithLabelValues(queue, handler).Inc()
	m.attemptsHist.WithLabelValues(queue).Observe(float64(attempts))
	if age >= 0 {
		m.ageHist.WithLabelValues(queue).Observe(age.Seconds())
	}
}

// Snapshot copies the per-queue counters.
func (m *PoisonMetrics) Snapshot() PoisonMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := PoisonMetricsSnapshot{
		Queues:      make(map[string]*PoisonQueueMetrics, len(m.queues)),
		CollectedAt: time.Now(),
	}
	for queue, qm := range m.queues {
		copied := *qm
		snapshot.Queues[queue] = &copied
		snapshot.TotalTasks += qm.TasksReceived
	}
	return snapshot
}

// Reset clears the per-queue counters and the Prometheus series.
func (m *PoisonMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*PoisonQueueMetrics)
	m.tasksTotal.Reset()
	m.attemptsHist.Reset()
	m.ageHist.Reset()
}

// middleware sits just inside the poison queue middleware, so every error it
// sees is about to be poisoned.
func (m *PoisonMetrics) middleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		msgs, err := h(msg)
		if err != nil {
			md := metadatapkg.FromWatermill(msg.Metadata)
			age := time.Duration(-1)
			if at, ok := md.EnqueuedAt(); ok {
				age = time.Since(at)
			}
			m.Record(md[metadatapkg.KeyQueue], md[metadatapkg.KeyHandler], md.Attempt(), age)
		}
		return msgs, err
	}
}
