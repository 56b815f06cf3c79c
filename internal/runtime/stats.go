package runtime

import (
	"context"
	"errors"
	"math"
	"runtime"
	"runtime/metrics"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	jsoncodecpkg "github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
	cpuSecondsMetric     = "/cpu/classes/total:cpu-seconds"
)

// HandlerStats aggregates the outcomes of one registration, whether it ran
// in-line or through the worker.
type HandlerStats struct {
	mu sync.Mutex `json:"-"`

	Invocations         uint64    `json:"invocations"`
	Failures            uint64    `json:"failures"`
	Enqueued            uint64    `json:"enqueued"`
	EnqueueFailures     uint64    `json:"enqueue_failures"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastInvokedAt       time.Time `json:"last_invoked_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`
	Queue      *QueueHealth      `json:"queue,omitempty"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
}

// HandlerInfo describes a registration for the inspect API.
type HandlerInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	EventType     string        `json:"event_type"`
	Priority      int           `json:"priority"`
	Mode          ExecutionMode `json:"mode"`
	AsyncPriority AsyncPriority `json:"async_priority,omitempty"`
	ErrorStrategy ErrorStrategy `json:"error_strategy"`
	Queue         string        `json:"queue,omitempty"`
	Stats         *HandlerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS          float64 `json:"current_rps"`
	WindowSeconds       float64 `json:"window_seconds"`
	InvocationsInWindow uint64  `json:"invocations_in_window"`
	TotalInvocations    uint64  `json:"total_invocations"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Timeout    uint64 `json:"timeout"`
	Panic      uint64 `json:"panic"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

// QueueHealth tracks the task queue an async or retrying handler depends on.
type QueueHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	QueueStatusUnknown  = "unknown"
	QueueStatusHealthy  = "healthy"
	QueueStatusDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryPanic      ErrorCategory = "panic"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets handler failures for HandlerStats.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats(queue string, sampler *resourceTracker) *HandlerStats {
	stats := &HandlerStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog:          BacklogMetrics{EstimatedLagMillis: -1},
	}
	if queue != "" {
		stats.Queue = &QueueHealth{Name: queue, Status: QueueStatusUnknown}
	}
	return stats
}

func (h *HandlerStats) onStart() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight++
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}
}

// onFinish records one invocation. lagMillis is negative when unknown.
func (h *HandlerStats) onFinish(duration time.Duration, lagMillis int64, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if lagMillis >= 0 {
		h.Backlog.EstimatedLagMillis = lagMillis
	}

	h.Invocations++
	if err != nil {
		h.Failures++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastInvokedAt = time.Now().UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		snapshot := h.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		snapshot.AverageNs = h.TotalProcessingTime / int64(h.Invocations)
		h.Latency = snapshot
	}

	if h.throughputWindow != nil {
		snapshot := h.throughputWindow.AddAndSnapshot(time.Now())
		h.Throughput.CurrentRPS = snapshot.CurrentRPS
		h.Throughput.WindowSeconds = snapshot.WindowSeconds
		h.Throughput.InvocationsInWindow = uint64(snapshot.Count)
	}
	h.Throughput.TotalInvocations = h.Invocations

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.Errors.Record(classifier(err), err)

	if h.resourceSampler != nil {
		h.Resource = h.resourceSampler.Snapshot()
	}
}

// onEnqueue records a task submission and the health of the queue it went to.
func (h *HandlerStats) onEnqueue(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		h.EnqueueFailures++
		h.Errors.Record(ErrorCategoryTransport, err)
	} else {
		h.Enqueued++
	}
	if h.Queue == nil {
		return
	}
	h.Queue.LastChecked = time.Now().UTC()
	if err != nil {
		h.Queue.Status = QueueStatusDegraded
		h.Queue.Details = err.Error()
		return
	}
	h.Queue.Status = QueueStatusHealthy
	h.Queue.Details = ""
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return jsoncodecpkg.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTimeout:
		e.Timeout++
	case ErrorCategoryPanic:
		e.Panic++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errspkg.IsInvalidEvent(err):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrHandlerTimeout):
		return ErrorCategoryTimeout
	case errors.Is(err, errspkg.ErrHandlerPanicked):
		return ErrorCategoryPanic
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var m LatencyMetrics
	if lw == nil {
		return m
	}
	m.LastNs = lw.last
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)

	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.AverageNs = sum / int64(len(samples))
	return m
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}

// resourceTracker samples coarse process CPU and memory usage for stats snapshots.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64

	now := time.Now()
	var cpuPercent float64
	if haveCPU {
		cpuSeconds := sample.Value.Float64()
		if !r.lastSample.IsZero() {
			deltaWall := now.Sub(r.lastSample).Seconds()
			if deltaWall > 0 && r.numCPU > 0 {
				cpuPercent = ((cpuSeconds - r.lastCPUSeconds) / deltaWall) / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}
