package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

type queuedTask struct {
	queue   string
	taskID  string
	payload map[string]any
	errMsg  string
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queuedTask
	retries  []queuedTask
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, queue, taskID string, payload map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, queuedTask{queue: queue, taskID: taskID, payload: payload})
	return nil
}

func (q *fakeQueue) EnqueueRetry(_ context.Context, handlerID string, payload map[string]any, errMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.retries = append(q.retries, queuedTask{queue: handlerID, payload: payload, errMsg: errMessage})
	return nil
}

func (q *fakeQueue) Enqueued() []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedTask(nil), q.enqueued...)
}

func (q *fakeQueue) Retries() []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedTask(nil), q.retries...)
}

type sinkEvent struct {
	name  string
	attrs Attributes
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) Emit(_ context.Context, name string, attrs Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{name: name, attrs: attrs})
}

func (s *recordingSink) Named(name string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, base: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: fields})
}

func (l *recordingLogger) Messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range *l.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

func testConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.HandlerTimeout = configpkg.DefaultHandlerTimeout
	return conf
}

// newTestDispatcher builds a dispatcher with a private Prometheus registry so
// tests never collide on the default registerer.
func newTestDispatcher(t *testing.T, conf *configpkg.Config, deps DispatcherDependencies) *Dispatcher {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	d, err := TryNewDispatcher(conf, loggingpkg.Nop(), deps)
	if err != nil {
		t.Fatalf("unexpected error creating dispatcher: %v", err)
	}
	return d
}

// recordOrder returns a handler appending label to a shared trace.
func recordOrder(mu *sync.Mutex, trace *[]string, label string) Handler {
	return HandlerFunc(func(context.Context, Event) error {
		mu.Lock()
		defer mu.Unlock()
		*trace = append(*trace, label)
		return nil
	})
}
