package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
handler_timeout: 5s
instrumentation_enabled: true
async_queue_base: orders
async_priority_labels:
  normal: standard
pubsub_system: kafka
kafka_brokers:
  - localhost:9092
subscriptions:
  - event_type: order.placed
    handler: reserve_stock
    priority: 9
  - event_type: "*"
    handler: audit_log
    mode: async
    async_priority: low
`

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.HandlerTimeout)
	assert.True(t, cfg.InstrumentationEnabled)
	assert.Equal(t, "orders_standard", cfg.PriorityQueue("normal"))
	assert.Equal(t, "orders_high", cfg.PriorityQueue("high"), "defaults survive partial label overrides")
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	require.Len(t, cfg.Subscriptions, 2)
	assert.Equal(t, "reserve_stock", cfg.Subscriptions[0].Handler)
	assert.True(t, cfg.Subscriptions[1].CatchAll())
	assert.NoError(t, cfg.Validate())
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("handler_timeout: [nope"))
	assert.Error(t, err)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eventflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("EVENTFLOW_HANDLER_TIMEOUT", "750ms")
	t.Setenv("EVENTFLOW_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("EVENTFLOW_ASYNC_PRIORITY_LABELS", "critical:p0,low:p3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.HandlerTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "orders_p0", cfg.PriorityQueue("critical"))
	assert.Len(t, cfg.Subscriptions, 2, "subscriptions are not touched by env parsing")
	assert.Equal(t, "orders", cfg.QueueBase())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultHandlerTimeout, cfg.HandlerTimeout)
	assert.Equal(t, "channel", cfg.PubSubSystem)
	assert.Equal(t, "events_default", cfg.PriorityQueue("normal"))
}

func TestLoadValidates(t *testing.T) {
	t.Setenv("EVENTFLOW_PUBSUB_SYSTEM", "nats")
	_, err := Load("")
	assertErrorContains(t, err, "nats: URL is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvNil(t *testing.T) {
	assert.Error(t, ApplyEnv(nil))
}
