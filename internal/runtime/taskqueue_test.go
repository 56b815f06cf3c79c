package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(string, ...*message.Message) error { return p.err }
func (failingPublisher) Close() error                                 { return nil }

func newGoChannel(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	return pubsub
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task")
		return nil
	}
}

func TestNewWatermillQueueRequiresPublisher(t *testing.T) {
	_, err := NewWatermillQueue(nil, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
}

func TestWatermillQueueEnqueue(t *testing.T) {
	pubsub := newGoChannel(t)
	conf := testConfig()
	queue, err := NewWatermillQueue(pubsub, conf, nil)
	require.NoError(t, err)

	ch, err := pubsub.Subscribe(context.Background(), "events_default")
	require.NoError(t, err)

	env := envelopepkg.New("mailer", "user.signed_up", "user-7", map[string]any{"email": "a@example.com"})
	ctx := WithCorrelationID(context.Background(), "corr-1")
	require.NoError(t, queue.Enqueue(ctx, "events_default", env.ID, env.ToMap()))

	msg := receive(t, ch)
	assert.Equal(t, env.ID, msg.UUID)

	md := metadatapkg.FromWatermill(msg.Metadata)
	assert.Equal(t, "mailer", md[metadatapkg.KeyHandler])
	assert.Equal(t, "user.signed_up", md[metadatapkg.KeyEventType])
	assert.Equal(t, "user-7", md[metadatapkg.KeyPartitionKey])
	assert.Equal(t, "events_default", md[metadatapkg.KeyQueue])
	assert.Equal(t, "corr-1", md[metadatapkg.KeyCorrelationID])
	assert.Equal(t, 1, md.Attempt())
	_, ok := md.EnqueuedAt()
	assert.True(t, ok)

	decoded, err := envelopepkg.Unmarshal(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", decoded.Data["email"])
}

func TestWatermillQueueEnqueueRetry(t *testing.T) {
	pubsub := newGoChannel(t)
	conf := testConfig()
	queue, err := NewWatermillQueue(pubsub, conf, nil)
	require.NoError(t, err)

	ch, err := pubsub.Subscribe(context.Background(), conf.RetryQueueName())
	require.NoError(t, err)

	env := envelopepkg.New("projector", "order.created", "", nil)
	require.NoError(t, queue.EnqueueRetry(context.Background(), "projector.v2", env.ToMap(), "db down"))

	msg := receive(t, ch)
	assert.NotEqual(t, env.ID, msg.UUID)

	decoded, err := envelopepkg.Unmarshal(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "projector.v2", decoded.Handler)
	assert.Equal(t, 2, decoded.Attempt())
	assert.Equal(t, "db down", decoded.ExtensionString(envelopepkg.ExtErrorMessage))
	assert.Equal(t, 2, metadatapkg.FromWatermill(msg.Metadata).Attempt())
}

func TestWatermillQueueRejectsBadPayloads(t *testing.T) {
	queue, err := NewWatermillQueue(newGoChannel(t), nil, nil)
	require.NoError(t, err)

	err = queue.Enqueue(context.Background(), "", "id", map[string]any{})
	assert.ErrorIs(t, err, errspkg.ErrQueueRequired)

	err = queue.Enqueue(context.Background(), "q", "id", map[string]any{envelopepkg.FieldData: "not an object"})
	assert.Error(t, err)

	err = queue.Enqueue(context.Background(), "q", "id", map[string]any{envelopepkg.FieldVersion: envelopepkg.Version})
	assert.True(t, errspkg.IsInvalidEvent(err))
}

func TestWatermillQueuePublishFailure(t *testing.T) {
	boom := errors.New("broker unavailable")
	queue, err := NewWatermillQueue(failingPublisher{err: boom}, nil, nil)
	require.NoError(t, err)

	env := envelopepkg.New("h", "a", "", nil)
	err = queue.Enqueue(context.Background(), "q", env.ID, env.ToMap())
	assert.ErrorIs(t, err, boom)
}

func TestDispatcherWithWatermillQueue(t *testing.T) {
	pubsub := newGoChannel(t)
	conf := testConfig()
	queue, err := NewWatermillQueue(pubsub, conf, nil)
	require.NoError(t, err)
	d := newTestDispatcher(t, conf, DispatcherDependencies{TaskQueue: queue})

	ch, err := pubsub.Subscribe(context.Background(), "events_critical")
	require.NoError(t, err)

	_, err = d.SubscribeFunc("payment.failed", noopHandler, Async(), WithAsyncPriority(PriorityCritical), WithName("pager"))
	require.NoError(t, err)
	require.NoError(t, d.Publish(context.Background(), NewMapEvent("payment.failed", "p-1", map[string]any{"amount": 10})))

	msg := receive(t, ch)
	header, err := envelopepkg.Peek(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "pager", header.Handler)
	assert.Equal(t, "payment.failed", header.EventType)
	assert.NotEmpty(t, header.CorrelationID)
}
