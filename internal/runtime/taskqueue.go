package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	envelopepkg "github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	jsoncodecpkg "github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// TaskQueue runs work outside the publishing goroutine. Payloads are
// flattened envelopes (see the envelope package).
type TaskQueue interface {
	// Enqueue submits a task to the named queue.
	Enqueue(ctx context.Context, queue, taskID string, payload map[string]any) error
	// EnqueueRetry resubmits a failed in-line invocation for handlerID.
	EnqueueRetry(ctx context.Context, handlerID string, payload map[string]any, errMessage string) error
}

// WatermillQueue publishes tasks as JSON messages through a Watermill publisher.
type WatermillQueue struct {
	publisher message.Publisher
	conf      *configpkg.Config
	logger    loggingpkg.ServiceLogger
}

// NewWatermillQueue wraps pub. Retries go to conf.RetryQueueName().
func NewWatermillQueue(pub message.Publisher, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (*WatermillQueue, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if conf == nil {
		conf = configpkg.Default()
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &WatermillQueue{publisher: pub, conf: conf, logger: logger}, nil
}

func (q *WatermillQueue) Enqueue(ctx context.Context, queue, taskID string, payload map[string]any) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	env, err := envelopepkg.FromMap(payload)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	if taskID == "" {
		taskID = env.ID
	}
	return q.publish(ctx, queue, taskID, env)
}

func (q *WatermillQueue) EnqueueRetry(ctx context.Context, handlerID string, payload map[string]any, errMessage string) error {
	env, err := envelopepkg.FromMap(payload)
	if err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	if handlerID != "" {
		env.Handler = handlerID
	}
	next := env.ForRetry(errMessage, "")
	next.ID = idspkg.CreateULID()
	return q.publish(ctx, q.conf.RetryQueueName(), next.ID, next)
}

func (q *WatermillQueue) publish(ctx context.Context, queue, taskID string, env envelopepkg.Envelope) error {
	if err := env.Validate(); err != nil {
		return &errspkg.InvalidEventError{Reason: "task envelope", Err: err}
	}
	raw, err := jsoncodecpkg.Marshal(env.ToMap())
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	correlationID := env.CorrelationID()
	if correlationID == "" {
		correlationID = CorrelationID(ctx)
	}

	msg := message.NewMessage(taskID, raw)
	msg.SetContext(ctx)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.ForTask(
		env.Handler, env.EventType, env.PartitionKey, queue, correlationID, env.Attempt(), time.Now(),
	))

	if err := q.publisher.Publish(queue, msg); err != nil {
		return errors.Join(fmt.Errorf("publish task to %s", queue), err)
	}
	q.logger.Debug("Task enqueued", loggingpkg.LogFields{
		"queue":      queue,
		"task_id":    taskID,
		"handler":    env.Handler,
		"event_type": env.EventType,
		"attempt":    env.Attempt(),
	})
	return nil
}
