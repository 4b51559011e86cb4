package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeNotify is the asynq task type carrying one notification.
const TaskTypeNotify = "notify:send"

// Enqueuer is the part of asynq.Client used by TaskQueue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskQueue is a Notifier that hands notifications to an asynq queue; the
// worker command delivers them with TaskHandler.
type TaskQueue struct {
	client   Enqueuer
	queue    string
	maxRetry int
}

// NewTaskQueue creates a notifier enqueueing on queue.
func NewTaskQueue(client Enqueuer, queue string, maxRetry int) *TaskQueue {
	return &TaskQueue{client: client, queue: queue, maxRetry: maxRetry}
}

// NewTask builds the asynq task for a notification.
func NewTask(customerID int64, kind Kind, params map[string]string) (*asynq.Task, error) {
	payload, err := json.Marshal(Message{CustomerID: customerID, Kind: kind, Params: params, SentAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return asynq.NewTask(TaskTypeNotify, payload), nil
}

func (q *TaskQueue) Notify(ctx context.Context, customerID int64, kind Kind, params map[string]string) error {
	if !kind.Valid() {
		return fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	task, err := NewTask(customerID, kind, params)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task, asynq.Queue(q.queue), asynq.MaxRetry(q.maxRetry)); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// TaskHandler delivers queued notifications through next.
func TaskHandler(next Notifier) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg Message
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			// A payload that cannot be decoded will never succeed.
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return next.Notify(ctx, msg.CustomerID, msg.Kind, msg.Params)
	}
}
