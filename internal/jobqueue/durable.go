package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// TaskTypeMessageCreated is the durable task name from spec.md §6.
const TaskTypeMessageCreated = "message.created"

// idempotencyTTL is the TTL on msg:idem:{id} (spec.md §6).
const idempotencyTTL = 1 * time.Hour

// completedRetention and failedRetention are spec.md §6's
// remove-on-complete (3600s) and remove-on-fail (86400s) ages.
// asynq's per-task Retention option only governs successfully
// processed tasks (completedRetention below); there is no symmetric
// per-task option for archived (retries-exhausted) tasks, so
// failedRetention is enforced out-of-band by SweepFailed, driven by an
// asynq.Inspector (see DESIGN.md).
const (
	completedRetention = 1 * time.Hour
	failedRetention    = 24 * time.Hour
)

// ErrDuplicateMessage is returned by EnqueueDurable when the message id
// was already enqueued within the idempotency window.
var ErrDuplicateMessage = errors.New("jobqueue: duplicate message")

// MessageCreatedPayload is the durable task payload: job id = message
// id for asynq's own dedup, but we additionally guard with an explicit
// idempotency key since asynq's uniqueness window is orthogonal to the
// spec's 1h TTL.
type MessageCreatedPayload struct {
	MessageID string `json:"messageId"`
	JobID     string `json:"jobId"`
}

// DurableQueue wraps an asynq client for at-most-once ingestion of
// contract:message.send, per spec.md §6's attempts/backoff/retention
// contract.
type DurableQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	rdb       *redis.Client
}

// NewDurableQueue builds a DurableQueue bound to redisAddr for asynq and
// rdb for the idempotency-key guard (may be the same logical Redis).
func NewDurableQueue(redisAddr, password string, rdb *redis.Client) *DurableQueue {
	opt := asynq.RedisClientOpt{Addr: redisAddr, Password: password}
	client := asynq.NewClient(opt)
	return &DurableQueue{client: client, inspector: asynq.NewInspector(opt), rdb: rdb}
}

func idemKey(messageID string) string { return "msg:idem:" + messageID }

// EnqueueDurable sets the idempotency key for messageID (failing
// ErrDuplicateMessage if it already exists) and, on success, submits the
// durable task with the retry/backoff/retention profile from spec.md §6:
// 5 attempts, 2s base exponential backoff, 1h complete-retention, 24h
// failed-retention.
func (d *DurableQueue) EnqueueDurable(ctx context.Context, messageID, jobID string) (duplicate bool, err error) {
	ok, err := d.rdb.SetNX(ctx, idemKey(messageID), jobID, idempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("jobqueue: idempotency set: %w", err)
	}
	if !ok {
		return true, nil
	}

	payload, err := json.Marshal(MessageCreatedPayload{MessageID: messageID, JobID: jobID})
	if err != nil {
		return false, fmt.Errorf("jobqueue: marshal payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeMessageCreated, payload, asynq.TaskID(messageID))
	_, err = d.client.EnqueueContext(ctx,
		task,
		asynq.MaxRetry(4), // retries after the first run: 5 attempts in all
		asynq.Timeout(30*time.Second),
		asynq.Retention(completedRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("jobqueue: enqueue durable task: %w", err)
	}
	return false, nil
}

// SweepFailed deletes archived (retries-exhausted) tasks older than
// failedRetention from every known queue. asynq has no per-task option
// for this (Retention only governs completed tasks), so it is enforced
// here instead; callers run this on a periodic ticker.
func (d *DurableQueue) SweepFailed(ctx context.Context) error {
	queues, err := d.inspector.Queues()
	if err != nil {
		return fmt.Errorf("jobqueue: list queues: %w", err)
	}
	cutoff := time.Now().Add(-failedRetention)
	for _, qname := range queues {
		tasks, err := d.inspector.ListArchivedTasks(qname)
		if err != nil {
			return fmt.Errorf("jobqueue: list archived tasks in %q: %w", qname, err)
		}
		for _, t := range tasks {
			if t.LastFailedAt.IsZero() || t.LastFailedAt.After(cutoff) {
				continue
			}
			if err := d.inspector.DeleteTask(qname, t.ID); err != nil {
				return fmt.Errorf("jobqueue: delete archived task %q: %w", t.ID, err)
			}
		}
	}
	return nil
}

// Close releases the asynq client's connections.
func (d *DurableQueue) Close() error {
	_ = d.inspector.Close()
	return d.client.Close()
}
