package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"civicflow/internal/domain"
)

// Redis key layout. The queue is an ordered list; dequeued ids sit on a
// processing list until acknowledged, which is what gives at-least-once
// delivery across worker crashes.
const (
	keyQueue       = "civicflow:intake:queue"
	keyProcessing  = "civicflow:intake:processing"
	keyDeadLetter  = "civicflow:intake:deadletter"
	keyQueuedSet   = "civicflow:intake:queued"
	keyRetries     = "civicflow:intake:retries"
	keyEnqueuedAt  = "civicflow:intake:enqueued_at"
	keyDeadReasons = "civicflow:intake:deadletter:reasons"
	keyHeartbeat   = "civicflow:worker:heartbeat"
)

// Intake is the report-id channel feeding the classification worker.
type Intake struct {
	RDB            *redis.Client
	MaxRetries     int
	DequeueTimeout time.Duration
	HeartbeatTTL   time.Duration
	Now            func() time.Time
}

func New(rdb *redis.Client, maxRetries int, dequeueTimeout, heartbeatTTL time.Duration) *Intake {
	return &Intake{
		RDB:            rdb,
		MaxRetries:     maxRetries,
		DequeueTimeout: dequeueTimeout,
		HeartbeatTTL:   heartbeatTTL,
		Now:            time.Now,
	}
}

// Enqueue appends a report id to the intake queue. Enqueuing an id that is
// already queued or in flight is a no-op; the caller guards against
// already-classified reports via report status before calling.
func (q *Intake) Enqueue(ctx context.Context, reportID string) (bool, error) {
	added, err := q.RDB.SAdd(ctx, keyQueuedSet, reportID).Result()
	if err != nil {
		return false, fmt.Errorf("queue enqueue: %w", err)
	}
	if added == 0 {
		return false, nil
	}
	ts := q.Now().UTC().Format(time.RFC3339)
	pipe := q.RDB.TxPipeline()
	pipe.LPush(ctx, keyQueue, reportID)
	pipe.HSet(ctx, keyEnqueuedAt, reportID, ts)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue enqueue: %w", err)
	}
	return true, nil
}

// Dequeue blocks up to DequeueTimeout for the next item and moves it onto the
// processing list. Returns nil when the timeout lapses with an empty queue.
// The item stays on the processing list until Ack, Requeue or DeadLetter.
func (q *Intake) Dequeue(ctx context.Context) (*domain.QueueItem, error) {
	id, err := q.RDB.BLMove(ctx, keyQueue, keyProcessing, "RIGHT", "LEFT", q.DequeueTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	item := &domain.QueueItem{ReportID: id}
	if ts, err := q.RDB.HGet(ctx, keyEnqueuedAt, id).Result(); err == nil {
		item.EnqueuedAt = ts
	}
	if n, err := q.RDB.HGet(ctx, keyRetries, id).Int(); err == nil {
		item.Retries = n
	}
	return item, nil
}

// Ack removes a processed item.
func (q *Intake) Ack(ctx context.Context, reportID string) error {
	pipe := q.RDB.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, reportID)
	pipe.SRem(ctx, keyQueuedSet, reportID)
	pipe.HDel(ctx, keyRetries, reportID)
	pipe.HDel(ctx, keyEnqueuedAt, reportID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}
	return nil
}

// Requeue puts a failed item back on the queue and bumps its retry counter.
// Returns the new retry count so the caller can decide to dead-letter.
func (q *Intake) Requeue(ctx context.Context, reportID string) (int, error) {
	n, err := q.RDB.HIncrBy(ctx, keyRetries, reportID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue requeue: %w", err)
	}
	pipe := q.RDB.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, reportID)
	pipe.LPush(ctx, keyQueue, reportID)
	if _, err := pipe.Exec(ctx); err != nil {
		return int(n), fmt.Errorf("queue requeue: %w", err)
	}
	return int(n), nil
}

// DeadLetter moves an item that exhausted its retry budget to the failure
// channel, recording why.
func (q *Intake) DeadLetter(ctx context.Context, reportID, reason string) error {
	pipe := q.RDB.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, reportID)
	pipe.LRem(ctx, keyQueue, 0, reportID)
	pipe.LPush(ctx, keyDeadLetter, reportID)
	pipe.HSet(ctx, keyDeadReasons, reportID, reason)
	pipe.SRem(ctx, keyQueuedSet, reportID)
	pipe.HDel(ctx, keyRetries, reportID)
	pipe.HDel(ctx, keyEnqueuedAt, reportID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue dead-letter: %w", err)
	}
	return nil
}

// Heartbeat writes the worker liveness marker. External observers infer
// running/stopped purely from this key's presence within its TTL.
func (q *Intake) Heartbeat(ctx context.Context) error {
	ts := q.Now().UTC().Format(time.RFC3339)
	return q.RDB.Set(ctx, keyHeartbeat, ts, q.HeartbeatTTL).Err()
}

// PipelineStatus is the dashboard-facing view of the intake pipeline.
type PipelineStatus struct {
	WorkerStatus        string   `json:"worker_status" enum:"running,stopped,unknown"`
	QueueLength         int64    `json:"queue_length"`
	DeadLetterLength    int64    `json:"dead_letter_length"`
	LastHeartbeat       *string  `json:"last_heartbeat,omitempty" format:"date-time"`
	ItemsInQueuePreview []string `json:"items_in_queue_preview"`
}

// Status reads the pipeline status surface. "stopped" and "unknown" are
// ordinary states, not errors: stopped means the heartbeat expired, unknown
// means the substrate could not be reached.
func (q *Intake) Status(ctx context.Context) PipelineStatus {
	st := PipelineStatus{WorkerStatus: "unknown", ItemsInQueuePreview: []string{}}

	hb, err := q.RDB.Get(ctx, keyHeartbeat).Result()
	switch {
	case err == nil:
		st.WorkerStatus = "running"
		st.LastHeartbeat = &hb
	case errors.Is(err, redis.Nil):
		st.WorkerStatus = "stopped"
	}

	if n, err := q.RDB.LLen(ctx, keyQueue).Result(); err == nil {
		st.QueueLength = n
	}
	if n, err := q.RDB.LLen(ctx, keyDeadLetter).Result(); err == nil {
		st.DeadLetterLength = n
	}
	if ids, err := q.RDB.LRange(ctx, keyQueue, 0, 9).Result(); err == nil {
		st.ItemsInQueuePreview = ids
	}
	return st
}

// DeadLetters lists dead-lettered report ids with their recorded reasons.
func (q *Intake) DeadLetters(ctx context.Context, limit int64) (map[string]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.RDB.LRange(ctx, keyDeadLetter, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		reason, err := q.RDB.HGet(ctx, keyDeadReasons, id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		out[id] = reason
	}
	return out, nil
}
