package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"payments-gateway/model"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	queueKey       = "payments:queue"
	deadLetterKey  = "payments:dead"
	acceptKeyPref  = "payments:accept:"
	defaultOpLimit = 500 * time.Millisecond
)

// Broker wraps the Redis half of the coordination store: the FIFO work
// queue, the dead-letter list, and the accept locks the API tier uses to
// deduplicate submissions across instances.
type Broker struct {
	Client   *redis.Client
	Capacity int64
	LockTTL  time.Duration
	opLimit  time.Duration
}

func NewBroker(addr, password string, capacity int, lockTTL time.Duration) *Broker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		PoolSize:     30,
		MinIdleConns: 10,
	})
	return &Broker{
		Client:   rdb,
		Capacity: int64(capacity),
		LockTTL:  lockTTL,
		opLimit:  defaultOpLimit,
	}
}

func (b *Broker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opLimit)
	defer cancel()
	if err := b.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// AcquireAccept takes the cross-instance accept lock for a correlation
// id. Returns false when another instance already holds it.
func (b *Broker) AcquireAccept(ctx context.Context, correlationID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opLimit)
	defer cancel()
	ok, err := b.Client.SetNX(ctx, acceptKeyPref+correlationID, "1", b.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// ReleaseAccept frees the accept lock after a failed enqueue so the
// caller can resubmit.
func (b *Broker) ReleaseAccept(ctx context.Context, correlationID string) {
	ctx, cancel := context.WithTimeout(ctx, b.opLimit)
	defer cancel()
	if err := b.Client.Del(ctx, acceptKeyPref+correlationID).Err(); err != nil {
		log.Printf("Failed to release accept lock for %s: %v", correlationID, err)
	}
}

// Enqueue pushes a task onto the tail of the work queue. Capacity is
// checked first so overload rejects fast instead of growing the queue.
func (b *Broker) Enqueue(ctx context.Context, task model.QueueTask) error {
	ctx, cancel := context.WithTimeout(ctx, b.opLimit)
	defer cancel()

	depth, err := b.Client.LLen(ctx, queueKey).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	if depth >= b.Capacity {
		return model.ErrQueueFull
	}

	raw, err := sonic.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := b.Client.RPush(ctx, queueKey, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// Dequeue pops the head of the queue, blocking up to wait. A nil task
// with nil error means the queue stayed empty for the whole wait.
func (b *Broker) Dequeue(ctx context.Context, wait time.Duration) (*model.QueueTask, error) {
	res, err := b.Client.BLPop(ctx, wait, queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}

	var task model.QueueTask
	if err := sonic.Unmarshal([]byte(res[1]), &task); err != nil {
		// Unparseable payloads go to the dead letter rather than
		// poisoning the loop.
		log.Printf("Discarding malformed task to dead letter: %v", err)
		b.pushRaw(ctx, deadLetterKey, res[1])
		return nil, nil
	}
	return &task, nil
}

// DeadLetter records a task that exhausted its retry budget.
func (b *Broker) DeadLetter(ctx context.Context, task model.QueueTask) error {
	raw, err := sonic.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return b.pushRaw(ctx, deadLetterKey, string(raw))
}

func (b *Broker) pushRaw(ctx context.Context, key, raw string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opLimit)
	defer cancel()
	if err := b.Client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// Purge drops the queue, the dead letter, and all accept locks. Test
// harness helper, not part of the serving path.
func (b *Broker) Purge(ctx context.Context) error {
	if err := b.Client.Del(ctx, queueKey, deadLetterKey).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	iter := b.Client.Scan(ctx, 0, acceptKeyPref+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := b.Client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Printf("Purge: failed to delete %s: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}
