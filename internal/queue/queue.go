// Package queue implements per-recipient priority queues over Redis
// sorted sets, with at-least-once delivery: pending entries are popped
// into a processing set, removed on acknowledgment, requeued once if the
// consumer goes silent, and dead-lettered after that.
//
// Key layout per queue name (e.g. "agent:a1:inbox"):
//
//	<name>             pending sorted set, score = priority + age
//	<name>:processing  dequeued-but-unacked, score = dequeue time (ms)
//	<name>:dead        dead letters, score = transfer time (ms), capped
//	<name>:data        hash: message id → item JSON
//	<name>:retries     hash: message id → sweep failure count
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// registryKey is the set of every queue name ever written, so the stale
// sweep and depth accounting can find them.
const registryKey = "agentbus:queues"

// Broker is the slice of the broker connection the queue needs.
type Broker interface {
	Client() *redis.Client
	Execute(ctx context.Context, name string, op func(ctx context.Context) error) error
}

// Item is one queued message: an opaque payload plus the metadata the
// queue orders and expires by.
type Item struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	CreatedAt  time.Time       `json:"createdAt"`
	TTLSeconds int             `json:"ttlSeconds,omitempty"`
}

// Expired reports whether the item's TTL has elapsed at now.
// Items without a TTL never expire.
func (it Item) Expired(now time.Time) bool {
	if it.TTLSeconds <= 0 {
		return false
	}
	return now.After(it.CreatedAt.Add(time.Duration(it.TTLSeconds) * time.Second))
}

// DeadLetter is a dead-lettered item held for operator inspection.
type DeadLetter struct {
	Item   Item      `json:"item"`
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"deadAt"`
}

// Score encodes (priority, createdAt) so that ZPOPMIN yields highest
// priority first, and among equal priorities, oldest first. The
// priority band (1e13) dominates any realistic millisecond timestamp.
func Score(priority int, createdAt time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}
	return float64(9-priority)*1e13 + float64(createdAt.UnixMilli())
}

// dequeueScript atomically pops the minimum-score pending entry and
// stamps it into the processing set. Single round trip so no message is
// ever lost between pop and processing-set insertion.
//
// KEYS: pending, processing, data  ARGV: now (ms)
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return false end
local id = popped[1]
redis.call('ZADD', KEYS[2], ARGV[1], id)
return {id, redis.call('HGET', KEYS[3], id)}
`)

// Config holds queue tuning.
type Config struct {
	PollInterval      time.Duration // blocking-dequeue poll step
	ProcessingTimeout time.Duration // unacked staleness threshold
	SweepInterval     time.Duration // stale sweep cadence
	DeadLetterCap     int           // max dead letters kept per queue
}

// Queue is the reliable priority queue layer.
type Queue struct {
	broker Broker
	cfg    Config
}

// New creates a Queue. Zero config fields get defaults.
func New(b Broker, cfg Config) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.DeadLetterCap <= 0 {
		cfg.DeadLetterCap = 1000
	}
	return &Queue{broker: b, cfg: cfg}
}

func pendingKey(name string) string    { return name }
func processingKey(name string) string { return name + ":processing" }
func deadKey(name string) string       { return name + ":dead" }
func dataKey(name string) string       { return name + ":data" }
func retriesKey(name string) string    { return name + ":retries" }

// Enqueue inserts item into the named queue. The registry-set add, the
// payload write, and the sorted-set insert go in one MULTI/EXEC.
func (q *Queue) Enqueue(ctx context.Context, name string, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding item: %w", err)
	}
	score := Score(item.Priority, item.CreatedAt)

	return q.broker.Execute(ctx, "enqueue", func(ctx context.Context) error {
		_, err := q.broker.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SAdd(ctx, registryKey, name)
			p.HSet(ctx, dataKey(name), item.ID, data)
			p.ZAdd(ctx, pendingKey(name), redis.Z{Score: score, Member: item.ID})
			return nil
		})
		return err
	})
}

// Dequeue pops the highest-priority pending item, blocking up to timeout.
// Returns (nil, nil) when the queue stayed empty for the whole window.
// The item lands in the processing set and must be Acknowledged.
func (q *Queue) Dequeue(ctx context.Context, name string, timeout time.Duration) (*Item, error) {
	deadline := time.Now().Add(timeout)
	for {
		item, err := q.tryDequeue(ctx, name)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// tryDequeue performs one atomic pop. Expired items are dead-lettered
// and the pop is retried so callers never see them.
func (q *Queue) tryDequeue(ctx context.Context, name string) (*Item, error) {
	for {
		var raw any
		err := q.broker.Execute(ctx, "dequeue", func(ctx context.Context) error {
			res, err := dequeueScript.Run(ctx, q.broker.Client(),
				[]string{pendingKey(name), processingKey(name), dataKey(name)},
				time.Now().UnixMilli()).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			raw = res
			return nil
		})
		if err != nil || raw == nil {
			return nil, err
		}

		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("unexpected dequeue reply: %v", raw)
		}
		id, _ := pair[0].(string)
		body, _ := pair[1].(string)
		if body == "" {
			// payload vanished (already acked or trimmed); drop the orphan
			q.removeEntry(ctx, name, id)
			continue
		}

		var item Item
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, fmt.Errorf("decoding item %s: %w", id, err)
		}
		if item.Expired(time.Now()) {
			q.deadLetter(ctx, name, item, "ttl expired")
			continue
		}
		return &item, nil
	}
}

// Drain pops up to limit items without blocking. Items move to the
// processing set exactly as with Dequeue and must be acknowledged.
func (q *Queue) Drain(ctx context.Context, name string, limit int) ([]Item, error) {
	var out []Item
	for len(out) < limit {
		item, err := q.tryDequeue(ctx, name)
		if err != nil {
			return out, err
		}
		if item == nil {
			break
		}
		out = append(out, *item)
	}
	return out, nil
}

// Pending reads up to limit items in delivery order without removing
// them. Items stay in the pending set; use Dequeue or Drain to consume.
func (q *Queue) Pending(ctx context.Context, name string, limit int) ([]Item, error) {
	var out []Item
	err := q.broker.Execute(ctx, "pending", func(ctx context.Context) error {
		ids, err := q.broker.Client().ZRange(ctx, pendingKey(name), 0, int64(limit)-1).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		bodies, err := q.broker.Client().HMGet(ctx, dataKey(name), ids...).Result()
		if err != nil {
			return err
		}
		out = out[:0]
		for _, body := range bodies {
			s, ok := body.(string)
			if !ok {
				continue
			}
			var item Item
			if err := json.Unmarshal([]byte(s), &item); err != nil {
				continue
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// Acknowledge removes a delivered item permanently, whether it sits in
// the processing set or is still pending (a live subscriber acks the
// published copy before ever dequeuing). Acking an unknown or
// already-acked id is a no-op.
func (q *Queue) Acknowledge(ctx context.Context, name, id string) error {
	return q.broker.Execute(ctx, "ack", func(ctx context.Context) error {
		_, err := q.broker.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, pendingKey(name), id)
			p.ZRem(ctx, processingKey(name), id)
			p.HDel(ctx, dataKey(name), id)
			p.HDel(ctx, retriesKey(name), id)
			return nil
		})
		return err
	})
}

// Reject gives up on a processing item. With requeue it goes back to
// pending at its original score; otherwise it is dead-lettered.
func (q *Queue) Reject(ctx context.Context, name, id string, requeue bool) error {
	var body string
	err := q.broker.Execute(ctx, "reject", func(ctx context.Context) error {
		b, err := q.broker.Client().HGet(ctx, dataKey(name), id).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil || body == "" {
		return err
	}

	var item Item
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return fmt.Errorf("decoding item %s: %w", id, err)
	}

	if !requeue {
		return q.deadLetter(ctx, name, item, "rejected")
	}
	return q.requeue(ctx, name, item)
}

func (q *Queue) requeue(ctx context.Context, name string, item Item) error {
	score := Score(item.Priority, item.CreatedAt)
	return q.broker.Execute(ctx, "requeue", func(ctx context.Context) error {
		_, err := q.broker.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, processingKey(name), item.ID)
			p.ZAdd(ctx, pendingKey(name), redis.Z{Score: score, Member: item.ID})
			return nil
		})
		return err
	})
}

// deadLetter moves an item to the dead-letter set, self-contained so the
// data hash can be cleaned, and trims the set to the configured cap.
func (q *Queue) deadLetter(ctx context.Context, name string, item Item, reason string) error {
	envelope, err := json.Marshal(DeadLetter{Item: item, Reason: reason, DeadAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	log.Printf("[Queue] 💀 Dead-lettering %s on %s: %s", item.ID, name, reason)

	return q.broker.Execute(ctx, "deadletter", func(ctx context.Context) error {
		_, err := q.broker.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, pendingKey(name), item.ID)
			p.ZRem(ctx, processingKey(name), item.ID)
			p.HDel(ctx, dataKey(name), item.ID)
			p.HDel(ctx, retriesKey(name), item.ID)
			p.ZAdd(ctx, deadKey(name), redis.Z{Score: float64(time.Now().UnixMilli()), Member: envelope})
			p.ZRemRangeByRank(ctx, deadKey(name), 0, int64(-(q.cfg.DeadLetterCap + 1)))
			return nil
		})
		return err
	})
}

// removeEntry drops a processing-set entry whose payload is gone.
func (q *Queue) removeEntry(ctx context.Context, name, id string) {
	q.broker.Execute(ctx, "cleanup", func(ctx context.Context) error {
		return q.broker.Client().ZRem(ctx, processingKey(name), id).Err()
	})
}

// SweepStale requeues processing entries older than olderThan once, and
// dead-letters them on a second failure. This is the retry policy for
// consumer crashes. Returns (requeued, deadLettered).
func (q *Queue) SweepStale(ctx context.Context, olderThan time.Duration) (int, int, error) {
	names, err := q.queueNames(ctx)
	if err != nil {
		return 0, 0, err
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	requeued, deadLettered := 0, 0

	for _, name := range names {
		var ids []string
		err := q.broker.Execute(ctx, "sweep-scan", func(ctx context.Context) error {
			var err error
			ids, err = q.broker.Client().ZRangeByScore(ctx, processingKey(name), &redis.ZRangeBy{
				Min: "-inf",
				Max: fmt.Sprintf("%d", cutoff),
			}).Result()
			return err
		})
		if err != nil {
			return requeued, deadLettered, err
		}

		for _, id := range ids {
			var failures int64
			var body string
			err := q.broker.Execute(ctx, "sweep-mark", func(ctx context.Context) error {
				n, err := q.broker.Client().HIncrBy(ctx, retriesKey(name), id, 1).Result()
				if err != nil {
					return err
				}
				failures = n
				b, err := q.broker.Client().HGet(ctx, dataKey(name), id).Result()
				if err == redis.Nil {
					return nil
				}
				if err != nil {
					return err
				}
				body = b
				return nil
			})
			if err != nil {
				return requeued, deadLettered, err
			}
			if body == "" {
				q.removeEntry(ctx, name, id)
				continue
			}

			var item Item
			if err := json.Unmarshal([]byte(body), &item); err != nil {
				continue
			}

			switch {
			case item.Expired(time.Now()):
				if q.deadLetter(ctx, name, item, "ttl expired") == nil {
					deadLettered++
				}
			case failures <= 1:
				if q.requeue(ctx, name, item) == nil {
					requeued++
					log.Printf("[Queue] ♻️ Requeued stale %s on %s", item.ID, name)
				}
			default:
				if q.deadLetter(ctx, name, item, "abandoned by consumer") == nil {
					deadLettered++
				}
			}
		}
	}
	return requeued, deadLettered, nil
}

// SweepLoop runs SweepStale on the configured interval until ctx is
// cancelled.
func (q *Queue) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r, d, err := q.SweepStale(ctx, q.cfg.ProcessingTimeout); err != nil {
				log.Printf("[Queue] ⚠️ Stale sweep failed: %v", err)
			} else if r+d > 0 {
				log.Printf("[Queue] Stale sweep: requeued=%d deadLettered=%d", r, d)
			}
		}
	}
}

// Depth returns the pending count for one queue.
func (q *Queue) Depth(ctx context.Context, name string) (int64, error) {
	var n int64
	err := q.broker.Execute(ctx, "depth", func(ctx context.Context) error {
		var err error
		n, err = q.broker.Client().ZCard(ctx, pendingKey(name)).Result()
		return err
	})
	return n, err
}

// TotalDepth sums pending counts across every known queue.
func (q *Queue) TotalDepth(ctx context.Context) (int64, error) {
	names, err := q.queueNames(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, name := range names {
		n, err := q.Depth(ctx, name)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DeadLetters returns up to limit dead letters for a queue, newest first.
func (q *Queue) DeadLetters(ctx context.Context, name string, limit int) ([]DeadLetter, error) {
	var raw []string
	err := q.broker.Execute(ctx, "deadletters", func(ctx context.Context) error {
		var err error
		raw, err = q.broker.Client().ZRevRange(ctx, deadKey(name), 0, int64(limit-1)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]DeadLetter, 0, len(raw))
	for _, body := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(body), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *Queue) queueNames(ctx context.Context) ([]string, error) {
	var names []string
	err := q.broker.Execute(ctx, "queues", func(ctx context.Context) error {
		var err error
		names, err = q.broker.Client().SMembers(ctx, registryKey).Result()
		return err
	})
	return names, err
}
