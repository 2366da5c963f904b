package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AInTandem/agentbus/internal/broker"
)

func TestScore_PriorityDominates(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)

	// higher priority pops first even when enqueued much later
	assert.Less(t, Score(9, later), Score(3, now))
	assert.Less(t, Score(5, later), Score(4, now))
}

func TestScore_CreatedAtBreaksTies(t *testing.T) {
	now := time.Now()
	assert.Less(t, Score(5, now), Score(5, now.Add(time.Millisecond)))
	assert.Less(t, Score(0, now), Score(0, now.Add(time.Second)))
}

func TestScore_ClampsPriority(t *testing.T) {
	now := time.Now()
	assert.Equal(t, Score(9, now), Score(42, now))
	assert.Equal(t, Score(0, now), Score(-7, now))
}

func TestItem_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, Item{CreatedAt: now.Add(-time.Hour)}.Expired(now), "no TTL never expires")
	assert.False(t, Item{CreatedAt: now, TTLSeconds: 60}.Expired(now.Add(30*time.Second)))
	assert.True(t, Item{CreatedAt: now, TTLSeconds: 60}.Expired(now.Add(61*time.Second)))
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "agent:a1:inbox", pendingKey("agent:a1:inbox"))
	assert.Equal(t, "agent:a1:inbox:processing", processingKey("agent:a1:inbox"))
	assert.Equal(t, "agent:a1:inbox:dead", deadKey("agent:a1:inbox"))
	assert.Equal(t, "agent:a1:inbox:data", dataKey("agent:a1:inbox"))
	assert.Equal(t, "agent:a1:inbox:retries", retriesKey("agent:a1:inbox"))
}

func TestNew_Defaults(t *testing.T) {
	q := New(nil, Config{})
	assert.Equal(t, 100*time.Millisecond, q.cfg.PollInterval)
	assert.Equal(t, time.Minute, q.cfg.ProcessingTimeout)
	assert.Equal(t, 30*time.Second, q.cfg.SweepInterval)
	assert.Equal(t, 1000, q.cfg.DeadLetterCap)
}

func TestItem_JSONRoundTrip(t *testing.T) {
	item := Item{
		ID:         "m1",
		Payload:    json.RawMessage(`{"x":1}`),
		Priority:   7,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		TTLSeconds: 30,
	}
	data, err := json.Marshal(item)
	require.NoError(t, err)

	var got Item
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, item, got)
}

// downBroker simulates a dead link: every Execute short-circuits.
type downBroker struct{}

func (downBroker) Client() *redis.Client { return nil }
func (downBroker) Execute(context.Context, string, func(context.Context) error) error {
	return broker.ErrUnavailable
}

func TestOperations_SurfaceBrokerUnavailable(t *testing.T) {
	q := New(downBroker{}, Config{})
	ctx := context.Background()

	err := q.Enqueue(ctx, "agent:a1:inbox", Item{ID: "m1", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, broker.ErrUnavailable)

	_, err = q.Dequeue(ctx, "agent:a1:inbox", 0)
	assert.ErrorIs(t, err, broker.ErrUnavailable)

	err = q.Acknowledge(ctx, "agent:a1:inbox", "m1")
	assert.ErrorIs(t, err, broker.ErrUnavailable)

	_, err = q.Pending(ctx, "agent:a1:inbox", 10)
	assert.ErrorIs(t, err, broker.ErrUnavailable)

	_, _, err = q.SweepStale(ctx, time.Minute)
	assert.ErrorIs(t, err, broker.ErrUnavailable)

	_, err = q.TotalDepth(ctx)
	assert.ErrorIs(t, err, broker.ErrUnavailable)
}

// liveBroker runs ops straight through to an in-process Redis.
type liveBroker struct{ client *redis.Client }

func (b liveBroker) Client() *redis.Client { return b.client }
func (b liveBroker) Execute(ctx context.Context, _ string, op func(context.Context) error) error {
	return op(ctx)
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(liveBroker{client: client}, cfg)
}

func item(id string, priority int, createdAt time.Time) Item {
	return Item{
		ID:        id,
		Payload:   json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		Priority:  priority,
		CreatedAt: createdAt,
	}
}

func TestDequeue_PriorityThenAge(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("routine-old", 5, now.Add(-time.Minute))))
	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("urgent", 0, now)))
	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("routine-new", 5, now)))

	var order []string
	for i := 0; i < 3; i++ {
		it, err := q.Dequeue(ctx, "agent:a1:inbox", 0)
		require.NoError(t, err)
		require.NotNil(t, it)
		order = append(order, it.ID)
	}
	assert.Equal(t, []string{"urgent", "routine-old", "routine-new"}, order)

	it, err := q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)
	assert.Nil(t, it, "empty queue yields no item")
}

func TestAcknowledge_RemovesPendingEntry(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	// a live subscriber acks the published copy without ever dequeuing;
	// the pending entry must go with it
	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("m1", 5, time.Now())))
	require.NoError(t, q.Acknowledge(ctx, "agent:a1:inbox", "m1"))

	n, err := q.Depth(ctx, "agent:a1:inbox")
	require.NoError(t, err)
	assert.Zero(t, n)

	it, err := q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestAcknowledge_IdempotentAfterDequeue(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("m1", 5, time.Now())))
	it, err := q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)
	require.NotNil(t, it)

	require.NoError(t, q.Acknowledge(ctx, "agent:a1:inbox", "m1"))
	require.NoError(t, q.Acknowledge(ctx, "agent:a1:inbox", "m1"))

	r, d, err := q.SweepStale(ctx, -time.Second)
	require.NoError(t, err)
	assert.Zero(t, r+d, "acked item must not reappear via the sweep")
}

func TestSweepStale_RequeuesOnceThenDeadLetters(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("m1", 5, time.Now())))
	it, err := q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)
	require.NotNil(t, it)

	// first abandonment: requeued
	r, d, err := q.SweepStale(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, r)
	assert.Zero(t, d)

	n, err := q.Depth(ctx, "agent:a1:inbox")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	it, err = q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)
	require.NotNil(t, it)

	// second abandonment: dead-lettered
	r, d, err = q.SweepStale(ctx, -time.Second)
	require.NoError(t, err)
	assert.Zero(t, r)
	assert.Equal(t, 1, d)

	dls, err := q.DeadLetters(ctx, "agent:a1:inbox", 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "m1", dls[0].Item.ID)
	assert.Equal(t, "abandoned by consumer", dls[0].Reason)

	n, err = q.Depth(ctx, "agent:a1:inbox")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDequeue_ExpiredItemDeadLetters(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	stale := item("m1", 5, time.Now().Add(-2*time.Second))
	stale.TTLSeconds = 1
	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", stale))

	it, err := q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)
	assert.Nil(t, it, "expired items are never handed to consumers")

	dls, err := q.DeadLetters(ctx, "agent:a1:inbox", 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "ttl expired", dls[0].Reason)
}

func TestReject_RequeueAndDeadLetter(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("m1", 5, time.Now())))
	it, err := q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)
	require.NotNil(t, it)

	require.NoError(t, q.Reject(ctx, "agent:a1:inbox", "m1", true))
	n, err := q.Depth(ctx, "agent:a1:inbox")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	it, err = q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)
	require.NotNil(t, it)

	require.NoError(t, q.Reject(ctx, "agent:a1:inbox", "m1", false))
	dls, err := q.DeadLetters(ctx, "agent:a1:inbox", 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "rejected", dls[0].Reason)

	n, err = q.Depth(ctx, "agent:a1:inbox")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTotalDepth_SumsAllQueues(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("m1", 5, now)))
	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("m2", 5, now)))
	require.NoError(t, q.Enqueue(ctx, "agent:a2:inbox", item("m3", 5, now)))

	total, err := q.TotalDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, err = q.Dequeue(ctx, "agent:a1:inbox", 0)
	require.NoError(t, err)

	total, err = q.TotalDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestPending_DoesNotConsume(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("low", 7, now)))
	require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item("high", 1, now)))

	items, err := q.Pending(ctx, "agent:a1:inbox", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "high", items[0].ID)

	n, err := q.Depth(ctx, "agent:a1:inbox")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeadLetters_CappedAtConfiguredSize(t *testing.T) {
	q := newTestQueue(t, Config{DeadLetterCap: 2})
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, q.Enqueue(ctx, "agent:a1:inbox", item(id, 5, now)))
		it, err := q.Dequeue(ctx, "agent:a1:inbox", 0)
		require.NoError(t, err)
		require.NotNil(t, it)
		require.NoError(t, q.Reject(ctx, "agent:a1:inbox", it.ID, false))
	}

	dls, err := q.DeadLetters(ctx, "agent:a1:inbox", 10)
	require.NoError(t, err)
	assert.Len(t, dls, 2)
}
