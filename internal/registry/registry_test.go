package registry

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/AInTandem/agentbus/internal/broker"
)

type downBroker struct{}

func (downBroker) Client() *redis.Client { return nil }
func (downBroker) Execute(context.Context, string, func(context.Context) error) error {
	return broker.ErrUnavailable
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "workspace:w1:agents", membersKey("w1"))
	assert.Equal(t, "presence:agent:a1", presenceKey("a1"))
}

func TestNew_DefaultTTL(t *testing.T) {
	r := New(downBroker{}, 0)
	assert.Equal(t, 90*time.Second, r.presenceTTL)

	r = New(downBroker{}, 30*time.Second)
	assert.Equal(t, 30*time.Second, r.presenceTTL)
}

func TestOperations_SurfaceBrokerUnavailable(t *testing.T) {
	r := New(downBroker{}, time.Minute)
	ctx := context.Background()

	assert.ErrorIs(t, r.Register(ctx, "w1", "a1"), broker.ErrUnavailable)
	assert.ErrorIs(t, r.Heartbeat(ctx, "a1"), broker.ErrUnavailable)
	assert.ErrorIs(t, r.Deregister(ctx, "a1"), broker.ErrUnavailable)

	_, err := r.ListAgents(ctx, "w1")
	assert.ErrorIs(t, err, broker.ErrUnavailable)
}
