// Package registry provides the default workspace-membership resolver:
// which agents belong to which workspace, and which are currently live.
//
// Agents are added to a workspace set when their session opens and carry
// a presence key refreshed by heartbeats; ListAgents filters the set to
// live presences. Deployments with an external membership service can
// inject their own bus.Membership instead.
package registry

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker is the slice of the broker connection the registry needs.
type Broker interface {
	Client() *redis.Client
	Execute(ctx context.Context, name string, op func(ctx context.Context) error) error
}

func membersKey(workspaceID string) string { return "workspace:" + workspaceID + ":agents" }
func presenceKey(agentID string) string    { return "presence:agent:" + agentID }

// Registry is the Redis-set-backed membership store.
type Registry struct {
	broker      Broker
	presenceTTL time.Duration
}

// New creates a Registry. presenceTTL bounds how long a silent agent
// still counts as registered; heartbeats refresh it.
func New(b Broker, presenceTTL time.Duration) *Registry {
	if presenceTTL <= 0 {
		presenceTTL = 90 * time.Second
	}
	return &Registry{broker: b, presenceTTL: presenceTTL}
}

// Register adds an agent to a workspace and marks it live.
func (r *Registry) Register(ctx context.Context, workspaceID, agentID string) error {
	err := r.broker.Execute(ctx, "register", func(ctx context.Context) error {
		_, err := r.broker.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SAdd(ctx, membersKey(workspaceID), agentID)
			p.Set(ctx, presenceKey(agentID), workspaceID, r.presenceTTL)
			return nil
		})
		return err
	})
	if err == nil {
		log.Printf("[Registry] Agent %s registered in workspace %s", agentID, workspaceID)
	}
	return err
}

// Heartbeat refreshes an agent's presence.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.broker.Execute(ctx, "heartbeat", func(ctx context.Context) error {
		return r.broker.Client().Expire(ctx, presenceKey(agentID), r.presenceTTL).Err()
	})
}

// Deregister marks an agent gone. Its workspace membership stays so the
// agent can pick up queued messages on return; only presence is cleared.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	err := r.broker.Execute(ctx, "deregister", func(ctx context.Context) error {
		return r.broker.Client().Del(ctx, presenceKey(agentID)).Err()
	})
	if err == nil {
		log.Printf("[Registry] Agent %s deregistered", agentID)
	}
	return err
}

// ListAgents returns the live agents registered in a workspace.
// Implements bus.Membership.
func (r *Registry) ListAgents(ctx context.Context, workspaceID string) ([]string, error) {
	var members []string
	err := r.broker.Execute(ctx, "members", func(ctx context.Context) error {
		var err error
		members, err = r.broker.Client().SMembers(ctx, membersKey(workspaceID)).Result()
		return err
	})
	if err != nil || len(members) == 0 {
		return nil, err
	}

	keys := make([]string, len(members))
	for i, agent := range members {
		keys[i] = presenceKey(agent)
	}

	var present []interface{}
	err = r.broker.Execute(ctx, "presence", func(ctx context.Context) error {
		var err error
		present, err = r.broker.Client().MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	live := make([]string, 0, len(members))
	for i, v := range present {
		if v != nil {
			live = append(live, members[i])
		}
	}
	return live, nil
}
