package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/events"
	"github.com/quantum-forge/a2a-server/internal/protocol"
)

// Agent is one registry entry. An agent is fresh while now - last_seen
// stays within the configured TTL; listing only returns fresh agents.
type Agent struct {
	Name     string              `json:"name"`
	Card     *protocol.AgentCard `json:"card"`
	Status   string              `json:"status"`
	LastSeen time.Time           `json:"last_seen"`
}

// RegisterAgent adds or refreshes a registry entry and announces it.
// Re-registering an existing agent refreshes last_seen.
func (b *Broker) RegisterAgent(ctx context.Context, card *protocol.AgentCard) error {
	if card == nil || card.Name == "" {
		return fmt.Errorf("agent card requires a name")
	}

	now := time.Now().UTC()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	b.agents[card.Name] = &Agent{
		Name:     card.Name,
		Card:     card,
		Status:   "active",
		LastSeen: now,
	}
	b.mu.Unlock()

	cardData, err := structToMap(card)
	if err != nil {
		return fmt.Errorf("encode agent card: %w", err)
	}
	if err := b.PublishEvent(ctx, events.AgentRegistered, map[string]interface{}{
		"agent_name": card.Name,
		"card":       cardData,
		"timestamp":  now.Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	b.log.Info("Registered agent", zap.String("agent_name", card.Name))
	return nil
}

// UnregisterAgent removes a registry entry and announces the removal.
// Unknown names are a no-op so shutdown paths stay idempotent.
func (b *Broker) UnregisterAgent(ctx context.Context, name string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	_, existed := b.agents[name]
	delete(b.agents, name)
	b.mu.Unlock()

	if !existed {
		return nil
	}

	if err := b.PublishEvent(ctx, events.AgentUnregistered, map[string]interface{}{
		"agent_name": name,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	b.log.Info("Unregistered agent", zap.String("agent_name", name))
	return nil
}

// GetAgent returns a registry entry by name, or nil when unknown
func (b *Broker) GetAgent(ctx context.Context, name string) *Agent {
	b.mu.Lock()
	defer b.mu.Unlock()

	agent, ok := b.agents[name]
	if !ok {
		return nil
	}
	return agent.clone()
}

// ListAgents returns the fresh registry entries sorted by name
func (b *Broker) ListAgents(ctx context.Context) []*Agent {
	horizon := time.Now().UTC().Add(-b.agentTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	agents := make([]*Agent, 0, len(b.agents))
	for _, agent := range b.agents {
		if agent.LastSeen.Before(horizon) {
			continue
		}
		agents = append(agents, agent.clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

// KeepAlive refreshes an agent's registry entry at a third of the
// freshness horizon so a long-lived agent never ages out of listing.
// Run it in a goroutine; it returns when the context ends or the agent
// is no longer registered.
func (b *Broker) KeepAlive(ctx context.Context, name string) {
	interval := b.agentTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.TouchAgent(name) {
				return
			}
		}
	}
}

// TouchAgent refreshes an agent's last_seen without re-announcing it
func (b *Broker) TouchAgent(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	agent, ok := b.agents[name]
	if !ok {
		return false
	}
	agent.LastSeen = time.Now().UTC()
	return true
}

func (a *Agent) clone() *Agent {
	c := *a
	return &c
}
