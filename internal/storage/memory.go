package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ghostspeak/relay/internal/models"
)

// MemoryAdapter keeps offline messages in per-agent maps. Each agent
// gets its own bucket with its own lock, so two agents never contend.
type MemoryAdapter struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	mu       sync.RWMutex
	messages map[string]*models.OfflineMessage
	usage    int64
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{buckets: make(map[string]*memoryBucket)}
}

func (a *MemoryAdapter) bucket(agent string, create bool) *memoryBucket {
	a.mu.RLock()
	b := a.buckets[agent]
	a.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b = a.buckets[agent]; b == nil {
		b = &memoryBucket{messages: make(map[string]*models.OfflineMessage)}
		a.buckets[agent] = b
	}
	return b
}

// Initialize creates the agent's bucket.
func (a *MemoryAdapter) Initialize(_ context.Context, agent string, _ models.StorageConfig) error {
	a.bucket(agent, true)
	return nil
}

// Store persists the message in the agent's bucket.
func (a *MemoryAdapter) Store(_ context.Context, msg *models.OfflineMessage) error {
	b := a.bucket(msg.Message.To, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.messages[msg.Message.ID]; ok {
		b.usage -= prev.Message.Size()
	}
	b.messages[msg.Message.ID] = msg
	b.usage += msg.Message.Size()
	return nil
}

// Retrieve returns the stored message, or nil when absent.
func (a *MemoryAdapter) Retrieve(_ context.Context, agent, id string) (*models.OfflineMessage, error) {
	b := a.bucket(agent, false)
	if b == nil {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.messages[id], nil
}

// Delete removes a stored message and reclaims its quota.
func (a *MemoryAdapter) Delete(_ context.Context, agent, id string) error {
	b := a.bucket(agent, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg, ok := b.messages[id]; ok {
		b.usage -= msg.Message.Size()
		delete(b.messages, id)
	}
	return nil
}

// List returns the agent's messages ordered by storage time.
func (a *MemoryAdapter) List(_ context.Context, agent string) ([]*models.OfflineMessage, error) {
	b := a.bucket(agent, false)
	if b == nil {
		return nil, nil
	}
	b.mu.RLock()
	out := make([]*models.OfflineMessage, 0, len(b.messages))
	for _, m := range b.messages {
		out = append(out, m)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StoredAt != out[j].StoredAt {
			return out[i].StoredAt < out[j].StoredAt
		}
		return out[i].Message.ID < out[j].Message.ID
	})
	return out, nil
}

// Usage returns the bytes stored for an agent.
func (a *MemoryAdapter) Usage(_ context.Context, agent string) (int64, error) {
	b := a.bucket(agent, false)
	if b == nil {
		return 0, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.usage, nil
}

// Close is a no-op for the in-memory adapter.
func (a *MemoryAdapter) Close() error { return nil }
