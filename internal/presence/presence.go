// Package presence tracks per-agent availability and fans updates out
// to subscribers.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/models"
)

// Update is one presence change delivered to subscribers.
type Update struct {
	Agent     string                `json:"agent"`
	Status    models.PresenceStatus `json:"status"`
	Typing    bool                  `json:"typing"`
	ChangedAt time.Time             `json:"changed_at"`
}

type entry struct {
	status   models.PresenceStatus
	typing   bool
	lastSeen time.Time
}

// Tracker holds the presence state of every known agent. Updates are
// broadcast to subscriber channels without blocking: a slow subscriber
// misses updates rather than stalling the senders.
type Tracker struct {
	mu     sync.RWMutex
	agents map[string]*entry
	subs   map[int]chan Update
	nextID int
	logger zerolog.Logger
}

// NewTracker creates an empty presence tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		agents: make(map[string]*entry),
		subs:   make(map[int]chan Update),
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

// Set records an agent's availability and notifies subscribers.
func (t *Tracker) Set(agent string, status models.PresenceStatus) {
	t.mu.Lock()
	e := t.agents[agent]
	if e == nil {
		e = &entry{}
		t.agents[agent] = e
	}
	changed := e.status != status
	e.status = status
	e.lastSeen = time.Now()
	if status != models.PresenceOnline {
		e.typing = false
	}
	t.mu.Unlock()

	if changed {
		t.broadcast(Update{Agent: agent, Status: status, ChangedAt: time.Now()})
	}
}

// SetTyping records an agent's typing state for its subscribers.
func (t *Tracker) SetTyping(agent string, typing bool) {
	t.mu.Lock()
	e := t.agents[agent]
	if e == nil || e.status != models.PresenceOnline {
		t.mu.Unlock()
		return
	}
	changed := e.typing != typing
	e.typing = typing
	status := e.status
	t.mu.Unlock()

	if changed {
		t.broadcast(Update{Agent: agent, Status: status, Typing: typing, ChangedAt: time.Now()})
	}
}

// Get returns the agent's current status. Unknown agents are offline.
func (t *Tracker) Get(agent string) models.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e := t.agents[agent]; e != nil {
		return e.status
	}
	return models.PresenceOffline
}

// LastSeen returns when the agent's presence last changed.
func (t *Tracker) LastSeen(agent string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e := t.agents[agent]; e != nil {
		return e.lastSeen, true
	}
	return time.Time{}, false
}

// IsOnline reports whether the agent is currently reachable.
func (t *Tracker) IsOnline(agent string) bool {
	status := t.Get(agent)
	return status == models.PresenceOnline || status == models.PresenceBusy || status == models.PresenceAway
}

// Subscribe registers a channel receiving presence updates. The
// returned cancel func removes the subscription and closes the channel.
func (t *Tracker) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

func (t *Tracker) broadcast(u Update) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
			// Subscriber buffer full; drop rather than block senders.
		}
	}
}
