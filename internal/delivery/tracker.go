// Package delivery advances each message through its delivery state
// machine and drives retry and expiry.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/models"
)

// ErrUnknownMessage is returned for transitions on untracked messages.
var ErrUnknownMessage = errors.New("message not tracked")

// Resender re-queues a message for another delivery attempt.
type Resender func(msg *models.Message)

// FailureReporter informs the sender that a message terminally failed.
// Failed messages are reported, never silently dropped.
type FailureReporter func(msg *models.Message, reason string)

// AckSource yields messages whose acknowledgment deadline passed.
type AckSource func(now time.Time) []string

// RetryDelay returns the wait before redelivery attempt n:
// min(1000ms * 2^n, 30s).
func RetryDelay(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if attempt >= 5 || d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// Tracker owns the delivery status of every in-flight message.
type Tracker struct {
	mu        sync.RWMutex
	messages  map[string]*models.Message
	scheduled map[string]time.Time // message id -> earliest next dispatch

	resend  Resender
	report  FailureReporter
	ackAged AckSource
	nowFn   func() time.Time
	logger  zerolog.Logger
}

// NewTracker creates a tracker. resend and report must be non-nil;
// ackSource may be nil when ack timeouts are driven externally.
func NewTracker(resend Resender, report FailureReporter, ackSource AckSource, logger zerolog.Logger) *Tracker {
	return &Tracker{
		messages:  make(map[string]*models.Message),
		scheduled: make(map[string]time.Time),
		resend:    resend,
		report:    report,
		ackAged:   ackSource,
		nowFn:     time.Now,
		logger:    logger.With().Str("component", "delivery").Logger(),
	}
}

// SetNow overrides the clock; used by tests.
func (t *Tracker) SetNow(now func() time.Time) { t.nowFn = now }

// Now returns the tracker's current time. Dispatch decisions share
// this clock so delayed deliveries stay testable.
func (t *Tracker) Now() time.Time { return t.nowFn() }

// Track registers a message for delivery tracking.
func (t *Tracker) Track(msg *models.Message) {
	t.mu.Lock()
	t.messages[msg.ID] = msg
	t.mu.Unlock()
}

// Status returns the current delivery status of a tracked message.
func (t *Tracker) Status(messageID string) (models.DeliveryStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msg, ok := t.messages[messageID]
	if !ok {
		return "", false
	}
	return msg.DeliveryStatus, true
}

// Transition moves a message to the next delivery state, enforcing
// the state machine. Terminal messages are dropped from tracking.
func (t *Tracker) Transition(messageID string, next models.DeliveryStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[messageID]
	if !ok {
		return ErrUnknownMessage
	}
	if !msg.DeliveryStatus.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s for %s", msg.DeliveryStatus, next, messageID)
	}
	msg.DeliveryStatus = next
	if next.IsTerminal() {
		delete(t.messages, messageID)
		delete(t.scheduled, messageID)
	}
	return nil
}

// Defer holds a tracked message until the given time; the next tick at
// or past it re-dispatches the message. Used for delay routing rules.
func (t *Tracker) Defer(messageID string, until time.Time) {
	t.mu.Lock()
	if _, ok := t.messages[messageID]; ok {
		t.scheduled[messageID] = until
	}
	t.mu.Unlock()
}

// MarkSent records transport acceptance.
func (t *Tracker) MarkSent(messageID string) error {
	return t.Transition(messageID, models.StatusSent)
}

// MarkQueued records offline storage acceptance. The message stays
// queued, not delivered, until hand-off happens during sync.
func (t *Tracker) MarkQueued(messageID string) error {
	return t.Transition(messageID, models.StatusQueued)
}

// MarkDelivered records the recipient acknowledgment.
func (t *Tracker) MarkDelivered(messageID string) error {
	return t.Transition(messageID, models.StatusDelivered)
}

// MarkRead records an explicit read receipt.
func (t *Tracker) MarkRead(messageID string) error {
	t.mu.Lock()
	msg, ok := t.messages[messageID]
	if ok && msg.DeliveryStatus == models.StatusSent {
		// Read receipt implies delivery happened.
		msg.DeliveryStatus = models.StatusDelivered
	}
	t.mu.Unlock()
	if !ok {
		return ErrUnknownMessage
	}
	return t.Transition(messageID, models.StatusRead)
}

// RecordFailure notes one failed delivery attempt. While the retry
// budget lasts the message is scheduled for another attempt after an
// exponential backoff; once exhausted it becomes terminally failed and
// the sender is told.
func (t *Tracker) RecordFailure(messageID, reason string) {
	t.mu.Lock()
	msg, ok := t.messages[messageID]
	if !ok {
		t.mu.Unlock()
		return
	}
	msg.RetryCount++
	exhausted := msg.RetryCount >= msg.MaxRetries
	var delay time.Duration
	if exhausted {
		msg.DeliveryStatus = models.StatusFailed
		delete(t.messages, messageID)
		delete(t.scheduled, messageID)
	} else {
		delay = RetryDelay(msg.RetryCount)
		t.scheduled[messageID] = t.nowFn().Add(delay)
	}
	t.mu.Unlock()

	if exhausted {
		t.logger.Warn().
			Str("message_id", messageID).
			Int("retries", msg.RetryCount).
			Str("reason", reason).
			Msg("delivery failed, retries exhausted")
		t.report(msg, reason)
		return
	}

	t.logger.Debug().
		Str("message_id", messageID).
		Int("attempt", msg.RetryCount).
		Dur("backoff", delay).
		Msg("retry scheduled")
}

// SweepExpired fails every tracked message whose expiry has passed.
func (t *Tracker) SweepExpired() int {
	now := t.nowFn().UnixMilli()

	t.mu.Lock()
	var expired []*models.Message
	for id, msg := range t.messages {
		if msg.Expired(now) {
			msg.DeliveryStatus = models.StatusExpired
			delete(t.messages, id)
			delete(t.scheduled, id)
			expired = append(expired, msg)
		}
	}
	t.mu.Unlock()

	for _, msg := range expired {
		t.report(msg, "expired before delivery")
	}
	return len(expired)
}

// InFlight returns the number of tracked, non-terminal messages.
func (t *Tracker) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Run drives the periodic work: ack-timeout retries, expiry sweeps
// and scheduled re-dispatches. Blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick performs one maintenance pass. Exposed so tests can drive the
// tracker without timers.
func (t *Tracker) Tick() {
	if t.ackAged != nil {
		for _, id := range t.ackAged(t.nowFn()) {
			t.RecordFailure(id, "acknowledgment timeout")
		}
	}
	t.SweepExpired()
	t.releaseScheduled()
}

// releaseScheduled re-dispatches every message whose backoff or delay
// deadline has passed.
func (t *Tracker) releaseScheduled() {
	now := t.nowFn()

	t.mu.Lock()
	var due []*models.Message
	for id, at := range t.scheduled {
		if now.Before(at) {
			continue
		}
		delete(t.scheduled, id)
		if msg, ok := t.messages[id]; ok {
			due = append(due, msg)
		}
	}
	t.mu.Unlock()

	for _, msg := range due {
		t.resend(msg)
	}
}
