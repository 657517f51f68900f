package delivery

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/models"
)

type trackerHarness struct {
	tracker *Tracker
	resent  []*models.Message
	failed  []*models.Message
	reasons []string
	ackAged []string
}

func newHarness(t *testing.T) *trackerHarness {
	t.Helper()
	h := &trackerHarness{}
	h.tracker = NewTracker(
		func(msg *models.Message) { h.resent = append(h.resent, msg) },
		func(msg *models.Message, reason string) {
			h.failed = append(h.failed, msg)
			h.reasons = append(h.reasons, reason)
		},
		func(now time.Time) []string {
			out := h.ackAged
			h.ackAged = nil
			return out
		},
		zerolog.Nop(),
	)
	return h
}

func TestHappyPathLifecycle(t *testing.T) {
	h := newHarness(t)
	msg := models.NewMessage("c", "alice", "bob", models.TypeText, "hi")
	h.tracker.Track(msg)

	steps := []struct {
		act  func(string) error
		want models.DeliveryStatus
	}{
		{h.tracker.MarkSent, models.StatusSent},
		{h.tracker.MarkDelivered, models.StatusDelivered},
	}
	for _, s := range steps {
		if err := s.act(msg.ID); err != nil {
			t.Fatal(err)
		}
		if got, _ := h.tracker.Status(msg.ID); got != s.want {
			t.Fatalf("expected %s, got %s", s.want, got)
		}
	}

	if err := h.tracker.MarkRead(msg.ID); err != nil {
		t.Fatal(err)
	}
	// Read is terminal: the message leaves tracking.
	if _, ok := h.tracker.Status(msg.ID); ok {
		t.Fatal("read message must be untracked")
	}
	if h.tracker.InFlight() != 0 {
		t.Fatalf("expected empty tracker, got %d", h.tracker.InFlight())
	}
}

func TestQueuedPath(t *testing.T) {
	h := newHarness(t)
	msg := models.NewMessage("c", "alice", "bob", models.TypeText, "hi")
	h.tracker.Track(msg)

	if err := h.tracker.MarkQueued(msg.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := h.tracker.Status(msg.ID); got != models.StatusQueued {
		t.Fatalf("expected queued, got %s", got)
	}
	// Sync hand-off: queued goes straight to delivered.
	if err := h.tracker.MarkDelivered(msg.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := h.tracker.Status(msg.ID); got != models.StatusDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	h := newHarness(t)
	msg := models.NewMessage("c", "alice", "bob", models.TypeText, "hi")
	h.tracker.Track(msg)

	if err := h.tracker.MarkRead(msg.ID); err == nil {
		t.Fatal("sending -> read must be rejected")
	}
	if got, _ := h.tracker.Status(msg.ID); got != models.StatusSending {
		t.Fatalf("status must be unchanged, got %s", got)
	}
}

func TestReadImpliesDelivered(t *testing.T) {
	h := newHarness(t)
	msg := models.NewMessage("c", "alice", "bob", models.TypeText, "hi")
	h.tracker.Track(msg)

	if err := h.tracker.MarkSent(msg.ID); err != nil {
		t.Fatal(err)
	}
	// A read receipt can arrive before the delivery ack.
	if err := h.tracker.MarkRead(msg.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.tracker.Status(msg.ID); ok {
		t.Fatal("read message must be untracked")
	}
}

func TestUnknownMessage(t *testing.T) {
	h := newHarness(t)
	if err := h.tracker.MarkSent("nope"); err != ErrUnknownMessage {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if _, ok := h.tracker.Status("nope"); ok {
		t.Fatal("unknown message must report no status")
	}
}

func TestRetryDelayFormula(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
	}
	for _, c := range cases {
		if got := RetryDelay(c.attempt); got != c.want {
			t.Fatalf("attempt %d: expected %s, got %s", c.attempt, c.want, got)
		}
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.tracker.SetNow(func() time.Time { return now })

	msg := models.NewMessage("c", "alice", "bob", models.TypeText, "flaky")
	msg.MaxRetries = 3
	h.tracker.Track(msg)

	// A failure schedules a retry; nothing is re-dispatched until the
	// backoff elapses.
	h.tracker.RecordFailure(msg.ID, "transport error")
	h.tracker.Tick()
	if len(h.resent) != 0 {
		t.Fatalf("retry released before its backoff, got %d resends", len(h.resent))
	}
	now = now.Add(RetryDelay(1))
	h.tracker.Tick()
	if len(h.resent) != 1 {
		t.Fatalf("expected 1 resend after backoff, got %d", len(h.resent))
	}

	// The second failure backs off longer.
	h.tracker.RecordFailure(msg.ID, "transport error")
	now = now.Add(RetryDelay(2))
	h.tracker.Tick()
	if len(h.resent) != 2 {
		t.Fatalf("expected 2 resends, got %d", len(h.resent))
	}
	if len(h.failed) != 0 {
		t.Fatal("no terminal failure yet")
	}

	// Third failure exhausts the budget: terminal, reported, never
	// re-queued again.
	h.tracker.RecordFailure(msg.ID, "transport error")
	now = now.Add(time.Minute)
	h.tracker.Tick()
	if len(h.resent) != 2 {
		t.Fatalf("exhausted message must not be resent, got %d resends", len(h.resent))
	}
	if len(h.failed) != 1 || h.failed[0].ID != msg.ID {
		t.Fatalf("expected 1 failure report, got %d", len(h.failed))
	}
	if h.failed[0].DeliveryStatus != models.StatusFailed {
		t.Fatalf("expected failed status, got %s", h.failed[0].DeliveryStatus)
	}
	if h.failed[0].RetryCount != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", h.failed[0].RetryCount)
	}
	if h.reasons[0] != "transport error" {
		t.Fatalf("unexpected failure reason %q", h.reasons[0])
	}

	// A late failure for the untracked message is a no-op.
	h.tracker.RecordFailure(msg.ID, "straggler")
	if len(h.failed) != 1 || len(h.resent) != 2 {
		t.Fatal("untracked failure must be ignored")
	}
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.tracker.SetNow(func() time.Time { return now })

	fresh := models.NewMessage("c", "alice", "bob", models.TypeText, "fresh")
	stale := models.NewMessage("c", "alice", "bob", models.TypeText, "stale")
	stale.ExpiresAt = now.Add(-time.Second).UnixMilli()
	h.tracker.Track(fresh)
	h.tracker.Track(stale)

	if n := h.tracker.SweepExpired(); n != 1 {
		t.Fatalf("expected 1 expiry, got %d", n)
	}
	if len(h.failed) != 1 || h.failed[0].ID != stale.ID {
		t.Fatal("expired message must be reported")
	}
	if h.failed[0].DeliveryStatus != models.StatusExpired {
		t.Fatalf("expected expired status, got %s", h.failed[0].DeliveryStatus)
	}
	if _, ok := h.tracker.Status(fresh.ID); !ok {
		t.Fatal("fresh message must stay tracked")
	}
}

func TestDeferHoldsUntilDeadline(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.tracker.SetNow(func() time.Time { return now })

	msg := models.NewMessage("c", "alice", "bob", models.TypeText, "later")
	h.tracker.Track(msg)
	h.tracker.Defer(msg.ID, now.Add(time.Hour))

	h.tracker.Tick()
	if len(h.resent) != 0 {
		t.Fatal("deferred message released before its deadline")
	}
	now = now.Add(30 * time.Minute)
	h.tracker.Tick()
	if len(h.resent) != 0 {
		t.Fatal("deferred message released halfway to its deadline")
	}

	now = now.Add(31 * time.Minute)
	h.tracker.Tick()
	if len(h.resent) != 1 || h.resent[0].ID != msg.ID {
		t.Fatalf("expected one release at the deadline, got %d", len(h.resent))
	}

	// Release is one-shot.
	h.tracker.Tick()
	if len(h.resent) != 1 {
		t.Fatalf("released message re-dispatched again, got %d", len(h.resent))
	}

	// Deferring an untracked message is a no-op.
	h.tracker.Defer("nope", now)
	h.tracker.Tick()
	if len(h.resent) != 1 {
		t.Fatal("untracked defer must be ignored")
	}
}

func TestTickDrivesAckTimeouts(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.tracker.SetNow(func() time.Time { return now })

	msg := models.NewMessage("c", "alice", "bob", models.TypeText, "unacked")
	h.tracker.Track(msg)

	// The timeout counts as a failed attempt; the retry waits out its
	// backoff before re-dispatching.
	h.ackAged = []string{msg.ID}
	h.tracker.Tick()
	if len(h.resent) != 0 {
		t.Fatalf("retry released before its backoff, got %d", len(h.resent))
	}

	now = now.Add(RetryDelay(1))
	h.tracker.Tick()
	if len(h.resent) != 1 || h.resent[0].ID != msg.ID {
		t.Fatalf("expected one ack-timeout retry, got %d", len(h.resent))
	}
}
