package offline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ghostspeak/relay/internal/models"
	"github.com/ghostspeak/relay/internal/storage"
)

type managerHarness struct {
	manager   *Manager
	factory   *storage.Factory
	now       time.Time
	delivered []*models.Message
	deliverFn func(ctx context.Context, agent string, msg *models.Message) error
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	h := &managerHarness{now: time.UnixMilli(1_700_000_000_000)}
	h.factory = storage.NewFactory(storage.Backends{})
	h.manager = NewManager(h.factory, func(ctx context.Context, agent string, msg *models.Message) error {
		if h.deliverFn != nil {
			return h.deliverFn(ctx, agent, msg)
		}
		h.delivered = append(h.delivered, msg)
		return nil
	}, zerolog.Nop())
	h.manager.SetNow(func() time.Time { return h.now })
	return h
}

func (h *managerHarness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *managerHarness) configure(t *testing.T, agent string, maxBytes int64) {
	t.Helper()
	err := h.manager.ConfigureStorage(context.Background(), agent, models.StorageConfig{
		PrimaryStrategy: models.StorageMemory,
		MaxStorageSize:  maxBytes,
		RetentionPeriod: 24 * time.Hour,
	}, models.SyncPreferences{})
	require.NoError(t, err)
}

func message(to, content string, p models.Priority) *models.Message {
	msg := models.NewMessage("conv-1", "alice", to, models.TypeText, content)
	msg.Priority = p
	return msg
}

func TestConfigureStorageValidation(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		cfg   models.StorageConfig
		field string
	}{
		{
			"missing strategy",
			models.StorageConfig{MaxStorageSize: 1000, RetentionPeriod: time.Hour},
			"primary_strategy",
		},
		{
			"zero size",
			models.StorageConfig{PrimaryStrategy: models.StorageMemory, RetentionPeriod: time.Hour},
			"max_storage_size",
		},
		{
			"zero retention",
			models.StorageConfig{PrimaryStrategy: models.StorageMemory, MaxStorageSize: 1000},
			"retention_period",
		},
		{
			"unavailable backend",
			models.StorageConfig{PrimaryStrategy: models.StorageRedis, MaxStorageSize: 1000, RetentionPeriod: time.Hour},
			"primary_strategy",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := h.manager.ConfigureStorage(ctx, "bob", c.cfg, models.SyncPreferences{})
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, c.field, cfgErr.Field)
		})
	}

	// A rejected configuration leaves the agent unconfigured.
	_, err := h.manager.SyncStatus("bob")
	var notCfg *NotConfiguredError
	require.ErrorAs(t, err, &notCfg)
}

func TestConfigureStorageDefaults(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 10_000)

	as, err := h.manager.agentState("bob")
	require.NoError(t, err)
	require.Equal(t, models.SyncFull, as.state.Preferences.Strategy)
	require.Equal(t, models.PriorityLow, as.state.Preferences.PriorityThreshold)
	require.Equal(t, defaultAverageSyncTime, as.state.Stats.AverageSyncTime)
}

func TestStoreMessageRequiresConfiguration(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.StoreMessage(context.Background(), message("bob", "hi", models.PriorityNormal), "")
	var notCfg *NotConfiguredError
	require.ErrorAs(t, err, &notCfg)
	require.Contains(t, notCfg.Error(), "bob")
}

func TestStoreMessageRecordsBoostAndChecksum(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 10_000)

	om, err := h.manager.StoreMessage(context.Background(), message("bob", "payload", models.PriorityCritical), "")
	require.NoError(t, err)
	require.Equal(t, 10, om.Tracking.PriorityBoost)
	require.Equal(t, models.SyncPending, om.SyncStatus)
	require.Equal(t, Checksum("payload"), om.Location.Checksum)
	require.Equal(t, h.now.UnixMilli(), om.StoredAt)
}

func TestStoreMessageEstimatesSyncTime(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 10_000)
	ctx := context.Background()

	// Empty backlog: sync is expected immediately.
	first, err := h.manager.StoreMessage(ctx, message("bob", "one", models.PriorityNormal), "")
	require.NoError(t, err)
	require.Equal(t, h.now.UnixMilli(), first.Tracking.EstimatedSyncTime)

	// One pending message ahead at the default 1s average.
	second, err := h.manager.StoreMessage(ctx, message("bob", "two", models.PriorityNormal), "")
	require.NoError(t, err)
	require.Equal(t, h.now.Add(time.Second).UnixMilli(), second.Tracking.EstimatedSyncTime)
}

func TestStorageQuotaExceeded(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 1000)

	big := message("bob", string(make([]byte, 1200)), models.PriorityNormal)
	_, err := h.manager.StoreMessage(context.Background(), big, "")

	var capErr *StorageCapacityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, "bob", capErr.Agent)
	require.Equal(t, int64(0), capErr.Usage)
	require.Equal(t, int64(1200), capErr.Incoming)
	require.Equal(t, int64(1000), capErr.Limit)

	// The oversized message was never stored.
	view, err := h.manager.SyncStatus("bob")
	require.NoError(t, err)
	require.Zero(t, view.PendingCount)
}

func TestQuotaFreedByRetentionCleanup(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 1000)
	ctx := context.Background()

	old, err := h.manager.StoreMessage(ctx, message("bob", string(make([]byte, 600)), models.PriorityNormal), "")
	require.NoError(t, err)

	// Mark the old message synced so retention may reclaim it.
	adapter, err := h.factory.Adapter(models.StorageMemory)
	require.NoError(t, err)
	old.SyncStatus = models.SyncSynced
	require.NoError(t, adapter.Store(ctx, old))

	// Inside the retention window cleanup keeps it and the quota holds.
	_, err = h.manager.StoreMessage(ctx, message("bob", string(make([]byte, 600)), models.PriorityNormal), "")
	var capErr *StorageCapacityError
	require.ErrorAs(t, err, &capErr)

	// Past the retention window the synced message is evicted.
	h.advance(25 * time.Hour)
	_, err = h.manager.StoreMessage(ctx, message("bob", string(make([]byte, 600)), models.PriorityNormal), "")
	require.NoError(t, err)

	usage, err := adapter.Usage(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(600), usage)
}

func TestSyncProcessesCriticalFirst(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 100_000)
	ctx := context.Background()

	// Normal messages arrive first; the critical pair arrives last.
	var stored []*models.Message
	for _, p := range []models.Priority{
		models.PriorityNormal, models.PriorityNormal, models.PriorityNormal,
		models.PriorityCritical, models.PriorityCritical,
	} {
		msg := message("bob", "m", p)
		_, err := h.manager.StoreMessage(ctx, msg, "")
		require.NoError(t, err)
		stored = append(stored, msg)
		h.advance(time.Millisecond)
	}

	sess, err := h.manager.StartSyncSession(ctx, "bob", SessionOptions{Strategy: models.SyncPrioritySync})
	require.NoError(t, err)

	require.Equal(t, models.SessionCompleted, sess.Status)
	require.Equal(t, 5, sess.Progress.TotalMessages)
	require.Equal(t, 5, sess.Progress.SuccessfulSyncs)
	require.Zero(t, sess.Progress.FailedSyncs)

	require.Len(t, h.delivered, 5)
	// Both critical messages before any normal one; ties keep arrival
	// order.
	require.Equal(t, stored[3].ID, h.delivered[0].ID)
	require.Equal(t, stored[4].ID, h.delivered[1].ID)
	for _, msg := range h.delivered[2:] {
		require.Equal(t, models.PriorityNormal, msg.Priority)
	}

	view, err := h.manager.SyncStatus("bob")
	require.NoError(t, err)
	require.Zero(t, view.PendingCount)
	require.True(t, view.IsOnline)
}

func TestPrioritySyncThresholdFilters(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 100_000)
	ctx := context.Background()

	for _, p := range []models.Priority{models.PriorityLow, models.PriorityNormal, models.PriorityUrgent} {
		_, err := h.manager.StoreMessage(ctx, message("bob", "m", p), "")
		require.NoError(t, err)
	}

	sess, err := h.manager.StartSyncSession(ctx, "bob", SessionOptions{
		Strategy:          models.SyncPrioritySync,
		PriorityThreshold: models.PriorityHigh,
	})
	require.NoError(t, err)

	// Only the urgent message clears the high threshold; the rest stay
	// pending for a later full sync.
	require.Equal(t, 1, sess.Progress.TotalMessages)
	require.Len(t, h.delivered, 1)
	require.Equal(t, models.PriorityUrgent, h.delivered[0].Priority)

	view, err := h.manager.SyncStatus("bob")
	require.NoError(t, err)
	require.Equal(t, 2, view.PendingCount)
}

func TestOfflineMidSessionCancelsAndKeepsBacklog(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 100_000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.manager.StoreMessage(ctx, message("bob", "m", models.PriorityNormal), "")
		require.NoError(t, err)
		h.advance(time.Millisecond)
	}

	// The agent drops after the second delivery lands.
	count := 0
	h.deliverFn = func(ctx context.Context, agent string, msg *models.Message) error {
		count++
		if count == 2 {
			_, err := h.manager.HandleAgentOffline("bob", "connection lost")
			require.NoError(t, err)
		}
		return nil
	}

	sess, err := h.manager.StartSyncSession(ctx, "bob", SessionOptions{})
	require.NoError(t, err)

	require.Equal(t, models.SessionCancelled, sess.Status)
	require.Equal(t, 2, sess.Progress.SuccessfulSyncs)
	require.Equal(t, 2, sess.Progress.ProcessedMessages)

	// The three undelivered messages survive for the next reconnect.
	view, err := h.manager.SyncStatus("bob")
	require.NoError(t, err)
	require.Equal(t, 3, view.PendingCount)
	require.False(t, view.IsOnline)

	adapter, err := h.factory.Adapter(models.StorageMemory)
	require.NoError(t, err)
	list, err := adapter.List(ctx, "bob")
	require.NoError(t, err)
	pending := 0
	for _, om := range list {
		if om.SyncStatus == models.SyncPending {
			pending++
		}
	}
	require.Equal(t, 3, pending)
}

func TestFailedDeliveryDoesNotAbortSession(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 100_000)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		msg := message("bob", "m", models.PriorityNormal)
		_, err := h.manager.StoreMessage(ctx, msg, "")
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		h.advance(time.Millisecond)
	}

	h.deliverFn = func(ctx context.Context, agent string, msg *models.Message) error {
		if msg.ID == ids[1] {
			return context.DeadlineExceeded
		}
		return nil
	}

	sess, err := h.manager.StartSyncSession(ctx, "bob", SessionOptions{})
	require.NoError(t, err)

	require.Equal(t, models.SessionCompleted, sess.Status)
	require.Equal(t, 2, sess.Progress.SuccessfulSyncs)
	require.Equal(t, 1, sess.Progress.FailedSyncs)

	adapter, err := h.factory.Adapter(models.StorageMemory)
	require.NoError(t, err)
	om, err := adapter.Retrieve(ctx, "bob", ids[1])
	require.NoError(t, err)
	require.Equal(t, models.SyncFailed, om.SyncStatus)
	require.Equal(t, 1, om.SyncAttempts)
}

func TestSelectMessagesStrategies(t *testing.T) {
	mk := func(id string, storedAt int64, conv string, p models.Priority) *models.OfflineMessage {
		msg := message("bob", "m", p)
		msg.ID = id
		msg.ConversationID = conv
		return &models.OfflineMessage{
			Message:    msg,
			StoredAt:   storedAt,
			SyncStatus: models.SyncPending,
			Tracking:   models.DeliveryTracking{PriorityBoost: p.Boost()},
		}
	}
	stored := []*models.OfflineMessage{
		mk("m1", 100, "conv-a", models.PriorityNormal),
		mk("m2", 200, "conv-b", models.PriorityNormal),
		mk("m3", 300, "conv-a", models.PriorityCritical),
	}
	synced := mk("m4", 50, "conv-a", models.PriorityNormal)
	synced.SyncStatus = models.SyncSynced
	stored = append(stored, synced)

	ids := func(batch []*models.OfflineMessage) []string {
		var out []string
		for _, om := range batch {
			out = append(out, om.Message.ID)
		}
		return out
	}

	prefs := models.SyncPreferences{PriorityThreshold: models.PriorityLow}

	// Full syncs everything unsynced, highest boost first.
	batch := selectMessages(stored, models.SyncFull, prefs, SessionOptions{}, time.Time{})
	require.Equal(t, []string{"m3", "m1", "m2"}, ids(batch))

	// Delta skips anything at or before the last sync point.
	batch = selectMessages(stored, models.SyncDelta, prefs, SessionOptions{}, time.UnixMilli(200))
	require.Equal(t, []string{"m3"}, ids(batch))

	// Conversation scope.
	batch = selectMessages(stored, models.SyncConversation, prefs, SessionOptions{Conversation: "conv-b"}, time.Time{})
	require.Equal(t, []string{"m2"}, ids(batch))

	// Time window is inclusive of both edges.
	batch = selectMessages(stored, models.SyncTimeWindow, prefs, SessionOptions{Since: 100, Until: 200}, time.Time{})
	require.Equal(t, []string{"m1", "m2"}, ids(batch))

	// Selective takes only the named ids.
	batch = selectMessages(stored, models.SyncSelective, prefs, SessionOptions{MessageIDs: []string{"m2"}}, time.Time{})
	require.Equal(t, []string{"m2"}, ids(batch))

	// MaxMessages truncates after ordering.
	batch = selectMessages(stored, models.SyncFull, prefs, SessionOptions{MaxMessages: 1}, time.Time{})
	require.Equal(t, []string{"m3"}, ids(batch))
}

func TestSessionUpdatesRunningAverage(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 100_000)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.manager.StoreMessage(ctx, message("bob", "m", models.PriorityNormal), "")
		require.NoError(t, err)
	}

	// Each delivery takes 2s of (fake) wall time.
	h.deliverFn = func(ctx context.Context, agent string, msg *models.Message) error {
		h.advance(2 * time.Second)
		return nil
	}

	sess, err := h.manager.StartSyncSession(ctx, "bob", SessionOptions{})
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, sess.Status)

	view, err := h.manager.SyncStatus("bob")
	require.NoError(t, err)
	require.Equal(t, int64(2), view.Stats.TotalSynced)
	// Prior average weighed nothing (no prior syncs); the observed 2s
	// per message becomes the new average.
	require.Equal(t, 2*time.Second, view.Stats.AverageSyncTime)
	require.Equal(t, sess.ID, view.Stats.LastSessionID)
}

func TestHandleAgentOfflineEstimatesResync(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 100_000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.manager.StoreMessage(ctx, message("bob", "m", models.PriorityNormal), "")
		require.NoError(t, err)
	}

	estimate, err := h.manager.HandleAgentOffline("bob", "heartbeat stale")
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, estimate)

	_, err = h.manager.HandleAgentOffline("carol", "heartbeat stale")
	var notCfg *NotConfiguredError
	require.ErrorAs(t, err, &notCfg)
}

func TestMonitorTickTimesOutStuckSessions(t *testing.T) {
	h := newManagerHarness(t)

	stuck := &models.SyncSession{
		ID:        "stuck",
		Agent:     "bob",
		StartTime: h.now.Add(-6 * time.Minute),
		Status:    models.SessionActive,
	}
	fresh := &models.SyncSession{
		ID:        "fresh",
		Agent:     "bob",
		StartTime: h.now.Add(-time.Minute),
		Status:    models.SessionActive,
	}
	h.manager.sessions["stuck"] = stuck
	h.manager.sessions["fresh"] = fresh

	h.manager.MonitorTick()

	require.Equal(t, models.SessionFailed, stuck.Status)
	require.Equal(t, h.now, stuck.EndTime)
	require.Equal(t, models.SessionActive, fresh.Status)
}

func TestMonitorTickPurgesOldTerminalSessions(t *testing.T) {
	h := newManagerHarness(t)

	old := &models.SyncSession{
		ID:        "old",
		Agent:     "bob",
		StartTime: h.now.Add(-3 * time.Hour),
		EndTime:   h.now.Add(-2 * time.Hour),
		Status:    models.SessionCompleted,
	}
	recent := &models.SyncSession{
		ID:        "recent",
		Agent:     "bob",
		StartTime: h.now.Add(-time.Hour),
		EndTime:   h.now.Add(-30 * time.Minute),
		Status:    models.SessionCancelled,
	}
	h.manager.sessions["old"] = old
	h.manager.sessions["recent"] = recent

	h.manager.MonitorTick()

	_, ok := h.manager.Session("old")
	require.False(t, ok)
	_, ok = h.manager.Session("recent")
	require.True(t, ok)
}

func TestSessionViewsAreSnapshots(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 1<<20)

	live := &models.SyncSession{
		ID:        "live",
		Agent:     "bob",
		StartTime: h.now,
		Status:    models.SessionActive,
		Progress:  models.SyncProgress{TotalMessages: 5, ProcessedMessages: 1},
		Operations: []models.SyncOperation{
			{Kind: "download", MessageID: "m1", Success: true},
		},
	}
	h.manager.sessions["live"] = live

	view, err := h.manager.SyncStatus("bob")
	require.NoError(t, err)
	require.Len(t, view.ActiveSessions, 1)
	snap := view.ActiveSessions[0]
	require.NotSame(t, live, snap)

	// The running session keeps mutating; the snapshot must not move.
	live.Status = models.SessionCompleted
	live.Progress.ProcessedMessages = 4
	live.Operations = append(live.Operations, models.SyncOperation{Kind: "download", MessageID: "m2"})

	require.Equal(t, models.SessionActive, snap.Status)
	require.Equal(t, 1, snap.Progress.ProcessedMessages)
	require.Len(t, snap.Operations, 1)

	// Session lookups copy too, operations slice included.
	byID, ok := h.manager.Session("live")
	require.True(t, ok)
	require.NotSame(t, live, byID)
	byID.Operations[0].MessageID = "mutated"
	require.Equal(t, "m1", live.Operations[0].MessageID)
}

func TestPurgeTickDropsOldResolutions(t *testing.T) {
	h := newManagerHarness(t)

	h.manager.resolutions["old"] = &models.ConflictResolution{
		ConflictID: "old",
		ResolvedAt: h.now.Add(-25 * time.Hour),
	}
	h.manager.resolutions["recent"] = &models.ConflictResolution{
		ConflictID: "recent",
		ResolvedAt: h.now.Add(-23 * time.Hour),
	}

	require.Equal(t, 1, h.manager.PurgeTick())
	require.NotContains(t, h.manager.resolutions, "old")
	require.Contains(t, h.manager.resolutions, "recent")
}

func TestGetAnalytics(t *testing.T) {
	h := newManagerHarness(t)
	h.configure(t, "bob", 100_000)
	h.configure(t, "carol", 100_000)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.manager.StoreMessage(ctx, message("bob", "m", models.PriorityNormal), "")
		require.NoError(t, err)
	}
	_, err := h.manager.StartSyncSession(ctx, "carol", SessionOptions{})
	require.NoError(t, err)

	a := h.manager.GetAnalytics(time.Hour)
	require.Equal(t, 2, a.ConfiguredAgents)
	require.Equal(t, 1, a.OnlineAgents) // carol came online to sync
	require.Equal(t, 2, a.PendingMessages)
	require.Equal(t, 1, a.SessionsCompleted)
}
