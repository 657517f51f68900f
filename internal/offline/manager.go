// Package offline owns per-agent sync state: it stores undelivered
// messages through pluggable storage adapters, runs sync sessions on
// reconnect, detects and resolves conflicts, and enforces retention.
package offline

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/ghostspeak/relay/internal/metrics"
	"github.com/ghostspeak/relay/internal/models"
	"github.com/ghostspeak/relay/internal/storage"
)

const (
	defaultAverageSyncTime = time.Second
	sessionHardTimeout     = 5 * time.Minute
	sessionRetention       = time.Hour
	resolutionRetention    = 24 * time.Hour
)

// Deliverer hands a synced message to its now-online recipient.
type Deliverer func(ctx context.Context, agent string, msg *models.Message) error

type agentState struct {
	mu      sync.Mutex
	state   *models.AgentSyncState
	primary storage.Adapter
	backup  storage.Adapter // nil unless a backup strategy is set
}

// Manager is the offline sync state machine.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	sessMu   sync.RWMutex
	sessions map[string]*models.SyncSession

	resMu       sync.Mutex
	resolutions map[string]*models.ConflictResolution
	versions    map[string]conflictVersions // conflict id -> candidates

	factory *storage.Factory
	deliver Deliverer
	nowFn   func() time.Time
	logger  zerolog.Logger
}

type conflictVersions struct {
	agent      string
	messageID  string
	candidates []*models.Message
}

// NewManager creates a manager over the given adapter factory. The
// deliverer may be nil; synced messages are then only marked synced.
func NewManager(factory *storage.Factory, deliver Deliverer, logger zerolog.Logger) *Manager {
	return &Manager{
		agents:      make(map[string]*agentState),
		sessions:    make(map[string]*models.SyncSession),
		resolutions: make(map[string]*models.ConflictResolution),
		versions:    make(map[string]conflictVersions),
		factory:     factory,
		deliver:     deliver,
		nowFn:       time.Now,
		logger:      logger.With().Str("component", "offline").Logger(),
	}
}

// SetNow overrides the clock; used by tests.
func (m *Manager) SetNow(now func() time.Time) { m.nowFn = now }

// ConfigureStorage validates and installs an agent's offline storage
// and sync preferences, initializing the chosen adapters.
func (m *Manager) ConfigureStorage(ctx context.Context, agent string, cfg models.StorageConfig, prefs models.SyncPreferences) error {
	if cfg.PrimaryStrategy == "" {
		return &ConfigurationError{Field: "primary_strategy", Reason: "must not be empty"}
	}
	if cfg.MaxStorageSize <= 0 {
		return &ConfigurationError{Field: "max_storage_size", Reason: "must be positive"}
	}
	if cfg.RetentionPeriod <= 0 {
		return &ConfigurationError{Field: "retention_period", Reason: "must be positive"}
	}

	primary, err := m.factory.Adapter(cfg.PrimaryStrategy)
	if err != nil {
		return &ConfigurationError{Field: "primary_strategy", Reason: err.Error()}
	}
	if err := primary.Initialize(ctx, agent, cfg); err != nil {
		return err
	}

	var backup storage.Adapter
	if cfg.BackupStrategy != "" {
		backup, err = m.factory.Adapter(cfg.BackupStrategy)
		if err != nil {
			return &ConfigurationError{Field: "backup_strategy", Reason: err.Error()}
		}
		if err := backup.Initialize(ctx, agent, cfg); err != nil {
			return err
		}
	}

	if prefs.Strategy == "" {
		prefs.Strategy = models.SyncFull
	}
	if prefs.PriorityThreshold == "" {
		prefs.PriorityThreshold = models.PriorityLow
	}

	st := &models.AgentSyncState{
		Agent:       agent,
		Preferences: prefs,
		Storage:     cfg,
		Stats:       models.SyncStats{AverageSyncTime: defaultAverageSyncTime},
	}

	m.mu.Lock()
	m.agents[agent] = &agentState{state: st, primary: primary, backup: backup}
	m.mu.Unlock()

	m.logger.Info().
		Str("agent", agent).
		Str("strategy", string(cfg.PrimaryStrategy)).
		Int64("max_bytes", cfg.MaxStorageSize).
		Msg("offline storage configured")
	return nil
}

func (m *Manager) agentState(agent string) (*agentState, error) {
	m.mu.RLock()
	as := m.agents[agent]
	m.mu.RUnlock()
	if as == nil {
		return nil, &NotConfiguredError{Agent: agent}
	}
	return as, nil
}

// Checksum returns the integrity checksum recorded for stored content.
func Checksum(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// StoreMessage persists a message for an offline recipient. strategy
// overrides the agent's primary strategy when non-empty.
func (m *Manager) StoreMessage(ctx context.Context, msg *models.Message, strategy models.StorageStrategy) (*models.OfflineMessage, error) {
	as, err := m.agentState(msg.To)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	adapter := as.primary
	effective := as.state.Storage.PrimaryStrategy
	if strategy != "" {
		override, err := m.factory.Adapter(strategy)
		if err != nil {
			return nil, &ConfigurationError{Field: "strategy", Reason: err.Error()}
		}
		adapter, effective = override, strategy
	}

	size := msg.Size()
	usage, err := adapter.Usage(ctx, msg.To)
	if err != nil {
		return nil, err
	}
	if usage+size > as.state.Storage.MaxStorageSize {
		// One cleanup pass, then recheck. Capacity errors are never
		// retried beyond that.
		if _, err := m.cleanupLocked(ctx, as, adapter); err != nil {
			return nil, err
		}
		usage, err = adapter.Usage(ctx, msg.To)
		if err != nil {
			return nil, err
		}
		if usage+size > as.state.Storage.MaxStorageSize {
			return nil, &StorageCapacityError{
				Agent:    msg.To,
				Usage:    usage,
				Incoming: size,
				Limit:    as.state.Storage.MaxStorageSize,
			}
		}
	}

	now := m.nowFn()
	avg := as.state.Stats.AverageSyncTime
	if avg <= 0 {
		avg = defaultAverageSyncTime
	}
	pending := len(as.state.Pending.Incoming)

	offline := &models.OfflineMessage{
		Message:    msg,
		StoredAt:   now.UnixMilli(),
		Strategy:   effective,
		SyncStatus: models.SyncPending,
		Location: models.StorageLocation{
			PrimaryKey: msg.ID,
			Checksum:   Checksum(msg.Content),
		},
		Tracking: models.DeliveryTracking{
			OriginalAttempts:  msg.RetryCount,
			QueuedAt:          now.UnixMilli(),
			EstimatedSyncTime: now.Add(time.Duration(pending) * avg).UnixMilli(),
			PriorityBoost:     msg.Priority.Boost(),
		},
	}

	start := time.Now() // wall clock, the injected clock is for scheduling only
	if err := adapter.Store(ctx, offline); err != nil {
		return nil, err
	}
	metrics.AdapterLatency.WithLabelValues(string(effective), "store").Observe(time.Since(start).Seconds())
	if as.backup != nil {
		offline.Location.BackupKey = msg.ID
		if err := as.backup.Store(ctx, offline); err != nil {
			// Backup writes are best effort; primary is authoritative.
			m.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("backup store failed")
			offline.Location.BackupKey = ""
		}
	}

	as.state.Pending.Incoming = append(as.state.Pending.Incoming, msg.ID)
	as.state.CurrentUsage = usage + size

	metrics.OfflineStored.Inc()
	m.logger.Debug().
		Str("agent", msg.To).
		Str("message_id", msg.ID).
		Int("boost", offline.Tracking.PriorityBoost).
		Msg("message stored offline")
	return offline, nil
}

// cleanupLocked removes synced messages older than the retention
// period. Caller holds as.mu.
func (m *Manager) cleanupLocked(ctx context.Context, as *agentState, adapter storage.Adapter) (int, error) {
	cutoff := m.nowFn().Add(-as.state.Storage.RetentionPeriod).UnixMilli()

	stored, err := adapter.List(ctx, as.state.Agent)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, om := range stored {
		if om.SyncStatus != models.SyncSynced || om.StoredAt > cutoff {
			continue
		}
		if err := adapter.Delete(ctx, as.state.Agent, om.Message.ID); err != nil {
			return removed, err
		}
		if as.backup != nil && om.Location.BackupKey != "" {
			_ = as.backup.Delete(ctx, as.state.Agent, om.Message.ID)
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info().
			Str("agent", as.state.Agent).
			Int("removed", removed).
			Msg("retention cleanup")
	}
	return removed, nil
}

// Cleanup runs a retention pass for one agent.
func (m *Manager) Cleanup(ctx context.Context, agent string) (int, error) {
	as, err := m.agentState(agent)
	if err != nil {
		return 0, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return m.cleanupLocked(ctx, as, as.primary)
}

// MarkOnline flips an agent online without starting a session.
func (m *Manager) MarkOnline(agent string) {
	m.mu.RLock()
	as := m.agents[agent]
	m.mu.RUnlock()
	if as == nil {
		return
	}
	as.mu.Lock()
	as.state.IsOnline = true
	as.state.LastSeenOnline = m.nowFn()
	as.mu.Unlock()
}

// HandleAgentOffline marks the agent offline, cancels its active sync
// sessions and returns the estimated time a future resync will need.
func (m *Manager) HandleAgentOffline(agent, reason string) (time.Duration, error) {
	as, err := m.agentState(agent)
	if err != nil {
		return 0, err
	}

	as.mu.Lock()
	as.state.IsOnline = false
	as.state.LastSeenOnline = m.nowFn()
	pending := len(as.state.Pending.Incoming)
	avg := as.state.Stats.AverageSyncTime
	if avg <= 0 {
		avg = defaultAverageSyncTime
	}
	as.mu.Unlock()

	cancelled := 0
	m.sessMu.Lock()
	for _, sess := range m.sessions {
		if sess.Agent == agent && sess.Status == models.SessionActive {
			sess.Status = models.SessionCancelled
			sess.EndTime = m.nowFn()
			cancelled++
		}
	}
	m.sessMu.Unlock()

	m.logger.Info().
		Str("agent", agent).
		Str("reason", reason).
		Int("sessions_cancelled", cancelled).
		Msg("agent offline")

	return time.Duration(pending) * avg, nil
}

// cloneSession copies a session for callers outside the session lock;
// the live struct keeps mutating while a session runs.
func cloneSession(s *models.SyncSession) *models.SyncSession {
	out := *s
	out.Operations = append([]models.SyncOperation(nil), s.Operations...)
	return &out
}

// Session returns a snapshot of a session by id.
func (m *Manager) Session(id string) (*models.SyncSession, bool) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return cloneSession(s), true
}

// SessionOptions narrow which pending messages a session processes.
type SessionOptions struct {
	Strategy          models.SyncStrategy // override; empty uses preferences
	PriorityThreshold models.Priority     // for priority_sync
	Conversation      string              // for conversation scope
	Since, Until      int64               // Unix ms window for time_window / delta
	MaxMessages       int
	MessageIDs        []string // for selective
}

// StartSyncSession opens a sync session for a reconnecting agent and
// processes its backlog message by message. Each message's failure is
// independent; the session completes regardless unless cancelled.
func (m *Manager) StartSyncSession(ctx context.Context, agent string, opts SessionOptions) (*models.SyncSession, error) {
	as, err := m.agentState(agent)
	if err != nil {
		return nil, err
	}

	m.MarkOnline(agent)

	as.mu.Lock()
	prefs := as.state.Preferences
	avg := as.state.Stats.AverageSyncTime
	lastSync := as.state.LastSyncAt
	as.mu.Unlock()
	if avg <= 0 {
		avg = defaultAverageSyncTime
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = prefs.Strategy
	}

	stored, err := as.primary.List(ctx, agent)
	if err != nil {
		return nil, err
	}
	batch := selectMessages(stored, strategy, prefs, opts, lastSync)
	conflicts := 0
	for _, om := range stored {
		if om.SyncStatus == models.SyncConflict {
			conflicts++
		}
	}

	sess := &models.SyncSession{
		ID:        uuid.New().String(),
		Agent:     agent,
		StartTime: m.nowFn(),
		Status:    models.SessionActive,
		Progress: models.SyncProgress{
			TotalMessages:      len(batch),
			ConflictsFound:     conflicts,
			EstimatedRemaining: time.Duration(len(batch)) * avg,
		},
	}

	m.sessMu.Lock()
	m.sessions[sess.ID] = sess
	m.sessMu.Unlock()
	metrics.SyncSessions.WithLabelValues("started").Inc()

	m.runSession(ctx, as, sess, batch, avg)

	m.sessMu.RLock()
	out := cloneSession(sess)
	m.sessMu.RUnlock()
	return out, nil
}

// selectMessages filters and orders the stored backlog for one
// session. Priority boost orders processing; within a boost the
// oldest message goes first.
func selectMessages(stored []*models.OfflineMessage, strategy models.SyncStrategy, prefs models.SyncPreferences, opts SessionOptions, lastSync time.Time) []*models.OfflineMessage {
	var batch []*models.OfflineMessage
	selected := make(map[string]bool, len(opts.MessageIDs))
	for _, id := range opts.MessageIDs {
		selected[id] = true
	}

	for _, om := range stored {
		if om.SyncStatus == models.SyncSynced || om.SyncStatus == models.SyncConflict {
			continue
		}
		switch strategy {
		case models.SyncDelta:
			if !lastSync.IsZero() && om.StoredAt <= lastSync.UnixMilli() {
				continue
			}
		case models.SyncPrioritySync:
			threshold := opts.PriorityThreshold
			if threshold == "" {
				threshold = prefs.PriorityThreshold
			}
			if om.Message.Priority.Boost() < threshold.Boost() {
				continue
			}
		case models.SyncConversation:
			if opts.Conversation != "" && om.Message.ConversationID != opts.Conversation {
				continue
			}
		case models.SyncTimeWindow:
			if opts.Since > 0 && om.StoredAt < opts.Since {
				continue
			}
			if opts.Until > 0 && om.StoredAt > opts.Until {
				continue
			}
		case models.SyncSelective:
			if !selected[om.Message.ID] {
				continue
			}
		}
		batch = append(batch, om)
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Tracking.PriorityBoost != batch[j].Tracking.PriorityBoost {
			return batch[i].Tracking.PriorityBoost > batch[j].Tracking.PriorityBoost
		}
		return batch[i].StoredAt < batch[j].StoredAt
	})

	if opts.MaxMessages > 0 && len(batch) > opts.MaxMessages {
		batch = batch[:opts.MaxMessages]
	}
	return batch
}

func (m *Manager) runSession(ctx context.Context, as *agentState, sess *models.SyncSession, batch []*models.OfflineMessage, avg time.Duration) {
	start := m.nowFn()

	for _, om := range batch {
		m.sessMu.RLock()
		status := sess.Status
		m.sessMu.RUnlock()
		if status != models.SessionActive {
			// Cancelled mid-flight; unsynced messages stay pending.
			return
		}

		ok := m.syncOne(ctx, as, sess, om)

		m.sessMu.Lock()
		sess.Progress.ProcessedMessages++
		if ok {
			sess.Progress.SuccessfulSyncs++
			sess.Performance.BytesTransferred += om.Message.Size()
		} else {
			sess.Progress.FailedSyncs++
		}
		remaining := sess.Progress.TotalMessages - sess.Progress.ProcessedMessages
		sess.Progress.EstimatedRemaining = time.Duration(remaining) * avg
		sess.Operations = append(sess.Operations, models.SyncOperation{
			Kind:      "download",
			MessageID: om.Message.ID,
			Timestamp: m.nowFn().UnixMilli(),
			Success:   ok,
		})
		m.sessMu.Unlock()
	}

	elapsed := m.nowFn().Sub(start)
	m.finishSession(as, sess, elapsed)
}

// syncOne attempts to deliver one stored message. Failures are
// recorded on the offline message and never block the rest.
func (m *Manager) syncOne(ctx context.Context, as *agentState, sess *models.SyncSession, om *models.OfflineMessage) bool {
	om.SyncStatus = models.SyncSyncing

	if m.deliver != nil {
		if err := m.deliver(ctx, sess.Agent, om.Message); err != nil {
			om.SyncStatus = models.SyncFailed
			om.SyncAttempts++
			_ = as.primary.Store(ctx, om)
			m.logger.Warn().
				Err(err).
				Str("agent", sess.Agent).
				Str("message_id", om.Message.ID).
				Int("attempts", om.SyncAttempts).
				Msg("sync delivery failed")
			return false
		}
	}

	om.SyncStatus = models.SyncSynced
	if err := as.primary.Store(ctx, om); err != nil {
		m.logger.Warn().Err(err).Str("message_id", om.Message.ID).Msg("sync status write failed")
	}

	as.mu.Lock()
	as.state.Pending.Incoming = removeID(as.state.Pending.Incoming, om.Message.ID)
	as.mu.Unlock()
	return true
}

func (m *Manager) finishSession(as *agentState, sess *models.SyncSession, elapsed time.Duration) {
	m.sessMu.Lock()
	if sess.Status != models.SessionActive {
		m.sessMu.Unlock()
		return
	}
	sess.Status = models.SessionCompleted
	sess.EndTime = m.nowFn()
	processed := sess.Progress.ProcessedMessages
	synced := sess.Progress.SuccessfulSyncs
	if elapsed > 0 && processed > 0 {
		sess.Performance.Bandwidth = float64(sess.Performance.BytesTransferred) / elapsed.Seconds()
	}
	m.sessMu.Unlock()

	// Running average weighted by prior totals.
	as.mu.Lock()
	st := as.state
	if synced > 0 {
		perMessage := elapsed / time.Duration(processed)
		prior := st.Stats.TotalSynced
		total := prior + int64(synced)
		st.Stats.AverageSyncTime = time.Duration(
			(int64(st.Stats.AverageSyncTime)*prior + int64(perMessage)*int64(synced)) / total,
		)
		st.Stats.TotalSynced = total
	}
	st.Stats.TotalFailed += int64(sess.Progress.FailedSyncs)
	st.Stats.LastSessionID = sess.ID
	st.LastSyncAt = m.nowFn()
	as.mu.Unlock()

	metrics.SyncSessions.WithLabelValues("completed").Inc()
	m.logger.Info().
		Str("agent", sess.Agent).
		Str("session_id", sess.ID).
		Int("synced", synced).
		Int("failed", sess.Progress.FailedSyncs).
		Dur("elapsed", elapsed).
		Msg("sync session completed")
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// SyncStatusView is the read-only status snapshot for one agent.
type SyncStatusView struct {
	Agent          string                `json:"agent"`
	IsOnline       bool                  `json:"is_online"`
	LastSeenOnline time.Time             `json:"last_seen_online"`
	LastSyncAt     time.Time             `json:"last_sync_at"`
	PendingCount   int                   `json:"pending_count"`
	ConflictCount  int                   `json:"conflict_count"`
	CurrentUsage   int64                 `json:"current_usage"`
	MaxStorageSize int64                 `json:"max_storage_size"`
	Stats          models.SyncStats      `json:"stats"`
	ActiveSessions []*models.SyncSession `json:"active_sessions,omitempty"`
}

// SyncStatus returns the agent's sync snapshot. Never mutates state.
func (m *Manager) SyncStatus(agent string) (SyncStatusView, error) {
	as, err := m.agentState(agent)
	if err != nil {
		return SyncStatusView{}, err
	}

	as.mu.Lock()
	view := SyncStatusView{
		Agent:          agent,
		IsOnline:       as.state.IsOnline,
		LastSeenOnline: as.state.LastSeenOnline,
		LastSyncAt:     as.state.LastSyncAt,
		PendingCount:   len(as.state.Pending.Incoming),
		ConflictCount:  len(as.state.Pending.Conflicts),
		CurrentUsage:   as.state.CurrentUsage,
		MaxStorageSize: as.state.Storage.MaxStorageSize,
		Stats:          as.state.Stats,
	}
	as.mu.Unlock()

	m.sessMu.RLock()
	for _, sess := range m.sessions {
		if sess.Agent == agent && sess.Status == models.SessionActive {
			view.ActiveSessions = append(view.ActiveSessions, cloneSession(sess))
		}
	}
	m.sessMu.RUnlock()
	return view, nil
}

// Analytics aggregates sync activity across all agents within the
// timeframe. Read-only.
type Analytics struct {
	Timeframe         time.Duration `json:"timeframe"`
	ConfiguredAgents  int           `json:"configured_agents"`
	OnlineAgents      int           `json:"online_agents"`
	PendingMessages   int           `json:"pending_messages"`
	OpenConflicts     int           `json:"open_conflicts"`
	SessionsCompleted int           `json:"sessions_completed"`
	SessionsFailed    int           `json:"sessions_failed"`
	SessionsCancelled int           `json:"sessions_cancelled"`
	TotalSynced       int64         `json:"total_synced"`
	TotalFailed       int64         `json:"total_failed"`
}

// GetAnalytics reports aggregate sync activity for the timeframe.
func (m *Manager) GetAnalytics(timeframe time.Duration) Analytics {
	out := Analytics{Timeframe: timeframe}
	cutoff := m.nowFn().Add(-timeframe)

	m.mu.RLock()
	states := make([]*agentState, 0, len(m.agents))
	for _, as := range m.agents {
		states = append(states, as)
	}
	m.mu.RUnlock()

	out.ConfiguredAgents = len(states)
	for _, as := range states {
		as.mu.Lock()
		if as.state.IsOnline {
			out.OnlineAgents++
		}
		out.PendingMessages += len(as.state.Pending.Incoming)
		out.OpenConflicts += len(as.state.Pending.Conflicts)
		out.TotalSynced += as.state.Stats.TotalSynced
		out.TotalFailed += as.state.Stats.TotalFailed
		as.mu.Unlock()
	}

	m.sessMu.RLock()
	for _, sess := range m.sessions {
		if sess.EndTime.IsZero() || sess.EndTime.Before(cutoff) {
			continue
		}
		switch sess.Status {
		case models.SessionCompleted:
			out.SessionsCompleted++
		case models.SessionFailed:
			out.SessionsFailed++
		case models.SessionCancelled:
			out.SessionsCancelled++
		}
	}
	m.sessMu.RUnlock()
	return out
}
