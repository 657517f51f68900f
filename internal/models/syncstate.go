package models

import "time"

// SyncStrategy selects which pending messages a sync session processes.
type SyncStrategy string

const (
	SyncFull         SyncStrategy = "full"
	SyncDelta        SyncStrategy = "delta"         // only messages newer than last sync
	SyncPrioritySync SyncStrategy = "priority_sync" // priority threshold first
	SyncConversation SyncStrategy = "conversation"  // scoped to one conversation
	SyncTimeWindow   SyncStrategy = "time_window"
	SyncSelective    SyncStrategy = "selective" // caller supplies message ids
)

// SyncPreferences controls how an agent's backlog is reconciled.
type SyncPreferences struct {
	Strategy             SyncStrategy     `json:"strategy"`
	MaxOfflineTime       time.Duration    `json:"max_offline_time"`
	PriorityThreshold    Priority         `json:"priority_threshold"`
	AutoResolveConflicts bool             `json:"auto_resolve_conflicts"`
	ConflictStrategy     ConflictStrategy `json:"conflict_strategy"`
}

// StorageConfig is the per-agent offline storage policy.
type StorageConfig struct {
	PrimaryStrategy   StorageStrategy `json:"primary_strategy"`
	BackupStrategy    StorageStrategy `json:"backup_strategy,omitempty"`
	MaxStorageSize    int64           `json:"max_storage_size"` // bytes
	RetentionPeriod   time.Duration   `json:"retention_period"`
	EncryptionEnabled bool            `json:"encryption_enabled"`
}

// PendingMessages tracks message ids awaiting sync, per direction.
type PendingMessages struct {
	Incoming  []string `json:"incoming"`
	Outgoing  []string `json:"outgoing"`
	Conflicts []string `json:"conflicts"`
}

// SyncStats aggregates an agent's sync history.
type SyncStats struct {
	TotalSynced     int64         `json:"total_synced"`
	TotalFailed     int64         `json:"total_failed"`
	AverageSyncTime time.Duration `json:"average_sync_time"`
	LastSessionID   string        `json:"last_session_id,omitempty"`
}

// AgentSyncState is the long-lived offline-sync record for one agent.
// It is created by ConfigureStorage and updated on every connect,
// disconnect and sync event.
type AgentSyncState struct {
	Agent            string          `json:"agent"`
	IsOnline         bool            `json:"is_online"`
	LastSeenOnline   time.Time       `json:"last_seen_online"`
	LastSyncAt       time.Time       `json:"last_sync_at"`
	Pending          PendingMessages `json:"pending"`
	Preferences      SyncPreferences `json:"preferences"`
	Storage          StorageConfig   `json:"storage"`
	Stats            SyncStats       `json:"stats"`
	CurrentUsage     int64           `json:"current_usage"` // bytes stored
}
