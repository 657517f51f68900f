package models

import "time"

// StorageStrategy names the backend an offline message is written to.
type StorageStrategy string

const (
	StorageMemory   StorageStrategy = "memory"
	StorageSQLite   StorageStrategy = "sqlite"
	StoragePostgres StorageStrategy = "postgres"
	StorageRedis    StorageStrategy = "redis"
)

// SyncStatus is the offline message's position in the sync pipeline.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncFailed   SyncStatus = "failed"
	SyncConflict SyncStatus = "conflict"
)

// StorageLocation records where an offline message lives and how to
// verify it on retrieval.
type StorageLocation struct {
	PrimaryKey string `json:"primary_key"`
	BackupKey  string `json:"backup_key,omitempty"`
	Checksum   string `json:"checksum"` // blake2b over message content
}

// DeliveryTracking carries the sync-scheduling metadata for an
// offline message.
type DeliveryTracking struct {
	OriginalAttempts  int   `json:"original_attempts"`
	QueuedAt          int64 `json:"queued_at"` // Unix ms
	EstimatedSyncTime int64 `json:"estimated_sync_time,omitempty"`
	PriorityBoost     int   `json:"priority_boost"`
}

// ConflictSeverity grades how much a conflict can affect delivery.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// Conflict marks two or more divergent versions of one logical message.
type Conflict struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // content, status, ordering
	Severity ConflictSeverity `json:"severity"`
}

// OfflineMessage wraps a Message while it awaits delivery to an
// offline recipient.
type OfflineMessage struct {
	Message      *Message         `json:"message"`
	StoredAt     int64            `json:"stored_at"` // Unix ms
	Strategy     StorageStrategy  `json:"strategy"`
	SyncStatus   SyncStatus       `json:"sync_status"`
	SyncAttempts int              `json:"sync_attempts"`
	Location     StorageLocation  `json:"location"`
	Conflicts    []Conflict       `json:"conflicts,omitempty"`
	Tracking     DeliveryTracking `json:"tracking"`
}

// ConflictStrategy names a conflict resolution policy.
type ConflictStrategy string

const (
	LastWriteWins  ConflictStrategy = "last_write_wins"
	FirstWriteWins ConflictStrategy = "first_write_wins"
	UserDecision   ConflictStrategy = "user_decision"
	MergeChanges   ConflictStrategy = "merge_changes"
	PriorityBased  ConflictStrategy = "priority_based"
	SenderPriority ConflictStrategy = "sender_priority"
)

// ConflictResolution records the outcome of one resolved conflict.
// Entries are purged 24 hours after resolution.
type ConflictResolution struct {
	ConflictID        string           `json:"conflict_id"`
	MessageID         string           `json:"message_id"`
	Strategy          ConflictStrategy `json:"strategy"`
	ResolvedMessage   *Message         `json:"resolved_message"`
	DiscardedVersions []*Message       `json:"discarded_versions,omitempty"`
	Reason            string           `json:"reason"`
	ResolvedAt        time.Time        `json:"resolved_at"`
}
