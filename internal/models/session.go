package models

import "time"

// SessionStatus is the lifecycle state of a sync session. Completed,
// failed and cancelled are final.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the session can no longer change state.
func (s SessionStatus) IsTerminal() bool {
	return s != SessionActive
}

// SyncProgress counts a session's work as it advances.
type SyncProgress struct {
	TotalMessages      int           `json:"total_messages"`
	ProcessedMessages  int           `json:"processed_messages"`
	SuccessfulSyncs    int           `json:"successful_syncs"`
	FailedSyncs        int           `json:"failed_syncs"`
	ConflictsFound     int           `json:"conflicts_found"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// SyncOperation is one audit-trail step inside a session.
type SyncOperation struct {
	Kind      string `json:"kind"` // download, upload, resolve, cleanup
	MessageID string `json:"message_id,omitempty"`
	Timestamp int64  `json:"ts"` // Unix ms
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// SessionPerformance measures a session's transfer characteristics.
type SessionPerformance struct {
	BytesTransferred int64         `json:"bytes_transferred"`
	Bandwidth        float64       `json:"bandwidth_bps,omitempty"`
	Latency          time.Duration `json:"latency,omitempty"`
	Retransmissions  int           `json:"retransmissions"`
}

// SyncSession is one reconnect reconciliation cycle for an agent.
// Sessions are ephemeral: terminal sessions are purged from the active
// set roughly one hour after they end.
type SyncSession struct {
	ID          string             `json:"id"`
	Agent       string             `json:"agent"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time,omitempty"`
	Status      SessionStatus      `json:"status"`
	Progress    SyncProgress       `json:"progress"`
	Operations  []SyncOperation    `json:"operations,omitempty"`
	Performance SessionPerformance `json:"performance"`
}
