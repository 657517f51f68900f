package offline

import "fmt"

// ConfigurationError reports invalid storage or sync configuration.
// Fatal for the call, never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// NotConfiguredError reports an operation on an agent with no sync
// state.
type NotConfiguredError struct {
	Agent string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("agent %s has no offline storage configured", e.Agent)
}

// StorageCapacityError reports a quota breach that persisted after a
// cleanup pass. The message is not stored.
type StorageCapacityError struct {
	Agent    string
	Usage    int64
	Incoming int64
	Limit    int64
}

func (e *StorageCapacityError) Error() string {
	return fmt.Sprintf("storage quota exceeded for %s: %d + %d > %d bytes",
		e.Agent, e.Usage, e.Incoming, e.Limit)
}

// UserInputRequiredError reports a conflict strategy that needs an
// explicit decision. The conflict remains open.
type UserInputRequiredError struct {
	ConflictID string
}

func (e *UserInputRequiredError) Error() string {
	return fmt.Sprintf("conflict %s requires an explicit version selection", e.ConflictID)
}

// SyncTimeoutError reports a session that exceeded the hard timeout.
// Pending messages remain queued for the next attempt.
type SyncTimeoutError struct {
	SessionID string
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("sync session %s exceeded the hard timeout", e.SessionID)
}
