package models

import "time"

// ConnectionStatus is the transport state of an agent connection.
type ConnectionStatus string

const (
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnReconnecting ConnectionStatus = "reconnecting"
	ConnDisconnected ConnectionStatus = "disconnected"
)

// ConnectionOptions are the caller-supplied settings for a new connection.
type ConnectionOptions struct {
	DeviceType     string         `json:"device_type,omitempty"`
	Platform       string         `json:"platform,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	AutoReconnect  bool           `json:"auto_reconnect"`
	PresenceStatus PresenceStatus `json:"presence_status,omitempty"`
}

// ConnectionInfo is the externally visible snapshot of a connection.
// The live connection (transport handle, queue, timers) is owned by
// the registry; this is what the API returns.
type ConnectionInfo struct {
	ID                string           `json:"id"`
	Agent             string           `json:"agent"`
	Status            ConnectionStatus `json:"status"`
	LastPing          time.Time        `json:"last_ping,omitempty"`
	LastPong          time.Time        `json:"last_pong,omitempty"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	QueueDepth        int              `json:"queue_depth"`
	PendingAcks       int              `json:"pending_acks"`
	ConnectedAt       time.Time        `json:"connected_at"`
}

// PresenceStatus is an agent's advertised availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceBusy    PresenceStatus = "busy"
	PresenceAway    PresenceStatus = "away"
)
