package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageType classifies the payload of a message.
type MessageType string

const (
	TypeText                MessageType = "text"
	TypeTaskRequest         MessageType = "task_request"
	TypeTaskResponse        MessageType = "task_response"
	TypePaymentNotification MessageType = "payment_notification"
	TypeSystemAlert         MessageType = "system_alert"
	TypeFileTransfer        MessageType = "file_transfer"
)

// Priority orders messages for routing and offline sync.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Boost returns the numeric weight used to reorder offline messages
// during sync. Higher boosts are processed first.
func (p Priority) Boost() int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityUrgent:
		return 5
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// DeliveryGuarantee is the duplicate/loss tolerance promised for a message.
type DeliveryGuarantee string

const (
	AtMostOnce  DeliveryGuarantee = "at_most_once"
	AtLeastOnce DeliveryGuarantee = "at_least_once"
	ExactlyOnce DeliveryGuarantee = "exactly_once"
)

// DeliveryStatus is the state of a message in its delivery lifecycle.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusQueued    DeliveryStatus = "queued" // recipient offline, stored for sync
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusExpired   DeliveryStatus = "expired"
)

// IsTerminal reports whether the status admits no further transitions.
// Delivered still allows the read receipt; read, failed and expired
// are final.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case StatusRead, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal
// delivery state transition.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	// Any non-terminal state may fail or expire.
	if next == StatusFailed || next == StatusExpired {
		return true
	}
	switch s {
	case StatusSending:
		return next == StatusSent || next == StatusQueued
	case StatusSent:
		return next == StatusDelivered || next == StatusQueued
	case StatusQueued:
		return next == StatusSent || next == StatusDelivered
	case StatusDelivered:
		return next == StatusRead
	}
	return false
}

// Message is a single agent-to-agent message. The struct is immutable
// once created; only DeliveryStatus and RetryCount advance, and only
// through the Delivery Tracker.
type Message struct {
	ID              string            `json:"id"` // ULID, sortable by creation time
	ConversationID  string            `json:"conversation_id"`
	From            string            `json:"from"`
	To              string            `json:"to"`
	Type            MessageType       `json:"type"`
	Content         string            `json:"content"`
	Priority        Priority          `json:"priority"`
	DeliveryStatus  DeliveryStatus    `json:"delivery_status"`
	Timestamp       int64             `json:"ts"` // Unix ms
	ExpiresAt       int64             `json:"expires_at,omitempty"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	Guarantee       DeliveryGuarantee `json:"guarantee"`
	RequiresAck     bool              `json:"requires_ack"`
	AckTimeout      time.Duration     `json:"ack_timeout,omitempty"`
	OnChainStorage  bool              `json:"on_chain,omitempty"`      // set by the router
	Platform        string            `json:"platform,omitempty"`      // set by the router
	DeliverAfter    int64             `json:"deliver_after,omitempty"` // set by a delay rule, Unix ms
	LedgerReference string            `json:"ledger_ref,omitempty"`
}

// NewMessage builds a message with defaults applied: a fresh ULID,
// normal priority, at-least-once delivery and three retries.
func NewMessage(conversationID, from, to string, mt MessageType, content string) *Message {
	return &Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		From:           from,
		To:             to,
		Type:           mt,
		Content:        content,
		Priority:       PriorityNormal,
		DeliveryStatus: StatusSending,
		Timestamp:      time.Now().UnixMilli(),
		MaxRetries:     3,
		Guarantee:      AtLeastOnce,
		AckTimeout:     30 * time.Second,
	}
}

// Expired reports whether the message's expiry has passed at now (Unix ms).
func (m *Message) Expired(now int64) bool {
	return m.ExpiresAt > 0 && now >= m.ExpiresAt
}

// Size returns the stored size of the message content in bytes,
// used for storage quota accounting.
func (m *Message) Size() int64 {
	return int64(len(m.Content))
}
