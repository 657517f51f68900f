// Package router applies ordered routing rules to outgoing messages
// before delivery hand-off. The router has no persistent state and is
// safe to call concurrently.
package router

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/models"
)

// Field names a message attribute a condition can test.
type Field string

const (
	FieldType           Field = "type"
	FieldPriority       Field = "priority"
	FieldFrom           Field = "from"
	FieldTo             Field = "to"
	FieldConversationID Field = "conversation_id"
	FieldContentLength  Field = "content_length"
)

// Op is a comparison operator over a message field.
type Op string

const (
	OpEquals    Op = "eq"
	OpNotEquals Op = "ne"
	OpAtLeast   Op = "gte" // priority boost or content length
	OpAtMost    Op = "lte"
)

// Condition is one typed predicate over message fields. Conditions are
// static configuration; an unrecognized field or operator evaluates to
// false and the rule is skipped.
type Condition struct {
	Field Field  `json:"field"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

// ActionKind names what a matched rule does to the message.
type ActionKind string

const (
	ActionRouteToPlatform ActionKind = "route_to_platform"
	ActionStoreOnChain    ActionKind = "store_on_chain"
	ActionSetPriority     ActionKind = "set_priority"
	ActionFilter          ActionKind = "filter"
	ActionDelay           ActionKind = "delay"
)

// Action is one effect applied by a matched rule.
type Action struct {
	Kind     ActionKind      `json:"kind"`
	Platform string          `json:"platform,omitempty"`
	Priority models.Priority `json:"priority,omitempty"`
	Delay    time.Duration   `json:"delay,omitempty"`
}

// Rule is one ordered routing rule: all conditions must hold for the
// actions to apply.
type Rule struct {
	Name       string      `json:"name"`
	Priority   int         `json:"priority"` // higher runs first
	Active     bool        `json:"active"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// Router evaluates rules against outgoing messages.
type Router struct {
	rules  []Rule // sorted by descending rule priority
	logger zerolog.Logger
}

// New builds a router over a static rule list.
func New(rules []Rule, logger zerolog.Logger) *Router {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Router{
		rules:  sorted,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Route applies every matching active rule's actions in priority order
// and returns the annotated message. A nil result means a filter rule
// dropped the message.
func (r *Router) Route(msg *models.Message) *models.Message {
	out := *msg
	for _, rule := range r.rules {
		if !rule.Active || !matches(rule, &out) {
			continue
		}
		for _, action := range rule.Actions {
			switch action.Kind {
			case ActionRouteToPlatform:
				out.Platform = action.Platform
			case ActionStoreOnChain:
				out.OnChainStorage = true
			case ActionSetPriority:
				out.Priority = action.Priority
			case ActionFilter:
				r.logger.Debug().
					Str("rule", rule.Name).
					Str("message_id", out.ID).
					Msg("message filtered")
				return nil
			case ActionDelay:
				out.DeliverAfter = time.Now().Add(action.Delay).UnixMilli()
			}
		}
	}
	return &out
}

func matches(rule Rule, msg *models.Message) bool {
	for _, c := range rule.Conditions {
		if !evaluate(c, msg) {
			return false
		}
	}
	return true
}

func evaluate(c Condition, msg *models.Message) bool {
	switch c.Field {
	case FieldType:
		return compareString(string(msg.Type), c.Op, c.Value)
	case FieldFrom:
		return compareString(msg.From, c.Op, c.Value)
	case FieldTo:
		return compareString(msg.To, c.Op, c.Value)
	case FieldConversationID:
		return compareString(msg.ConversationID, c.Op, c.Value)
	case FieldPriority:
		return compareInt(msg.Priority.Boost(), c.Op, models.Priority(c.Value).Boost())
	case FieldContentLength:
		return compareInt(len(msg.Content), c.Op, atoi(c.Value))
	}
	return false
}

func compareString(got string, op Op, want string) bool {
	switch op {
	case OpEquals:
		return got == want
	case OpNotEquals:
		return got != want
	}
	return false
}

func compareInt(got int, op Op, want int) bool {
	switch op {
	case OpEquals:
		return got == want
	case OpNotEquals:
		return got != want
	case OpAtLeast:
		return got >= want
	case OpAtMost:
		return got <= want
	}
	return false
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
