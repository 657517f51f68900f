// Package relay ties the pipeline together: sender -> router ->
// connection registry (online) or offline sync manager (offline),
// with the delivery tracker and presence tracker observing every hop.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/delivery"
	"github.com/ghostspeak/relay/internal/ledger"
	"github.com/ghostspeak/relay/internal/metrics"
	"github.com/ghostspeak/relay/internal/models"
	"github.com/ghostspeak/relay/internal/offline"
	"github.com/ghostspeak/relay/internal/presence"
	"github.com/ghostspeak/relay/internal/registry"
	"github.com/ghostspeak/relay/internal/router"
)

// ErrFiltered is returned when a routing rule drops the message.
var ErrFiltered = errors.New("message filtered by routing rule")

// Service is the message delivery front door.
type Service struct {
	registry *registry.Registry
	presence *presence.Tracker
	router   *router.Router
	offline  *offline.Manager
	tracker  *delivery.Tracker
	ledger   ledger.Ledger
	logger   zerolog.Logger
}

// Deps carries the collaborators the service is assembled from.
type Deps struct {
	Registry *registry.Registry
	Presence *presence.Tracker
	Router   *router.Router
	Offline  *offline.Manager
	Ledger   ledger.Ledger
}

// New assembles the service. Call BindTracker before first use.
func New(deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		registry: deps.Registry,
		presence: deps.Presence,
		router:   deps.Router,
		offline:  deps.Offline,
		ledger:   deps.Ledger,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
}

// BindTracker attaches the delivery tracker after construction. The
// tracker's retry and failure callbacks point back at the service, so
// the two are built before being bound to each other.
func (s *Service) BindTracker(t *delivery.Tracker) {
	s.tracker = t
}

// Connect registers an agent connection and flips its presence.
func (s *Service) Connect(ctx context.Context, agent string, opts models.ConnectionOptions, transport registry.Transport, dialer registry.Dialer) (models.ConnectionInfo, error) {
	info, err := s.registry.Connect(ctx, agent, opts, transport, dialer)
	if err != nil {
		return models.ConnectionInfo{}, err
	}

	status := opts.PresenceStatus
	if status == "" {
		status = models.PresenceOnline
	}
	s.presence.Set(agent, status)
	s.offline.MarkOnline(agent)
	return info, nil
}

// Disconnect tears the agent's connection down; presence goes offline
// and active sync sessions are cancelled.
func (s *Service) Disconnect(agent string) error {
	return s.registry.Disconnect(agent)
}

// HandleDisconnect is wired as the registry's OnDisconnect hook so
// transport-level drops get the same treatment as explicit calls.
func (s *Service) HandleDisconnect(agent, reason string) {
	s.presence.Set(agent, models.PresenceOffline)
	if _, err := s.offline.HandleAgentOffline(agent, reason); err != nil {
		var notConfigured *offline.NotConfiguredError
		if !errors.As(err, &notConfigured) {
			s.logger.Warn().Err(err).Str("agent", agent).Msg("offline handoff failed")
		}
	}
}

// Send routes one message and hands it to the recipient's connection
// or to offline storage. The returned message carries the router's
// annotations and the resulting delivery status.
func (s *Service) Send(ctx context.Context, msg *models.Message) (*models.Message, error) {
	routed := s.router.Route(msg)
	if routed == nil {
		metrics.MessagesRouted.WithLabelValues("filtered").Inc()
		return nil, ErrFiltered
	}

	if routed.OnChainStorage && s.ledger != nil {
		ref, err := s.ledger.Store(ctx, []byte(routed.Content))
		if err != nil {
			// Ledger failures are logged, never retried or escalated.
			s.logger.Warn().Err(err).Str("message_id", routed.ID).Msg("ledger store failed")
		} else {
			routed.LedgerReference = ref
		}
	}

	s.tracker.Track(routed)
	return routed, s.dispatch(ctx, routed)
}

// dispatch places a tracked message with the registry or the offline
// store. Also used for retries.
func (s *Service) dispatch(ctx context.Context, msg *models.Message) error {
	if msg.DeliverAfter > 0 && s.tracker.Now().UnixMilli() < msg.DeliverAfter {
		// A delay rule set a future delivery time; the tracker's tick
		// re-dispatches once it arrives.
		s.tracker.Defer(msg.ID, time.UnixMilli(msg.DeliverAfter))
		metrics.MessagesRouted.WithLabelValues("delayed").Inc()
		return nil
	}

	if s.registry.IsConnected(msg.To) {
		if err := s.registry.Enqueue(msg.To, msg); err != nil {
			s.tracker.RecordFailure(msg.ID, err.Error())
			return nil
		}
		metrics.MessagesRouted.WithLabelValues("online").Inc()
		return s.tracker.MarkSent(msg.ID)
	}

	if _, err := s.offline.StoreMessage(ctx, msg, ""); err != nil {
		var notConfigured *offline.NotConfiguredError
		if errors.As(err, &notConfigured) {
			s.tracker.RecordFailure(msg.ID, err.Error())
			return err
		}
		return err
	}
	metrics.MessagesRouted.WithLabelValues("offline").Inc()
	return s.tracker.MarkQueued(msg.ID)
}

// Resend is the delivery tracker's re-dispatch callback, fired for
// backoff retries and for released delayed deliveries.
func (s *Service) Resend(msg *models.Message) {
	if msg.RetryCount > 0 {
		metrics.DeliveryRetries.Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.dispatch(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("retry dispatch failed")
	}
}

// ReportFailure tells the sender a message terminally failed. The
// failure is surfaced as a system alert when the sender is reachable,
// and always logged.
func (s *Service) ReportFailure(msg *models.Message, reason string) {
	metrics.DeliveryFailures.Inc()
	s.logger.Error().
		Str("message_id", msg.ID).
		Str("from", msg.From).
		Str("to", msg.To).
		Str("reason", reason).
		Msg("message delivery failed")

	if !s.registry.IsConnected(msg.From) {
		return
	}
	alert := models.NewMessage(msg.ConversationID, "system", msg.From, models.TypeSystemAlert,
		fmt.Sprintf("delivery of %s to %s failed: %s", msg.ID, msg.To, reason))
	alert.RequiresAck = false
	if err := s.registry.Enqueue(msg.From, alert); err != nil {
		s.logger.Warn().Err(err).Str("agent", msg.From).Msg("failure alert not delivered")
	}
}

// DeliverSynced hands a stored message to its reconnected recipient;
// wired as the offline manager's deliverer.
func (s *Service) DeliverSynced(ctx context.Context, agent string, msg *models.Message) error {
	if !s.registry.IsConnected(agent) {
		return registry.ErrNotConnected
	}
	if err := s.registry.Enqueue(agent, msg); err != nil {
		return err
	}
	// Queued -> delivered: hand-off during sync counts as delivery.
	// Messages restored from storage by an earlier process are not
	// tracked here; that is fine.
	if err := s.tracker.MarkDelivered(msg.ID); err != nil && !errors.Is(err, delivery.ErrUnknownMessage) {
		s.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("sync hand-off status")
	}
	return nil
}

// HandleSendFailure is wired as the registry's OnSendFailure hook: a
// transport write that failed counts as one delivery attempt, so the
// message is retried with backoff or terminally failed, never dropped.
func (s *Service) HandleSendFailure(agent, messageID, reason string) {
	s.tracker.RecordFailure(messageID, reason)
}

// HandleInbound is wired as the registry's OnMessage hook: it accepts
// a message sent over an agent's live connection, stamping the sender
// before it enters the send pipeline.
func (s *Service) HandleInbound(agent string, payload []byte) {
	var in models.Message
	if err := json.Unmarshal(payload, &in); err != nil {
		s.logger.Debug().Err(err).Str("agent", agent).Msg("bad inbound payload")
		return
	}
	if in.To == "" || in.Content == "" {
		s.logger.Debug().Str("agent", agent).Msg("inbound message missing recipient or content")
		return
	}
	mt := in.Type
	if mt == "" {
		mt = models.TypeText
	}
	msg := models.NewMessage(in.ConversationID, agent, in.To, mt, in.Content)
	if in.Priority != "" {
		msg.Priority = in.Priority
	}
	msg.RequiresAck = in.RequiresAck

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.Send(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("agent", agent).Msg("inbound send failed")
	}
}

// HandleAck is wired as the registry's OnAck hook.
func (s *Service) HandleAck(agent, messageID string) {
	if err := s.tracker.MarkDelivered(messageID); err != nil {
		s.logger.Debug().Err(err).Str("message_id", messageID).Msg("ack for untracked message")
	}
}

// HandleRead is wired as the registry's OnRead hook.
func (s *Service) HandleRead(agent, messageID string) {
	if err := s.tracker.MarkRead(messageID); err != nil {
		s.logger.Debug().Err(err).Str("message_id", messageID).Msg("read receipt for untracked message")
	}
}
