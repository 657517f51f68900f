// Package registry owns the live connection for every agent: one
// transport per agent, its heartbeat, its FIFO outgoing queue and its
// pending acknowledgments.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ghostspeak/relay/internal/models"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultQueueSize    = 256
	shardCount          = 16
)

// ErrNotConnected is returned when an operation targets an agent with
// no live connection.
var ErrNotConnected = errors.New("agent not connected")

// ErrQueueFull is returned when a connection's outgoing queue is at
// capacity.
var ErrQueueFull = errors.New("outgoing queue full")

// Backoff returns the reconnect delay for attempt n:
// min(1000ms * 2^n, 30s).
func Backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if attempt >= 5 || d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// Hooks are the registry's upward-facing callbacks. All are optional.
type Hooks struct {
	// OnAck fires when the remote agent acknowledges a message.
	OnAck func(agent, messageID string)
	// OnRead fires on an explicit read receipt.
	OnRead func(agent, messageID string)
	// OnMessage fires for inbound application payloads.
	OnMessage func(agent string, payload []byte)
	// OnSendFailure fires when a transport write fails. The delivery
	// tracker turns this into a retry or a terminal failure; without
	// it the message would be lost.
	OnSendFailure func(agent, messageID, reason string)
	// OnDisconnect fires after a connection is removed, whatever the
	// cause (explicit disconnect, stale heartbeat, transport drop).
	OnDisconnect func(agent, reason string)
}

// Options tune registry behavior.
type Options struct {
	PingInterval         time.Duration
	MaxReconnectAttempts int
	QueueSize            int
}

type connection struct {
	mu                sync.Mutex
	id                uuid.UUID
	agent             string
	opts              models.ConnectionOptions
	status            models.ConnectionStatus
	transport         Transport
	dialer            Dialer
	lastPing          time.Time
	lastPong          time.Time
	reconnectAttempts int
	outgoing          chan *models.Message
	pendingAcks       map[string]time.Time // message id -> deadline
	connectedAt       time.Time
	cancel            context.CancelFunc
	closed            bool
}

// getTransport reads the current transport under the connection lock;
// reconnection swaps it while the loops are running.
func (c *connection) getTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

type shard struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

// Registry is the sharded connection map. Shards keep different
// agents' connections from contending on one lock.
type Registry struct {
	shards [shardCount]*shard
	hooks  Hooks
	opts   Options
	logger zerolog.Logger
}

// New creates a registry with the given hooks.
func New(opts Options, hooks Hooks, logger zerolog.Logger) *Registry {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	r := &Registry{
		hooks:  hooks,
		opts:   opts,
		logger: logger.With().Str("component", "registry").Logger(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]*connection)}
	}
	return r
}

func (r *Registry) shardFor(agent string) *shard {
	h := fnv.New32a()
	h.Write([]byte(agent))
	return r.shards[h.Sum32()%shardCount]
}

// Connect establishes the agent's connection, replacing any prior one,
// and starts its heartbeat and worker loops. The dialer may be nil; it
// is only needed when opts.AutoReconnect is set.
func (r *Registry) Connect(ctx context.Context, agent string, opts models.ConnectionOptions, transport Transport, dialer Dialer) (models.ConnectionInfo, error) {
	if transport == nil {
		return models.ConnectionInfo{}, errors.New("nil transport")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		id:          uuid.New(),
		agent:       agent,
		opts:        opts,
		status:      models.ConnConnected,
		transport:   transport,
		dialer:      dialer,
		lastPong:    time.Now(),
		outgoing:    make(chan *models.Message, r.opts.QueueSize),
		pendingAcks: make(map[string]time.Time),
		connectedAt: time.Now(),
		cancel:      cancel,
	}

	s := r.shardFor(agent)
	s.mu.Lock()
	prev := s.conns[agent]
	s.conns[agent] = conn
	s.mu.Unlock()

	if prev != nil {
		r.teardown(prev, "replaced")
	}

	go r.writeLoop(connCtx, conn)
	go r.readLoop(connCtx, conn)
	go r.heartbeatLoop(connCtx, conn)

	r.logger.Info().
		Str("agent", agent).
		Str("connection_id", conn.id.String()).
		Msg("agent connected")

	return r.snapshot(conn), nil
}

// Disconnect closes the agent's connection and removes it.
func (r *Registry) Disconnect(agent string) error {
	s := r.shardFor(agent)
	s.mu.Lock()
	conn := s.conns[agent]
	delete(s.conns, agent)
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	r.teardown(conn, "disconnect")

	if r.hooks.OnDisconnect != nil {
		r.hooks.OnDisconnect(agent, "disconnect")
	}
	return nil
}

// IsConnected reports whether the agent has a live connection.
func (r *Registry) IsConnected(agent string) bool {
	s := r.shardFor(agent)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn := s.conns[agent]
	return conn != nil && conn.status == models.ConnConnected
}

// Info returns the agent's connection snapshot, if connected.
func (r *Registry) Info(agent string) (models.ConnectionInfo, bool) {
	s := r.shardFor(agent)
	s.mu.RLock()
	conn := s.conns[agent]
	s.mu.RUnlock()
	if conn == nil {
		return models.ConnectionInfo{}, false
	}
	return r.snapshot(conn), true
}

// Enqueue appends a message to the agent's FIFO outgoing queue.
func (r *Registry) Enqueue(agent string, msg *models.Message) error {
	s := r.shardFor(agent)
	s.mu.RLock()
	conn := s.conns[agent]
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	select {
	case conn.outgoing <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// AckDeadline records the deadline by which a sent message must be
// acknowledged.
func (r *Registry) ackDeadline(conn *connection, msg *models.Message) {
	if !msg.RequiresAck {
		return
	}
	timeout := msg.AckTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn.mu.Lock()
	conn.pendingAcks[msg.ID] = time.Now().Add(timeout)
	conn.mu.Unlock()
}

// ClearAck removes a pending acknowledgment once observed.
func (r *Registry) ClearAck(agent, messageID string) {
	s := r.shardFor(agent)
	s.mu.RLock()
	conn := s.conns[agent]
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	conn.mu.Lock()
	delete(conn.pendingAcks, messageID)
	conn.mu.Unlock()
}

// AckTimeout identifies one message whose acknowledgment deadline
// passed.
type AckTimeout struct {
	Agent     string
	MessageID string
}

// CollectExpiredAcks removes and returns every pending ack whose
// deadline passed before now. The delivery tracker drives retries
// from this.
func (r *Registry) CollectExpiredAcks(now time.Time) []AckTimeout {
	var expired []AckTimeout
	for _, s := range r.shards {
		s.mu.RLock()
		conns := make([]*connection, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.RUnlock()

		for _, c := range conns {
			c.mu.Lock()
			for id, deadline := range c.pendingAcks {
				if now.After(deadline) {
					delete(c.pendingAcks, id)
					expired = append(expired, AckTimeout{Agent: c.agent, MessageID: id})
				}
			}
			c.mu.Unlock()
		}
	}
	return expired
}

func (r *Registry) snapshot(conn *connection) models.ConnectionInfo {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return models.ConnectionInfo{
		ID:                conn.id.String(),
		Agent:             conn.agent,
		Status:            conn.status,
		LastPing:          conn.lastPing,
		LastPong:          conn.lastPong,
		ReconnectAttempts: conn.reconnectAttempts,
		QueueDepth:        len(conn.outgoing),
		PendingAcks:       len(conn.pendingAcks),
		ConnectedAt:       conn.connectedAt,
	}
}

func (r *Registry) teardown(conn *connection, reason string) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.status = models.ConnDisconnected
	transport := conn.transport
	conn.mu.Unlock()

	conn.cancel()
	_ = transport.Close()

	r.logger.Info().
		Str("agent", conn.agent).
		Str("reason", reason).
		Msg("connection closed")
}

// remove drops the connection from its shard if it is still the
// registered one.
func (r *Registry) remove(conn *connection, reason string) {
	s := r.shardFor(conn.agent)
	s.mu.Lock()
	if s.conns[conn.agent] == conn {
		delete(s.conns, conn.agent)
	}
	s.mu.Unlock()

	r.teardown(conn, reason)
	if r.hooks.OnDisconnect != nil {
		r.hooks.OnDisconnect(conn.agent, reason)
	}
}

func (r *Registry) writeLoop(ctx context.Context, conn *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.outgoing:
			frame := Frame{Kind: FrameMessage, MessageID: msg.ID, Payload: mustJSON(msg)}
			if err := conn.getTransport().Send(ctx, EncodeFrame(frame)); err != nil {
				r.logger.Warn().
					Err(err).
					Str("agent", conn.agent).
					Str("message_id", msg.ID).
					Msg("send failed")
				if r.hooks.OnSendFailure != nil {
					r.hooks.OnSendFailure(conn.agent, msg.ID, err.Error())
				}
				continue
			}
			r.ackDeadline(conn, msg)
		}
	}
}

func (r *Registry) readLoop(ctx context.Context, conn *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-conn.getTransport().Receive():
			if !ok {
				r.transportDropped(ctx, conn)
				return
			}
			frame, err := DecodeFrame(data)
			if err != nil {
				r.logger.Debug().Err(err).Str("agent", conn.agent).Msg("bad frame")
				continue
			}
			r.handleFrame(ctx, conn, frame)
		}
	}
}

func (r *Registry) handleFrame(ctx context.Context, conn *connection, frame Frame) {
	switch frame.Kind {
	case FramePong:
		conn.mu.Lock()
		conn.lastPong = time.Now()
		conn.reconnectAttempts = 0
		conn.mu.Unlock()
	case FramePing:
		_ = conn.getTransport().Send(ctx, EncodeFrame(Frame{Kind: FramePong}))
	case FrameAck:
		r.ClearAck(conn.agent, frame.MessageID)
		if r.hooks.OnAck != nil {
			r.hooks.OnAck(conn.agent, frame.MessageID)
		}
	case FrameRead:
		if r.hooks.OnRead != nil {
			r.hooks.OnRead(conn.agent, frame.MessageID)
		}
	case FrameMessage:
		if r.hooks.OnMessage != nil {
			r.hooks.OnMessage(conn.agent, frame.Payload)
		}
	}
}

func (r *Registry) heartbeatLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.mu.Lock()
			stale := time.Since(conn.lastPong) > 2*r.opts.PingInterval
			conn.lastPing = time.Now()
			conn.mu.Unlock()

			if stale {
				r.logger.Warn().Str("agent", conn.agent).Msg("heartbeat stale")
				r.remove(conn, "stale")
				return
			}
			_ = conn.getTransport().Send(ctx, EncodeFrame(Frame{Kind: FramePing}))
		}
	}
}

// transportDropped handles an unexpected transport close: reconnect
// with exponential backoff when enabled, otherwise remove the
// connection.
func (r *Registry) transportDropped(ctx context.Context, conn *connection) {
	if !conn.opts.AutoReconnect || conn.dialer == nil {
		r.remove(conn, "transport closed")
		return
	}

	conn.mu.Lock()
	conn.status = models.ConnReconnecting
	conn.mu.Unlock()

	for {
		conn.mu.Lock()
		attempt := conn.reconnectAttempts
		conn.reconnectAttempts++
		conn.mu.Unlock()

		if attempt >= r.opts.MaxReconnectAttempts {
			r.remove(conn, "reconnect exhausted")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(Backoff(attempt)):
		}

		transport, err := conn.dialer(ctx, conn.agent)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("agent", conn.agent).
				Int("attempt", attempt+1).
				Msg("reconnect failed")
			continue
		}

		conn.mu.Lock()
		conn.transport = transport
		conn.status = models.ConnConnected
		conn.reconnectAttempts = 0
		conn.lastPong = time.Now()
		conn.mu.Unlock()

		r.logger.Info().Str("agent", conn.agent).Msg("reconnected")
		go r.readLoop(ctx, conn)
		return
	}
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
