// Package hub implements C6, the heart of the system: the process-wide
// pub/sub registry tying together channels (internal/channel), cursors
// (internal/cursor), per-channel ring buffers (internal/ring), and
// authorization decisions made by callers before invoking Subscribe/Publish.
//
// Grounded on src/server.go's Server/Client bookkeeping (per-client
// subscriptions, replay buffers, and slow-client/send-failure handling)
// and src/connection.go's Client struct, generalized from a single
// in-process WebSocket server into a transport-agnostic hub addressed
// through the Transport interface so internal/transport (C8) and the
// ingestion bridges (C13) can drive it identically.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/odin-exchange/relay-hub/internal/authz"
	"github.com/odin-exchange/relay-hub/internal/channel"
	"github.com/odin-exchange/relay-hub/internal/codec"
	"github.com/odin-exchange/relay-hub/internal/cursor"
	"github.com/odin-exchange/relay-hub/internal/metrics"
	"github.com/odin-exchange/relay-hub/internal/ring"
)

// Transport is the minimal send/close surface the hub needs from a
// connection's underlying wire protocol. C8 implements it over gobwas/ws;
// tests implement it with an in-memory recorder.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// Config holds the tunables referenced throughout spec §4.6/§6.
type Config struct {
	MaxReplay          int
	AckReplayWindow     time.Duration
	CursorExpiryHorizon time.Duration
	DefaultBackfillCap  int
}

// DefaultConfig returns the defaults named in the spec.
func DefaultConfig() Config {
	return Config{
		MaxReplay:           5,
		AckReplayWindow:     10 * time.Second,
		CursorExpiryHorizon: 24 * time.Hour,
		DefaultBackfillCap:  500,
	}
}

// PendingAck tracks an unacknowledged, ack-required delivery.
type PendingAck struct {
	Message     *ring.Message
	Channel     string
	SentAt      time.Time
	ReplayCount int
}

// ConnectionData is the hub's exclusive, per-connection record (spec §3).
// The transport layer holds only the connection id; everything else is
// owned here.
type ConnectionData struct {
	ConnectionID  string
	ConnectedAt   time.Time
	Auth          authz.AuthContext
	Subscriptions map[string]*cursor.Cursor // channel string -> last-delivered cursor
	LastHeartbeat time.Time
	PendingAcks   map[string]*PendingAck // message id -> pending ack record

	transport Transport
	mu        sync.Mutex
}

// SubscribeResult is returned by Subscribe.
type SubscribeResult struct {
	Cursor         *cursor.Cursor
	MissedMessages []*ring.Message
	Truncated      bool
}

// ReconnectChannelResult is the per-channel outcome of HandleReconnect.
type ReconnectChannelResult struct {
	Channel     string
	Cursor      *cursor.Cursor
	Messages    []*ring.Message
	AckRequired bool
}

// Hub is the process-wide pub/sub registry. The zero value is not usable;
// construct with New.
type Hub struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Registry

	mu           sync.RWMutex
	connections  map[string]*ConnectionData
	channelIndex map[string]map[string]bool // channel string -> set of connection ids
	buffers      map[string]*ring.Buffer    // channel string -> buffer
}

// New constructs an empty hub. The composition root (cmd/relay-hub) calls
// it once and passes the instance to every component that needs it; tests
// call New freely. reg may be nil, in which case the hub simply does not
// report metrics.
func New(cfg Config, log zerolog.Logger, reg *metrics.Registry) *Hub {
	return &Hub{
		cfg:          cfg,
		log:          log.With().Str("component", "hub").Logger(),
		metrics:      reg,
		connections:  make(map[string]*ConnectionData),
		channelIndex: make(map[string]map[string]bool),
		buffers:      make(map[string]*ring.Buffer),
	}
}

// channelScope returns the scope label used on per-channel metrics,
// falling back to "unknown" for a malformed channel string.
func channelScope(channelStr string) string {
	if c, ok := channel.Parse(channelStr); ok {
		return string(c.Scope)
	}
	return "unknown"
}

// AddConnection registers a new connection and returns its id. Emits no
// frames; the caller (C8) sends the initial `connected` frame.
func (h *Hub) AddConnection(transport Transport, auth authz.AuthContext) string {
	id := uuid.NewString()

	cd := &ConnectionData{
		ConnectionID:  id,
		ConnectedAt:   time.Now(),
		Auth:          auth,
		Subscriptions: make(map[string]*cursor.Cursor),
		LastHeartbeat: time.Now(),
		PendingAcks:   make(map[string]*PendingAck),
		transport:     transport,
	}

	h.mu.Lock()
	h.connections[id] = cd
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}

	return id
}

func (h *Hub) bufferFor(channelStr string) *ring.Buffer {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buffers[channelStr]
	if ok {
		return b
	}

	channelType := channelStr
	if c, ok := channel.Parse(channelStr); ok {
		channelType = string(c.Scope) + ":" + c.Kind
	}
	b = ring.New(ring.CapacityFor(channelType))
	h.buffers[channelStr] = b
	return b
}

// Subscribe registers connectionId as a subscriber of channelStr, creating
// the channel's buffer if needed, and replays anything missed since
// sinceCursor. Idempotent: subscribing twice only advances the cursor
// forward, never backward.
func (h *Hub) Subscribe(connectionID, channelStr string, sinceCursor *cursor.Cursor) (SubscribeResult, error) {
	cd, ok := h.connection(connectionID)
	if !ok {
		return SubscribeResult{}, fmt.Errorf("hub: unknown connection %q", connectionID)
	}

	buf := h.bufferFor(channelStr)

	h.mu.Lock()
	set, ok := h.channelIndex[channelStr]
	if !ok {
		set = make(map[string]bool)
		h.channelIndex[channelStr] = set
	}
	set[connectionID] = true
	h.mu.Unlock()

	res := buf.Replay(sinceCursor, 0, h.cfg.CursorExpiryHorizon, time.Now())

	newCursor := sinceCursor
	if len(res.Messages) > 0 {
		last := res.Messages[len(res.Messages)-1]
		if c, ok := cursor.Decode(last.Cursor); ok {
			newCursor = &c
		}
	} else if latest := buf.Latest(); latest != nil {
		// Open question (a): sinceCursor at/after head -> advance to latest.
		newCursor = latest
	}

	cd.mu.Lock()
	existing, alreadySubscribed := cd.Subscriptions[channelStr]
	if !alreadySubscribed || existing == nil || newCursor == nil || cursor.Compare(*newCursor, *existing) > 0 {
		cd.Subscriptions[channelStr] = newCursor
	}
	cd.mu.Unlock()

	return SubscribeResult{Cursor: newCursor, MissedMessages: res.Messages, Truncated: res.Truncated}, nil
}

// Unsubscribe removes connectionID from channelStr's index and its own
// subscription map. Idempotent.
func (h *Hub) Unsubscribe(connectionID, channelStr string) {
	h.mu.Lock()
	if set, ok := h.channelIndex[channelStr]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(h.channelIndex, channelStr)
		}
	}
	h.mu.Unlock()

	if cd, ok := h.connection(connectionID); ok {
		cd.mu.Lock()
		delete(cd.Subscriptions, channelStr)
		cd.mu.Unlock()
	}
}

// Publish appends a message to channelStr's buffer and fans it out to every
// current subscriber. A subscriber whose transport write fails is NOT
// removed here — liveness is the heartbeat manager's job (spec §4.6).
func (h *Hub) Publish(channelStr, msgType string, payload json.RawMessage, meta *ring.Metadata) *ring.Message {
	buf := h.bufferFor(channelStr)
	msg := buf.Append(channelStr, msgType, payload, meta)

	if h.metrics != nil {
		h.metrics.MessagesPublished.WithLabelValues(channelScope(channelStr)).Inc()
		h.metrics.RingBufferEntries.WithLabelValues(channelStr).Set(float64(buf.Len()))
	}

	requiresAck := false
	if c, ok := channel.Parse(channelStr); ok {
		requiresAck = channel.RequiresAck(c)
	}

	h.mu.RLock()
	subscribers := make([]string, 0, len(h.channelIndex[channelStr]))
	for connID := range h.channelIndex[channelStr] {
		subscribers = append(subscribers, connID)
	}
	h.mu.RUnlock()

	for _, connID := range subscribers {
		h.deliver(connID, channelStr, msg, requiresAck)
	}

	return msg
}

func (h *Hub) deliver(connID, channelStr string, msg *ring.Message, requiresAck bool) {
	cd, ok := h.connection(connID)
	if !ok {
		return
	}

	c, ok := cursor.Decode(msg.Cursor)
	if !ok {
		return
	}

	cd.mu.Lock()
	cd.Subscriptions[channelStr] = &c
	if requiresAck {
		cd.PendingAcks[msg.ID] = &PendingAck{Message: msg, Channel: channelStr, SentAt: time.Now()}
	}
	cd.mu.Unlock()

	frame, err := codec.EncodeServer(codec.TypeMessage, codec.MessageFrame{Message: msg, AckRequired: requiresAck})
	if err != nil {
		h.log.Error().Err(err).Str("connection_id", connID).Msg("failed to encode message frame")
		return
	}

	if err := cd.transport.Send(frame); err != nil {
		h.log.Debug().Err(err).Str("connection_id", connID).Str("channel", channelStr).Msg("send failed, leaving liveness to heartbeat sweep")
		return
	}

	if h.metrics != nil {
		h.metrics.MessagesDelivered.WithLabelValues(channelScope(channelStr)).Inc()
	}
}

// Replay is a pure query against channelStr's buffer. Authorization is the
// caller's responsibility.
func (h *Hub) Replay(channelStr string, fromCursor *cursor.Cursor, limit int) ring.Result {
	buf := h.bufferFor(channelStr)
	return buf.Replay(fromCursor, limit, h.cfg.CursorExpiryHorizon, time.Now())
}

// DefaultBackfillCap returns the configured backfill result cap applied
// when a caller requests backfill with no explicit limit.
func (h *Hub) DefaultBackfillCap() int {
	return h.cfg.DefaultBackfillCap
}

// HandleReconnect treats each (channel, cursor) pair as a Subscribe call
// with that cursor. Callers must have already authorized every channel.
func (h *Hub) HandleReconnect(connectionID string, cursors map[string]string) []ReconnectChannelResult {
	results := make([]ReconnectChannelResult, 0, len(cursors))

	for chanStr, encoded := range cursors {
		if _, ok := channel.Parse(chanStr); !ok {
			continue
		}

		var since *cursor.Cursor
		if decoded, ok := cursor.Decode(encoded); ok {
			since = &decoded
		}

		res, err := h.Subscribe(connectionID, chanStr, since)
		if err != nil {
			continue
		}

		ackRequired := false
		if c, ok := channel.Parse(chanStr); ok {
			ackRequired = channel.RequiresAck(c)
		}

		results = append(results, ReconnectChannelResult{
			Channel:     chanStr,
			Cursor:      res.Cursor,
			Messages:    res.MissedMessages,
			AckRequired: ackRequired,
		})
	}

	return results
}

// HandleAck removes each acknowledged message id from the connection's
// pending-ack set. Unknown ids are silently ignored; acking twice is a
// no-op the second time.
func (h *Hub) HandleAck(connectionID string, messageIDs []string) {
	cd, ok := h.connection(connectionID)
	if !ok {
		return
	}

	cd.mu.Lock()
	defer cd.mu.Unlock()
	for _, id := range messageIDs {
		delete(cd.PendingAcks, id)
	}
}

// UpdateHeartbeat marks connectionID alive as of now. Called on every
// inbound frame, not just ping.
func (h *Hub) UpdateHeartbeat(connectionID string) {
	if cd, ok := h.connection(connectionID); ok {
		cd.mu.Lock()
		cd.LastHeartbeat = time.Now()
		cd.mu.Unlock()
	}
}

// RemoveConnection drops connectionID from all channel indices and from
// the connection table. Outstanding pending acks are discarded.
func (h *Hub) RemoveConnection(connectionID string) {
	h.mu.Lock()
	_, existed := h.connections[connectionID]
	delete(h.connections, connectionID)
	for chanStr, set := range h.channelIndex {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(h.channelIndex, chanStr)
		}
	}
	h.mu.Unlock()

	if existed && h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}
}

// Connection returns a snapshot-safe view of a connection's bookkeeping,
// or ok=false if it no longer exists.
func (h *Hub) Connection(connectionID string) (*ConnectionData, bool) {
	return h.connection(connectionID)
}

// ConnectionIDs returns a snapshot of currently registered connection ids.
// Implements heartbeat.Registry.
func (h *Hub) ConnectionIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.connections))
	for id := range h.connections {
		out = append(out, id)
	}
	return out
}

// LastHeartbeat returns connectionID's last recorded inbound-frame time.
// Implements heartbeat.Registry.
func (h *Hub) LastHeartbeat(connectionID string) (time.Time, bool) {
	cd, ok := h.connection(connectionID)
	if !ok {
		return time.Time{}, false
	}
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.LastHeartbeat, true
}

// Evict closes the connection's transport and removes it from the hub.
// Implements heartbeat.Registry.
func (h *Hub) Evict(connectionID string) {
	if cd, ok := h.connection(connectionID); ok {
		cd.mu.Lock()
		_ = cd.transport.Close()
		cd.mu.Unlock()
	}
	h.RemoveConnection(connectionID)
}

// SendHeartbeat delivers a heartbeat frame to connectionID. Implements
// heartbeat.Sender.
func (h *Hub) SendHeartbeat(connectionID string) error {
	cd, ok := h.connection(connectionID)
	if !ok {
		return fmt.Errorf("hub: unknown connection %q", connectionID)
	}
	frame, err := codec.EncodeServer(codec.TypeHeartbeat, codec.HeartbeatFrame{ServerTime: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.transport.Send(frame)
}

func (h *Hub) connection(connectionID string) (*ConnectionData, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cd, ok := h.connections[connectionID]
	return cd, ok
}

// SubscriptionsSnapshot returns a copy of the connection's channel -> cursor
// map.
func (cd *ConnectionData) SubscriptionsSnapshot() map[string]*cursor.Cursor {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	out := make(map[string]*cursor.Cursor, len(cd.Subscriptions))
	for k, v := range cd.Subscriptions {
		out[k] = v
	}
	return out
}

// SweepPendingAcks re-sends any pending-ack message older than the
// configured ack replay window, up to MaxReplay attempts, for every live
// connection. Each call is a single pass; cmd/relay-hub runs it on a
// ticker (spec §4.6).
func (h *Hub) SweepPendingAcks(ctx context.Context) {
	h.mu.RLock()
	conns := make([]*ConnectionData, 0, len(h.connections))
	for _, cd := range h.connections {
		conns = append(conns, cd)
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, cd := range conns {
		select {
		case <-ctx.Done():
			return
		default:
		}
		h.sweepConnection(cd, now)
	}
}

func (h *Hub) sweepConnection(cd *ConnectionData, now time.Time) {
	cd.mu.Lock()
	var toResend []*PendingAck
	for id, pa := range cd.PendingAcks {
		if now.Sub(pa.SentAt) < h.cfg.AckReplayWindow {
			continue
		}
		if pa.ReplayCount >= h.cfg.MaxReplay {
			h.log.Warn().Str("connection_id", cd.ConnectionID).Str("message_id", id).Int("replay_count", pa.ReplayCount).Msg("giving up on pending ack after max replay")
			if h.metrics != nil {
				h.metrics.AckReplaysExhausted.Inc()
			}
			delete(cd.PendingAcks, id)
			continue
		}
		pa.ReplayCount++
		pa.SentAt = now
		toResend = append(toResend, pa)
	}
	transport := cd.transport
	cd.mu.Unlock()

	for _, pa := range toResend {
		frame, err := codec.EncodeServer(codec.TypeMessage, codec.MessageFrame{Message: pa.Message, AckRequired: true})
		if err != nil {
			continue
		}
		if err := transport.Send(frame); err != nil {
			h.log.Debug().Err(err).Str("connection_id", cd.ConnectionID).Msg("ack resend failed")
		}
	}
}
