// Package transport implements C8: the gobwas/ws connection handlers that
// translate WebSocket frames into hub operations and back. Grounded on
// go-server-2/server.go's handleWebSocket/readPump/writePump (net/http +
// ws.UpgradeHTTP, a buffered send channel drained by a dedicated write
// pump, wsutil.ReadClientData/WriteServerMessage for frame I/O),
// generalized from that file's "don't process client frames" placeholder
// into full C5-codec dispatch against the hub.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odin-exchange/relay-hub/internal/authz"
	"github.com/odin-exchange/relay-hub/internal/channel"
	"github.com/odin-exchange/relay-hub/internal/codec"
	"github.com/odin-exchange/relay-hub/internal/cursor"
	"github.com/odin-exchange/relay-hub/internal/hub"
	"github.com/odin-exchange/relay-hub/internal/metrics"
	"github.com/odin-exchange/relay-hub/internal/ring"
)

var errSendQueueFull = errors.New("transport: send queue full")

const (
	serverVersion = "1.0.0"
	sendQueueSize = 256
	writeWait     = 10 * time.Second
)

// TokenResolver derives an AuthContext from a raw Authorization header
// value. internal/auth.Manager.ResolveAuthContext satisfies this.
type TokenResolver interface {
	ResolveAuthContext(headerValue string) authz.AuthContext
}

// AgentResolverFunc optionally narrows agent:* subscriptions; nil means
// "any authenticated caller may subscribe to any agent:* channel" per
// spec §4.4.
type AgentResolverFunc = authz.AgentResolver

// AdmissionGuard optionally rejects new connections under resource
// pressure (C14); a nil guard always admits.
type AdmissionGuard interface {
	Allow() (bool, string)
}

// Server accepts WebSocket upgrades over HTTP and drives the hub.
type Server struct {
	hub           *hub.Hub
	tokens        TokenResolver
	agentResolver AgentResolverFunc
	heartbeatMs   int64
	admission     AdmissionGuard
	log           zerolog.Logger
	httpServer    *http.Server
	metrics       *metrics.Registry
}

// NewServer constructs a transport server bound to the given hub. reg may
// be nil, in which case the server simply does not report metrics.
func NewServer(h *hub.Hub, tokens TokenResolver, agentResolver AgentResolverFunc, heartbeatIntervalMs int64, log zerolog.Logger, reg *metrics.Registry) *Server {
	return &Server{
		hub:           h,
		tokens:        tokens,
		agentResolver: agentResolver,
		heartbeatMs:   heartbeatIntervalMs,
		log:           log.With().Str("component", "transport").Logger(),
		metrics:       reg,
	}
}

// WithAdmissionGuard attaches a resource-pressure admission check; new
// upgrade requests are rejected with 503 while it reports false.
func (s *Server) WithAdmissionGuard(guard AdmissionGuard) *Server {
	s.admission = guard
	return s
}

// Start listens on addr and serves WebSocket upgrades until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("transport listening")
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// wsConnTransport adapts a gobwas/ws connection into hub.Transport. Writes
// are serialized through a buffered queue drained by a single write pump
// goroutine, matching go-server-2's writePump.
type wsConnTransport struct {
	conn  net.Conn
	queue chan []byte

	mu     sync.Mutex
	closed bool
}

func newWsConnTransport(conn net.Conn) *wsConnTransport {
	return &wsConnTransport{conn: conn, queue: make(chan []byte, sendQueueSize)}
}

// Send enqueues a frame for the write pump. Non-blocking: a full queue
// means a slow client, and the frame is dropped rather than stalling the
// hub (spec's best-effort delivery — no flow-controlled sends).
func (t *wsConnTransport) Send(frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return net.ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.queue <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

func (t *wsConnTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.queue)
	return t.conn.Close()
}

func (t *wsConnTransport) writePump() {
	for frame := range t.queue {
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsutil.WriteServerMessage(t.conn, ws.OpText, frame); err != nil {
			return
		}
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.admission != nil {
		if allowed, reason := s.admission.Allow(); !allowed {
			s.log.Warn().Str("reason", reason).Msg("rejecting connection under resource pressure")
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	auth := s.tokens.ResolveAuthContext(r.Header.Get("Authorization"))
	preSeeded := parsePreSeededSubscriptions(r.URL.Query())

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	tr := newWsConnTransport(conn)
	go tr.writePump()

	connID := s.hub.AddConnection(tr, auth)
	s.onOpen(connID, tr, auth, preSeeded)
	s.readLoop(connID, tr, auth)

	s.hub.RemoveConnection(connID)
	_ = tr.Close()
}

// onOpen re-authorizes every pre-seeded subscription and sends the initial
// connected frame. Subscriptions failing authorization are silently
// dropped (spec §4.8).
func (s *Server) onOpen(connID string, tr *wsConnTransport, auth authz.AuthContext, preSeeded map[string]*cursor.Cursor) {
	for chanStr, since := range preSeeded {
		c, ok := channel.Parse(chanStr)
		if !ok {
			continue
		}
		if !authz.CanSubscribe(auth, c, s.agentResolver).Allowed {
			if s.metrics != nil {
				s.metrics.SubscriptionDenials.WithLabelValues(string(c.Scope)).Inc()
			}
			continue
		}
		res, err := s.hub.Subscribe(connID, chanStr, since)
		if err != nil {
			continue
		}
		s.sendMissed(tr, res.MissedMessages, channel.RequiresAck(c))
	}

	frame, err := codec.EncodeServer(codec.TypeConnected, codec.ConnectedFrame{
		ConnectionID:  connID,
		ServerTime:    time.Now().UnixMilli(),
		ServerVersion: serverVersion,
		Capabilities: codec.Capabilities{
			Backfill:       true,
			Acknowledgment: true,
			Compression:    false,
		},
		HeartbeatIntervalMs: s.heartbeatMs,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode connected frame")
		return
	}
	_ = tr.Send(frame)
}

func (s *Server) readLoop(connID string, tr *wsConnTransport, auth authz.AuthContext) {
	for {
		data, op, err := wsutil.ReadClientData(tr.conn)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		s.hub.UpdateHeartbeat(connID)
		s.onMessage(connID, tr, auth, data)
	}
}

func (s *Server) onMessage(connID string, tr *wsConnTransport, auth authz.AuthContext, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.sendError(tr, codec.ErrInternal, "internal error handling frame", "")
		}
	}()

	frame, ok := codec.DecodeClient(raw)
	if !ok {
		s.sendError(tr, codec.ErrInvalidFormat, "malformed frame", "")
		return
	}

	switch frame.Type {
	case codec.TypeSubscribe:
		s.handleSubscribe(connID, tr, auth, frame.Subscribe)
	case codec.TypeUnsubscribe:
		s.handleUnsubscribe(connID, tr, frame.Unsubscribe)
	case codec.TypePing:
		s.handlePing(connID, tr, frame.Ping)
	case codec.TypeBackfill:
		s.handleBackfill(connID, tr, auth, frame.Backfill)
	case codec.TypeReconnect:
		s.handleReconnect(connID, tr, auth, frame.Reconnect)
	case codec.TypeAck:
		s.hub.HandleAck(connID, frame.Ack.MessageIDs)
	}
}

func (s *Server) handleSubscribe(connID string, tr *wsConnTransport, auth authz.AuthContext, req *codec.SubscribeRequest) {
	c, ok := channel.Parse(req.Channel)
	if !ok {
		s.sendError(tr, codec.ErrInvalidChannel, "unrecognized channel", req.Channel)
		return
	}
	if !authz.CanSubscribe(auth, c, s.agentResolver).Allowed {
		if s.metrics != nil {
			s.metrics.SubscriptionDenials.WithLabelValues(string(c.Scope)).Inc()
		}
		s.sendError(tr, codec.ErrWSSubscriptionDenied, "subscription denied", req.Channel)
		return
	}

	var since *cursor.Cursor
	if req.Cursor != nil {
		if decoded, ok := cursor.Decode(*req.Cursor); ok {
			since = &decoded
		}
	}

	res, err := s.hub.Subscribe(connID, req.Channel, since)
	if err != nil {
		s.sendError(tr, codec.ErrInternal, "subscribe failed", req.Channel)
		return
	}

	s.sendMissed(tr, res.MissedMessages, channel.RequiresAck(c))

	var cursorStr *string
	if res.Cursor != nil {
		encoded := cursor.Encode(*res.Cursor)
		cursorStr = &encoded
	}
	frame, err := codec.EncodeServer(codec.TypeSubscribed, codec.SubscribedFrame{Channel: req.Channel, Cursor: cursorStr})
	if err == nil {
		_ = tr.Send(frame)
	}
}

func (s *Server) handleUnsubscribe(connID string, tr *wsConnTransport, req *codec.UnsubscribeRequest) {
	s.hub.Unsubscribe(connID, req.Channel)
	frame, err := codec.EncodeServer(codec.TypeUnsubscribed, codec.UnsubscribedFrame{Channel: req.Channel})
	if err == nil {
		_ = tr.Send(frame)
	}
}

func (s *Server) handlePing(connID string, tr *wsConnTransport, req *codec.PingRequest) {
	cd, ok := s.hub.Connection(connID)
	if !ok {
		return
	}
	subs := cd.SubscriptionsSnapshot()

	channels := make([]string, 0, len(subs))
	cursors := make(map[string]string, len(subs))
	for chanStr, c := range subs {
		channels = append(channels, chanStr)
		if c != nil {
			cursors[chanStr] = cursor.Encode(*c)
		} else {
			cursors[chanStr] = cursor.Zero
		}
	}

	frame, err := codec.EncodeServer(codec.TypePong, codec.PongFrame{
		Timestamp:     req.Timestamp,
		ServerTime:    time.Now().UnixMilli(),
		Subscriptions: channels,
		Cursors:       cursors,
	})
	if err == nil {
		_ = tr.Send(frame)
	}
}

func (s *Server) handleBackfill(connID string, tr *wsConnTransport, auth authz.AuthContext, req *codec.BackfillRequest) {
	c, ok := channel.Parse(req.Channel)
	if !ok {
		s.sendError(tr, codec.ErrInvalidChannel, "unrecognized channel", req.Channel)
		return
	}
	if !authz.CanSubscribe(auth, c, s.agentResolver).Allowed {
		if s.metrics != nil {
			s.metrics.SubscriptionDenials.WithLabelValues(string(c.Scope)).Inc()
		}
		s.sendError(tr, codec.ErrWSSubscriptionDenied, "backfill denied", req.Channel)
		return
	}

	var from *cursor.Cursor
	if req.FromCursor != nil {
		if decoded, ok := cursor.Decode(*req.FromCursor); ok {
			from = &decoded
		}
	}

	limit := req.Limit
	if limit == 0 {
		limit = s.hub.DefaultBackfillCap()
	}
	res := s.hub.Replay(req.Channel, from, limit)

	var lastCursor *string
	if res.LastCursor != "" {
		lc := res.LastCursor
		lastCursor = &lc
	}

	frame, err := codec.EncodeServer(codec.TypeBackfillResponse, codec.BackfillResponseFrame{
		Channel:    req.Channel,
		Messages:   res.Messages,
		HasMore:    res.HasMore,
		LastCursor: lastCursor,
	})
	if err == nil {
		_ = tr.Send(frame)
	}
}

func (s *Server) handleReconnect(connID string, tr *wsConnTransport, auth authz.AuthContext, req *codec.ReconnectRequest) {
	authorized := make(map[string]string, len(req.Cursors))
	for chanStr, encCursor := range req.Cursors {
		c, ok := channel.Parse(chanStr)
		if !ok {
			continue
		}
		if !authz.CanSubscribe(auth, c, s.agentResolver).Allowed {
			if s.metrics != nil {
				s.metrics.SubscriptionDenials.WithLabelValues(string(c.Scope)).Inc()
			}
			continue
		}
		authorized[chanStr] = encCursor
	}

	results := s.hub.HandleReconnect(connID, authorized)

	channels := make([]codec.ReconnectChannelResult, 0, len(results))
	for _, r := range results {
		cursorStr := cursor.Zero
		if r.Cursor != nil {
			cursorStr = cursor.Encode(*r.Cursor)
		}
		channels = append(channels, codec.ReconnectChannelResult{
			Channel:     r.Channel,
			Cursor:      cursorStr,
			Messages:    r.Messages,
			AckRequired: r.AckRequired,
		})
	}

	frame, err := codec.EncodeServer(codec.TypeReconnectAck, codec.ReconnectAckFrame{Success: true, Channels: channels})
	if err == nil {
		_ = tr.Send(frame)
	}
}

func (s *Server) sendMissed(tr *wsConnTransport, messages []*ring.Message, ackRequired bool) {
	for _, msg := range messages {
		frame, err := codec.EncodeServer(codec.TypeMessage, codec.MessageFrame{Message: msg, AckRequired: ackRequired})
		if err != nil {
			continue
		}
		_ = tr.Send(frame)
	}
}

func (s *Server) sendError(tr *wsConnTransport, code codec.ErrorCode, message, channelStr string) {
	frame, err := codec.EncodeServer(codec.TypeError, codec.ErrorFrame{Code: code, Message: message, Channel: channelStr})
	if err != nil {
		return
	}
	_ = tr.Send(frame)
}

// parsePreSeededSubscriptions reads the pre-seeded channel->cursor set
// from the upgrade URL's query string, using repeated "sub" parameters of
// the form "<channel>=<cursor>" (cursor omitted means "from the
// beginning"), e.g. "?sub=agent:output:a1=cursor_1&sub=system:health".
func parsePreSeededSubscriptions(q url.Values) map[string]*cursor.Cursor {
	out := make(map[string]*cursor.Cursor)
	for _, entry := range q["sub"] {
		chanStr, cursorStr, hasCursor := strings.Cut(entry, "=")
		if chanStr == "" {
			continue
		}
		if !hasCursor || cursorStr == "" {
			out[chanStr] = nil
			continue
		}
		if decoded, ok := cursor.Decode(cursorStr); ok {
			out[chanStr] = &decoded
		} else {
			out[chanStr] = nil
		}
	}
	return out
}
