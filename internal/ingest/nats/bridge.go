// Package nats implements C13's NATS ingestion bridge: a subject
// subscriber that republishes inbound messages through hub.Publish.
// Grounded on go-server/pkg/nats/client.go's Client (nats.go connection
// with reconnect/error event handlers, per-subject Subscribe), narrowed
// from that file's general-purpose pub/sub/request wrapper down to the
// one thing this binary needs: subject -> hub channel fan-in.
package nats

import (
	"encoding/json"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/odin-exchange/relay-hub/internal/ring"
)

// Publisher is the subset of hub.Hub the bridge drives.
type Publisher interface {
	Publish(channelStr, msgType string, payload json.RawMessage, meta *ring.Metadata) *ring.Message
}

// SubjectMapper maps an inbound NATS subject to a hub channel string and
// message type. ok=false means "no mapping, drop the message" — an
// unmapped subject is not an error, it just isn't forwarded.
type SubjectMapper func(subject string) (channelStr, msgType string, ok bool)

// Config configures the bridge's connection and subject set.
type Config struct {
	URL             string
	Subjects        []string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// DefaultConfig returns conservative reconnect tunables matching the
// teacher's own nats.Client defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnects:   -1, // retry forever, mirrors go-server/pkg/nats/client.go
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// Bridge subscribes to a fixed subject set and republishes every mapped
// message through the hub's Publish, which takes no AuthContext.
type Bridge struct {
	cfg    Config
	conn   *natsgo.Conn
	mapper SubjectMapper
	hub    Publisher
	log    zerolog.Logger
	subs   []*natsgo.Subscription
}

// New connects to NATS and returns a Bridge ready to Start.
func New(cfg Config, mapper SubjectMapper, hub Publisher, log zerolog.Logger) (*Bridge, error) {
	b := &Bridge{cfg: cfg, mapper: mapper, hub: hub, log: log.With().Str("component", "nats_bridge").Logger()}

	opts := []natsgo.Option{
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		natsgo.DisconnectErrHandler(b.onDisconnect),
		natsgo.ReconnectHandler(b.onReconnect),
		natsgo.ErrorHandler(b.onError),
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	b.conn = conn
	return b, nil
}

// Start subscribes to every configured subject. Each message is mapped to
// a hub channel and republished; unmapped subjects are dropped silently.
func (b *Bridge) Start() error {
	for _, subject := range b.cfg.Subjects {
		subject := subject
		sub, err := b.conn.Subscribe(subject, func(msg *natsgo.Msg) {
			b.onMessage(msg.Subject, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
		b.log.Info().Str("subject", subject).Msg("subscribed to NATS subject")
	}
	return nil
}

func (b *Bridge) onMessage(subject string, data []byte) {
	channelStr, msgType, ok := b.mapper(subject)
	if !ok {
		return
	}
	b.hub.Publish(channelStr, msgType, data, &ring.Metadata{})
}

func (b *Bridge) onDisconnect(_ *natsgo.Conn, err error) {
	if err != nil {
		b.log.Warn().Err(err).Msg("disconnected from NATS")
	} else {
		b.log.Info().Msg("disconnected from NATS")
	}
}

func (b *Bridge) onReconnect(conn *natsgo.Conn) {
	b.log.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to NATS")
}

func (b *Bridge) onError(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	b.log.Error().Err(err).Str("subject", subject).Msg("NATS error")
}

// Close unsubscribes from every subject and closes the connection.
func (b *Bridge) Close() error {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
