// Package heartbeat implements C7: a periodic liveness sweep that evicts
// connections which have gone quiet past CONNECTION_TIMEOUT, and a
// server-initiated heartbeat cadence so idle-but-alive connections still
// observe traffic. Grounded on the background sweep loops in
// src/server.go (periodic goroutines driven by time.Ticker, stopped via a
// done channel / context on shutdown) generalized from that file's
// send-side slow-client detection into the spec's read-side
// lastHeartbeat-vs-timeout check.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-exchange/relay-hub/internal/codec"
	"github.com/odin-exchange/relay-hub/internal/metrics"
)

// Registry is the subset of hub.Hub the heartbeat manager depends on. It
// is expressed as an interface so tests can exercise the sweep without a
// full hub.
type Registry interface {
	ConnectionIDs() []string
	LastHeartbeat(connectionID string) (time.Time, bool)
	Evict(connectionID string)
}

// Config holds the tunables from spec §4.7/§6.
type Config struct {
	SweepInterval       time.Duration
	ConnectionTimeout   time.Duration
	HeartbeatFrameEvery time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:       30 * time.Second,
		ConnectionTimeout:   90 * time.Second,
		HeartbeatFrameEvery: 15 * time.Second,
	}
}

// Sender delivers a server-initiated heartbeat frame to a connection.
type Sender interface {
	SendHeartbeat(connectionID string) error
}

// Manager runs the liveness sweep and heartbeat cadence as two independent
// periodic loops, both stoppable via the context passed to Run.
type Manager struct {
	cfg      Config
	registry Registry
	sender   Sender
	log      zerolog.Logger
	metrics  *metrics.Registry
}

// New constructs a heartbeat manager. reg may be nil, in which case the
// manager simply does not report metrics.
func New(cfg Config, registry Registry, sender Sender, log zerolog.Logger, reg *metrics.Registry) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		sender:   sender,
		log:      log.With().Str("component", "heartbeat").Logger(),
		metrics:  reg,
	}
}

// Run blocks, driving both loops until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(m.cfg.SweepInterval)
	defer sweepTicker.Stop()

	frameTicker := time.NewTicker(m.cfg.HeartbeatFrameEvery)
	defer frameTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			m.sweep()
		case <-frameTicker.C:
			m.broadcastHeartbeats()
		}
	}
}

// sweep evicts any connection whose last inbound frame predates
// ConnectionTimeout.
func (m *Manager) sweep() {
	now := time.Now()
	for _, id := range m.registry.ConnectionIDs() {
		last, ok := m.registry.LastHeartbeat(id)
		if !ok {
			continue
		}
		if now.Sub(last) > m.cfg.ConnectionTimeout {
			m.log.Info().Str("connection_id", id).Dur("idle_for", now.Sub(last)).Msg("evicting idle connection")
			m.registry.Evict(id)
			if m.metrics != nil {
				m.metrics.ConnectionsEvicted.Inc()
			}
		}
	}
}

// broadcastHeartbeats sends a heartbeat frame to every live connection so
// idle-but-alive connections observe server liveness between their own
// traffic.
func (m *Manager) broadcastHeartbeats() {
	for _, id := range m.registry.ConnectionIDs() {
		if err := m.sender.SendHeartbeat(id); err != nil {
			m.log.Debug().Err(err).Str("connection_id", id).Msg("heartbeat send failed")
		}
	}
}

// EncodeHeartbeatFrame renders the wire form of a heartbeat frame.
func EncodeHeartbeatFrame(now time.Time) ([]byte, error) {
	return codec.EncodeServer(codec.TypeHeartbeat, codec.HeartbeatFrame{ServerTime: now.UnixMilli()})
}
