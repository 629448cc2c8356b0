// Command relay-hub is the composition root: it wires config, logging,
// metrics, auth, the hub, the heartbeat sweep, the WebSocket transport,
// and the optional ingestion bridges and resource monitor together, then
// serves until an interrupt or SIGTERM. Grounded on ws/main.go's startup
// sequence (automaxprocs, env/.env config load, signal-driven graceful
// shutdown) and go-server-3's metrics-server-on-its-own-listener pattern.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/odin-exchange/relay-hub/internal/auth"
	"github.com/odin-exchange/relay-hub/internal/config"
	"github.com/odin-exchange/relay-hub/internal/heartbeat"
	ingestkafka "github.com/odin-exchange/relay-hub/internal/ingest/kafka"
	ingestnats "github.com/odin-exchange/relay-hub/internal/ingest/nats"
	"github.com/odin-exchange/relay-hub/internal/logging"
	"github.com/odin-exchange/relay-hub/internal/metrics"
	"github.com/odin-exchange/relay-hub/internal/resource"
	"github.com/odin-exchange/relay-hub/internal/transport"

	hubpkg "github.com/odin-exchange/relay-hub/internal/hub"
)

func main() {
	bootstrapLog := logging.New(logging.Options{Level: "info", Format: "json", Service: "relay-hub"})

	cfg, err := config.Load(&bootstrapLog)
	if err != nil {
		bootstrapLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "relay-hub"})
	cfg.LogFields(log)

	reg := metrics.NewRegistry()

	h := hubpkg.New(hubpkg.Config{
		MaxReplay:           cfg.MaxAckReplay,
		AckReplayWindow:     cfg.AckReplayWindow,
		CursorExpiryHorizon: cfg.CursorExpiryHorizon,
		DefaultBackfillCap:  cfg.DefaultBackfillCap,
	}, log, reg)

	authMgr := auth.NewManager(cfg.JWTSecret, cfg.JWTTokenTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hbMgr := heartbeat.New(heartbeat.Config{
		SweepInterval:       cfg.HeartbeatSweepInterval,
		ConnectionTimeout:   cfg.ConnectionTimeout,
		HeartbeatFrameEvery: cfg.HeartbeatFrameInterval,
	}, h, h, log, reg)
	go hbMgr.Run(ctx)
	go func() {
		ackSweepEvery := cfg.AckReplayWindow
		if ackSweepEvery <= 0 {
			ackSweepEvery = time.Second
		}
		ticker := time.NewTicker(ackSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.SweepPendingAcks(ctx)
			}
		}
	}()

	var admission *resource.Monitor
	if cfg.ResourceMonitorEnabled {
		admission = resource.New(resource.Config{
			SampleInterval:  cfg.ResourceSampleInterval,
			CPURejectPct:    cfg.CPURejectThresholdPct,
			MemoryRejectPct: cfg.MemoryRejectThresholdPct,
		}, log)
		go admission.Run(ctx)
	}

	heartbeatMs := cfg.HeartbeatFrameInterval.Milliseconds()
	transportSrv := transport.NewServer(h, authMgr, nil, heartbeatMs, log, reg)
	if admission != nil {
		transportSrv = transportSrv.WithAdmissionGuard(admission)
	}

	if cfg.NATSEnabled {
		natsBridge, err := ingestnats.New(ingestnats.Config{
			URL:             cfg.NATSURL,
			Subjects:        []string{"odin.>"},
			MaxReconnects:   ingestnats.DefaultConfig().MaxReconnects,
			ReconnectWait:   ingestnats.DefaultConfig().ReconnectWait,
			ReconnectJitter: ingestnats.DefaultConfig().ReconnectJitter,
		}, natsSubjectMapper, h, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to start NATS ingestion bridge")
		} else if err := natsBridge.Start(); err != nil {
			log.Error().Err(err).Msg("failed to subscribe NATS ingestion bridge")
		} else {
			defer natsBridge.Close()
		}
	}

	if cfg.KafkaEnabled {
		kafkaBridge, err := ingestkafka.New(ingestkafka.Config{
			Brokers:       splitBrokers(cfg.KafkaBrokers),
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        []string{"odin.trades", "odin.liquidity"},
		}, kafkaTopicMapper, h, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to start Kafka ingestion bridge")
		} else {
			kafkaBridge.Start()
			defer kafkaBridge.Stop()
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", reg.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Status      string             `json:"status"`
			Connections int                `json:"connections"`
			Resources   *resource.Snapshot `json:"resources,omitempty"`
		}{
			Status:      "ok",
			Connections: len(h.ConnectionIDs()),
		}
		if admission != nil {
			snap := admission.Sample()
			body.Resources = &snap
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- transportSrv.Start(ctx, cfg.Addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("transport server exited")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// natsSubjectMapper maps the Odin NATS subject hierarchy onto hub
// channels: token-scoped subjects become agent:output channels keyed by
// token id, and the heartbeat subject becomes system:health.
func natsSubjectMapper(subject string) (channelStr, msgType string, ok bool) {
	switch {
	case subject == "odin.heartbeat":
		return "system:health", "heartbeat", true
	case strings.HasPrefix(subject, "odin.token.") && strings.HasSuffix(subject, ".price"):
		tokenID := strings.TrimSuffix(strings.TrimPrefix(subject, "odin.token."), ".price")
		return "agent:output:" + tokenID, "price.update", true
	case strings.HasPrefix(subject, "odin.trades."):
		tokenID := strings.TrimPrefix(subject, "odin.trades.")
		return "agent:output:" + tokenID, "trade.executed", true
	default:
		return "", "", false
	}
}

// kafkaTopicMapper maps Kafka topic + record key onto hub channels, for
// producers that emit batch pipeline events over Kafka instead of NATS.
func kafkaTopicMapper(topic, key string) (channelStr, msgType string, ok bool) {
	switch topic {
	case "odin.trades":
		return "agent:output:" + key, "trade.executed", true
	case "odin.liquidity":
		return "workspace:reservations:" + key, "liquidity.update", true
	default:
		return "", "", false
	}
}
