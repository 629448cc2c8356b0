// Package kafka implements C13's Kafka ingestion bridge: a franz-go
// consumer group that republishes topic records through hub.Publish.
// Grounded on ws/kafka/consumer.go's Consumer (kgo.Client with
// ConsumerGroup/ConsumeTopics, a polling consumeLoop, graceful Stop via
// context cancellation) and ws/internal/shared/kafka/consumer.go's
// fetch-error handling, narrowed from those files' rate-limiting/CPU-brake
// layers (which belong to the resource monitor, not ingestion) down to
// record -> hub channel fan-in.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/odin-exchange/relay-hub/internal/ring"
)

// Publisher is the subset of hub.Hub the bridge drives.
type Publisher interface {
	Publish(channelStr, msgType string, payload json.RawMessage, meta *ring.Metadata) *ring.Message
}

// TopicMapper maps an inbound record's topic and key to a hub channel
// string and message type. ok=false drops the record.
type TopicMapper func(topic, key string) (channelStr, msgType string, ok bool)

// Config configures the consumer group and topic set.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
}

// Bridge consumes a fixed topic set under a consumer group and republishes
// every record through the hub.
type Bridge struct {
	client Client
	mapper TopicMapper
	hub    Publisher
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.Mutex
	messagesProcessed uint64
	messagesDropped   uint64
}

// Client is the subset of *kgo.Client the bridge needs, so tests can
// substitute a fake poller without a live broker.
type Client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// New connects a Kafka consumer group client and returns a Bridge ready
// to Start.
func New(cfg Config, mapper TopicMapper, hub Publisher, log zerolog.Logger) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return newBridgeWithClient(client, mapper, hub, log, ctx, cancel), nil
}

func newBridgeWithClient(client Client, mapper TopicMapper, hub Publisher, log zerolog.Logger, ctx context.Context, cancel context.CancelFunc) *Bridge {
	return &Bridge{
		client: client,
		mapper: mapper,
		hub:    hub,
		log:    log.With().Str("component", "kafka_bridge").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the poll loop in a background goroutine.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.consumeLoop()
}

// Stop cancels the poll loop, waits for it to exit, and closes the client.
func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()
	b.client.Close()
}

func (b *Bridge) consumeLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		fetches := b.client.PollFetches(b.ctx)
		for _, err := range fetches.Errors() {
			b.log.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafka fetch error")
		}
		fetches.EachRecord(b.handleRecord)
	}
}

func (b *Bridge) handleRecord(record *kgo.Record) {
	channelStr, msgType, ok := b.mapper(record.Topic, string(record.Key))
	if !ok {
		b.incrementDropped()
		return
	}
	b.hub.Publish(channelStr, msgType, record.Value, &ring.Metadata{})
	b.incrementProcessed()
}

func (b *Bridge) incrementProcessed() {
	b.mu.Lock()
	b.messagesProcessed++
	b.mu.Unlock()
}

func (b *Bridge) incrementDropped() {
	b.mu.Lock()
	b.messagesDropped++
	b.mu.Unlock()
}

// Stats returns cumulative processed/dropped record counts.
func (b *Bridge) Stats() (processed, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messagesProcessed, b.messagesDropped
}
