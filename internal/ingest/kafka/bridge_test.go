package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/odin-exchange/relay-hub/internal/ring"
)

type fakePublisher struct {
	calls []publishCall
}

type publishCall struct {
	channel string
	msgType string
	payload json.RawMessage
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (f *fakePublisher) Publish(channelStr, msgType string, payload json.RawMessage, meta *ring.Metadata) *ring.Message {
	f.calls = append(f.calls, publishCall{channel: channelStr, msgType: msgType, payload: payload})
	return &ring.Message{Channel: channelStr, Type: msgType, Payload: payload}
}

func TestHandleRecordRepublishesMappedTopic(t *testing.T) {
	pub := newFakePublisher()
	mapper := func(topic, key string) (string, string, bool) {
		if topic == "odin.trades" {
			return "agent:output:" + key, "trade.executed", true
		}
		return "", "", false
	}
	b := &Bridge{mapper: mapper, hub: pub, log: zerolog.Nop()}

	b.handleRecord(&kgo.Record{Topic: "odin.trades", Key: []byte("btc"), Value: []byte(`{"qty":1}`)})

	require.Len(t, pub.calls, 1)
	assert.Equal(t, "agent:output:btc", pub.calls[0].channel)

	processed, dropped := b.Stats()
	assert.Equal(t, uint64(1), processed)
	assert.Equal(t, uint64(0), dropped)
}

func TestHandleRecordDropsUnmappedTopic(t *testing.T) {
	pub := newFakePublisher()
	mapper := func(topic, key string) (string, string, bool) { return "", "", false }
	b := &Bridge{mapper: mapper, hub: pub, log: zerolog.Nop()}

	b.handleRecord(&kgo.Record{Topic: "unrelated", Value: []byte(`{}`)})

	assert.Empty(t, pub.calls)
	_, dropped := b.Stats()
	assert.Equal(t, uint64(1), dropped)
}

type fakeKafkaClient struct {
	fetches chan kgo.Fetches
	closed  bool
}

func (f *fakeKafkaClient) PollFetches(ctx context.Context) kgo.Fetches {
	select {
	case ff := <-f.fetches:
		return ff
	case <-ctx.Done():
		return kgo.Fetches{}
	}
}

func (f *fakeKafkaClient) Close() {
	f.closed = true
}

func TestStartStopDrainsLoopCleanly(t *testing.T) {
	pub := newFakePublisher()
	mapper := func(topic, key string) (string, string, bool) { return "system:health", "tick", true }

	client := &fakeKafkaClient{fetches: make(chan kgo.Fetches, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	b := newBridgeWithClient(client, mapper, pub, zerolog.Nop(), ctx, cancel)

	b.Start()
	b.Stop()

	assert.True(t, client.closed)
}

func TestNewRejectsMissingBrokers(t *testing.T) {
	_, err := New(Config{ConsumerGroup: "g", Topics: []string{"t"}}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
