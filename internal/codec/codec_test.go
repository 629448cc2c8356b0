package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientSubscribe(t *testing.T) {
	raw := []byte(`{"type":"subscribe","data":{"channel":"agent:output:a1","cursor":"0"}}`)
	f, ok := DecodeClient(raw)
	require.True(t, ok)
	require.NotNil(t, f.Subscribe)
	assert.Equal(t, "agent:output:a1", f.Subscribe.Channel)
	require.NotNil(t, f.Subscribe.Cursor)
	assert.Equal(t, "0", *f.Subscribe.Cursor)
}

func TestDecodeClientSubscribeWithoutCursor(t *testing.T) {
	raw := []byte(`{"type":"subscribe","data":{"channel":"agent:output:a1"}}`)
	f, ok := DecodeClient(raw)
	require.True(t, ok)
	assert.Nil(t, f.Subscribe.Cursor)
}

func TestDecodeClientPing(t *testing.T) {
	raw := []byte(`{"type":"ping","data":{"timestamp":123456}}`)
	f, ok := DecodeClient(raw)
	require.True(t, ok)
	require.NotNil(t, f.Ping)
	assert.EqualValues(t, 123456, f.Ping.Timestamp)
}

func TestDecodeClientAck(t *testing.T) {
	raw := []byte(`{"type":"ack","data":{"messageIds":["m1","m2"]}}`)
	f, ok := DecodeClient(raw)
	require.True(t, ok)
	require.NotNil(t, f.Ack)
	assert.Equal(t, []string{"m1", "m2"}, f.Ack.MessageIDs)
}

func TestDecodeClientReconnect(t *testing.T) {
	raw := []byte(`{"type":"reconnect","data":{"cursors":{"user:notifications:u1":"abc.def"}}}`)
	f, ok := DecodeClient(raw)
	require.True(t, ok)
	require.NotNil(t, f.Reconnect)
	assert.Equal(t, "abc.def", f.Reconnect.Cursors["user:notifications:u1"])
}

func TestDecodeClientRejectsMalformedInput(t *testing.T) {
	cases := [][]byte{
		[]byte(``),
		[]byte(`not json`),
		[]byte(`{"type":"bogus"}`),
		[]byte(`{"type":"subscribe","data":{}}`),
		[]byte(`{"type":"subscribe","data":{"channel":123}}`),
		[]byte(`{"type":"unsubscribe","data":{}}`),
		[]byte(`{"type":"backfill","data":{}}`),
	}
	for _, raw := range cases {
		_, ok := DecodeClient(raw)
		assert.False(t, ok, "expected decode failure for %q", raw)
	}
}

func TestEncodeServerConnectedFrame(t *testing.T) {
	raw, err := EncodeServer(TypeConnected, ConnectedFrame{
		ConnectionID:        "c1",
		ServerTime:          1,
		ServerVersion:       "1.0.0",
		Capabilities:        Capabilities{Backfill: true, Acknowledgment: true, Compression: false},
		HeartbeatIntervalMs: 30000,
	})
	require.NoError(t, err)

	var decoded envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeConnected, decoded.Type)

	var payload ConnectedFrame
	require.NoError(t, json.Unmarshal(decoded.Data, &payload))
	assert.Equal(t, "c1", payload.ConnectionID)
	assert.True(t, payload.Capabilities.Backfill)
	assert.False(t, payload.Capabilities.Compression)
}

func TestEncodeServerErrorFrame(t *testing.T) {
	raw, err := EncodeServer(TypeError, ErrorFrame{
		Code:    ErrWSSubscriptionDenied,
		Message: "denied",
		Channel: "workspace:git:ws1",
	})
	require.NoError(t, err)

	var decoded envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	var payload ErrorFrame
	require.NoError(t, json.Unmarshal(decoded.Data, &payload))
	assert.Equal(t, ErrWSSubscriptionDenied, payload.Code)
}
