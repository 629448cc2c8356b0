// Package codec implements C5: the client<->server message envelopes and
// their total (never-panics) JSON parsing. Grounded on the outer
// {type, data} discriminated-envelope pattern in src/server.go's
// handleClientMessage (parse the type, re-unmarshal the data field into a
// type-specific struct), generalized from that file's ad hoc per-case
// structs into named envelope types covering every frame in spec §4.5.
package codec

import (
	"encoding/json"

	"github.com/odin-exchange/relay-hub/internal/ring"
)

// ErrorCode is the closed set of stable error strings from spec §6.
type ErrorCode string

const (
	ErrInvalidFormat        ErrorCode = "INVALID_FORMAT"
	ErrInvalidChannel       ErrorCode = "INVALID_CHANNEL"
	ErrWSSubscriptionDenied ErrorCode = "WS_SUBSCRIPTION_DENIED"
	ErrInternal             ErrorCode = "INTERNAL_ERROR"
)

// envelope is the outer {type, data} wire shape shared by every frame.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// --- Client -> server payloads ---------------------------------------

type SubscribeRequest struct {
	Channel string  `json:"channel"`
	Cursor  *string `json:"cursor,omitempty"`
}

type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

type PingRequest struct {
	Timestamp int64 `json:"timestamp"`
}

type BackfillRequest struct {
	Channel    string  `json:"channel"`
	FromCursor *string `json:"fromCursor,omitempty"`
	Limit      int     `json:"limit,omitempty"`
}

type ReconnectRequest struct {
	Cursors map[string]string `json:"cursors"`
}

type AckRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// ClientFrame is the parsed, type-discriminated result of DecodeClient.
// Exactly one of the typed fields is non-nil, matching Type.
type ClientFrame struct {
	Type        string
	Subscribe   *SubscribeRequest
	Unsubscribe *UnsubscribeRequest
	Ping        *PingRequest
	Backfill    *BackfillRequest
	Reconnect   *ReconnectRequest
	Ack         *AckRequest
}

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeBackfill    = "backfill"
	TypeReconnect   = "reconnect"
	TypeAck         = "ack"
)

// DecodeClient parses an inbound frame. Parsing is total: malformed input
// returns ok=false rather than an error, per spec §4.5/§7.
func DecodeClient(raw []byte) (ClientFrame, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientFrame{}, false
	}

	switch env.Type {
	case TypeSubscribe:
		var r SubscribeRequest
		if !unmarshalData(env.Data, &r) || r.Channel == "" {
			return ClientFrame{}, false
		}
		return ClientFrame{Type: env.Type, Subscribe: &r}, true

	case TypeUnsubscribe:
		var r UnsubscribeRequest
		if !unmarshalData(env.Data, &r) || r.Channel == "" {
			return ClientFrame{}, false
		}
		return ClientFrame{Type: env.Type, Unsubscribe: &r}, true

	case TypePing:
		var r PingRequest
		if !unmarshalData(env.Data, &r) {
			return ClientFrame{}, false
		}
		return ClientFrame{Type: env.Type, Ping: &r}, true

	case TypeBackfill:
		var r BackfillRequest
		if !unmarshalData(env.Data, &r) || r.Channel == "" {
			return ClientFrame{}, false
		}
		return ClientFrame{Type: env.Type, Backfill: &r}, true

	case TypeReconnect:
		var r ReconnectRequest
		if !unmarshalData(env.Data, &r) {
			return ClientFrame{}, false
		}
		return ClientFrame{Type: env.Type, Reconnect: &r}, true

	case TypeAck:
		var r AckRequest
		if !unmarshalData(env.Data, &r) {
			return ClientFrame{}, false
		}
		return ClientFrame{Type: env.Type, Ack: &r}, true

	default:
		return ClientFrame{}, false
	}
}

// unmarshalData unmarshals a possibly-empty data field. Empty data is only
// valid when dst's zero value is acceptable to the caller's own field
// checks (e.g. PingRequest{}); callers that require non-empty fields check
// them explicitly after the call.
func unmarshalData(data json.RawMessage, dst any) bool {
	if len(data) == 0 {
		return true
	}
	return json.Unmarshal(data, dst) == nil
}

// --- Server -> client payloads ----------------------------------------

type Capabilities struct {
	Backfill        bool `json:"backfill"`
	Acknowledgment  bool `json:"acknowledgment"`
	Compression     bool `json:"compression"`
}

type ConnectedFrame struct {
	ConnectionID        string       `json:"connectionId"`
	ServerTime          int64        `json:"serverTime"`
	ServerVersion       string       `json:"serverVersion"`
	Capabilities        Capabilities `json:"capabilities"`
	HeartbeatIntervalMs int64        `json:"heartbeatIntervalMs"`
	Docs                string       `json:"docs,omitempty"`
}

type SubscribedFrame struct {
	Channel string  `json:"channel"`
	Cursor  *string `json:"cursor,omitempty"`
}

type UnsubscribedFrame struct {
	Channel string `json:"channel"`
}

type MessageFrame struct {
	Message     *ring.Message `json:"message"`
	AckRequired bool          `json:"ackRequired,omitempty"`
}

type BackfillResponseFrame struct {
	Channel    string          `json:"channel"`
	Messages   []*ring.Message `json:"messages"`
	HasMore    bool            `json:"hasMore"`
	LastCursor *string         `json:"lastCursor,omitempty"`
}

type PongFrame struct {
	Timestamp     int64             `json:"timestamp"`
	ServerTime    int64             `json:"serverTime"`
	Subscriptions []string          `json:"subscriptions"`
	Cursors       map[string]string `json:"cursors"`
}

type ReconnectChannelResult struct {
	Channel     string          `json:"channel"`
	Cursor      string          `json:"cursor"`
	Messages    []*ring.Message `json:"messages"`
	AckRequired bool            `json:"ackRequired"`
}

type ReconnectAckFrame struct {
	Success  bool                     `json:"success"`
	Channels []ReconnectChannelResult `json:"channels,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
}

type HeartbeatFrame struct {
	ServerTime int64 `json:"serverTime"`
}

type ErrorFrame struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Channel string    `json:"channel,omitempty"`
}

const (
	TypeConnected        = "connected"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeMessage          = "message"
	TypeBackfillResponse = "backfill_response"
	TypePong             = "pong"
	TypeReconnectAck     = "reconnect_ack"
	TypeHeartbeat        = "heartbeat"
	TypeError            = "error"
)

// EncodeServer wraps a typed server payload in the {type, data} envelope
// and marshals it. Field ordering within data is not significant per
// spec §4.5.
func EncodeServer(frameType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: frameType, Data: data})
}
