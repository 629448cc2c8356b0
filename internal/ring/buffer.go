// Package ring implements the bounded per-channel message log: C3 of the
// hub design. Capacity, eviction, and replay-by-cursor are grounded on
// src/replay_buffer.go's ReplayBuffer (sequence-tagged entries, oldest-first
// eviction, pooled-buffer storage) generalized from a per-client buffer into
// a per-channel one with stable, externally-visible cursors instead of
// per-connection sequence numbers.
package ring

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odin-exchange/relay-hub/internal/cursor"
)

// Metadata carries the optional producer-supplied context for a message.
type Metadata struct {
	AgentID       string `json:"agentId,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Message is the immutable record stored in a channel's ring buffer and
// delivered to subscribers (the spec's HubMessage).
type Message struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Cursor      string          `json:"cursor"`
	PublishedAt time.Time       `json:"publishedAt"`
	Metadata    *Metadata       `json:"metadata,omitempty"`
}

// defaultCapacity is used for any channel-type prefix with no explicit
// entry in capacityTable.
const defaultCapacity = 1024

// capacityTable selects ring buffer size per "scope:kind" channel-type
// prefix, per spec §4.3 ("agent:output -> large; system:* -> small").
var capacityTable = map[string]int{
	"agent:output":           4096,
	"agent:status":           1024,
	"workspace:git":          1024,
	"workspace:conflicts":    512,
	"workspace:reservations": 512,
	"user:mail":              256,
	"user:notifications":     512,
	"system:health":          64,
	"system:processes":       64,
	"session:events":         1024,
	"fleet:status":           512,
	"pipeline:run":           1024,
}

// CapacityFor returns the configured ring buffer capacity for a channel
// type prefix (e.g. "agent:output"), falling back to defaultCapacity.
func CapacityFor(channelType string) int {
	if n, ok := capacityTable[channelType]; ok {
		return n
	}
	return defaultCapacity
}

// Buffer is a bounded, single-writer multi-reader per-channel log. It
// assigns the cursor field at append time from a channel-local monotonic
// counter and evicts the oldest entry once full.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	entries  []*Message // circular; len <= capacity
	head     int        // index of oldest entry within entries
	nextSeq  uint64      // next sequence to assign (starts at 1)
}

// New creates a buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		entries:  make([]*Message, 0, capacity),
		nextSeq:  1,
	}
}

// Append assigns the next cursor, stores the message (evicting the oldest
// if full), and returns the stored message. O(1) amortised.
func (b *Buffer) Append(channelStr, msgType string, payload json.RawMessage, meta *Metadata) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	seq := b.nextSeq
	b.nextSeq++

	msg := &Message{
		ID:          uuid.NewString(),
		Channel:     channelStr,
		Type:        msgType,
		Payload:     payload,
		Cursor:      cursor.Encode(cursor.Create(seq, now)),
		PublishedAt: now,
		Metadata:    meta,
	}

	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, msg)
	} else {
		b.entries[b.head] = msg
		b.head = (b.head + 1) % b.capacity
	}

	return msg
}

// Result is the outcome of a Replay call.
type Result struct {
	Messages   []*Message
	LastCursor string
	HasMore    bool
	Truncated  bool
}

// Replay returns entries strictly after fromCursor, in publish order. A nil
// fromCursor returns all retained entries, with Truncated=true only if the
// buffer has evicted at least one entry. A non-nil fromCursor older than the
// oldest retained entry (cursor.Zero included), or older than horizon
// relative to now, returns all retained entries with Truncated=true
// (spec §3/§4.1/§4.3: an expired cursor replays from start).
// horizon<=0 disables the expiry check. A fromCursor at or beyond the
// latest retained entry returns no messages (open question (a) in spec §9:
// the caller advances the subscriber's cursor to latest() in that case).
func (b *Buffer) Replay(fromCursor *cursor.Cursor, limit int, horizon time.Duration, now time.Time) Result {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ordered := b.orderedLocked()

	if len(ordered) == 0 {
		return Result{}
	}

	if fromCursor != nil && horizon > 0 && cursor.IsExpired(*fromCursor, horizon, now) {
		return b.sliceResult(ordered, 0, limit, true)
	}

	oldestSeq := ordered[0].seq

	if fromCursor == nil || fromCursor.Sequence < oldestSeq {
		truncated := fromCursor != nil || b.evictedLocked()
		return b.sliceResult(ordered, 0, limit, truncated)
	}

	// Linear scan for the first entry with seq > fromCursor.Sequence.
	start := 0
	for start < len(ordered) && ordered[start].seq <= fromCursor.Sequence {
		start++
	}

	return b.sliceResult(ordered, start, limit, false)
}

func (b *Buffer) sliceResult(ordered []seqMsg, start, limit int, truncated bool) Result {
	remaining := ordered[start:]
	hasMore := false
	if limit > 0 && len(remaining) > limit {
		remaining = remaining[:limit]
		hasMore = true
	}

	out := make([]*Message, len(remaining))
	lastCursor := ""
	for i, sm := range remaining {
		out[i] = sm.msg
		lastCursor = sm.msg.Cursor
	}

	return Result{Messages: out, LastCursor: lastCursor, HasMore: hasMore, Truncated: truncated}
}

type seqMsg struct {
	seq uint64
	msg *Message
}

// orderedLocked returns retained entries oldest-first. Caller must hold a
// read or write lock.
func (b *Buffer) orderedLocked() []seqMsg {
	out := make([]seqMsg, 0, len(b.entries))
	if len(b.entries) < b.capacity {
		for _, m := range b.entries {
			if c, ok := cursor.Decode(m.Cursor); ok {
				out = append(out, seqMsg{seq: c.Sequence, msg: m})
			}
		}
		return out
	}
	for i := 0; i < b.capacity; i++ {
		idx := (b.head + i) % b.capacity
		m := b.entries[idx]
		if c, ok := cursor.Decode(m.Cursor); ok {
			out = append(out, seqMsg{seq: c.Sequence, msg: m})
		}
	}
	return out
}

// evictedLocked reports whether any entry has ever been evicted from this
// buffer. Caller must hold a read or write lock.
func (b *Buffer) evictedLocked() bool {
	return b.nextSeq-1 > uint64(len(b.entries))
}

// Latest returns the cursor of the most recently appended message, or nil
// if the buffer is empty.
func (b *Buffer) Latest() *cursor.Cursor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.entries) == 0 {
		return nil
	}
	idx := b.head - 1
	if idx < 0 {
		idx = len(b.entries) - 1
	}
	if len(b.entries) < b.capacity {
		idx = len(b.entries) - 1
	}
	c, ok := cursor.Decode(b.entries[idx].Cursor)
	if !ok {
		return nil
	}
	return &c
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
