package ring

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-exchange/relay-hub/internal/cursor"
)

func payload(s string) json.RawMessage {
	return json.RawMessage(`"` + s + `"`)
}

func TestCapacityForKnownAndUnknownPrefix(t *testing.T) {
	assert.Equal(t, 4096, CapacityFor("agent:output"))
	assert.Equal(t, 64, CapacityFor("system:health"))
	assert.Equal(t, defaultCapacity, CapacityFor("nonexistent:kind"))
}

func TestAppendAssignsMonotonicCursors(t *testing.T) {
	b := New(10)
	var cursors []string
	for i := 0; i < 5; i++ {
		m := b.Append("agent:output:a1", "chunk", payload("x"), nil)
		cursors = append(cursors, m.Cursor)
	}
	for i := 1; i < len(cursors); i++ {
		prev, ok := cursor.Decode(cursors[i-1])
		require.True(t, ok)
		cur, ok := cursor.Decode(cursors[i])
		require.True(t, ok)
		assert.Positive(t, cursor.Compare(cur, prev))
	}
}

func TestReplayFromNilReturnsAllRetained(t *testing.T) {
	b := New(10)
	for i := 0; i < 3; i++ {
		b.Append("agent:output:a1", "chunk", payload("x"), nil)
	}
	res := b.Replay(nil, 0, 0, time.Now())
	assert.Len(t, res.Messages, 3)
	assert.False(t, res.Truncated)
	assert.False(t, res.HasMore)
}

func TestReplayStrictlyAfterCursor(t *testing.T) {
	b := New(10)
	var msgs []*Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, b.Append("agent:output:a1", "chunk", payload("x"), nil))
	}
	c, ok := cursor.Decode(msgs[1].Cursor)
	require.True(t, ok)

	res := b.Replay(&c, 0, 0, time.Now())
	require.Len(t, res.Messages, 3)
	assert.Equal(t, msgs[2].ID, res.Messages[0].ID)
	assert.Equal(t, msgs[4].ID, res.Messages[2].ID)
	assert.False(t, res.Truncated)
}

func TestReplayAtOrBeyondLatestReturnsEmptyNotTruncated(t *testing.T) {
	b := New(10)
	var last *Message
	for i := 0; i < 3; i++ {
		last = b.Append("agent:output:a1", "chunk", payload("x"), nil)
	}
	c, ok := cursor.Decode(last.Cursor)
	require.True(t, ok)

	res := b.Replay(&c, 0, 0, time.Now())
	assert.Empty(t, res.Messages)
	assert.False(t, res.Truncated)
	assert.False(t, res.HasMore)
}

func TestReplayEvictedCursorReturnsTruncated(t *testing.T) {
	b := New(3)
	var msgs []*Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, b.Append("system:health", "status", payload("x"), nil))
	}
	// msgs[0] and msgs[1] have been evicted from a capacity-3 buffer.
	c, ok := cursor.Decode(msgs[1].Cursor)
	require.True(t, ok)

	res := b.Replay(&c, 0, 0, time.Now())
	assert.True(t, res.Truncated)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, msgs[3].ID, res.Messages[0].ID)
	assert.Equal(t, msgs[5].ID, res.Messages[2].ID)
}

func TestReplayRespectsLimitAndReportsHasMore(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		b.Append("agent:output:a1", "chunk", payload("x"), nil)
	}
	res := b.Replay(nil, 2, 0, time.Now())
	assert.Len(t, res.Messages, 2)
	assert.True(t, res.HasMore)
}

func TestEvictionKeepsMostRecentEntries(t *testing.T) {
	b := New(3)
	var msgs []*Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, b.Append("system:health", "status", payload("x"), nil))
	}
	assert.Equal(t, 3, b.Len())

	res := b.Replay(nil, 0, 0, time.Now())
	require.Len(t, res.Messages, 3)
	assert.Equal(t, msgs[2].ID, res.Messages[0].ID)
	assert.Equal(t, msgs[3].ID, res.Messages[1].ID)
	assert.Equal(t, msgs[4].ID, res.Messages[2].ID)
	assert.True(t, res.Truncated)
}

func TestLatestReflectsMostRecentAppendAcrossEviction(t *testing.T) {
	b := New(2)
	require.Nil(t, b.Latest())

	m1 := b.Append("system:health", "status", payload("x"), nil)
	c1, _ := cursor.Decode(m1.Cursor)
	assert.Equal(t, c1.Sequence, b.Latest().Sequence)

	b.Append("system:health", "status", payload("x"), nil)
	m3 := b.Append("system:health", "status", payload("x"), nil) // evicts m1
	c3, _ := cursor.Decode(m3.Cursor)
	assert.Equal(t, c3.Sequence, b.Latest().Sequence)
}

func TestReplayExpiredCursorReturnsTruncatedFromStart(t *testing.T) {
	b := New(10)
	var msgs []*Message
	for i := 0; i < 3; i++ {
		msgs = append(msgs, b.Append("agent:output:a1", "chunk", payload("x"), nil))
	}
	c, ok := cursor.Decode(msgs[0].Cursor)
	require.True(t, ok)

	res := b.Replay(&c, 0, time.Minute, time.Now().Add(time.Hour))
	assert.True(t, res.Truncated)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, msgs[0].ID, res.Messages[0].ID)
}

func TestReplayZeroHorizonDisablesExpiryCheck(t *testing.T) {
	b := New(10)
	var msgs []*Message
	for i := 0; i < 3; i++ {
		msgs = append(msgs, b.Append("agent:output:a1", "chunk", payload("x"), nil))
	}
	c, ok := cursor.Decode(msgs[0].Cursor)
	require.True(t, ok)

	res := b.Replay(&c, 0, 0, time.Now().Add(24*time.Hour))
	assert.False(t, res.Truncated)
	require.Len(t, res.Messages, 2)
}

func TestMetadataRoundTripsThroughAppend(t *testing.T) {
	b := New(10)
	meta := &Metadata{AgentID: "a1", WorkspaceID: "w1", CorrelationID: "corr-1"}
	m := b.Append("agent:output:a1", "chunk", payload("x"), meta)
	assert.Equal(t, meta, m.Metadata)
}
