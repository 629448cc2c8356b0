package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := Create(42, time.Unix(0, 1700000000123456789))
	encoded := Encode(c)

	decoded, ok := Decode(encoded)
	require.True(t, ok)
	assert.Equal(t, c.Sequence, decoded.Sequence)
	assert.True(t, c.CreatedAt.Equal(decoded.CreatedAt))
}

func TestZeroCursorRoundTrips(t *testing.T) {
	decoded, ok := Decode(Zero)
	require.True(t, ok)
	assert.True(t, decoded.IsZero())
	assert.Equal(t, Zero, Encode(Cursor{}))
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []string{"", "no-dot", "abc.", ".abc", "!!!.000"}
	for _, tc := range cases {
		_, ok := Decode(tc)
		assert.False(t, ok, "expected decode failure for %q", tc)
	}
}

func TestCompareOrdersBySequenceThenTimestamp(t *testing.T) {
	base := time.Unix(1700000000, 0)
	a := Create(1, base)
	b := Create(2, base)
	c := Create(2, base.Add(time.Second))

	assert.Negative(t, Compare(a, b))
	assert.Positive(t, Compare(b, a))
	assert.Zero(t, Compare(a, a))
	assert.Negative(t, Compare(b, c))
}

func TestMonotonicSequenceOfPublishes(t *testing.T) {
	var cursors []Cursor
	now := time.Unix(1700000000, 0)
	for i := uint64(1); i <= 5; i++ {
		cursors = append(cursors, Create(i, now.Add(time.Duration(i)*time.Millisecond)))
	}
	for i := 1; i < len(cursors); i++ {
		assert.Positive(t, Compare(cursors[i], cursors[i-1]))
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fresh := Create(1, now.Add(-time.Second))
	stale := Create(2, now.Add(-time.Hour))

	assert.False(t, IsExpired(fresh, time.Minute, now))
	assert.True(t, IsExpired(stale, time.Minute, now))
	assert.False(t, IsExpired(Cursor{}, time.Minute, now))
}
