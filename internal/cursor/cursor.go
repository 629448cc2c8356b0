// Package cursor implements the opaque, per-channel position token used by
// the ring buffer and subscription replay. A cursor is only comparable to
// other cursors from the same channel; callers are responsible for keeping
// cursors scoped to one channel.
package cursor

import (
	"strconv"
	"strings"
	"time"
)

// Zero is the reserved cursor meaning "from the beginning of whatever is
// retained". It decodes successfully and compares less than any cursor
// produced by Create.
const Zero = "0"

// Cursor is a monotonic (sequence, timestamp) pair scoped to one channel.
type Cursor struct {
	Sequence  uint64
	CreatedAt time.Time
}

// Create builds a cursor from a channel-local sequence counter and the wall
// clock time the message was appended.
func Create(sequence uint64, createdAt time.Time) Cursor {
	return Cursor{Sequence: sequence, CreatedAt: createdAt}
}

// Encode serializes a cursor to its opaque wire form: base36 sequence and
// base36 UnixNano timestamp, joined by a separator that never appears in
// either field's alphabet.
func Encode(c Cursor) string {
	if c.Sequence == 0 && c.CreatedAt.IsZero() {
		return Zero
	}
	return strconv.FormatUint(c.Sequence, 36) + "." + strconv.FormatInt(c.CreatedAt.UnixNano(), 36)
}

// Decode parses the wire form produced by Encode. It returns ok=false for
// any malformed input rather than an error — cursor parsing is total.
func Decode(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	if s == Zero {
		return Cursor{}, true
	}

	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return Cursor{}, false
	}

	seq, err := strconv.ParseUint(parts[0], 36, 64)
	if err != nil {
		return Cursor{}, false
	}
	nanos, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Sequence: seq, CreatedAt: time.Unix(0, nanos)}, true
}

// IsZero reports whether c is the reserved "from the beginning" cursor.
func (c Cursor) IsZero() bool {
	return c.Sequence == 0 && c.CreatedAt.IsZero()
}

// Compare orders two cursors from the same channel by (sequence, timestamp).
// The zero value compares less than every non-zero cursor.
func Compare(a, b Cursor) int {
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	case a.CreatedAt.Before(b.CreatedAt):
		return -1
	case a.CreatedAt.After(b.CreatedAt):
		return 1
	default:
		return 0
	}
}

// IsExpired reports whether c is older than horizon relative to now.
func IsExpired(c Cursor, horizon time.Duration, now time.Time) bool {
	if c.IsZero() {
		return false
	}
	return now.Sub(c.CreatedAt) > horizon
}
