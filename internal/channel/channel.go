// Package channel implements the typed channel model: the scope/kind/id
// grammar clients and producers address, its string codec, wildcard pattern
// matching, and the ack-required lookup table. Grounded on the NATS<->
// WebSocket channel mapping in src/channels.go, generalized from the two
// fixed kinds ("token", "user") that file supports to the full scope set
// the hub needs.
package channel

import (
	"regexp"
	"strings"
)

// Scope is the top-level namespace of a channel.
type Scope string

const (
	ScopeAgent     Scope = "agent"
	ScopeWorkspace Scope = "workspace"
	ScopeUser      Scope = "user"
	ScopeSystem    Scope = "system"
	ScopeSession   Scope = "session"
	ScopeFleet     Scope = "fleet"
	ScopePipeline  Scope = "pipeline"
)

// Channel is a parsed scope:kind[:id...] address.
type Channel struct {
	Scope Scope
	Kind  string
	IDs   []string
}

// kindSpec describes how many id fields a given scope:kind combination takes.
// Parse always lets the final id field consume the remainder of the string
// (allowing embedded colons).
type kindSpec struct {
	idCount int // 0, 1, or 2
}

var registry = map[Scope]map[string]kindSpec{
	ScopeAgent: {
		"output": {idCount: 1},
		"status": {idCount: 1},
	},
	ScopeWorkspace: {
		"git":          {idCount: 1},
		"conflicts":    {idCount: 1},
		"reservations": {idCount: 1},
	},
	ScopeUser: {
		"mail":          {idCount: 1},
		"notifications": {idCount: 1},
	},
	ScopeSystem: {
		"health":    {idCount: 0},
		"processes": {idCount: 0},
	},
	ScopeSession: {
		"events": {idCount: 1},
	},
	ScopeFleet: {
		"status": {idCount: 1},
	},
	ScopePipeline: {
		"run": {idCount: 2},
	},
}

// ackRequired is the ACK_REQUIRED_CHANNELS set from spec §3/§4.2: channels
// whose messages carry at-least-once delivery semantics.
var ackRequired = map[Scope]map[string]bool{
	ScopeWorkspace: {"conflicts": true, "reservations": true},
	ScopeUser:      {"notifications": true},
}

// New constructs a Channel directly, for callers that already know the
// scope/kind/ids are valid (e.g. producers). It does not validate against
// the registry; use Parse(ToString(c)) to validate round-trip.
func New(scope Scope, kind string, ids ...string) Channel {
	return Channel{Scope: scope, Kind: kind, IDs: append([]string(nil), ids...)}
}

// ToString renders the canonical "scope:kind[:id[:id...]]" form.
func ToString(c Channel) string {
	parts := []string{string(c.Scope), c.Kind}
	parts = append(parts, c.IDs...)
	return strings.Join(parts, ":")
}

// Parse decodes a channel string. It returns ok=false for any unknown
// prefix, missing required id, or malformed suffix — parse errors are
// total, never panics or errors.
func Parse(s string) (Channel, bool) {
	if s == "" {
		return Channel{}, false
	}

	tokens := strings.Split(s, ":")
	if len(tokens) < 2 {
		return Channel{}, false
	}

	scope := Scope(tokens[0])
	kind := tokens[1]

	kinds, ok := registry[scope]
	if !ok {
		return Channel{}, false
	}
	spec, ok := kinds[kind]
	if !ok {
		return Channel{}, false
	}

	rest := tokens[2:]

	switch spec.idCount {
	case 0:
		if len(rest) != 0 {
			return Channel{}, false
		}
		return Channel{Scope: scope, Kind: kind}, true

	case 1:
		if len(rest) == 0 {
			return Channel{}, false
		}
		id := strings.Join(rest, ":")
		if id == "" {
			return Channel{}, false
		}
		return Channel{Scope: scope, Kind: kind, IDs: []string{id}}, true

	case 2:
		if len(rest) < 2 {
			return Channel{}, false
		}
		id1 := rest[0]
		id2 := strings.Join(rest[1:], ":")
		if id1 == "" || id2 == "" {
			return Channel{}, false
		}
		return Channel{Scope: scope, Kind: kind, IDs: []string{id1, id2}}, true

	default:
		return Channel{}, false
	}
}

// RequiresAck reports whether messages on this channel carry at-least-once
// delivery semantics (ACK_REQUIRED_CHANNELS).
func RequiresAck(c Channel) bool {
	kinds, ok := ackRequired[c.Scope]
	if !ok {
		return false
	}
	return kinds[c.Kind]
}

// MatchesPattern reports whether c's canonical string matches pattern, where
// '*' matches any run of non-':' characters and all other characters are
// literal.
func MatchesPattern(c Channel, pattern string) bool {
	re := compilePattern(pattern)
	return re.MatchString(ToString(c))
}

func compilePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString("[^:]*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// ID returns the id field at index i, or "" if out of range.
func (c Channel) ID(i int) string {
	if i < 0 || i >= len(c.IDs) {
		return ""
	}
	return c.IDs[i]
}
