// Package authz implements the pure authorization rules of C4: who may
// subscribe to or publish on a channel, given an AuthContext. Grounded on
// the request-scoped auth checks in go-server/internal/auth (context.go's
// per-request identity lookup feeding simple allow/deny branches), expanded
// from that repo's single-resource JWT check into the full per-scope rule
// table the spec requires.
package authz

import (
	"fmt"

	"github.com/odin-exchange/relay-hub/internal/channel"
)

// AuthContext identifies the caller on whose behalf an operation runs.
type AuthContext struct {
	UserID       string
	APIKeyID     string
	WorkspaceIDs map[string]bool
	IsAdmin      bool
}

// Guest returns the unauthenticated AuthContext: no identity, no admin.
func Guest() AuthContext {
	return AuthContext{}
}

// System returns the synthetic internal/producer AuthContext used by
// ingestion bridges and the server itself (spec §3: "Internal/system =
// isAdmin=true with synthetic userId=\"system\"").
func System() AuthContext {
	return AuthContext{UserID: "system", IsAdmin: true}
}

// HasIdentity reports whether the context carries any authenticated
// identity at all.
func (a AuthContext) HasIdentity() bool {
	return a.UserID != "" || a.APIKeyID != ""
}

func (a AuthContext) hasWorkspace(id string) bool {
	if a.WorkspaceIDs == nil {
		return false
	}
	return a.WorkspaceIDs[id]
}

// Decision is the result of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// AgentResolver optionally gates agent:* subscriptions beyond plain
// authentication (spec §4.4: "resolver(agentId, userId, workspaceIds)").
type AgentResolver func(agentID, userID string, workspaceIDs map[string]bool) bool

// CanSubscribe implements the ordered rule list from spec §4.4.
func CanSubscribe(auth AuthContext, c channel.Channel, resolver AgentResolver) Decision {
	if auth.IsAdmin {
		return allow()
	}
	if !auth.HasIdentity() {
		return deny("guests may not subscribe")
	}

	switch c.Scope {
	case channel.ScopeAgent:
		if resolver == nil {
			return allow()
		}
		if resolver(c.ID(0), auth.UserID, auth.WorkspaceIDs) {
			return allow()
		}
		return deny("resolver denied access to this agent channel")

	case channel.ScopeWorkspace:
		if auth.hasWorkspace(c.ID(0)) {
			return allow()
		}
		return deny(fmt.Sprintf("caller is not a member of workspace %q", c.ID(0)))

	case channel.ScopeUser:
		if c.ID(0) == auth.UserID {
			return allow()
		}
		return deny("channel does not belong to the caller")

	case channel.ScopeSystem:
		return deny("system channels require admin")

	case channel.ScopeSession, channel.ScopeFleet, channel.ScopePipeline:
		return allow()

	default:
		return deny("unknown channel scope")
	}
}

// CanPublish implements the ordered rule list from spec §4.4.
func CanPublish(auth AuthContext, c channel.Channel) Decision {
	if auth.IsAdmin {
		return allow()
	}
	if !auth.HasIdentity() {
		return deny("guests may not publish")
	}

	switch c.Scope {
	case channel.ScopeAgent:
		return deny("agent channels may only be published by internal/system producers")

	case channel.ScopeWorkspace:
		if auth.hasWorkspace(c.ID(0)) {
			return allow()
		}
		return deny(fmt.Sprintf("caller is not a member of workspace %q", c.ID(0)))

	case channel.ScopeUser:
		if c.Kind == "mail" {
			return allow()
		}
		// user:notifications and any other user:* kind require ownership.
		if c.ID(0) == auth.UserID {
			return allow()
		}
		return deny("channel does not belong to the caller")

	case channel.ScopeSystem:
		return deny("system channels may only be published by admin")

	case channel.ScopeSession, channel.ScopeFleet, channel.ScopePipeline:
		return deny("internal-only channel")

	default:
		return deny("unknown channel scope")
	}
}
