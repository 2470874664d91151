package permission

import (
	"strings"
	"time"

	"github.com/transitive-robotics/broker-auth/pkg/topic"
)

// Evaluate decides whether the token grants access to the topic. Malformed
// input never errors, it denies.
//
// A bearer of a per-device capability token has full access to that device's
// topics for that capability; any valid device token also confers read
// access on the agent topic; a _fleet token grants cross-device read on
// agent topics and full access to the named capability across the org.
func Evaluate(parts topic.Parts, tok *Token, readAccess bool, now time.Time) bool {
	if tok == nil || parts.Len() < 5 {
		return false
	}

	org := parts.Org()
	device := parts.Device()
	capability := parts.Capability()
	sub := parts.Sub()

	deviceMatch := tok.Device() == device
	capMatch := tok.Capability() == capability
	agentPermission := tok.Capability() == AgentCapability
	agentRequested := capability == AgentCapability
	fleetPermission := tok.Device() == FleetDevice
	prefixes, constrained := tok.Topics()

	// preconditions: claim is about the requesting org and still valid
	if tok.ID != tok.UserID() || tok.ID != org {
		return false
	}
	expiry, ok := tok.ExpiresAfter()
	if !ok || expiry <= now.Unix() {
		return false
	}

	topicsAllow := !constrained || includesPrefix(prefixes, sub)

	switch {
	case deviceMatch && (capMatch || agentPermission) && topicsAllow:
		return true
	case deviceMatch && readAccess && agentRequested:
		return true
	case fleetPermission && readAccess && agentRequested && !constrained:
		return true
	case fleetPermission && (capMatch || agentPermission) && !constrained:
		return true
	}
	return false
}

// includesPrefix reports whether any element of prefixes is a literal
// prefix of sub.
func includesPrefix(prefixes []string, sub string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(sub, p) {
			return true
		}
	}
	return false
}
