package acl

import (
	"strings"

	"github.com/transitive-robotics/broker-auth/pkg/permission"
)

// SuperuserPrefix marks the operator super-user credential.
const SuperuserPrefix = "transitiverobotics:"

// Identity is a client identity, parsed once per ACL check from the
// username the broker reports.
type Identity interface{ identity() }

// Superuser is the operator super-user; it may do anything.
type Superuser struct{}

// CapabilityService is a cloud capability authenticated as
// "cap:<scope>/<name>"; it owns its capability's namespace.
type CapabilityService struct {
	Scope string
	Name  string
}

// Device is a robot authenticated with broker-issued credentials
// "<org>:<deviceId>"; it owns its own namespace within the org.
type Device struct {
	Org string
	ID  string
}

// Websocket is a browser user whose username is a permission-token JSON
// document. Token is nil when the document does not parse; such a client
// can never be authorized but is still metered and rate-limited.
type Websocket struct {
	Token *permission.Token
}

func (Superuser) identity()         {}
func (CapabilityService) identity() {}
func (Device) identity()            {}
func (Websocket) identity()         {}

// ParseIdentity classifies a username. It returns nil for usernames that
// fit no credential form.
func ParseIdentity(username string) Identity {
	switch {
	case strings.HasPrefix(username, SuperuserPrefix):
		return Superuser{}

	case strings.HasPrefix(username, "{"):
		tok, err := permission.ParseToken(username)
		if err != nil {
			return Websocket{}
		}
		return Websocket{Token: tok}

	case strings.HasPrefix(username, "cap:"):
		scope, name, ok := strings.Cut(strings.TrimPrefix(username, "cap:"), "/")
		if !ok || scope == "" || name == "" {
			return nil
		}
		return CapabilityService{Scope: scope, Name: name}

	default:
		org, id, ok := strings.Cut(username, ":")
		if !ok || org == "" || id == "" {
			return nil
		}
		return Device{Org: org, ID: id}
	}
}
