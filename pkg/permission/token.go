// Package permission models the signed permission tokens carried by
// websocket clients and decides whether a token grants access to a topic.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AgentCapability is the reserved capability of the robot agent. Permissions
// for it grant full device access, and every valid device token may read it.
const AgentCapability = "@transitive-robotics/_robot-agent"

// FleetDevice is the reserved device id granting org-wide scope.
const FleetDevice = "_fleet"

// ErrNotToken indicates the username was not a permission-token document.
var ErrNotToken = errors.New("username is not a permission token")

// Token is the permission document a websocket client presents as its
// username. Payload is kept as the generic JSON value so it can be compared
// structurally against the JWT payload; the typed accessors below interpret
// the fields the rule set needs.
type Token struct {
	// ID is the organization making the claim.
	ID string
	// Payload is the JWT-signed claim, as decoded JSON.
	Payload map[string]any
}

// ParseToken decodes a username JSON document into a Token. The username
// must be a JSON object with a string id.
func ParseToken(username string) (*Token, error) {
	var doc struct {
		ID      json.RawMessage `json:"id"`
		Payload map[string]any  `json:"payload"`
	}
	if err := json.Unmarshal([]byte(username), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotToken, err)
	}

	var id string
	if doc.ID == nil || json.Unmarshal(doc.ID, &id) != nil || id == "" {
		return nil, fmt.Errorf("%w: missing string id", ErrNotToken)
	}

	return &Token{ID: id, Payload: doc.Payload}, nil
}

// stringField returns a string-valued payload field, or "" if absent or of
// another type.
func (t *Token) stringField(key string) string {
	s, _ := t.Payload[key].(string)
	return s
}

// numberField returns a numeric payload field. ok is false if the field is
// absent or not a number.
func (t *Token) numberField(key string) (float64, bool) {
	n, ok := t.Payload[key].(float64)
	return n, ok
}

// UserID returns payload.id.
func (t *Token) UserID() string { return t.stringField("id") }

// Device returns payload.device.
func (t *Token) Device() string { return t.stringField("device") }

// Capability returns payload.capability.
func (t *Token) Capability() string { return t.stringField("capability") }

// ExpiresAfter reports the unix time until which the token is valid. ok is
// false when iat or validity is missing or non-numeric.
func (t *Token) ExpiresAfter() (int64, bool) {
	iat, ok1 := t.numberField("iat")
	validity, ok2 := t.numberField("validity")
	if !ok1 || !ok2 {
		return 0, false
	}
	return int64(iat + validity), true
}

// Topics returns the optional list of permitted topic prefixes, and whether
// the constraint is present at all. Non-string entries are ignored.
func (t *Token) Topics() (prefixes []string, constrained bool) {
	raw, ok := t.Payload["topics"]
	if !ok {
		return nil, false
	}
	items, ok := raw.([]any)
	if !ok {
		// present but malformed: treat as a constraint nothing satisfies
		return nil, true
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			prefixes = append(prefixes, s)
		}
	}
	return prefixes, true
}
