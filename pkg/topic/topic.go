// Package topic parses the broker's hierarchical topic namespace.
//
// Topics live under /{org}/{device}/{scope}/{name}/{version}/{sub...}. The
// leading slash produces an empty first element when splitting, which is
// preserved so that indexes line up with the namespace convention.
package topic

import "strings"

// MaxParts bounds the number of levels a topic is split into.
const MaxParts = 100

// Positions of the namespace fields within a split topic.
const (
	posOrg     = 1
	posDevice  = 2
	posScope   = 3
	posName    = 4
	posVersion = 5
	posSub     = 6
)

// Parts is a topic split on '/'. The empty leading element is kept.
type Parts []string

// Parse splits a topic into at most MaxParts levels.
func Parse(topic string) Parts {
	parts := strings.SplitN(topic, "/", MaxParts)
	return Parts(parts)
}

// Len returns the number of levels.
func (p Parts) Len() int { return len(p) }

func (p Parts) at(i int) string {
	if i >= len(p) {
		return ""
	}
	return p[i]
}

// Org returns the organization segment.
func (p Parts) Org() string { return p.at(posOrg) }

// Device returns the device segment.
func (p Parts) Device() string { return p.at(posDevice) }

// Scope returns the capability scope segment.
func (p Parts) Scope() string { return p.at(posScope) }

// Name returns the capability name segment.
func (p Parts) Name() string { return p.at(posName) }

// Version returns the capability version segment.
func (p Parts) Version() string { return p.at(posVersion) }

// Capability returns the composite "<scope>/<name>" identifier.
func (p Parts) Capability() string {
	return p.at(posScope) + "/" + p.at(posName)
}

// Sub returns the sub-path below the version segment, or "" if the topic
// has no levels beyond the version.
func (p Parts) Sub() string {
	if len(p) <= posSub {
		return ""
	}
	return strings.Join(p[posSub:], "/")
}
