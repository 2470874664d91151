// Package firewall manipulates the packet-filter set used to throttle
// runaway publishers. The ipset commands are best-effort: callers log
// failures but never let them change an authorization outcome.
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Firewall adds and removes client IPs from the rate-limiting set.
type Firewall interface {
	// Add puts the IP into the set, blocking its traffic.
	Add(ip string) error
	// Del removes the IP from the set.
	Del(ip string) error
	// Flush empties the set, typically at startup.
	Flush() error
}

// DefaultSet is the ipset the broker's netfilter rules match on.
const DefaultSet = "limit"

const commandTimeout = 5 * time.Second

// IPSet drives the system `ipset` tool.
type IPSet struct {
	Set string
	Log *slog.Logger

	// run is swappable for tests; defaults to executing the command.
	run func(args ...string) error
}

// NewIPSet creates an IPSet for the given set name ("" means DefaultSet).
func NewIPSet(set string, log *slog.Logger) *IPSet {
	if set == "" {
		set = DefaultSet
	}
	if log == nil {
		log = slog.Default()
	}
	return &IPSet{Set: set, Log: log}
}

func (s *IPSet) exec(args ...string) error {
	if s.run != nil {
		return s.run(args...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ipset", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ipset %v: %w (%s)", args, err, out)
	}
	return nil
}

// Add implements Firewall.
func (s *IPSet) Add(ip string) error {
	s.Log.Info("adding ip to ipset", "set", s.Set, "ip", ip)
	return s.exec("add", s.Set, ip)
}

// Del implements Firewall.
func (s *IPSet) Del(ip string) error {
	s.Log.Info("deleting ip from ipset", "set", s.Set, "ip", ip)
	return s.exec("del", s.Set, ip)
}

// Flush implements Firewall.
func (s *IPSet) Flush() error {
	return s.exec("flush", s.Set)
}

// Nop is a Firewall that does nothing, for tests and platforms without
// ipset.
type Nop struct{}

func (Nop) Add(string) error { return nil }
func (Nop) Del(string) error { return nil }
func (Nop) Flush() error     { return nil }
