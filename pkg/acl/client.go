package acl

import "time"

// Rate limiting and permission caching defaults.
const (
	// DefaultThreshold is the sustained write rate (requests/second) a
	// client may keep up indefinitely.
	DefaultThreshold = 200
	// DefaultBurstThreshold is the counter value above which a client is
	// handed to the firewall.
	DefaultBurstThreshold = 2 * DefaultThreshold
	// DefaultCacheTTL is how long an ALLOW decision stays cached.
	DefaultCacheTTL = 300 * time.Second
	// sweepInterval is the minimum gap between counter-decay sweeps.
	sweepInterval = 2 * time.Second
)

// clientRecord tracks one connected client: its write counter, whether its
// IP is currently in the firewall set, and its cached topic permissions.
// Records are created lazily and dropped on disconnect.
type clientRecord struct {
	ip          string
	count       int
	limited     bool
	permissions map[string]time.Time
}

// client returns the record for the username, creating it if needed.
// Caller must hold d.mu.
func (d *Dispatcher) client(username, ip string) *clientRecord {
	rec := d.clients[username]
	if rec == nil {
		rec = &clientRecord{permissions: make(map[string]time.Time)}
		d.clients[username] = rec
	}
	if ip != "" {
		rec.ip = ip
	}
	return rec
}

// sweep applies additive decay to all write counters once enough time has
// passed, and releases clients that have calmed down from the firewall set.
// Caller must hold d.mu.
func (d *Dispatcher) sweep(now time.Time) {
	elapsed := now.Unix() - d.lastSweep.Unix()
	if elapsed < int64(sweepInterval/time.Second) {
		return
	}
	for username, rec := range d.clients {
		if rec.count <= 0 {
			continue
		}
		rec.count -= d.threshold * int(elapsed)
		if rec.count < 0 {
			rec.count = 0
		}
		if rec.limited && rec.count < d.threshold {
			// behaving again
			if err := d.fw.Del(rec.ip); err != nil {
				d.log.Error("firewall del failed", "ip", rec.ip, "error", err)
			}
			rec.limited = false
			d.metrics.Limited(-1)
			d.log.Info("client released from rate limit",
				"username", username, "ip", rec.ip, "count", rec.count)
		}
	}
	d.lastSweep = now
}

// recordWrite counts one write for the client and puts its IP into the
// firewall set when it crosses the burst threshold. Caller must hold d.mu.
func (d *Dispatcher) recordWrite(username, ip string, now time.Time) {
	d.sweep(now)

	rec := d.client(username, ip)
	rec.count++
	if !rec.limited && rec.count > d.burst {
		d.log.Warn("client reached write rate limit",
			"username", username, "ip", rec.ip, "count", rec.count)
		if err := d.fw.Add(rec.ip); err != nil {
			d.log.Error("firewall add failed", "ip", rec.ip, "error", err)
		}
		rec.limited = true
		d.metrics.Limited(1)
	}
}

// cachedAllow reports whether an unexpired ALLOW is cached for the client
// and topic. Caller must hold d.mu.
func (d *Dispatcher) cachedAllow(username, topic string, now time.Time) bool {
	rec := d.clients[username]
	if rec == nil {
		return false
	}
	granted, ok := rec.permissions[topic]
	return ok && granted.Add(d.cacheTTL).After(now)
}
