// Package acl decides ALLOW or DENY for every publish, subscribe and read
// the broker submits. It combines the permission evaluator with a per-client
// allow-cache, read metering with monthly quotas, and a write rate limiter
// backed by an external packet-filter set.
package acl

import (
	"log/slog"
	"sync"
	"time"

	"github.com/transitive-robotics/broker-auth/pkg/accounts"
	"github.com/transitive-robotics/broker-auth/pkg/firewall"
	"github.com/transitive-robotics/broker-auth/pkg/metrics"
	"github.com/transitive-robotics/broker-auth/pkg/permission"
	"github.com/transitive-robotics/broker-auth/pkg/topic"
)

// PublicHeartbeatTopic may be read by everyone.
const PublicHeartbeatTopic = "$SYS/broker/uptime"

// DefaultMaxMeteredBytes is the monthly read quota for metered capabilities
// on accounts that cannot pay.
const DefaultMaxMeteredBytes int64 = 100 * 1024 * 1024

// Access is the operation the broker is checking.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessSubscribe
	AccessUnsubscribe
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessSubscribe:
		return "subscribe"
	case AccessUnsubscribe:
		return "unsubscribe"
	}
	return "unknown"
}

// read reports whether the access only observes data.
func (a Access) read() bool { return a == AccessRead || a == AccessSubscribe }

// Request is one ACL check as submitted by the broker.
type Request struct {
	Topic      string
	Username   string
	ClientID   string
	IP         string
	Access     Access
	PayloadLen int
}

// Options configures a Dispatcher. Zero values get defaults.
type Options struct {
	Accounts *accounts.Cache
	Firewall firewall.Firewall
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	CacheTTL        time.Duration
	Threshold       int
	BurstThreshold  int
	MaxMeteredBytes int64
	// MeteredCapabilities are the capability names subject to the read
	// quota. Defaults to ["ros-tool"].
	MeteredCapabilities []string

	// Now is swappable for tests.
	Now func() time.Time
}

// Dispatcher orchestrates all per-check logic.
type Dispatcher struct {
	accounts *accounts.Cache
	fw       firewall.Firewall
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	cacheTTL  time.Duration
	threshold int
	burst     int
	maxBytes  int64
	metered   map[string]bool

	mu        sync.Mutex
	clients   map[string]*clientRecord
	lastSweep time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		accounts:  opts.Accounts,
		fw:        opts.Firewall,
		log:       opts.Log,
		metrics:   opts.Metrics,
		now:       opts.Now,
		cacheTTL:  opts.CacheTTL,
		threshold: opts.Threshold,
		burst:     opts.BurstThreshold,
		maxBytes:  opts.MaxMeteredBytes,
		metered:   make(map[string]bool),
		clients:   make(map[string]*clientRecord),
	}
	if d.fw == nil {
		d.fw = firewall.Nop{}
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.cacheTTL <= 0 {
		d.cacheTTL = DefaultCacheTTL
	}
	if d.threshold <= 0 {
		d.threshold = DefaultThreshold
	}
	if d.burst <= 0 {
		d.burst = 2 * d.threshold
	}
	if d.maxBytes <= 0 {
		d.maxBytes = DefaultMaxMeteredBytes
	}
	caps := opts.MeteredCapabilities
	if caps == nil {
		caps = []string{"ros-tool"}
	}
	for _, c := range caps {
		d.metered[c] = true
	}
	d.lastSweep = d.now()
	return d
}

// Check runs the ordered rule set and returns whether the operation is
// allowed. It never panics outward: anything unexpected denies.
func (d *Dispatcher) Check(req Request) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("acl check panicked", "panic", r,
				"topic", req.Topic, "username", req.Username)
			d.metrics.Decision(false, "panic")
			allowed = false
		}
	}()

	if req.Topic == "" || req.ClientID == "" || req.Username == "" {
		d.metrics.Decision(false, "missing-fields")
		return false
	}

	if req.Topic == PublicHeartbeatTopic {
		d.metrics.Decision(true, "public")
		return true
	}

	id := ParseIdentity(req.Username)
	if _, ok := id.(Superuser); ok {
		d.metrics.Decision(true, "superuser")
		return true
	}

	parts := topic.Parse(req.Topic)

	if req.Access == AccessRead && !meta(req.Topic) {
		if !d.meterRead(parts, req.PayloadLen) {
			d.metrics.Decision(false, "quota")
			return false
		}
	}

	if ws, ok := id.(Websocket); ok {
		ok := d.checkWebsocket(ws, parts, req)
		d.metrics.Decision(ok, "token")
		return ok
	}

	if req.Access == AccessWrite {
		d.mu.Lock()
		d.recordWrite(req.Username, req.IP, d.now())
		d.mu.Unlock()
		d.log.Debug("write request", "topic", req.Topic,
			"username", req.Username, "client", req.ClientID)
	} else if req.Access == AccessSubscribe {
		d.log.Debug("subscribe request", "topic", req.Topic,
			"username", req.Username, "client", req.ClientID)
	}
	// reads are not logged, they are too verbose

	if !wellFormed(parts) {
		d.log.Debug("error parsing topic", "topic", req.Topic)
		d.metrics.Decision(false, "topic-shape")
		return false
	}

	switch id := id.(type) {
	case CapabilityService:
		// a cloud capability owns its own namespace
		ok := id.Scope == parts.Scope() && id.Name == parts.Name()
		d.metrics.Decision(ok, "capability-namespace")
		return ok

	case Device:
		if id.Org != parts.Org() {
			d.metrics.Decision(false, "device-namespace")
			return false
		}
		// every device may read its org's fleet namespace
		if req.Access.read() && parts.Device() == permission.FleetDevice {
			d.metrics.Decision(true, "fleet-read")
			return true
		}
		ok := id.ID == parts.Device()
		d.metrics.Decision(ok, "device-namespace")
		return ok

	default:
		// username fits no credential form
		d.metrics.Decision(false, "unknown-identity")
		return false
	}
}

// Disconnect drops the client's record, including its cached permissions
// and write counter.
func (d *Dispatcher) Disconnect(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.clients[username]; ok {
		if rec.limited {
			// no record survives to release the ip on the next sweep
			if err := d.fw.Del(rec.ip); err != nil {
				d.log.Error("firewall del failed", "ip", rec.ip, "error", err)
			}
			d.metrics.Limited(-1)
		}
		delete(d.clients, username)
	}
}

// meterRead adds the payload to the org's meter and reports whether the
// read stays within quota. Only metered capabilities on accounts that
// cannot pay are capped.
func (d *Dispatcher) meterRead(parts topic.Parts, payloadLen int) bool {
	if parts.Len() <= 4 {
		return true
	}
	org, capability := parts.Org(), parts.Name()
	total, canPay := d.accounts.AddUsage(org, capability, int64(payloadLen))
	d.metrics.Metered(org, capability, int64(payloadLen))

	if !canPay && total > d.maxBytes && d.metered[capability] {
		d.log.Warn("read quota exceeded",
			"org", org, "capability", capability,
			"usage", total, "limit", d.maxBytes)
		return false
	}
	return true
}

// checkWebsocket serves a token-bearing client from the permission cache,
// falling back to the evaluator on miss. Only ALLOW decisions are cached.
func (d *Dispatcher) checkWebsocket(ws Websocket, parts topic.Parts, req Request) bool {
	now := d.now()

	d.mu.Lock()
	hit := d.cachedAllow(req.Username, req.Topic, now)
	d.mu.Unlock()
	if hit {
		return true
	}

	if !permission.Evaluate(parts, ws.Token, req.Access.read(), now) {
		return false
	}

	d.mu.Lock()
	d.client(req.Username, req.IP).permissions[req.Topic] = now
	d.mu.Unlock()
	return true
}

// meta reports whether the topic is in the broker's own namespace.
func meta(topic string) bool {
	return len(topic) > 0 && topic[0] == '$'
}

// wellFormed requires the /{org}/{device}/{scope}/{name}/ shape.
func wellFormed(parts topic.Parts) bool {
	return parts.Len() >= 5 && parts[0] == "" &&
		parts.Org() != "" && parts.Device() != "" &&
		parts.Scope() != "" && parts.Name() != ""
}
