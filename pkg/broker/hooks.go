// Package broker adapts the access-control core to an embedded mochi-mqtt
// server. The hook is the broker-side shim: it forwards basic-auth, ACL and
// disconnect events into the core and filters message delivery through the
// read meter.
package broker

import (
	"bytes"
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"strings"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/transitive-robotics/broker-auth/pkg/acl"
	"github.com/transitive-robotics/broker-auth/pkg/auth"
	"github.com/transitive-robotics/broker-auth/pkg/metrics"
)

// CredentialChecker authenticates broker-issued device and capability
// credentials. It is an external collaborator: the core only owns the
// JWT path.
type CredentialChecker interface {
	Check(username, password string) bool
}

// StaticCredentials is a CredentialChecker over a fixed username→password
// map, compared in constant time.
type StaticCredentials map[string]string

// Check implements CredentialChecker.
func (s StaticCredentials) Check(username, password string) bool {
	expected, ok := s[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

// Hook bridges mochi-mqtt events to the dispatcher and verifier.
type Hook struct {
	mqtt.HookBase

	dispatcher *acl.Dispatcher
	verifier   *auth.Verifier
	creds      CredentialChecker
	metrics    *metrics.Metrics
	log        *slog.Logger

	// server resolves subscriber client ids during delivery filtering;
	// set via SetServer before the server starts.
	server *mqtt.Server
}

// NewHook creates the auth/ACL hook.
func NewHook(dispatcher *acl.Dispatcher, verifier *auth.Verifier, creds CredentialChecker, m *metrics.Metrics, log *slog.Logger) *Hook {
	if log == nil {
		log = slog.Default()
	}
	return &Hook{
		dispatcher: dispatcher,
		verifier:   verifier,
		creds:      creds,
		metrics:    m,
		log:        log,
	}
}

// SetServer hands the hook the server it is installed on.
func (h *Hook) SetServer(s *mqtt.Server) { h.server = s }

// ID returns the hook identifier.
func (h *Hook) ID() string { return "broker-auth" }

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnDisconnect,
		mqtt.OnSelectSubscribers,
	}, []byte{b})
}

// OnConnectAuthenticate authenticates a connecting client. Token-bearing
// usernames (JSON documents) go through the JWT verifier; everything else
// is checked against broker-issued credentials.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	username := string(cl.Properties.Username)
	password := string(pk.Connect.Password)

	if strings.HasPrefix(username, "{") {
		if err := h.verifier.Verify(context.Background(), username, password); err != nil {
			h.metrics.AuthFailure()
			return false
		}
		return true
	}

	if h.creds == nil || !h.creds.Check(username, password) {
		h.metrics.AuthFailure()
		return false
	}
	return true
}

// OnACLCheck authorizes subscribes (write=false) and publishes (write=true).
func (h *Hook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	req := h.request(cl, topic)
	if write {
		req.Access = acl.AccessWrite
	} else {
		req.Access = acl.AccessSubscribe
	}
	return h.dispatcher.Check(req)
}

// OnSelectSubscribers filters delivery of a published message: each
// subscriber gets a READ check carrying the payload length, which is where
// read metering and quota enforcement happen.
func (h *Hook) OnSelectSubscribers(subs *mqtt.Subscribers, pk packets.Packet) *mqtt.Subscribers {
	if h.server == nil {
		return subs
	}
	for id := range subs.Subscriptions {
		cl, ok := h.server.Clients.Get(id)
		if !ok {
			continue
		}
		req := h.request(cl, pk.TopicName)
		req.Access = acl.AccessRead
		req.PayloadLen = len(pk.Payload)
		if !h.dispatcher.Check(req) {
			delete(subs.Subscriptions, id)
		}
	}
	return subs
}

// OnDisconnect drops the client's cached permissions and write counter.
func (h *Hook) OnDisconnect(cl *mqtt.Client, _ error, _ bool) {
	h.log.Debug("client disconnected", "client", cl.ID, "remote", cl.Net.Remote)
	h.dispatcher.Disconnect(string(cl.Properties.Username))
}

func (h *Hook) request(cl *mqtt.Client, topic string) acl.Request {
	return acl.Request{
		Topic:    topic,
		Username: string(cl.Properties.Username),
		ClientID: cl.ID,
		IP:       clientIP(cl.Net.Remote),
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// MinProtocolVersion is the lowest broker plugin protocol we speak.
const MinProtocolVersion = 5

// PluginVersion negotiates the plugin protocol: it returns the highest
// supported version that is at least MinProtocolVersion, or -1.
func PluginVersion(supported []int) int {
	best := -1
	for _, v := range supported {
		if v >= MinProtocolVersion && v > best {
			best = v
		}
	}
	return best
}
