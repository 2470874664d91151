package permission

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitive-robotics/broker-auth/pkg/topic"
)

var now = time.Now()

// tokenJSON builds a parsed username document for the given org, device and
// capability, valid for 1000s, with optional extra payload fields.
func tokenJSON(t *testing.T, id, device, capability string, extra string) *Token {
	t.Helper()
	doc := fmt.Sprintf(`{"id":%q,"payload":{"id":%q,"device":%q,"capability":%q,"validity":1000,"iat":%d%s}}`,
		id, id, device, capability, now.Unix(), extra)
	tok, err := ParseToken(doc)
	require.NoError(t, err)
	return tok
}

func parse(topicStr string) topic.Parts { return topic.Parse(topicStr) }

func TestEvaluateDeviceToken(t *testing.T) {
	tok := tokenJSON(t, "user1", "dev1", "@scope/capName", "")

	tests := []struct {
		name  string
		topic string
		read  bool
		want  bool
	}{
		{"own capability topic", "/user1/dev1/@scope/capName/0.1.2/myfield", false, true},
		{"own capability, read", "/user1/dev1/@scope/capName/0.1.2/myfield", true, true},
		{"agent topic, read", "/user1/dev1/@transitive-robotics/_robot-agent/0.1.2/status", true, true},
		{"agent topic, write", "/user1/dev1/@transitive-robotics/_robot-agent/0.1.2/status", false, false},
		{"other capability", "/user1/dev1/@scope/other/0.1.2/myfield", false, false},
		{"other device", "/user1/dev2/@scope/capName/0.1.2/myfield", false, false},
		{"other org", "/user2/dev1/@scope/capName/0.1.2/myfield", false, false},
		{"fleet topic", "/user1/_fleet/@scope/capName/0.1.2/myfield", false, false},
		{"short topic", "/user1/dev1/", false, false},
		{"very short topic", "#", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(parse(tt.topic), tok, tt.read, now))
		})
	}
}

func TestEvaluateAgentToken(t *testing.T) {
	// _robot-agent permissions grant full device access
	tok := tokenJSON(t, "user1", "dev1", AgentCapability, "")

	assert.True(t, Evaluate(parse("/user1/dev1/@scope/capName/0.1.2/myfield"), tok, false, now))
	assert.True(t, Evaluate(parse("/user1/dev1/@transitive-robotics/_robot-agent/0.1.2/x"), tok, false, now))
	assert.False(t, Evaluate(parse("/user1/dev2/@scope/capName/0.1.2/myfield"), tok, false, now))
}

func TestEvaluateFleetToken(t *testing.T) {
	tok := tokenJSON(t, "user1", FleetDevice, "@scope/capName", "")

	tests := []struct {
		name  string
		topic string
		read  bool
		want  bool
	}{
		{"named capability on any device", "/user1/dev1/@scope/capName/0.1.2/myfield", false, true},
		{"fleet device topic", "/user1/_fleet/@scope/capName/0.1.2/myfield", false, true},
		{"agent topic, read", "/user1/dev1/@transitive-robotics/_robot-agent/0.1.2/x", true, true},
		{"agent topic, write", "/user1/dev1/@transitive-robotics/_robot-agent/0.1.2/x", false, false},
		{"other capability", "/user1/dev1/@scope/other/0.1.2/myfield", false, false},
		{"other org", "/user2/dev1/@scope/capName/0.1.2/myfield", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(parse(tt.topic), tok, tt.read, now))
		})
	}
}

func TestEvaluatePreconditions(t *testing.T) {
	topic1 := parse("/user1/dev1/@scope/capName/0.1.2/myfield")

	mustToken := func(doc string) *Token {
		tok, err := ParseToken(doc)
		require.NoError(t, err)
		return tok
	}

	t.Run("missing iat", func(t *testing.T) {
		tok := mustToken(`{"id":"user1","payload":{"id":"user1","device":"dev1","capability":"@scope/capName","validity":1000}}`)
		assert.False(t, Evaluate(topic1, tok, false, now))
	})

	t.Run("missing validity", func(t *testing.T) {
		tok := mustToken(`{"id":"user1","payload":{"id":"user1","device":"dev1","capability":"@scope/capName","iat":1722227248}}`)
		assert.False(t, Evaluate(topic1, tok, false, now))
	})

	t.Run("expired", func(t *testing.T) {
		doc := fmt.Sprintf(`{"id":"user1","payload":{"id":"user1","device":"dev1","capability":"@scope/capName","validity":10,"iat":%d}}`,
			now.Unix()-20)
		assert.False(t, Evaluate(topic1, mustToken(doc), false, now))
	})

	t.Run("outer id does not match payload id", func(t *testing.T) {
		doc := fmt.Sprintf(`{"id":"user2","payload":{"id":"user1","device":"dev1","capability":"@scope/capName","validity":1000,"iat":%d}}`,
			now.Unix())
		assert.False(t, Evaluate(topic1, mustToken(doc), false, now))
	})

	t.Run("id does not match topic org", func(t *testing.T) {
		tok := tokenJSON(t, "user2", "dev1", "@scope/capName", "")
		assert.False(t, Evaluate(topic1, tok, false, now))
	})

	t.Run("nil token", func(t *testing.T) {
		assert.False(t, Evaluate(topic1, nil, false, now))
	})

	t.Run("no payload", func(t *testing.T) {
		assert.False(t, Evaluate(topic1, mustToken(`{"id":"user1"}`), false, now))
	})
}

func TestEvaluateTopicConstraints(t *testing.T) {
	topicSubs := parse("/user1/dev1/@scope/capName/0.1.2/myfield/sub1/sub2")

	tests := []struct {
		name   string
		topics string
		topic  topic.Parts
		want   bool
	}{
		{"permitted, simple", `,"topics":["myfield","myfield2"]`,
			parse("/user1/dev1/@scope/capName/0.1.2/myfield"), true},
		{"not permitted, simple", `,"topics":["myfield3"]`,
			parse("/user1/dev1/@scope/capName/0.1.2/myfield"), false},
		{"permitted, prefix of deep sub", `,"topics":["myfield/sub1/sub2"]`,
			topicSubs, true},
		{"wrong first level", `,"topics":["myfield3/sub1/sub2"]`,
			topicSubs, false},
		{"wrong middle level", `,"topics":["myfield/wrongsub1/sub2"]`,
			topicSubs, false},
		{"empty list", `,"topics":[]`,
			parse("/user1/dev1/@scope/capName/0.1.2/myfield"), false},
		{"explicit null", `,"topics":null`,
			parse("/user1/dev1/@scope/capName/0.1.2/myfield"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := tokenJSON(t, "user1", "dev1", "@scope/capName", tt.topics)
			assert.Equal(t, tt.want, Evaluate(tt.topic, tok, false, now))
		})
	}

	t.Run("fleet token with topic constraints is denied", func(t *testing.T) {
		tok := tokenJSON(t, "user1", FleetDevice, "@scope/capName", `,"topics":["myfield"]`)
		assert.False(t, Evaluate(parse("/user1/dev1/@scope/capName/0.1.2/myfield"), tok, false, now))
	})
}

func TestParseToken(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		_, err := ParseToken("org1:device1")
		assert.ErrorIs(t, err, ErrNotToken)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := ParseToken(`{"payload":{}}`)
		assert.ErrorIs(t, err, ErrNotToken)
	})

	t.Run("non-string id", func(t *testing.T) {
		_, err := ParseToken(`{"id":42,"payload":{}}`)
		assert.ErrorIs(t, err, ErrNotToken)
	})

	t.Run("valid", func(t *testing.T) {
		tok, err := ParseToken(`{"id":"org1","payload":{"id":"org1","device":"d1","capability":"@s/n","iat":100,"validity":50}}`)
		require.NoError(t, err)
		assert.Equal(t, "org1", tok.ID)
		assert.Equal(t, "d1", tok.Device())
		assert.Equal(t, "@s/n", tok.Capability())
		expiry, ok := tok.ExpiresAfter()
		assert.True(t, ok)
		assert.Equal(t, int64(150), expiry)
	})

	t.Run("malformed topics constraint denies everything", func(t *testing.T) {
		tok, err := ParseToken(`{"id":"org1","payload":{"topics":"not-a-list"}}`)
		require.NoError(t, err)
		prefixes, constrained := tok.Topics()
		assert.True(t, constrained)
		assert.Empty(t, prefixes)
	})
}
