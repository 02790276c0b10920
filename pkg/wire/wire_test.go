package wire

import (
	"testing"

	"github.com/chatmesh/chatmesh/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"join","identity":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, ClientMessageType_Join, msg.Type)
	assert.Equal(t, "alice", msg.Identity)

	msg, err = ParseClientMessage([]byte(`{"type":"message","target":"*","payload":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, BroadcastTarget, msg.Target)
}

func TestParseClientMessageRejectsBadFrames(t *testing.T) {
	var malformed *errors.MalformedMessage

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"dance"}`},
		{"join without identity", `{"type":"join"}`},
		{"message without target", `{"type":"message","payload":"hi"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			require.ErrorAs(t, err, &malformed)
		})
	}
}

func TestParsePeerMessage(t *testing.T) {
	msg, err := ParsePeerMessage([]byte(`{"type":"announce","announce":{"identity":"alice","route":"local","hop_count":4}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Announce)
	assert.Equal(t, AnnouncedRoute_Local, msg.Announce.Route)
	assert.Equal(t, 4, msg.Announce.HopCount)

	msg, err = ParsePeerMessage([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, PeerMessageType_Heartbeat, msg.Type)
}

func TestParsePeerMessageRejectsBadFrames(t *testing.T) {
	var malformed *errors.MalformedMessage

	cases := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"gossip"}`},
		{"hello without server", `{"type":"hello","hello":{}}`},
		{"announce without identity", `{"type":"announce","announce":{"route":"local"}}`},
		{"announce with bogus route", `{"type":"announce","announce":{"identity":"a","route":"teleport"}}`},
		{"envelope without target", `{"type":"envelope","envelope":{"sender":"a","payload":"x"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePeerMessage([]byte(tc.raw))
			require.ErrorAs(t, err, &malformed)
		})
	}
}

func TestEnvelopeRoundTripOnPeerLink(t *testing.T) {
	env := NewEnvelope("alice", "bob", "hello there", 8)
	require.NotEmpty(t, env.Id)
	assert.False(t, env.IsBroadcast())

	raw, err := (&PeerMessage{Type: PeerMessageType_Envelope, Envelope: env}).Serialize()
	require.NoError(t, err)

	parsed, err := ParsePeerMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, parsed.Envelope)
	assert.Equal(t, env.Id, parsed.Envelope.Id)
	assert.Equal(t, 8, parsed.Envelope.HopCount)
}

func TestBroadcastEnvelope(t *testing.T) {
	env := NewEnvelope("alice", BroadcastTarget, "all hands", 8)
	assert.True(t, env.IsBroadcast())
}
