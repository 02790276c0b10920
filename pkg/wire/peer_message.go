package wire

import (
	"encoding/json"

	"github.com/chatmesh/chatmesh/pkg/errors"
	"github.com/google/uuid"
)

type PeerMessageType string

const (
	PeerMessageType_Hello        PeerMessageType = "hello"
	PeerMessageType_Announce     PeerMessageType = "announce"
	PeerMessageType_Envelope     PeerMessageType = "envelope"
	PeerMessageType_Heartbeat    PeerMessageType = "heartbeat"
	PeerMessageType_HeartbeatAck PeerMessageType = "heartbeat_ack"
)

type AnnouncedRoute string

const (
	AnnouncedRoute_Local AnnouncedRoute = "local"
	AnnouncedRoute_Via   AnnouncedRoute = "via"
	// AnnouncedRoute_Gone retracts a previously announced identity.
	AnnouncedRoute_Gone AnnouncedRoute = "gone"
)

// Envelope is the routable unit: a chat message in flight between
// servers (or between a local client and its own server). HopCount is
// decremented on every routing decision and bounds forwarding depth.
type Envelope struct {
	Id       string `json:"id"`
	Sender   string `json:"sender"`
	Target   string `json:"target"`
	Payload  string `json:"payload"`
	HopCount int    `json:"hop_count"`
}

func (e *Envelope) IsBroadcast() bool {
	return e.Target == BroadcastTarget
}

// NewEnvelope stamps a fresh envelope for a message originating from a
// local client. The id is only used for log and event correlation.
func NewEnvelope(sender string, target string, payload string, ttl int) *Envelope {
	return &Envelope{
		Id:       uuid.NewString(),
		Sender:   sender,
		Target:   target,
		Payload:  payload,
		HopCount: ttl,
	}
}

// Announce carries a topology change: an identity became reachable
// (route local on the origin server, via elsewhere) or unreachable
// (route gone). Announces are re-flooded with a decremented hop count.
type Announce struct {
	Identity string         `json:"identity"`
	Route    AnnouncedRoute `json:"route"`
	HopCount int            `json:"hop_count"`
}

// Hello names the link; each side sends one immediately after the
// websocket connection opens, completing the handshake.
type Hello struct {
	Server string `json:"server"`
}

// PeerMessage is a frame on a server-to-server link.
type PeerMessage struct {
	Type     PeerMessageType `json:"type"`
	Hello    *Hello          `json:"hello,omitempty"`
	Announce *Announce       `json:"announce,omitempty"`
	Envelope *Envelope       `json:"envelope,omitempty"`
}

func ParsePeerMessage(raw []byte) (*PeerMessage, error) {
	var msg PeerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &errors.MalformedMessage{Direction: "peer", Reason: err.Error()}
	}

	switch msg.Type {
	case PeerMessageType_Hello:
		if msg.Hello == nil || msg.Hello.Server == "" {
			return nil, &errors.MalformedMessage{Direction: "peer", Reason: "hello frame missing server name"}
		}
	case PeerMessageType_Announce:
		if msg.Announce == nil || msg.Announce.Identity == "" {
			return nil, &errors.MalformedMessage{Direction: "peer", Reason: "announce frame missing identity"}
		}
		switch msg.Announce.Route {
		case AnnouncedRoute_Local, AnnouncedRoute_Via, AnnouncedRoute_Gone:
		default:
			return nil, &errors.MalformedMessage{Direction: "peer", Reason: "announce frame with unknown route '" + string(msg.Announce.Route) + "'"}
		}
	case PeerMessageType_Envelope:
		if msg.Envelope == nil || msg.Envelope.Target == "" {
			return nil, &errors.MalformedMessage{Direction: "peer", Reason: "envelope frame missing target"}
		}
	case PeerMessageType_Heartbeat, PeerMessageType_HeartbeatAck:
	default:
		return nil, &errors.MalformedMessage{Direction: "peer", Reason: "unknown frame type '" + string(msg.Type) + "'"}
	}

	return &msg, nil
}

func (m *PeerMessage) Serialize() ([]byte, error) {
	return json.Marshal(m)
}
