// Package wire defines the JSON frames exchanged on client and peer
// websocket connections, plus the envelope type the router operates on.
// Every frame is a single JSON object with a "type" discriminator.
package wire

import (
	"encoding/json"

	"github.com/chatmesh/chatmesh/pkg/errors"
)

// BroadcastTarget is the reserved target meaning "every client on every
// reachable server".
const BroadcastTarget = "*"

type ClientMessageType string

const (
	ClientMessageType_Join    ClientMessageType = "join"
	ClientMessageType_Message ClientMessageType = "message"
	ClientMessageType_Leave   ClientMessageType = "leave"
	ClientMessageType_List    ClientMessageType = "list"
)

// ClientMessage is a frame received from a locally attached client.
type ClientMessage struct {
	Type     ClientMessageType `json:"type"`
	Identity string            `json:"identity,omitempty"`
	Target   string            `json:"target,omitempty"`
	Payload  string            `json:"payload,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageType_Welcome   ServerMessageType = "welcome"
	ServerMessageType_Delivered ServerMessageType = "delivered"
	ServerMessageType_Error     ServerMessageType = "error"
	ServerMessageType_Users     ServerMessageType = "users"
	ServerMessageType_Message   ServerMessageType = "message"
)

// ServerMessage is a frame sent to a locally attached client: join
// acknowledgements, delivery receipts, errors, user listings, and chat
// messages delivered from the mesh.
type ServerMessage struct {
	Type     ServerMessageType `json:"type"`
	Identity string            `json:"identity,omitempty"`
	Server   string            `json:"server,omitempty"`
	Sender   string            `json:"sender,omitempty"`
	Payload  string            `json:"payload,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Users    []string          `json:"users,omitempty"`
}

func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &errors.MalformedMessage{Direction: "client", Reason: err.Error()}
	}

	switch msg.Type {
	case ClientMessageType_Join:
		if msg.Identity == "" {
			return nil, &errors.MalformedMessage{Direction: "client", Reason: "join frame missing identity"}
		}
	case ClientMessageType_Message:
		if msg.Target == "" {
			return nil, &errors.MalformedMessage{Direction: "client", Reason: "message frame missing target"}
		}
	case ClientMessageType_Leave, ClientMessageType_List:
	default:
		return nil, &errors.MalformedMessage{Direction: "client", Reason: "unknown frame type '" + string(msg.Type) + "'"}
	}

	return &msg, nil
}

func (m *ServerMessage) Serialize() ([]byte, error) {
	return json.Marshal(m)
}
