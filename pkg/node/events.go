package node

import "github.com/chatmesh/chatmesh/pkg/router"

type EventType string

const (
	EventType_Delivery   EventType = "delivery"
	EventType_LinkState  EventType = "link_state"
	EventType_ClientJoin EventType = "client_join"
	EventType_ClientLeft EventType = "client_left"
)

// Event is one entry on the node's observation feed. Visualization and
// CLI layers consume these; they never reach into the node's maps.
type Event struct {
	Type EventType

	// Delivery events.
	EnvelopeId string
	Outcome    *router.DeliveryOutcome

	// Link state events.
	Peer      string
	FromState string
	ToState   string

	// Client lifecycle events.
	Identity string
}

// publishEvent never blocks; when no consumer keeps up, events are
// shed rather than stalling the routing path.
func (n *Node) publishEvent(ev Event) {
	select {
	case n.events <- ev:
	default:
	}
}

// Events is the feed of delivery outcomes and link transitions.
func (n *Node) Events() <-chan Event {
	return n.events
}
