// Package router makes the per-message routing decision: deliver to a
// locally attached client, forward on a single peer link, flood a
// broadcast, or drop. Point-to-point routing is O(1) once the topology
// view knows the target.
package router

import (
	"github.com/chatmesh/chatmesh/internal"
	"github.com/chatmesh/chatmesh/internal/metrics"
	"github.com/chatmesh/chatmesh/pkg/errors"
	"github.com/chatmesh/chatmesh/pkg/topology"
	"github.com/chatmesh/chatmesh/pkg/wire"
	"go.uber.org/zap"
)

type OutcomeKind uint8

const (
	OutcomeKind_DeliveredLocal OutcomeKind = iota
	OutcomeKind_Forwarded
	OutcomeKind_Broadcast
	OutcomeKind_Dropped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeKind_DeliveredLocal:
		return "delivered_local"
	case OutcomeKind_Forwarded:
		return "forwarded"
	case OutcomeKind_Broadcast:
		return "broadcast"
	case OutcomeKind_Dropped:
		return "dropped"
	}
	return "unknown"
}

type DropReason string

const (
	DropReason_None        DropReason = ""
	DropReason_TTLExceeded DropReason = "ttl_exceeded"
	DropReason_NoRoute     DropReason = "no_route"
	DropReason_QueueFull   DropReason = "queue_full"
)

// DeliveryOutcome describes what the router did with one envelope.
// Peer is set for Forwarded, Peers for Broadcast, Reason for Dropped.
type DeliveryOutcome struct {
	Kind            OutcomeKind
	Peer            string
	Peers           []string
	Reason          DropReason
	LocalDeliveries int
}

// PeerSender is the slice of the peer link manager the router needs.
type PeerSender interface {
	Send(peerName string, msg *wire.PeerMessage) error
	Broadcast(msg *wire.PeerMessage, exceptPeer string) []string
}

type RouterParams struct {
	Registry *internal.Registry
	Topology *topology.Table
	Peers    PeerSender
	Metrics  *metrics.RoutingMetrics
	Logger   *zap.Logger
}

type Router struct {
	registry *internal.Registry
	topo     *topology.Table
	peers    PeerSender
	metrics  *metrics.RoutingMetrics
	log      *zap.Logger
}

func CreateRouter(params RouterParams) *Router {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		registry: params.Registry,
		topo:     params.Topology,
		peers:    params.Peers,
		metrics:  params.Metrics,
		log:      logger.With(zap.String("component", "router")),
	}
}

// Route decides the fate of an envelope. arrivedFromPeer names the link
// the envelope arrived on, or is empty for envelopes from local
// clients; a flooded broadcast is never sent back on that link. The
// envelope's hop count is decremented before any forwarding, so a
// message with hop count h dies after at most h forwards even in a
// cyclic peer graph.
func (r *Router) Route(env *wire.Envelope, arrivedFromPeer string) DeliveryOutcome {
	env.HopCount--
	if env.HopCount <= 0 {
		return r.dropped(env, DropReason_TTLExceeded)
	}

	if env.IsBroadcast() {
		return r.flood(env, arrivedFromPeer)
	}

	entry, known := r.topo.Resolve(env.Target)
	if !known {
		return r.dropped(env, DropReason_NoRoute)
	}

	switch entry.Kind {
	case topology.RouteKind_Local:
		if err := r.deliverLocal(env.Target, env); err != nil {
			r.log.Warn("Local delivery failed",
				zap.String("envelopeId", env.Id),
				zap.String("target", env.Target),
				zap.Error(err))
			// Backpressure is not an unknown target; keep the two
			// apart in the outcome and the drop metric.
			if _, full := err.(*errors.QueueFull); full {
				return r.dropped(env, DropReason_QueueFull)
			}
			return r.dropped(env, DropReason_NoRoute)
		}
		r.count(OutcomeKind_DeliveredLocal)
		return DeliveryOutcome{Kind: OutcomeKind_DeliveredLocal, LocalDeliveries: 1}

	case topology.RouteKind_ViaPeer:
		frame := &wire.PeerMessage{Type: wire.PeerMessageType_Envelope, Envelope: env}
		if err := r.peers.Send(entry.Peer, frame); err != nil {
			// The link died under us; teardown has already swept the
			// topology, so the honest answer is NoRoute.
			r.log.Warn("Forward failed on closed link",
				zap.String("envelopeId", env.Id),
				zap.String("peer", entry.Peer),
				zap.Error(err))
			return r.dropped(env, DropReason_NoRoute)
		}
		r.count(OutcomeKind_Forwarded)
		return DeliveryOutcome{Kind: OutcomeKind_Forwarded, Peer: entry.Peer}
	}

	return r.dropped(env, DropReason_NoRoute)
}

// flood delivers a broadcast to every local connection except the
// sender's own, then forwards to every peer except the arrival link.
func (r *Router) flood(env *wire.Envelope, arrivedFromPeer string) DeliveryOutcome {
	delivered := 0
	for _, conn := range r.registry.Snapshot() {
		if conn.Identity == env.Sender {
			continue
		}
		if err := r.enqueueDelivery(conn.Identity, env); err == nil {
			delivered++
		}
	}

	frame := &wire.PeerMessage{Type: wire.PeerMessageType_Envelope, Envelope: env}
	peers := r.peers.Broadcast(frame, arrivedFromPeer)

	r.count(OutcomeKind_Broadcast)
	if r.metrics != nil {
		r.metrics.BroadcastFanout.Add(float64(len(peers)))
	}

	return DeliveryOutcome{
		Kind:            OutcomeKind_Broadcast,
		Peers:           peers,
		LocalDeliveries: delivered,
	}
}

func (r *Router) deliverLocal(identity string, env *wire.Envelope) error {
	return r.enqueueDelivery(identity, env)
}

func (r *Router) enqueueDelivery(identity string, env *wire.Envelope) error {
	frame := &wire.ServerMessage{
		Type:    wire.ServerMessageType_Message,
		Sender:  env.Sender,
		Payload: env.Payload,
	}
	raw, err := frame.Serialize()
	if err != nil {
		return err
	}
	return r.registry.EnqueueOutbound(identity, raw)
}

func (r *Router) dropped(env *wire.Envelope, reason DropReason) DeliveryOutcome {
	r.log.Debug("Dropping envelope",
		zap.String("envelopeId", env.Id),
		zap.String("sender", env.Sender),
		zap.String("target", env.Target),
		zap.String("reason", string(reason)))

	r.count(OutcomeKind_Dropped)
	if r.metrics != nil {
		r.metrics.MessagesDropped.WithLabelValues(string(reason)).Inc()
	}
	return DeliveryOutcome{Kind: OutcomeKind_Dropped, Reason: reason}
}

func (r *Router) count(kind OutcomeKind) {
	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(kind.String()).Inc()
	}
}
