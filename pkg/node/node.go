// Package node composes the routing core of one chat server: the
// connection registry, topology view, peer link manager, and router,
// plus the peer-facing accept loop. Servers are independent processes;
// the only topology exchange between them is announcement messages on
// peer links.
package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal"
	"github.com/chatmesh/chatmesh/internal/metrics"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/peer"
	"github.com/chatmesh/chatmesh/pkg/router"
	"github.com/chatmesh/chatmesh/pkg/topology"
	"github.com/chatmesh/chatmesh/pkg/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type NodeParams struct {
	Config  *config.Config
	Metrics *metrics.RoutingMetrics
	Logger  *zap.Logger
}

type Node struct {
	cfg *config.Config

	registry *internal.Registry
	topo     *topology.Table
	peers    *peer.Manager
	router   *router.Router
	metrics  *metrics.RoutingMetrics

	events chan Event

	mut_peerAddr sync.Mutex
	peerAddr     net.Addr

	log *zap.Logger
}

func CreateNode(params NodeParams) *Node {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("server", params.Config.Server.Name))

	n := &Node{
		cfg:      params.Config,
		registry: internal.NewRegistry(params.Config.Routing.OutboundQueueLength),
		topo:     topology.NewTable(),
		metrics:  params.Metrics,
		events:   make(chan Event, params.Config.Routing.EventFeedLength),
		log:      logger,
	}

	n.peers = peer.CreateManager(peer.ManagerParams{
		LocalName:     params.Config.Server.Name,
		Peering:       params.Config.Peering,
		OnFrame:       n.handlePeerFrame,
		OnEstablished: n.handlePeerEstablished,
		OnDisconnect:  n.handlePeerDisconnect,
		OnStateChange: n.handlePeerStateChange,
		Metrics:       params.Metrics,
		Logger:        logger,
	})

	n.router = router.CreateRouter(router.RouterParams{
		Registry: n.registry,
		Topology: n.topo,
		Peers:    n.peers,
		Metrics:  params.Metrics,
		Logger:   logger,
	})

	return n
}

func (n *Node) Name() string {
	return n.cfg.Server.Name
}

// Start binds the peer listener and launches the accept loop plus one
// dial-maintenance goroutine per configured initial peer. It returns
// once the listener is bound; cancellation of ctx shuts everything
// down.
func (n *Node) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", n.cfg.Server.PeerListenAddr)
	if err != nil {
		return err
	}
	n.mut_peerAddr.Lock()
	n.peerAddr = listener.Addr()
	n.mut_peerAddr.Unlock()

	upgrader := &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/peer", func(w http.ResponseWriter, r *http.Request) {
		conn, upgradeErr := upgrader.Upgrade(w, r, nil)
		if upgradeErr != nil {
			n.log.Error("Failed to upgrade peer connection", zap.Error(upgradeErr))
			return
		}
		peerName, acceptErr := n.peers.Accept(conn)
		if acceptErr != nil {
			n.log.Warn("Rejected inbound peer connection", zap.Error(acceptErr))
			return
		}
		n.log.Info("Accepted inbound peer link", zap.String("peer", peerName))
	})

	server := &http.Server{Handler: mux}

	go func() {
		if serveErr := server.Serve(listener); !errors.Is(serveErr, http.ErrServerClosed) {
			n.log.Error("Peer listener exited unexpectedly", zap.Error(serveErr))
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, release := context.WithTimeout(context.Background(), 10*time.Second)
		defer release()
		server.Shutdown(shutdownCtx)
		n.peers.CloseAll()
	}()

	for _, addr := range n.cfg.Peering.InitialPeers {
		go n.peers.MaintainPeer(ctx, addr)
	}

	n.log.Info("Peer listener started", zap.String("addr", listener.Addr().String()))
	return nil
}

// PeerAddr is the bound peer listener address, available after Start.
func (n *Node) PeerAddr() string {
	n.mut_peerAddr.Lock()
	defer n.mut_peerAddr.Unlock()
	if n.peerAddr == nil {
		return ""
	}
	return n.peerAddr.String()
}

// ConnectPeer dials one peer address immediately, without retry.
func (n *Node) ConnectPeer(ctx context.Context, addr string) (string, error) {
	return n.peers.Connect(ctx, addr)
}

// PeerLinkState reports the link state for a named peer.
func (n *Node) PeerLinkState(peerName string) peer.LinkState {
	return n.peers.LinkState(peerName)
}

// Join registers a local client identity and floods its reachability to
// every established peer link.
func (n *Node) Join(identity string, addr string) (*internal.LocalConn, error) {
	conn, err := n.registry.Register(identity, addr)
	if err != nil {
		return nil, err
	}

	n.topo.Update(identity, topology.Local())
	if n.metrics != nil {
		n.metrics.LocalClients.Inc()
	}

	n.log.Info("Client joined", zap.String("identity", identity), zap.String("addr", addr))
	n.publishEvent(Event{Type: EventType_ClientJoin, Identity: identity})

	n.announce(identity, wire.AnnouncedRoute_Local, n.cfg.Routing.DefaultTTL, "")
	return conn, nil
}

// Leave unregisters a local client and floods a retraction. Idempotent.
func (n *Node) Leave(identity string) {
	if !n.registry.Unregister(identity) {
		return
	}

	n.topo.Remove(identity)
	if n.metrics != nil {
		n.metrics.LocalClients.Dec()
	}

	n.log.Info("Client left", zap.String("identity", identity))
	n.publishEvent(Event{Type: EventType_ClientLeft, Identity: identity})

	n.announce(identity, wire.AnnouncedRoute_Gone, n.cfg.Routing.DefaultTTL, "")
}

// Submit routes a message from a locally attached client. The outcome
// is returned so the transport can answer the client with a delivery
// receipt or an error.
func (n *Node) Submit(sender string, target string, payload string) router.DeliveryOutcome {
	env := wire.NewEnvelope(sender, target, payload, n.cfg.Routing.DefaultTTL)
	outcome := n.router.Route(env, "")
	n.publishEvent(Event{Type: EventType_Delivery, EnvelopeId: env.Id, Outcome: &outcome})
	return outcome
}

// Users lists every identity this node currently believes reachable,
// local or via a peer.
func (n *Node) Users() []string {
	return n.topo.Identities()
}

// Resolve exposes the topology view read-only, for consumers and tests.
func (n *Node) Resolve(identity string) (topology.RouteEntry, bool) {
	return n.topo.Resolve(identity)
}

func (n *Node) announce(identity string, route wire.AnnouncedRoute, hopCount int, exceptPeer string) {
	frame := &wire.PeerMessage{
		Type: wire.PeerMessageType_Announce,
		Announce: &wire.Announce{
			Identity: identity,
			Route:    route,
			HopCount: hopCount,
		},
	}
	n.peers.Broadcast(frame, exceptPeer)
}

func (n *Node) handlePeerFrame(peerName string, msg *wire.PeerMessage) {
	switch msg.Type {
	case wire.PeerMessageType_Announce:
		n.handleAnnounce(peerName, msg.Announce)
	case wire.PeerMessageType_Envelope:
		outcome := n.router.Route(msg.Envelope, peerName)
		n.publishEvent(Event{Type: EventType_Delivery, EnvelopeId: msg.Envelope.Id, Outcome: &outcome})
	}
}

// handleAnnounce applies a topology announcement last-writer-wins, then
// re-floods it with a decremented hop count to every other link. An
// announcement about one of our own local identities is ignored; a
// cyclic peer graph would otherwise echo our announcements back at us.
func (n *Node) handleAnnounce(peerName string, ann *wire.Announce) {
	if n.registry.Lookup(ann.Identity) != nil {
		return
	}

	hop := ann.HopCount - 1
	if hop < 0 {
		hop = 0
	}

	switch ann.Route {
	case wire.AnnouncedRoute_Local, wire.AnnouncedRoute_Via:
		n.topo.Update(ann.Identity, topology.ViaPeer(peerName, hop))
		n.log.Debug("Route learned",
			zap.String("identity", ann.Identity),
			zap.String("viaPeer", peerName))

	case wire.AnnouncedRoute_Gone:
		if entry, known := n.topo.Resolve(ann.Identity); !known || entry.Kind == topology.RouteKind_Local {
			return
		}
		n.topo.Remove(ann.Identity)
		n.log.Debug("Route retracted",
			zap.String("identity", ann.Identity),
			zap.String("fromPeer", peerName))
	}

	if hop <= 0 {
		return
	}
	route := ann.Route
	if route == wire.AnnouncedRoute_Local {
		route = wire.AnnouncedRoute_Via
	}
	n.announce(ann.Identity, route, hop, peerName)
}

// handlePeerEstablished syncs the new link with this node's entire
// topology view, not just its local clients: a peer linking up after
// an identity's announcement has already propagated would otherwise
// never learn the multi-hop route. Via-routes are re-announced with
// their retained hop counts; routes learned through the new peer
// itself are skipped.
func (n *Node) handlePeerEstablished(peerName string) {
	for _, identity := range n.topo.Identities() {
		entry, known := n.topo.Resolve(identity)
		if !known {
			continue
		}

		route := wire.AnnouncedRoute_Local
		hop := n.cfg.Routing.DefaultTTL
		if entry.Kind == topology.RouteKind_ViaPeer {
			if entry.Peer == peerName {
				continue
			}
			route = wire.AnnouncedRoute_Via
			hop = entry.Hops
		}

		frame := &wire.PeerMessage{
			Type: wire.PeerMessageType_Announce,
			Announce: &wire.Announce{
				Identity: identity,
				Route:    route,
				HopCount: hop,
			},
		}
		n.peers.Send(peerName, frame)
	}
}

// handlePeerDisconnect invalidates every route through the lost link
// and floods retractions to the remaining peers. No stale route
// survives a link loss.
func (n *Node) handlePeerDisconnect(peerName string, cause string) {
	gone := n.topo.RemovePeer(peerName)
	n.log.Info("Invalidated routes for lost peer",
		zap.String("peer", peerName),
		zap.String("cause", cause),
		zap.Int("routes", len(gone)))

	for _, identity := range gone {
		n.announce(identity, wire.AnnouncedRoute_Gone, n.cfg.Routing.DefaultTTL, peerName)
	}
}

func (n *Node) handlePeerStateChange(peerName string, from string, to string) {
	n.publishEvent(Event{
		Type:      EventType_LinkState,
		Peer:      peerName,
		FromState: from,
		ToState:   to,
	})
}
