package peer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/metrics"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errors"
	"github.com/chatmesh/chatmesh/pkg/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const handshakeTimeout = 10 * time.Second

// ManagerParams wires a Manager to its owner. OnFrame receives every
// announce and envelope frame; OnEstablished and OnDisconnect fire on
// link lifecycle edges, after the links map has been updated.
type ManagerParams struct {
	LocalName string
	Peering   config.PeeringConfig

	OnFrame       func(peerName string, msg *wire.PeerMessage)
	OnEstablished func(peerName string)
	OnDisconnect  func(peerName string, cause string)
	OnStateChange func(peerName string, from string, to string)

	Metrics *metrics.RoutingMetrics
	Logger  *zap.Logger
}

// Manager owns every peer link of one server node.
type Manager struct {
	params ManagerParams

	dialer *websocket.Dialer

	mut_links sync.RWMutex
	links     map[string]*Link

	log *zap.Logger
}

func CreateManager(params ManagerParams) *Manager {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		params: params,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		links:  make(map[string]*Link),
		log:    logger.With(zap.String("component", "peer")),
	}
}

// Connect dials a peer's listen address and runs the hello handshake.
// The dialing side speaks first.
func (m *Manager) Connect(ctx context.Context, peerAddress string) (string, error) {
	wsUrl := peerAddress
	if !strings.Contains(peerAddress, "://") {
		wsUrl = "ws://" + peerAddress + "/peer"
	}

	conn, _, err := m.dialer.DialContext(ctx, wsUrl, nil)
	if err != nil {
		return "", &errors.ConnectFailed{PeerAddress: peerAddress, Underlying: err}
	}

	if err := m.writeHello(conn); err != nil {
		conn.Close()
		return "", &errors.ConnectFailed{PeerAddress: peerAddress, Underlying: err}
	}
	peerName, err := m.readHello(conn)
	if err != nil {
		conn.Close()
		return "", &errors.ConnectFailed{PeerAddress: peerAddress, Underlying: err}
	}

	if err := m.adoptLink(peerName, conn); err != nil {
		conn.Close()
		return "", err
	}
	return peerName, nil
}

// Accept runs the handshake on an inbound connection. The accepting
// side answers the dialer's hello with its own.
func (m *Manager) Accept(conn *websocket.Conn) (string, error) {
	peerName, err := m.readHello(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	if err := m.writeHello(conn); err != nil {
		conn.Close()
		return "", err
	}

	if err := m.adoptLink(peerName, conn); err != nil {
		conn.Close()
		return "", err
	}
	return peerName, nil
}

func (m *Manager) writeHello(conn *websocket.Conn) error {
	hello := &wire.PeerMessage{
		Type:  wire.PeerMessageType_Hello,
		Hello: &wire.Hello{Server: m.params.LocalName},
	}
	raw, err := hello.Serialize()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (m *Manager) readHello(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, err := wire.ParsePeerMessage(raw)
	if err != nil {
		return "", err
	}
	if msg.Type != wire.PeerMessageType_Hello {
		return "", &errors.MalformedMessage{Direction: "peer", Reason: "expected hello, got '" + string(msg.Type) + "'"}
	}
	return msg.Hello.Server, nil
}

// adoptLink installs a handshaken connection as an established link and
// starts its pumps. A second link to an already-linked peer is refused;
// the surviving side keeps the first link and the loser redials after
// it drops.
func (m *Manager) adoptLink(peerName string, conn *websocket.Conn) error {
	link := &Link{
		PeerName:          peerName,
		conn:              conn,
		outbound:          make(chan []byte, 256),
		state:             LinkState_Connecting,
		lastAck:           time.Now(),
		done:              make(chan struct{}),
		heartbeatInterval: m.params.Peering.HeartbeatInterval(),
		heartbeatTimeout:  m.params.Peering.HeartbeatTimeout(),
		log: m.log.With(
			zap.String("peer", peerName),
		),
	}
	link.onStateChange = m.handleStateChange
	link.onClosed = m.handleClosed
	link.onFrame = m.handleFrame

	m.mut_links.Lock()
	if _, has := m.links[peerName]; has {
		m.mut_links.Unlock()
		return &errors.NameCollision{CollisionContext: "PeerLinkManager", Name: peerName}
	}
	m.links[peerName] = link
	m.mut_links.Unlock()

	link.setState(LinkState_Established)
	if m.params.Metrics != nil {
		m.params.Metrics.EstablishedLinks.Inc()
	}

	go link.writePump()
	go link.readPump()

	if m.params.OnEstablished != nil {
		m.params.OnEstablished(peerName)
	}
	return nil
}

// MaintainPeer dials the address, and redials with exponential backoff
// whenever the dial fails or an established link later dies. Runs until
// the context is cancelled; used for the configured initial peers.
func (m *Manager) MaintainPeer(ctx context.Context, peerAddress string) {
	backoff := m.params.Peering.DialBackoffMin()

	for {
		peerName, err := m.Connect(ctx, peerAddress)
		if err != nil {
			m.log.Warn("Peer dial failed, will retry",
				zap.String("peerAddress", peerAddress),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if max := m.params.Peering.DialBackoffMax(); backoff > max {
				backoff = max
			}
			continue
		}

		backoff = m.params.Peering.DialBackoffMin()

		link := m.link(peerName)
		if link == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-link.done:
			// Fall through to redial.
		}
	}
}

func (m *Manager) link(peerName string) *Link {
	m.mut_links.RLock()
	defer m.mut_links.RUnlock()
	return m.links[peerName]
}

// Send queues a frame on the named link.
func (m *Manager) Send(peerName string, msg *wire.PeerMessage) error {
	link := m.link(peerName)
	if link == nil {
		return &errors.LinkClosed{PeerName: peerName}
	}
	return link.Enqueue(msg)
}

// Broadcast queues a frame on every link except the named one (flood
// avoidance: never send a message back on the link it arrived on).
// Returns the peers actually forwarded to.
func (m *Manager) Broadcast(msg *wire.PeerMessage, exceptPeer string) []string {
	m.mut_links.RLock()
	links := make([]*Link, 0, len(m.links))
	for _, link := range m.links {
		if link.PeerName == exceptPeer {
			continue
		}
		links = append(links, link)
	}
	m.mut_links.RUnlock()

	var sent []string
	for _, link := range links {
		if err := link.Enqueue(msg); err != nil {
			continue
		}
		sent = append(sent, link.PeerName)
	}
	return sent
}

// PeerNames returns the currently linked peers.
func (m *Manager) PeerNames() []string {
	m.mut_links.RLock()
	defer m.mut_links.RUnlock()

	out := make([]string, 0, len(m.links))
	for name := range m.links {
		out = append(out, name)
	}
	return out
}

// LinkState reports the state of the link to the named peer, or closed
// when no such link exists.
func (m *Manager) LinkState(peerName string) LinkState {
	link := m.link(peerName)
	if link == nil {
		return LinkState_Closed
	}
	return link.State()
}

// Close tears down the link to one peer. Idempotent.
func (m *Manager) Close(peerName string) {
	if link := m.link(peerName); link != nil {
		link.close(CloseCause_Explicit)
	}
}

// CloseAll tears down every link, for node shutdown.
func (m *Manager) CloseAll() {
	m.mut_links.RLock()
	links := make([]*Link, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mut_links.RUnlock()

	for _, link := range links {
		link.close(CloseCause_Explicit)
	}
}

func (m *Manager) handleStateChange(link *Link, from LinkState, to LinkState) {
	if m.params.OnStateChange != nil {
		m.params.OnStateChange(link.PeerName, from.String(), to.String())
	}
}

func (m *Manager) handleClosed(link *Link, cause string) {
	m.mut_links.Lock()
	if current, has := m.links[link.PeerName]; has && current == link {
		delete(m.links, link.PeerName)
	}
	m.mut_links.Unlock()

	m.log.Info("Peer link closed",
		zap.String("peer", link.PeerName),
		zap.String("cause", cause))

	if m.params.Metrics != nil {
		m.params.Metrics.EstablishedLinks.Dec()
		m.params.Metrics.LinkFailures.WithLabelValues(cause).Inc()
	}
	if m.params.OnDisconnect != nil {
		m.params.OnDisconnect(link.PeerName, cause)
	}
}

func (m *Manager) handleFrame(link *Link, msg *wire.PeerMessage) {
	if m.params.OnFrame != nil {
		m.params.OnFrame(link.PeerName, msg)
	}
}
