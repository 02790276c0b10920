package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errors"
	"github.com/chatmesh/chatmesh/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeering() config.PeeringConfig {
	return config.PeeringConfig{
		HeartbeatIntervalMs: 50,
		HeartbeatTimeoutMs:  5000,
		DialBackoffMinMs:    10,
		DialBackoffMaxMs:    100,
	}
}

// recorder collects manager callbacks for assertions.
type recorder struct {
	mut         sync.Mutex
	frames      []*wire.PeerMessage
	established []string
	disconnects map[string]string
	transitions []string
}

func newRecorder() *recorder {
	return &recorder{disconnects: make(map[string]string)}
}

func (r *recorder) params(localName string, peering config.PeeringConfig) ManagerParams {
	return ManagerParams{
		LocalName: localName,
		Peering:   peering,
		OnFrame: func(peerName string, msg *wire.PeerMessage) {
			r.mut.Lock()
			defer r.mut.Unlock()
			r.frames = append(r.frames, msg)
		},
		OnEstablished: func(peerName string) {
			r.mut.Lock()
			defer r.mut.Unlock()
			r.established = append(r.established, peerName)
		},
		OnDisconnect: func(peerName string, cause string) {
			r.mut.Lock()
			defer r.mut.Unlock()
			r.disconnects[peerName] = cause
		},
		OnStateChange: func(peerName string, from string, to string) {
			r.mut.Lock()
			defer r.mut.Unlock()
			r.transitions = append(r.transitions, from+">"+to)
		},
	}
}

func (r *recorder) frameCount() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.frames)
}

func (r *recorder) disconnectCause(peer string) string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.disconnects[peer]
}

func (r *recorder) sawTransition(tr string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	for _, seen := range r.transitions {
		if seen == tr {
			return true
		}
	}
	return false
}

// startAcceptor serves a manager's Accept behind a test HTTP server and
// returns the ws:// dial address.
func startAcceptor(t *testing.T, m *Manager) string {
	t.Helper()
	upgrader := &websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.Accept(conn)
	}))
	t.Cleanup(server.Close)
	return strings.Replace(server.URL, "http://", "ws://", 1)
}

func TestConnectHandshake(t *testing.T) {
	recA, recB := newRecorder(), newRecorder()
	a := CreateManager(recA.params("serverA", testPeering()))
	b := CreateManager(recB.params("serverB", testPeering()))
	addr := startAcceptor(t, b)

	peerName, err := a.Connect(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, "serverB", peerName)

	assert.Equal(t, LinkState_Established, a.LinkState("serverB"))
	require.Eventually(t, func() bool {
		return b.LinkState("serverA") == LinkState_Established
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, recA.sawTransition("connecting>established"))
	assert.ElementsMatch(t, []string{"serverB"}, a.PeerNames())
}

func TestConnectFailed(t *testing.T) {
	a := CreateManager(newRecorder().params("serverA", testPeering()))

	_, err := a.Connect(context.Background(), "127.0.0.1:1")
	require.Error(t, err)

	var connectFailed *errors.ConnectFailed
	require.ErrorAs(t, err, &connectFailed)
}

func TestSendDeliversFrames(t *testing.T) {
	recA, recB := newRecorder(), newRecorder()
	a := CreateManager(recA.params("serverA", testPeering()))
	b := CreateManager(recB.params("serverB", testPeering()))
	addr := startAcceptor(t, b)

	_, err := a.Connect(context.Background(), addr)
	require.NoError(t, err)

	frame := &wire.PeerMessage{
		Type:     wire.PeerMessageType_Announce,
		Announce: &wire.Announce{Identity: "alice", Route: wire.AnnouncedRoute_Local, HopCount: 4},
	}
	require.NoError(t, a.Send("serverB", frame))

	require.Eventually(t, func() bool {
		return recB.frameCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	recB.mut.Lock()
	got := recB.frames[0]
	recB.mut.Unlock()
	require.NotNil(t, got.Announce)
	assert.Equal(t, "alice", got.Announce.Identity)
}

func TestSendToUnknownPeerIsLinkClosed(t *testing.T) {
	a := CreateManager(newRecorder().params("serverA", testPeering()))

	err := a.Send("nonexistent", &wire.PeerMessage{Type: wire.PeerMessageType_Heartbeat})
	var linkClosed *errors.LinkClosed
	require.ErrorAs(t, err, &linkClosed)
}

func TestDuplicateLinkRefused(t *testing.T) {
	recA, recB := newRecorder(), newRecorder()
	a := CreateManager(recA.params("serverA", testPeering()))
	b := CreateManager(recB.params("serverB", testPeering()))
	addr := startAcceptor(t, b)

	_, err := a.Connect(context.Background(), addr)
	require.NoError(t, err)

	_, err = a.Connect(context.Background(), addr)
	require.Error(t, err, "second link to the same peer must be refused")
	assert.Len(t, a.PeerNames(), 1)
}

func TestExplicitCloseIsIdempotent(t *testing.T) {
	recA, recB := newRecorder(), newRecorder()
	a := CreateManager(recA.params("serverA", testPeering()))
	b := CreateManager(recB.params("serverB", testPeering()))
	addr := startAcceptor(t, b)

	_, err := a.Connect(context.Background(), addr)
	require.NoError(t, err)

	a.Close("serverB")
	a.Close("serverB")

	assert.Equal(t, LinkState_Closed, a.LinkState("serverB"))
	assert.Equal(t, CloseCause_Explicit, recA.disconnectCause("serverB"))
	assert.Empty(t, a.PeerNames())

	// The remote notices the teardown too.
	require.Eventually(t, func() bool {
		return b.LinkState("serverA") == LinkState_Closed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatTimeoutTearsLinkDown(t *testing.T) {
	// The remote handshakes and then goes mute: no acks, no
	// heartbeats. The idle clock runs out and the link closes
	// unilaterally. This is the core failure-detection path.
	peering := config.PeeringConfig{
		HeartbeatIntervalMs: 30,
		HeartbeatTimeoutMs:  120,
		DialBackoffMinMs:    10,
		DialBackoffMaxMs:    100,
	}
	recA := newRecorder()
	a := CreateManager(recA.params("serverA", peering))

	sendAck := make(chan struct{})
	defer close(sendAck)
	addr := startSilentPeer(t, "mute", sendAck)

	_, err := a.Connect(context.Background(), addr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return recA.disconnectCause("mute") == CloseCause_HeartbeatTimeout
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.PeerNames())
}

// silentPeer handshakes but never answers heartbeats.
func startSilentPeer(t *testing.T, name string, sendAck chan struct{}) string {
	t.Helper()
	upgrader := &websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil { // dialer's hello
			return
		}
		hello, _ := (&wire.PeerMessage{
			Type:  wire.PeerMessageType_Hello,
			Hello: &wire.Hello{Server: name},
		}).Serialize()
		conn.WriteMessage(websocket.TextMessage, hello)

		go func() {
			for range sendAck {
				ack, _ := (&wire.PeerMessage{Type: wire.PeerMessageType_HeartbeatAck}).Serialize()
				conn.WriteMessage(websocket.TextMessage, ack)
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return strings.Replace(server.URL, "http://", "ws://", 1)
}

func TestMissedHeartbeatDegradesThenRecovers(t *testing.T) {
	peering := config.PeeringConfig{
		HeartbeatIntervalMs: 30,
		HeartbeatTimeoutMs:  10000,
		DialBackoffMinMs:    10,
		DialBackoffMaxMs:    100,
	}
	recA := newRecorder()
	a := CreateManager(recA.params("serverA", peering))

	sendAck := make(chan struct{})
	defer close(sendAck)
	addr := startSilentPeer(t, "mute", sendAck)

	_, err := a.Connect(context.Background(), addr)
	require.NoError(t, err)

	// No acks arrive, so the link degrades after a missed liveness check.
	require.Eventually(t, func() bool {
		return a.LinkState("mute") == LinkState_Degraded
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, recA.sawTransition("established>degraded"))

	// A late ack recovers the link.
	sendAck <- struct{}{}
	require.Eventually(t, func() bool {
		return a.LinkState("mute") == LinkState_Established
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, recA.sawTransition("degraded>established"))
}

func TestMaintainPeerRedialsAfterLinkLoss(t *testing.T) {
	recA, recB := newRecorder(), newRecorder()
	a := CreateManager(recA.params("serverA", testPeering()))
	b := CreateManager(recB.params("serverB", testPeering()))
	addr := startAcceptor(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.MaintainPeer(ctx, addr)

	require.Eventually(t, func() bool {
		return a.LinkState("serverB") == LinkState_Established
	}, 2*time.Second, 10*time.Millisecond)

	// Kill the link from the remote side; the maintainer must redial.
	b.Close("serverA")
	require.Eventually(t, func() bool {
		return a.LinkState("serverB") == LinkState_Closed
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return a.LinkState("serverB") == LinkState_Established
	}, 5*time.Second, 10*time.Millisecond)
}
