// Package peer establishes and maintains the server-to-server links
// used for routing and topology propagation. Either end of a link may
// close it; heartbeat timeout is the sole trigger for unilateral
// teardown.
package peer

import (
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/pkg/errors"
	"github.com/chatmesh/chatmesh/pkg/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type LinkState uint8

const (
	LinkState_Connecting LinkState = iota
	LinkState_Established
	LinkState_Degraded
	LinkState_Closed
)

func (s LinkState) String() string {
	switch s {
	case LinkState_Connecting:
		return "connecting"
	case LinkState_Established:
		return "established"
	case LinkState_Degraded:
		return "degraded"
	case LinkState_Closed:
		return "closed"
	}
	return "unknown"
}

// Close causes reported on link teardown.
const (
	CloseCause_Explicit         = "closed"
	CloseCause_IOError          = "io_error"
	CloseCause_HeartbeatTimeout = "heartbeat_timeout"
)

const writeTimeout = 10 * time.Second

// Link is one bidirectional server-to-server connection. A single
// writer goroutine drains the outbound queue, which gives per-link FIFO
// ordering; a single reader goroutine dispatches inbound frames.
type Link struct {
	PeerName string

	conn     *websocket.Conn
	outbound chan []byte

	mut_state sync.Mutex
	state     LinkState
	lastAck   time.Time

	closeOnce sync.Once
	done      chan struct{}

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	onStateChange func(link *Link, from LinkState, to LinkState)
	onClosed      func(link *Link, cause string)
	onFrame       func(link *Link, msg *wire.PeerMessage)

	log *zap.Logger
}

func (l *Link) State() LinkState {
	l.mut_state.Lock()
	defer l.mut_state.Unlock()
	return l.state
}

func (l *Link) setState(to LinkState) {
	l.mut_state.Lock()
	from := l.state
	if from == LinkState_Closed || from == to {
		l.mut_state.Unlock()
		return
	}
	l.state = to
	l.mut_state.Unlock()

	l.log.Info("Peer link state transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if l.onStateChange != nil {
		l.onStateChange(l, from, to)
	}
}

// Enqueue queues a frame for the writer goroutine. It blocks while the
// queue is full and unblocks with LinkClosed when the link dies.
func (l *Link) Enqueue(msg *wire.PeerMessage) error {
	raw, err := msg.Serialize()
	if err != nil {
		return err
	}

	select {
	case <-l.done:
		return &errors.LinkClosed{PeerName: l.PeerName}
	default:
	}

	select {
	case l.outbound <- raw:
		return nil
	case <-l.done:
		return &errors.LinkClosed{PeerName: l.PeerName}
	}
}

// close tears the link down. Idempotent: a second close, from either
// the reader or the writer side, is a no-op.
func (l *Link) close(cause string) {
	l.closeOnce.Do(func() {
		l.setState(LinkState_Closed)
		close(l.done)
		l.conn.Close()
		if l.onClosed != nil {
			l.onClosed(l, cause)
		}
	})
}

func (l *Link) recordAck() {
	l.mut_state.Lock()
	l.lastAck = time.Now()
	recovered := l.state == LinkState_Degraded
	l.mut_state.Unlock()

	if recovered {
		l.setState(LinkState_Established)
	}
}

func (l *Link) sinceLastAck() time.Duration {
	l.mut_state.Lock()
	defer l.mut_state.Unlock()
	return time.Since(l.lastAck)
}

// writePump is the only goroutine that writes to the websocket. It also
// owns the heartbeat clock: one missed ack degrades the link, no ack
// within the timeout closes it.
func (l *Link) writePump() {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()

	heartbeatFrame, _ := (&wire.PeerMessage{Type: wire.PeerMessageType_Heartbeat}).Serialize()

	for {
		select {
		case <-l.done:
			return

		case raw := <-l.outbound:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				l.log.Warn("Peer link write failed", zap.Error(err))
				l.close(CloseCause_IOError)
				return
			}

		case <-ticker.C:
			idle := l.sinceLastAck()
			if idle > l.heartbeatTimeout {
				l.log.Warn("Peer link heartbeat timeout", zap.Duration("idle", idle))
				l.close(CloseCause_HeartbeatTimeout)
				return
			}
			if idle > 2*l.heartbeatInterval {
				l.setState(LinkState_Degraded)
			}

			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, heartbeatFrame); err != nil {
				l.log.Warn("Peer link heartbeat write failed", zap.Error(err))
				l.close(CloseCause_IOError)
				return
			}
		}
	}
}

func (l *Link) readPump() {
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				// Link already torn down; the read error is a consequence.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.log.Info("Peer link closed by remote")
				} else {
					l.log.Warn("Peer link read failed", zap.Error(err))
				}
			}
			l.close(CloseCause_IOError)
			return
		}

		msg, parseErr := wire.ParsePeerMessage(raw)
		if parseErr != nil {
			l.log.Warn("Dropping malformed peer frame", zap.Error(parseErr))
			continue
		}

		switch msg.Type {
		case wire.PeerMessageType_Heartbeat:
			// An inbound heartbeat proves the peer alive too.
			l.recordAck()
			ack := &wire.PeerMessage{Type: wire.PeerMessageType_HeartbeatAck}
			if err := l.Enqueue(ack); err != nil {
				return
			}
		case wire.PeerMessageType_HeartbeatAck:
			l.recordAck()
		default:
			if l.onFrame != nil {
				l.onFrame(l, msg)
			}
		}
	}
}
