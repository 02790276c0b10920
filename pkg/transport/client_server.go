// Package transport carries the client-facing websocket surface: the
// accept loop that turns websocket connections into registered client
// identities, and the read/write pumps for each connection.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal"
	"github.com/chatmesh/chatmesh/pkg/node"
	utils "github.com/chatmesh/chatmesh/pkg/util"
	"github.com/chatmesh/chatmesh/pkg/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	joinTimeout   = 30 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 54 * time.Second
	writeTimeout  = 10 * time.Second
	shutdownGrace = 10 * time.Second
)

type ClientServerParams struct {
	ListenAddr     string
	ListenEndpoint string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	Logger *zap.Logger
}

type clientServer struct {
	upgrader *websocket.Upgrader
	params   ClientServerParams
	node     *node.Node

	mut_addr sync.Mutex
	addr     net.Addr

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func checkOrigin(r *http.Request, params ClientServerParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}
	if params.AllowAllHosts {
		return true
	}
	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateClientServer(n *node.Node, params ClientServerParams) (*clientServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}

	return &clientServer{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:    params,
		node:      n,
		log:       logger.With(zap.String("component", "clientTransport")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

// Addr is the bound client listener address, available after Start.
func (cs *clientServer) Addr() string {
	cs.mut_addr.Lock()
	defer cs.mut_addr.Unlock()
	if cs.addr == nil {
		return ""
	}
	return cs.addr.String()
}

// Start binds the listener and serves until ctx is cancelled. It
// returns once the listener is bound.
func (cs *clientServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", cs.params.ListenAddr)
	if err != nil {
		return err
	}
	cs.mut_addr.Lock()
	cs.addr = listener.Addr()
	cs.mut_addr.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(cs.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		cs.onWsRequest(ctx, w, r)
	})
	server := &http.Server{Handler: mux}

	go func() {
		if serveErr := server.Serve(listener); !errors.Is(serveErr, http.ErrServerClosed) {
			cs.log.Error("Client listener exited unexpectedly", zap.Error(serveErr))
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, release := context.WithTimeout(context.Background(), shutdownGrace)
		defer release()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			cs.log.Error("Failed to gracefully shut down client listener", zap.Error(shutdownErr))
		}
	}()

	cs.log.Info("Client listener started", zap.String("addr", listener.Addr().String()))
	return nil
}

func (cs *clientServer) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := cs.log.With(zap.String("connId", cs.stringGen.GetRandomString(6)))

	c, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if cs.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(cs.params.MaxReadMessageSize)
	}

	identity, joinErr := cs.awaitJoin(c)
	if joinErr != nil {
		log.Info("Rejecting connection before join", zap.Error(joinErr))
		cs.writeFrame(c, &wire.ServerMessage{
			Type:   wire.ServerMessageType_Error,
			Reason: joinErr.Error(),
		})
		return
	}

	conn, regErr := cs.node.Join(identity, r.RemoteAddr)
	if regErr != nil {
		log.Info("Join refused", zap.String("identity", identity), zap.Error(regErr))
		cs.writeFrame(c, &wire.ServerMessage{
			Type:   wire.ServerMessageType_Error,
			Reason: regErr.Error(),
		})
		return
	}
	defer cs.node.Leave(identity)

	log = log.With(zap.String("identity", identity))

	welcome, _ := (&wire.ServerMessage{
		Type:     wire.ServerMessageType_Welcome,
		Identity: identity,
		Server:   cs.node.Name(),
	}).Serialize()
	conn.Enqueue(welcome)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		cs.writePump(ctx, c, conn, log)
	}()

	cs.readPump(c, conn, log)
	conn.Close()
	wg.Wait()
}

// awaitJoin reads the first frame, which must be a join naming the
// client's identity.
func (cs *clientServer) awaitJoin(c *websocket.Conn) (string, error) {
	c.SetReadDeadline(time.Now().Add(joinTimeout))
	defer c.SetReadDeadline(time.Time{})

	_, raw, err := c.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, parseErr := wire.ParseClientMessage(raw)
	if parseErr != nil {
		return "", parseErr
	}
	if msg.Type != wire.ClientMessageType_Join {
		return "", &joinExpectedError{got: string(msg.Type)}
	}
	return msg.Identity, nil
}

type joinExpectedError struct {
	got string
}

func (e *joinExpectedError) Error() string {
	return "expected a join frame, got '" + e.got + "'"
}

// writePump is the only goroutine writing to the websocket once the
// client has joined. It drains the connection's outbound queue in FIFO
// order and keeps the connection alive with pings.
func (cs *clientServer) writePump(ctx context.Context, c *websocket.Conn, conn *internal.LocalConn, log *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			c.Close()
			return

		case <-conn.Done():
			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.Close()
			return

		case payload := <-conn.Outbound():
			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Warn("Client write failed", zap.Error(err))
				conn.Close()
				c.Close()
				return
			}

		case <-ticker.C:
			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn("Client ping failed", zap.Error(err))
				conn.Close()
				c.Close()
				return
			}
		}
	}
}

func (cs *clientServer) readPump(c *websocket.Conn, conn *internal.LocalConn, log *zap.Logger) {
	c.SetReadDeadline(time.Now().Add(pongTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Info("Client disconnected")
			} else {
				select {
				case <-conn.Done():
					// Connection already closed on our side.
				default:
					log.Warn("Client read failed", zap.Error(err))
				}
			}
			return
		}

		msg, parseErr := wire.ParseClientMessage(raw)
		if parseErr != nil {
			cs.reply(conn, &wire.ServerMessage{
				Type:   wire.ServerMessageType_Error,
				Reason: parseErr.Error(),
			})
			continue
		}

		switch msg.Type {
		case wire.ClientMessageType_Message:
			cs.handleChatMessage(conn, msg)

		case wire.ClientMessageType_List:
			cs.reply(conn, &wire.ServerMessage{
				Type:  wire.ServerMessageType_Users,
				Users: cs.node.Users(),
			})

		case wire.ClientMessageType_Leave:
			log.Info("Client leaving")
			return

		case wire.ClientMessageType_Join:
			cs.reply(conn, &wire.ServerMessage{
				Type:   wire.ServerMessageType_Error,
				Reason: "already joined as '" + conn.Identity + "'",
			})
		}
	}
}

// handleChatMessage routes a chat frame and answers with a delivery
// receipt or the drop reason. Routing-time drops are surfaced to the
// sender, never silently swallowed.
func (cs *clientServer) handleChatMessage(conn *internal.LocalConn, msg *wire.ClientMessage) {
	outcome := cs.node.Submit(conn.Identity, msg.Target, msg.Payload)

	if outcome.Reason != "" {
		cs.reply(conn, &wire.ServerMessage{
			Type:   wire.ServerMessageType_Error,
			Reason: "delivery failed: " + string(outcome.Reason),
		})
		return
	}
	cs.reply(conn, &wire.ServerMessage{Type: wire.ServerMessageType_Delivered})
}

func (cs *clientServer) reply(conn *internal.LocalConn, msg *wire.ServerMessage) {
	raw, err := msg.Serialize()
	if err != nil {
		return
	}
	conn.Enqueue(raw)
}

// writeFrame writes directly on a connection that has no write pump yet
// (pre-join rejections only).
func (cs *clientServer) writeFrame(c *websocket.Conn, msg *wire.ServerMessage) {
	raw, err := msg.Serialize()
	if err != nil {
		return
	}
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.WriteMessage(websocket.TextMessage, raw)
}
