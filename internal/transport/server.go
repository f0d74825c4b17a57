package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/metrics"
	"github.com/nodegrid/master/internal/registry"
	"github.com/nodegrid/master/internal/store"
)

// upgrader performs the HTTP -> WebSocket protocol upgrade for the node
// channel. CheckOrigin always returns true — nodes are internal cluster
// members, not browsers, and origin enforcement belongs to the network
// boundary (mTLS terminator, VPN) in front of this listener.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the node channel listener: it upgrades incoming connections,
// registers them, and runs each connection's read/write pumps until it
// disconnects.
type Server struct {
	store    *store.Store
	registry *registry.Registry
	router   *Router
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewServer builds a Server over the given Store, Registry and Router.
func NewServer(s *store.Store, r *registry.Registry, rt *Router, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		store:    s,
		registry: r,
		router:   rt,
		metrics:  m,
		logger:   logger.Named("transport"),
	}
}

// ServeHTTP handles the node channel's upgrade endpoint. It blocks until the
// connection closes — callers run it per-request from an http.Handler, which
// is the normal lifetime of a WebSocket upgrade handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	conn := newWSConn(raw)
	client := s.registry.Register(conn)
	if s.metrics != nil {
		s.metrics.ConnectedNodes.Set(float64(s.registry.Count()))
	}

	s.logger.Info("node session started",
		zap.String("node_id", client.NodeID.String()),
		zap.String("remote_addr", conn.RemoteAddr()),
	)

	node := &store.Node{ID: client.NodeID, Status: store.NodeOnline, LastSeenAt: time.Now().UTC()}
	if err := s.store.UpsertNode(r.Context(), node); err != nil {
		s.logger.Error("failed to persist node row on connect",
			zap.String("node_id", client.NodeID.String()), zap.Error(err))
	}

	welcome, err := encodeWelcome(client.NodeID)
	if err != nil {
		s.logger.Error("failed to encode welcome", zap.Error(err))
	} else if err := s.registry.Send(client.NodeID, welcome); err != nil {
		s.logger.Warn("failed to queue welcome", zap.Error(err))
	}

	go conn.writePump()
	s.readPump(r.Context(), conn, client)
}

// readPump loops reading frames off conn and handing them to the router
// until the connection closes, then unregisters the client and persists the
// node row as OFFLINE, per §4.2.
func (s *Server) readPump(ctx context.Context, conn *wsConn, client *registry.Client) {
	defer func() {
		conn.Close()
		s.registry.Unregister(conn)
		if s.metrics != nil {
			s.metrics.ConnectedNodes.Set(float64(s.registry.Count()))
		}
		s.markOffline(client.NodeID)
		s.logger.Info("node session ended", zap.String("node_id", client.NodeID.String()))
	}()

	raw := conn.conn
	raw.SetReadLimit(maxMessageSize)
	if err := raw.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("failed to set read deadline", zap.String("node_id", client.NodeID.String()), zap.Error(err))
		return
	}
	raw.SetPongHandler(func(string) error {
		client.Touch(time.Now().UTC())
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("unexpected close",
					zap.String("node_id", client.NodeID.String()), zap.Error(err))
			}
			return
		}

		// Reset the read deadline on every frame, not just pongs — nodes are
		// chatty over this channel and any inbound frame is as good a
		// liveness signal as a pong.
		if err := raw.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		s.router.HandleFrame(ctx, client, payload)
	}
}

// markOffline persists the node's row as OFFLINE. The registry already
// forgot the live connection by the time this runs — this only updates the
// durable record so ListNodes reflects reality after a disconnect.
func (s *Server) markOffline(nodeID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to load node for offline transition",
				zap.String("node_id", nodeID.String()), zap.Error(err))
		}
		return
	}

	node.Status = store.NodeOffline
	node.LastSeenAt = time.Now().UTC()
	if err := s.store.UpsertNode(ctx, node); err != nil {
		s.logger.Error("failed to mark node offline",
			zap.String("node_id", nodeID.String()), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.NodesReapedTotal.Inc()
	}
}
