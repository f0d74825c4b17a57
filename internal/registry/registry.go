// Package registry is the Connection Registry (C2): the in-memory map from
// a live node connection to its Client record. It is the only component
// that holds connection handles — every send to a node flows through it.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/store"
)

// Conn is the minimal transport surface the registry needs. The node
// channel's adapter over *websocket.Conn (wsConn in internal/transport)
// implements it; tests substitute a fake so the registry, health monitor and
// dispatcher are exercisable without a real socket.
type Conn interface {
	// Send writes a single text frame. Implementations must serialise
	// concurrent calls themselves — the registry does not lock per-send.
	Send(payload []byte) error
	// Ping issues the lowest-level liveness probe the transport offers,
	// blocking at most until ctx is done.
	Ping(ctx context.Context) error
	// Close closes the underlying connection with a normal-closure code.
	Close() error
	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

// Client is the registry's record for one live connection: {node-id,
// connection, last-seen, runtime-status, cached-metadata}, per §4.2.
type Client struct {
	NodeID uuid.UUID
	Conn   Conn

	mu            sync.Mutex
	lastSeen      time.Time
	runtimeStatus store.NodeStatus
	displayName   string
	tags          store.StringSet
	capabilities  store.StringMap
}

// Touch updates the client's last-seen timestamp. Called on every inbound
// message and every successful probe.
func (c *Client) Touch(at time.Time) {
	c.mu.Lock()
	c.lastSeen = at
	c.mu.Unlock()
}

// SetRuntimeStatus updates the client's liveness/availability status.
func (c *Client) SetRuntimeStatus(status store.NodeStatus) {
	c.mu.Lock()
	c.runtimeStatus = status
	c.mu.Unlock()
}

// RuntimeStatus reads the client's current liveness/availability status.
func (c *Client) RuntimeStatus() store.NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeStatus
}

// SetMetadata updates the client's cached display name, tags and
// capabilities, as published in a node.hello envelope.
func (c *Client) SetMetadata(displayName string, tags store.StringSet, capabilities store.StringMap) {
	c.mu.Lock()
	c.displayName = displayName
	c.tags = tags
	c.capabilities = capabilities
	c.mu.Unlock()
}

// Snapshot is a point-in-time, lock-free copy of a Client's fields, safe to
// read and pass around after the registry's lock is released.
type Snapshot struct {
	NodeID        uuid.UUID
	Conn          Conn
	LastSeen      time.Time
	RuntimeStatus store.NodeStatus
	DisplayName   string
	Tags          store.StringSet
	Capabilities  store.StringMap
}

func (c *Client) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		NodeID:        c.NodeID,
		Conn:          c.Conn,
		LastSeen:      c.lastSeen,
		RuntimeStatus: c.runtimeStatus,
		DisplayName:   c.displayName,
		Tags:          c.tags,
		Capabilities:  c.capabilities,
	}
}

// Registry holds every live node connection, keyed by connection handle —
// not by node id — per the design note in §9: the connection is the
// natural map key, and node-id lookups are served by a secondary index.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[Conn]*Client
	byNode  map[uuid.UUID]*Client
	logger  *zap.Logger
}

// New builds an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		byConn: make(map[Conn]*Client),
		byNode: make(map[uuid.UUID]*Client),
		logger: logger.Named("registry"),
	}
}

// Register adds a newly connected node, minting a fresh node id server-side.
func (r *Registry) Register(conn Conn) *Client {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system clock/entropy source is
		// broken; fall back to a random v4 rather than refuse the client.
		id = uuid.New()
	}

	client := &Client{
		NodeID:        id,
		Conn:          conn,
		lastSeen:      time.Now().UTC(),
		runtimeStatus: store.NodeOnline,
		tags:          store.StringSet{},
		capabilities:  store.StringMap{},
	}

	r.mu.Lock()
	r.byConn[conn] = client
	r.byNode[id] = client
	total := len(r.byConn)
	r.mu.Unlock()

	r.logger.Info("node connected",
		zap.String("node_id", id.String()),
		zap.String("remote_addr", conn.RemoteAddr()),
		zap.Int("total_connected", total),
	)
	return client
}

// Unregister removes a connection from the live map. It does not touch the
// persisted node row — callers are responsible for marking it OFFLINE in
// the Store, since the registry only tracks in-memory state.
func (r *Registry) Unregister(conn Conn) (*Client, bool) {
	r.mu.Lock()
	client, ok := r.byConn[conn]
	if ok {
		delete(r.byConn, conn)
		delete(r.byNode, client.NodeID)
	}
	total := len(r.byConn)
	r.mu.Unlock()

	if ok {
		r.logger.Info("node disconnected",
			zap.String("node_id", client.NodeID.String()),
			zap.Int("total_connected", total),
		)
	}
	return client, ok
}

// ByConn looks up the Client for a live connection handle.
func (r *Registry) ByConn(conn Conn) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[conn]
	return c, ok
}

// ByNodeID looks up the Client for a currently-connected node id.
func (r *Registry) ByNodeID(id uuid.UUID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byNode[id]
	return c, ok
}

// Snapshot returns the live pool as a slice of point-in-time snapshots, in
// map iteration order, which is unspecified and may differ between calls.
// There is no fairness
// guarantee beyond "every client appears once per call" — see §4.5.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c.snapshot())
	}
	return out
}

// Count returns the number of currently live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Send transmits payload to the node identified by id. Sends to nodes go
// through the registry; the Conn exposed on Client and Snapshot is used
// directly only for liveness probes (Ping).
func (r *Registry) Send(id uuid.UUID, payload []byte) error {
	client, ok := r.ByNodeID(id)
	if !ok {
		return ErrNotConnected
	}
	return client.Conn.Send(payload)
}

// Broadcast transmits payload to every live connection except excluding
// (pass uuid.Nil to send to all). Send errors are logged by the caller and
// do not stop the fan-out — a slow peer must not block delivery to others.
func (r *Registry) Broadcast(excluding uuid.UUID, payload []byte) []error {
	snaps := r.Snapshot()
	var errs []error
	for _, s := range snaps {
		if s.NodeID == excluding {
			continue
		}
		if err := s.Conn.Send(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
