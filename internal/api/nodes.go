package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/registry"
	"github.com/nodegrid/master/internal/store"
)

// NodeHandler serves read-only node inspection. A node's identity and
// liveness are entirely owned by the node channel — this surface has no
// write path.
type NodeHandler struct {
	store    *store.Store
	registry *registry.Registry
	logger   *zap.Logger
}

// NewNodeHandler creates a new NodeHandler.
func NewNodeHandler(s *store.Store, reg *registry.Registry, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{store: s, registry: reg, logger: logger.Named("node_handler")}
}

type nodeResponse struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Tags        []string          `json:"tags"`
	Capabilities map[string]string `json:"capabilities"`
	Status      string            `json:"status"`
	Connected   bool              `json:"connected"`
	LastSeenAt  string            `json:"last_seen_at"`
}

// List handles GET /api/nodes. Every known node row is returned; Connected
// and Status reflect the live registry when the node currently has an open
// connection, falling back to the persisted row otherwise.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.ListNodes(r.Context())
	if err != nil {
		h.logger.Error("failed to list nodes", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]nodeResponse, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		resp := nodeResponse{
			ID:           n.ID.String(),
			DisplayName:  n.DisplayName,
			Tags:         []string(n.Tags),
			Capabilities: map[string]string(n.Capabilities),
			Status:       string(n.Status),
			LastSeenAt:   n.LastSeenAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		}
		if client, ok := h.registry.ByNodeID(n.ID); ok {
			resp.Connected = true
			resp.Status = string(client.RuntimeStatus())
		}
		items[i] = resp
	}
	Ok(w, items)
}

// GetByID handles GET /api/nodes/{id}.
func (h *NodeHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	node, err := h.store.GetNode(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get node", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := nodeResponse{
		ID:           node.ID.String(),
		DisplayName:  node.DisplayName,
		Tags:         []string(node.Tags),
		Capabilities: map[string]string(node.Capabilities),
		Status:       string(node.Status),
		LastSeenAt:   node.LastSeenAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if client, ok := h.registry.ByNodeID(id); ok {
		resp.Connected = true
		resp.Status = string(client.RuntimeStatus())
	}
	Ok(w, resp)
}
