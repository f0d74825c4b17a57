package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/registry"
)

// RelayHandler exposes the master's side of the node channel to operators:
// broadcasting an out-of-band message to every node, or sending to one by
// id. Both reuse the same "message" envelope a node-originated chat frame
// gets relayed as, with from set to "master" instead of a node id.
type RelayHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRelayHandler creates a new RelayHandler.
func NewRelayHandler(reg *registry.Registry, logger *zap.Logger) *RelayHandler {
	return &RelayHandler{registry: reg, logger: logger.Named("relay_handler")}
}

type relayRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type masterMessageEnvelope struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Payload string `json:"payload"`
}

// Broadcast handles POST /api/broadcast: sends payload to every connected
// node as a "message" envelope from "master".
func (h *RelayHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	raw, err := json.Marshal(masterMessageEnvelope{Type: "message", From: "master", Payload: string(req.Payload)})
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.Error(err))
		ErrInternal(w)
		return
	}

	errs := h.registry.Broadcast(uuid.Nil, raw)
	for _, sendErr := range errs {
		h.logger.Warn("broadcast send failed", zap.Error(sendErr))
	}
	Ok(w, envelope{"sent_to": h.registry.Count() - len(errs), "failed": len(errs)})
}

type sendRequest struct {
	NodeID  string          `json:"node_id"`
	Payload json.RawMessage `json:"payload"`
}

// Send handles POST /api/send: sends payload to one node by id.
func (h *RelayHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := parseUUIDString(req.NodeID)
	if err != nil {
		ErrBadRequest(w, "invalid node_id: must be a valid UUID")
		return
	}

	raw, err := json.Marshal(masterMessageEnvelope{Type: "message", From: "master", Payload: string(req.Payload)})
	if err != nil {
		h.logger.Error("failed to encode message", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.registry.Send(id, raw); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			ErrConflict(w, "node is not currently connected")
			return
		}
		h.logger.Warn("send failed", zap.String("node_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
