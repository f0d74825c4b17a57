package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/registry"
	"github.com/nodegrid/master/internal/store"
)

// Router is the Message Codec & Router (C3): it parses inbound envelopes,
// classifies them by type, and hands off to the matching handler. Unknown
// types, malformed JSON, and non-object payloads all fall through to the
// broadcast-as-chat path, per §4.3 — this is never a fatal condition.
type Router struct {
	store    *store.Store
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRouter builds a Router over the given Store and Registry.
func NewRouter(s *store.Store, r *registry.Registry, logger *zap.Logger) *Router {
	return &Router{store: s, registry: r, logger: logger.Named("router")}
}

// HandleFrame classifies and dispatches one inbound text frame from client.
// Every inbound message updates the client's last-seen timestamp; unless a
// handler sets a more specific runtime status, it is reset to ONLINE.
func (rt *Router) HandleFrame(ctx context.Context, client *registry.Client, raw []byte) {
	now := time.Now().UTC()
	client.Touch(now)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		rt.broadcastChat(client, raw)
		client.SetRuntimeStatus(store.NodeOnline)
		return
	}

	switch env.Type {
	case TypeNodeHello:
		rt.handleNodeHello(ctx, client, raw)
		client.SetRuntimeStatus(store.NodeOnline)

	case TypeJobStatus:
		rt.handleJobStatus(ctx, client, raw)

	case TypeJobLog:
		rt.handleJobLog(ctx, client, raw)
		client.SetRuntimeStatus(store.NodeOnline)

	default:
		rt.broadcastChat(client, raw)
		client.SetRuntimeStatus(store.NodeOnline)
	}
}

// handleNodeHello updates the client's cached metadata and persists the
// node row. An empty display_name/tags is valid — the row already exists
// from connect-time registration.
func (rt *Router) handleNodeHello(ctx context.Context, client *registry.Client, raw []byte) {
	var p nodeHelloPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		rt.logger.Warn("malformed node.hello", zap.String("node_id", client.NodeID.String()), zap.Error(err))
		return
	}

	tags := store.StringSet(p.Tags)
	caps := store.StringMap(p.Capabilities)
	client.SetMetadata(p.DisplayName, tags, caps)

	node := &store.Node{
		ID:           client.NodeID,
		DisplayName:  p.DisplayName,
		Tags:         tags,
		Capabilities: caps,
		Status:       store.NodeOnline,
		LastSeenAt:   time.Now().UTC(),
	}
	if err := rt.store.UpsertNode(ctx, node); err != nil {
		rt.logger.Error("failed to persist node.hello",
			zap.String("node_id", client.NodeID.String()), zap.Error(err))
	}
}

// handleJobStatus parses the status update, applies it via UpdateJobStatus,
// and adjusts the client's runtime status: BUSY if RUNNING, ONLINE on any
// terminal status (and on PENDING/QUEUED, which a node should not normally
// report but which are harmless to treat as ONLINE too).
func (rt *Router) handleJobStatus(ctx context.Context, client *registry.Client, raw []byte) {
	var p jobStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		rt.logger.Warn("malformed job.status", zap.String("node_id", client.NodeID.String()), zap.Error(err))
		client.SetRuntimeStatus(store.NodeOnline)
		return
	}

	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		rt.logger.Warn("job.status with invalid job_id",
			zap.String("node_id", client.NodeID.String()), zap.String("job_id", p.JobID))
		client.SetRuntimeStatus(store.NodeOnline)
		return
	}

	status := store.JobStatus(p.Status)
	if !status.Valid() {
		rt.logger.Warn("job.status with invalid status",
			zap.String("node_id", client.NodeID.String()), zap.String("status", p.Status))
		client.SetRuntimeStatus(store.NodeOnline)
		return
	}

	err = rt.store.UpdateJobStatus(ctx, jobID, store.StatusUpdate{
		Status:        status,
		LogPath:       p.LogPath,
		ResultSummary: p.ResultSummary,
		ErrorMessage:  p.ErrorMessage,
	})
	if err != nil {
		rt.logger.Error("failed to apply job.status update",
			zap.String("node_id", client.NodeID.String()),
			zap.String("job_id", p.JobID),
			zap.Error(err))
	}

	if status == store.JobRunning {
		client.SetRuntimeStatus(store.NodeBusy)
	} else {
		client.SetRuntimeStatus(store.NodeOnline)
	}
}

// handleJobLog appends one log line to the job's log.
func (rt *Router) handleJobLog(ctx context.Context, client *registry.Client, raw []byte) {
	var p jobLogPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		rt.logger.Warn("malformed job.log", zap.String("node_id", client.NodeID.String()), zap.Error(err))
		return
	}

	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		rt.logger.Warn("job.log with invalid job_id",
			zap.String("node_id", client.NodeID.String()), zap.String("job_id", p.JobID))
		return
	}

	level := store.JobLogLevel(p.Level)
	switch level {
	case store.LogInfo, store.LogWarning, store.LogError:
	default:
		level = store.LogInfo
	}

	if _, err := rt.store.AppendJobLog(ctx, jobID, level, p.Message, time.Now().UTC()); err != nil {
		rt.logger.Error("failed to append job.log",
			zap.String("node_id", client.NodeID.String()),
			zap.String("job_id", p.JobID),
			zap.Error(err))
	}
}

// broadcastChat wraps raw as a message envelope and fans it out to every
// other connected node, per §6: "Any other text frame is treated as a chat
// message from this node and is echoed to all other connected nodes."
func (rt *Router) broadcastChat(client *registry.Client, raw []byte) {
	payload, err := encodeMessage(client.NodeID.String(), string(raw))
	if err != nil {
		rt.logger.Error("failed to encode chat broadcast", zap.Error(err))
		return
	}
	for _, sendErr := range rt.registry.Broadcast(client.NodeID, payload) {
		rt.logger.Warn("chat broadcast send failed", zap.Error(sendErr))
	}
}
