// Package transport is the node channel: the gorilla/websocket listener
// nodes dial into, and the Message Codec & Router (C3) that classifies
// inbound frames and hands them to the right handler.
package transport

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nodegrid/master/internal/store"
)

// Inbound envelope type discriminators, per §4.3.
const (
	TypeNodeHello = "node.hello"
	TypeJobStatus = "job.status"
	TypeJobLog    = "job.log"
)

// Outbound envelope type discriminators, per §6.
const (
	TypeWelcome  = "welcome"
	TypeMessage  = "message"
	TypeJobAssign = "job.assign"
)

// envelope is the generic shape used only to read the type discriminator
// before dispatching to a concrete inbound variant.
type envelope struct {
	Type string `json:"type"`
}

// nodeHelloPayload is the body of an inbound node.hello frame.
type nodeHelloPayload struct {
	Type         string          `json:"type"`
	DisplayName  string          `json:"display_name"`
	Tags         []string        `json:"tags"`
	Capabilities map[string]string `json:"capabilities"`
}

// jobStatusPayload is the body of an inbound job.status frame.
type jobStatusPayload struct {
	Type          string  `json:"type"`
	JobID         string  `json:"job_id"`
	Status        string  `json:"status"`
	LogPath       *string `json:"log_path,omitempty"`
	ResultSummary *string `json:"result_summary,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// jobLogPayload is the body of an inbound job.log frame.
type jobLogPayload struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// welcomeEnvelope is sent once to a freshly connected node.
type welcomeEnvelope struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

// messageEnvelope carries a chat/relay frame, either from another node or
// from the master itself ("master" sender). Payload is a string per §6
// ("payload (string, possibly nested JSON)") precisely so an inbound frame
// that isn't valid JSON itself (the broadcast-as-chat fallback) can still be
// wrapped safely — a string is always valid JSON once escaped, unlike
// json.RawMessage, which encoding/json refuses to emit unless its contents
// already parse as JSON.
type messageEnvelope struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Payload string `json:"payload"`
}

// jobAssignEnvelope is the assignment sent after a successful AssignJob.
type jobAssignEnvelope struct {
	Type          string                `json:"type"`
	JobID         string                `json:"job_id"`
	Prompt        string                `json:"prompt"`
	Repositories  store.RepositoryList  `json:"repositories"`
	Workdir       string                `json:"workdir"`
	Metadata      store.StringMap       `json:"metadata"`
	RequestedTags store.StringSet       `json:"requested_tags"`
	TargetNodeID  string                `json:"target_node_id,omitempty"`
}

func encodeWelcome(clientID uuid.UUID) ([]byte, error) {
	return json.Marshal(welcomeEnvelope{
		Type:     TypeWelcome,
		ClientID: clientID.String(),
		Message:  "connected",
	})
}

func encodeMessage(from string, payload string) ([]byte, error) {
	return json.Marshal(messageEnvelope{
		Type:    TypeMessage,
		From:    from,
		Payload: payload,
	})
}

// EncodeJobAssign builds the job.assign envelope for job. Exported for the
// dispatcher, which sends this payload through the registry without routing
// it back through the router.
func EncodeJobAssign(job *store.Job, workdirRoot string) ([]byte, error) {
	env := jobAssignEnvelope{
		Type:          TypeJobAssign,
		JobID:         job.ID.String(),
		Prompt:        job.Prompt,
		Repositories:  job.Repositories,
		Workdir:       workdirRoot + "/" + job.ID.String(),
		Metadata:      job.Metadata,
		RequestedTags: job.RequestedTags,
	}
	if job.TargetNodeID != nil {
		env.TargetNodeID = job.TargetNodeID.String()
	}
	return json.Marshal(env)
}
