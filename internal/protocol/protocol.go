// Package protocol defines the JSON frames exchanged over the relay
// websocket and the task model both sides of the marketplace share.
// Every frame is a single JSON object carrying a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types.
const (
	TypeAuthenticate         = "authenticate"
	TypeConnectionConfirmed  = "connection_confirmed"
	TypeRegisterProvider     = "register_provider"
	TypeRegisterRequester    = "register_requester"
	TypePublishTask          = "publish_task"
	TypeTaskPublished        = "task_published"
	TypeNewTask              = "new_task"
	TypeAcceptTask           = "accept_task"
	TypeDeclineTask          = "decline_task"
	TypeTaskMatched          = "task_matched"
	TypeTaskAccepted         = "task_accepted"
	TypeNoProvidersAvailable = "no_providers_available"
	TypeP2PRelay             = "p2p_relay"
	TypeCancelTask           = "cancel_task"
	TypeTaskCancelled        = "task_cancelled"
	TypeCompleteTask         = "complete_task"
	TypeError                = "error"
)

// P2P payload types. The relay never inspects these; they are meaningful
// only to the matched requester/provider pair.
const (
	P2PGitCredentials    = "git_credentials"
	P2PExecutionComplete = "execution_complete"
	P2PExecutionFailed   = "execution_failed"
	P2PConfirmation      = "confirmation"
	P2PConfirmationAck   = "confirmation_ack"
	P2PError             = "error"
)

// Supported AI tools.
const (
	ToolClaude = "claude"
	ToolCodex  = "codex"
	ToolGemini = "gemini"
)

// ValidTool reports whether name is one of the supported AI CLIs.
func ValidTool(name string) bool {
	switch name {
	case ToolClaude, ToolCodex, ToolGemini:
		return true
	}
	return false
}

// Frame is the wire envelope. Unused fields are omitted per frame type;
// Payload carries the type-specific body where one exists.
type Frame struct {
	Type        string          `json:"type"`
	Token       string          `json:"token,omitempty"`
	PeerID      string          `json:"peerId,omitempty"`
	TaskID      string          `json:"taskId,omitempty"`
	ProviderID  string          `json:"providerId,omitempty"`
	RequesterID string          `json:"requesterId,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Status      string          `json:"status,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Tool        string          `json:"tool,omitempty"`
	Model       string          `json:"model,omitempty"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Task        *Task           `json:"task,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// WithPayload builds a frame of the given type with a marshalled payload.
func WithPayload(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// DecodePayload unmarshals the frame payload into out.
func (f Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("parse %s payload: %w", f.Type, err)
	}
	return nil
}

// RegisterProviderPayload installs a provider record on the relay.
type RegisterProviderPayload struct {
	Tools        []string `json:"tools"`
	WorkspaceIDs []string `json:"workspaceIds"`
	UserID       string   `json:"userId"`
	Token        string   `json:"token"`
}

// RegisterRequesterPayload marks the peer as a requester.
type RegisterRequesterPayload struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

// PublishTaskPayload asks the relay to queue a task for matching.
type PublishTaskPayload struct {
	Tool              string  `json:"tool"`
	Model             string  `json:"model,omitempty"`
	Task              string  `json:"task"`
	Description       string  `json:"description"`
	EstimatedDuration int64   `json:"estimatedDuration"`
	Credits           float64 `json:"credits"`
	WorkspaceID       string  `json:"workspaceId"`
}

// P2PBody is the opaque envelope relayed verbatim between matched peers.
type P2PBody struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewP2P wraps a typed payload into a p2p_relay frame addressed to a peer.
func NewP2P(from, to, payloadType string, payload any) (Frame, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", payloadType, err)
	}
	body, err := json.Marshal(P2PBody{
		Type:      payloadType,
		Payload:   inner,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal p2p body: %w", err)
	}
	return Frame{Type: TypeP2PRelay, From: from, To: to, Payload: body}, nil
}

// GitCredentialsPayload hands the provider everything needed to clone the
// requester's ephemeral repository.
type GitCredentialsPayload struct {
	GitURL          string `json:"gitUrl"`
	GitToken        string `json:"gitToken"`
	Tool            string `json:"tool"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"taskDescription"`
}

// ExecutionCompletePayload reports a successful sandbox run.
type ExecutionCompletePayload struct {
	TaskID        string `json:"taskId"`
	CommitSummary string `json:"commitSummary,omitempty"`
}

// ExecutionFailedPayload reports a failed sandbox run.
type ExecutionFailedPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// ConfirmationPayload closes the loop after the requester reviewed the diff.
type ConfirmationPayload struct {
	Accepted bool    `json:"accepted"`
	Credits  float64 `json:"credits"`
	TaskID   string  `json:"taskId"`
}

// ConfirmationAckPayload acknowledges a confirmation.
type ConfirmationAckPayload struct {
	TaskID string `json:"taskId"`
}
