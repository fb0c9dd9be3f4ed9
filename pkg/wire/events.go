package wire

import "time"

// EventKind discriminates an AgentEvent's payload, mirroring the `type`
// field dispatch of the NDJSON pipeline.
type EventKind string

const (
	EventSystemInit     EventKind = "system_init"
	EventAssistantText  EventKind = "assistant_text"
	EventAssistantTool  EventKind = "assistant_tool_use"
	EventUserToolResult EventKind = "user_tool_result"
	EventStreamDelta    EventKind = "stream_delta"
	EventControlRequest EventKind = "control_request"
	EventSessionResult  EventKind = "session_result"
	EventUnknown        EventKind = "unknown"
)

// AgentEvent is the typed, ordered, sequenced unit produced by the NDJSON
// pipeline and broadcast by the session multiplexer to every attached
// client. Sequence is drawn from the owning session's monotonic counter
// and is strictly increasing with no gaps.
type AgentEvent struct {
	Sequence       uint64    `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           EventKind `json:"kind"`
	ParentToolUse  string    `json:"parent_tool_use_id,omitempty"`

	// Text/tool-use/tool-result payload.
	Text       string `json:"text,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolUseID  string `json:"tool_use_id,omitempty"`
	ToolArgs   []byte `json:"tool_args,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Streaming delta payload.
	DeltaStage string `json:"delta_stage,omitempty"` // content_block_start/delta/stop, message_start/delta/stop

	// Control request payload: the assistant asks permission to use a tool.
	ControlRequestID string `json:"control_request_id,omitempty"`
	ControlPrompt    string `json:"control_prompt,omitempty"`

	// Session result payload.
	UsagePromptTokens     int     `json:"usage_prompt_tokens,omitempty"`
	UsageCompletionTokens int     `json:"usage_completion_tokens,omitempty"`
	UsageCostUSD          float64 `json:"usage_cost_usd,omitempty"`

	// Raw is populated only for EventUnknown: the unparsable source line,
	// preserved verbatim so nothing is silently dropped.
	Raw string `json:"raw,omitempty"`
}

// ConverseClientMessage is the client->server half of the Converse
// bidirectional stream.
type ConverseClientMessage struct {
	Kind             ConverseClientKind `json:"kind"`
	SessionID        string             `json:"session_id"`
	Text             string             `json:"text,omitempty"`
	ControlRequestID string             `json:"control_request_id,omitempty"`
	Decision         string             `json:"decision,omitempty"` // "allow" or "deny"
	Reason           string             `json:"reason,omitempty"`
}

type ConverseClientKind string

const (
	ConverseStart            ConverseClientKind = "start"
	ConverseMessage          ConverseClientKind = "message"
	ConversePermission       ConverseClientKind = "permission"
	ConverseQuestionResponse ConverseClientKind = "question_response"
	ConverseCancel           ConverseClientKind = "cancel"
)

// ConverseServerMessage is the server->client half: either a typed
// AgentEvent delta or a tool-call notification.
type ConverseServerMessage struct {
	Event *AgentEvent `json:"event,omitempty"`
}

// HeartbeatPayload is the body of a Tunnel/Heartbeat request: a unary
// RPC the daemon sends on its own schedule, answered locally by the
// relay without forwarding, independent of frame-level ping/pong.
type HeartbeatPayload struct {
	MachineID          string `json:"machine_id"`
	Timestamp          int64  `json:"timestamp"`
	ActiveSessionCount int    `json:"active_session_count"`
}

// ResumeSessionPayload is the body of AgentService/ResumeSession: a
// reattaching client names the sequence it last acknowledged and the
// daemon replays the message log from there before streaming live
// events.
type ResumeSessionPayload struct {
	SessionID     string `json:"session_id"`
	ClientID      string `json:"client_id"`
	SinceSequence uint64 `json:"since_sequence"`
}

// InputLockPayload is the body of AgentService/RequestInputLock.
type InputLockPayload struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	Release   bool   `json:"release,omitempty"`
}

// InputLockResult reports the lock's holder after the request; Granted
// is false when another client already held it.
type InputLockResult struct {
	Granted bool   `json:"granted"`
	Holder  string `json:"holder,omitempty"`
}

// KeyExchangePayload carries the client's half of the end-to-end X25519
// exchange (AgentService/ExchangeKeys). The relay forwards it opaquely;
// only the daemon and the client ever hold the derived key.
type KeyExchangePayload struct {
	SessionID          string `json:"session_id"`
	ClientEphemeralPub []byte `json:"client_ephemeral_pub"`
}

// KeyExchangeResult is the daemon's half: its fresh ephemeral public key
// plus its long-term identity public key, whose fingerprint the client
// verifies against its trust-on-first-use record.
type KeyExchangeResult struct {
	DaemonEphemeralPub []byte `json:"daemon_ephemeral_pub"`
	DaemonIdentityPub  []byte `json:"daemon_identity_pub"`
}
