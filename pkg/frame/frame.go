// Package frame implements the tunnel wire protocol: a single
// bidirectional stream carrying a sequence of length-prefixed, tagged
// frames between one daemon and the relay.
package frame

// Type discriminates a Frame's variant.
type Type string

const (
	TypeRegister    Type = "register"
	TypeRegisterAck Type = "register_ack"
	TypeRequest     Type = "request"
	TypeResponse    Type = "response"
	TypeCancel      Type = "cancel"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeClose       Type = "close"
)

// Status is the outcome carried by a Response frame.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Frame is the single wire envelope for every variant the protocol
// defines. Only the fields relevant to Type are populated; unused fields
// are left zero and omitted by the codec.
type Frame struct {
	Type Type `json:"type"`

	// Register (daemon->relay, first frame only).
	MachineID   string `json:"machine_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
	PublicKey   []byte `json:"public_key,omitempty"`

	// RegisterAck (relay->daemon).
	Accepted   bool   `json:"accepted,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ServerTime int64  `json:"server_time,omitempty"`

	// Request / Cancel / Response share the correlation id. Forwarded
	// calls flow as Request relay->daemon and Response daemon->relay; the
	// Tunnel/Heartbeat call runs the other way round. Cancel goes either
	// direction.
	CorrelationID uint64 `json:"correlation_id,omitempty"`

	// Request.
	Method   string            `json:"method,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`

	// Response.
	RespStatus   Status `json:"status,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	EndOfStream  bool   `json:"end_of_stream,omitempty"`

	// Cancel.
	CancelReason string `json:"cancel_reason,omitempty"`

	// Ping/Pong.
	Nonce uint64 `json:"nonce,omitempty"`

	// Close.
	CloseCode    int    `json:"close_code,omitempty"`
	CloseMessage string `json:"close_message,omitempty"`
}

// Register builds a Register frame. publicKey is the daemon's long-term
// X25519 identity key, carried so the relay can run trust-on-first-use
// fingerprint verification before admitting the tunnel.
func Register(machineID, displayName, bearerToken string, publicKey []byte) *Frame {
	return &Frame{Type: TypeRegister, MachineID: machineID, DisplayName: displayName, BearerToken: bearerToken, PublicKey: publicKey}
}

// RegisterAck builds an accept/reject acknowledgement.
func RegisterAck(accepted bool, reason string, serverTime int64) *Frame {
	return &Frame{Type: TypeRegisterAck, Accepted: accepted, Reason: reason, ServerTime: serverTime}
}

// Request builds a Request frame.
func Request(corrID uint64, method string, metadata map[string]string, payload []byte) *Frame {
	return &Frame{Type: TypeRequest, CorrelationID: corrID, Method: method, Metadata: metadata, Payload: payload}
}

// ResponseOK builds a successful Response frame.
func ResponseOK(corrID uint64, payload []byte, endOfStream bool) *Frame {
	return &Frame{Type: TypeResponse, CorrelationID: corrID, RespStatus: StatusOK, Payload: payload, EndOfStream: endOfStream}
}

// ResponseError builds an error Response frame. Error responses are always
// terminal (end_of_stream=true): a correlation that has failed has nothing
// further to say.
func ResponseError(corrID uint64, code, message string) *Frame {
	return &Frame{Type: TypeResponse, CorrelationID: corrID, RespStatus: StatusError, ErrorCode: code, ErrorMessage: message, EndOfStream: true}
}

// CancelFrame builds a Cancel frame.
func CancelFrame(corrID uint64, reason string) *Frame {
	return &Frame{Type: TypeCancel, CorrelationID: corrID, CancelReason: reason}
}

// PingFrame / PongFrame build keepalive frames.
func PingFrame(nonce uint64) *Frame { return &Frame{Type: TypePing, Nonce: nonce} }
func PongFrame(nonce uint64) *Frame { return &Frame{Type: TypePong, Nonce: nonce} }

// CloseFrame builds a graceful shutdown notice.
func CloseFrame(code int, message string) *Frame {
	return &Frame{Type: TypeClose, CloseCode: code, CloseMessage: message}
}
