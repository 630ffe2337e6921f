// Package server provides the WebSocket transport between the host
// and mobile clients. It upgrades connections, authenticates devices,
// rate-limits inbound traffic, and routes protocol messages to the
// coordinator. All coordination semantics live in the coordinator;
// this package only moves envelopes.
package server

// MessageType identifies the kind of message on the wire.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// Inbound (client -> host).

	// MessageTypeHello announces a device after connect.
	// Payload: HelloPayload
	MessageTypeHello MessageType = "device.hello"

	// MessageTypeJoin attaches the device to a session.
	// Payload: JoinPayload
	MessageTypeJoin MessageType = "session.join"

	// MessageTypeChatSend carries a user message for the assistant.
	// Payload: ChatSendPayload
	MessageTypeChatSend MessageType = "chat.send"

	// MessageTypeChatAck acknowledges delivered messages.
	// Payload: ChatAckPayload
	MessageTypeChatAck MessageType = "chat.ack"

	// MessageTypePrimaryRequest asks for the primary role.
	// Payload: PrimaryRequestPayload
	MessageTypePrimaryRequest MessageType = "primary.request"

	// MessageTypePrimaryAck commits a pending primary handoff.
	// Payload: PrimaryAckPayload
	MessageTypePrimaryAck MessageType = "primary.ack"

	// MessageTypeSessionKill terminates the session's CLI process.
	// Payload: SessionKillPayload
	MessageTypeSessionKill MessageType = "session.kill"

	// MessageTypeSessionClear drops the session's queued messages.
	// Payload: SessionClearPayload
	MessageTypeSessionClear MessageType = "session.clear"

	// MessageTypeHeartbeat keeps the connection and the device's
	// liveness window alive. Payload: none.
	MessageTypeHeartbeat MessageType = "heartbeat"

	// Outbound (host -> client). The payload structures for the
	// coordination messages live in the coordinator package; the
	// server forwards them verbatim under their own type strings
	// (session.joined, primary.pending, primary.changed,
	// chat.message, session.terminated, session.stall).

	// MessageTypeError reports a failed request.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"
)

// Message is the envelope for all WebSocket messages.
// Every message has a type and an optional ID for request/response
// correlation. The Payload field contains type-specific data.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation.
	// Clients can use this to match responses to requests.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	Payload interface{} `json:"payload"`
}

// HelloPayload announces the device identity on a fresh connection.
// With authentication enabled the device id from the token wins; the
// payload id is only trusted on open (unauthenticated) hosts.
type HelloPayload struct {
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

// JoinPayload attaches the device to a session. An empty session id
// joins the host project's session, spawning the CLI if needed.
type JoinPayload struct {
	SessionID string `json:"session_id"`
}

// ChatSendPayload carries one user message.
type ChatSendPayload struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`

	// ClientMessageID is the client's own correlation id, echoed in
	// the error payload if the send is rejected.
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// ChatAckPayload acknowledges delivery of one or more messages.
type ChatAckPayload struct {
	MessageIDs []string `json:"message_ids"`
}

// PrimaryRequestPayload asks for the primary role on a session.
type PrimaryRequestPayload struct {
	SessionID string `json:"session_id"`
}

// PrimaryAckPayload commits a pending handoff to this device.
type PrimaryAckPayload struct {
	SessionID string `json:"session_id"`
}

// SessionKillPayload terminates a session's CLI process.
type SessionKillPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// SessionClearPayload drops a session's queued messages.
type SessionClearPayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload carries error information to the client.
type ErrorPayload struct {
	// Code is a stable error code for programmatic handling.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// ClientMessageID echoes the client's correlation id when the
	// error answers a chat.send.
	ClientMessageID string `json:"client_message_id,omitempty"`
}
