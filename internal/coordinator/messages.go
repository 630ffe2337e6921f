package coordinator

// Outbound protocol payloads. The transport layer wraps these in its
// message envelope; the coordinator only decides what gets said and to
// whom.

// MsgType constants name the outbound message kinds.
const (
	MsgSessionJoined     = "session.joined"
	MsgPrimaryPending    = "primary.pending"
	MsgPrimaryChanged    = "primary.changed"
	MsgChatMessage       = "chat.message"
	MsgSessionTerminated = "session.terminated"
	MsgSessionStall      = "session.stall"
)

// SessionJoinedPayload answers a device's join request.
type SessionJoinedPayload struct {
	SessionID       string   `json:"session_id"`
	IsPrimary       bool     `json:"is_primary"`
	PrimaryDeviceID string   `json:"primary_device_id"`
	ActiveDevices   []string `json:"active_devices"`
}

// PrimaryPendingPayload tells a device a primary handoff awaits its ack.
type PrimaryPendingPayload struct {
	SessionID    string `json:"session_id"`
	FromDeviceID string `json:"from_device_id"`
}

// PrimaryChangedPayload announces a committed (or lost) primary role.
// An empty NewPrimaryDeviceID means the session has no primary and
// rejects sends until a device claims the role.
type PrimaryChangedPayload struct {
	SessionID          string `json:"session_id"`
	NewPrimaryDeviceID string `json:"new_primary_device_id"`
}

// SessionTerminatedPayload tells devices their session is gone.
// Reason is "killed" or "process_died".
type SessionTerminatedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// StallPayload warns that the CLI is alive but silent.
type StallPayload struct {
	SessionID        string `json:"session_id"`
	SilentForSeconds int64  `json:"silent_for_seconds"`
	LastActivity     int64  `json:"last_activity"` // Unix milliseconds.
}
