// Package cli supervises the coding-assistant CLI subprocess.
//
// The CLI runs inside a PTY and emits structured JSON lines on its
// output stream: an init event announcing its own session identifier,
// message events carrying assistant text, and a result event closing
// each turn. The package parses that stream into typed events, keeps a
// per-session state machine, and watches for stalls and process death.
package cli

import (
	"encoding/json"
	"strings"
)

// EventType classifies a parsed output event.
type EventType string

const (
	// EventInit is the CLI's first event in a conversation; it carries
	// the CLI-issued session identifier, which becomes authoritative.
	EventInit EventType = "init"

	// EventMessage carries a chunk of assistant-generated text.
	EventMessage EventType = "message"

	// EventResult closes a turn. IsError marks a failed turn.
	EventResult EventType = "result"
)

// Event is one structured line from the CLI's output stream.
type Event struct {
	Type      EventType
	SessionID string // Set on init and result events.
	Text      string // Set on message events.
	IsError   bool   // Set on result events.
}

// rawEvent mirrors the CLI's JSON line shape.
type rawEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	IsError   bool   `json:"is_error"`
}

// ParseLine decodes one output line into an Event. The PTY stream
// interleaves JSON events with terminal noise (prompts, control
// sequences), so anything that is not a recognized JSON event is
// reported as not-ok and skipped by the caller.
func ParseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return Event{}, false
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}

	switch EventType(raw.Type) {
	case EventInit, EventMessage, EventResult:
	default:
		return Event{}, false
	}

	return Event{
		Type:      EventType(raw.Type),
		SessionID: raw.SessionID,
		Text:      raw.Text,
		IsError:   raw.IsError,
	}, true
}
