// Package queue buffers outbound assistant messages per session and
// tracks per-device delivery acknowledgement.
//
// The push channel is fire-and-forget, so delivery state lives here:
// a message stays queued until every tracked device has acked it or
// its TTL expires. Message IDs are ULIDs, which sort by creation time
// and therefore preserve enqueue order under a lexicographic sort.
package queue

import (
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is one assistant-originated message pending delivery.
type Message struct {
	ID         string
	SessionID  string
	Content    string
	EnqueuedAt time.Time
	ExpiresAt  time.Time

	// deliveredTo is the set of device IDs that have acked this message.
	deliveredTo map[string]bool

	// fullyDelivered latches true once deliveredTo covers the tracked
	// device set. Late-joining devices never re-open it.
	fullyDelivered bool
}

// DeliveredTo reports whether the device has acked this message.
func (m *Message) DeliveredTo(deviceID string) bool {
	return m.deliveredTo[deviceID]
}

// FullyDelivered reports whether every tracked device has acked.
func (m *Message) FullyDelivered() bool {
	return m.fullyDelivered
}

// ActiveDevicesFunc supplies the session's currently tracked device
// set. Wired to the device registry by the coordinator.
type ActiveDevicesFunc func(sessionID string) []string

// Queue holds undelivered messages for all sessions.
// All methods are safe for concurrent use.
type Queue struct {
	mu sync.Mutex

	// sessions maps sessionID to that session's messages in enqueue
	// order. Expired and swept entries are removed in place.
	sessions map[string][]*Message

	// byID indexes every live message for the pull-fetch path.
	byID map[string]*Message

	// activeDevices reports the tracked device set for a session,
	// consulted when deciding whether a message is fully delivered.
	activeDevices ActiveDevicesFunc

	// defaultTTL applies when Enqueue is called with ttl 0.
	defaultTTL time.Duration

	timeNow func() time.Time
}

// New creates a queue. activeDevices may be nil, in which case no
// message is ever considered fully delivered (everything waits for
// the TTL sweep).
func New(defaultTTL time.Duration, activeDevices ActiveDevicesFunc) *Queue {
	if activeDevices == nil {
		activeDevices = func(string) []string { return nil }
	}
	return &Queue{
		sessions:      make(map[string][]*Message),
		byID:          make(map[string]*Message),
		activeDevices: activeDevices,
		defaultTTL:    defaultTTL,
		timeNow:       time.Now,
	}
}

// Enqueue buffers an outbound message and returns its fresh id.
// A ttl of 0 uses the queue default. Always succeeds.
func (q *Queue) Enqueue(sessionID, content string, ttl time.Duration) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ttl <= 0 {
		ttl = q.defaultTTL
	}

	now := q.timeNow()
	msg := &Message{
		ID:          ulid.Make().String(),
		SessionID:   sessionID,
		Content:     content,
		EnqueuedAt:  now,
		ExpiresAt:   now.Add(ttl),
		deliveredTo: make(map[string]bool),
	}

	q.sessions[sessionID] = append(q.sessions[sessionID], msg)
	q.byID[msg.ID] = msg

	return msg.ID
}

// UndeliveredFor returns the session's messages not yet expired, not
// fully delivered, and not yet acked by the given device, in enqueue
// order.
func (q *Queue) UndeliveredFor(sessionID, deviceID string) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.timeNow()

	var out []*Message
	for _, msg := range q.sessions[sessionID] {
		if now.After(msg.ExpiresAt) || msg.fullyDelivered || msg.deliveredTo[deviceID] {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// MarkDelivered records acks from a device. Idempotent: acking an
// already-acked or unknown message changes nothing. When a message's
// acks cover the session's tracked device set at check time, it is
// latched fully delivered and drops out of undelivered queries, but
// stays fetchable until the sweep or an explicit clear.
func (q *Queue) MarkDelivered(messageIDs []string, deviceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range messageIDs {
		msg, ok := q.byID[id]
		if !ok {
			continue
		}
		msg.deliveredTo[deviceID] = true

		if !msg.fullyDelivered && q.coversActiveSet(msg) {
			msg.fullyDelivered = true
		}
	}
}

// coversActiveSet reports whether the message's acks cover the
// session's tracked devices right now. An empty tracked set means
// nobody is listening, so the message is not considered delivered.
// Must be called with q.mu held.
func (q *Queue) coversActiveSet(msg *Message) bool {
	devices := q.activeDevices(msg.SessionID)
	if len(devices) == 0 {
		return false
	}
	for _, d := range devices {
		if !msg.deliveredTo[d] {
			return false
		}
	}
	return true
}

// Get returns a message by id for the pull-fetch path, or nil if it
// expired out of the queue or never existed. Safe to call repeatedly.
func (q *Queue) Get(messageID string) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byID[messageID]
}

// ClearSession drops all queued messages and delivery state for a
// session. Device registry state is untouched.
func (q *Queue) ClearSession(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, msg := range q.sessions[sessionID] {
		delete(q.byID, msg.ID)
	}
	delete(q.sessions, sessionID)
}

// RenameSession re-keys a session's messages when the provisional
// session id is reconciled with the CLI-issued one.
func (q *Queue) RenameSession(oldID, newID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs, ok := q.sessions[oldID]
	if !ok {
		return
	}
	delete(q.sessions, oldID)
	for _, msg := range msgs {
		msg.SessionID = newID
	}
	q.sessions[newID] = append(q.sessions[newID], msgs...)
}

// Sweep removes expired messages. Sessions whose queue drains to empty
// lose their bookkeeping entry entirely. Runs on a periodic tick, not
// per request.
func (q *Queue) Sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for sessionID, msgs := range q.sessions {
		kept := msgs[:0]
		removed := 0
		for _, msg := range msgs {
			if now.After(msg.ExpiresAt) {
				delete(q.byID, msg.ID)
				removed++
				continue
			}
			kept = append(kept, msg)
		}

		if len(kept) == 0 {
			delete(q.sessions, sessionID)
		} else {
			q.sessions[sessionID] = kept
		}

		if removed > 0 {
			log.Printf("queue: swept %d expired messages from session %s", removed, sessionID)
		}
	}
}

// Len returns the number of live messages for a session.
func (q *Queue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions[sessionID])
}
