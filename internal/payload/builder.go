// Package payload builds push notifications from queued messages under
// a hard transport byte ceiling.
//
// Push transports enforce hard payload caps and silently drop anything
// over the limit, which is worse than a degraded notification. The
// builder therefore strips fields in a fixed priority order until the
// serialized payload fits: the message body goes first, replaced by a
// short preview with requiresFetch set so the client pulls the full
// content out-of-band; then the preview; then secondary metadata; and
// as a last resort the payload collapses to a fixed minimal "new
// message available" signal.
package payload

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/coderelay/host/internal/queue"
)

// DefaultPreviewRunes is the preview length used when none is set.
const DefaultPreviewRunes = 150

// minimalFloor is the smallest ceiling the builder accepts. The fixed
// minimal signal always fits under it, which makes the size guarantee
// unconditional.
const minimalFloor = 128

// Notification is the outbound push payload.
type Notification struct {
	Type          string `json:"type"`
	MessageID     string `json:"messageId"`
	SessionID     string `json:"sessionId,omitempty"`
	Content       string `json:"content,omitempty"`
	Preview       string `json:"preview,omitempty"`
	EnqueuedAt    string `json:"enqueuedAt,omitempty"`
	RequiresFetch bool   `json:"requiresFetch"`
}

// Builder turns queued messages into notifications that respect the
// transport ceiling.
type Builder struct {
	// limit is the hard byte ceiling for a serialized payload.
	limit int

	// previewRunes caps the preview length in runes.
	previewRunes int
}

// NewBuilder creates a builder for the given byte ceiling. Ceilings
// below the minimal-signal floor are raised to it.
func NewBuilder(limit, previewRunes int) *Builder {
	if limit < minimalFloor {
		limit = minimalFloor
	}
	if previewRunes <= 0 {
		previewRunes = DefaultPreviewRunes
	}
	return &Builder{limit: limit, previewRunes: previewRunes}
}

// Limit returns the effective byte ceiling.
func (b *Builder) Limit() int { return b.limit }

// Build serializes a queued message into one notification no larger
// than the ceiling. The returned bytes are what goes on the wire; the
// Notification mirrors them for callers that want structured access.
func (b *Builder) Build(msg *queue.Message) (Notification, []byte, error) {
	full := Notification{
		Type:       "chat.message",
		MessageID:  msg.ID,
		SessionID:  msg.SessionID,
		Content:    msg.Content,
		EnqueuedAt: msg.EnqueuedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}

	if data, ok := b.fits(full); ok {
		return full, data, nil
	}

	// Body dropped: preview plus fetch flag.
	degraded := full
	degraded.Content = ""
	degraded.Preview = truncateRunes(msg.Content, b.previewRunes)
	degraded.RequiresFetch = true
	if data, ok := b.fits(degraded); ok {
		return degraded, data, nil
	}

	// Preview dropped.
	degraded.Preview = ""
	if data, ok := b.fits(degraded); ok {
		return degraded, data, nil
	}

	// Secondary metadata dropped.
	degraded.SessionID = ""
	degraded.EnqueuedAt = ""
	if data, ok := b.fits(degraded); ok {
		return degraded, data, nil
	}

	// Pathological: fixed minimal signal. Always under the floor.
	minimal := Notification{
		Type:          "message.available",
		MessageID:     msg.ID,
		RequiresFetch: true,
	}
	data, err := json.Marshal(minimal)
	if err != nil {
		return Notification{}, nil, fmt.Errorf("marshal minimal payload: %w", err)
	}
	if len(data) > b.limit {
		// Only reachable with a message id longer than the floor
		// allows, which ULIDs never produce.
		return Notification{}, nil, fmt.Errorf("minimal payload exceeds ceiling (%d > %d)", len(data), b.limit)
	}
	return minimal, data, nil
}

// fits serializes the notification and reports whether it is under
// the ceiling.
func (b *Builder) fits(n Notification) ([]byte, bool) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, false
	}
	return data, len(data) <= b.limit
}

// truncateRunes cuts s to at most n runes without splitting a rune.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := 0
	for i := range s {
		if runes == n {
			return s[:i]
		}
		runes++
	}
	return s
}
