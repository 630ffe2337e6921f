package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Detector rejects duplicate inbound sends: retried sends from one
// device, or near-simultaneous sends from two devices that both
// believe they are primary. A send is a duplicate if an identical
// fingerprint was accepted within the dedup window.
//
// Fingerprints are derived keys, never persisted beyond the window.
type Detector struct {
	mu sync.Mutex

	// seen maps fingerprint to the time it was accepted.
	seen map[string]time.Time

	// window is how long an accepted fingerprint blocks repeats.
	window time.Duration

	timeNow func() time.Time
}

// NewDetector creates a detector with the given dedup window.
func NewDetector(window time.Duration) *Detector {
	return &Detector{
		seen:    make(map[string]time.Time),
		window:  window,
		timeNow: time.Now,
	}
}

// Fingerprint derives the dedup key for an inbound message: a hash
// over the session id, the normalized content, and a coarse time
// bucket. Two sends of the same text into the same session within
// one bucket collide; the bucket width equals the dedup window so
// retries land in the same or adjacent bucket.
func (d *Detector) Fingerprint(sessionID, content string, at time.Time) string {
	bucket := at.UnixMilli() / d.window.Milliseconds()

	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(normalizeContent(content)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))

	return hex.EncodeToString(h.Sum(nil))
}

// CheckAndRecord returns true and records the fingerprint if it has
// not been seen within the window; returns false for a duplicate.
// The accept decision and the recording are one atomic step so two
// racing identical sends cannot both be accepted.
func (d *Detector) CheckAndRecord(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.timeNow()

	if accepted, ok := d.seen[fingerprint]; ok && now.Sub(accepted) <= d.window {
		log.Printf("queue: rejected duplicate send (fingerprint %s)", fingerprint[:12])
		return false
	}

	d.seen[fingerprint] = now
	d.gc(now)
	return true
}

// gc drops fingerprints older than the window. Must be called with
// d.mu held. Cheap enough to run inline on every accept.
func (d *Detector) gc(now time.Time) {
	for fp, accepted := range d.seen {
		if now.Sub(accepted) > d.window {
			delete(d.seen, fp)
		}
	}
}

// normalizeContent collapses whitespace differences so a retry whose
// only change is trailing whitespace still fingerprints identically.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(content), " ")
}
