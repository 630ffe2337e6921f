// Package device tracks which client devices are attached to which
// sessions and elects a single primary device per session.
//
// The primary device is the only device allowed to send user messages
// into a session. Election is first-come-first-served on join, and
// ownership moves through a two-phase transfer: the current primary
// requests a handoff, and the incoming device must acknowledge before
// the registry commits. The old primary keeps its role until the ack
// lands, so a lost transfer message never leaves the session without
// a primary.
//
// Device liveness is tracked in memory only. A device that goes silent
// past the configured threshold is evicted from every session's active
// set but never deleted globally; its persistent registration (pairing,
// push token) lives in the storage layer.
package device

import (
	"log"
	"sort"
	"sync"
	"time"

	relayerrors "github.com/coderelay/host/internal/errors"
)

// Registry is the in-memory device and primary-election state.
// All methods are safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	// sessions maps sessionID to its coordination record.
	// Records are created lazily on first join or transfer.
	sessions map[string]*sessionState

	// lastSeen maps deviceID to the last time the device produced
	// any traffic. Used by EvictStale.
	lastSeen map[string]time.Time

	// silence is how long a device may go quiet before eviction.
	silence time.Duration

	timeNow func() time.Time
}

// sessionState is the per-session coordination record.
type sessionState struct {
	// active is the set of device IDs currently attached.
	active map[string]bool

	// primary is the device currently authorized to send.
	// Empty means the session has no primary and rejects sends.
	primary string

	// pending is the in-flight two-phase transfer, if any.
	pending *transfer
}

// transfer is an in-flight primary handoff awaiting ack.
type transfer struct {
	from string
	to   string
}

// JoinResult is returned to a device joining a session.
type JoinResult struct {
	IsPrimary       bool
	PrimaryDeviceID string
	ActiveDevices   []string
}

// Eviction records a device swept out of a session's active set.
type Eviction struct {
	SessionID  string
	DeviceID   string
	WasPrimary bool
}

// NewRegistry creates a registry with the given silence threshold.
func NewRegistry(silence time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionState),
		lastSeen: make(map[string]time.Time),
		silence:  silence,
		timeNow:  time.Now,
	}
}

// Register records that a device exists and is alive. Idempotent.
func (r *Registry) Register(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[deviceID] = r.timeNow()
}

// Touch refreshes a device's last-seen time. Called on any inbound
// traffic from the device, including heartbeats.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[deviceID] = r.timeNow()
}

// Join attaches a device to a session's active set. If the session has
// no primary, the joining device becomes primary; otherwise it joins as
// secondary and is told who the primary is. The coordination record is
// created lazily for unknown sessions.
func (r *Registry) Join(sessionID, deviceID string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen[deviceID] = r.timeNow()

	state := r.session(sessionID)
	state.active[deviceID] = true

	if state.primary == "" {
		state.primary = deviceID
		log.Printf("device: %s joined session %s as primary", deviceID, sessionID)
	} else {
		log.Printf("device: %s joined session %s as secondary (primary: %s)",
			deviceID, sessionID, state.primary)
	}

	return JoinResult{
		IsPrimary:       state.primary == deviceID,
		PrimaryDeviceID: state.primary,
		ActiveDevices:   state.activeList(),
	}
}

// LeaveAll detaches a device from every session it is attached to,
// for a dropped connection. Returns one Eviction per removal so the
// caller can notify remaining devices when a primary was lost. The
// device's liveness timestamp is dropped too; a reconnect starts a
// fresh window via Register.
func (r *Registry) LeaveAll(deviceID string) []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evictions []Eviction
	for sessionID, state := range r.sessions {
		if !state.active[deviceID] {
			continue
		}

		delete(state.active, deviceID)
		r.dropFromTransfer(sessionID, state, deviceID)

		wasPrimary := state.primary == deviceID
		if wasPrimary {
			state.primary = ""
			log.Printf("device: disconnected primary %s left session %s", deviceID, sessionID)
		}

		evictions = append(evictions, Eviction{
			SessionID:  sessionID,
			DeviceID:   deviceID,
			WasPrimary: wasPrimary,
		})
	}

	delete(r.lastSeen, deviceID)
	return evictions
}

// RequestTransfer begins a two-phase primary handoff. The current
// primary stays primary until the target device acks. Returns an error
// if from is not the current primary or to is not attached.
func (r *Registry) RequestTransfer(sessionID, fromDeviceID, toDeviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.session(sessionID)

	if state.primary != fromDeviceID {
		return relayerrors.NotPrimary(sessionID, fromDeviceID)
	}
	if !state.active[toDeviceID] {
		return relayerrors.DeviceNotFound(toDeviceID)
	}
	if toDeviceID == fromDeviceID {
		return relayerrors.New(relayerrors.CodeTransferInvalid, "cannot transfer primary to self")
	}

	// A newer request supersedes any pending one.
	state.pending = &transfer{from: fromDeviceID, to: toDeviceID}
	log.Printf("device: transfer of session %s primary requested %s -> %s (awaiting ack)",
		sessionID, fromDeviceID, toDeviceID)

	return nil
}

// AckTransfer commits a pending handoff. Only on ack does the old
// primary become secondary. An ack with no matching pending transfer
// is rejected as an invalid state transition and changes nothing.
func (r *Registry) AckTransfer(sessionID, toDeviceID string) (newPrimary string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok || state.pending == nil || state.pending.to != toDeviceID {
		return "", relayerrors.InvalidTransfer(sessionID, toDeviceID)
	}

	state.primary = state.pending.to
	state.pending = nil
	log.Printf("device: session %s primary transferred to %s", sessionID, state.primary)

	return state.primary, nil
}

// ClaimPrimary lets a device take the primary role when the session
// has none (after the old primary was evicted or left). Rejected when
// a primary already exists; use the transfer handshake instead.
func (r *Registry) ClaimPrimary(sessionID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.session(sessionID)

	if state.primary != "" {
		if state.primary == deviceID {
			return nil
		}
		return relayerrors.New(relayerrors.CodeTransferInvalid,
			"session already has a primary, request a transfer instead")
	}
	if !state.active[deviceID] {
		return relayerrors.DeviceNotFound(deviceID)
	}

	state.primary = deviceID
	log.Printf("device: %s claimed primary for session %s", deviceID, sessionID)
	return nil
}

// EvictStale sweeps devices whose last traffic is older than the
// silence threshold out of every session's active set. Returns one
// Eviction per (session, device) removal so callers can notify
// remaining devices when a primary was lost.
func (r *Registry) EvictStale(now time.Time) []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make(map[string]bool)
	for deviceID, seen := range r.lastSeen {
		if now.Sub(seen) > r.silence {
			stale[deviceID] = true
		}
	}
	if len(stale) == 0 {
		return nil
	}

	var evictions []Eviction
	for sessionID, state := range r.sessions {
		for deviceID := range state.active {
			if !stale[deviceID] {
				continue
			}

			delete(state.active, deviceID)
			r.dropFromTransfer(sessionID, state, deviceID)

			wasPrimary := state.primary == deviceID
			if wasPrimary {
				state.primary = ""
				log.Printf("device: evicted stale primary %s from session %s", deviceID, sessionID)
			} else {
				log.Printf("device: evicted stale device %s from session %s", deviceID, sessionID)
			}

			evictions = append(evictions, Eviction{
				SessionID:  sessionID,
				DeviceID:   deviceID,
				WasPrimary: wasPrimary,
			})
		}
	}

	// Staleness is per-device: forget the timestamps so a device that
	// reconnects starts a fresh liveness window via Register/Touch.
	for deviceID := range stale {
		delete(r.lastSeen, deviceID)
	}

	return evictions
}

// ReleaseSession drops a session's coordination record entirely.
// Called when a session is killed or its process dies. Device
// registrations and liveness are untouched.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		log.Printf("device: released coordination state for session %s", sessionID)
	}
}

// RenameSession re-keys a session's coordination record when the
// provisional session id is reconciled with the CLI-issued one.
func (r *Registry) RenameSession(oldID, newID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[oldID]
	if !ok {
		return
	}
	delete(r.sessions, oldID)
	r.sessions[newID] = state
}

// Primary returns the current primary device for a session, or ""
// if the session has none.
func (r *Registry) Primary(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return ""
	}
	return state.primary
}

// IsPrimary reports whether the device currently holds the primary
// role for the session.
func (r *Registry) IsPrimary(sessionID, deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	return ok && deviceID != "" && state.primary == deviceID
}

// ActiveDevices returns the session's active device set, sorted.
func (r *Registry) ActiveDevices(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return state.activeList()
}

// session returns the coordination record for sessionID, creating it
// lazily. Must be called with r.mu held.
func (r *Registry) session(sessionID string) *sessionState {
	state, ok := r.sessions[sessionID]
	if !ok {
		state = &sessionState{active: make(map[string]bool)}
		r.sessions[sessionID] = state
	}
	return state
}

// dropFromTransfer cancels a pending transfer that involves the given
// device. Must be called with r.mu held.
func (r *Registry) dropFromTransfer(sessionID string, state *sessionState, deviceID string) {
	if state.pending != nil && (state.pending.from == deviceID || state.pending.to == deviceID) {
		state.pending = nil
		log.Printf("device: cancelled pending transfer for session %s (%s gone)", sessionID, deviceID)
	}
}

// activeList returns the active set as a sorted slice.
// Must be called with the registry lock held.
func (s *sessionState) activeList() []string {
	list := make([]string, 0, len(s.active))
	for id := range s.active {
		list = append(list, id)
	}
	sort.Strings(list)
	return list
}
