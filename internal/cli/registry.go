package cli

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	relayerrors "github.com/coderelay/host/internal/errors"
	"github.com/coderelay/host/internal/storage"
)

// State is a session's position in the lifecycle state machine:
//
//	idle -> running -> {completed, stalled, dead, killed}
//
// completed and stalled are re-entrant: the next send or output chunk
// moves the session back to running. dead and killed are terminal.
type State string

const (
	StateIdle      State = storage.SessionStateIdle
	StateRunning   State = storage.SessionStateRunning
	StateCompleted State = storage.SessionStateCompleted
	StateStalled   State = storage.SessionStateStalled
	StateDead      State = storage.SessionStateDead
	StateKilled    State = storage.SessionStateKilled
)

// killGracePeriod is how long Kill waits after SIGINT before
// escalating to SIGKILL.
const killGracePeriod = 2 * time.Second

// Session is one live conversation and its CLI subprocess.
type Session struct {
	ID             string
	Project        string
	State          State
	StartedAt      time.Time
	LastActivityAt time.Time

	runner *Runner

	// stallAlerted latches after a stall alert so one quiet episode
	// produces exactly one alert. Fresh output re-arms it.
	stallAlerted bool

	// stallCount counts stall episodes for the auto-kill policy.
	stallCount int
}

// SessionStore is the slice of the storage layer the registry needs.
// Implemented by storage.SQLiteStore.
type SessionStore interface {
	SaveSession(session *storage.Session) error
	UpdateSessionState(id, state string, at time.Time) error
	RenameSession(oldID, newID string) error
	LatestSessionForProject(project string) (*storage.Session, error)
}

// Registry owns all live sessions and their subprocess handles.
// It enforces the single-writer invariant: one subprocess per session
// id, and nobody else touches a subprocess's stdin or stdout.
type Registry struct {
	mu sync.Mutex

	sessions map[string]*Session

	store SessionStore

	// command and args spawn the CLI; the project path becomes the
	// working directory.
	command string
	args    []string

	historyLines int
	grace        time.Duration
	timeNow      func() time.Time

	// OnEvent receives every structured event from every session's
	// output stream. Set before the first EnsureSession call.
	OnEvent func(sessionID string, ev Event)

	// OnExit is invoked when a session's process exits for any reason.
	// The registry has already updated its own state when this fires.
	OnExit func(sessionID string, state State, err error)
}

// NewRegistry creates a session registry.
func NewRegistry(store SessionStore, command string, args []string) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		command:  command,
		args:     args,
		grace:    killGracePeriod,
		timeNow:  time.Now,
	}
}

// EnsureSession returns the live session for a project, spawning a new
// CLI subprocess if none exists. A fresh session gets a provisional
// UUID until the CLI announces its own identifier; the prior session
// id for the project (if any) is passed to the CLI for conversation
// continuity.
func (r *Registry) EnsureSession(project string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.Project == project && s.runner.IsRunning() {
			return s, nil
		}
	}

	// Continuity: hand the CLI the last known session id for this
	// project so the conversation resumes where it left off.
	var resumeID string
	if prior, err := r.store.LatestSessionForProject(project); err != nil {
		log.Printf("cli: continuity lookup for %s failed: %v", project, err)
	} else if prior != nil {
		resumeID = prior.ID
	}

	now := r.timeNow()
	session := &Session{
		ID:             uuid.New().String(),
		Project:        project,
		State:          StateIdle,
		StartedAt:      now,
		LastActivityAt: now,
	}

	cfg := RunnerConfig{
		SessionID:    session.ID,
		Project:      project,
		Command:      r.command,
		Args:         r.args,
		ResumeID:     resumeID,
		HistoryLines: r.historyLines,
		OnEvent:      r.handleEvent,
		OnExit:       r.handleExit,
	}
	runner := NewRunner(cfg)
	if err := runner.Start(cfg); err != nil {
		return nil, relayerrors.SpawnFailed(err)
	}
	session.runner = runner

	r.sessions[session.ID] = session

	if err := r.store.SaveSession(&storage.Session{
		ID:           session.ID,
		Project:      project,
		State:        string(session.State),
		StartedAt:    now,
		LastActivity: now,
	}); err != nil {
		log.Printf("cli: failed to persist session %s: %v", session.ID, err)
	}

	log.Printf("cli: spawned session %s for project %s (resume: %q)", session.ID, project, resumeID)
	return session, nil
}

// Send writes a user message to the session's CLI stdin and moves the
// session to running.
func (r *Registry) Send(sessionID, content string) error {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return relayerrors.SessionNotFound(sessionID)
	}
	if session.State == StateDead {
		r.mu.Unlock()
		return relayerrors.ProcessDied(sessionID, nil)
	}
	if session.State == StateKilled {
		r.mu.Unlock()
		return relayerrors.New(relayerrors.CodeSessionKilled,
			fmt.Sprintf("session %s is no longer running", sessionID))
	}

	session.State = StateRunning
	session.LastActivityAt = r.timeNow()
	runner := session.runner
	r.mu.Unlock()

	if _, err := runner.Write([]byte(content + "\n")); err != nil {
		return relayerrors.Wrap(relayerrors.CodeSessionWriteFailed,
			"failed to write to CLI stdin", err)
	}
	return nil
}

// Kill terminates a session's subprocess: SIGINT, a grace period, then
// SIGKILL if still alive. On completion the session is marked killed.
// Killing an unknown session returns not-found; killing an already
// killed session is an idempotent no-op.
func (r *Registry) Kill(sessionID, reason string) error {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return relayerrors.SessionNotFound(sessionID)
	}
	if session.State == StateKilled {
		r.mu.Unlock()
		return nil
	}
	// Mark killed before signalling so the exit handler and a racing
	// second Kill both observe the intent.
	session.State = StateKilled
	runner := session.runner
	r.mu.Unlock()

	log.Printf("cli: killing session %s (%s)", sessionID, reason)

	if err := runner.Interrupt(); err != nil {
		// Process already gone; nothing to escalate.
		r.persistState(sessionID, StateKilled)
		return nil
	}

	select {
	case <-runner.Done():
	case <-time.After(r.grace):
		log.Printf("cli: session %s ignored SIGINT, escalating to SIGKILL", sessionID)
		runner.Kill()
		<-runner.Done()
	}

	r.persistState(sessionID, StateKilled)
	return nil
}

// Rename reconciles a provisional session id with the CLI-issued one,
// re-keying the registry and the persistent history.
func (r *Registry) Rename(oldID, newID string) {
	if oldID == newID || newID == "" {
		return
	}

	r.mu.Lock()
	session, ok := r.sessions[oldID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, oldID)
	session.ID = newID
	session.runner.SetSessionID(newID)
	r.sessions[newID] = session
	r.mu.Unlock()

	if err := r.store.RenameSession(oldID, newID); err != nil {
		log.Printf("cli: failed to rename session %s -> %s in storage: %v", oldID, newID, err)
	}
	log.Printf("cli: reconciled session id %s -> %s", oldID, newID)
}

// Get returns a snapshot of a session, or nil if unknown.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	snapshot := *session
	return &snapshot
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		snapshot := *session
		out = append(out, &snapshot)
	}
	return out
}

// Tail returns the buffered output tail for a session.
func (r *Registry) Tail(sessionID string) []string {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return session.runner.Tail()
}

// handleEvent updates activity tracking and forwards the event.
func (r *Registry) handleEvent(sessionID string, ev Event) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		session.LastActivityAt = r.timeNow()
		// Fresh output re-arms stall detection and revives a stalled
		// or completed session.
		session.stallAlerted = false
		switch session.State {
		case StateIdle, StateStalled:
			session.State = StateRunning
		}
		if ev.Type == EventResult && session.State == StateRunning {
			session.State = StateCompleted
		}
	}
	r.mu.Unlock()

	if r.OnEvent != nil {
		r.OnEvent(sessionID, ev)
	}
}

// handleExit records process death. An exit observed on a session not
// marked killed is unexpected and transitions to dead.
func (r *Registry) handleExit(sessionID string, err error) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	var state State
	if ok {
		if session.State != StateKilled {
			session.State = StateDead
			log.Printf("cli: session %s process died unexpectedly: %v", sessionID, err)
		}
		state = session.State
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if state == StateDead {
		r.persistState(sessionID, StateDead)
		err = relayerrors.ProcessDied(sessionID, err)
	}

	if r.OnExit != nil {
		r.OnExit(sessionID, state, err)
	}
}

// Remove drops a terminated session from the registry. The persistent
// history row survives for continuity lookups.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// persistState mirrors a state change into storage.
func (r *Registry) persistState(sessionID string, state State) {
	if err := r.store.UpdateSessionState(sessionID, string(state), r.timeNow()); err != nil {
		log.Printf("cli: failed to persist state %s for session %s: %v", state, sessionID, err)
	}
}
