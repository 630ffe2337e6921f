package cli

import (
	"testing"
	"time"

	"github.com/coderelay/host/internal/storage"
)

// noopStore satisfies SessionStore for tests that never hit storage.
type noopStore struct{}

func (noopStore) SaveSession(*storage.Session) error                          { return nil }
func (noopStore) UpdateSessionState(string, string, time.Time) error          { return nil }
func (noopStore) RenameSession(string, string) error                          { return nil }
func (noopStore) LatestSessionForProject(string) (*storage.Session, error)    { return nil, nil }

// plantSession inserts a synthetic running session backed by a runner
// that looks alive without a real subprocess.
func plantSession(r *Registry, id string, lastActivity time.Time) *Session {
	session := &Session{
		ID:             id,
		Project:        "/p",
		State:          StateRunning,
		StartedAt:      lastActivity,
		LastActivityAt: lastActivity,
		runner: &Runner{
			sessionID:  id,
			running:    true,
			buffer:     NewRingBuffer(0),
			done:       make(chan struct{}),
			outputDone: make(chan struct{}),
		},
	}
	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()
	return session
}

func TestStallAlertOncePerEpisode(t *testing.T) {
	r := NewRegistry(noopStore{}, "true", nil)
	now := time.Now()
	r.timeNow = func() time.Time { return now }

	plantSession(r, "s1", now)

	var alerts []StallAlert
	m := NewMonitor(r, 2*time.Minute, 0)
	m.OnStall = func(a StallAlert) { alerts = append(alerts, a) }

	// Below threshold: nothing.
	m.CheckAll(now.Add(time.Minute))
	if len(alerts) != 0 {
		t.Fatalf("alert before threshold: %v", alerts)
	}

	// Past threshold: exactly one alert.
	m.CheckAll(now.Add(2*time.Minute + time.Second))
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].SessionID != "s1" {
		t.Errorf("alert session = %q, want s1", alerts[0].SessionID)
	}
	if alerts[0].SilentFor <= 2*time.Minute {
		t.Errorf("SilentFor = %v, want > threshold", alerts[0].SilentFor)
	}

	// Still quiet: same episode, no second alert.
	m.CheckAll(now.Add(10 * time.Minute))
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts after repeat check, want 1 (single alert per episode)", len(alerts))
	}

	// The process was not killed.
	if got := r.Get("s1").State; got != StateStalled {
		t.Errorf("state = %q, want stalled (not killed)", got)
	}
}

func TestStallRearmsAfterFreshOutput(t *testing.T) {
	r := NewRegistry(noopStore{}, "true", nil)
	now := time.Now()
	r.timeNow = func() time.Time { return now }

	plantSession(r, "s1", now)

	var alerts int
	m := NewMonitor(r, 2*time.Minute, 0)
	m.OnStall = func(StallAlert) { alerts++ }

	m.CheckAll(now.Add(3 * time.Minute))
	if alerts != 1 {
		t.Fatalf("got %d alerts, want 1", alerts)
	}

	// Fresh output ends the quiet episode.
	now = now.Add(4 * time.Minute)
	r.handleEvent("s1", Event{Type: EventMessage, Text: "progress"})
	if got := r.Get("s1").State; got != StateRunning {
		t.Errorf("state after output = %q, want running", got)
	}

	// A new quiet episode produces a new alert.
	m.CheckAll(now.Add(3 * time.Minute))
	if alerts != 2 {
		t.Errorf("got %d alerts, want 2 after re-arm", alerts)
	}
}

func TestAutoKillAfterRepeatedStalls(t *testing.T) {
	r := NewRegistry(noopStore{}, "true", nil)
	now := time.Now()
	r.timeNow = func() time.Time { return now }

	plantSession(r, "s1", now)

	m := NewMonitor(r, time.Minute, 2)
	m.OnStall = func(StallAlert) {}

	// First stall: alerted, not killed.
	m.CheckAll(now.Add(2 * time.Minute))
	if got := r.Get("s1").State; got != StateStalled {
		t.Fatalf("state after first stall = %q, want stalled", got)
	}

	// Output revives, then a second stall trips the policy.
	now = now.Add(3 * time.Minute)
	r.handleEvent("s1", Event{Type: EventMessage, Text: "brief sign of life"})
	m.CheckAll(now.Add(2 * time.Minute))

	if got := r.Get("s1").State; got != StateKilled {
		t.Errorf("state after second stall = %q, want killed (auto-kill threshold 2)", got)
	}
}

func TestAutoKillDisabledByDefault(t *testing.T) {
	r := NewRegistry(noopStore{}, "true", nil)
	now := time.Now()
	r.timeNow = func() time.Time { return now }

	plantSession(r, "s1", now)

	m := NewMonitor(r, time.Minute, 0)
	m.OnStall = func(StallAlert) {}

	for i := 0; i < 5; i++ {
		m.CheckAll(now.Add(time.Duration(i+2) * time.Minute))
		now = now.Add(5 * time.Minute)
		r.handleEvent("s1", Event{Type: EventMessage})
	}

	if got := r.Get("s1").State; got == StateKilled {
		t.Error("session killed with auto-kill disabled")
	}
}

func TestMonitorSkipsIdleSessions(t *testing.T) {
	r := NewRegistry(noopStore{}, "true", nil)
	now := time.Now()
	r.timeNow = func() time.Time { return now }

	session := plantSession(r, "s1", now.Add(-time.Hour))
	session.State = StateIdle

	var alerts int
	m := NewMonitor(r, time.Minute, 0)
	m.OnStall = func(StallAlert) { alerts++ }

	m.CheckAll(now)
	if alerts != 0 {
		t.Errorf("idle session raised %d stall alerts, want 0", alerts)
	}
}
