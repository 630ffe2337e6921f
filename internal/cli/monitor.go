package cli

import (
	"log"
	"time"
)

// StallAlert reports a session whose CLI process is alive but has
// produced no output past the stall threshold.
type StallAlert struct {
	SessionID    string
	SilentFor    time.Duration
	LastActivity time.Time
}

// Monitor watches live sessions for stalls. It runs off a periodic
// tick driven by the coordinator; it never kills a process on its own
// unless the auto-kill policy is enabled.
type Monitor struct {
	registry *Registry

	// threshold is the silence duration that counts as a stall.
	threshold time.Duration

	// autoKillStalls kills a session after this many stall episodes.
	// Zero disables auto-kill, which is the default: acceptable
	// silence is workload-dependent and a long codebase scan is not
	// a hang.
	autoKillStalls int

	// OnStall is invoked once per quiet episode per session.
	OnStall func(alert StallAlert)
}

// NewMonitor creates a stall monitor over the registry.
func NewMonitor(registry *Registry, threshold time.Duration, autoKillStalls int) *Monitor {
	return &Monitor{
		registry:       registry,
		threshold:      threshold,
		autoKillStalls: autoKillStalls,
	}
}

// CheckAll scans every live session and emits at most one stall alert
// per quiet episode. A session that resumes producing output re-arms
// its alert. Dead and killed sessions are skipped; process death is
// reported through the exit path, not here.
func (m *Monitor) CheckAll(now time.Time) {
	r := m.registry

	r.mu.Lock()
	var alerts []StallAlert
	var toKill []string
	for _, session := range r.sessions {
		if session.State != StateRunning {
			continue
		}
		if !session.runner.IsRunning() {
			// Exit handling owns this transition.
			continue
		}

		silentFor := now.Sub(session.LastActivityAt)
		if silentFor <= m.threshold || session.stallAlerted {
			continue
		}

		session.stallAlerted = true
		session.stallCount++
		session.State = StateStalled

		alerts = append(alerts, StallAlert{
			SessionID:    session.ID,
			SilentFor:    silentFor,
			LastActivity: session.LastActivityAt,
		})

		if m.autoKillStalls > 0 && session.stallCount >= m.autoKillStalls {
			toKill = append(toKill, session.ID)
		}
	}
	r.mu.Unlock()

	for _, alert := range alerts {
		log.Printf("cli: session %s stalled (silent for %s)", alert.SessionID, alert.SilentFor.Round(time.Second))
		if m.OnStall != nil {
			m.OnStall(alert)
		}
	}

	for _, sessionID := range toKill {
		log.Printf("cli: auto-killing session %s after %d stalls", sessionID, m.autoKillStalls)
		if err := r.Kill(sessionID, "auto-kill after repeated stalls"); err != nil {
			log.Printf("cli: auto-kill of session %s failed: %v", sessionID, err)
		}
	}
}
