package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"unicode/utf8"

	// Third-party library for pseudo-terminals. Running the CLI under
	// a PTY makes it behave as it would in a real terminal, which some
	// assistants require before they enable streaming output.
	"github.com/creack/pty"
)

// Runner owns one CLI subprocess attached to a PTY.
//
// A PTY is a master/slave pair of virtual terminal devices: the CLI
// runs attached to the slave side, while the runner reads its output
// and writes user input through the master. Two goroutines service the
// process: one captures and parses output, one waits for exit.
type Runner struct {
	// sessionID is the session this process serves. It starts as the
	// provisional id and is updated when the CLI announces its own.
	sessionID string

	cmd  *exec.Cmd
	ptmx *os.File

	// buffer keeps the tail of raw output for diagnostics.
	buffer *RingBuffer

	// done is closed when the process has exited and cleanup finished.
	done chan struct{}

	// outputDone is closed when output capture finishes.
	outputDone chan struct{}

	mu      sync.Mutex
	running bool
	err     error

	// onEvent receives each structured event parsed from the output
	// stream, tagged with the runner's current session id.
	onEvent func(sessionID string, ev Event)

	// onExit is invoked once after the process exits, with the error
	// from Wait (nil for a clean exit).
	onExit func(sessionID string, err error)
}

// RunnerConfig holds everything needed to spawn a CLI process.
type RunnerConfig struct {
	SessionID string // Provisional session id.
	Project   string // Working directory for the CLI.
	Command   string // CLI binary, e.g. "claude".
	Args      []string

	// ResumeID, when non-empty, is the prior session id handed to the
	// CLI so the conversation continues across process restarts.
	ResumeID string

	HistoryLines int

	OnEvent func(sessionID string, ev Event)
	OnExit  func(sessionID string, err error)
}

// NewRunner allocates a runner. Call Start to spawn the process.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		sessionID:  cfg.SessionID,
		buffer:     NewRingBuffer(cfg.HistoryLines),
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
		onEvent:    cfg.OnEvent,
		onExit:     cfg.OnExit,
	}
}

// Start spawns the CLI in a PTY and launches the service goroutines.
func (r *Runner) Start(cfg RunnerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("runner already started")
	}

	args := append([]string(nil), cfg.Args...)
	if cfg.ResumeID != "" {
		args = append(args, "--resume", cfg.ResumeID)
	}

	r.cmd = exec.Command(cfg.Command, args...)
	r.cmd.Dir = cfg.Project

	ptmx, err := pty.Start(r.cmd)
	if err != nil {
		return fmt.Errorf("start PTY: %w", err)
	}

	r.ptmx = ptmx
	r.running = true

	go r.captureOutput()
	go r.waitForExit()

	return nil
}

// SessionID returns the runner's current session id.
func (r *Runner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// SetSessionID updates the session id after reconciliation with the
// CLI-issued one. Subsequent events carry the new id.
func (r *Runner) SetSessionID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = id
}

// Write sends user input to the CLI's stdin.
func (r *Runner) Write(p []byte) (int, error) {
	r.mu.Lock()
	ptmx := r.ptmx
	r.mu.Unlock()

	if ptmx == nil {
		return 0, fmt.Errorf("runner not started")
	}
	return ptmx.Write(p)
}

// Interrupt sends SIGINT to the process, asking it to wind down.
func (r *Runner) Interrupt() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.cmd.Process == nil || !r.running {
		return fmt.Errorf("runner not running")
	}
	return r.cmd.Process.Signal(syscall.SIGINT)
}

// Kill forcefully terminates the process and closes the PTY.
// Safe to call when already stopped.
func (r *Runner) Kill() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	if r.ptmx != nil {
		r.ptmx.Close()
		r.ptmx = nil
	}
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	return nil
}

// Done returns a channel closed when the process has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// IsRunning reports whether the process is still alive.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Tail returns the buffered tail of raw output lines.
func (r *Runner) Tail() []string {
	return r.buffer.Lines()
}

// Err returns any error recorded during output capture.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// captureOutput reads PTY output in chunks, buffers complete lines,
// and emits parsed events. Runs in its own goroutine.
//
// The PTY delivers arbitrary byte chunks, not lines, so partial lines
// are accumulated until their newline arrives.
func (r *Runner) captureOutput() {
	defer close(r.outputDone)

	r.mu.Lock()
	ptmx := r.ptmx
	r.mu.Unlock()

	if ptmx == nil {
		return
	}

	buf := make([]byte, 4096)
	var pending strings.Builder

	for {
		n, err := ptmx.Read(buf)

		if n > 0 {
			// The stream can contain invalid UTF-8 (binary escape
			// sequences); sanitize before it reaches JSON parsing or
			// the WebSocket layer.
			chunk := sanitizeUTF8(string(buf[:n]))
			r.consumeLines(chunk, &pending)
		}

		if err != nil {
			if pending.Len() > 0 {
				r.handleLine(pending.String())
			}
			if err != io.EOF {
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
			}
			return
		}
	}
}

// consumeLines splits a chunk into complete lines, carrying partial
// trailing data over to the next chunk.
func (r *Runner) consumeLines(chunk string, pending *strings.Builder) {
	if pending.Len() > 0 {
		chunk = pending.String() + chunk
		pending.Reset()
	}

	for {
		idx := strings.Index(chunk, "\n")
		if idx == -1 {
			pending.WriteString(chunk)
			return
		}
		r.handleLine(chunk[:idx])
		chunk = chunk[idx+1:]
	}
}

// handleLine buffers a raw line and emits it as an event if it parses.
func (r *Runner) handleLine(line string) {
	r.buffer.Write(line)

	ev, ok := ParseLine(line)
	if !ok {
		return
	}
	if r.onEvent != nil {
		r.onEvent(r.SessionID(), ev)
	}
}

// waitForExit waits for the process, cleans up, and reports the exit.
// Runs in its own goroutine.
func (r *Runner) waitForExit() {
	var waitErr error
	if r.cmd != nil && r.cmd.Process != nil {
		waitErr = r.cmd.Wait()
	}

	<-r.outputDone

	r.mu.Lock()
	r.running = false
	if r.ptmx != nil {
		r.ptmx.Close()
		r.ptmx = nil
	}
	onExit := r.onExit
	sessionID := r.sessionID
	r.mu.Unlock()

	close(r.done)

	if onExit != nil {
		onExit(sessionID, waitErr)
	}
}

// sanitizeUTF8 replaces invalid byte sequences with the Unicode
// replacement character. JSON requires valid UTF-8, and raw terminal
// output offers no such guarantee.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	result := make([]rune, 0, len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		result = append(result, r)
		s = s[size:]
	}
	return string(result)
}
