// Package coordinator wires the device registry, message queue,
// payload builder, and CLI session registry into one state machine.
//
// All inbound user actions (hello, join, send, ack, primary handoffs,
// kill, clear) enter through Handle* methods, and all CLI output flows
// out through the queue and payload builder to the transport. The
// coordinator itself holds no durable state beyond in-flight wiring;
// everything durable lives in the component registries.
package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/coderelay/host/internal/cli"
	"github.com/coderelay/host/internal/device"
	relayerrors "github.com/coderelay/host/internal/errors"
	"github.com/coderelay/host/internal/payload"
	"github.com/coderelay/host/internal/queue"
)

// Sender delivers a protocol message to one connected device. The
// transport has no delivery guarantee; an error here only means the
// device is unreachable right now, and the queue keeps the message
// for the reconnect backlog.
type Sender interface {
	SendToDevice(deviceID, msgType string, payload interface{}) error
}

// Config assembles the coordinator's collaborators.
type Config struct {
	Project  string
	Devices  *device.Registry
	Sessions *cli.Registry
	Monitor  *cli.Monitor
	Queue    *queue.Queue
	Dedup    *queue.Detector
	Builder  *payload.Builder
	Sender   Sender

	// Tick intervals for the periodic sweeps. Zero values get sane
	// defaults.
	SweepInterval time.Duration
	EvictInterval time.Duration
	StallInterval time.Duration
}

// Coordinator is the top-level orchestrator.
type Coordinator struct {
	project  string
	devices  *device.Registry
	sessions *cli.Registry
	monitor  *cli.Monitor
	queue    *queue.Queue
	dedup    *queue.Detector
	builder  *payload.Builder
	sender   Sender

	sweepInterval time.Duration
	evictInterval time.Duration
	stallInterval time.Duration

	// lockMu guards sessionLocks; each session's delivery lock
	// serializes enqueue+fanout against join-time backlog flushes so
	// per-device FIFO holds across the join window.
	lockMu       sync.Mutex
	sessionLocks map[string]*sync.Mutex

	timeNow func() time.Time
}

// New wires a coordinator into its collaborators. The CLI registry's
// event and exit hooks and the monitor's stall hook are claimed here;
// nothing else should set them.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		project:       cfg.Project,
		devices:       cfg.Devices,
		sessions:      cfg.Sessions,
		monitor:       cfg.Monitor,
		queue:         cfg.Queue,
		dedup:         cfg.Dedup,
		builder:       cfg.Builder,
		sender:        cfg.Sender,
		sweepInterval: cfg.SweepInterval,
		evictInterval: cfg.EvictInterval,
		stallInterval: cfg.StallInterval,
		sessionLocks:  make(map[string]*sync.Mutex),
		timeNow:       time.Now,
	}

	if c.sweepInterval <= 0 {
		c.sweepInterval = time.Minute
	}
	if c.evictInterval <= 0 {
		c.evictInterval = 30 * time.Second
	}
	if c.stallInterval <= 0 {
		c.stallInterval = 30 * time.Second
	}

	c.sessions.OnEvent = c.handleCLIEvent
	c.sessions.OnExit = c.handleCLIExit
	if c.monitor != nil {
		c.monitor.OnStall = c.handleStall
	}

	return c
}

// SetSender binds the outbound transport. The server needs the
// coordinator at construction and vice versa; the sender side of that
// loop is resolved here, before any traffic flows.
func (c *Coordinator) SetSender(s Sender) {
	c.sender = s
}

// Run drives the periodic sweeps until the context is cancelled:
// queue TTL expiry, stale-device eviction, and stall checks. Each
// runs on its own timer so a slow one never delays the others, and
// none of them blocks message acceptance.
func (c *Coordinator) Run(ctx context.Context) {
	sweep := time.NewTicker(c.sweepInterval)
	evict := time.NewTicker(c.evictInterval)
	stall := time.NewTicker(c.stallInterval)
	defer sweep.Stop()
	defer evict.Stop()
	defer stall.Stop()

	log.Printf("coordinator: periodic sweeps running (ttl %s, evict %s, stall %s)",
		c.sweepInterval, c.evictInterval, c.stallInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("coordinator: stopping periodic sweeps")
			return
		case now := <-sweep.C:
			c.queue.Sweep(now)
		case now := <-evict.C:
			c.evictStale(now)
		case now := <-stall.C:
			if c.monitor != nil {
				c.monitor.CheckAll(now)
			}
		}
	}
}

// HandleHello registers a device as present and alive.
func (c *Coordinator) HandleHello(deviceID string) {
	c.devices.Register(deviceID)
}

// HandleJoin attaches a device to a session, electing it primary if
// the session has none. An empty sessionID joins the host project's
// session, spawning the CLI on first use. After the join reply the
// device receives its undelivered backlog in FIFO order.
func (c *Coordinator) HandleJoin(deviceID, sessionID string) (SessionJoinedPayload, error) {
	if sessionID == "" {
		session, err := c.sessions.EnsureSession(c.project)
		if err != nil {
			return SessionJoinedPayload{}, err
		}
		sessionID = session.ID
	}

	// Attach and flush under the session's delivery lock: a message
	// enqueued by the runner in this window is either fanned out before
	// the device is active (and arrives via the backlog flush) or after
	// the flush completes. Either way the device sees FIFO order.
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	result := c.devices.Join(sessionID, deviceID)

	reply := SessionJoinedPayload{
		SessionID:       sessionID,
		IsPrimary:       result.IsPrimary,
		PrimaryDeviceID: result.PrimaryDeviceID,
		ActiveDevices:   result.ActiveDevices,
	}

	// Backlog flush: everything this device has not acked yet.
	c.deliverBacklog(sessionID, deviceID)

	return reply, nil
}

// HandleSend accepts a user message: only from the session's primary
// device, and only once per fingerprint within the dedup window.
// Accepted content goes to the CLI's stdin.
func (c *Coordinator) HandleSend(deviceID, sessionID, content string) error {
	c.devices.Touch(deviceID)

	primary := c.devices.Primary(sessionID)
	if primary == "" {
		return relayerrors.NoPrimary(sessionID)
	}
	if primary != deviceID {
		return relayerrors.NotPrimary(sessionID, deviceID)
	}

	fp := c.dedup.Fingerprint(sessionID, content, c.timeNow())
	if !c.dedup.CheckAndRecord(fp) {
		return relayerrors.DuplicateSend(sessionID)
	}

	return c.sessions.Send(sessionID, content)
}

// HandleAck records delivery acknowledgements from a device.
func (c *Coordinator) HandleAck(deviceID string, messageIDs []string) {
	c.devices.Touch(deviceID)
	c.queue.MarkDelivered(messageIDs, deviceID)
}

// HandleRequestPrimary processes a device's request for the primary
// role. With no current primary the claim commits immediately and all
// devices hear about it. Otherwise a two-phase transfer starts: the
// requester is told a handoff is pending and must ack before the old
// primary is demoted.
func (c *Coordinator) HandleRequestPrimary(deviceID, sessionID string) error {
	c.devices.Touch(deviceID)

	current := c.devices.Primary(sessionID)
	if current == "" {
		if err := c.devices.ClaimPrimary(sessionID, deviceID); err != nil {
			return err
		}
		c.broadcast(sessionID, MsgPrimaryChanged, PrimaryChangedPayload{
			SessionID:          sessionID,
			NewPrimaryDeviceID: deviceID,
		})
		return nil
	}
	if current == deviceID {
		return nil
	}

	if err := c.devices.RequestTransfer(sessionID, current, deviceID); err != nil {
		return err
	}

	c.send(deviceID, MsgPrimaryPending, PrimaryPendingPayload{
		SessionID:    sessionID,
		FromDeviceID: current,
	})
	return nil
}

// HandleAckPrimary commits a pending transfer. Only now is the old
// primary demoted; every active device learns the new primary.
func (c *Coordinator) HandleAckPrimary(deviceID, sessionID string) error {
	c.devices.Touch(deviceID)

	newPrimary, err := c.devices.AckTransfer(sessionID, deviceID)
	if err != nil {
		return err
	}

	c.broadcast(sessionID, MsgPrimaryChanged, PrimaryChangedPayload{
		SessionID:          sessionID,
		NewPrimaryDeviceID: newPrimary,
	})
	return nil
}

// HandleKill terminates a session's CLI process on user request. The
// terminated broadcast and cleanup run from the exit path once the
// process is actually gone.
func (c *Coordinator) HandleKill(deviceID, sessionID, reason string) error {
	c.devices.Touch(deviceID)
	if reason == "" {
		reason = "killed"
	}
	return c.sessions.Kill(sessionID, reason)
}

// HandleClear drops the session's queued messages. Device registry
// state is untouched.
func (c *Coordinator) HandleClear(deviceID, sessionID string) {
	c.devices.Touch(deviceID)
	c.queue.ClearSession(sessionID)
}

// HandleDisconnect detaches a device from every session when its
// connection drops. Without this the device would linger in active
// sets until the silence sweep, and every CLI message would burn the
// full delivery-retry window against a dead connection. Remaining
// devices are told immediately when the departed device was primary.
func (c *Coordinator) HandleDisconnect(deviceID string) {
	for _, ev := range c.devices.LeaveAll(deviceID) {
		if !ev.WasPrimary {
			continue
		}
		c.broadcast(ev.SessionID, MsgPrimaryChanged, PrimaryChangedPayload{
			SessionID:          ev.SessionID,
			NewPrimaryDeviceID: "",
		})
	}
}

// Fetch returns the full content for a message, for the pull path
// when a notification was degraded to requiresFetch. Returns a
// not-found error for expired or unknown messages.
func (c *Coordinator) Fetch(messageID string) (*queue.Message, error) {
	msg := c.queue.Get(messageID)
	if msg == nil {
		return nil, relayerrors.MessageNotFound(messageID)
	}
	return msg, nil
}

// TouchDevice refreshes liveness on any inbound traffic, including
// heartbeats.
func (c *Coordinator) TouchDevice(deviceID string) {
	c.devices.Touch(deviceID)
}

// handleCLIEvent consumes the CLI's structured output stream.
func (c *Coordinator) handleCLIEvent(sessionID string, ev cli.Event) {
	switch ev.Type {
	case cli.EventInit:
		// The CLI's own session identifier is authoritative:
		// reconcile the provisional id everywhere.
		if ev.SessionID != "" && ev.SessionID != sessionID {
			c.sessions.Rename(sessionID, ev.SessionID)
			c.queue.RenameSession(sessionID, ev.SessionID)
			c.devices.RenameSession(sessionID, ev.SessionID)
			c.renameSessionLock(sessionID, ev.SessionID)
			log.Printf("coordinator: session %s now known as %s", sessionID, ev.SessionID)
		}

	case cli.EventMessage:
		if ev.Text == "" {
			return
		}
		// Delivery happens inline on the session's single output
		// goroutine, which preserves per-session FIFO without extra
		// sequencing machinery. The delivery lock keeps a join-time
		// backlog flush from interleaving with this fanout.
		lock := c.sessionLock(sessionID)
		lock.Lock()
		defer lock.Unlock()

		id := c.queue.Enqueue(sessionID, ev.Text, 0)
		msg := c.queue.Get(id)
		if msg == nil {
			return
		}
		for _, deviceID := range c.devices.ActiveDevices(sessionID) {
			c.deliver(deviceID, msg)
		}

	case cli.EventResult:
		// Turn boundary; state handled by the session registry.
	}
}

// handleCLIExit runs when a session's process is gone for any reason.
// Pending output is flushed to every attached device, followed by the
// terminal notice, then the coordination bookkeeping is released. The
// queued messages themselves stay until the TTL sweep so a degraded
// notification delivered just before termination can still be fetched.
func (c *Coordinator) handleCLIExit(sessionID string, state cli.State, err error) {
	reason := "killed"
	if state == cli.StateDead {
		reason = "process_died"
		log.Printf("coordinator: session %s died: %v", sessionID, err)
	}

	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	active := c.devices.ActiveDevices(sessionID)
	for _, deviceID := range active {
		c.deliverBacklog(sessionID, deviceID)
		c.send(deviceID, MsgSessionTerminated, SessionTerminatedPayload{
			SessionID: sessionID,
			Reason:    reason,
		})
	}

	c.devices.ReleaseSession(sessionID)
	c.sessions.Remove(sessionID)
}

// handleStall forwards a stall alert to every attached device.
func (c *Coordinator) handleStall(alert cli.StallAlert) {
	c.broadcast(alert.SessionID, MsgSessionStall, StallPayload{
		SessionID:        alert.SessionID,
		SilentForSeconds: int64(alert.SilentFor.Seconds()),
		LastActivity:     alert.LastActivity.UnixMilli(),
	})
}

// evictStale sweeps silent devices and tells the survivors when a
// session lost its primary.
func (c *Coordinator) evictStale(now time.Time) {
	for _, ev := range c.devices.EvictStale(now) {
		if !ev.WasPrimary {
			continue
		}
		c.broadcast(ev.SessionID, MsgPrimaryChanged, PrimaryChangedPayload{
			SessionID:          ev.SessionID,
			NewPrimaryDeviceID: "",
		})
	}
}

// sessionLock returns the delivery lock for a session, creating it
// lazily. Held around enqueue+fanout, join-time backlog flushes, and
// the exit flush so each device observes per-session FIFO.
func (c *Coordinator) sessionLock(sessionID string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	lock, ok := c.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.sessionLocks[sessionID] = lock
	}
	return lock
}

// renameSessionLock re-keys a session's delivery lock on id
// reconciliation.
func (c *Coordinator) renameSessionLock(oldID, newID string) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	if lock, ok := c.sessionLocks[oldID]; ok {
		delete(c.sessionLocks, oldID)
		c.sessionLocks[newID] = lock
	}
}

// deliverBacklog pushes every undelivered message for a device, oldest
// first.
func (c *Coordinator) deliverBacklog(sessionID, deviceID string) {
	for _, msg := range c.queue.UndeliveredFor(sessionID, deviceID) {
		c.deliver(deviceID, msg)
	}
}

// deliver builds the size-limited notification for one message and
// sends it, retrying briefly with exponential backoff for transient
// transport failures. A message that still cannot be sent stays in
// the queue for the next backlog flush.
func (c *Coordinator) deliver(deviceID string, msg *queue.Message) {
	_, data, err := c.builder.Build(msg)
	if err != nil {
		log.Printf("coordinator: failed to build payload for message %s: %v", msg.ID, err)
		return
	}

	op := func() error {
		return c.sender.SendToDevice(deviceID, MsgChatMessage, json.RawMessage(data))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second

	if err := backoff.Retry(op, bo); err != nil {
		log.Printf("coordinator: could not deliver message %s to device %s: %v", msg.ID, deviceID, err)
	}
}

// send delivers one protocol message to one device, logging failures.
func (c *Coordinator) send(deviceID, msgType string, p interface{}) {
	if err := c.sender.SendToDevice(deviceID, msgType, p); err != nil {
		log.Printf("coordinator: send %s to device %s failed: %v", msgType, deviceID, err)
	}
}

// broadcast sends one protocol message to every device attached to a
// session.
func (c *Coordinator) broadcast(sessionID, msgType string, p interface{}) {
	for _, deviceID := range c.devices.ActiveDevices(sessionID) {
		c.send(deviceID, msgType, p)
	}
}
