package device

import (
	"testing"
	"time"

	relayerrors "github.com/coderelay/host/internal/errors"
)

func newTestRegistry() (*Registry, *time.Time) {
	now := time.Now()
	r := NewRegistry(5 * time.Minute)
	r.timeNow = func() time.Time { return now }
	return r, &now
}

func TestFirstJoinBecomesPrimary(t *testing.T) {
	r, _ := newTestRegistry()

	result := r.Join("s1", "A")
	if !result.IsPrimary {
		t.Error("first device to join should be primary")
	}
	if result.PrimaryDeviceID != "A" {
		t.Errorf("PrimaryDeviceID = %q, want A", result.PrimaryDeviceID)
	}
	if len(result.ActiveDevices) != 1 || result.ActiveDevices[0] != "A" {
		t.Errorf("ActiveDevices = %v, want [A]", result.ActiveDevices)
	}
}

func TestSecondJoinIsSecondary(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	result := r.Join("s1", "B")

	if result.IsPrimary {
		t.Error("second device should not be primary")
	}
	if result.PrimaryDeviceID != "A" {
		t.Errorf("PrimaryDeviceID = %q, want A", result.PrimaryDeviceID)
	}
	if len(result.ActiveDevices) != 2 {
		t.Errorf("ActiveDevices = %v, want two devices", result.ActiveDevices)
	}
}

func TestRejoinKeepsPrimary(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	result := r.Join("s1", "A")
	if !result.IsPrimary {
		t.Error("primary rejoining should stay primary")
	}
}

func TestTwoPhaseTransfer(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")

	if err := r.RequestTransfer("s1", "A", "B"); err != nil {
		t.Fatalf("RequestTransfer failed: %v", err)
	}

	// A stays primary until B acks.
	if got := r.Primary("s1"); got != "A" {
		t.Errorf("Primary after request = %q, want A (ack-gated commit)", got)
	}
	if !r.IsPrimary("s1", "A") {
		t.Error("A should still be primary before ack")
	}

	newPrimary, err := r.AckTransfer("s1", "B")
	if err != nil {
		t.Fatalf("AckTransfer failed: %v", err)
	}
	if newPrimary != "B" {
		t.Errorf("newPrimary = %q, want B", newPrimary)
	}
	if got := r.Primary("s1"); got != "B" {
		t.Errorf("Primary after ack = %q, want B", got)
	}
	if r.IsPrimary("s1", "A") {
		t.Error("A should be secondary after ack")
	}
}

func TestTransferFromNonPrimaryRejected(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")

	err := r.RequestTransfer("s1", "B", "A")
	if !relayerrors.IsCode(err, relayerrors.CodeDeviceNotPrimary) {
		t.Errorf("transfer from secondary = %v, want %s", err, relayerrors.CodeDeviceNotPrimary)
	}
}

func TestTransferToUnattachedRejected(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")

	err := r.RequestTransfer("s1", "A", "ghost")
	if !relayerrors.IsCode(err, relayerrors.CodeDeviceNotFound) {
		t.Errorf("transfer to unattached device = %v, want %s", err, relayerrors.CodeDeviceNotFound)
	}
}

func TestAckWithoutPendingIsRejectedNoOp(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")

	_, err := r.AckTransfer("s1", "B")
	if !relayerrors.IsCode(err, relayerrors.CodeTransferInvalid) {
		t.Errorf("ack without pending = %v, want %s", err, relayerrors.CodeTransferInvalid)
	}
	if got := r.Primary("s1"); got != "A" {
		t.Errorf("Primary after bad ack = %q, want A (no-op)", got)
	}
}

func TestAckFromWrongDeviceRejected(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")
	r.Join("s1", "C")
	r.RequestTransfer("s1", "A", "B")

	if _, err := r.AckTransfer("s1", "C"); !relayerrors.IsCode(err, relayerrors.CodeTransferInvalid) {
		t.Errorf("ack from wrong device = %v, want %s", err, relayerrors.CodeTransferInvalid)
	}

	// The pending transfer to B must survive the bad ack.
	if newPrimary, err := r.AckTransfer("s1", "B"); err != nil || newPrimary != "B" {
		t.Errorf("legit ack after bad ack = (%q, %v), want (B, nil)", newPrimary, err)
	}
}

func TestEvictStalePrimaryLeavesNoPrimary(t *testing.T) {
	r, now := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")

	// B stays fresh, A goes silent past the threshold.
	*now = now.Add(4 * time.Minute)
	r.Touch("B")
	*now = now.Add(2 * time.Minute)

	evictions := r.EvictStale(*now)
	if len(evictions) != 1 {
		t.Fatalf("evictions = %v, want exactly one", evictions)
	}
	ev := evictions[0]
	if ev.DeviceID != "A" || ev.SessionID != "s1" || !ev.WasPrimary {
		t.Errorf("eviction = %+v, want primary A from s1", ev)
	}

	if got := r.Primary("s1"); got != "" {
		t.Errorf("Primary after primary eviction = %q, want none", got)
	}

	active := r.ActiveDevices("s1")
	if len(active) != 1 || active[0] != "B" {
		t.Errorf("ActiveDevices = %v, want [B]", active)
	}
}

func TestClaimPrimaryAfterEviction(t *testing.T) {
	r, now := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")
	*now = now.Add(4 * time.Minute)
	r.Touch("B")
	*now = now.Add(2 * time.Minute)
	r.EvictStale(*now)

	if err := r.ClaimPrimary("s1", "B"); err != nil {
		t.Fatalf("ClaimPrimary failed: %v", err)
	}
	if got := r.Primary("s1"); got != "B" {
		t.Errorf("Primary = %q, want B", got)
	}
}

func TestClaimPrimaryWhenPrimaryExists(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")

	if err := r.ClaimPrimary("s1", "B"); err == nil {
		t.Error("claim with existing primary should be rejected")
	}
	// Claiming the role you already hold is a no-op, not an error.
	if err := r.ClaimPrimary("s1", "A"); err != nil {
		t.Errorf("primary re-claiming itself = %v, want nil", err)
	}
}

func TestEvictionCancelsPendingTransfer(t *testing.T) {
	r, now := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")
	r.RequestTransfer("s1", "A", "B")

	// B goes silent before acking.
	*now = now.Add(4 * time.Minute)
	r.Touch("A")
	*now = now.Add(2 * time.Minute)
	r.EvictStale(*now)

	if _, err := r.AckTransfer("s1", "B"); !relayerrors.IsCode(err, relayerrors.CodeTransferInvalid) {
		t.Errorf("ack after target evicted = %v, want %s", err, relayerrors.CodeTransferInvalid)
	}
	if got := r.Primary("s1"); got != "A" {
		t.Errorf("Primary = %q, want A unchanged", got)
	}
}

func TestJoinAfterPrimaryDisconnect(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")
	r.LeaveAll("A")

	if got := r.Primary("s1"); got != "" {
		t.Errorf("Primary after disconnect = %q, want none", got)
	}

	// Next join takes primary since none exists.
	result := r.Join("s1", "C")
	if !result.IsPrimary {
		t.Error("join into primaryless session should elect the joiner")
	}
}

func TestLeaveAllDetachesEverySession(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")
	r.Join("s2", "A")

	evictions := r.LeaveAll("A")
	if len(evictions) != 2 {
		t.Fatalf("evictions = %+v, want one per session", evictions)
	}
	for _, ev := range evictions {
		if ev.DeviceID != "A" {
			t.Errorf("eviction for %q, want A", ev.DeviceID)
		}
		if !ev.WasPrimary {
			t.Errorf("A was primary in %s, eviction says otherwise", ev.SessionID)
		}
	}

	if got := r.ActiveDevices("s1"); len(got) != 1 || got[0] != "B" {
		t.Errorf("s1 active = %v, want [B]", got)
	}
	if got := r.Primary("s1"); got != "" {
		t.Errorf("s1 primary = %q, want none", got)
	}
	if got := r.ActiveDevices("s2"); len(got) != 0 {
		t.Errorf("s2 active = %v, want empty", got)
	}
}

func TestLeaveAllUnattachedDevice(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	if evictions := r.LeaveAll("ghost"); evictions != nil {
		t.Errorf("LeaveAll(ghost) = %+v, want nil", evictions)
	}
	if got := r.Primary("s1"); got != "A" {
		t.Errorf("s1 primary = %q, want A untouched", got)
	}
}

func TestLeaveAllCancelsPendingTransfer(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s1", "B")
	if err := r.RequestTransfer("s1", "A", "B"); err != nil {
		t.Fatalf("RequestTransfer failed: %v", err)
	}

	r.LeaveAll("B")

	// The in-flight handoff died with its target; A keeps the role and
	// a stray ack changes nothing.
	if got := r.Primary("s1"); got != "A" {
		t.Errorf("primary = %q, want A", got)
	}
	if _, err := r.AckTransfer("s1", "B"); !relayerrors.IsCode(err, relayerrors.CodeTransferInvalid) {
		t.Errorf("ack after target left = %v, want %s", err, relayerrors.CodeTransferInvalid)
	}
}

func TestReleaseSession(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("s1", "A")
	r.ReleaseSession("s1")

	if got := r.Primary("s1"); got != "" {
		t.Errorf("Primary after release = %q, want none", got)
	}
	if got := r.ActiveDevices("s1"); got != nil {
		t.Errorf("ActiveDevices after release = %v, want nil", got)
	}

	// Releasing an unknown session is a no-op.
	r.ReleaseSession("missing")
}

func TestRenameSession(t *testing.T) {
	r, _ := newTestRegistry()

	r.Join("provisional", "A")
	r.RenameSession("provisional", "real")

	if got := r.Primary("real"); got != "A" {
		t.Errorf("Primary under new id = %q, want A", got)
	}
	if got := r.Primary("provisional"); got != "" {
		t.Errorf("Primary under old id = %q, want none", got)
	}
}

func TestEvictionSpansSessions(t *testing.T) {
	r, now := newTestRegistry()

	r.Join("s1", "A")
	r.Join("s2", "A")
	r.Join("s2", "B")
	*now = now.Add(4 * time.Minute)
	r.Touch("B")
	*now = now.Add(2 * time.Minute)

	evictions := r.EvictStale(*now)
	if len(evictions) != 2 {
		t.Fatalf("evictions = %v, want A removed from both sessions", evictions)
	}
	for _, ev := range evictions {
		if ev.DeviceID != "A" {
			t.Errorf("unexpected eviction %+v", ev)
		}
	}
}
