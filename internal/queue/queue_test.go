package queue

import (
	"testing"
	"time"
)

// fixedDevices returns an ActiveDevicesFunc backed by a mutable slice.
func fixedDevices(devices *[]string) ActiveDevicesFunc {
	return func(string) []string { return *devices }
}

func newTestQueue(devices *[]string) (*Queue, *time.Time) {
	now := time.Now()
	q := New(time.Hour, fixedDevices(devices))
	q.timeNow = func() time.Time { return now }
	return q, &now
}

func TestEnqueueAndUndeliveredFIFO(t *testing.T) {
	devices := []string{"A"}
	q, _ := newTestQueue(&devices)

	id1 := q.Enqueue("s1", "first", 0)
	id2 := q.Enqueue("s1", "second", 0)
	id3 := q.Enqueue("s1", "third", 0)

	msgs := q.UndeliveredFor("s1", "A")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].ID != id1 || msgs[1].ID != id2 || msgs[2].ID != id3 {
		t.Errorf("order = [%s %s %s], want enqueue order", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
	if msgs[0].Content != "first" {
		t.Errorf("Content = %q, want first", msgs[0].Content)
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	devices := []string{"A", "B"}
	q, _ := newTestQueue(&devices)

	id := q.Enqueue("s1", "hello", 0)

	q.MarkDelivered([]string{id}, "A")
	q.MarkDelivered([]string{id}, "A") // repeat ack is a no-op

	if msgs := q.UndeliveredFor("s1", "A"); len(msgs) != 0 {
		t.Errorf("undelivered for A after ack = %d, want 0", len(msgs))
	}
	if msgs := q.UndeliveredFor("s1", "B"); len(msgs) != 1 {
		t.Errorf("undelivered for B = %d, want 1", len(msgs))
	}

	// Unknown message ids are ignored.
	q.MarkDelivered([]string{"no-such-id"}, "A")
}

func TestFullyDeliveredExcludedButFetchable(t *testing.T) {
	devices := []string{"A", "B"}
	q, _ := newTestQueue(&devices)

	id := q.Enqueue("s1", "hello", 0)
	q.MarkDelivered([]string{id}, "A")
	q.MarkDelivered([]string{id}, "B")

	msg := q.Get(id)
	if msg == nil {
		t.Fatal("fully delivered message should remain fetchable until sweep")
	}
	if !msg.FullyDelivered() {
		t.Error("message acked by all tracked devices should be fully delivered")
	}

	// A device joining later must not see it again.
	devices = append(devices, "C")
	if msgs := q.UndeliveredFor("s1", "C"); len(msgs) != 0 {
		t.Errorf("late joiner sees %d fully delivered messages, want 0", len(msgs))
	}
}

func TestLateJoinerDoesNotReopenFullDelivery(t *testing.T) {
	devices := []string{"A"}
	q, _ := newTestQueue(&devices)

	id := q.Enqueue("s1", "hello", 0)
	q.MarkDelivered([]string{id}, "A")

	devices = append(devices, "B")
	if !q.Get(id).FullyDelivered() {
		t.Error("fullyDelivered must latch; late joiners do not re-open it")
	}
}

func TestTTLExpiry(t *testing.T) {
	devices := []string{"A"}
	q, now := newTestQueue(&devices)

	q.Enqueue("s1", "short-lived", 10*time.Second)

	*now = now.Add(10*time.Second + time.Millisecond)
	if msgs := q.UndeliveredFor("s1", "A"); len(msgs) != 0 {
		t.Errorf("expired message still returned: %d messages", len(msgs))
	}
}

func TestSweepRemovesExpiredAndBookkeeping(t *testing.T) {
	devices := []string{"A"}
	q, now := newTestQueue(&devices)

	id := q.Enqueue("s1", "doomed", 10*time.Second)
	q.Enqueue("s2", "durable", time.Hour)

	q.Sweep(now.Add(time.Minute))

	if q.Get(id) != nil {
		t.Error("swept message still fetchable")
	}
	if q.Len("s1") != 0 {
		t.Errorf("s1 length = %d, want 0 after sweep", q.Len("s1"))
	}
	if q.Len("s2") != 1 {
		t.Errorf("s2 length = %d, want 1", q.Len("s2"))
	}
}

func TestClearSession(t *testing.T) {
	devices := []string{"A"}
	q, _ := newTestQueue(&devices)

	id := q.Enqueue("s1", "gone", 0)
	q.Enqueue("s2", "kept", 0)

	q.ClearSession("s1")

	if q.Get(id) != nil {
		t.Error("cleared message still fetchable")
	}
	if msgs := q.UndeliveredFor("s2", "A"); len(msgs) != 1 {
		t.Errorf("other session affected by clear: %d messages", len(msgs))
	}
}

func TestRenameSession(t *testing.T) {
	devices := []string{"A"}
	q, _ := newTestQueue(&devices)

	id := q.Enqueue("provisional", "hello", 0)
	q.RenameSession("provisional", "real")

	msgs := q.UndeliveredFor("real", "A")
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("messages not found under new session id: %v", msgs)
	}
	if msgs[0].SessionID != "real" {
		t.Errorf("SessionID = %q, want real", msgs[0].SessionID)
	}
	if got := q.UndeliveredFor("provisional", "A"); len(got) != 0 {
		t.Errorf("messages still under old id: %d", len(got))
	}
}

func TestEmptyTrackedSetNeverFullyDelivers(t *testing.T) {
	devices := []string{}
	q, _ := newTestQueue(&devices)

	id := q.Enqueue("s1", "hello", 0)
	q.MarkDelivered([]string{id}, "ghost")

	if q.Get(id).FullyDelivered() {
		t.Error("message must not be fully delivered with no tracked devices")
	}
}

func TestDedupExactlyOneAccepted(t *testing.T) {
	d := NewDetector(5 * time.Second)
	now := time.Now()
	d.timeNow = func() time.Time { return now }

	fp := d.Fingerprint("s1", "hello world", now)

	if !d.CheckAndRecord(fp) {
		t.Fatal("first send should be accepted")
	}
	if d.CheckAndRecord(fp) {
		t.Error("identical fingerprint within window should be rejected")
	}
}

func TestDedupWindowExpires(t *testing.T) {
	d := NewDetector(5 * time.Second)
	now := time.Now()
	d.timeNow = func() time.Time { return now }

	fp := d.Fingerprint("s1", "hello", now)
	d.CheckAndRecord(fp)

	now = now.Add(6 * time.Second)
	if !d.CheckAndRecord(fp) {
		t.Error("fingerprint outside the window should be accepted again")
	}
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	d := NewDetector(5 * time.Second)
	now := time.Now()

	a := d.Fingerprint("s1", "hello   world\n", now)
	b := d.Fingerprint("s1", "hello world", now)
	if a != b {
		t.Error("whitespace-only differences should fingerprint identically")
	}
}

func TestFingerprintVariesByContext(t *testing.T) {
	d := NewDetector(5 * time.Second)
	now := time.Now()

	base := d.Fingerprint("s1", "hello", now)

	if d.Fingerprint("s2", "hello", now) == base {
		t.Error("different sessions must not collide")
	}
	if d.Fingerprint("s1", "goodbye", now) == base {
		t.Error("different content must not collide")
	}
	if d.Fingerprint("s1", "hello", now.Add(time.Minute)) == base {
		t.Error("different time buckets must not collide")
	}
}
