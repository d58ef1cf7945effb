package flight

import (
	"testing"
	"time"
)

func entry(seq uint32, sentAt time.Time) Entry {
	return Entry{Seq: seq, Wire: []byte{byte(seq)}, SentAt: sentAt, Timeout: 250 * time.Millisecond}
}

func TestAckRetiresCumulatively(t *testing.T) {
	tr := NewTracker(25)
	now := time.Now()
	for seq := uint32(0); seq < 5; seq++ {
		if !tr.Add(entry(seq, now)) {
			t.Fatalf("add seq %d rejected", seq)
		}
	}

	if retired := tr.Ack(2); retired != 3 {
		t.Fatalf("expected 3 retired, got %d", retired)
	}
	if tr.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", tr.Len())
	}

	// A stale (lower) watermark retires nothing.
	if retired := tr.Ack(1); retired != 0 {
		t.Fatalf("stale watermark retired %d entries", retired)
	}

	// Negative watermark means nothing acked yet.
	if retired := tr.Ack(-1); retired != 0 {
		t.Fatalf("negative watermark retired %d entries", retired)
	}

	if retired := tr.Ack(4); retired != 2 {
		t.Fatalf("expected final 2 retired, got %d", retired)
	}
}

func TestWindowCapacity(t *testing.T) {
	tr := NewTracker(2)
	now := time.Now()
	if !tr.Add(entry(0, now)) || !tr.Add(entry(1, now)) {
		t.Fatalf("adds below capacity rejected")
	}
	if tr.Add(entry(2, now)) {
		t.Fatalf("add above capacity accepted")
	}
	if !tr.Full() {
		t.Fatalf("tracker should report full")
	}

	tr.Ack(0)
	if tr.Full() {
		t.Fatalf("tracker still full after ack")
	}
	if !tr.Add(entry(2, now)) {
		t.Fatalf("add after ack rejected")
	}
}

func TestOldestExpired(t *testing.T) {
	tr := NewTracker(25)
	start := time.Now()
	tr.Add(entry(0, start))
	tr.Add(entry(1, start.Add(200*time.Millisecond)))

	if tr.OldestExpired(start.Add(100 * time.Millisecond)) {
		t.Fatalf("head expired before its deadline")
	}
	if !tr.OldestExpired(start.Add(300 * time.Millisecond)) {
		t.Fatalf("head not expired after its deadline")
	}

	// Retiring the head leaves the younger entry, which has not expired.
	tr.Ack(0)
	if tr.OldestExpired(start.Add(300 * time.Millisecond)) {
		t.Fatalf("younger head reported expired")
	}
}

func TestResendAllRefreshesTimers(t *testing.T) {
	tr := NewTracker(25)
	start := time.Now()
	tr.Add(entry(0, start))
	tr.Add(entry(1, start))

	later := start.Add(time.Second)
	var sent [][]byte
	n := tr.ResendAll(later, func(wire []byte) {
		sent = append(sent, wire)
	})
	if n != 2 || len(sent) != 2 {
		t.Fatalf("expected 2 resends, got %d", n)
	}
	if sent[0][0] != 0 || sent[1][0] != 1 {
		t.Fatalf("resends out of order: %v", sent)
	}

	// Timers were refreshed, so the head is no longer expired.
	if tr.OldestExpired(later.Add(100 * time.Millisecond)) {
		t.Fatalf("head expired immediately after resend")
	}
}

func TestOldestExpiredEmpty(t *testing.T) {
	tr := NewTracker(25)
	if tr.OldestExpired(time.Now()) {
		t.Fatalf("empty tracker reported an expired head")
	}
}
