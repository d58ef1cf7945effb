package pktq

import (
	"testing"
	"time"

	"github.com/NieTiger/ustream/internal/wire"
)

func pkt(seq uint32) *wire.Packet {
	return &wire.Packet{Seq: seq}
}

func TestPopMinOrders(t *testing.T) {
	q := New()
	for _, seq := range []uint32{5, 1, 3, 2, 4} {
		q.Push(pkt(seq))
	}

	for want := uint32(1); want <= 5; want++ {
		p := q.PopMin()
		if p == nil {
			t.Fatalf("queue empty at seq %d", want)
		}
		if p.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, p.Seq)
		}
	}
	if p := q.PopMin(); p != nil {
		t.Fatalf("expected empty queue, got seq %d", p.Seq)
	}
}

func TestAwaitSeqBlocksUntilAvailable(t *testing.T) {
	q := New()

	got := make(chan *wire.Packet, 1)
	go func() {
		p, _ := q.AwaitSeq(2)
		got <- p
	}()

	// Out-of-order arrival must not satisfy the waiter.
	q.Push(pkt(3))
	select {
	case p := <-got:
		t.Fatalf("await returned early with seq %d", p.Seq)
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(pkt(2))
	select {
	case p := <-got:
		if p.Seq != 2 {
			t.Fatalf("expected seq 2, got %d", p.Seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for seq 2")
	}

	if q.Len() != 1 {
		t.Fatalf("expected seq 3 to remain buffered, len=%d", q.Len())
	}
}

func TestAwaitSeqDropsStale(t *testing.T) {
	q := New()
	q.Push(pkt(0))
	q.Push(pkt(1))
	q.Push(pkt(1))
	q.Push(pkt(4))

	p, dropped := q.AwaitSeq(4)
	if p == nil || p.Seq != 4 {
		t.Fatalf("expected seq 4, got %v", p)
	}
	if dropped != 3 {
		t.Fatalf("expected 3 stale packets dropped, got %d", dropped)
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	q := New()

	done := make(chan struct{})
	go func() {
		p, _ := q.AwaitSeq(0)
		if p != nil {
			t.Errorf("expected nil packet after close, got seq %d", p.Seq)
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiter not released by close")
	}

	q.Push(pkt(9))
	if q.Len() != 0 {
		t.Fatalf("push after close should be rejected")
	}
}
