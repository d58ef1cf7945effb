// Package pktq provides a thread-safe min-queue of packets ordered by
// sequence number. The stream uses two instances: the send queue (the
// sender pops the smallest queued sequence) and the reassembly buffer
// (the receiver blocks until the exact expected sequence surfaces).
package pktq

import (
	"container/heap"
	"sync"

	"github.com/NieTiger/ustream/internal/wire"
)

// Queue is a mutex-guarded min-heap keyed by Packet.Seq. The zero value
// is not ready for use; call New.
type Queue struct {
	mu     sync.Mutex
	ready  *sync.Cond
	heap   packetHeap
	closed bool
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// Push inserts a packet and wakes any waiter. Duplicate sequence numbers
// are accepted; consumers discard them on withdrawal.
func (q *Queue) Push(p *wire.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.heap, p)
	q.ready.Broadcast()
}

// PopMin removes and returns the packet with the smallest sequence
// number, or nil if the queue is empty.
func (q *Queue) PopMin() *wire.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*wire.Packet)
}

// AwaitSeq blocks until a packet with exactly the given sequence number
// is at the head of the queue, then removes and returns it. Packets with
// smaller sequence numbers encountered at the head are dropped as
// duplicates and counted in the second return value. Returns nil once
// the queue is closed and no matching packet remains.
func (q *Queue) AwaitSeq(seq uint32) (*wire.Packet, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for {
		for len(q.heap) > 0 && q.heap[0].Seq < seq {
			heap.Pop(&q.heap)
			dropped++
		}
		if len(q.heap) > 0 && q.heap[0].Seq == seq {
			return heap.Pop(&q.heap).(*wire.Packet), dropped
		}
		if q.closed {
			return nil, dropped
		}
		q.ready.Wait()
	}
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close rejects further pushes and unblocks all waiters. Packets already
// queued remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ready.Broadcast()
}

// packetHeap implements heap.Interface over packets, smallest Seq first.
type packetHeap []*wire.Packet

func (h packetHeap) Len() int           { return len(h) }
func (h packetHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h packetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)        { *h = append(*h, x.(*wire.Packet)) }
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}
