package ustream

import (
	"time"

	"github.com/NieTiger/ustream/internal/flight"
	"github.com/NieTiger/ustream/internal/wire"
)

// transmitLoop is the background sender task. Each tick it admits
// queued packets into the in-flight window, retires acknowledged
// entries, and retransmits the whole window when the oldest entry times
// out (go-back-N). It exits once the stream is closed; anything still
// in flight at that point is abandoned, per the close contract.
func (s *Stream) transmitLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(senderTick)
	defer ticker.Stop()

	for !s.closed.Load() {
		s.pump(time.Now())
		<-ticker.C
	}
}

// pump runs one sender iteration as of now.
func (s *Stream) pump(now time.Time) {
	// Admit from the queue while the window has room. Queue order is
	// ascending seq, so transmission order is too.
	for !s.tracker.Full() {
		p := s.sendQ.PopMin()
		if p == nil {
			break
		}
		raw, err := wire.Encode(p)
		if err != nil {
			// Send never queues an oversized payload; nothing to do
			// with a packet that cannot exist on the wire.
			s.log.Error("encode queued packet", "seq", p.Seq, "err", err)
			continue
		}
		s.tracker.Add(flight.Entry{
			Seq:     p.Seq,
			Wire:    raw,
			SentAt:  now,
			Timeout: s.retransmitTimeout,
		})
		s.transmit(raw)
		s.bytesQueued.Add(-int64(len(p.Payload)))
	}

	// Cumulative ack: one watermark retires every earlier entry.
	s.tracker.Ack(s.ackedWatermark.Load())

	// A timed-out head means everything behind it is presumed lost.
	if s.tracker.OldestExpired(now) {
		n := s.tracker.ResendAll(now, s.transmit)
		s.retransmits.Add(uint64(n))
		s.log.Debug("window retransmitted", "packets", n)
	}
}
