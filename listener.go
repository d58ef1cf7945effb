package ustream

import (
	"errors"
	"net"

	"github.com/NieTiger/ustream/internal/wire"
)

// listen is the background listener task: it drains the datagram
// endpoint and dispatches ACK, FIN, FIN-ACK, and DATA packets. It exits
// when the endpoint is closed.
func (s *Stream) listen() {
	defer s.wg.Done()

	buf := make([]byte, wire.DatagramMax)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			s.log.Error("endpoint read failed", "err", err)
			return
		}
		if n == 0 {
			continue
		}
		// One fixed peer per stream; anything else is noise.
		if addr != nil && addr.String() != s.remote.String() {
			continue
		}

		if s.capture != nil {
			_ = s.capture.Record(buf[:n])
		}

		p, err := wire.Decode(buf[:n])
		if err != nil {
			// Corruption is recovered the same way as loss: the peer's
			// retransmission timer.
			s.corruptDropped.Add(1)
			continue
		}
		s.packetsRecv.Add(1)
		s.dispatch(p)
	}
}

func (s *Stream) dispatch(p *wire.Packet) {
	switch {
	case p.ACK():
		s.advanceWatermark(p.Seq)
		if p.FIN() {
			s.shouldClose.Store(true)
			s.log.Debug("fin-ack received", "seq", p.Seq)
		}

	case p.FIN():
		// Confirm immediately so the peer's close can return; our own
		// close skips its FIN leg once shouldClose is set.
		s.sendControl(p.Seq, wire.FlagACK|wire.FlagFIN)
		s.peerFinSeq.CompareAndSwap(-1, int64(p.Seq))
		s.shouldClose.Store(true)
		s.maybeFinishRecv()
		s.log.Debug("fin received", "seq", p.Seq)

	default: // DATA
		if p.Seq < s.recvExpectSeq.Load() {
			// Already delivered. Re-ack in case our earlier ack was
			// lost, or the peer retransmits this packet forever.
			s.dupsDropped.Add(1)
			s.sendControl(p.Seq, wire.FlagACK)
			return
		}
		s.recvQ.Push(p)
	}
}
