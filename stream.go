// Package ustream implements a reliable, in-order, integrity-checked
// byte stream between two fixed UDP endpoints that may drop, reorder,
// duplicate, or corrupt datagrams.
//
// A Stream segments outgoing bytes into sequence-numbered packets,
// retransmits on timeout (go-back-N over a fixed window), reassembles
// incoming packets into sequence order, and verifies every datagram
// with a SHA-256 digest. Peers are pre-paired at construction; there is
// no connection handshake and no multi-peer demultiplexing.
package ustream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/NieTiger/ustream/internal/flight"
	"github.com/NieTiger/ustream/internal/pcap"
	"github.com/NieTiger/ustream/internal/pktq"
	"github.com/NieTiger/ustream/internal/stats"
	"github.com/NieTiger/ustream/internal/wire"
)

// Defaults. The window is a packet count, not bytes; it is the only
// flow-control mechanism (no congestion control).
const (
	DefaultWindow            = 25
	DefaultRetransmitTimeout = 250 * time.Millisecond
	DefaultFINTimeout        = 2 * time.Second
)

// senderTick is the sender task's polling interval. It bounds how late
// a retransmission timer can fire.
const senderTick = 2 * time.Millisecond

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("ustream: stream closed")

type config struct {
	logger            *slog.Logger
	window            int
	retransmitTimeout time.Duration
	finTimeout        time.Duration
	conn              net.PacketConn
	capture           io.Writer
}

// Option configures a Stream at construction.
type Option func(*config)

// WithLogger sets the logger; defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithWindow sets the maximum number of in-flight packets.
func WithWindow(n int) Option {
	return func(c *config) { c.window = n }
}

// WithRetransmitTimeout sets the per-packet retransmission timeout.
func WithRetransmitTimeout(d time.Duration) Option {
	return func(c *config) { c.retransmitTimeout = d }
}

// WithFINTimeout bounds how long Close waits for the peer's FIN-ACK.
func WithFINTimeout(d time.Duration) Option {
	return func(c *config) { c.finTimeout = d }
}

// WithPacketConn injects an already-bound datagram endpoint instead of
// binding a UDP socket. The stream takes ownership and closes it.
func WithPacketConn(pc net.PacketConn) Option {
	return func(c *config) { c.conn = pc }
}

// WithCapture records every datagram sent and received to w in pcap
// format.
func WithCapture(w io.Writer) Option {
	return func(c *config) { c.capture = w }
}

// Stream is a bidirectional reliable byte stream over one datagram
// endpoint. All methods are safe for concurrent use.
type Stream struct {
	log    *slog.Logger
	id     string
	conn   net.PacketConn
	remote net.Addr

	window            int
	retransmitTimeout time.Duration
	finTimeout        time.Duration

	sendQ   *pktq.Queue
	recvQ   *pktq.Queue
	tracker *flight.Tracker
	capture *pcap.Sink

	// recvMu serializes Recv so only one caller waits on a given
	// expected sequence number at a time.
	recvMu sync.Mutex

	sendNextSeq    atomic.Uint32
	recvExpectSeq  atomic.Uint32
	ackedWatermark atomic.Int64 // -1 until the first ack
	peerFinSeq     atomic.Int64 // peer's FIN sequence, -1 until observed
	shouldClose    atomic.Bool  // peer FIN or FIN-ACK observed
	closed         atomic.Bool

	packetsSent    atomic.Uint64
	packetsRecv    atomic.Uint64
	retransmits    atomic.Uint64
	dupsDropped    atomic.Uint64
	corruptDropped atomic.Uint64
	acksSent       atomic.Uint64
	bytesDelivered atomic.Uint64
	bytesQueued    atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New binds localAddr ("" or ":0" for wildcard/ephemeral), fixes
// remoteAddr as the peer, and starts the background listener and sender
// tasks. The stream is ready to Send and Recv on return.
func New(localAddr, remoteAddr string, opts ...Option) (*Stream, error) {
	cfg := config{
		logger:            slog.Default(),
		window:            DefaultWindow,
		retransmitTimeout: DefaultRetransmitTimeout,
		finTimeout:        DefaultFINTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.window <= 0 {
		return nil, fmt.Errorf("ustream: window %d must be positive", cfg.window)
	}

	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ustream: resolve remote %q: %w", remoteAddr, err)
	}

	conn := cfg.conn
	if conn == nil {
		if localAddr == "" {
			localAddr = ":0"
		}
		local, err := net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("ustream: resolve local %q: %w", localAddr, err)
		}
		conn, err = net.ListenUDP("udp", local)
		if err != nil {
			return nil, fmt.Errorf("ustream: bind %q: %w", localAddr, err)
		}
	}

	id := xid.New().String()
	s := &Stream{
		log:               cfg.logger.With("stream", id, "remote", remote.String()),
		id:                id,
		conn:              conn,
		remote:            remote,
		window:            cfg.window,
		retransmitTimeout: cfg.retransmitTimeout,
		finTimeout:        cfg.finTimeout,
		sendQ:             pktq.New(),
		recvQ:             pktq.New(),
		tracker:           flight.NewTracker(cfg.window),
	}
	s.ackedWatermark.Store(-1)
	s.peerFinSeq.Store(-1)
	if cfg.capture != nil {
		s.capture = pcap.NewSink(cfg.capture)
	}

	s.wg.Add(2)
	go s.listen()
	go s.transmitLoop()

	s.log.Debug("stream open", "local", conn.LocalAddr().String())
	return s, nil
}

// ID returns the stream's instance id, as tagged on its log lines.
func (s *Stream) ID() string { return s.id }

// LocalAddr returns the bound local endpoint.
func (s *Stream) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Send segments data into payload-sized packets and queues them for
// transmission. It returns once the bytes are queued, not once they are
// acknowledged; delivery is handled by retransmission until Close.
func (s *Stream) Send(data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	for off := 0; off < len(data); off += wire.PayloadMax {
		end := off + wire.PayloadMax
		if end > len(data) {
			end = len(data)
		}
		chunk := append([]byte(nil), data[off:end]...)

		p := &wire.Packet{
			Seq:     s.sendNextSeq.Add(1) - 1,
			RecvBuf: uint32(len(data) - end),
			Payload: chunk,
		}
		s.bytesQueued.Add(int64(len(chunk)))
		s.sendQ.Push(p)
	}
	return nil
}

// Recv blocks until the next in-sequence payload is available and
// returns it, acknowledging the packet to the peer. It returns io.EOF
// once the stream has ended: a local Close, or a peer FIN with every
// preceding data packet delivered.
func (s *Stream) Recv() ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	expect := s.recvExpectSeq.Load()
	p, stale := s.recvQ.AwaitSeq(expect)
	if stale > 0 {
		s.dupsDropped.Add(uint64(stale))
	}
	if p == nil {
		return nil, io.EOF
	}

	s.recvExpectSeq.Store(expect + 1)
	s.sendControl(p.Seq, wire.FlagACK)
	s.bytesDelivered.Add(uint64(len(p.Payload)))
	s.maybeFinishRecv()
	return p.Payload, nil
}

// maybeFinishRecv closes the reassembly queue once the peer has sent
// its FIN and every data sequence below it has been delivered; the next
// Recv then returns io.EOF instead of waiting for data that will never
// come. The peer's FIN sequence is the end-of-stream marker, since DATA
// and FIN share one counter.
func (s *Stream) maybeFinishRecv() {
	if fin := s.peerFinSeq.Load(); fin >= 0 && int64(s.recvExpectSeq.Load()) >= fin {
		s.recvQ.Close()
	}
}

// Close performs the FIN handshake (unless the peer already initiated
// one), stops the background tasks, and releases the endpoint. It is
// idempotent, and returns even if the peer never answers: after the FIN
// timeout the stream is torn down unconditionally.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.doClose() })
	return s.closeErr
}

func (s *Stream) doClose() error {
	if !s.shouldClose.Load() {
		finSeq := s.sendNextSeq.Add(1) - 1
		s.sendQ.Push(&wire.Packet{Seq: finSeq, Flags: wire.FlagFIN})
		s.log.Debug("fin queued", "seq", finSeq)

		deadline := time.Now().Add(s.finTimeout)
		for !s.shouldClose.Load() && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if s.shouldClose.Load() {
			// Third leg of the handshake; lets the peer's close return.
			s.sendControl(finSeq, wire.FlagACK)
		} else {
			s.log.Debug("fin unanswered, closing anyway", "timeout", s.finTimeout)
		}
	}

	s.closed.Store(true)
	s.sendQ.Close()
	s.recvQ.Close()

	err := s.conn.Close() // unblocks the listener's read
	s.wg.Wait()
	s.log.Debug("stream closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("ustream: close endpoint: %w", err)
	}
	return nil
}

// Stats returns a point-in-time snapshot of the stream's counters.
func (s *Stream) Stats() stats.Snapshot {
	state := "open"
	switch {
	case s.closed.Load():
		state = "closed"
	case s.shouldClose.Load():
		state = "closing"
	}

	queued := s.bytesQueued.Load()
	if queued < 0 {
		queued = 0
	}
	return stats.Snapshot{
		State:          state,
		PacketsSent:    s.packetsSent.Load(),
		PacketsRecv:    s.packetsRecv.Load(),
		Retransmits:    s.retransmits.Load(),
		DupsDropped:    s.dupsDropped.Load(),
		CorruptDropped: s.corruptDropped.Load(),
		AcksSent:       s.acksSent.Load(),
		BytesDelivered: s.bytesDelivered.Load(),
		BytesQueued:    uint64(queued),
		InFlight:       s.tracker.Len(),
		SendNextSeq:    uint64(s.sendNextSeq.Load()),
		RecvExpectSeq:  uint64(s.recvExpectSeq.Load()),
		AckedWatermark: s.ackedWatermark.Load(),
	}
}

// sendControl transmits an ACK / FIN-ACK immediately, bypassing the
// send queue. Control packets are never retransmitted; a lost ack is
// recovered by the peer's retransmission provoking another one.
func (s *Stream) sendControl(seq uint32, flags uint8) {
	raw, err := wire.Encode(&wire.Packet{Seq: seq, Flags: flags})
	if err != nil {
		s.log.Error("encode control packet", "seq", seq, "err", err)
		return
	}
	s.transmit(raw)
	s.acksSent.Add(1)
}

// transmit writes one datagram to the peer, feeding the capture tap.
// Send errors after close are expected and dropped; everything else is
// logged and otherwise ignored, because the retransmission machinery is
// the recovery path for any lost datagram.
func (s *Stream) transmit(raw []byte) {
	if _, err := s.conn.WriteTo(raw, s.remote); err != nil {
		if !s.closed.Load() {
			s.log.Debug("transmit failed", "err", err)
		}
		return
	}
	s.packetsSent.Add(1)
	if s.capture != nil {
		_ = s.capture.Record(raw)
	}
}

// advanceWatermark raises the cumulative acked watermark, never
// lowering it.
func (s *Stream) advanceWatermark(seq uint32) {
	for {
		cur := s.ackedWatermark.Load()
		if int64(seq) <= cur {
			return
		}
		if s.ackedWatermark.CompareAndSwap(cur, int64(seq)) {
			return
		}
	}
}
