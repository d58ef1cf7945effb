// Package pcap emits classic libpcap-formatted capture streams of the
// transport's raw datagrams. Captures use a user-reserved link type
// (there is no ethernet framing at this layer); wireshark can be told
// to dissect LINKTYPE_USER0 payloads with the stream's header layout.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// Link-layer (DLT) identifiers, matching the tcpdump/libpcap values.
const (
	LinkTypeEthernet uint32 = 1
	LinkTypeUser0    uint32 = 147
)

// DefaultSnapLen is large enough for any single transport datagram.
const DefaultSnapLen uint32 = 2048

// Sink appends timestamped datagram records to an io.Writer. It is safe
// for concurrent use; the transport's listener and sender both feed it.
type Sink struct {
	mu            sync.Mutex
	w             io.Writer
	snapLen       uint32
	headerWritten bool
	err           error
}

// NewSink wraps out. The 24-byte global header is emitted lazily before
// the first record.
func NewSink(out io.Writer) *Sink {
	return &Sink{w: out, snapLen: DefaultSnapLen}
}

// Record appends one captured datagram stamped with the current time.
// After the first write error the sink goes inert and keeps returning
// that error; capture failures must never stall the transport.
func (s *Sink) Record(data []byte) error {
	return s.RecordAt(time.Now(), data)
}

// RecordAt appends one captured datagram with an explicit timestamp.
func (s *Sink) RecordAt(ts time.Time, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if !s.headerWritten {
		if err := s.writeFileHeader(); err != nil {
			s.err = err
			return err
		}
		s.headerWritten = true
	}

	capLen := uint32(len(data))
	if capLen > s.snapLen {
		capLen = s.snapLen
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], capLen)
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(data)))

	if _, err := s.w.Write(rec[:]); err != nil {
		s.err = fmt.Errorf("pcap: write record header: %w", err)
		return s.err
	}
	if capLen > 0 {
		if _, err := s.w.Write(data[:capLen]); err != nil {
			s.err = fmt.Errorf("pcap: write record data: %w", err)
			return s.err
		}
	}
	return nil
}

func (s *Sink) writeFileHeader() error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // Major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // Minor version
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], s.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeUser0)

	if _, err := s.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write file header: %w", err)
	}
	return nil
}
