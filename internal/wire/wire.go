// Package wire defines the datagram format shared by both peers of a
// stream: a fixed 9-byte header, a SHA-256 digest, and up to PayloadMax
// bytes of payload. All multi-byte header fields are little-endian.
//
// Layout on the wire:
//
//	seq (4) | recvBuf (4) | flags (1) | digest (32) | payload (0..1431)
//
// The digest covers header||payload in wire order. A datagram whose
// recomputed digest does not match is treated the same as a lost one.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Size constants. DatagramMax is chosen so a full packet fits a single
// ethernet-MTU UDP datagram without IP fragmentation.
const (
	HeaderSize  = 9
	DigestSize  = sha256.Size
	DatagramMax = 1472
	PayloadMax  = DatagramMax - HeaderSize - DigestSize
)

// Flag bits. Remaining bits are zero on emit and ignored on receive.
const (
	FlagACK = 1 << 3
	FlagFIN = 1 << 7
)

var (
	// ErrCorrupt indicates a digest mismatch on decode.
	ErrCorrupt = errors.New("wire: digest mismatch")
	// ErrTruncated indicates a datagram shorter than header+digest.
	ErrTruncated = errors.New("wire: datagram truncated")
	// ErrOversized indicates a payload larger than PayloadMax.
	ErrOversized = errors.New("wire: payload exceeds maximum")
)

// Packet is the unit of transmission. For DATA packets Seq counts
// position in the sender's stream (in packets); for ACK and FIN-ACK it
// echoes the acknowledged Seq. RecvBuf advertises how many bytes the
// sender still has queued behind this packet's payload.
type Packet struct {
	Seq     uint32
	RecvBuf uint32
	Flags   uint8
	Payload []byte
}

// ACK reports whether the ACK flag bit is set.
func (p *Packet) ACK() bool { return p.Flags&FlagACK != 0 }

// FIN reports whether the FIN flag bit is set.
func (p *Packet) FIN() bool { return p.Flags&FlagFIN != 0 }

func (p *Packet) String() string {
	kind := "data"
	switch {
	case p.ACK() && p.FIN():
		kind = "fin-ack"
	case p.ACK():
		kind = "ack"
	case p.FIN():
		kind = "fin"
	}
	return fmt.Sprintf("%s seq=%d len=%d", kind, p.Seq, len(p.Payload))
}

// Encode serializes the packet, computing the digest over header and
// payload in wire order.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > PayloadMax {
		return nil, ErrOversized
	}

	buf := make([]byte, HeaderSize+DigestSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], p.Seq)
	binary.LittleEndian.PutUint32(buf[4:8], p.RecvBuf)
	buf[8] = p.Flags
	copy(buf[HeaderSize+DigestSize:], p.Payload)

	h := sha256.New()
	h.Write(buf[:HeaderSize])
	h.Write(p.Payload)
	h.Sum(buf[HeaderSize:HeaderSize])

	return buf, nil
}

// Decode parses and verifies a received datagram. The returned packet's
// payload is copied out of raw, so the caller may reuse its buffer.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize+DigestSize {
		return nil, ErrTruncated
	}
	if len(raw) > DatagramMax {
		return nil, fmt.Errorf("wire: datagram length %d exceeds %d", len(raw), DatagramMax)
	}

	h := sha256.New()
	h.Write(raw[:HeaderSize])
	h.Write(raw[HeaderSize+DigestSize:])
	var sum [DigestSize]byte
	h.Sum(sum[:0])

	if !bytes.Equal(sum[:], raw[HeaderSize:HeaderSize+DigestSize]) {
		return nil, ErrCorrupt
	}

	p := &Packet{
		Seq:     binary.LittleEndian.Uint32(raw[0:4]),
		RecvBuf: binary.LittleEndian.Uint32(raw[4:8]),
		Flags:   raw[8],
	}
	if payload := raw[HeaderSize+DigestSize:]; len(payload) > 0 {
		p.Payload = append([]byte(nil), payload...)
	}
	return p, nil
}
