// Package lossy wraps a net.PacketConn with configurable impairments:
// dropped, duplicated, delayed, and bit-flipped datagrams. The stream
// layer is expected to recover from all of them, so this package is the
// adversary used by the transport tests and by the demo tools.
//
// Impairments are applied on the send side only. Both peers wrapping
// their sockets gives symmetric loss.
package lossy

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30ms" (yaml.v3 has no native duration support).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("lossy: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Profile describes an impairment mix. Rates are probabilities in
// [0, 1] evaluated independently per datagram.
type Profile struct {
	DropRate    float64  `yaml:"drop_rate"`
	DupRate     float64  `yaml:"dup_rate"`
	CorruptRate float64  `yaml:"corrupt_rate"`
	DelayRate   float64  `yaml:"delay_rate"`
	Delay       Duration `yaml:"delay"`
}

// Validate checks that every rate is a probability.
func (p Profile) Validate() error {
	for _, r := range []struct {
		name string
		v    float64
	}{
		{"drop_rate", p.DropRate},
		{"dup_rate", p.DupRate},
		{"corrupt_rate", p.CorruptRate},
		{"delay_rate", p.DelayRate},
	} {
		if r.v < 0 || r.v > 1 {
			return fmt.Errorf("lossy: %s %v outside [0, 1]", r.name, r.v)
		}
	}
	if p.Delay < 0 {
		return fmt.Errorf("lossy: negative delay %v", p.Delay)
	}
	return nil
}

// LoadProfile reads a YAML impairment profile.
func LoadProfile(r io.Reader) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("lossy: parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Conn is an impaired net.PacketConn. Reads pass through untouched.
type Conn struct {
	net.PacketConn

	profile Profile

	randMu sync.Mutex
	rand   *rand.Rand

	// timers guards delayed transmissions so Close can cancel them.
	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
	closed  bool
}

// Wrap returns an impaired view of pc. The seed makes an impairment
// sequence reproducible across test runs.
func Wrap(pc net.PacketConn, profile Profile, seed int64) *Conn {
	return &Conn{
		PacketConn: pc,
		profile:    profile,
		rand:       rand.New(rand.NewSource(seed)),
		timers:     make(map[*time.Timer]struct{}),
	}
}

// WriteTo applies the impairment profile, then forwards to the wrapped
// conn. Dropped datagrams still report success: a lossy network gives
// the sender no failure signal either.
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.randMu.Lock()
	drop := c.roll(c.profile.DropRate)
	dup := c.roll(c.profile.DupRate)
	corrupt := c.roll(c.profile.CorruptRate)
	delay := c.roll(c.profile.DelayRate)
	var flipByte, flipBit int
	if corrupt && len(p) > 0 {
		flipByte = c.rand.Intn(len(p))
		flipBit = c.rand.Intn(8)
	}
	c.randMu.Unlock()

	if drop {
		return len(p), nil
	}

	out := append([]byte(nil), p...)
	if corrupt && len(out) > 0 {
		out[flipByte] ^= 1 << flipBit
	}

	if delay && c.profile.Delay > 0 {
		c.deliverLater(out, addr)
	} else {
		if _, err := c.PacketConn.WriteTo(out, addr); err != nil {
			return 0, err
		}
	}
	if dup {
		c.deliverLater(append([]byte(nil), out...), addr)
	}
	return len(p), nil
}

// roll must be called with randMu held.
func (c *Conn) roll(rate float64) bool {
	return rate > 0 && c.rand.Float64() < rate
}

// deliverLater schedules a datagram after the profile delay (duplicates
// reuse the same delay so they trail the original).
func (c *Conn) deliverLater(p []byte, addr net.Addr) {
	delay := time.Duration(c.profile.Delay)
	if delay <= 0 {
		delay = time.Millisecond
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.timerMu.Lock()
		delete(c.timers, timer)
		closed := c.closed
		c.timerMu.Unlock()
		if closed {
			return
		}
		// Late delivery to a closed socket is indistinguishable from loss.
		_, _ = c.PacketConn.WriteTo(p, addr)
	})
	c.timers[timer] = struct{}{}
}

// Close cancels pending delayed deliveries and closes the wrapped conn.
func (c *Conn) Close() error {
	c.timerMu.Lock()
	c.closed = true
	for timer := range c.timers {
		timer.Stop()
	}
	c.timers = nil
	c.timerMu.Unlock()
	return c.PacketConn.Close()
}
