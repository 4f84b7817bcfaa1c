// Package meter implements the Bitrate Meter: a per-group UDP receiver that
// accumulates byte counts so the Stats Parser can derive an accurate,
// smoothed bitrate even when the encoder itself doesn't report one (e.g.
// pure stream copy).
package meter

import (
	"hash/fnv"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	// Host is the loopback address the meter always binds to; the sink is
	// never reachable off-machine.
	Host = "127.0.0.1"

	// PortBase and PortRange bound the deterministic per-group port space,
	// disjoint from the relay's [20000, 40000) range.
	PortBase  = 40000
	PortRange = 10000

	udpQuery = "pkt_size=1316"

	readTimeout = 250 * time.Millisecond

	datagramBufferSize = 2048
)

// PortForGroup returns the deterministic UDP port the meter listens on for
// groupID, using the same FNV-1a scheme as the relay but a disjoint range.
func PortForGroup(groupID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(groupID))
	return PortBase + int(h.Sum32()%uint32(PortRange))
}

// OutputURL is the UDP sink a group's encoder should add as an extra tee leg
// so the meter can observe its output byte rate.
func OutputURL(groupID string) string {
	return "udp://" + Host + ":" + strconv.Itoa(PortForGroup(groupID)) + "?" + udpQuery
}

// Meter accumulates received bytes for one group until Stop is called.
type Meter struct {
	conn  *net.UDPConn
	bytes atomic.Uint64
	done  chan struct{}
}

// Start binds a UDP socket for groupID and begins accumulating received
// byte counts on a background goroutine.
func Start(groupID string) (*Meter, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(Host), Port: PortForGroup(groupID)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	m := &Meter{conn: conn, done: make(chan struct{})}
	go m.run()
	return m, nil
}

func (m *Meter) run() {
	buf := make([]byte, datagramBufferSize)
	for {
		select {
		case <-m.done:
			return
		default:
		}

		_ = m.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := m.conn.ReadFromUDP(buf)
		if n > 0 {
			m.bytes.Add(uint64(n))
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-m.done:
			default:
			}
			return
		}
	}
}

// Bytes returns the current cumulative byte count.
func (m *Meter) Bytes() uint64 { return m.bytes.Load() }

// Stop closes the socket and ends the background read loop.
func (m *Meter) Stop() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	_ = m.conn.Close()
}

// Sampler reduces a rolling byte count into a smoothed kbps estimate via an
// exponential moving average (α=0.2) over successive samples.
type Sampler struct {
	alpha        float64
	lastBytes    uint64
	lastSampled  time.Time
	haveSample   bool
	smoothedKbps float64
	haveSmoothed bool
}

// NewSampler returns a Sampler with the spec-mandated smoothing factor.
func NewSampler() *Sampler {
	return &Sampler{alpha: 0.2}
}

// Observe takes the meter's current cumulative byte count and returns the
// smoothed kbps rate since the previous observation. The first observation
// only seeds the sampler and returns (0, false).
func (s *Sampler) Observe(currentBytes uint64, now time.Time) (kbps float64, ok bool) {
	if !s.haveSample {
		s.lastBytes = currentBytes
		s.lastSampled = now
		s.haveSample = true
		return 0, false
	}

	elapsed := now.Sub(s.lastSampled).Seconds()
	delta := currentBytes - s.lastBytes
	if currentBytes < s.lastBytes {
		delta = 0
	}
	s.lastBytes = currentBytes
	s.lastSampled = now

	if elapsed <= 0 {
		if s.haveSmoothed {
			return s.smoothedKbps, true
		}
		return 0, false
	}

	instant := float64(delta) * 8.0 / 1000.0 / elapsed
	if s.haveSmoothed {
		s.smoothedKbps = s.smoothedKbps*(1-s.alpha) + instant*s.alpha
	} else {
		s.smoothedKbps = instant
		s.haveSmoothed = true
	}
	return s.smoothedKbps, true
}
